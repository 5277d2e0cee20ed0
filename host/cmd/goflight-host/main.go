package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/google/shlex"

	"goflight/host/fc"
	"goflight/host/serial"
)

var (
	device      = flag.String("device", "/dev/ttyACM0", "Serial device path")
	baud        = flag.Int("baud", 250000, "Baud rate (ignored for USB CDC)")
	printEvents = flag.Bool("events", true, "Print asynchronous controller events")
)

func main() {
	flag.Parse()

	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud

	fmt.Printf("Connecting to %s...\n", *device)
	client, err := fc.Connect(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	d := client.Dict()
	fmt.Printf("Connected: %s (%s), %d commands, %d responses\n",
		d.Version, d.BuildVersions, len(d.Commands), len(d.Responses))

	if *printEvents {
		go eventPrinter(client)
	}

	fmt.Println("Type 'help' for commands, 'quit' to exit.")
	repl(client)
}

// eventPrinter shows unsolicited traffic: shutdown reports, callout
// fires, failsafe engagement, sensor and battery samples.
func eventPrinter(client *fc.Client) {
	for ev := range client.Events() {
		fmt.Printf("\r<- %s", ev.Name)

		keys := make([]string, 0, len(ev.Args))
		for k := range ev.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf(" %s=%d", k, ev.Args[k])
		}
		if len(ev.Data) > 0 {
			fmt.Printf(" data=%q", ev.Data)
		}
		fmt.Print("\n> ")
	}
}

func repl(client *fc.Client) {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		tokens, err := shlex.Split(scanner.Text())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}

		if tokens[0] == "quit" || tokens[0] == "exit" || tokens[0] == "q" {
			return
		}

		if err := dispatch(client, tokens); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(client *fc.Client, tokens []string) error {
	cmd, args := tokens[0], tokens[1:]

	switch cmd {
	case "help", "?":
		printHelp(client)
		return nil

	case "dict":
		for _, name := range client.CommandNames() {
			usage, _ := client.CommandUsage(name)
			fmt.Printf("  %s\n", usage)
		}
		return nil

	case "raw":
		raw := client.RawDictionary()
		fmt.Printf("Dictionary (%d bytes):\n%s\n", len(raw), raw)
		return nil

	case "constants":
		d := client.Dict()
		names := make([]string, 0, len(d.Config))
		for name := range d.Config {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s = %s\n", name, d.Config[name])
		}
		return nil

	case "pins":
		d := client.Dict()
		pins := d.Enumerations["pin"]
		names := make([]string, 0, len(pins))
		for name := range pins {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return pins[names[i]] < pins[names[j]] })
		for _, name := range names {
			fmt.Printf("  %3d %s\n", pins[name], name)
		}
		return nil

	case "time":
		now, err := client.GetTime()
		if err != nil {
			return err
		}
		fmt.Printf("time: %d us (%.3f s)\n", now, float64(now)/1e6)
		return nil

	case "status":
		st, err := client.Status()
		if err != nil {
			return err
		}
		fmt.Printf("wraps=%d depth=%d scheduled=%d fired=%d deferred=%d lat_max=%dus\n",
			st.Wraps, st.QueueDepth, st.Scheduled, st.Fired, st.Deferred, st.MaxLatency)
		return nil

	case "latency":
		buckets, err := client.Latency()
		if err != nil {
			return err
		}
		for _, b := range buckets {
			if b.LEMicros == 0 {
				fmt.Printf("  >  prev: %d\n", b.Count)
			} else {
				fmt.Printf("  <= %4dus: %d\n", b.LEMicros, b.Count)
			}
		}
		return nil

	case "trace":
		entries, err := client.Trace()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("trace ring empty")
			return nil
		}
		for _, e := range entries {
			flag := " "
			if e.Deferred {
				flag = "D"
			}
			fmt.Printf("  [%2d] t=%d drained=%d %s\n", e.Index, e.Time, e.Drained, flag)
		}
		return nil

	case "config":
		cs, err := client.GetConfig()
		if err != nil {
			return err
		}
		fmt.Printf("is_config=%v crc=0x%08X is_shutdown=%v oid_count=%d\n",
			cs.Configured, cs.CRC, cs.Shutdown, cs.OIDCount)
		return nil

	case "i2cscan":
		if len(args) != 1 {
			return fmt.Errorf("usage: i2cscan <bus>")
		}
		bus, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return err
		}
		found, err := client.ScanI2C(uint8(bus))
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Println("no devices found")
			return nil
		}
		for _, addr := range found {
			fmt.Printf("  0x%02X\n", addr)
		}
		return nil

	case "i2cwrite":
		if len(args) != 2 {
			return fmt.Errorf("usage: i2cwrite <oid> <hexbytes>")
		}
		oid, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return err
		}
		data, err := hex.DecodeString(args[1])
		if err != nil {
			return err
		}
		return client.I2CWrite(uint8(oid), data)

	case "i2cread":
		if len(args) != 3 {
			return fmt.Errorf("usage: i2cread <oid> <reghex> <len>")
		}
		oid, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return err
		}
		reg, err := hex.DecodeString(args[1])
		if err != nil {
			return err
		}
		n, err := strconv.ParseUint(args[2], 0, 8)
		if err != nil {
			return err
		}
		data, err := client.I2CRead(uint8(oid), reg, uint32(n))
		if err != nil {
			return err
		}
		fmt.Printf("read: % X\n", data)
		return nil
	}

	// Anything else goes straight to the dictionary: tokens are coerced
	// per the command's field types.
	cmdArgs := make([]interface{}, len(args))
	for i, a := range args {
		cmdArgs[i] = a
	}
	if err := client.Command(cmd, cmdArgs...); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func printHelp(client *fc.Client) {
	fmt.Println("\nConsole commands:")
	fmt.Println("  help            - Show this help")
	fmt.Println("  dict            - List controller commands and their fields")
	fmt.Println("  raw             - Print the raw dictionary JSON")
	fmt.Println("  constants       - Print build constants")
	fmt.Println("  pins            - Print the pin name table")
	fmt.Println("  time            - Read the controller clock")
	fmt.Println("  status          - Read scheduler counters")
	fmt.Println("  latency         - Print the dispatch latency histogram")
	fmt.Println("  trace           - Dump the dispatch trace ring")
	fmt.Println("  config          - Read the configuration state")
	fmt.Println("  i2cscan <bus>   - Probe an I2C bus")
	fmt.Println("  i2cwrite/i2cread - Raw I2C access")
	fmt.Println("  quit            - Exit")
	fmt.Println("\nAny controller command can also be sent directly, e.g.:")
	fmt.Println("  allocate_oids 4")
	fmt.Println("  config_callout 0")
	fmt.Println("  callout_after 0 100000")
	fmt.Println()
}
