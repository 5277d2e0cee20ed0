// Command goflight-check runs the preflight harness against a board.
//
//	goflight-check -device /dev/ttyACM0
//	goflight-check -run callout_after,failsafe_engage
//	goflight-check -config bench.json
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"goflight/host/fc"
	"goflight/host/harness"
	"goflight/host/serial"
)

var (
	device     = flag.String("device", "", "Serial device path (overrides config)")
	baud       = flag.Int("baud", 0, "Baud rate (overrides config)")
	configPath = flag.String("config", "", "JSON config file for check parameters")
	runList    = flag.String("run", "", "Comma-separated checks to run (overrides config)")
	listChecks = flag.Bool("list", false, "List available checks and exit")
	sendReset  = flag.Bool("reset", false, "Send a reset command and exit")
	jsonLogs   = flag.Bool("json", false, "Emit JSON logs instead of console output")
)

func main() {
	flag.Parse()

	if *listChecks {
		for _, name := range harness.CheckNames() {
			fmt.Println(name)
		}
		return
	}

	cfg, err := harness.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *device != "" {
		cfg.Device = *device
	}
	if *baud != 0 {
		cfg.Baud = *baud
	}
	if *runList != "" {
		cfg.Checks = strings.Split(*runList, ",")
	}

	log, err := buildLogger(*jsonLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	serialCfg := serial.DefaultConfig(cfg.Device)
	serialCfg.Baud = cfg.Baud

	log.Info("connecting", zap.String("device", cfg.Device), zap.Int("baud", cfg.Baud))
	client, err := fc.Connect(serialCfg)
	if err != nil {
		log.Fatal("connect failed", zap.Error(err))
	}
	defer client.Close()

	d := client.Dict()
	log.Info("connected",
		zap.String("version", d.Version),
		zap.Int("commands", len(d.Commands)),
		zap.Int("responses", len(d.Responses)))

	if *sendReset {
		if err := client.Reset(); err != nil {
			log.Fatal("reset failed", zap.Error(err))
		}
		log.Info("reset sent; the board reboots now")
		return
	}

	runner := harness.New(client, cfg, log)
	results, err := runner.Run()
	if err != nil {
		log.Fatal("harness aborted", zap.Error(err))
	}

	fmt.Println()
	if !harness.WriteReport(os.Stdout, results) {
		os.Exit(1)
	}
}

func buildLogger(json bool) (*zap.Logger, error) {
	if json {
		return zap.NewProduction()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
