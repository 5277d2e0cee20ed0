// Package fc is the host-side client for the flight controller console.
// It drives the framed serial link, retrieves the controller's
// self-describing data dictionary, and exposes every console command as
// a typed call.
package fc

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"goflight/host/serial"
	"goflight/protocol"
)

// Dictionary mirrors the JSON document the controller serves through the
// identify command. Command and response keys are full format strings
// ("name field=%conv ..."), values are the numeric message IDs.
type Dictionary struct {
	Version       string                       `json:"version"`
	BuildVersions string                       `json:"build_versions"`
	Config        map[string]string            `json:"config"`
	Commands      map[string]uint16            `json:"commands"`
	Responses     map[string]uint16            `json:"responses"`
	Enumerations  map[string]map[string]uint32 `json:"enumerations"`
}

// Event is one decoded response message.
type Event struct {
	Name string
	Args map[string]int64
	Data []byte // payload of the message's byte-string field, if any
}

// Uint32 returns a numeric field as unsigned, zero if absent.
func (e *Event) Uint32(name string) uint32 {
	return uint32(e.Args[name])
}

// Int32 returns a numeric field as signed, zero if absent.
func (e *Event) Int32(name string) int32 {
	return int32(e.Args[name])
}

type fieldKind int

const (
	fieldUint fieldKind = iota // %u, %c, %hu
	fieldInt                   // %i, %hi
	fieldBytes                 // %*s
)

type msgField struct {
	name string
	kind fieldKind
}

// msgFormat is one parsed dictionary entry.
type msgFormat struct {
	id     uint16
	name   string
	fields []msgField
}

// parseFormat splits a dictionary format string into its message name
// and typed field list.
func parseFormat(formatStr string) (*msgFormat, error) {
	parts := strings.Fields(formatStr)
	if len(parts) == 0 {
		return nil, errors.New("empty format string")
	}

	f := &msgFormat{name: parts[0]}
	for _, p := range parts[1:] {
		eq := strings.IndexByte(p, '=')
		if eq < 0 {
			return nil, errors.Errorf("malformed field %q in %q", p, formatStr)
		}

		var kind fieldKind
		switch conv := p[eq+1:]; conv {
		case "%u", "%c", "%hu":
			kind = fieldUint
		case "%i", "%hi":
			kind = fieldInt
		case "%*s", "%s":
			kind = fieldBytes
		default:
			return nil, errors.Errorf("unknown conversion %q in %q", conv, formatStr)
		}

		f.fields = append(f.fields, msgField{name: p[:eq], kind: kind})
	}

	return f, nil
}

const (
	// identifyChunkSize is how much dictionary data to ask for per
	// identify command. Small enough that response frames stay well
	// under the frame length limit.
	identifyChunkSize = 40

	defaultTimeout = 2 * time.Second

	// collectIdle ends a variable-length response stream: once the
	// controller has gone quiet this long, the stream is complete.
	collectIdle = 250 * time.Millisecond
)

// Client talks to one flight controller.
type Client struct {
	port serial.Port
	tr   *protocol.HostTransport

	// mu serializes command transactions so at most one interceptor is
	// installed at a time.
	mu sync.Mutex

	// sm guards the fields below, which the transport's reader
	// goroutine touches through handleMessage.
	sm          sync.Mutex
	intercept   func(*Event) bool
	cmdFormats  map[string]*msgFormat
	respFormats map[uint16]*msgFormat
	dict        *Dictionary

	rawDict []byte

	events chan *Event
}

// NewClient wraps an open port. The client can only issue identify
// until RetrieveDictionary has run; the two bootstrap messages are the
// only ones with fixed IDs.
func NewClient(port serial.Port) *Client {
	c := &Client{
		port:        port,
		cmdFormats:  make(map[string]*msgFormat),
		respFormats: make(map[uint16]*msgFormat),
		events:      make(chan *Event, 64),
	}

	identifyResp, _ := parseFormat("identify_response offset=%u data=%*s")
	identifyResp.id = 0
	c.respFormats[0] = identifyResp

	identify, _ := parseFormat("identify offset=%u count=%c")
	identify.id = 1
	c.cmdFormats["identify"] = identify

	c.tr = protocol.NewHostTransport(port)
	c.tr.SetResponseHandler(c.handleMessage)

	return c
}

// Connect opens the serial device and returns a client with the
// dictionary already loaded.
func Connect(cfg *serial.Config) (*Client, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.Device)
	}

	c := NewClient(port)

	// Give a freshly enumerated USB CDC port a moment before talking.
	time.Sleep(100 * time.Millisecond)

	if err := c.RetrieveDictionary(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// Close shuts down the transport and the port.
func (c *Client) Close() error {
	return c.tr.Close()
}

// Events returns the stream of unsolicited messages: shutdown reports,
// callout fires, failsafe engagement, sensor and battery samples. The
// channel drops its oldest entry when full, so a slow consumer sees
// recent traffic rather than stale.
func (c *Client) Events() <-chan *Event {
	return c.events
}

// Dict returns the parsed dictionary, nil before RetrieveDictionary.
func (c *Client) Dict() *Dictionary {
	c.sm.Lock()
	defer c.sm.Unlock()
	return c.dict
}

// RawDictionary returns the inflated dictionary JSON.
func (c *Client) RawDictionary() []byte {
	c.sm.Lock()
	defer c.sm.Unlock()
	return c.rawDict
}

// Constant looks up a named build constant from the dictionary.
func (c *Client) Constant(name string) (string, bool) {
	d := c.Dict()
	if d == nil {
		return "", false
	}
	v, ok := d.Config[name]
	return v, ok
}

// ConstantUint32 looks up a numeric build constant.
func (c *Client) ConstantUint32(name string) (uint32, error) {
	s, ok := c.Constant(name)
	if !ok {
		return 0, errors.Errorf("no constant %q in dictionary", name)
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "constant %q", name)
	}
	return uint32(v), nil
}

// PinNumber resolves a pin by its dictionary name, e.g. "gpio25" or
// "ADC0".
func (c *Client) PinNumber(name string) (uint32, error) {
	d := c.Dict()
	if d == nil {
		return 0, errors.New("dictionary not loaded")
	}
	pins, ok := d.Enumerations["pin"]
	if !ok {
		return 0, errors.New("no pin enumeration in dictionary")
	}
	v, ok := pins[name]
	if !ok {
		return 0, errors.Errorf("unknown pin %q", name)
	}
	return v, nil
}

// RetrieveDictionary pulls the compressed dictionary chunk by chunk,
// inflates it and rebuilds the command and response tables from it.
func (c *Client) RetrieveDictionary() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var compressed []byte
	offset := uint32(0)

	for {
		ev, err := c.callLocked(matchName("identify_response"), defaultTimeout,
			"identify", offset, uint8(identifyChunkSize))
		if err != nil {
			return errors.Wrap(err, "identify")
		}

		if got := ev.Uint32("offset"); got != offset {
			return errors.Errorf("identify out of step: asked offset %d, got %d", offset, got)
		}

		compressed = append(compressed, ev.Data...)
		if len(ev.Data) < identifyChunkSize {
			break
		}
		offset += uint32(len(ev.Data))
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return errors.Wrap(err, "dictionary is not zlib data")
	}
	raw, err := io.ReadAll(zr)
	zr.Close()
	if err != nil {
		return errors.Wrap(err, "inflate dictionary")
	}

	var dict Dictionary
	if err := json.Unmarshal(raw, &dict); err != nil {
		return errors.Wrap(err, "parse dictionary")
	}

	return c.applyDictionary(&dict, raw)
}

// applyDictionary swaps in the message tables parsed from a dictionary.
func (c *Client) applyDictionary(d *Dictionary, raw []byte) error {
	cmds := make(map[string]*msgFormat, len(d.Commands))
	for formatStr, id := range d.Commands {
		f, err := parseFormat(formatStr)
		if err != nil {
			return errors.Wrap(err, "dictionary command")
		}
		f.id = id
		cmds[f.name] = f
	}

	resps := make(map[uint16]*msgFormat, len(d.Responses))
	for formatStr, id := range d.Responses {
		f, err := parseFormat(formatStr)
		if err != nil {
			return errors.Wrap(err, "dictionary response")
		}
		f.id = id
		resps[id] = f
	}

	c.sm.Lock()
	c.cmdFormats = cmds
	c.respFormats = resps
	c.dict = d
	c.rawDict = raw
	c.sm.Unlock()

	return nil
}

// handleMessage decodes response frames on the transport's reader
// goroutine. A frame normally carries one message, but trailing bytes
// are treated as further messages so batched frames still decode.
func (c *Client) handleMessage(cmdID uint16, data *[]byte) error {
	payload := *data

	for {
		c.sm.Lock()
		f := c.respFormats[cmdID]
		c.sm.Unlock()

		if f == nil {
			return errors.Errorf("unknown response id %d", cmdID)
		}

		ev := &Event{Name: f.name, Args: make(map[string]int64, len(f.fields))}
		for _, fd := range f.fields {
			switch fd.kind {
			case fieldBytes:
				b, err := protocol.DecodeVLQBytes(&payload)
				if err != nil {
					return errors.Wrapf(err, "decode %s.%s", f.name, fd.name)
				}
				ev.Data = append([]byte(nil), b...)
			case fieldInt:
				v, err := protocol.DecodeVLQInt(&payload)
				if err != nil {
					return errors.Wrapf(err, "decode %s.%s", f.name, fd.name)
				}
				ev.Args[fd.name] = int64(v)
			default:
				v, err := protocol.DecodeVLQUint(&payload)
				if err != nil {
					return errors.Wrapf(err, "decode %s.%s", f.name, fd.name)
				}
				ev.Args[fd.name] = int64(v)
			}
		}

		c.deliver(ev)

		if len(payload) == 0 {
			return nil
		}
		next, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return errors.Wrap(err, "decode batched message id")
		}
		cmdID = uint16(next)
	}
}

// deliver hands an event to the installed interceptor, falling back to
// the async channel. The channel drops its oldest entry when full.
func (c *Client) deliver(ev *Event) {
	c.sm.Lock()
	f := c.intercept
	c.sm.Unlock()

	if f != nil && f(ev) {
		return
	}

	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
		default:
		}
		c.events <- ev
	}
}

func (c *Client) setIntercept(f func(*Event) bool) {
	c.sm.Lock()
	c.intercept = f
	c.sm.Unlock()
}

func matchName(name string) func(*Event) bool {
	return func(ev *Event) bool {
		return ev.Name == name
	}
}

func matchOID(name string, oid uint8) func(*Event) bool {
	return func(ev *Event) bool {
		return ev.Name == name && uint8(ev.Uint32("oid")) == oid
	}
}

// send encodes one command against its dictionary format and transmits
// it. Callers hold c.mu.
func (c *Client) send(name string, args ...interface{}) error {
	c.sm.Lock()
	f := c.cmdFormats[name]
	c.sm.Unlock()

	if f == nil {
		return errors.Errorf("unknown command %q", name)
	}
	if len(args) != len(f.fields) {
		return errors.Errorf("%s takes %d args, got %d", name, len(f.fields), len(args))
	}

	var encodeErr error
	err := c.tr.SendCommand(f.id, func(out protocol.OutputBuffer) {
		for i, fd := range f.fields {
			switch fd.kind {
			case fieldBytes:
				b, err := argBytes(args[i])
				if err != nil {
					encodeErr = errors.Wrapf(err, "%s.%s", name, fd.name)
					return
				}
				protocol.EncodeVLQBytes(out, b)
			case fieldInt:
				v, err := argInt32(args[i])
				if err != nil {
					encodeErr = errors.Wrapf(err, "%s.%s", name, fd.name)
					return
				}
				protocol.EncodeVLQInt(out, v)
			default:
				v, err := argUint32(args[i])
				if err != nil {
					encodeErr = errors.Wrapf(err, "%s.%s", name, fd.name)
					return
				}
				protocol.EncodeVLQUint(out, v)
			}
		}
	})
	if encodeErr != nil {
		return encodeErr
	}
	return err
}

// do sends a command that is answered by the ACK alone.
func (c *Client) do(name string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(name, args...)
}

// call sends a command and waits for the single response selected by
// match. Non-matching traffic keeps flowing to the event channel.
func (c *Client) call(match func(*Event) bool, timeout time.Duration, cmd string, args ...interface{}) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(match, timeout, cmd, args...)
}

func (c *Client) callLocked(match func(*Event) bool, timeout time.Duration, cmd string, args ...interface{}) (*Event, error) {
	done := make(chan *Event, 1)
	c.setIntercept(func(ev *Event) bool {
		if !match(ev) {
			return false
		}
		select {
		case done <- ev:
		default:
		}
		return true
	})
	defer c.setIntercept(nil)

	if err := c.send(cmd, args...); err != nil {
		return nil, err
	}

	select {
	case ev := <-done:
		return ev, nil
	case <-time.After(timeout):
		return nil, errors.Errorf("no response to %s within %v", cmd, timeout)
	}
}

// collect sends a command whose response is a message stream. The stop
// predicate marks the stream's terminator message, which is included in
// the result. With a nil predicate the stream ends when the controller
// goes quiet for collectIdle.
func (c *Client) collect(match func(*Event) bool, stop func(*Event) bool, timeout time.Duration, cmd string, args ...interface{}) ([]*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	evCh := make(chan *Event, 64)
	c.setIntercept(func(ev *Event) bool {
		if !match(ev) {
			return false
		}
		select {
		case evCh <- ev:
		default:
		}
		return true
	})
	defer c.setIntercept(nil)

	if err := c.send(cmd, args...); err != nil {
		return nil, err
	}

	var out []*Event
	deadline := time.After(timeout)

	for {
		if stop == nil {
			select {
			case ev := <-evCh:
				out = append(out, ev)
			case <-time.After(collectIdle):
				return out, nil
			case <-deadline:
				return out, nil
			}
			continue
		}

		select {
		case ev := <-evCh:
			out = append(out, ev)
			if stop(ev) {
				return out, nil
			}
		case <-deadline:
			return out, errors.Errorf("%s stream incomplete: %d messages within %v", cmd, len(out), timeout)
		}
	}
}
