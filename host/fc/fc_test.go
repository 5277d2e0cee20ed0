package fc

import (
	"bytes"
	"compress/zlib"
	"net"
	"testing"

	"goflight/protocol"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		format  string
		name    string
		fields  []msgField
		wantErr bool
	}{
		{format: "get_time", name: "get_time"},
		{
			format: "callout_after oid=%c delay=%u",
			name:   "callout_after",
			fields: []msgField{{"oid", fieldUint}, {"delay", fieldUint}},
		},
		{
			format: "sensor_state oid=%c time=%u x=%i y=%i z=%i",
			name:   "sensor_state",
			fields: []msgField{
				{"oid", fieldUint}, {"time", fieldUint},
				{"x", fieldInt}, {"y", fieldInt}, {"z", fieldInt},
			},
		},
		{
			format: "identify_response offset=%u data=%*s",
			name:   "identify_response",
			fields: []msgField{{"offset", fieldUint}, {"data", fieldBytes}},
		},
		{
			format: "battery_state oid=%c next=%u value=%hu",
			name:   "battery_state",
			fields: []msgField{{"oid", fieldUint}, {"next", fieldUint}, {"value", fieldUint}},
		},
		{format: "", wantErr: true},
		{format: "bad field", wantErr: true},
		{format: "bad f=%q", wantErr: true},
	}

	for _, tc := range tests {
		f, err := parseFormat(tc.format)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseFormat(%q) expected error, got nil", tc.format)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseFormat(%q) failed: %v", tc.format, err)
			continue
		}
		if f.name != tc.name {
			t.Errorf("parseFormat(%q) name = %q, expected %q", tc.format, f.name, tc.name)
		}
		if len(f.fields) != len(tc.fields) {
			t.Errorf("parseFormat(%q) got %d fields, expected %d", tc.format, len(f.fields), len(tc.fields))
			continue
		}
		for i, fd := range f.fields {
			if fd != tc.fields[i] {
				t.Errorf("parseFormat(%q) field %d = %+v, expected %+v", tc.format, i, fd, tc.fields[i])
			}
		}
	}
}

func newTestClient() *Client {
	return &Client{
		cmdFormats:  make(map[string]*msgFormat),
		respFormats: make(map[uint16]*msgFormat),
		events:      make(chan *Event, 8),
	}
}

func mustFormat(t *testing.T, formatStr string, id uint16) *msgFormat {
	t.Helper()
	f, err := parseFormat(formatStr)
	if err != nil {
		t.Fatalf("parseFormat(%q) failed: %v", formatStr, err)
	}
	f.id = id
	return f
}

func TestHandleMessageDecodesEvent(t *testing.T) {
	c := newTestClient()
	c.respFormats[9] = mustFormat(t, "sensor_state oid=%c time=%u x=%i y=%i z=%i", 9)

	scratch := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(scratch, 2)
	protocol.EncodeVLQUint(scratch, 100000)
	protocol.EncodeVLQInt(scratch, -512)
	protocol.EncodeVLQInt(scratch, 16384)
	protocol.EncodeVLQInt(scratch, -1)
	payload := scratch.Result()

	if err := c.handleMessage(9, &payload); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}

	select {
	case ev := <-c.events:
		if ev.Name != "sensor_state" {
			t.Errorf("event name = %q, expected sensor_state", ev.Name)
		}
		if got := ev.Uint32("oid"); got != 2 {
			t.Errorf("oid = %d, expected 2", got)
		}
		if got := ev.Uint32("time"); got != 100000 {
			t.Errorf("time = %d, expected 100000", got)
		}
		if got := ev.Int32("x"); got != -512 {
			t.Errorf("x = %d, expected -512", got)
		}
		if got := ev.Int32("y"); got != 16384 {
			t.Errorf("y = %d, expected 16384", got)
		}
		if got := ev.Int32("z"); got != -1 {
			t.Errorf("z = %d, expected -1", got)
		}
	default:
		t.Fatal("no event delivered")
	}
}

func TestHandleMessageBytesField(t *testing.T) {
	c := newTestClient()
	c.respFormats[5] = mustFormat(t, "shutdown reason=%*s", 5)

	scratch := protocol.NewScratchOutput()
	protocol.EncodeVLQBytes(scratch, []byte("emergency stop"))
	payload := scratch.Result()

	if err := c.handleMessage(5, &payload); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}

	select {
	case ev := <-c.events:
		if string(ev.Data) != "emergency stop" {
			t.Errorf("data = %q, expected %q", ev.Data, "emergency stop")
		}
	default:
		t.Fatal("no event delivered")
	}
}

func TestHandleMessageBatchedFrame(t *testing.T) {
	c := newTestClient()
	c.respFormats[4] = mustFormat(t, "latency_state bucket=%c le_us=%u count=%u", 4)

	// Two messages in one frame payload; the second carries its own ID
	scratch := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(scratch, 0)
	protocol.EncodeVLQUint(scratch, 1)
	protocol.EncodeVLQUint(scratch, 17)
	protocol.EncodeVLQUint(scratch, 4) // second message ID
	protocol.EncodeVLQUint(scratch, 1)
	protocol.EncodeVLQUint(scratch, 2)
	protocol.EncodeVLQUint(scratch, 3)
	payload := scratch.Result()

	if err := c.handleMessage(4, &payload); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}

	for i, want := range []struct{ bucket, count uint32 }{{0, 17}, {1, 3}} {
		select {
		case ev := <-c.events:
			if got := ev.Uint32("bucket"); got != want.bucket {
				t.Errorf("message %d bucket = %d, expected %d", i, got, want.bucket)
			}
			if got := ev.Uint32("count"); got != want.count {
				t.Errorf("message %d count = %d, expected %d", i, got, want.count)
			}
		default:
			t.Fatalf("message %d not delivered", i)
		}
	}
}

func TestHandleMessageUnknownID(t *testing.T) {
	c := newTestClient()

	payload := []byte{0x01}
	if err := c.handleMessage(200, &payload); err == nil {
		t.Error("expected error for unknown response ID, got nil")
	}
}

func TestInterceptConsumesMatch(t *testing.T) {
	c := newTestClient()

	got := make(chan *Event, 1)
	c.setIntercept(func(ev *Event) bool {
		if ev.Name != "time" {
			return false
		}
		got <- ev
		return true
	})

	c.deliver(&Event{Name: "battery_state"})
	c.deliver(&Event{Name: "time"})

	select {
	case ev := <-got:
		if ev.Name != "time" {
			t.Errorf("intercepted %q, expected time", ev.Name)
		}
	default:
		t.Fatal("matching event not intercepted")
	}

	select {
	case ev := <-c.events:
		if ev.Name != "battery_state" {
			t.Errorf("passed through %q, expected battery_state", ev.Name)
		}
	default:
		t.Fatal("non-matching event not delivered to channel")
	}
}

func TestDeliverDropsOldestWhenFull(t *testing.T) {
	c := &Client{events: make(chan *Event, 2)}

	c.deliver(&Event{Name: "a"})
	c.deliver(&Event{Name: "b"})
	c.deliver(&Event{Name: "c"})

	first := <-c.events
	second := <-c.events
	if first.Name != "b" || second.Name != "c" {
		t.Errorf("kept %q, %q; expected b, c", first.Name, second.Name)
	}
}

func TestApplyDictionary(t *testing.T) {
	c := newTestClient()

	dict := &Dictionary{
		Version: "goflight-test",
		Commands: map[string]uint16{
			"identify_response offset=%u data=%*s": 0,
			"identify offset=%u count=%c":          1,
			"get_time":                             2,
			"callout_after oid=%c delay=%u":        12,
		},
		Responses: map[string]uint16{
			"time hi=%u lo=%u": 3,
		},
	}

	if err := c.applyDictionary(dict, nil); err != nil {
		t.Fatalf("applyDictionary failed: %v", err)
	}

	f, ok := c.cmdFormats["callout_after"]
	if !ok {
		t.Fatal("callout_after missing from command table")
	}
	if f.id != 12 {
		t.Errorf("callout_after ID = %d, expected 12", f.id)
	}
	if len(f.fields) != 2 {
		t.Errorf("callout_after has %d fields, expected 2", len(f.fields))
	}

	rf, ok := c.respFormats[3]
	if !ok {
		t.Fatal("response 3 missing from response table")
	}
	if rf.name != "time" {
		t.Errorf("response 3 name = %q, expected time", rf.name)
	}
}

func TestArgCoercion(t *testing.T) {
	uintTests := []struct {
		in      interface{}
		want    uint32
		wantErr bool
	}{
		{in: uint8(5), want: 5},
		{in: uint32(70000), want: 70000},
		{in: int(42), want: 42},
		{in: int(-1), wantErr: true},
		{in: true, want: 1},
		{in: "0x10", want: 16},
		{in: "250000", want: 250000},
		{in: "nope", wantErr: true},
		{in: 3.5, wantErr: true},
	}
	for _, tc := range uintTests {
		got, err := argUint32(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("argUint32(%v) expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("argUint32(%v) failed: %v", tc.in, err)
		} else if got != tc.want {
			t.Errorf("argUint32(%v) = %d, expected %d", tc.in, got, tc.want)
		}
	}

	if got, err := argInt32("-12"); err != nil || got != -12 {
		t.Errorf("argInt32(\"-12\") = %d, %v; expected -12", got, err)
	}
	if got, err := argInt32(int32(-512)); err != nil || got != -512 {
		t.Errorf("argInt32(-512) = %d, %v; expected -512", got, err)
	}

	if got, err := argBytes([]byte{1, 2}); err != nil || !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("argBytes([]byte) = %v, %v", got, err)
	}
	if got, err := argBytes("hi"); err != nil || string(got) != "hi" {
		t.Errorf("argBytes(string) = %v, %v", got, err)
	}
	if _, err := argBytes(7); err == nil {
		t.Error("argBytes(int) expected error, got nil")
	}
}

// pipePort adapts one end of a net.Pipe to the serial Port interface.
type pipePort struct {
	net.Conn
}

func (p pipePort) Flush() error { return nil }

// fakeController serves the identify protocol over a pipe: it ACKs every
// frame and answers identify commands with chunks of a compressed
// dictionary.
type fakeController struct {
	conn        net.Conn
	dict        []byte
	expectedSeq uint8
}

func (fc *fakeController) run() {
	var buf []byte
	tmp := make([]byte, 64)

	for {
		n, err := fc.conn.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)

		for len(buf) >= protocol.MessageLengthMin {
			msgLen := int(buf[protocol.MessagePositionLen])
			if len(buf) < msgLen {
				break
			}
			frame := buf[:msgLen]
			buf = buf[msgLen:]
			fc.handleFrame(frame)
		}
	}
}

func (fc *fakeController) handleFrame(frame []byte) {
	seq := frame[protocol.MessagePositionSeq]
	if seq != fc.expectedSeq {
		fc.writeAck()
		return
	}
	fc.expectedSeq = ((seq + 1) & protocol.MessageSeqMask) | protocol.MessageDest
	fc.writeAck()

	payload := frame[protocol.MessageHeaderSize : len(frame)-protocol.MessageTrailerSize]
	data := payload
	cmdID, err := protocol.DecodeVLQUint(&data)
	if err != nil || cmdID != 1 {
		return
	}
	offset, err := protocol.DecodeVLQUint(&data)
	if err != nil {
		return
	}
	count, err := protocol.DecodeVLQUint(&data)
	if err != nil {
		return
	}

	chunk := []byte{}
	if int(offset) < len(fc.dict) {
		end := int(offset) + int(count)
		if end > len(fc.dict) {
			end = len(fc.dict)
		}
		chunk = fc.dict[offset:end]
	}

	scratch := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(scratch, 0) // identify_response
	protocol.EncodeVLQUint(scratch, offset)
	protocol.EncodeVLQBytes(scratch, chunk)
	fc.writeFrame(scratch.Result())
}

func (fc *fakeController) writeAck() {
	ack := []byte{5, fc.expectedSeq, 0, 0, protocol.MessageValueSync}
	crc := protocol.CRC16(ack[:2])
	ack[2] = uint8(crc >> 8)
	ack[3] = uint8(crc & 0xFF)
	fc.conn.Write(ack)
}

func (fc *fakeController) writeFrame(payload []byte) {
	n := protocol.MessageHeaderSize + len(payload) + protocol.MessageTrailerSize
	frame := make([]byte, 0, n)
	frame = append(frame, uint8(n), fc.expectedSeq)
	frame = append(frame, payload...)
	crc := protocol.CRC16(frame)
	frame = append(frame, uint8(crc>>8), uint8(crc&0xFF), protocol.MessageValueSync)
	fc.conn.Write(frame)
}

func TestRetrieveDictionary(t *testing.T) {
	dictJSON := `{"version":"goflight-test","build_versions":"go","config":{"MCU":"sim","TICK_FREQ":"1000000"},` +
		`"commands":{"identify_response offset=%u data=%*s":0,"identify offset=%u count=%c":1,"get_time":2},` +
		`"responses":{"time hi=%u lo=%u":3},"enumerations":{"pin":{"gpio0":0,"gpio25":25}}}`

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write([]byte(dictJSON)); err != nil {
		t.Fatalf("compress dictionary: %v", err)
	}
	zw.Close()

	hostEnd, peerEnd := net.Pipe()
	ctrl := &fakeController{
		conn:        peerEnd,
		dict:        compressed.Bytes(),
		expectedSeq: protocol.MessageDest,
	}
	go ctrl.run()

	c := NewClient(pipePort{hostEnd})
	defer c.Close()

	if err := c.RetrieveDictionary(); err != nil {
		t.Fatalf("RetrieveDictionary failed: %v", err)
	}

	d := c.Dict()
	if d == nil {
		t.Fatal("dictionary not stored")
	}
	if d.Version != "goflight-test" {
		t.Errorf("version = %q, expected goflight-test", d.Version)
	}

	if _, ok := c.cmdFormats["get_time"]; !ok {
		t.Error("get_time missing from command table after dictionary load")
	}

	freq, err := c.ConstantUint32("TICK_FREQ")
	if err != nil || freq != 1000000 {
		t.Errorf("TICK_FREQ = %d, %v; expected 1000000", freq, err)
	}

	pin, err := c.PinNumber("gpio25")
	if err != nil || pin != 25 {
		t.Errorf("PinNumber(gpio25) = %d, %v; expected 25", pin, err)
	}
	if _, err := c.PinNumber("gpio99"); err == nil {
		t.Error("PinNumber(gpio99) expected error, got nil")
	}
}

func TestGetTimeOverPipe(t *testing.T) {
	hostEnd, peerEnd := net.Pipe()
	ctrl := &timeController{
		fakeController: fakeController{conn: peerEnd, expectedSeq: protocol.MessageDest},
		now:            0x00000002_80000001,
	}
	go ctrl.run()

	c := NewClient(pipePort{hostEnd})
	defer c.Close()

	c.applyDictionary(&Dictionary{
		Commands:  map[string]uint16{"get_time": 2},
		Responses: map[string]uint16{"time hi=%u lo=%u": 3},
	}, nil)

	now, err := c.GetTime()
	if err != nil {
		t.Fatalf("GetTime failed: %v", err)
	}
	if now != 0x00000002_80000001 {
		t.Errorf("GetTime = 0x%X, expected 0x280000001", now)
	}
}

// timeController extends the fake with a get_time handler.
type timeController struct {
	fakeController
	now uint64
}

func (tc *timeController) run() {
	var buf []byte
	tmp := make([]byte, 64)

	for {
		n, err := tc.conn.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)

		for len(buf) >= protocol.MessageLengthMin {
			msgLen := int(buf[protocol.MessagePositionLen])
			if len(buf) < msgLen {
				break
			}
			frame := buf[:msgLen]
			buf = buf[msgLen:]
			tc.handleTimeFrame(frame)
		}
	}
}

func (tc *timeController) handleTimeFrame(frame []byte) {
	seq := frame[protocol.MessagePositionSeq]
	if seq != tc.expectedSeq {
		tc.writeAck()
		return
	}
	tc.expectedSeq = ((seq + 1) & protocol.MessageSeqMask) | protocol.MessageDest
	tc.writeAck()

	payload := frame[protocol.MessageHeaderSize : len(frame)-protocol.MessageTrailerSize]
	data := payload
	cmdID, err := protocol.DecodeVLQUint(&data)
	if err != nil || cmdID != 2 {
		return
	}

	scratch := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(scratch, 3) // time response
	protocol.EncodeVLQUint(scratch, uint32(tc.now>>32))
	protocol.EncodeVLQUint(scratch, uint32(tc.now))
	tc.writeFrame(scratch.Result())
}
