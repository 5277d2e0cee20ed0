package protocol

import "sync/atomic"

const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
)

// CommandHandler consumes one decoded command ID and advances data past
// the command's argument bytes.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport handles the MCU side of the framed console link: it validates
// inbound frames, tracks the host sequence window, and encodes outbound
// responses.
type Transport struct {
	isSynchronized uint32 // atomic bool (0 = false, 1 = true)
	// nextSequence holds the sequence expected from the host (0x10-0x1F),
	// echoed on every ACK and response. Stored as uint32 for atomics.
	nextSequence  uint32
	output        OutputBuffer
	handler       CommandHandler
	resetCallback func() // runs when the host restarts its window
	flushCallback func() // pushes a pending ACK to the wire
}

// NewTransport returns a transport in the synchronized state, expecting
// the first post-reset sequence value.
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		isSynchronized: 1,
		nextSequence:   MessageDest,
		output:         output,
		handler:        handler,
	}
}

// Receive scans the input buffer for complete frames and dispatches
// them. Any framing violation drops the transport out of sync; recovery
// waits for the next sync byte and answers it with an ACK so the host
// learns where the window stands.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()

	for len(data) > 0 {
		if !t.getSynchronized() {
			syncPos := -1
			for i, b := range data {
				if b == MessageValueSync {
					syncPos = i
					break
				}
			}

			if syncPos >= 0 {
				data = data[syncPos+1:]
				t.setSynchronized(true)
				t.encodeAckNak()
			} else {
				data = nil
			}
		} else {
			// Sync bytes between frames are legal padding.
			if data[0] == MessageValueSync {
				data = data[1:]
				continue
			}

			// Header not complete yet.
			if len(data) < MessageLengthMin {
				break
			}

			msgLen := int(data[MessagePositionLen])
			if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
				t.setSynchronized(false)
				continue
			}

			// The high bits of the sequence byte carry the destination.
			seq := data[MessagePositionSeq]
			if seq&^MessageSeqMask != MessageDest {
				t.setSynchronized(false)
				continue
			}

			// Body still arriving.
			if len(data) < msgLen {
				break
			}

			// Trailer layout: big-endian CRC over header plus payload,
			// then a closing sync byte.
			if data[msgLen-MessageTrailerSync] != MessageValueSync {
				t.setSynchronized(false)
				continue
			}

			frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 |
				uint16(data[msgLen-MessageTrailerCRC+1])
			actualCRC := CRC16(data[:msgLen-MessageTrailerSize])

			if frameCRC != actualCRC {
				t.setSynchronized(false)
				continue
			}

			frame := data[MessageHeaderSize : msgLen-MessageTrailerSize]
			data = data[msgLen:]

			// A frame carrying the post-reset sequence while a later one
			// was expected means the host restarted; fall back to a
			// fresh window before judging order.
			expectedSeq := uint8(atomic.LoadUint32(&t.nextSequence))
			if seq == MessageDest && expectedSeq != MessageDest {
				atomic.StoreUint32(&t.nextSequence, MessageDest)
				expectedSeq = MessageDest
				if t.resetCallback != nil {
					t.resetCallback()
				}
			}

			// Process only in-order frames; out-of-order frames are
			// dropped and the ACK below doubles as a NAK carrying the
			// sequence we still expect, which tells the host to
			// retransmit from there.
			if seq == expectedSeq {
				nextSeq := ((seq + 1) & MessageSeqMask) | MessageDest
				atomic.StoreUint32(&t.nextSequence, uint32(nextSeq))
				_ = t.parseFrame(frame)
			}
			t.encodeAckNak()
		}
	}

	// Pop only what the loop consumed; a partial frame stays buffered
	// for the next call.
	consumed := input.Available() - len(data)
	if consumed > 0 {
		input.Pop(consumed)
	}
}

// parseFrame walks the frame payload, dispatching each encoded command
// in order.
func (t *Transport) parseFrame(frame []byte) (err error) {
	// A handler panic leaves the parse cursor in an unknown place;
	// desync and let the host drive recovery.
	defer func() {
		if r := recover(); r != nil {
			t.setSynchronized(false)
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			// A bad varint loses the cursor for the rest of the frame.
			t.setSynchronized(false)
			return err
		}

		if t.handler != nil {
			if err := t.handler(uint16(cmdID), &frame); err != nil {
				// Framing is still intact on handler errors, so no
				// resync; just stop parsing this frame.
				return err
			}
		}
	}
	return nil
}

// encodeAckNak sends an ACK carrying the next expected sequence. It is
// flushed immediately rather than buffered: hosts block on the ACK before
// reading responses, so ordering on the wire matters.
func (t *Transport) encodeAckNak() {
	ns := uint8(atomic.LoadUint32(&t.nextSequence))
	crc := CRC16([]byte{5, ns})

	ackMsg := []byte{
		5,
		ns,
		uint8((crc & 0xFF00) >> 8),
		uint8(crc & 0xFF),
		MessageValueSync,
	}

	t.output.Output(ackMsg)

	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// EncodeFrame wraps the bytes frameData produces in a length byte,
// sequence byte, CRC and closing sync.
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	cursor := t.output.CurPosition()

	// Responses carry the same sequence value the next ACK will carry, in
	// the full 0x10-0x1F form. Hosts use it to pair responses with the
	// command window they belong to.
	seq := uint8(atomic.LoadUint32(&t.nextSequence))
	t.output.Output([]byte{0, seq})

	frameData(t.output)

	// Patch the length byte now that the payload size is known.
	changed := len(t.output.DataSince(cursor))
	t.output.Update(cursor, uint8(changed+MessageTrailerSize))

	crc := CRC16(t.output.DataSince(cursor))
	t.output.Output([]byte{
		uint8((crc & 0xFF00) >> 8),
		uint8(crc & 0xFF),
		MessageValueSync,
	})

	// nextSequence only advances on inbound frames; any number of
	// responses may go out under the same sequence.
}

// SendCommand frames a single command ID followed by its encoded
// arguments.
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset restores the post-boot state: synchronized with the window back
// at its starting value. The USB layer calls this when the host
// reconnects.
func (t *Transport) Reset() {
	atomic.StoreUint32(&t.isSynchronized, 1)
	atomic.StoreUint32(&t.nextSequence, MessageDest)

	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback registers a hook that runs when a host restart is
// detected or Reset is called.
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets a callback that pushes buffered output to the
// wire. The transport invokes it right after encoding an ACK so the ACK
// reaches the host ahead of any response.
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}

func (t *Transport) getSynchronized() bool {
	return atomic.LoadUint32(&t.isSynchronized) != 0
}

func (t *Transport) setSynchronized(val bool) {
	if val {
		atomic.StoreUint32(&t.isSynchronized, 1)
	} else {
		atomic.StoreUint32(&t.isSynchronized, 0)
	}
}
