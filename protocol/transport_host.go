package protocol

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ResponseHandler is a function type for handling messages received from
// the MCU. The data pointer is positioned after the message ID.
type ResponseHandler func(cmdID uint16, data *[]byte) error

// HostTransport is the host end of the console link. It inverts Transport:
// commands go out with a sequence from the 0x10-0x1F window, the ACK
// carrying the advanced sequence confirms delivery, and response frames
// are surfaced through a handler and a channel.
type HostTransport struct {
	port io.ReadWriteCloser

	// currentSeq is the sequence the next command will carry (atomic
	// uint8 stored as uint32, always in the 0x10-0x1F window).
	currentSeq uint32

	isSynchronized uint32 // atomic bool (0 = false, 1 = true)

	inputBuffer  *FifoBuffer
	outputBuffer *bytes.Buffer

	ackChan      chan *Message
	responseChan chan *Message

	responseHandler ResponseHandler

	sendMutex sync.Mutex // one command transaction in flight at a time
	readMutex sync.Mutex

	stopChan chan struct{}
	doneChan chan struct{}
}

// Message is one parsed frame off the wire.
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // Frame data without header/trailer
	CRC      uint16
}

// NewHostTransport creates a host-side transport and starts its reader.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		currentSeq:   MessageDest,
		inputBuffer:  NewFifoBuffer(512),
		outputBuffer: bytes.NewBuffer(make([]byte, 0, 256)),
		ackChan:      make(chan *Message, 1),
		responseChan: make(chan *Message, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}

	atomic.StoreUint32(&t.isSynchronized, 1)

	go t.readLoop()

	return t
}

// SendCommand sends one command frame and waits for the MCU to accept it.
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, 2*time.Second)
}

// SendCommandWithTimeout sends a command with a custom ACK timeout. A NAK
// (an ACK that still carries the sequence we just sent) means the MCU
// dropped the frame, so the same bytes are retransmitted a few times
// before giving up.
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()

	msg, sentSeq, err := t.buildCommandMessage(cmdID, args)
	if err != nil {
		return fmt.Errorf("failed to build command: %w", err)
	}

	const attempts = 3
	for attempt := 0; attempt < attempts; attempt++ {
		if err := t.writeMessage(msg); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}

		accepted, err := t.waitForAck(sentSeq, timeout)
		if err != nil {
			return err
		}
		if accepted {
			return nil
		}
	}
	return fmt.Errorf("command rejected after %d attempts", attempts)
}

// buildCommandMessage constructs a full frame: header, VLQ command ID and
// args, CRC, trailing sync byte.
func (t *HostTransport) buildCommandMessage(cmdID uint16, args func(output OutputBuffer)) ([]byte, uint8, error) {
	t.outputBuffer.Reset()

	seq := uint8(atomic.LoadUint32(&t.currentSeq))
	t.outputBuffer.Write([]byte{0, seq}) // length placeholder, sequence

	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}

	payload := scratch.Result()
	t.outputBuffer.Write(payload)

	msgLen := MessageHeaderSize + len(payload) + MessageTrailerSize
	if msgLen > MessageLengthMax {
		return nil, 0, fmt.Errorf("message too long: %d bytes (max %d)", msgLen, MessageLengthMax)
	}

	data := t.outputBuffer.Bytes()
	data[MessagePositionLen] = uint8(msgLen)

	crc := CRC16(data[:MessageHeaderSize+len(payload)])
	t.outputBuffer.Write([]byte{
		uint8((crc & 0xFF00) >> 8),
		uint8(crc & 0xFF),
		MessageValueSync,
	})

	msgCopy := make([]byte, t.outputBuffer.Len())
	copy(msgCopy, t.outputBuffer.Bytes())

	return msgCopy, seq, nil
}

// writeMessage pushes a complete frame to the serial port.
func (t *HostTransport) writeMessage(msg []byte) error {
	n, err := t.port.Write(msg)
	if err != nil {
		return err
	}
	if n != len(msg) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(msg))
	}
	return nil
}

// waitForAck blocks for the ACK that answers a frame sent with sentSeq.
// The MCU acknowledges acceptance by advancing to the next sequence; an
// ACK still carrying sentSeq is a NAK. Anything else means the two ends
// disagree about the window.
func (t *HostTransport) waitForAck(sentSeq uint8, timeout time.Duration) (bool, error) {
	next := ((sentSeq + 1) & MessageSeqMask) | MessageDest

	select {
	case ack := <-t.ackChan:
		switch ack.Sequence {
		case next:
			atomic.StoreUint32(&t.currentSeq, uint32(next))
			return true, nil
		case sentSeq:
			return false, nil
		default:
			return false, fmt.Errorf("sequence window lost: sent 0x%02x, ack 0x%02x", sentSeq, ack.Sequence)
		}

	case <-time.After(timeout):
		return false, fmt.Errorf("ACK timeout after %v", timeout)

	case <-t.stopChan:
		return false, fmt.Errorf("transport stopped")
	}
}

// ReceiveResponse returns the next response frame, for callers that work
// below the handler layer.
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	select {
	case resp := <-t.responseChan:
		return resp, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("response timeout after %v", timeout)

	case <-t.stopChan:
		return nil, fmt.Errorf("transport stopped")
	}
}

// SetResponseHandler sets a callback invoked from the reader goroutine
// for every response frame.
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.responseHandler = handler
}

// readLoop moves bytes from the serial port into the input buffer and
// parses frames out of it.
func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if n > 0 {
			t.inputBuffer.Write(buffer[:n])
			t.processMessages()
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			// Distinguish a closed transport from a transient read
			// error such as a serial timeout.
			select {
			case <-t.stopChan:
				return
			default:
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// processMessages parses and dispatches every complete frame buffered so
// far, resynchronizing on the sync byte after any framing error.
func (t *HostTransport) processMessages() {
	t.readMutex.Lock()
	defer t.readMutex.Unlock()

	data := t.inputBuffer.Data()

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
			} else {
				data = nil
			}
		} else {
			if data[0] == MessageValueSync {
				data = data[1:]
				continue
			}

			if len(data) < MessageLengthMin {
				break
			}

			msgLen := int(data[MessagePositionLen])
			if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
				t.setSynchronized(false)
				continue
			}

			if len(data) < msgLen {
				break
			}

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

			seq := data[MessagePositionSeq]
			payload := make([]byte, msgLen-MessageHeaderSize-MessageTrailerSize)
			copy(payload, data[MessageHeaderSize:msgLen-MessageTrailerSize])

			msg := &Message{
				Length:   data[MessagePositionLen],
				Sequence: seq,
				Payload:  payload,
				CRC:      frameCRC,
			}

			data = data[msgLen:]

			t.dispatchMessage(msg)
		}
	}

	consumed := t.inputBuffer.Available() - len(data)
	if consumed > 0 {
		t.inputBuffer.Pop(consumed)
	}
}

// dispatchMessage routes one frame: empty payloads are ACKs, everything
// else is a response delivered to the handler and the response channel.
func (t *HostTransport) dispatchMessage(msg *Message) {
	if len(msg.Payload) == 0 {
		select {
		case t.ackChan <- msg:
		default:
			// A stale ACK is still parked; replace it so the waiter
			// sees the newest sequence.
			select {
			case <-t.ackChan:
			default:
			}
			t.ackChan <- msg
		}
		return
	}

	if t.responseHandler != nil {
		payloadCopy := make([]byte, len(msg.Payload))
		copy(payloadCopy, msg.Payload)
		cmdID, err := DecodeVLQUint(&payloadCopy)
		if err == nil {
			_ = t.responseHandler(uint16(cmdID), &payloadCopy)
		}
	}

	select {
	case t.responseChan <- msg:
	default:
		// Channel full: drop the oldest so recent traffic survives.
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
	}
}

// Close stops the reader and closes the port. The port is closed first
// so a reader blocked in Read wakes up.
func (t *HostTransport) Close() error {
	close(t.stopChan)

	var err error
	if t.port != nil {
		err = t.port.Close()
	}
	<-t.doneChan
	return err
}

// Reset returns the transport to the boot state: sequence window at
// 0x10, buffers and channels drained. The MCU detects the sequence reset
// on the next command and clears its own session state.
func (t *HostTransport) Reset() {
	atomic.StoreUint32(&t.isSynchronized, 1)
	atomic.StoreUint32(&t.currentSeq, MessageDest)

	for len(t.ackChan) > 0 {
		<-t.ackChan
	}
	for len(t.responseChan) > 0 {
		<-t.responseChan
	}

	t.readMutex.Lock()
	if t.inputBuffer.Available() > 0 {
		t.inputBuffer.Pop(t.inputBuffer.Available())
	}
	t.readMutex.Unlock()
}

func (t *HostTransport) getSynchronized() bool {
	return atomic.LoadUint32(&t.isSynchronized) != 0
}

func (t *HostTransport) setSynchronized(val bool) {
	if val {
		atomic.StoreUint32(&t.isSynchronized, 1)
	} else {
		atomic.StoreUint32(&t.isSynchronized, 0)
	}
}

// CurrentSequence returns the sequence the next command will carry.
func (t *HostTransport) CurrentSequence() uint8 {
	return uint8(atomic.LoadUint32(&t.currentSeq))
}
