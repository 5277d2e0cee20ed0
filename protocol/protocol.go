// Package protocol implements the framed console link between the flight
// controller and its host: sync-delimited frames with a length byte, a
// sequence byte, a CRC16 trailer, and VLQ-encoded message bodies.
package protocol

const (
	// MessageMax sizes the scratch output buffer. Individual frames are
	// capped at MessageLengthMax; the buffer holds several frames so a
	// burst of responses can queue between flushes.
	MessageMax = 512

	// MessageSeqMask extracts the rolling window position from a
	// sequence byte; the high bits carry MessageDest.
	MessageSeqMask = 0x0F
)
