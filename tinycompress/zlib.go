// Package tinycompress emits zlib streams built from stored DEFLATE
// blocks. The firmware serves its command dictionary compressed, and the
// standard flate encoder costs more flash and heap than the MCU build can
// spare. Stored blocks need no match search and no huffman tables, and
// any standard inflate on the host side reads the result.
package tinycompress

import (
	"errors"
	"hash"
	"hash/adler32"
	"io"
)

// Stored DEFLATE blocks carry a 16-bit length field; longer input is
// split across blocks.
const storedBlockMax = 0xFFFF

var errClosed = errors.New("tinycompress: writer closed")

// Writer accumulates input and assembles one zlib stream on Close. The
// dictionary is built once at boot, so buffering the whole input keeps
// the emit path simple.
type Writer struct {
	out    io.Writer
	buf    []byte
	adler  hash.Hash32
	closed bool
}

// NewWriter returns a Writer emitting to w. The buffer is sized for a
// full command dictionary up front so boot does not grow it.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		out:   w,
		buf:   make([]byte, 0, 8192),
		adler: adler32.New(),
	}
}

// Write buffers p; nothing reaches the underlying writer until Close.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errClosed
	}
	w.buf = append(w.buf, p...)
	w.adler.Write(p)
	return len(p), nil
}

// Close writes the zlib header, the stored blocks, and the adler32
// trailer. Empty input yields a valid empty stream.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if _, err := w.out.Write([]byte{0x78, 0x9C}); err != nil {
		return err
	}

	data := w.buf
	for {
		n := len(data)
		if n > storedBlockMax {
			n = storedBlockMax
		}
		var final byte
		if n == len(data) {
			final = 1
		}

		blockLen := uint16(n)
		header := [5]byte{
			final,
			byte(blockLen), byte(blockLen >> 8),
			byte(^blockLen), byte(^blockLen >> 8),
		}
		if _, err := w.out.Write(header[:]); err != nil {
			return err
		}
		if _, err := w.out.Write(data[:n]); err != nil {
			return err
		}

		data = data[n:]
		if final == 1 {
			return w.writeTrailer()
		}
	}
}

func (w *Writer) writeTrailer() error {
	sum := w.adler.Sum32()
	trailer := [4]byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)}
	_, err := w.out.Write(trailer[:])
	return err
}
