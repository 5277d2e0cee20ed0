package protocol

// InputBuffer is the byte source the transport parses frames from.
type InputBuffer interface {
	// Data returns the unconsumed bytes.
	Data() []byte

	// Available returns how many bytes Data holds.
	Available() int

	// Pop discards n bytes from the front.
	Pop(n int)
}

// OutputBuffer collects encoded frames. Encoding writes a length
// placeholder first and patches it once the payload size is known, which
// is what the position operations exist for.
type OutputBuffer interface {
	// Output appends data.
	Output(data []byte)

	// CurPosition returns the current append position.
	CurPosition() int

	// Update rewrites the byte at pos.
	Update(pos int, val byte)

	// DataSince returns everything appended at or after pos.
	DataSince(pos int) []byte
}

// SliceInputBuffer adapts a plain byte slice to InputBuffer. The console
// loop wraps each contiguous chunk it pulls from the receive FIFO.
type SliceInputBuffer struct {
	data []byte
}

// NewSliceInputBuffer wraps data without copying it.
func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte {
	return s.data
}

func (s *SliceInputBuffer) Available() int {
	return len(s.data)
}

func (s *SliceInputBuffer) Pop(n int) {
	if n > len(s.data) {
		n = len(s.data)
	}
	s.data = s.data[n:]
}

// ScratchOutput is a fixed-size OutputBuffer for frame assembly. Writes
// past the end are dropped; frame encoding never exceeds MessageMax.
type ScratchOutput struct {
	buf [MessageMax]byte
	pos int
}

// NewScratchOutput returns an empty scratch buffer.
func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	s.pos += copy(s.buf[s.pos:], data)
}

func (s *ScratchOutput) CurPosition() int {
	return s.pos
}

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos < len(s.buf) {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

// Result returns everything written so far.
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

// Reset discards the buffered output.
func (s *ScratchOutput) Reset() {
	s.pos = 0
}

// FifoBuffer is a byte ring between the wire reader and the frame
// parser. One slot stays open so a full ring and an empty ring read
// differently; capacity n stores n-1 bytes.
//
// It is written from the USB reader and drained from the main loop,
// which is safe under the cooperative scheduler the firmware runs on.
type FifoBuffer struct {
	buf     []byte
	scratch []byte
	read    int
	write   int
	size    int
}

// NewFifoBuffer allocates a ring holding capacity-1 bytes.
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{
		buf:  make([]byte, capacity),
		size: capacity,
	}
}

// Write copies in as much of data as fits and returns that count.
func (f *FifoBuffer) Write(data []byte) int {
	if free := f.Free(); len(data) > free {
		data = data[:free]
	}
	if len(data) == 0 {
		return 0
	}

	n := copy(f.buf[f.write:], data)
	if n < len(data) {
		copy(f.buf, data[n:])
	}
	f.write = (f.write + len(data)) % f.size
	return len(data)
}

// Read copies out up to len(data) bytes and returns the count.
func (f *FifoBuffer) Read(data []byte) int {
	n := f.Available()
	if len(data) < n {
		n = len(data)
	}
	if n == 0 {
		return 0
	}

	first := f.size - f.read
	if first > n {
		first = n
	}
	copy(data, f.buf[f.read:f.read+first])
	copy(data[first:n], f.buf[:n-first])
	f.read = (f.read + n) % f.size
	return n
}

// Available returns the number of buffered bytes.
func (f *FifoBuffer) Available() int {
	if f.write >= f.read {
		return f.write - f.read
	}
	return f.size - f.read + f.write
}

// Free returns how many more bytes Write can accept.
func (f *FifoBuffer) Free() int {
	return f.size - f.Available() - 1
}

// Data returns the buffered bytes as one contiguous slice without
// consuming them; pair with Pop once the parser reports how much it
// used. When the ring has wrapped, the bytes are assembled into an
// internal scratch slice that stays valid until the next Data call.
func (f *FifoBuffer) Data() []byte {
	if f.read <= f.write {
		return f.buf[f.read:f.write]
	}

	avail := f.Available()
	if cap(f.scratch) < avail {
		f.scratch = make([]byte, avail)
	}
	out := f.scratch[:avail]
	first := copy(out, f.buf[f.read:])
	copy(out[first:], f.buf[:f.write])
	return out
}

// Pop discards n buffered bytes.
func (f *FifoBuffer) Pop(n int) {
	if avail := f.Available(); n > avail {
		n = avail
	}
	f.read = (f.read + n) % f.size
}

// IsEmpty reports whether the ring holds no bytes.
func (f *FifoBuffer) IsEmpty() bool {
	return f.read == f.write
}

// Reset discards everything buffered.
func (f *FifoBuffer) Reset() {
	f.read = 0
	f.write = 0
}
