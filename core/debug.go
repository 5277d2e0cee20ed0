package core

// DebugWriter receives one debug console line per call.
type DebugWriter func(string)

var (
	// debugPrintln is the sink for debug lines, a no-op until a target
	// installs one.
	debugPrintln DebugWriter = func(string) {}

	// debugEnabled gates all debug output. Off by default; the host
	// turns it on with set_debug enable=1.
	debugEnabled bool
)

// SetDebugWriter routes debug output to a target-provided sink, such as
// a spare UART. The framed host link never carries debug text.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled turns debug output on or off.
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// DebugPrintln writes one line through the installed sink when debug
// output is enabled.
func DebugPrintln(msg string) {
	if debugEnabled {
		debugPrintln(msg)
	}
}

// TraceRecord captures one dispatch entry for post-mortem analysis.
type TraceRecord struct {
	Time     Abstime // snapshot time of the dispatch
	Drained  uint8   // callbacks invoked in this entry
	Deferred bool    // due work was left for the next entry
}

const traceRingSize = 32 // keep the last 32 dispatches

// dispatchTrace is a fixed ring of recent dispatch records. Mutated only
// under the owning HRT's lock; empty dispatches are not recorded.
type dispatchTrace struct {
	ring [traceRingSize]TraceRecord
	head uint8
	full bool
}

func (tr *dispatchTrace) record(now Abstime, drained uint8, deferred bool) {
	if drained == 0 && !deferred {
		return
	}
	tr.ring[tr.head] = TraceRecord{Time: now, Drained: drained, Deferred: deferred}
	tr.head = (tr.head + 1) % traceRingSize
	if tr.head == 0 {
		tr.full = true
	}
}

// copyInto fills out oldest-first and returns the number of records.
func (tr *dispatchTrace) copyInto(out []TraceRecord) int {
	n := 0
	start := uint8(0)
	count := tr.head
	if tr.full {
		start = tr.head
		count = traceRingSize
	}
	for i := uint8(0); i < count && n < len(out); i++ {
		out[n] = tr.ring[(start+i)%traceRingSize]
		n++
	}
	return n
}

// DumpTrace writes the recent dispatch history through the debug sink.
// The shutdown path calls it so the trace survives on the debug console
// even when the host never asks for it.
func DumpTrace(h *HRT) {
	if !debugEnabled || h == nil {
		return
	}
	var records [traceRingSize]TraceRecord
	n := h.Trace(records[:])

	debugPrintln("[TRACE] === Dispatch Ring Dump ===")
	for i := 0; i < n; i++ {
		rec := &records[i]
		line := "[TRACE] t=" + utoa64(uint64(rec.Time)) +
			" drained=" + itoa(int(rec.Drained))
		if rec.Deferred {
			line += " deferred"
		}
		debugPrintln(line)
	}
	debugPrintln("[TRACE] === End Dump ===")
}
