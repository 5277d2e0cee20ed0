// Package core implements the flight controller firmware core: a
// microsecond-resolution time base over a wrapping hardware counter, a
// deadline-ordered callout scheduler driven from the timer interrupt, and
// the command surface the host console uses to exercise both.
package core

import (
	"errors"
	"math/bits"
)

const (
	// maxDispatch bounds callback invocations per interrupt entry so a
	// densely packed queue cannot stall the interrupt. Due callouts past
	// the bound run on the next entry.
	maxDispatch = 16

	// wakeIntervalMin is the closest (in microseconds) the comparator is
	// ever armed to "now". Arming closer risks the match landing behind
	// the live counter and being missed for a full wrap.
	wakeIntervalMin = 50

	// wakeIntervalMax caps how far ahead the comparator is armed, so
	// bookkeeping runs at a minimum rate even with a sparse queue.
	wakeIntervalMax = 50000

	// counterPeriodTicks is the tick span of one full 32-bit counter
	// wraparound.
	counterPeriodTicks = 1 << 32
)

var (
	ErrNoDriver      = errors.New("hrt: nil timer driver")
	ErrZeroFrequency = errors.New("hrt: timer driver reports zero tick frequency")
	ErrStarted       = errors.New("hrt: already started")
	ErrNoCallout     = errors.New("hrt: nil callout")
	ErrNoCallback    = errors.New("hrt: nil callback")
)

// DispatchStats is a snapshot of the scheduler's counters.
type DispatchStats struct {
	Dispatches  uint32 // interrupt entries serviced
	Overflows   uint32 // counter wraparounds accounted
	Invocations uint32 // callbacks invoked
	Deferred    uint32 // entries that hit the per-dispatch bound with work left
	Scheduled   uint32 // schedule operations accepted
	Cancelled   uint32 // cancel operations that unlinked a callout
}

// HRT owns the time base and callout queue for one hardware timer. All
// public methods are safe to call from any execution context; the timer
// interrupt enters through HandleInterrupt. Internal helpers with the
// Locked suffix assume the caller already holds the instance lock and must
// never be reached from outside such a section.
type HRT struct {
	drv  TimerDriver
	freq uint64

	lock irqLock

	started    bool
	wrapOffset uint64 // ticks contributed by observed wraparounds

	queue calloutQueue

	// Dispatch scratch. HandleInterrupt is non-reentrant (there is one
	// timer interrupt), so a fixed batch avoids allocating on that path.
	fires   [maxDispatch]*Callout
	fireFn  [maxDispatch]CalloutFunc
	fireArg [maxDispatch]interface{}

	stats DispatchStats
	lat   latencyHistogram
	trace dispatchTrace
}

// NewHRT builds an HRT over the given driver. The driver's tick frequency
// is fixed from here on.
func NewHRT(drv TimerDriver) (*HRT, error) {
	if drv == nil {
		return nil, ErrNoDriver
	}
	freq := drv.TickFrequency()
	if freq == 0 {
		return nil, ErrZeroFrequency
	}
	return &HRT{drv: drv, freq: freq}, nil
}

// Start resets the wrap accounting and arms the hardware overflow
// interrupt. Calling Start twice is a configuration error.
func (h *HRT) Start() error {
	state := h.lock.acquire()
	defer h.lock.release(state)

	if h.started {
		return ErrStarted
	}
	h.started = true
	h.wrapOffset = 0
	h.drv.EnableOverflowInterrupt()
	return nil
}

// TickFrequency returns the hardware counter rate in ticks per second.
func (h *HRT) TickFrequency() uint64 {
	return h.freq
}

// AbsoluteTime returns the current time in microseconds.
func (h *HRT) AbsoluteTime() Abstime {
	state := h.lock.acquire()
	now := h.absoluteTimeLocked()
	h.lock.release(state)
	return now
}

// absoluteTimeLocked samples the wrap offset and the live counter as one
// pair and converts ticks to microseconds. The 128-bit intermediate keeps
// ticks*1e6 exact for multi-year uptimes at any tick frequency.
func (h *HRT) absoluteTimeLocked() Abstime {
	ticks := h.wrapOffset + uint64(h.drv.ReadCounter())
	hi, lo := bits.Mul64(ticks, 1000000)
	us, _ := bits.Div64(hi, lo, h.freq)
	return Abstime(us)
}

// ticksFromUS converts a small microsecond interval to ticks. Only used
// for comparator offsets, which are clamped well below overflow range.
func (h *HRT) ticksFromUS(us Abstime) uint32 {
	return uint32(uint64(us) * h.freq / 1000000)
}

// ScheduleAt arranges for fn(arg) to run from the dispatch path at or
// after the absolute deadline. Scheduling an already-scheduled callout
// replaces its deadline.
func (h *HRT) ScheduleAt(c *Callout, deadline Abstime, fn CalloutFunc, arg interface{}) error {
	if c == nil {
		return ErrNoCallout
	}
	if fn == nil {
		return ErrNoCallback
	}
	state := h.lock.acquire()
	h.scheduleAtLocked(c, deadline, fn, arg)
	h.lock.release(state)
	return nil
}

// ScheduleAfter schedules fn(arg) delay microseconds from now. The time
// read and the insert happen inside one exclusion window.
func (h *HRT) ScheduleAfter(c *Callout, delay Abstime, fn CalloutFunc, arg interface{}) error {
	if c == nil {
		return ErrNoCallout
	}
	if fn == nil {
		return ErrNoCallback
	}
	state := h.lock.acquire()
	h.scheduleAtLocked(c, h.absoluteTimeLocked()+delay, fn, arg)
	h.lock.release(state)
	return nil
}

// ScheduleEvery records period on the callout and schedules the first
// firing delay microseconds from now. Dispatch does not auto-repeat: the
// callback re-arms itself with ScheduleAfter(c, c.Period, ...) when it
// runs, which keeps the interrupt path bounded.
func (h *HRT) ScheduleEvery(c *Callout, delay, period Abstime, fn CalloutFunc, arg interface{}) error {
	if c == nil {
		return ErrNoCallout
	}
	if fn == nil {
		return ErrNoCallback
	}
	state := h.lock.acquire()
	c.Period = period
	h.scheduleAtLocked(c, h.absoluteTimeLocked()+delay, fn, arg)
	h.lock.release(state)
	return nil
}

// scheduleAtLocked stores the callback, inserts the callout, and re-arms
// the comparator. Deadline 0 is the idle marker, so a literal 0 request is
// nudged to 1; it is due immediately either way.
func (h *HRT) scheduleAtLocked(c *Callout, deadline Abstime, fn CalloutFunc, arg interface{}) {
	if deadline == 0 {
		deadline = 1
	}
	c.fn = fn
	c.arg = arg
	h.queue.insert(c, deadline)
	h.stats.Scheduled++
	h.rearmLocked(h.absoluteTimeLocked())
}

// Cancel unlinks the callout if it is queued. Cancelling a callout that
// already fired or was never scheduled is a no-op. Once Cancel returns the
// callback will not run for that scheduling, unless dispatch had already
// popped it for the in-flight invocation.
func (h *HRT) Cancel(c *Callout) {
	if c == nil {
		return
	}
	state := h.lock.acquire()
	if h.queue.remove(c) {
		h.stats.Cancelled++
	}
	// The comparator may still be armed for the removed deadline; the
	// resulting early wake finds nothing due and re-arms.
	h.lock.release(state)
}

// HandleInterrupt is the timer interrupt entry point. It runs to
// completion: clear hardware status, account a wraparound if one was
// flagged, take a single time snapshot, drain due callouts up to the
// dispatch bound, and re-arm for the next deadline. Callbacks are invoked
// after the lock is released, so they may call any public method.
func (h *HRT) HandleInterrupt() {
	state := h.lock.acquire()

	status := h.drv.ClearInterruptStatus()
	if status&TimerStatusOverflow != 0 {
		h.wrapOffset += counterPeriodTicks
		h.stats.Overflows++
	}

	now := h.absoluteTimeLocked()
	n := h.queue.popDue(now, h.fires[:])
	for i := 0; i < n; i++ {
		c := h.fires[i]
		h.fireFn[i] = c.fn
		h.fireArg[i] = c.arg
		h.lat.record(uint32(now - c.deadline))
		c.deadline = 0
	}

	deferred := false
	if head := h.queue.peekEarliest(); head != nil && head.deadline <= now {
		// Bound hit with due work remaining; the re-arm below clamps to
		// the interval floor so the next entry picks it up promptly.
		h.stats.Deferred++
		deferred = true
	}

	h.stats.Dispatches++
	h.stats.Invocations += uint32(n)
	h.trace.record(now, uint8(n), deferred)
	h.rearmLocked(now)

	h.lock.release(state)

	for i := 0; i < n; i++ {
		h.fireFn[i](h.fireArg[i])
		h.fires[i] = nil
		h.fireFn[i] = nil
		h.fireArg[i] = nil
	}
}

// rearmLocked programs the comparator for the earliest pending deadline,
// clamped to [now+wakeIntervalMin, now+wakeIntervalMax]. With an empty
// queue only the overflow interrupt stays armed.
func (h *HRT) rearmLocked(now Abstime) {
	head := h.queue.peekEarliest()
	if head == nil {
		h.drv.DisarmCompare()
		return
	}

	delay := Abstime(wakeIntervalMin)
	if head.deadline > now {
		delay = head.deadline - now
		if delay < wakeIntervalMin {
			delay = wakeIntervalMin
		} else if delay > wakeIntervalMax {
			delay = wakeIntervalMax
		}
	}
	h.drv.ArmCompare(h.drv.ReadCounter() + h.ticksFromUS(delay))
}

// QueueDepth returns the number of pending callouts.
func (h *HRT) QueueDepth() int {
	state := h.lock.acquire()
	depth := h.queue.depth()
	h.lock.release(state)
	return depth
}

// WrapCount returns how many counter wraparounds have been folded into the
// time base since Start.
func (h *HRT) WrapCount() uint32 {
	state := h.lock.acquire()
	wraps := uint32(h.wrapOffset / counterPeriodTicks)
	h.lock.release(state)
	return wraps
}

// Stats returns a snapshot of the dispatch counters.
func (h *HRT) Stats() DispatchStats {
	state := h.lock.acquire()
	stats := h.stats
	h.lock.release(state)
	return stats
}

// Latency returns a snapshot of the invocation latency histogram.
func (h *HRT) Latency() LatencySnapshot {
	state := h.lock.acquire()
	snap := h.lat.snapshot()
	h.lock.release(state)
	return snap
}

// ResetLatency clears the latency histogram.
func (h *HRT) ResetLatency() {
	state := h.lock.acquire()
	h.lat.reset()
	h.lock.release(state)
}

// Trace copies out the most recent dispatch trace records, newest last.
func (h *HRT) Trace(out []TraceRecord) int {
	state := h.lock.acquire()
	n := h.trace.copyInto(out)
	h.lock.release(state)
	return n
}
