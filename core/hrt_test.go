package core

import "testing"

// testTimer is a hand-cranked TimerDriver: tests set the counter and
// status bits directly and invoke HandleInterrupt themselves.
type testTimer struct {
	freq       uint64
	counter    uint32
	status     TimerStatus
	armed      []uint32
	disarms    int
	overflowOn bool
}

func (d *testTimer) TickFrequency() uint64 { return d.freq }
func (d *testTimer) ReadCounter() uint32   { return d.counter }
func (d *testTimer) EnableOverflowInterrupt() {
	d.overflowOn = true
}
func (d *testTimer) ClearInterruptStatus() TimerStatus {
	status := d.status
	d.status = 0
	return status
}
func (d *testTimer) ArmCompare(tick uint32) {
	d.armed = append(d.armed, tick)
}
func (d *testTimer) DisarmCompare() {
	d.disarms++
}

func newTestHRT(t *testing.T, freq uint64) (*HRT, *testTimer) {
	t.Helper()
	drv := &testTimer{freq: freq}
	h, err := NewHRT(drv)
	if err != nil {
		t.Fatalf("NewHRT failed: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return h, drv
}

func TestNewHRTValidation(t *testing.T) {
	if _, err := NewHRT(nil); err != ErrNoDriver {
		t.Errorf("Expected ErrNoDriver for nil driver, got %v", err)
	}
	if _, err := NewHRT(&testTimer{freq: 0}); err != ErrZeroFrequency {
		t.Errorf("Expected ErrZeroFrequency, got %v", err)
	}
}

func TestStartTwiceReportsError(t *testing.T) {
	drv := &testTimer{freq: 1000000}
	h, err := NewHRT(drv)
	if err != nil {
		t.Fatalf("NewHRT failed: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	if !drv.overflowOn {
		t.Errorf("Expected Start to enable the overflow interrupt")
	}
	if err := h.Start(); err != ErrStarted {
		t.Errorf("Expected ErrStarted on second Start, got %v", err)
	}
}

func TestAbsoluteTimeMonotonic(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)

	var last Abstime
	for _, counter := range []uint32{0, 1, 5, 1000, 100000, 4000000000} {
		drv.counter = counter
		now := h.AbsoluteTime()
		if now < last {
			t.Errorf("Time went backwards: %d then %d at counter %d", last, now, counter)
		}
		last = now
	}
}

func TestTickToMicrosecondConversion(t *testing.T) {
	// 150 MHz peripheral clock divided by 32.
	h, drv := newTestHRT(t, 4687500)

	drv.counter = 0
	t0 := h.AbsoluteTime()
	drv.counter = 7813
	t1 := h.AbsoluteTime()

	// 7813 ticks / 4.6875 MHz = 1666.77 us, truncated.
	if delta := t1 - t0; delta != 1666 {
		t.Errorf("Expected 1666 us for 7813 ticks, got %d", delta)
	}
}

func TestOverflowAccounting(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)

	drv.counter = 0xFFFFFF00
	t0 := h.AbsoluteTime()

	// Counter wraps; the overflow interrupt fires.
	drv.counter = 100
	drv.status = TimerStatusOverflow
	h.HandleInterrupt()

	t1 := h.AbsoluteTime()
	if t1 <= t0 {
		t.Fatalf("Expected time to advance across the wrap, got %d then %d", t0, t1)
	}
	// 0x100 ticks to the wrap plus 100 after it, at 1 tick per us.
	if delta := t1 - t0; delta != 356 {
		t.Errorf("Expected 356 us across the wrap, got %d", delta)
	}
	if stats := h.Stats(); stats.Overflows != 1 {
		t.Errorf("Expected 1 accounted overflow, got %d", stats.Overflows)
	}
}

func TestScheduleAfterComputesDeadline(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 5000000

	var c Callout
	if err := h.ScheduleAfter(&c, 1000, func(arg interface{}) {}, nil); err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}
	if c.Deadline() != 5001000 {
		t.Errorf("Expected deadline 5001000, got %d", c.Deadline())
	}
}

func TestScheduleValidation(t *testing.T) {
	h, _ := newTestHRT(t, 1000000)

	var c Callout
	if err := h.ScheduleAt(&c, 1000, nil, nil); err != ErrNoCallback {
		t.Errorf("Expected ErrNoCallback, got %v", err)
	}
	if c.Scheduled() {
		t.Errorf("Expected rejected schedule to leave callout unqueued")
	}
	if h.QueueDepth() != 0 {
		t.Errorf("Expected empty queue after rejected schedule, got depth %d", h.QueueDepth())
	}
	if err := h.ScheduleAt(nil, 1000, func(arg interface{}) {}, nil); err != ErrNoCallout {
		t.Errorf("Expected ErrNoCallout, got %v", err)
	}
}

func TestScheduleAtZeroDeadlineRunsImmediately(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 10

	fired := 0
	var c Callout
	if err := h.ScheduleAt(&c, 0, func(arg interface{}) { fired++ }, nil); err != nil {
		t.Fatalf("ScheduleAt failed: %v", err)
	}
	if !c.Scheduled() {
		t.Fatalf("Expected callout queued for the zero deadline request")
	}
	h.HandleInterrupt()
	if fired != 1 {
		t.Errorf("Expected 1 invocation, got %d", fired)
	}
}

func TestDispatchRunsDueCallout(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 1000

	var firedAt Abstime
	fired := 0
	var c Callout
	deadline := h.AbsoluteTime() + 500
	if err := h.ScheduleAt(&c, deadline, func(arg interface{}) {
		fired++
		firedAt = h.AbsoluteTime()
	}, nil); err != nil {
		t.Fatalf("ScheduleAt failed: %v", err)
	}

	// Not due yet: nothing runs.
	h.HandleInterrupt()
	if fired != 0 {
		t.Fatalf("Expected no invocation before the deadline")
	}

	drv.counter = 2000
	drv.status = TimerStatusCompare
	h.HandleInterrupt()

	if fired != 1 {
		t.Fatalf("Expected 1 invocation, got %d", fired)
	}
	if firedAt < deadline {
		t.Errorf("Expected invocation at or after %d, ran at %d", deadline, firedAt)
	}
	if c.Scheduled() {
		t.Errorf("Expected fired callout to be unscheduled")
	}
}

func TestDispatchOrderFollowsDeadlines(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 0

	var order []int
	mk := func(id int) CalloutFunc {
		return func(arg interface{}) { order = append(order, id) }
	}

	var c1, c2, c3 Callout
	// Insertion order deliberately differs from deadline order.
	h.ScheduleAt(&c2, 2000, mk(2), nil)
	h.ScheduleAt(&c3, 3000, mk(3), nil)
	h.ScheduleAt(&c1, 1000, mk(1), nil)

	drv.counter = 10000
	h.HandleInterrupt()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("Expected invocation order 1,2,3, got %v", order)
	}
}

func TestEqualDeadlinesFireInScheduleOrder(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 0

	var order []string
	var a, b Callout
	h.ScheduleAt(&a, 5000, func(arg interface{}) { order = append(order, "a") }, nil)
	h.ScheduleAt(&b, 5000, func(arg interface{}) { order = append(order, "b") }, nil)

	drv.counter = 6000
	h.HandleInterrupt()

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("Expected schedule order a,b for equal deadlines, got %v", order)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 0

	fired := 0
	var c Callout
	h.ScheduleAt(&c, 1000, func(arg interface{}) { fired++ }, nil)

	h.Cancel(&c)
	h.Cancel(&c)

	drv.counter = 5000
	h.HandleInterrupt()
	if fired != 0 {
		t.Fatalf("Expected cancelled callout not to run, ran %d times", fired)
	}

	// Cancel after firing is also a no-op.
	h.ScheduleAt(&c, 6000, func(arg interface{}) { fired++ }, nil)
	drv.counter = 7000
	h.HandleInterrupt()
	if fired != 1 {
		t.Fatalf("Expected exactly 1 invocation, got %d", fired)
	}
	h.Cancel(&c)
	drv.counter = 20000
	h.HandleInterrupt()
	if fired != 1 {
		t.Errorf("Expected no further invocations after cancel, got %d", fired)
	}

	stats := h.Stats()
	if stats.Cancelled != 1 {
		t.Errorf("Expected 1 effective cancel, got %d", stats.Cancelled)
	}
}

func TestRescheduleReplacesDeadline(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 0

	fired := 0
	var firedAt Abstime
	var c Callout
	fn := func(arg interface{}) {
		fired++
		firedAt = h.AbsoluteTime()
	}

	h.ScheduleAt(&c, 1000, fn, nil)
	h.ScheduleAt(&c, 4000, fn, nil)

	if h.QueueDepth() != 1 {
		t.Fatalf("Expected single queue entry after reschedule, got %d", h.QueueDepth())
	}

	drv.counter = 2000
	h.HandleInterrupt()
	if fired != 0 {
		t.Fatalf("Expected no invocation at the replaced deadline")
	}

	drv.counter = 4500
	h.HandleInterrupt()
	if fired != 1 {
		t.Fatalf("Expected exactly 1 invocation, got %d", fired)
	}
	if firedAt < 4000 {
		t.Errorf("Expected invocation at or after 4000, ran at %d", firedAt)
	}
}

func TestDispatchBoundDefersExcessCallouts(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 0

	const total = maxDispatch + 4

	var order []int
	callouts := make([]Callout, total)
	for i := 0; i < total; i++ {
		id := i
		h.ScheduleAt(&callouts[i], 1000, func(arg interface{}) {
			order = append(order, id)
		}, nil)
	}

	drv.counter = 2000
	h.HandleInterrupt()

	if len(order) != maxDispatch {
		t.Fatalf("Expected %d invocations in first dispatch, got %d", maxDispatch, len(order))
	}
	if h.QueueDepth() != total-maxDispatch {
		t.Errorf("Expected %d deferred callouts queued, got %d", total-maxDispatch, h.QueueDepth())
	}
	stats := h.Stats()
	if stats.Deferred != 1 {
		t.Errorf("Expected deferred counter 1, got %d", stats.Deferred)
	}

	h.HandleInterrupt()
	if len(order) != total {
		t.Fatalf("Expected all %d invocations after second dispatch, got %d", total, len(order))
	}
	for i, id := range order {
		if id != i {
			t.Errorf("Position %d: expected callout %d, got %d", i, i, id)
			break
		}
	}
}

func TestPeriodicCallbackReArms(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 0

	fired := 0
	var c Callout
	var tick CalloutFunc
	tick = func(arg interface{}) {
		fired++
		// Periodic callouts re-arm themselves; dispatch never does.
		h.ScheduleAfter(&c, c.Period, tick, arg)
	}
	if err := h.ScheduleEvery(&c, 1000, 2000, tick, nil); err != nil {
		t.Fatalf("ScheduleEvery failed: %v", err)
	}
	if c.Period != 2000 {
		t.Fatalf("Expected recorded period 2000, got %d", c.Period)
	}

	for _, counter := range []uint32{1500, 3600, 5700} {
		drv.counter = counter
		h.HandleInterrupt()
	}
	if fired != 3 {
		t.Errorf("Expected 3 periodic invocations, got %d", fired)
	}
	if !c.Scheduled() {
		t.Errorf("Expected periodic callout re-armed after dispatch")
	}
}

func TestRearmClampsCompareWindow(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 100000

	var c Callout
	// Deadline far beyond the arming ceiling.
	h.ScheduleAt(&c, 10000000, func(arg interface{}) {}, nil)
	if n := len(drv.armed); n == 0 {
		t.Fatalf("Expected a compare target to be armed")
	}
	if got := drv.armed[len(drv.armed)-1]; got != 100000+wakeIntervalMax {
		t.Errorf("Expected compare clamped to +%d, got +%d", wakeIntervalMax, got-100000)
	}

	// Deadline already in the past still arms at the interval floor.
	var overdue Callout
	h.ScheduleAt(&overdue, 1, func(arg interface{}) {}, nil)
	if got := drv.armed[len(drv.armed)-1]; got != 100000+wakeIntervalMin {
		t.Errorf("Expected compare floored to +%d, got +%d", wakeIntervalMin, got-100000)
	}

	// Empty queue leaves only the overflow interrupt armed.
	h.Cancel(&c)
	h.Cancel(&overdue)
	h.HandleInterrupt()
	if drv.disarms == 0 {
		t.Errorf("Expected comparator disarmed with an empty queue")
	}
}

func TestDispatchStatsCounters(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 0

	var a, b Callout
	h.ScheduleAt(&a, 100, func(arg interface{}) {}, nil)
	h.ScheduleAt(&b, 200, func(arg interface{}) {}, nil)
	h.Cancel(&b)

	drv.counter = 500
	h.HandleInterrupt()
	h.HandleInterrupt()

	stats := h.Stats()
	if stats.Scheduled != 2 {
		t.Errorf("Expected 2 schedules, got %d", stats.Scheduled)
	}
	if stats.Cancelled != 1 {
		t.Errorf("Expected 1 cancel, got %d", stats.Cancelled)
	}
	if stats.Dispatches != 2 {
		t.Errorf("Expected 2 dispatches, got %d", stats.Dispatches)
	}
	if stats.Invocations != 1 {
		t.Errorf("Expected 1 invocation, got %d", stats.Invocations)
	}
}

func TestTraceRecordsDispatches(t *testing.T) {
	h, drv := newTestHRT(t, 1000000)
	drv.counter = 0

	var c Callout
	h.ScheduleAt(&c, 100, func(arg interface{}) {}, nil)
	drv.counter = 200
	h.HandleInterrupt()

	var records [traceRingSize]TraceRecord
	n := h.Trace(records[:])
	if n != 1 {
		t.Fatalf("Expected 1 trace record, got %d", n)
	}
	if records[0].Drained != 1 {
		t.Errorf("Expected trace drained=1, got %d", records[0].Drained)
	}
	if records[0].Time != 200 {
		t.Errorf("Expected trace time 200, got %d", records[0].Time)
	}
}
