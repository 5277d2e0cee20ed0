package core

// TimerStatus holds the interrupt-status bits returned when the dispatch
// path reads and clears the hardware flags.
type TimerStatus uint8

const (
	// TimerStatusOverflow is set when the free-running counter wrapped
	// since the last clear.
	TimerStatusOverflow TimerStatus = 1 << iota

	// TimerStatusCompare is set when the deadline comparator matched.
	TimerStatusCompare
)

// TimerDriver is the abstract hardware timer the HRT core runs on: a
// free-running 32-bit up-counter with a fixed tick frequency, an overflow
// interrupt, and a match comparator for deadline wakeups. Target code
// implements it over the real peripheral; hosted builds use SimTimer.
//
// The driver delivers interrupts by calling HandleInterrupt on the HRT it
// was wired to; how that binding happens is target-specific and not part
// of this interface.
type TimerDriver interface {
	// TickFrequency returns the counter's rate in ticks per second.
	// Fixed for the life of the driver.
	TickFrequency() uint64

	// ReadCounter samples the live counter value.
	ReadCounter() uint32

	// EnableOverflowInterrupt starts the counter free-running (if it is
	// not already) and arms the wraparound interrupt.
	EnableOverflowInterrupt()

	// ClearInterruptStatus reads and clears the pending interrupt flags.
	// Called exactly once per dispatch entry.
	ClearInterruptStatus() TimerStatus

	// ArmCompare programs the match comparator to interrupt when the
	// counter reaches tick (modulo the counter width).
	ArmCompare(tick uint32)

	// DisarmCompare cancels any pending comparator match.
	DisarmCompare()
}
