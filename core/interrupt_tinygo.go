//go:build tinygo

package core

import "runtime/interrupt"

// State is the saved interrupt mask word.
type State = interrupt.State

// disableInterrupts masks interrupts, returning the mask to restore.
func disableInterrupts() State {
	return interrupt.Disable()
}

// restoreInterrupts reinstates a mask saved by disableInterrupts.
func restoreInterrupts(state State) {
	interrupt.Restore(state)
}

// irqLock masks interrupts for the critical section. On a single core the
// timer interrupt cannot preempt an active section, which is the entire
// exclusion guarantee the HRT core needs.
type irqLock struct{}

func (l *irqLock) acquire() State {
	return interrupt.Disable()
}

func (l *irqLock) release(state State) {
	interrupt.Restore(state)
}
