//go:build !tinygo

package core

import "sync"

// State is a placeholder for the interrupt mask word on hosted builds.
type State uintptr

// disableInterrupts is a no-op on hosted builds; the task wake flags that
// use it are only exercised single-threaded in tests.
func disableInterrupts() State {
	return 0
}

// restoreInterrupts is a no-op on hosted builds.
func restoreInterrupts(state State) {
}

// irqLock is the exclusion gate an HRT instance holds around its wrap
// offset, callout queue, and comparator arming. Hosted builds see real
// concurrent callers (tests, the simulated timer), so it is a mutex here
// rather than an interrupt mask.
type irqLock struct {
	mu sync.Mutex
}

func (l *irqLock) acquire() State {
	l.mu.Lock()
	return 0
}

func (l *irqLock) release(state State) {
	l.mu.Unlock()
}
