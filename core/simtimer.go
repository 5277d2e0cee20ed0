//go:build !tinygo

package core

import (
	"math/bits"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SimTimer implements TimerDriver over a clock.Clock so hosted builds and
// tests can run the full dispatch machinery without hardware. Backed by
// clock.New it tracks wall time; backed by a clock.Mock, advancing the
// mock fires the armed compare and overflow interrupts at their exact
// simulated instants.
type SimTimer struct {
	clk   clock.Clock
	freq  uint64
	epoch time.Time

	mu        sync.Mutex
	isr       func()
	compare   *clock.Timer
	wrapTimer *clock.Timer
	pending   TimerStatus
}

// NewSimTimer builds a simulated timer with the given tick frequency.
// The counter starts from zero at construction time.
func NewSimTimer(clk clock.Clock, tickFrequency uint64) *SimTimer {
	return &SimTimer{
		clk:   clk,
		freq:  tickFrequency,
		epoch: clk.Now(),
	}
}

// SetInterruptHandler wires the function the simulated interrupts invoke,
// normally the owning HRT's HandleInterrupt.
func (s *SimTimer) SetInterruptHandler(fn func()) {
	s.mu.Lock()
	s.isr = fn
	s.mu.Unlock()
}

// TickFrequency returns the simulated counter rate.
func (s *SimTimer) TickFrequency() uint64 {
	return s.freq
}

// ReadCounter returns the low 32 bits of the elapsed tick count.
func (s *SimTimer) ReadCounter() uint32 {
	return uint32(s.absoluteTicks())
}

// absoluteTicks converts elapsed clock time to ticks with a 128-bit
// intermediate, mirroring the width discipline of the real time base.
func (s *SimTimer) absoluteTicks() uint64 {
	elapsed := uint64(s.clk.Now().Sub(s.epoch))
	hi, lo := bits.Mul64(elapsed, s.freq)
	ticks, _ := bits.Div64(hi, lo, uint64(time.Second))
	return ticks
}

// durationForTicks returns the clock time covering n ticks, rounded up so
// a fired timer is never early relative to the tick it was armed for.
func (s *SimTimer) durationForTicks(n uint64) time.Duration {
	ns := (n*uint64(time.Second) + s.freq - 1) / s.freq
	return time.Duration(ns)
}

// EnableOverflowInterrupt arms the recurring wraparound interrupt at each
// crossing of the 32-bit counter boundary.
func (s *SimTimer) EnableOverflowInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wrapTimer != nil {
		return
	}
	s.armWrapLocked()
}

func (s *SimTimer) armWrapLocked() {
	remaining := uint64(counterPeriodTicks) - s.absoluteTicks()%counterPeriodTicks
	s.wrapTimer = s.clk.AfterFunc(s.durationForTicks(remaining), s.onWrap)
}

func (s *SimTimer) onWrap() {
	s.mu.Lock()
	s.pending |= TimerStatusOverflow
	s.armWrapLocked()
	isr := s.isr
	s.mu.Unlock()
	if isr != nil {
		isr()
	}
}

// ArmCompare schedules a compare interrupt when the counter reaches tick,
// replacing any previously armed match.
func (s *SimTimer) ArmCompare(tick uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compare != nil {
		s.compare.Stop()
	}
	// 32-bit wraparound distance from the live counter to the target.
	delta := uint64(tick - uint32(s.absoluteTicks()))
	if delta == 0 {
		delta = 1
	}
	s.compare = s.clk.AfterFunc(s.durationForTicks(delta), s.onCompare)
}

func (s *SimTimer) onCompare() {
	s.mu.Lock()
	s.pending |= TimerStatusCompare
	isr := s.isr
	s.mu.Unlock()
	if isr != nil {
		isr()
	}
}

// DisarmCompare cancels a pending compare match.
func (s *SimTimer) DisarmCompare() {
	s.mu.Lock()
	if s.compare != nil {
		s.compare.Stop()
		s.compare = nil
	}
	s.mu.Unlock()
}

// ClearInterruptStatus reads and clears the pending status bits.
func (s *SimTimer) ClearInterruptStatus() TimerStatus {
	s.mu.Lock()
	status := s.pending
	s.pending = 0
	s.mu.Unlock()
	return status
}
