//go:build rp2040

package main

import (
	"device/rp"
	"runtime/interrupt"

	"goflight/core"
)

// The TIMER peripheral is a 64-bit microsecond counter with four one-shot
// alarms that match against the low 32 bits. Alarm 0 carries the deadline
// comparator; alarm 1 stays armed at zero so every wrap of the low word
// raises an interrupt for the wrap accounting. Alarm 3 belongs to the
// TinyGo runtime sleep machinery and is left alone.
const (
	alarmDeadline = 0 // fires TIMER_IRQ_0
	alarmWrap     = 1 // fires TIMER_IRQ_1
)

// HardwareTimer implements core.TimerDriver over the TIMER peripheral.
type HardwareTimer struct {
	isr func()
}

// The interrupt vectors have to reach the driver through package scope.
var hwTimer *HardwareTimer

// NewHardwareTimer builds the driver. Interrupts stay masked until
// EnableOverflowInterrupt runs.
func NewHardwareTimer() *HardwareTimer {
	t := &HardwareTimer{}
	hwTimer = t
	return t
}

// SetInterruptHandler wires the function both timer vectors invoke,
// normally the owning HRT's HandleInterrupt. Must be called before
// EnableOverflowInterrupt.
func (t *HardwareTimer) SetInterruptHandler(fn func()) {
	t.isr = fn
}

// TickFrequency returns the counter rate. The TIMER peripheral counts the
// 1 MHz tick generator regardless of the system clock.
func (t *HardwareTimer) TickFrequency() uint64 {
	return 1000000
}

// ReadCounter samples the low word. TIMERAWL reads without the latching
// side effect of TIMELR, so it is safe from any context.
func (t *HardwareTimer) ReadCounter() uint32 {
	return rp.TIMER.TIMERAWL.Get()
}

// EnableOverflowInterrupt arms the wrap alarm and unmasks both vectors.
func (t *HardwareTimer) EnableOverflowInterrupt() {
	rp.TIMER.ALARM1.Set(0)
	rp.TIMER.INTE.SetBits((1 << alarmDeadline) | (1 << alarmWrap))

	in0 := interrupt.New(rp.IRQ_TIMER_IRQ_0, timerVector)
	in0.Enable()
	in1 := interrupt.New(rp.IRQ_TIMER_IRQ_1, timerVector)
	in1.Enable()
}

// ClearInterruptStatus reads and acknowledges the latched alarm flags.
// Runs inside the dispatch path with interrupts masked.
func (t *HardwareTimer) ClearInterruptStatus() core.TimerStatus {
	ints := rp.TIMER.INTS.Get()
	var status core.TimerStatus

	if ints&(1<<alarmWrap) != 0 {
		status |= core.TimerStatusOverflow
		rp.TIMER.INTR.Set(1 << alarmWrap)
		// Alarms are one-shot and an alarm written at the live counter
		// value matches immediately, so wait out the zero microsecond
		// before re-arming for the next wrap.
		for rp.TIMER.TIMERAWL.Get() == 0 {
		}
		rp.TIMER.ALARM1.Set(0)
	}

	if ints&(1<<alarmDeadline) != 0 {
		status |= core.TimerStatusCompare
		rp.TIMER.INTR.Set(1 << alarmDeadline)
	}

	return status
}

// ArmCompare programs the deadline alarm. Writing the alarm register also
// arms it, replacing any previous match.
func (t *HardwareTimer) ArmCompare(tick uint32) {
	rp.TIMER.ALARM0.Set(tick)
}

// DisarmCompare cancels a pending deadline match.
func (t *HardwareTimer) DisarmCompare() {
	rp.TIMER.ARMED.Set(1 << alarmDeadline)
}

// timerVector services both timer vectors; the dispatch path sorts out
// which alarms fired from the INTS flags.
func timerVector(interrupt.Interrupt) {
	if hwTimer != nil && hwTimer.isr != nil {
		hwTimer.isr()
	}
}
