// Callout probes: host-visible scheduler test objects
// Each probe owns one callout. The host schedules it over the console and
// receives callout_fired reports carrying the cumulative fire count and the
// latency of the most recent invocation.
package core

import (
	"goflight/protocol"
)

// CalloutProbe is one schedulable test object
type CalloutProbe struct {
	OID     uint8
	Callout Callout

	// target is the deadline of the in-flight scheduling, kept so the
	// callback can compute invocation latency. Periodic probes advance it
	// by one period per firing.
	target Abstime

	// Written in the callback, read by the report task
	fireCount uint32
	lastLat   uint32
	pending   bool
}

// Global registry of callout probes
var calloutProbes = make(map[uint8]*CalloutProbe)

// Wake flag for the probe report task
var calloutProbeWake bool

// InitCalloutCommands registers the scheduler test commands
func InitCalloutCommands() {
	RegisterCommand("config_callout", "oid=%c", handleConfigCallout)
	RegisterCommand("callout_after", "oid=%c delay=%u", handleCalloutAfter)
	RegisterCommand("callout_at", "oid=%c hi=%u lo=%u", handleCalloutAt)
	RegisterCommand("callout_every", "oid=%c delay=%u period=%u", handleCalloutEvery)
	RegisterCommand("callout_cancel", "oid=%c", handleCalloutCancel)

	// Response: one report per firing observed by the task (MCU -> Host)
	RegisterResponse("callout_fired", "oid=%c count=%u lat=%u")
}

// handleConfigCallout creates (or resets) a probe
// Format: config_callout oid=%c
func handleConfigCallout(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	// Re-configuring an existing OID stops its old scheduling first
	if old, exists := calloutProbes[uint8(oid)]; exists {
		old.Callout.Period = 0
		MustTimeSource().Cancel(&old.Callout)
	}

	calloutProbes[uint8(oid)] = &CalloutProbe{OID: uint8(oid)}
	return nil
}

// handleCalloutAfter schedules a probe delay microseconds from now
// Format: callout_after oid=%c delay=%u
func handleCalloutAfter(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	delay, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	p, exists := calloutProbes[uint8(oid)]
	if !exists {
		// Invalid OID - probe not configured
		return nil
	}

	h := MustTimeSource()
	deadline := h.AbsoluteTime() + Abstime(delay)
	p.Callout.Period = 0
	p.target = deadline
	return h.ScheduleAt(&p.Callout, deadline, calloutProbeFired, p)
}

// handleCalloutAt schedules a probe at an absolute time given as two words
// Format: callout_at oid=%c hi=%u lo=%u
func handleCalloutAt(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	hi, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	lo, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	p, exists := calloutProbes[uint8(oid)]
	if !exists {
		return nil
	}

	deadline := Abstime(uint64(hi)<<32 | uint64(lo))
	p.Callout.Period = 0
	p.target = deadline
	return MustTimeSource().ScheduleAt(&p.Callout, deadline, calloutProbeFired, p)
}

// handleCalloutEvery schedules a periodic probe: first firing after delay,
// then once per period. The callback re-arms itself from the previous
// deadline, so the cadence does not drift with invocation latency.
// Format: callout_every oid=%c delay=%u period=%u
func handleCalloutEvery(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	delay, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	period, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	p, exists := calloutProbes[uint8(oid)]
	if !exists {
		return nil
	}

	h := MustTimeSource()
	deadline := h.AbsoluteTime() + Abstime(delay)
	p.Callout.Period = Abstime(period)
	p.target = deadline
	return h.ScheduleAt(&p.Callout, deadline, calloutProbeFired, p)
}

// handleCalloutCancel stops a probe
// Format: callout_cancel oid=%c
func handleCalloutCancel(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	p, exists := calloutProbes[uint8(oid)]
	if !exists {
		return nil
	}

	// Clear the period before unlinking so an in-flight invocation does not
	// re-arm. The copy the dispatch path already popped may still run once.
	p.Callout.Period = 0
	MustTimeSource().Cancel(&p.Callout)
	return nil
}

// wakeCalloutProbeTask marks the probe report task as needing to run
func wakeCalloutProbeTask() {
	state := disableInterrupts()
	calloutProbeWake = true
	restoreInterrupts(state)
}

// calloutProbeFired is the probe callback. It runs on the dispatch path,
// outside the scheduler lock, so rescheduling from here is safe.
func calloutProbeFired(arg interface{}) {
	p, ok := arg.(*CalloutProbe)
	if !ok {
		return
	}

	h := MustTimeSource()
	now := h.AbsoluteTime()

	lat := uint32(0)
	if now > p.target {
		lat = uint32(now - p.target)
	}

	state := disableInterrupts()
	p.fireCount++
	p.lastLat = lat
	p.pending = true
	restoreInterrupts(state)

	// Periodic probes re-arm from the previous deadline
	if period := p.Callout.Period; period != 0 && !IsShutdown() {
		next := p.target + period
		p.target = next
		_ = h.ScheduleAt(&p.Callout, next, calloutProbeFired, p)
	}

	wakeCalloutProbeTask()
}

// CalloutProbeTask sends callout_fired reports from task context.
// Called from the main loop.
func CalloutProbeTask() {
	// Fast check with interrupt protection to avoid races with the callback
	state := disableInterrupts()
	if !calloutProbeWake {
		restoreInterrupts(state)
		return
	}
	calloutProbeWake = false
	restoreInterrupts(state)

	for oid, p := range calloutProbes {
		if p == nil {
			continue
		}

		// Snapshot the fields the callback may also touch. A fast periodic
		// probe may fire several times between task runs; the report then
		// carries the latest count and the host sees the gap.
		state = disableInterrupts()
		if !p.pending {
			restoreInterrupts(state)
			continue
		}
		p.pending = false
		count := p.fireCount
		lat := p.lastLat
		restoreInterrupts(state)

		SendResponse("callout_fired", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, uint32(oid))
			protocol.EncodeVLQUint(output, count)
			protocol.EncodeVLQUint(output, lat)
		})
	}
}

// ShutdownAllProbes stops every probe (called during shutdown)
func ShutdownAllProbes() {
	for _, p := range calloutProbes {
		if p == nil {
			continue
		}
		p.Callout.Period = 0
		if timeSource != nil {
			timeSource.Cancel(&p.Callout)
		}
	}
}
