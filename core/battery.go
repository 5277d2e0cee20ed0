// Battery voltage monitoring
// Oversamples an ADC channel on a periodic schedule and reports the summed
// value to the host. Readings outside the configured range count as faults;
// enough consecutive faults shut the firmware down before the pack sags low
// enough to brown out the electronics.
package core

import (
	"goflight/protocol"
)

// Battery monitor states
const (
	BatteryStateIdle     = 0
	BatteryStateReady    = 1
	BatteryStateSampling = 2
	// BatteryStateReportPending indicates that a sample cycle has completed
	// and a battery_state message needs to be sent from the task context.
	BatteryStateReportPending = 3
)

// BatteryMonitor represents a configured battery sense channel
type BatteryMonitor struct {
	OID     uint8        // Object ID
	Channel ADCChannelID // ADC channel carrying the voltage divider
	State   uint8        // Current state

	// Callout for periodic sampling
	Callout Callout

	// Timing parameters, microseconds
	RestTime   Abstime // Between reporting cycles
	SampleTime Abstime // Between individual samples in a cycle
	NextBegin  Abstime // When the next cycle begins

	// Oversample cycle shape
	SampleCount   uint8 // samples summed per report
	CurrentSample uint8 // index within the running cycle

	Value uint32 // running sum of this cycle's samples

	// Range checking on the summed value
	MinValue     uint16 // Minimum acceptable sum
	MaxValue     uint16 // Maximum acceptable sum
	FaultCount   uint8  // Consecutive violations before shutdown
	InvalidCount uint8  // Current violation count

	// Pending report (value that BatteryTask will send)
	PendingValue uint16
}

// Global registry of battery monitors
var batteryMonitors = make(map[uint8]*BatteryMonitor)

// Wake flag for the battery report task
var batteryWake bool

// InitBatteryCommands registers the battery console surface.
func InitBatteryCommands() {
	RegisterCommand("config_battery", "oid=%c pin=%u", handleConfigBattery)
	RegisterCommand("query_battery", "oid=%c rest_ticks=%u sample_ticks=%u count=%c min=%hu max=%hu fault=%c", handleQueryBattery)

	RegisterResponse("battery_state", "oid=%c next=%u value=%hu")

	// Full-scale reading of one 12-bit sample; hosts use it to scale sums.
	RegisterConstant("ADC_MAX", uint32(4095))
}

// handleConfigBattery binds a monitor OID to an ADC channel.
func handleConfigBattery(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	// Mux the pin to analog first; a bad pin errors out before the
	// monitor exists.
	if err := MustADC().ConfigureChannel(ADCChannelID(pin)); err != nil {
		return err
	}

	batteryMonitors[uint8(oid)] = &BatteryMonitor{
		OID:     uint8(oid),
		Channel: ADCChannelID(pin),
		State:   BatteryStateReady,
	}

	return nil
}

// handleQueryBattery starts periodic sampling on a configured monitor.
// rest_ticks and sample_ticks are microseconds.
func handleQueryBattery(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	restTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	sampleTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	sampleCount, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	minValue, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	maxValue, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	faultCount, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	mon, exists := batteryMonitors[uint8(oid)]
	if !exists {
		return nil // unconfigured OID, ignore
	}

	mon.RestTime = Abstime(restTicks)
	mon.SampleTime = Abstime(sampleTicks)
	mon.SampleCount = uint8(sampleCount)
	mon.MinValue = uint16(minValue)
	mon.MaxValue = uint16(maxValue)
	mon.FaultCount = uint8(faultCount)

	// A new query always restarts the cycle from scratch
	mon.Value = 0
	mon.CurrentSample = 0
	mon.InvalidCount = 0

	// Sample count zero stops any sampling in progress
	if mon.SampleCount == 0 {
		mon.State = BatteryStateReady
		MustTimeSource().Cancel(&mon.Callout)
		return nil
	}

	// Enable sampling. The first cycle begins now and its first sample
	// lands one sample interval out; NextBegin tracks the begin time of
	// the cycle after the one in progress once a cycle completes.
	h := MustTimeSource()
	mon.State = BatteryStateSampling
	mon.NextBegin = h.AbsoluteTime()
	return h.ScheduleAfter(&mon.Callout, mon.SampleTime, batterySampleEvent, mon)
}

// wakeBatteryTask marks the battery task as needing to run
func wakeBatteryTask() {
	state := disableInterrupts()
	batteryWake = true
	restoreInterrupts(state)
}

// BatteryTask runs in task context: it sends battery_state messages for any
// monitor that has completed a sample cycle and resumes its sampling state.
// Called from the main loop.
func BatteryTask() {
	// Fast check with interrupt protection to avoid races with the callback
	state := disableInterrupts()
	if !batteryWake {
		restoreInterrupts(state)
		return
	}
	batteryWake = false
	restoreInterrupts(state)

	for oid, mon := range batteryMonitors {
		if mon == nil {
			continue
		}

		if mon.State != BatteryStateReportPending {
			continue
		}

		// Take a snapshot of the fields the callback may also touch
		state = disableInterrupts()
		if mon.State != BatteryStateReportPending {
			restoreInterrupts(state)
			continue
		}
		value := mon.PendingValue
		next := uint32(uint64(mon.NextBegin) & 0xFFFFFFFF)

		// The report is out; the next cycle keeps sampling
		mon.State = BatteryStateSampling
		restoreInterrupts(state)

		SendResponse("battery_state", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, uint32(oid))
			protocol.EncodeVLQUint(output, next)
			protocol.EncodeVLQUint(output, uint32(value))
		})
	}
}

// batterySampleEvent is the callout callback for battery sampling. It runs
// on the dispatch path and re-arms itself for the next sample or cycle.
func batterySampleEvent(arg interface{}) {
	mon, ok := arg.(*BatteryMonitor)
	if !ok {
		return
	}

	if mon.State != BatteryStateSampling && mon.State != BatteryStateReportPending {
		return
	}

	h := MustTimeSource()

	// A cycle boundary with the previous report still unsent: skip this
	// cycle rather than overwrite the pending value
	if mon.State == BatteryStateReportPending {
		mon.NextBegin += mon.RestTime
		_ = h.ScheduleAt(&mon.Callout, mon.NextBegin+mon.SampleTime, batterySampleEvent, mon)
		return
	}

	// Read one sample via HAL
	value, err := MustADC().ReadRaw(mon.Channel)
	if err != nil {
		// On read failure, stop sampling this channel
		mon.State = BatteryStateReady
		return
	}

	// Accumulate the sample sum
	mon.Value += uint32(value)
	mon.CurrentSample++

	if mon.CurrentSample < mon.SampleCount {
		// More samples needed in this cycle
		_ = h.ScheduleAfter(&mon.Callout, mon.SampleTime, batterySampleEvent, mon)
		return
	}

	// All samples collected; range-check the 16-bit sum
	sum16 := uint16(mon.Value)

	if sum16 < mon.MinValue || sum16 > mon.MaxValue {
		mon.InvalidCount++

		// FaultCount == 0 shuts down on the first violation;
		// FaultCount > 0 shuts down after that many consecutive ones
		if mon.FaultCount == 0 || mon.InvalidCount >= mon.FaultCount {
			TryShutdown("battery out of range")
			mon.InvalidCount = 0
		}
	} else {
		// Value in range, reset the violation count
		mon.InvalidCount = 0
	}

	// Shutdown cancelled this callout; do not re-arm behind it
	if IsShutdown() {
		mon.State = BatteryStateReady
		return
	}

	// Stash the value and mark the report pending; the task will send it
	mon.PendingValue = sum16
	mon.State = BatteryStateReportPending
	mon.Value = 0
	mon.CurrentSample = 0

	// Next cycle begins on the rest schedule; its first sample lands one
	// sample interval after the begin time
	mon.NextBegin += mon.RestTime
	_ = h.ScheduleAt(&mon.Callout, mon.NextBegin+mon.SampleTime, batterySampleEvent, mon)

	// Wake the battery task to send the report from task context
	wakeBatteryTask()
}

// ShutdownBatteryMonitor stops sampling for one monitor (called during shutdown)
func ShutdownBatteryMonitor(mon *BatteryMonitor) {
	if mon.State == BatteryStateSampling || mon.State == BatteryStateReportPending {
		mon.State = BatteryStateReady
	}
	mon.PendingValue = 0
	if timeSource != nil {
		timeSource.Cancel(&mon.Callout)
	}
}

// ShutdownAllBatteryMonitors stops sampling on all configured monitors.
// Called from the global shutdown path.
func ShutdownAllBatteryMonitors() {
	for _, mon := range batteryMonitors {
		if mon != nil {
			ShutdownBatteryMonitor(mon)
		}
	}
}
