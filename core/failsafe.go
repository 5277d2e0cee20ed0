// Failsafe link watchdogs
// Each watchdog expects a heartbeat from the host within its timeout. A
// missed heartbeat engages the failsafe: servo outputs are driven to
// neutral and the host is notified. Once engaged, a watchdog stays engaged
// until the host reconfigures it.
package core

import (
	"goflight/protocol"
)

// Failsafe flags
const (
	FSF_ARMED   = 1 << 0 // Watchdog is running
	FSF_ENGAGED = 1 << 1 // Timeout expired, outputs at neutral
)

// Failsafe is one heartbeat watchdog
type Failsafe struct {
	OID     uint8   // Object ID
	Flags   uint8   // State flags (FSF_*)
	Timeout Abstime // Microseconds without a heartbeat before engaging
	Callout Callout // Expiry watchdog

	// Pending engage report (set by the callback, cleared by the task)
	pendingReport bool
}

// Global registry of failsafe watchdogs
var failsafes = make(map[uint8]*Failsafe)

// Wake flag for the failsafe report task
var failsafeWake bool

// InitFailsafeCommands registers failsafe-related commands
func InitFailsafeCommands() {
	// Command to configure and arm a watchdog
	RegisterCommand("config_failsafe", "oid=%c timeout=%u", handleConfigFailsafe)

	// Command to feed a watchdog; answered with a failsafe_state report
	RegisterCommand("heartbeat", "oid=%c", handleHeartbeat)

	// Response: watchdog state (MCU -> Host); also sent when one engages
	RegisterResponse("failsafe_state", "oid=%c engaged=%c")
}

// handleConfigFailsafe creates (or re-arms) a watchdog
// Format: config_failsafe oid=%c timeout=%u
func handleConfigFailsafe(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	timeout, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	// Get or create the watchdog. Reconfiguring clears an engaged state.
	fs, exists := failsafes[uint8(oid)]
	if !exists {
		fs = &Failsafe{OID: uint8(oid)}
		failsafes[uint8(oid)] = fs
	}

	fs.Flags = FSF_ARMED
	fs.Timeout = Abstime(timeout)
	LEDSignalArmed()

	// Schedule the expiry; a heartbeat pushes it out again
	return MustTimeSource().ScheduleAfter(&fs.Callout, fs.Timeout, failsafeExpired, fs)
}

// handleHeartbeat feeds a watchdog and reports its state
// Format: heartbeat oid=%c
func handleHeartbeat(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	fs, exists := failsafes[uint8(oid)]
	if !exists {
		// Invalid OID - watchdog not configured
		return nil
	}

	// An engaged watchdog ignores heartbeats; the host must reconfigure.
	// The state report tells it so.
	if (fs.Flags&FSF_ARMED) != 0 && (fs.Flags&FSF_ENGAGED) == 0 {
		// Scheduling an already-queued callout moves its deadline
		if err := MustTimeSource().ScheduleAfter(&fs.Callout, fs.Timeout, failsafeExpired, fs); err != nil {
			return err
		}
	}

	sendFailsafeState(fs)
	return nil
}

// failsafeExpired is the watchdog callback. It runs on the dispatch path:
// hardware pokes and flags only, the report goes out from task context.
func failsafeExpired(arg interface{}) {
	fs, ok := arg.(*Failsafe)
	if !ok {
		return
	}

	state := disableInterrupts()
	if (fs.Flags&FSF_ARMED) == 0 || (fs.Flags&FSF_ENGAGED) != 0 {
		restoreInterrupts(state)
		return
	}
	fs.Flags |= FSF_ENGAGED
	fs.pendingReport = true
	failsafeWake = true
	restoreInterrupts(state)

	// Link is gone: neutralize the outputs and show it on the LED
	ApplyServoFailsafe()
	LEDSignalFailsafe()
}

// sendFailsafeState sends a failsafe_state report for one watchdog
func sendFailsafeState(fs *Failsafe) {
	engaged := uint32(0)
	if (fs.Flags & FSF_ENGAGED) != 0 {
		engaged = 1
	}

	SendResponse("failsafe_state", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(fs.OID))
		protocol.EncodeVLQUint(output, engaged)
	})
}

// FailsafeTask sends engage reports from task context.
// Called from the main loop.
func FailsafeTask() {
	state := disableInterrupts()
	if !failsafeWake {
		restoreInterrupts(state)
		return
	}
	failsafeWake = false
	restoreInterrupts(state)

	for _, fs := range failsafes {
		if fs == nil {
			continue
		}

		state = disableInterrupts()
		if !fs.pendingReport {
			restoreInterrupts(state)
			continue
		}
		fs.pendingReport = false
		restoreInterrupts(state)

		sendFailsafeState(fs)
	}
}

// GetFailsafe retrieves a watchdog by OID
func GetFailsafe(oid uint8) (*Failsafe, bool) {
	fs, exists := failsafes[oid]
	return fs, exists
}

// ShutdownAllFailsafes stops every watchdog (called during shutdown)
func ShutdownAllFailsafes() {
	for _, fs := range failsafes {
		if fs == nil {
			continue
		}
		fs.Flags &^= FSF_ARMED
		if timeSource != nil {
			timeSource.Cancel(&fs.Callout)
		}
	}
}
