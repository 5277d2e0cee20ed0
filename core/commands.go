package core

import (
	"sync/atomic"

	"goflight/protocol"
)

// FirmwareState tracks the session flags the host can query and reset.
type FirmwareState struct {
	configCRC  uint32 // atomic
	isShutdown uint32 // atomic bool
	oidCount   uint32 // atomic; set by allocate_oids
}

var globalState = &FirmwareState{}

// timeSource is the HRT instance the console operates on (set by main)
var timeSource *HRT

// SetTimeSource wires the console command handlers to an HRT instance.
// Must be called before the transport starts dispatching.
func SetTimeSource(h *HRT) {
	timeSource = h
}

// MustTimeSource returns the wired HRT instance or panics if missing.
func MustTimeSource() *HRT {
	if timeSource == nil {
		panic("time source not configured")
	}
	return timeSource
}

// InitCoreCommands registers the console commands and responses every
// build carries. Registration order fixes the wire IDs, and the two
// identify messages must land on 0 and 1: a host with no dictionary yet
// hardcodes those to fetch one.
func InitCoreCommands() {
	RegisterCommand("identify_response", "offset=%u data=%*s", nil)   // ID 0
	RegisterCommand("identify", "offset=%u count=%c", handleIdentify) // ID 1

	// Time base queries (order doesn't matter after bootstrap)
	RegisterCommand("get_time", "", handleGetTime)
	RegisterCommand("hrt_status", "", handleHRTStatus)
	RegisterCommand("get_latency", "", handleGetLatency)
	RegisterCommand("reset_latency", "", handleResetLatency)
	RegisterCommand("get_trace", "", handleGetTrace)

	// Configuration lifecycle
	RegisterCommand("get_config", "", handleGetConfig)
	RegisterCommand("config_reset", "", handleConfigReset)
	RegisterCommand("finalize_config", "crc=%u", handleFinalizeConfig)
	RegisterCommand("allocate_oids", "count=%c", handleAllocateOids)
	RegisterCommand("emergency_stop", "", handleEmergencyStop)
	RegisterCommand("reset", "", handleReset)
	RegisterCommand("set_debug", "enable=%c", handleSetDebug)

	// Response messages (MCU -> Host)
	RegisterResponse("time", "hi=%u lo=%u")
	RegisterResponse("hrt_status_response", "wraps=%u depth=%c sched=%u fired=%u deferred=%u lat_max=%u")
	RegisterResponse("latency_state", "bucket=%c le_us=%u count=%u")
	RegisterResponse("trace_state", "index=%c time_hi=%u time_lo=%u drained=%c deferred=%c")
	RegisterResponse("config", "is_config=%c crc=%u is_shutdown=%c oid_count=%c")
	RegisterResponse("shutdown", "reason=%*s")

	// Dictionary constants shared by every target; MCU and TICK_FREQ are
	// per-platform and registered in targets/*/
	RegisterConstant("CALLOUT_DISPATCH_MAX", uint32(maxDispatch))
	RegisterConstant("HRT_INTERVAL_MIN", uint32(wakeIntervalMin))
	RegisterConstant("HRT_INTERVAL_MAX", uint32(wakeIntervalMax))
}

// handleIdentify serves one window of the dictionary stream; the host
// walks offsets until it receives a short chunk.
func handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	count8, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count := uint8(count8)

	chunk := GetGlobalDictionary().GetChunk(offset, count)

	SendResponse("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})

	return nil
}

// handleGetTime returns the current absolute time as two 32-bit words
func handleGetTime(data *[]byte) error {
	now := uint64(MustTimeSource().AbsoluteTime())

	SendResponse("time", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(now>>32))
		protocol.EncodeVLQUint(output, uint32(now&0xFFFFFFFF))
	})

	return nil
}

// handleHRTStatus returns the scheduler counters in one message
func handleHRTStatus(data *[]byte) error {
	h := MustTimeSource()
	stats := h.Stats()
	lat := h.Latency()
	wraps := h.WrapCount()
	depth := h.QueueDepth()

	SendResponse("hrt_status_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, wraps)
		protocol.EncodeVLQUint(output, uint32(depth))
		protocol.EncodeVLQUint(output, stats.Scheduled)
		protocol.EncodeVLQUint(output, stats.Invocations)
		protocol.EncodeVLQUint(output, stats.Deferred)
		protocol.EncodeVLQUint(output, lat.Max)
	})

	return nil
}

// handleGetLatency sends one latency_state message per histogram bucket
// The overflow bucket reports le_us=0 (no upper bound)
func handleGetLatency(data *[]byte) error {
	lat := MustTimeSource().Latency()

	for i := 0; i < LatencyBucketCount; i++ {
		bound, _ := LatencyBucketBound(i)
		idx := uint32(i)
		count := lat.Counts[i]

		SendResponse("latency_state", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, idx)
			protocol.EncodeVLQUint(output, bound)
			protocol.EncodeVLQUint(output, count)
		})
	}

	return nil
}

// handleResetLatency clears the latency histogram
func handleResetLatency(data *[]byte) error {
	MustTimeSource().ResetLatency()
	return nil
}

// handleGetTrace dumps the dispatch trace ring, oldest record first
func handleGetTrace(data *[]byte) error {
	var records [traceRingSize]TraceRecord
	n := MustTimeSource().Trace(records[:])

	for i := 0; i < n; i++ {
		idx := uint32(i)
		rec := records[i]
		deferred := uint32(0)
		if rec.Deferred {
			deferred = 1
		}

		SendResponse("trace_state", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, idx)
			protocol.EncodeVLQUint(output, uint32(uint64(rec.Time)>>32))
			protocol.EncodeVLQUint(output, uint32(uint64(rec.Time)&0xFFFFFFFF))
			protocol.EncodeVLQUint(output, uint32(rec.Drained))
			protocol.EncodeVLQUint(output, deferred)
		})
	}

	return nil
}

// handleGetConfig reports the session flags so a reconnecting host can
// tell whether its configuration survived.
func handleGetConfig(data *[]byte) error {
	crc := atomic.LoadUint32(&globalState.configCRC)
	isShutdown := atomic.LoadUint32(&globalState.isShutdown) != 0
	oidCount := atomic.LoadUint32(&globalState.oidCount)
	isConfig := crc != 0

	SendResponse("config", func(output protocol.OutputBuffer) {
		if isConfig {
			protocol.EncodeVLQUint(output, 1)
		} else {
			protocol.EncodeVLQUint(output, 0)
		}
		protocol.EncodeVLQUint(output, crc)
		if isShutdown {
			protocol.EncodeVLQUint(output, 1)
		} else {
			protocol.EncodeVLQUint(output, 0)
		}
		protocol.EncodeVLQUint(output, oidCount)
	})

	return nil
}

// handleConfigReset drops the stored configuration so the host can start
// over.
func handleConfigReset(data *[]byte) error {
	atomic.StoreUint32(&globalState.configCRC, 0)
	atomic.StoreUint32(&globalState.oidCount, 0)
	return nil
}

// handleFinalizeConfig stores the host's config checksum, marking the
// session configured.
func handleFinalizeConfig(data *[]byte) error {
	crc, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	atomic.StoreUint32(&globalState.configCRC, crc)
	return nil
}

// handleAllocateOids reserves the object ID space for this session
func handleAllocateOids(data *[]byte) error {
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	atomic.StoreUint32(&globalState.oidCount, count)
	return nil
}

// OIDCount returns the number of object IDs reserved by allocate_oids
func OIDCount() uint8 {
	return uint8(atomic.LoadUint32(&globalState.oidCount))
}

// handleEmergencyStop forces the shutdown path on host request.
func handleEmergencyStop(data *[]byte) error {
	TryShutdown("emergency stop")
	return nil
}

// handleSetDebug turns the debug console output on or off
func handleSetDebug(data *[]byte) error {
	enable, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	SetDebugEnabled(enable != 0)
	return nil
}

// TryShutdown puts the firmware into the shutdown state with a reason.
// Safety mechanisms (battery range check, failsafe expiry) call this from
// the dispatch path, so it only pokes hardware and sets flags here; the
// shutdown message itself is sent from task context by ShutdownReportTask.
func TryShutdown(reason string) {
	if !atomic.CompareAndSwapUint32(&globalState.isShutdown, 0, 1) {
		return // already shut down, keep the first reason
	}

	// Drive every actuator to its safe state and stop periodic activity.
	ShutdownAllServos()
	ShutdownAllBatteryMonitors()
	ShutdownAllSensors()
	ShutdownAllFailsafes()
	ShutdownAllProbes()
	ShutdownAllI2C()
	LEDSignalShutdown()

	shutdownReason = reason
	atomic.StoreUint32(&shutdownReportPending, 1)
}

// shutdownReason is written once by the first TryShutdown and read by the
// report task after the pending flag is observed.
var shutdownReason string

// shutdownReportPending is set when a shutdown message needs to be sent
var shutdownReportPending uint32 // atomic bool

// ShutdownReportTask sends the shutdown message from task context.
// Called from the main loop.
func ShutdownReportTask() {
	if !atomic.CompareAndSwapUint32(&shutdownReportPending, 1, 0) {
		return
	}
	reason := shutdownReason

	SendResponse("shutdown", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQBytes(output, []byte(reason))
	})

	// Post-mortem for the debug console; a no-op unless debug output is on
	DumpTrace(timeSource)
}

// IsShutdown reports whether the shutdown latch is set.
func IsShutdown() bool {
	return atomic.LoadUint32(&globalState.isShutdown) != 0
}

// ResetFirmwareState clears the session flags. The USB layer calls it
// when the host reconnects.
func ResetFirmwareState() {
	atomic.StoreUint32(&globalState.configCRC, 0)
	atomic.StoreUint32(&globalState.isShutdown, 0)
	atomic.StoreUint32(&globalState.oidCount, 0)
	atomic.StoreUint32(&shutdownReportPending, 0)
}

// SendResponse encodes a named response through the wired transport.
// With no transport wired (unit tests without a console) it is a no-op.
func SendResponse(responseName string, args func(output protocol.OutputBuffer)) {
	if globalTransport != nil {
		cmd, ok := globalRegistry.GetCommandByName(responseName)
		if !ok {
			// Responses are registered at init; an unknown name is a
			// programming error, not a runtime condition.
			panic("Response not registered: " + responseName)
		}

		globalTransport.SendCommand(cmd.ID, args)
	}
}

// globalTransport carries responses; main wires it at startup.
var globalTransport *protocol.Transport

// SetGlobalTransport wires the transport SendResponse uses.
func SetGlobalTransport(transport *protocol.Transport) {
	globalTransport = transport
}

// globalResetHandler performs the hardware reset; targets install it.
var globalResetHandler func()

// resetPending defers the hardware reset until the main loop has pushed
// the ACK out.
var resetPending uint32 // atomic bool

// SetResetHandler installs the target's hardware reset hook.
func SetResetHandler(handler func()) {
	globalResetHandler = handler
}

// handleReset requests a hardware reset. It only latches the flag:
// resetting inside the dispatch path would drop the ACK the host is
// still waiting on.
func handleReset(_ *[]byte) error {
	atomic.StoreUint32(&resetPending, 1)
	return nil
}

// CheckPendingReset performs a latched reset request. The main loop
// calls it after draining output; the handler arms the watchdog and does
// not return.
func CheckPendingReset() {
	if atomic.LoadUint32(&resetPending) != 0 {
		if globalResetHandler != nil {
			globalResetHandler()
		}
	}
}
