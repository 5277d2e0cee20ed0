package fc

import (
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Status is the scheduler counter snapshot from hrt_status.
type Status struct {
	Wraps      uint32 // 32-bit hardware counter wraps since boot
	QueueDepth uint8  // callouts currently queued
	Scheduled  uint32 // schedule operations accepted
	Fired      uint32 // callbacks invoked
	Deferred   uint32 // dispatch rounds that hit the per-round limit
	MaxLatency uint32 // worst observed dispatch latency, microseconds
}

// LatencyBucket is one slot of the dispatch latency histogram.
type LatencyBucket struct {
	Bucket   uint8
	LEMicros uint32 // inclusive upper bound; zero on the overflow slot
	Count    uint32
}

// TraceEntry is one record from the dispatch trace ring.
type TraceEntry struct {
	Index    uint8
	Time     uint64 // absolute time of the dispatch, microseconds
	Drained  uint8  // callbacks invoked in that dispatch
	Deferred bool   // due work was left for the next dispatch
}

// ConfigState reports the configuration lifecycle.
type ConfigState struct {
	Configured bool
	CRC        uint32
	Shutdown   bool
	OIDCount   uint8
}

// GetTime reads the controller's absolute clock in microseconds.
func (c *Client) GetTime() (uint64, error) {
	ev, err := c.call(matchName("time"), defaultTimeout, "get_time")
	if err != nil {
		return 0, err
	}
	return uint64(ev.Uint32("hi"))<<32 | uint64(ev.Uint32("lo")), nil
}

// Status reads the scheduler counters.
func (c *Client) Status() (*Status, error) {
	ev, err := c.call(matchName("hrt_status_response"), defaultTimeout, "hrt_status")
	if err != nil {
		return nil, err
	}
	return &Status{
		Wraps:      ev.Uint32("wraps"),
		QueueDepth: uint8(ev.Uint32("depth")),
		Scheduled:  ev.Uint32("sched"),
		Fired:      ev.Uint32("fired"),
		Deferred:   ev.Uint32("deferred"),
		MaxLatency: ev.Uint32("lat_max"),
	}, nil
}

// Latency reads the dispatch latency histogram. The overflow slot
// always arrives last, so the stream has a fixed terminator.
func (c *Client) Latency() ([]LatencyBucket, error) {
	evs, err := c.collect(matchName("latency_state"),
		func(ev *Event) bool { return ev.Uint32("le_us") == 0 },
		defaultTimeout, "get_latency")
	if err != nil {
		return nil, err
	}

	out := make([]LatencyBucket, 0, len(evs))
	for _, ev := range evs {
		out = append(out, LatencyBucket{
			Bucket:   uint8(ev.Uint32("bucket")),
			LEMicros: ev.Uint32("le_us"),
			Count:    ev.Uint32("count"),
		})
	}
	return out, nil
}

// ResetLatency clears the latency histogram.
func (c *Client) ResetLatency() error {
	return c.do("reset_latency")
}

// Trace dumps the dispatch trace ring, oldest record first. The record
// count varies with uptime, so the stream ends on idle.
func (c *Client) Trace() ([]TraceEntry, error) {
	evs, err := c.collect(matchName("trace_state"), nil, defaultTimeout, "get_trace")
	if err != nil {
		return nil, err
	}

	out := make([]TraceEntry, 0, len(evs))
	for _, ev := range evs {
		out = append(out, TraceEntry{
			Index:    uint8(ev.Uint32("index")),
			Time:     uint64(ev.Uint32("time_hi"))<<32 | uint64(ev.Uint32("time_lo")),
			Drained:  uint8(ev.Uint32("drained")),
			Deferred: ev.Uint32("deferred") != 0,
		})
	}
	return out, nil
}

// GetConfig reads the configuration lifecycle state.
func (c *Client) GetConfig() (*ConfigState, error) {
	ev, err := c.call(matchName("config"), defaultTimeout, "get_config")
	if err != nil {
		return nil, err
	}
	return &ConfigState{
		Configured: ev.Uint32("is_config") != 0,
		CRC:        ev.Uint32("crc"),
		Shutdown:   ev.Uint32("is_shutdown") != 0,
		OIDCount:   uint8(ev.Uint32("oid_count")),
	}, nil
}

// ConfigReset clears the stored configuration CRC and OID count.
func (c *Client) ConfigReset() error {
	return c.do("config_reset")
}

// FinalizeConfig stamps the configuration with the host's CRC.
func (c *Client) FinalizeConfig(crc uint32) error {
	return c.do("finalize_config", crc)
}

// AllocateOIDs reserves the object ID space for this session.
func (c *Client) AllocateOIDs(count uint8) error {
	return c.do("allocate_oids", count)
}

// EmergencyStop puts the controller into the shutdown state. The
// shutdown report with its reason arrives on the event channel.
func (c *Client) EmergencyStop() error {
	return c.do("emergency_stop")
}

// Reset reboots the controller. The acknowledgement goes out before
// the reboot, so this returns cleanly; the USB device re-enumerates a
// moment later.
func (c *Client) Reset() error {
	return c.do("reset")
}

// SetDebug turns the controller's debug console output on or off.
func (c *Client) SetDebug(enable bool) error {
	return c.do("set_debug", enable)
}

// ConfigCallout creates a host-visible callout slot on the given OID.
// Fire reports arrive as callout_fired events.
func (c *Client) ConfigCallout(oid uint8) error {
	return c.do("config_callout", oid)
}

// CalloutAfter arms a one-shot callout delayUS microseconds from now.
func (c *Client) CalloutAfter(oid uint8, delayUS uint32) error {
	return c.do("callout_after", oid, delayUS)
}

// CalloutAt arms a one-shot callout at an absolute time.
func (c *Client) CalloutAt(oid uint8, t uint64) error {
	return c.do("callout_at", oid, uint32(t>>32), uint32(t))
}

// CalloutEvery arms a periodic callout: first fire after delayUS, then
// every periodUS.
func (c *Client) CalloutEvery(oid uint8, delayUS, periodUS uint32) error {
	return c.do("callout_every", oid, delayUS, periodUS)
}

// CalloutCancel disarms a callout slot.
func (c *Client) CalloutCancel(oid uint8) error {
	return c.do("callout_cancel", oid)
}

// ConfigFailsafe arms a link watchdog that engages if no heartbeat
// arrives within timeoutUS microseconds.
func (c *Client) ConfigFailsafe(oid uint8, timeoutUS uint32) error {
	return c.do("config_failsafe", oid, timeoutUS)
}

// Heartbeat feeds a link watchdog and returns whether it has engaged.
// An engaged watchdog ignores the heartbeat; only reconfiguring it
// starts a new arming period.
func (c *Client) Heartbeat(oid uint8) (bool, error) {
	ev, err := c.call(matchOID("failsafe_state", oid), defaultTimeout, "heartbeat", oid)
	if err != nil {
		return false, err
	}
	return ev.Uint32("engaged") != 0, nil
}

// ConfigBattery attaches a battery monitor to an analog pin.
func (c *Client) ConfigBattery(oid uint8, pin uint32) error {
	return c.do("config_battery", oid, pin)
}

// QueryBattery starts a sampling cycle: count conversions sampleTicks
// apart, reported every restTicks as battery_state events. Readings
// outside [min, max] for fault consecutive reports shut the controller
// down. count of zero stops the cycle.
func (c *Client) QueryBattery(oid uint8, restTicks, sampleTicks uint32, count uint8, min, max uint16, fault uint8) error {
	return c.do("query_battery", oid, restTicks, sampleTicks, count, min, max, fault)
}

// ConfigServo attaches a pulse output to a pin.
func (c *Client) ConfigServo(oid uint8, pin uint32) error {
	return c.do("config_servo", oid, pin)
}

// ServoSet commands a pulse width in microseconds. The controller clamps
// the width to its mechanical range.
func (c *Client) ServoSet(oid uint8, widthUS uint32) error {
	return c.do("servo_set", oid, widthUS)
}

// ServoDisable releases a channel's pin; the line goes idle until the
// channel is configured again.
func (c *Client) ServoDisable(oid uint8) error {
	return c.do("servo_disable", oid)
}

// ConfigSensor attaches an inertial sensor and starts its sampling at
// the given period. Samples arrive as sensor_state events.
func (c *Client) ConfigSensor(oid uint8, sensorType uint8, periodUS uint32) error {
	return c.do("config_sensor", oid, sensorType, periodUS)
}

// ConfigI2C creates an I2C endpoint on the given OID.
func (c *Client) ConfigI2C(oid uint8) error {
	return c.do("config_i2c", oid)
}

// I2CSetBus binds an I2C endpoint to a bus, clock rate and device
// address.
func (c *Client) I2CSetBus(oid uint8, bus, rate, addr uint32) error {
	return c.do("i2c_set_bus", oid, bus, rate, addr)
}

// I2CWrite sends raw bytes to the endpoint's device.
func (c *Client) I2CWrite(oid uint8, data []byte) error {
	return c.do("i2c_write", oid, data)
}

// I2CRead writes a register selector and reads back readLen bytes.
func (c *Client) I2CRead(oid uint8, reg []byte, readLen uint32) ([]byte, error) {
	ev, err := c.call(matchOID("i2c_read_response", oid), defaultTimeout,
		"i2c_read", oid, reg, readLen)
	if err != nil {
		return nil, err
	}
	return ev.Data, nil
}

// ScanI2C probes every address on a bus and returns those that
// answered. The scan report stream ends with an addr=0 terminator.
func (c *Client) ScanI2C(bus uint8) ([]uint8, error) {
	evs, err := c.collect(
		func(ev *Event) bool {
			return ev.Name == "i2c_scan_state" && uint8(ev.Uint32("bus")) == bus
		},
		func(ev *Event) bool { return ev.Uint32("addr") == 0 },
		defaultTimeout, "i2c_scan", bus)
	if err != nil {
		return nil, err
	}

	var found []uint8
	for _, ev := range evs {
		if addr := uint8(ev.Uint32("addr")); addr != 0 {
			found = append(found, addr)
		}
	}
	return found, nil
}

// Command sends an arbitrary dictionary command, for tooling that
// works below the typed wrappers.
func (c *Client) Command(name string, args ...interface{}) error {
	return c.do(name, args...)
}

// CommandNames lists every command the dictionary advertises.
func (c *Client) CommandNames() []string {
	c.sm.Lock()
	names := make([]string, 0, len(c.cmdFormats))
	for name := range c.cmdFormats {
		names = append(names, name)
	}
	c.sm.Unlock()

	sort.Strings(names)
	return names
}

// CommandUsage returns a usage line for one command: its name followed
// by its field names.
func (c *Client) CommandUsage(name string) (string, bool) {
	c.sm.Lock()
	f := c.cmdFormats[name]
	c.sm.Unlock()

	if f == nil {
		return "", false
	}

	usage := f.name
	for _, fd := range f.fields {
		usage += " " + fd.name
	}
	return usage, true
}

// argUint32 coerces a command argument to its wire type. Strings are
// accepted so console tooling can pass tokens straight through.
func argUint32(v interface{}) (uint32, error) {
	switch x := v.(type) {
	case uint8:
		return uint32(x), nil
	case uint16:
		return uint32(x), nil
	case uint32:
		return x, nil
	case uint64:
		return uint32(x), nil
	case uint:
		return uint32(x), nil
	case int:
		if x < 0 {
			return 0, errors.Errorf("negative value %d for unsigned field", x)
		}
		return uint32(x), nil
	case int32:
		if x < 0 {
			return 0, errors.Errorf("negative value %d for unsigned field", x)
		}
		return uint32(x), nil
	case int64:
		if x < 0 {
			return 0, errors.Errorf("negative value %d for unsigned field", x)
		}
		return uint32(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseUint(x, 0, 32)
		if err != nil {
			return 0, errors.Wrapf(err, "parse %q", x)
		}
		return uint32(n), nil
	}
	return 0, errors.Errorf("cannot encode %T as unsigned", v)
}

func argInt32(v interface{}) (int32, error) {
	switch x := v.(type) {
	case int:
		return int32(x), nil
	case int8:
		return int32(x), nil
	case int16:
		return int32(x), nil
	case int32:
		return x, nil
	case int64:
		return int32(x), nil
	case uint8:
		return int32(x), nil
	case uint16:
		return int32(x), nil
	case uint32:
		return int32(x), nil
	case string:
		n, err := strconv.ParseInt(x, 0, 32)
		if err != nil {
			return 0, errors.Wrapf(err, "parse %q", x)
		}
		return int32(n), nil
	}
	return 0, errors.Errorf("cannot encode %T as signed", v)
}

func argBytes(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	}
	return nil, errors.Errorf("cannot encode %T as bytes", v)
}
