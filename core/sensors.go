// Sensor driver registry and periodic sampling
// Target code registers a driver per sensor type code at boot. The host then
// instantiates sensors with config_sensor; each instance polls on its own
// callout cadence and reports readings through sensor_state.
package core

import (
	"errors"

	"goflight/protocol"
)

// SensorType is the numeric sensor kind carried in config_sensor. The codes
// are published as dictionary constants so the host can name them.
type SensorType uint8

const (
	SensorTypeIMU  SensorType = 0 // accelerometer axes, micro-g
	SensorTypeGyro SensorType = 1 // angular rate axes, micro-deg/s
	SensorTypeBaro SensorType = 2 // pressure in X, temperature in Y
	SensorTypeMag  SensorType = 3 // field axes
)

// SensorSample is one reading. Axes a sensor does not produce stay zero.
type SensorSample struct {
	X, Y, Z int32
}

// SensorSampleFunc reads the device. It runs from task context, so blocking
// bus transactions are fine here.
type SensorSampleFunc func() (SensorSample, error)

// SensorDriver is a registered implementation for one sensor type.
type SensorDriver struct {
	Name   string
	Init   func() error // one-time device bring-up, run at first config
	Sample SensorSampleFunc

	ready bool
}

// SensorStateIdle through SensorStatePolling track a sensor instance's
// lifecycle for status queries.
const (
	SensorStateIdle uint8 = iota
	SensorStatePolling
)

// Sensor is one configured instance polled on its own cadence.
type Sensor struct {
	OID     uint8
	Type    SensorType
	State   uint8
	Callout Callout

	driver *SensorDriver

	// Written on the dispatch path, drained by SensorTask
	sampleTime uint32
	pending    bool

	// Consecutive failed reads. Reset on the next good sample.
	FaultCount uint8
}

// Global registries: drivers by type code, instances by OID
var (
	sensorDrivers = make(map[SensorType]*SensorDriver)
	sensors       = make(map[uint8]*Sensor)
)

// Wake flag for the sensor report task
var sensorWake bool

// RegisterSensorDriver binds a driver to a sensor type code. Target init
// code calls this before the host configures any sensors.
func RegisterSensorDriver(typ SensorType, d *SensorDriver) error {
	if d == nil || d.Sample == nil {
		return errors.New("sensor driver missing sample function")
	}
	if _, exists := sensorDrivers[typ]; exists {
		return errors.New("sensor type already registered: " + d.Name)
	}
	sensorDrivers[typ] = d
	return nil
}

// GetSensorDriver retrieves the driver registered for a type code.
func GetSensorDriver(typ SensorType) (*SensorDriver, bool) {
	d, exists := sensorDrivers[typ]
	return d, exists
}

// InitSensorCommands registers the sensor commands with the command registry
func InitSensorCommands() {
	RegisterCommand("config_sensor", "oid=%c type=%c period=%u", handleConfigSensor)

	// Response: one reading per poll (MCU -> Host)
	RegisterResponse("sensor_state", "oid=%c time=%u x=%i y=%i z=%i")

	RegisterConstant("SENSOR_TYPE_IMU", uint32(SensorTypeIMU))
	RegisterConstant("SENSOR_TYPE_GYRO", uint32(SensorTypeGyro))
	RegisterConstant("SENSOR_TYPE_BARO", uint32(SensorTypeBaro))
	RegisterConstant("SENSOR_TYPE_MAG", uint32(SensorTypeMag))
}

// handleConfigSensor creates (or re-targets) a sensor instance and starts
// polling it. A period of zero stops polling and leaves the object idle.
// Format: config_sensor oid=%c type=%c period=%u
func handleConfigSensor(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	typ, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	period, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	s, exists := sensors[uint8(oid)]
	if exists {
		// Re-configuring stops the old cadence first
		s.Callout.Period = 0
		s.State = SensorStateIdle
		MustTimeSource().Cancel(&s.Callout)
	} else {
		s = &Sensor{OID: uint8(oid)}
		sensors[uint8(oid)] = s
	}

	if period == 0 {
		return nil
	}

	driver, ok := sensorDrivers[SensorType(typ)]
	if !ok {
		return errors.New("unknown sensor type")
	}
	if !driver.ready {
		if driver.Init != nil {
			if err := driver.Init(); err != nil {
				return err
			}
		}
		driver.ready = true
	}

	s.Type = SensorType(typ)
	s.driver = driver
	s.pending = false
	s.FaultCount = 0
	s.State = SensorStatePolling
	return MustTimeSource().ScheduleEvery(&s.Callout, Abstime(period), Abstime(period), sensorPollEvent, s)
}

// wakeSensorTask marks the sensor report task as needing to run
func wakeSensorTask() {
	state := disableInterrupts()
	sensorWake = true
	restoreInterrupts(state)
}

// sensorPollEvent runs on the dispatch path. Bus reads are too slow for this
// context, so it only stamps the poll time and defers the read to SensorTask.
func sensorPollEvent(arg interface{}) {
	s, ok := arg.(*Sensor)
	if !ok {
		return
	}

	h := MustTimeSource()

	state := disableInterrupts()
	s.sampleTime = uint32(h.AbsoluteTime())
	s.pending = true
	restoreInterrupts(state)

	if period := s.Callout.Period; period != 0 && !IsShutdown() {
		_ = h.ScheduleAfter(&s.Callout, period, sensorPollEvent, s)
	}

	wakeSensorTask()
}

// SensorTask reads pending sensors and sends sensor_state reports from task
// context. Called from the main loop.
func SensorTask() {
	// Fast check with interrupt protection to avoid races with the callback
	state := disableInterrupts()
	if !sensorWake {
		restoreInterrupts(state)
		return
	}
	sensorWake = false
	restoreInterrupts(state)

	for oid, s := range sensors {
		if s == nil || s.driver == nil {
			continue
		}

		// A slow task loop may see several poll marks collapsed into one;
		// the read below then reflects the most recent mark only.
		state = disableInterrupts()
		if !s.pending {
			restoreInterrupts(state)
			continue
		}
		s.pending = false
		sampleTime := s.sampleTime
		restoreInterrupts(state)

		sample, err := s.driver.Sample()
		if err != nil {
			// Keep polling through transient bus errors; the host sees the
			// missing report.
			if s.FaultCount < 255 {
				s.FaultCount++
			}
			continue
		}
		s.FaultCount = 0

		SendResponse("sensor_state", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, uint32(oid))
			protocol.EncodeVLQUint(output, sampleTime)
			protocol.EncodeVLQInt(output, sample.X)
			protocol.EncodeVLQInt(output, sample.Y)
			protocol.EncodeVLQInt(output, sample.Z)
		})
	}
}

// GetSensor retrieves a configured sensor instance by OID.
func GetSensor(oid uint8) (*Sensor, bool) {
	s, exists := sensors[oid]
	return s, exists
}

// ShutdownAllSensors stops sensor polling (called during shutdown)
func ShutdownAllSensors() {
	for _, s := range sensors {
		if s == nil {
			continue
		}
		s.Callout.Period = 0
		s.State = SensorStateIdle
		if timeSource != nil {
			timeSource.Cancel(&s.Callout)
		}
	}
}
