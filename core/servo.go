// Servo pulse outputs for control surfaces and ESCs
// Widths follow standard RC framing: 500-2500us pulses in a 20ms frame,
// 1500us neutral. Out-of-range requests are clamped, never rejected, so a
// misbehaving host cannot command a width the linkage cannot survive.
package core

import (
	"goflight/protocol"
)

// Servo pulse limits in microseconds
const (
	ServoWidthMin     = 500
	ServoWidthMax     = 2500
	ServoWidthNeutral = 1500
	ServoFramePeriod  = 20000 // 50 Hz
)

// Servo represents a configured pulse output channel
type Servo struct {
	OID   uint8    // Object ID
	Pin   ServoPin // Hardware pin
	Width uint32   // Current commanded pulse width in microseconds
}

// Global registry of servo outputs
var servos = make(map[uint8]*Servo)

// InitServoCommands registers the servo console surface.
func InitServoCommands() {
	RegisterCommand("config_servo", "oid=%c pin=%u", handleConfigServo)
	RegisterCommand("servo_set", "oid=%c width=%u", handleServoSet)
	RegisterCommand("servo_disable", "oid=%c", handleServoDisable)

	// Published so the host knows the clamp range without guessing
	RegisterConstant("SERVO_WIDTH_MIN", uint32(ServoWidthMin))
	RegisterConstant("SERVO_WIDTH_MAX", uint32(ServoWidthMax))
	RegisterConstant("SERVO_WIDTH_NEUTRAL", uint32(ServoWidthNeutral))
	RegisterConstant("SERVO_FRAME_PERIOD", uint32(ServoFramePeriod))
}

// clampServoWidth bounds a requested width to the mechanical range
func clampServoWidth(width uint32) uint32 {
	if width < ServoWidthMin {
		return ServoWidthMin
	}
	if width > ServoWidthMax {
		return ServoWidthMax
	}
	return width
}

// handleConfigServo configures a pin for pulse output. The channel
// comes up at neutral, never at the last commanded width.
func handleConfigServo(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if err := MustServo().ConfigurePulse(ServoPin(pin), ServoFramePeriod); err != nil {
		return err
	}

	servo := &Servo{
		OID:   uint8(oid),
		Pin:   ServoPin(pin),
		Width: ServoWidthNeutral,
	}

	if err := MustServo().SetPulseWidth(servo.Pin, servo.Width); err != nil {
		return err
	}

	servos[uint8(oid)] = servo

	return nil
}

// handleServoSet commands a pulse width on a configured channel.
func handleServoSet(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	width, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	servo, exists := servos[uint8(oid)]
	if !exists {
		return nil // unconfigured OID, ignore
	}

	// After shutdown the outputs stay at neutral; ignore movement commands
	if IsShutdown() {
		return nil
	}

	servo.Width = clampServoWidth(width)
	return MustServo().SetPulseWidth(servo.Pin, servo.Width)
}

// handleServoDisable releases a channel's pin; the line goes idle instead
// of neutral. The OID stays allocated, but the channel needs config_servo
// again before it drives pulses.
func handleServoDisable(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	servo, exists := servos[uint8(oid)]
	if !exists {
		return nil
	}

	return MustServo().DisablePulse(servo.Pin)
}

// ApplyServoFailsafe drives every servo to neutral. Called when a failsafe
// watchdog engages and from the shutdown path; may run on the dispatch path,
// so it only pokes hardware.
func ApplyServoFailsafe() {
	for _, servo := range servos {
		if servo == nil {
			continue
		}
		servo.Width = ServoWidthNeutral
		_ = MustServo().SetPulseWidth(servo.Pin, servo.Width)
	}
}

// ShutdownAllServos drives every servo to neutral (called during shutdown)
func ShutdownAllServos() {
	ApplyServoFailsafe()
}
