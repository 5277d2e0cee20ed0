package core

// ServoPin identifies a hardware pin capable of servo pulse output
type ServoPin uint32

// ServoDriver is what the actuator code drives pins through; targets
// provide the implementation.
type ServoDriver interface {
	// ConfigurePulse configures a pin for frame-based pulse output.
	// periodUS is the frame period in microseconds (20000 for standard
	// 50 Hz RC framing).
	ConfigurePulse(pin ServoPin, periodUS uint32) error

	// SetPulseWidth sets the pulse high time in microseconds.
	// The width has already been clamped to the servo range by core code.
	SetPulseWidth(pin ServoPin, widthUS uint32) error

	// DisablePulse stops driving a pin and returns it to GPIO mode
	DisablePulse(pin ServoPin) error
}

// Installed by the target at boot.
var servoDriver ServoDriver

// SetServoDriver installs the platform implementation.
func SetServoDriver(d ServoDriver) {
	servoDriver = d
}

// MustServo returns the installed driver and panics when no target
// installed one.
func MustServo() ServoDriver {
	if servoDriver == nil {
		panic("Servo driver not configured")
	}
	return servoDriver
}
