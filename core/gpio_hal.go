package core

// GPIOPin identifies a pin by its board number.
type GPIOPin uint32

// PinPull selects the input bias for ConfigureInput.
type PinPull uint8

const (
	PullNone PinPull = iota
	PullUp
	PullDown
)

// GPIODriver is the digital pin interface core modules drive; the status
// LED is the main consumer. Targets register an implementation at boot.
type GPIODriver interface {
	// ConfigureOutput claims pin as a push-pull output.
	ConfigureOutput(pin GPIOPin) error

	// ConfigureInput claims pin as an input with the given bias.
	ConfigureInput(pin GPIOPin, pull PinPull) error

	// SetPin drives a configured output high or low.
	SetPin(pin GPIOPin, value bool) error

	// GetPin samples the pin level.
	GetPin(pin GPIOPin) (bool, error)
}

var gpioDriver GPIODriver

// SetGPIODriver registers the target's pin driver.
func SetGPIODriver(d GPIODriver) {
	gpioDriver = d
}

// MustGPIO returns the registered driver or panics if the target never
// provided one.
func MustGPIO() GPIODriver {
	if gpioDriver == nil {
		panic("GPIO driver not configured")
	}
	return gpioDriver
}
