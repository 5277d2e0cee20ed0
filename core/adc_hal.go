package core

// ADCChannelID names a sampling channel in platform terms.
type ADCChannelID uint32

// ADCValue is a raw sample. The firmware-wide convention is a 12-bit
// value in the low bits (0-4095).
type ADCValue uint16

// ADCDriver is what battery and sensor sampling read through; targets
// provide the implementation. Drivers bring up the peripheral on the
// first ConfigureChannel call.
type ADCDriver interface {
	// ConfigureChannel routes a channel to analog input.
	// For pin-muxed channels, this should set the pin to analog mode.
	ConfigureChannel(ch ADCChannelID) error

	// ReadRaw takes a single sample.
	ReadRaw(ch ADCChannelID) (ADCValue, error)
}

// Installed by the target at boot.
var adcDriver ADCDriver

// SetADCDriver installs the platform implementation.
func SetADCDriver(d ADCDriver) {
	adcDriver = d
}

// MustADC returns the installed driver and panics when no target
// installed one.
func MustADC() ADCDriver {
	if adcDriver == nil {
		panic("ADC driver not configured")
	}
	return adcDriver
}
