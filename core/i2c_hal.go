package core

// I2CBusID selects one of the hardware I2C controllers.
type I2CBusID uint8

// I2CAddress is a device address in the 7-bit space.
type I2CAddress uint8

// I2CDriver is what the console handlers and sensor code program the
// bus through; targets provide the implementation.
type I2CDriver interface {
	// ConfigureBus brings a bus up at the given clock rate; unknown bus
	// IDs error.
	ConfigureBus(bus I2CBusID, frequencyHz uint32) error

	// Write transmits data to a device at the given address on the specified
	// bus. A zero-length write is a bare address probe: it succeeds when a
	// device acknowledges and errors otherwise.
	Write(bus I2CBusID, addr I2CAddress, data []byte) error

	// Read reads data from a device, optionally writing a register address
	// first. If regData is non-empty it is transmitted before the read with
	// a repeated start in between.
	Read(bus I2CBusID, addr I2CAddress, regData []byte, readLen uint8) ([]byte, error)

	// NativeBus returns the platform bus object behind a bus ID so sensor
	// drivers built on external driver packages can use it directly.
	// Returns an error if the bus is not configured.
	NativeBus(bus I2CBusID) (interface{}, error)
}

// Installed by the target at boot.
var i2cDriver I2CDriver

// SetI2CDriver installs the platform implementation.
func SetI2CDriver(d I2CDriver) {
	i2cDriver = d
}

// MustI2C returns the installed driver and panics when no target
// installed one.
func MustI2C() I2CDriver {
	if i2cDriver == nil {
		panic("I2C driver not configured")
	}
	return i2cDriver
}
