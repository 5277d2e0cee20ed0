//go:build rp2040

package main

import (
	"errors"

	"machine"

	"goflight/core"
)

// RPI2CDriver implements core.I2CDriver over machine.I2C. The part has two
// controllers; bus 0 defaults to SDA=GP4/SCL=GP5 and bus 1 to SDA=GP6/
// SCL=GP7.
type RPI2CDriver struct {
	buses map[core.I2CBusID]*machine.I2C
}

// NewRPI2CDriver builds the driver with no buses configured.
func NewRPI2CDriver() *RPI2CDriver {
	return &RPI2CDriver{
		buses: make(map[core.I2CBusID]*machine.I2C),
	}
}

// ConfigureBus initializes a controller at the given frequency.
// Re-configuring a running bus only updates the baud rate.
func (d *RPI2CDriver) ConfigureBus(bus core.I2CBusID, frequencyHz uint32) error {
	if i2c, exists := d.buses[bus]; exists {
		return i2c.SetBaudRate(frequencyHz)
	}

	var i2c *machine.I2C
	switch bus {
	case 0:
		i2c = machine.I2C0
	case 1:
		i2c = machine.I2C1
	default:
		return errors.New("unsupported I2C bus")
	}

	if err := i2c.Configure(machine.I2CConfig{Frequency: frequencyHz}); err != nil {
		return err
	}
	d.buses[bus] = i2c
	return nil
}

// Write transmits data to a device. The controller cannot issue a
// zero-length transaction, so an empty write (the scan probe) becomes a
// one-byte read; an absent device NACKs its address either way.
func (d *RPI2CDriver) Write(bus core.I2CBusID, addr core.I2CAddress, data []byte) error {
	i2c, exists := d.buses[bus]
	if !exists {
		return errors.New("I2C bus not configured")
	}
	if len(data) == 0 {
		var probe [1]byte
		return i2c.Tx(uint16(addr), nil, probe[:])
	}
	return i2c.Tx(uint16(addr), data, nil)
}

// Read reads readLen bytes from a device, transmitting regData first with
// a repeated start when it is non-empty.
func (d *RPI2CDriver) Read(bus core.I2CBusID, addr core.I2CAddress, regData []byte, readLen uint8) ([]byte, error) {
	i2c, exists := d.buses[bus]
	if !exists {
		return nil, errors.New("I2C bus not configured")
	}

	readBuf := make([]byte, readLen)
	if len(regData) > 0 {
		if err := i2c.Tx(uint16(addr), regData, readBuf); err != nil {
			return nil, err
		}
	} else {
		if err := i2c.Tx(uint16(addr), nil, readBuf); err != nil {
			return nil, err
		}
	}
	return readBuf, nil
}

// NativeBus returns the machine.I2C behind a bus ID so sensor drivers
// built on external driver packages can use it directly.
func (d *RPI2CDriver) NativeBus(bus core.I2CBusID) (interface{}, error) {
	i2c, exists := d.buses[bus]
	if !exists {
		return nil, errors.New("I2C bus not configured")
	}
	return i2c, nil
}
