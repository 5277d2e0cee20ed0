//go:build rp2040

package main

import (
	"machine"

	"goflight/core"
)

// RPGPIODriver implements core.GPIODriver over machine.Pin. GPIO numbers
// map one to one onto machine pins on this part.
type RPGPIODriver struct {
	configured map[core.GPIOPin]machine.Pin
}

// NewRPGPIODriver builds the driver with no pins claimed.
func NewRPGPIODriver() *RPGPIODriver {
	return &RPGPIODriver{
		configured: make(map[core.GPIOPin]machine.Pin),
	}
}

// ConfigureOutput claims a pin as a push-pull output. Re-configuring an
// already claimed pin is a no-op.
func (d *RPGPIODriver) ConfigureOutput(pin core.GPIOPin) error {
	if _, exists := d.configured[pin]; exists {
		return nil
	}
	mp := machine.Pin(pin)
	mp.Configure(machine.PinConfig{Mode: machine.PinOutput})
	d.configured[pin] = mp
	return nil
}

// ConfigureInput claims a pin as an input with the requested bias.
func (d *RPGPIODriver) ConfigureInput(pin core.GPIOPin, pull core.PinPull) error {
	if _, exists := d.configured[pin]; exists {
		return nil
	}
	mode := machine.PinInput
	switch pull {
	case core.PullUp:
		mode = machine.PinInputPullup
	case core.PullDown:
		mode = machine.PinInputPulldown
	}
	mp := machine.Pin(pin)
	mp.Configure(machine.PinConfig{Mode: mode})
	d.configured[pin] = mp
	return nil
}

// SetPin drives an output level, claiming the pin as an output first if
// nothing configured it yet.
func (d *RPGPIODriver) SetPin(pin core.GPIOPin, value bool) error {
	mp, exists := d.configured[pin]
	if !exists {
		if err := d.ConfigureOutput(pin); err != nil {
			return err
		}
		mp = d.configured[pin]
	}
	mp.Set(value)
	return nil
}

// GetPin reads the current pin level. Unconfigured pins read low.
func (d *RPGPIODriver) GetPin(pin core.GPIOPin) (bool, error) {
	mp, exists := d.configured[pin]
	if !exists {
		return false, nil
	}
	return mp.Get(), nil
}
