//go:build rp2040

package main

import (
	"device/rp"
	"errors"

	"machine"

	"goflight/core"
)

// RPADCDriver implements core.ADCDriver over machine.ADC. Channels 0-3 are
// the muxed external inputs (GPIO26-29); channel 4 is the internal
// temperature sensor, read through the peripheral directly because the
// high-level API does not expose it.
type RPADCDriver struct {
	channels map[core.ADCChannelID]*machine.ADC
}

const adcTempChannel = 4

// NewRPADCDriver builds the driver and powers up the ADC block.
func NewRPADCDriver() *RPADCDriver {
	machine.InitADC()
	return &RPADCDriver{
		channels: make(map[core.ADCChannelID]*machine.ADC),
	}
}

// adcChannel maps a pin-enumeration index onto the AINSEL channel number.
// The dictionary publishes the analog inputs as pins 30-34, after the 30
// GPIOs, so hosts can name them in the same pin namespace.
func adcChannel(ch core.ADCChannelID) core.ADCChannelID {
	if ch >= 30 && ch <= 34 {
		return ch - 30
	}
	return ch
}

// ConfigureChannel muxes a channel's pin to analog mode. Configuring a
// channel twice is a no-op.
func (d *RPADCDriver) ConfigureChannel(ch core.ADCChannelID) error {
	ch = adcChannel(ch)
	if ch == adcTempChannel {
		rp.ADC.CS.SetBits(rp.ADC_CS_TS_EN)
		return nil
	}
	if _, ok := d.channels[ch]; ok {
		return nil
	}

	var adc machine.ADC
	switch ch {
	case 0:
		adc = machine.ADC{Pin: machine.ADC0}
	case 1:
		adc = machine.ADC{Pin: machine.ADC1}
	case 2:
		adc = machine.ADC{Pin: machine.ADC2}
	case 3:
		// GPIO29 senses VSYS through the on-board divider; this is the
		// battery channel on Pico-derived boards.
		adc = machine.ADC{Pin: machine.ADC3}
	default:
		return errors.New("unsupported ADC channel")
	}

	if err := adc.Configure(machine.ADCConfig{}); err != nil {
		return err
	}
	d.channels[ch] = &adc
	return nil
}

// ReadRaw performs a one-shot conversion and returns the 12-bit result.
func (d *RPADCDriver) ReadRaw(ch core.ADCChannelID) (core.ADCValue, error) {
	ch = adcChannel(ch)
	if ch == adcTempChannel {
		return d.readTempSensor(), nil
	}

	adc, ok := d.channels[ch]
	if !ok {
		if err := d.ConfigureChannel(ch); err != nil {
			return 0, err
		}
		adc = d.channels[ch]
	}

	// machine.ADC.Get returns a left-justified 16-bit value; the hardware
	// resolution is 12 bits and ADC_MAX is published as 4095.
	return core.ADCValue(adc.Get() >> 4), nil
}

// readTempSensor runs a one-shot conversion on the internal temperature
// channel via the peripheral registers.
func (d *RPADCDriver) readTempSensor() core.ADCValue {
	rp.ADC.CS.SetBits(rp.ADC_CS_TS_EN)
	rp.ADC.CS.ReplaceBits(adcTempChannel<<rp.ADC_CS_AINSEL_Pos, rp.ADC_CS_AINSEL_Msk, 0)
	rp.ADC.CS.SetBits(rp.ADC_CS_START_ONCE)
	for !rp.ADC.CS.HasBits(rp.ADC_CS_READY) {
	}
	return core.ADCValue(rp.ADC.RESULT.Get())
}
