//go:build rp2040

package main

import (
	"machine"

	"goflight/core"
)

// pwmSlice abstracts TinyGo's unexported pwmGroup type so the eight slice
// globals can sit behind one map.
type pwmSlice interface {
	Configure(config machine.PWMConfig) error
	Channel(pin machine.Pin) (uint8, error)
	Top() uint32
	Set(channel uint8, value uint32)
}

// RPServoDriver implements core.ServoDriver over the PWM slices. GPIO pin
// N lands on slice (N>>1)&7, channel A for even pins and B for odd. Both
// channels of a slice share its frame period; every RC output here runs
// the same 50 Hz frame, so the sharing never bites.
type RPServoDriver struct {
	slices  map[uint8]pwmSlice
	periods map[uint8]uint64 // frame period per slice, nanoseconds
	outputs map[core.ServoPin]servoOutput
}

type servoOutput struct {
	slice   uint8
	channel uint8
}

// NewRPServoDriver builds the driver with no outputs claimed.
func NewRPServoDriver() *RPServoDriver {
	return &RPServoDriver{
		slices:  make(map[uint8]pwmSlice),
		periods: make(map[uint8]uint64),
		outputs: make(map[core.ServoPin]servoOutput),
	}
}

// ConfigurePulse claims a pin for frame-based pulse output at the given
// frame period.
func (d *RPServoDriver) ConfigurePulse(pin core.ServoPin, periodUS uint32) error {
	sliceNum := uint8((uint32(pin) >> 1) & 0x7)
	pwm, ok := d.slices[sliceNum]
	if !ok {
		pwm = pwmSliceByNumber(sliceNum)
		d.slices[sliceNum] = pwm
	}

	periodNS := uint64(periodUS) * 1000
	if configured, ok := d.periods[sliceNum]; !ok || configured != periodNS {
		if err := pwm.Configure(machine.PWMConfig{Period: periodNS}); err != nil {
			return err
		}
		d.periods[sliceNum] = periodNS
	}

	channel, err := pwm.Channel(machine.Pin(pin))
	if err != nil {
		return err
	}
	d.outputs[pin] = servoOutput{slice: sliceNum, channel: channel}
	return nil
}

// SetPulseWidth drives the pulse high time on a configured pin. Unknown
// pins are ignored.
func (d *RPServoDriver) SetPulseWidth(pin core.ServoPin, widthUS uint32) error {
	out, ok := d.outputs[pin]
	if !ok {
		return nil
	}
	periodNS := d.periods[out.slice]
	if periodNS == 0 {
		return nil
	}
	pwm := d.slices[out.slice]
	duty := uint32(uint64(widthUS) * 1000 * uint64(pwm.Top()) / periodNS)
	pwm.Set(out.channel, duty)
	return nil
}

// DisablePulse stops driving a pin. The slice keeps running for its other
// channel; a zero compare level holds the pin low, which reads as "no
// pulse" to anything listening for servo framing.
func (d *RPServoDriver) DisablePulse(pin core.ServoPin) error {
	out, ok := d.outputs[pin]
	if !ok {
		return nil
	}
	d.slices[out.slice].Set(out.channel, 0)
	delete(d.outputs, pin)
	return nil
}

// pwmSliceByNumber maps a slice number onto the machine package's slice
// globals.
func pwmSliceByNumber(sliceNum uint8) pwmSlice {
	switch sliceNum {
	case 0:
		return machine.PWM0
	case 1:
		return machine.PWM1
	case 2:
		return machine.PWM2
	case 3:
		return machine.PWM3
	case 4:
		return machine.PWM4
	case 5:
		return machine.PWM5
	case 6:
		return machine.PWM6
	default:
		return machine.PWM7
	}
}
