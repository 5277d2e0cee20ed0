//go:build rp2040

package pio

// DSHOT600 motor output over the PIO serializer. The state machine runs a
// single "out pins, 1" instruction clocked at eight times the bit rate;
// software expands each 16-bit frame into 128 sub-bits so the waveform
// timing is fixed entirely by the PIO clock divider. ESCs treat a silent
// line as signal loss, so a repeating callout retransmits every armed
// output's current frame.

import (
	"errors"

	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"goflight/core"
)

const (
	dshotBitRate   = 600000 // DSHOT600
	dshotSubBits   = 8      // PIO cycles per wire bit
	dshotRefreshUS = 500    // frame retransmit period

	// Sub-bit patterns, MSB first. A one holds the line high for six of
	// eight sub-bits (75% duty), a zero for three (37.5%). Both end low,
	// so the serializer idles low when it stalls between frames.
	dshotOnePattern  = 0xFC
	dshotZeroPattern = 0xE0

	// Throttle codes. 0 commands motor stop and doubles as the disarm
	// state; 1-47 are reserved ESC commands; 48-2047 span the throttle
	// range.
	dshotThrottleStop = 0
	dshotThrottleMin  = 48
	dshotThrottleMax  = 2047
)

const serializerOrigin = 0

// buildSerializerProgram emits the one-instruction shifter: every cycle
// moves the next OSR sub-bit onto the pin, with autopull refilling the
// OSR from the FIFO every 32 sub-bits.
func buildSerializerProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	return []uint16{
		asm.Out(rp2pio.OutDestPins, 1).Encode(),
	}
}

// dshotFrame packs an 11-bit throttle and the telemetry request bit into
// the 16-bit wire frame, followed by the XOR checksum of its nibbles.
func dshotFrame(throttle uint16, telemetry bool) uint16 {
	value := throttle << 1
	if telemetry {
		value |= 1
	}
	crc := (value ^ (value >> 4) ^ (value >> 8)) & 0x0F
	return value<<4 | crc
}

// throttleForWidth maps the servo pulse range onto throttle codes.
// 1000 us and below command motor stop; 1000-2000 us spans 48-2047, so
// the usual ESC calibration endpoints hold.
func throttleForWidth(widthUS uint32) uint16 {
	if widthUS <= 1000 {
		return dshotThrottleStop
	}
	if widthUS >= 2000 {
		return dshotThrottleMax
	}
	return uint16(dshotThrottleMin + (widthUS-1000)*(dshotThrottleMax-dshotThrottleMin)/1000)
}

// expandFrame oversamples a frame into 128 sub-bits, MSB first, packed
// into the four FIFO words one transmission consumes.
func expandFrame(frame uint16) [4]uint32 {
	var w [4]uint32
	for i := 0; i < 16; i++ {
		pat := uint32(dshotZeroPattern)
		if frame&(uint16(1)<<(15-i)) != 0 {
			pat = uint32(dshotOnePattern)
		}
		w[i/4] |= pat << ((3 - uint(i)%4) * 8)
	}
	return w
}

// serializerClockDiv derives the divider that makes one PIO cycle equal
// one sub-bit.
func serializerClockDiv() (uint16, uint8) {
	pioHz := uint64(dshotBitRate * dshotSubBits)
	cpuHz := uint64(machine.CPUFrequency())
	divInt := uint16(cpuHz / pioHz)
	divFrac := uint8((cpuHz % pioHz) * 256 / pioHz)
	return divInt, divFrac
}

// dshotOutput is one armed motor channel. The waveform is double buffered
// so the refresh callout never transmits a half-written frame: writers
// fill the inactive buffer and flip active, readers copy the index first.
type dshotOutput struct {
	sm     rp2pio.StateMachine
	waves  [2][4]uint32
	active uint8
	ready  bool
}

func (o *dshotOutput) setFrame(frame uint16) {
	next := o.active ^ 1
	o.waves[next] = expandFrame(frame)
	o.active = next
}

// DShotDriver implements core.ServoDriver. Pins named at construction are
// driven as DSHOT motor outputs through PIO state machines; everything
// else is delegated to the fallback driver, so one board can mix ESC and
// standard RC PWM channels behind the same command surface.
type DShotDriver struct {
	fallback core.ServoDriver
	motor    map[core.ServoPin]bool
	byPin    map[core.ServoPin]*dshotOutput

	// outs is what the refresh callout iterates. Fixed-size with a count
	// so arming a new output never reallocates under the dispatch path.
	outs  [maxStateMachines]*dshotOutput
	nOuts uint8

	// serializer program offset per PIO block, -1 until loaded
	offsets [2]int16

	refresh core.Callout
	armed   bool
}

// NewDShotDriver routes motorPins to DSHOT and every other pin to
// fallback. State machines are claimed lazily as motor pins are
// configured.
func NewDShotDriver(fallback core.ServoDriver, motorPins ...core.ServoPin) *DShotDriver {
	d := &DShotDriver{
		fallback: fallback,
		motor:    make(map[core.ServoPin]bool),
		byPin:    make(map[core.ServoPin]*dshotOutput),
		offsets:  [2]int16{-1, -1},
	}
	for _, pin := range motorPins {
		d.motor[pin] = true
	}
	return d
}

// ConfigurePulse claims a state machine for a motor pin and starts the
// zero-throttle stream. periodUS is RC framing; DSHOT outputs repeat at
// the refresh rate instead, so it is accepted and ignored.
func (d *DShotDriver) ConfigurePulse(pin core.ServoPin, periodUS uint32) error {
	if !d.motor[pin] {
		if d.fallback == nil {
			return errors.New("no pulse driver for pin")
		}
		return d.fallback.ConfigurePulse(pin, periodUS)
	}
	if _, ok := d.byPin[pin]; ok {
		return nil
	}

	pioNum, smNum, ok := allocateStateMachine()
	if !ok {
		return errors.New("out of PIO state machines")
	}
	block := pioBlock(pioNum)
	sm := block.StateMachine(smNum)
	sm.TryClaim()

	offset, err := d.loadProgram(block, pioNum)
	if err != nil {
		releaseStateMachine(pioNum, smNum)
		return err
	}

	mpin := machine.Pin(pin)
	mpin.Configure(machine.PinConfig{Mode: block.PinMode()})

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetOutPins(mpin, 1)
	// Shift left so the MSB of each FIFO word hits the wire first;
	// autopull refills the OSR every full word.
	cfg.SetOutShift(false, true, 32)
	cfg.SetWrap(offset, offset)
	divInt, divFrac := serializerClockDiv()
	cfg.SetClkDivIntFrac(divInt, divFrac)

	sm.Init(offset, cfg)
	sm.SetPindirsConsecutive(mpin, 1, true)
	sm.SetPinsConsecutive(mpin, 1, false)
	sm.SetEnabled(true)

	out := &dshotOutput{sm: sm}
	out.waves[0] = expandFrame(dshotFrame(dshotThrottleStop, false))
	out.waves[1] = out.waves[0]
	out.ready = true

	d.byPin[pin] = out
	d.outs[d.nOuts] = out
	d.nOuts++

	if !d.armed {
		hrt := core.MustTimeSource()
		if err := hrt.ScheduleEvery(&d.refresh, dshotRefreshUS, dshotRefreshUS, d.refreshTick, nil); err != nil {
			return err
		}
		d.armed = true
	}
	return nil
}

// SetPulseWidth swaps in the frame for a new throttle. The wire picks it
// up on the next refresh, at most one period later.
func (d *DShotDriver) SetPulseWidth(pin core.ServoPin, widthUS uint32) error {
	if !d.motor[pin] {
		if d.fallback == nil {
			return errors.New("no pulse driver for pin")
		}
		return d.fallback.SetPulseWidth(pin, widthUS)
	}
	out, ok := d.byPin[pin]
	if !ok {
		return errors.New("pin not configured for pulse output")
	}
	out.setFrame(dshotFrame(throttleForWidth(widthUS), false))
	return nil
}

// DisablePulse drops a motor output to the stop code. The stream keeps
// running: a continuous stop stream is the disarm state, while a silent
// line would trip the ESC's own failsafe.
func (d *DShotDriver) DisablePulse(pin core.ServoPin) error {
	if !d.motor[pin] {
		if d.fallback == nil {
			return nil
		}
		return d.fallback.DisablePulse(pin)
	}
	if out, ok := d.byPin[pin]; ok {
		out.setFrame(dshotFrame(dshotThrottleStop, false))
	}
	return nil
}

func (d *DShotDriver) loadProgram(block *rp2pio.PIO, pioNum uint8) (uint8, error) {
	if d.offsets[pioNum] >= 0 {
		return uint8(d.offsets[pioNum]), nil
	}
	offset, err := block.AddProgram(buildSerializerProgram(), serializerOrigin)
	if err != nil {
		return 0, err
	}
	d.offsets[pioNum] = int16(offset)
	return offset, nil
}

// refreshTick retransmits every armed output's current frame. Runs in the
// timer dispatch path; the FIFO drained long before the next tick, so the
// full-FIFO guard only matters if a state machine stalls.
func (d *DShotDriver) refreshTick(interface{}) {
	for i := uint8(0); i < d.nOuts; i++ {
		out := d.outs[i]
		if out == nil || !out.ready {
			continue
		}
		wave := &out.waves[out.active]
		for _, w := range wave {
			if out.sm.IsTxFIFOFull() {
				break
			}
			out.sm.TxPut(w)
		}
	}
}
