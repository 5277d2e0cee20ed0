// Status LED patterns
// One GPIO LED shows the firmware state: slow heartbeat blink while
// disarmed, solid when a failsafe watchdog is armed, fast flash once a
// failsafe engages or the firmware shuts down. Driven by a periodic
// callout; the blink keeps running through shutdown as a diagnostic.
package core

// LEDPattern selects a blink pattern
type LEDPattern uint8

const (
	LEDPatternOff   LEDPattern = 0
	LEDPatternBoot  LEDPattern = 1 // 1 Hz heartbeat
	LEDPatternArmed LEDPattern = 2 // solid on
	LEDPatternAlert LEDPattern = 3 // 10 Hz flash
)

// ledTickPeriod is the blink timer resolution in microseconds
const ledTickPeriod = 50000

// StatusLED drives one indicator pin from a periodic callout
type StatusLED struct {
	Pin     GPIOPin
	Pattern LEDPattern
	Callout Callout

	phase uint8
	lit   bool
}

// The board has a single status LED
var statusLED *StatusLED

// InitStatusLED configures the indicator pin and starts the blink callout
// in the boot pattern. Called from target main after the time source is up.
func InitStatusLED(pin GPIOPin) error {
	if err := MustGPIO().ConfigureOutput(pin); err != nil {
		return err
	}

	led := &StatusLED{Pin: pin, Pattern: LEDPatternBoot}
	statusLED = led
	return MustTimeSource().ScheduleEvery(&led.Callout, ledTickPeriod, ledTickPeriod, ledTickEvent, led)
}

// SetLEDPattern switches the blink pattern. Safe from any context; the
// next tick applies it.
func SetLEDPattern(p LEDPattern) {
	if statusLED == nil {
		return
	}
	statusLED.Pattern = p
	statusLED.phase = 0
}

// LEDSignalArmed shows the armed pattern
func LEDSignalArmed() {
	SetLEDPattern(LEDPatternArmed)
}

// LEDSignalFailsafe shows the alert pattern
func LEDSignalFailsafe() {
	SetLEDPattern(LEDPatternAlert)
}

// LEDSignalShutdown shows the alert pattern
func LEDSignalShutdown() {
	SetLEDPattern(LEDPatternAlert)
}

// ledTickEvent advances the blink state machine one tick and re-arms
func ledTickEvent(arg interface{}) {
	led, ok := arg.(*StatusLED)
	if !ok {
		return
	}

	led.phase++
	want := false
	switch led.Pattern {
	case LEDPatternBoot:
		want = (led.phase/10)%2 == 0
	case LEDPatternArmed:
		want = true
	case LEDPatternAlert:
		want = led.phase%2 == 0
	}

	if want != led.lit {
		led.lit = want
		_ = MustGPIO().SetPin(led.Pin, want)
	}

	_ = MustTimeSource().ScheduleAfter(&led.Callout, led.Callout.Period, ledTickEvent, led)
}
