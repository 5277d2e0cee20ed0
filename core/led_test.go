package core

import "testing"

// fakeGPIODriver records pin configuration and every level written
type fakeGPIODriver struct {
	outputs []GPIOPin
	sets    map[GPIOPin][]bool
}

func (d *fakeGPIODriver) ConfigureOutput(pin GPIOPin) error {
	d.outputs = append(d.outputs, pin)
	return nil
}

func (d *fakeGPIODriver) ConfigureInput(pin GPIOPin, pull PinPull) error { return nil }

func (d *fakeGPIODriver) SetPin(pin GPIOPin, value bool) error {
	if d.sets == nil {
		d.sets = make(map[GPIOPin][]bool)
	}
	d.sets[pin] = append(d.sets[pin], value)
	return nil
}

func (d *fakeGPIODriver) GetPin(pin GPIOPin) (bool, error) {
	edges := d.sets[pin]
	if len(edges) == 0 {
		return false, nil
	}
	return edges[len(edges)-1], nil
}

func TestInitStatusLEDStartsBootHeartbeat(t *testing.T) {
	f := newConsoleFixture(t)
	drv := &fakeGPIODriver{}
	SetGPIODriver(drv)

	if err := InitStatusLED(25); err != nil {
		t.Fatalf("InitStatusLED failed: %v", err)
	}
	if len(drv.outputs) != 1 || drv.outputs[0] != 25 {
		t.Errorf("Expected pin 25 configured as output, got %v", drv.outputs)
	}
	if statusLED.Pattern != LEDPatternBoot {
		t.Errorf("Expected boot pattern, got %d", statusLED.Pattern)
	}
	if got := statusLED.Callout.Deadline(); got != 50000 {
		t.Errorf("Expected first tick at 50000, got %d", got)
	}

	// Heartbeat holds the pin for ten ticks per half period, so twenty
	// ticks produce exactly on, off, on
	for i := uint32(1); i <= 20; i++ {
		f.advance(i * 50000)
	}
	edges := drv.sets[25]
	want := []bool{true, false, true}
	if len(edges) != len(want) {
		t.Fatalf("Expected %d pin writes, got %v", len(want), edges)
	}
	for i := range want {
		if edges[i] != want[i] {
			t.Errorf("Pin write %d: expected %v, got %v", i, want[i], edges[i])
		}
	}
}

func TestArmedPatternHoldsSolid(t *testing.T) {
	f := newConsoleFixture(t)
	drv := &fakeGPIODriver{}
	SetGPIODriver(drv)
	if err := InitStatusLED(25); err != nil {
		t.Fatalf("InitStatusLED failed: %v", err)
	}

	LEDSignalArmed()
	for i := uint32(1); i <= 8; i++ {
		f.advance(i * 50000)
	}

	edges := drv.sets[25]
	if len(edges) != 1 || !edges[0] {
		t.Errorf("Expected a single on edge for the solid pattern, got %v", edges)
	}
}

func TestAlertPatternFlashes(t *testing.T) {
	f := newConsoleFixture(t)
	drv := &fakeGPIODriver{}
	SetGPIODriver(drv)
	if err := InitStatusLED(25); err != nil {
		t.Fatalf("InitStatusLED failed: %v", err)
	}

	LEDSignalFailsafe()
	for i := uint32(1); i <= 4; i++ {
		f.advance(i * 50000)
	}

	edges := drv.sets[25]
	want := []bool{true, false, true}
	if len(edges) != len(want) {
		t.Fatalf("Expected %d pin writes, got %v", len(want), edges)
	}
	for i := range want {
		if edges[i] != want[i] {
			t.Errorf("Pin write %d: expected %v, got %v", i, want[i], edges[i])
		}
	}
}

func TestLEDKeepsBlinkingAfterShutdown(t *testing.T) {
	f := newConsoleFixture(t)
	drv := &fakeGPIODriver{}
	SetGPIODriver(drv)
	if err := InitStatusLED(25); err != nil {
		t.Fatalf("InitStatusLED failed: %v", err)
	}
	f.advance(50000)

	TryShutdown("emergency stop")

	if statusLED.Pattern != LEDPatternAlert {
		t.Errorf("Expected alert pattern after shutdown, got %d", statusLED.Pattern)
	}
	if !statusLED.Callout.Scheduled() {
		t.Fatalf("Expected the blink callout to survive shutdown")
	}

	// The diagnostic flash keeps toggling
	before := len(drv.sets[25])
	f.advance(100000)
	f.advance(150000)
	if got := len(drv.sets[25]); got != before+2 {
		t.Errorf("Expected two more pin writes after shutdown, got %d", got-before)
	}
}
