package core

import (
	"errors"
	"testing"

	"goflight/protocol"
)

// decodeReading unpacks a sensor_state payload
func decodeReading(t *testing.T, args []byte) (oid, stamp uint32, x, y, z int32) {
	t.Helper()
	var err error
	if oid, err = protocol.DecodeVLQUint(&args); err != nil {
		t.Fatalf("oid decode failed: %v", err)
	}
	if stamp, err = protocol.DecodeVLQUint(&args); err != nil {
		t.Fatalf("time decode failed: %v", err)
	}
	if x, err = protocol.DecodeVLQInt(&args); err != nil {
		t.Fatalf("x decode failed: %v", err)
	}
	if y, err = protocol.DecodeVLQInt(&args); err != nil {
		t.Fatalf("y decode failed: %v", err)
	}
	if z, err = protocol.DecodeVLQInt(&args); err != nil {
		t.Fatalf("z decode failed: %v", err)
	}
	return oid, stamp, x, y, z
}

func TestRegisterSensorDriverValidation(t *testing.T) {
	newConsoleFixture(t)

	if err := RegisterSensorDriver(SensorTypeIMU, nil); err == nil {
		t.Errorf("Expected error for nil driver")
	}
	if err := RegisterSensorDriver(SensorTypeIMU, &SensorDriver{Name: "imu"}); err == nil {
		t.Errorf("Expected error for driver without sample function")
	}

	d := &SensorDriver{
		Name:   "imu",
		Sample: func() (SensorSample, error) { return SensorSample{}, nil },
	}
	if err := RegisterSensorDriver(SensorTypeIMU, d); err != nil {
		t.Fatalf("RegisterSensorDriver failed: %v", err)
	}
	if got, ok := GetSensorDriver(SensorTypeIMU); !ok || got != d {
		t.Errorf("Expected the registered driver back, got %v", got)
	}
	if err := RegisterSensorDriver(SensorTypeIMU, d); err == nil {
		t.Errorf("Expected error for duplicate type registration")
	}
}

func TestConfigSensorStartsPolling(t *testing.T) {
	f := newConsoleFixture(t)

	inits := 0
	err := RegisterSensorDriver(SensorTypeIMU, &SensorDriver{
		Name: "imu",
		Init: func() error { inits++; return nil },
		Sample: func() (SensorSample, error) {
			return SensorSample{X: 100, Y: -200, Z: 300}, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterSensorDriver failed: %v", err)
	}

	if err := f.dispatch("config_sensor", cmdArgs(5, 0, 10000)); err != nil {
		t.Fatalf("config_sensor failed: %v", err)
	}
	if inits != 1 {
		t.Errorf("Expected one driver init, got %d", inits)
	}
	s, ok := GetSensor(5)
	if !ok {
		t.Fatalf("Expected sensor 5 registered")
	}
	if s.State != SensorStatePolling {
		t.Errorf("Expected polling state, got %d", s.State)
	}
	if got := s.Callout.Deadline(); got != 10000 {
		t.Errorf("Expected first poll at 10000, got %d", got)
	}

	// The poll callback stamps the time; the task does the bus read
	f.advance(10000)
	SensorTask()

	msgs := f.sent()
	if len(msgs) != 1 || msgs[0].ID != f.messageID("sensor_state") {
		t.Fatalf("Expected one sensor_state, got %v", msgs)
	}
	oid, stamp, x, y, z := decodeReading(t, msgs[0].Args)
	if oid != 5 {
		t.Errorf("Expected oid 5, got %d", oid)
	}
	if stamp != 10000 {
		t.Errorf("Expected sample time 10000, got %d", stamp)
	}
	if x != 100 || y != -200 || z != 300 {
		t.Errorf("Expected reading (100, -200, 300), got (%d, %d, %d)", x, y, z)
	}

	if got := s.Callout.Deadline(); got != 20000 {
		t.Errorf("Expected next poll at 20000, got %d", got)
	}
}

func TestConfigSensorUnknownType(t *testing.T) {
	f := newConsoleFixture(t)

	if err := f.dispatch("config_sensor", cmdArgs(5, 9, 10000)); err == nil {
		t.Fatalf("Expected error for unregistered sensor type")
	}

	s, ok := GetSensor(5)
	if !ok {
		t.Fatalf("Expected sensor object created before the type check")
	}
	if s.State != SensorStateIdle {
		t.Errorf("Expected sensor left idle, got state %d", s.State)
	}
	if s.Callout.Scheduled() {
		t.Errorf("Expected no polling scheduled")
	}
}

func TestConfigSensorInitRunsOnce(t *testing.T) {
	f := newConsoleFixture(t)

	inits := 0
	RegisterSensorDriver(SensorTypeGyro, &SensorDriver{
		Name: "gyro",
		Init: func() error { inits++; return nil },
		Sample: func() (SensorSample, error) {
			return SensorSample{}, nil
		},
	})

	f.dispatch("config_sensor", cmdArgs(1, 1, 5000))
	f.dispatch("config_sensor", cmdArgs(2, 1, 7000))

	if inits != 1 {
		t.Errorf("Expected device bring-up once across instances, got %d", inits)
	}
	for _, oid := range []uint8{1, 2} {
		s, ok := GetSensor(oid)
		if !ok || s.State != SensorStatePolling {
			t.Errorf("Expected sensor %d polling", oid)
		}
	}
}

func TestConfigSensorPeriodZeroIdles(t *testing.T) {
	f := newConsoleFixture(t)

	RegisterSensorDriver(SensorTypeIMU, &SensorDriver{
		Name: "imu",
		Sample: func() (SensorSample, error) {
			return SensorSample{X: 1}, nil
		},
	})
	f.dispatch("config_sensor", cmdArgs(5, 0, 10000))

	// Re-configure with period zero stops the cadence
	if err := f.dispatch("config_sensor", cmdArgs(5, 0, 0)); err != nil {
		t.Fatalf("config_sensor failed: %v", err)
	}

	s, _ := GetSensor(5)
	if s.State != SensorStateIdle {
		t.Errorf("Expected idle state, got %d", s.State)
	}
	if s.Callout.Scheduled() {
		t.Errorf("Expected polling cancelled")
	}

	f.advance(50000)
	SensorTask()
	if msgs := f.sent(); len(msgs) != 0 {
		t.Errorf("Expected no reports after stop, got %d messages", len(msgs))
	}
}

func TestSensorReadFaultKeepsPolling(t *testing.T) {
	f := newConsoleFixture(t)

	failing := true
	RegisterSensorDriver(SensorTypeBaro, &SensorDriver{
		Name: "baro",
		Sample: func() (SensorSample, error) {
			if failing {
				return SensorSample{}, errors.New("bus timeout")
			}
			return SensorSample{X: 101325, Y: 2150}, nil
		},
	})
	f.dispatch("config_sensor", cmdArgs(3, 2, 1000))

	// A failed read produces no report but does not stop the cadence
	f.advance(1000)
	SensorTask()
	if msgs := f.sent(); len(msgs) != 0 {
		t.Errorf("Expected no report on a failed read, got %d messages", len(msgs))
	}
	s, _ := GetSensor(3)
	if s.FaultCount != 1 {
		t.Errorf("Expected one recorded fault, got %d", s.FaultCount)
	}
	if got := s.Callout.Deadline(); got != 2000 {
		t.Errorf("Expected polling to continue at 2000, got %d", got)
	}

	// The next good read reports and clears the fault count
	failing = false
	f.advance(2000)
	SensorTask()
	msgs := f.sent()
	if len(msgs) != 1 {
		t.Fatalf("Expected one report after recovery, got %d messages", len(msgs))
	}
	_, stamp, x, y, _ := decodeReading(t, msgs[0].Args)
	if stamp != 2000 || x != 101325 || y != 2150 {
		t.Errorf("Unexpected recovered reading: time=%d x=%d y=%d", stamp, x, y)
	}
	if s.FaultCount != 0 {
		t.Errorf("Expected fault count cleared, got %d", s.FaultCount)
	}
}

func TestShutdownStopsSensorPolling(t *testing.T) {
	f := newConsoleFixture(t)

	RegisterSensorDriver(SensorTypeIMU, &SensorDriver{
		Name: "imu",
		Sample: func() (SensorSample, error) {
			return SensorSample{X: 1}, nil
		},
	})
	f.dispatch("config_sensor", cmdArgs(5, 0, 10000))

	f.advance(10000)
	SensorTask()
	if msgs := f.sent(); len(msgs) != 1 {
		t.Fatalf("Expected one report before shutdown, got %d messages", len(msgs))
	}

	TryShutdown("emergency stop")

	s, _ := GetSensor(5)
	if s.State != SensorStateIdle {
		t.Errorf("Expected sensor idled by shutdown, got state %d", s.State)
	}
	if s.Callout.Period != 0 {
		t.Errorf("Expected repeat period cleared, got %d", s.Callout.Period)
	}
	if s.Callout.Scheduled() {
		t.Errorf("Expected polling cancelled by shutdown")
	}

	f.advance(50000)
	SensorTask()
	if msgs := f.sent(); len(msgs) != 0 {
		t.Errorf("Expected no reports after shutdown, got %d messages", len(msgs))
	}
}
