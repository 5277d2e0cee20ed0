package core

import "testing"

func TestConfigFailsafeArms(t *testing.T) {
	f := newConsoleFixture(t)

	if err := f.dispatch("config_failsafe", cmdArgs(0, 1000)); err != nil {
		t.Fatalf("config_failsafe failed: %v", err)
	}

	fs, ok := GetFailsafe(0)
	if !ok {
		t.Fatalf("Expected watchdog 0 registered")
	}
	if fs.Flags&FSF_ARMED == 0 {
		t.Errorf("Expected watchdog armed")
	}
	if fs.Flags&FSF_ENGAGED != 0 {
		t.Errorf("Expected watchdog not engaged")
	}
	if got := fs.Callout.Deadline(); got != 1000 {
		t.Errorf("Expected expiry at 1000, got %d", got)
	}
}

func TestHeartbeatPushesDeadlineOut(t *testing.T) {
	f := newConsoleFixture(t)
	f.dispatch("config_failsafe", cmdArgs(0, 1000))

	f.drv.counter = 600
	if err := f.dispatch("heartbeat", cmdArgs(0)); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	// The heartbeat answers with the current state
	msgs := f.sent()
	if len(msgs) != 1 || msgs[0].ID != f.messageID("failsafe_state") {
		t.Fatalf("Expected a failsafe_state reply, got %v", msgs)
	}
	vals := f.decodeUints(msgs[0].Args, 2)
	if vals[0] != 0 || vals[1] != 0 {
		t.Errorf("Expected oid 0 engaged 0, got oid %d engaged %d", vals[0], vals[1])
	}

	// Old expiry time passes without engaging
	f.advance(1100)
	fs, _ := GetFailsafe(0)
	if fs.Flags&FSF_ENGAGED != 0 {
		t.Fatalf("Expected heartbeat to push the expiry out")
	}
	if got := fs.Callout.Deadline(); got != 1600 {
		t.Errorf("Expected expiry moved to 1600, got %d", got)
	}
}

func TestExpiryEngagesAndNeutralizesServos(t *testing.T) {
	f := newConsoleFixture(t)
	drv := newFakeServoDriver()
	SetServoDriver(drv)
	f.dispatch("config_servo", cmdArgs(0, 4))
	f.dispatch("servo_set", cmdArgs(0, 2100))
	f.dispatch("config_failsafe", cmdArgs(1, 1000))

	f.advance(1100)

	fs, _ := GetFailsafe(1)
	if fs.Flags&FSF_ENGAGED == 0 {
		t.Fatalf("Expected watchdog engaged after the timeout")
	}
	if got := drv.lastWidth(4); got != ServoWidthNeutral {
		t.Errorf("Expected servo driven to neutral, got %d", got)
	}

	FailsafeTask()
	msgs := f.sent()
	if len(msgs) != 1 || msgs[0].ID != f.messageID("failsafe_state") {
		t.Fatalf("Expected one engage report, got %v", msgs)
	}
	vals := f.decodeUints(msgs[0].Args, 2)
	if vals[0] != 1 || vals[1] != 1 {
		t.Errorf("Expected oid 1 engaged 1, got oid %d engaged %d", vals[0], vals[1])
	}

	// No duplicate report on the next task run
	FailsafeTask()
	if msgs := f.sent(); len(msgs) != 0 {
		t.Errorf("Expected no duplicate engage report, got %d messages", len(msgs))
	}
}

func TestEngagedWatchdogIgnoresHeartbeats(t *testing.T) {
	f := newConsoleFixture(t)
	f.dispatch("config_failsafe", cmdArgs(0, 1000))
	f.advance(1100)
	FailsafeTask()
	f.sent()

	f.drv.counter = 2000
	if err := f.dispatch("heartbeat", cmdArgs(0)); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	fs, _ := GetFailsafe(0)
	if fs.Callout.Scheduled() {
		t.Errorf("Expected no re-arm from a heartbeat while engaged")
	}
	msgs := f.sent()
	if len(msgs) != 1 {
		t.Fatalf("Expected a state reply, got %d messages", len(msgs))
	}
	vals := f.decodeUints(msgs[0].Args, 2)
	if vals[1] != 1 {
		t.Errorf("Expected reply to show engaged, got %d", vals[1])
	}
}

func TestReconfigClearsEngagedState(t *testing.T) {
	f := newConsoleFixture(t)
	f.dispatch("config_failsafe", cmdArgs(0, 1000))
	f.advance(1100)

	if err := f.dispatch("config_failsafe", cmdArgs(0, 2000)); err != nil {
		t.Fatalf("config_failsafe failed: %v", err)
	}

	fs, _ := GetFailsafe(0)
	if fs.Flags != FSF_ARMED {
		t.Errorf("Expected reconfig to leave only the armed flag, got %#x", fs.Flags)
	}
	if !fs.Callout.Scheduled() {
		t.Errorf("Expected reconfig to schedule a fresh expiry")
	}
}

func TestOnlyExpiredWatchdogReports(t *testing.T) {
	f := newConsoleFixture(t)
	f.dispatch("config_failsafe", cmdArgs(0, 500))
	f.dispatch("config_failsafe", cmdArgs(1, 10000))

	f.advance(600)
	FailsafeTask()

	msgs := f.sent()
	if len(msgs) != 1 {
		t.Fatalf("Expected exactly one engage report, got %d messages", len(msgs))
	}
	vals := f.decodeUints(msgs[0].Args, 2)
	if vals[0] != 0 {
		t.Errorf("Expected the report for watchdog 0, got oid %d", vals[0])
	}

	second, _ := GetFailsafe(1)
	if second.Flags&FSF_ENGAGED != 0 {
		t.Errorf("Expected watchdog 1 still running")
	}
}

func TestShutdownStopsWatchdogs(t *testing.T) {
	f := newConsoleFixture(t)
	f.dispatch("config_failsafe", cmdArgs(0, 1000))

	TryShutdown("test stop")

	fs, _ := GetFailsafe(0)
	if fs.Flags&FSF_ARMED != 0 {
		t.Errorf("Expected watchdog disarmed by shutdown")
	}
	if fs.Callout.Scheduled() {
		t.Errorf("Expected expiry callout cancelled by shutdown")
	}

	// A disarmed watchdog's stale expiry does not engage
	f.advance(2000)
	if fs.Flags&FSF_ENGAGED != 0 {
		t.Errorf("Expected no engage after shutdown")
	}
}
