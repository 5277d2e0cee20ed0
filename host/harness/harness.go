// Package harness runs preflight checks against a live controller. Each
// check exercises one console surface: the clock, the callout scheduler,
// the latency accounting, the safety paths. A board that passes is ready
// for flight-stack bringup.
package harness

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"goflight/host/fc"
)

// Object IDs the harness claims for its test objects.
const (
	oidProbeA   = 0
	oidProbeB   = 1
	oidFailsafe = 2
	oidBattery  = 3
	oidServo    = 4
	oidSpace    = 5
)

// Config selects checks and sets their timing parameters.
type Config struct {
	Device string `json:"device"`
	Baud   int    `json:"baud"`

	// Checks to run, in order; empty means every standard check.
	// Optional checks (those needing wiring beyond the bare board) run
	// only when named here.
	Checks []string `json:"checks"`

	CalloutDelayUS    uint32 `json:"callout_delay_us"`
	PeriodUS          uint32 `json:"period_us"`
	PeriodCount       int    `json:"period_count"`
	FailsafeTimeoutUS uint32 `json:"failsafe_timeout_us"`
	BatteryPin        string `json:"battery_pin"`
	ServoPin          string `json:"servo_pin"`
	I2CBus            uint8  `json:"i2c_bus"`
}

func (c *Config) applyDefaults() {
	if c.Device == "" {
		c.Device = "/dev/ttyACM0"
	}
	if c.Baud == 0 {
		c.Baud = 250000
	}
	if c.CalloutDelayUS == 0 {
		c.CalloutDelayUS = 100000
	}
	if c.PeriodUS == 0 {
		c.PeriodUS = 50000
	}
	if c.PeriodCount == 0 {
		c.PeriodCount = 6
	}
	if c.FailsafeTimeoutUS == 0 {
		c.FailsafeTimeoutUS = 300000
	}
	if c.BatteryPin == "" {
		c.BatteryPin = "ADC0"
	}
	if c.ServoPin == "" {
		c.ServoPin = "gpio2"
	}
}

// LoadConfig reads a JSON config file. An empty path yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Result is the outcome of one check.
type Result struct {
	Name    string
	Passed  bool
	Err     error
	Details string
	Elapsed time.Duration
}

type checkFn func(*Runner) (string, error)

type check struct {
	name     string
	optional bool
	fn       checkFn
}

// The standard set runs in this order so that checks with background
// activity (failsafe, battery) come after the ones that read the
// latency and trace state.
var checks = []check{
	{"config_lifecycle", false, (*Runner).checkConfigLifecycle},
	{"time_monotonic", false, (*Runner).checkTimeMonotonic},
	{"callout_after", false, (*Runner).checkCalloutAfter},
	{"callout_ordering", false, (*Runner).checkCalloutOrdering},
	{"callout_every", false, (*Runner).checkCalloutEvery},
	{"callout_cancel", false, (*Runner).checkCalloutCancel},
	{"latency_histogram", false, (*Runner).checkLatencyHistogram},
	{"status_counters", false, (*Runner).checkStatusCounters},
	{"trace_ring", false, (*Runner).checkTraceRing},
	{"failsafe_engage", false, (*Runner).checkFailsafeEngage},
	{"battery_sample", false, (*Runner).checkBatterySample},
	{"i2c_scan", true, (*Runner).checkI2CScan},
	{"servo_smoke", true, (*Runner).checkServoSmoke},
}

// CheckNames lists every known check, optional ones marked.
func CheckNames() []string {
	names := make([]string, 0, len(checks))
	for _, ck := range checks {
		name := ck.name
		if ck.optional {
			name += " (optional)"
		}
		names = append(names, name)
	}
	return names
}

// Runner drives a check sequence against one controller.
type Runner struct {
	client *fc.Client
	cfg    *Config
	log    *zap.Logger
}

// New builds a runner around a connected client.
func New(client *fc.Client, cfg *Config, log *zap.Logger) *Runner {
	return &Runner{client: client, cfg: cfg, log: log}
}

// Run executes the selected checks and returns their results. A check
// failure does not stop the sequence; a session-level problem does.
func (r *Runner) Run() ([]Result, error) {
	selected, err := r.selectChecks()
	if err != nil {
		return nil, err
	}

	if err := r.prepare(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(selected))
	for _, ck := range selected {
		r.log.Info("running check", zap.String("check", ck.name))
		r.drainEvents()

		start := time.Now()
		details, err := ck.fn(r)
		res := Result{
			Name:    ck.name,
			Passed:  err == nil,
			Err:     err,
			Details: details,
			Elapsed: time.Since(start),
		}

		if res.Passed {
			r.log.Info("check passed",
				zap.String("check", ck.name),
				zap.Duration("elapsed", res.Elapsed),
				zap.String("details", res.Details))
		} else {
			r.log.Error("check failed",
				zap.String("check", ck.name),
				zap.Duration("elapsed", res.Elapsed),
				zap.Error(res.Err))
		}

		results = append(results, res)
	}

	return results, nil
}

func (r *Runner) selectChecks() ([]check, error) {
	if len(r.cfg.Checks) == 0 {
		var out []check
		for _, ck := range checks {
			if !ck.optional {
				out = append(out, ck)
			}
		}
		return out, nil
	}

	byName := make(map[string]check, len(checks))
	for _, ck := range checks {
		byName[ck.name] = ck
	}

	out := make([]check, 0, len(r.cfg.Checks))
	for _, name := range r.cfg.Checks {
		ck, ok := byName[name]
		if !ok {
			return nil, errors.Errorf("unknown check %q", name)
		}
		out = append(out, ck)
	}
	return out, nil
}

// prepare establishes a clean session: the controller must not be in
// shutdown, and the harness claims its OID space.
func (r *Runner) prepare() error {
	cs, err := r.client.GetConfig()
	if err != nil {
		return errors.Wrap(err, "read config state")
	}
	if cs.Shutdown {
		return errors.New("controller reports shutdown state; send reset and rerun")
	}

	if err := r.client.ConfigReset(); err != nil {
		return errors.Wrap(err, "config_reset")
	}
	if err := r.client.AllocateOIDs(oidSpace); err != nil {
		return errors.Wrap(err, "allocate_oids")
	}
	return nil
}

// drainEvents empties the async queue so a check starts clean.
func (r *Runner) drainEvents() {
	for {
		select {
		case <-r.client.Events():
		default:
			return
		}
	}
}

// waitEvent pulls from the event stream until match accepts one. An
// unexpected shutdown report fails the wait immediately.
func (r *Runner) waitEvent(match func(*fc.Event) bool, timeout time.Duration) (*fc.Event, error) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-r.client.Events():
			if match(ev) {
				return ev, nil
			}
			if ev.Name == "shutdown" {
				return nil, errors.Errorf("controller shut down: %s", ev.Data)
			}
		case <-deadline:
			return nil, errors.Errorf("no matching event within %v", timeout)
		}
	}
}

func eventOID(name string, oid uint8) func(*fc.Event) bool {
	return func(ev *fc.Event) bool {
		return ev.Name == name && uint8(ev.Uint32("oid")) == oid
	}
}

// WriteReport prints a text summary and reports whether every check
// passed.
func WriteReport(w io.Writer, results []Result) bool {
	passed := 0
	for _, res := range results {
		status := "FAIL"
		line := ""
		if res.Passed {
			status = "PASS"
			passed++
			line = res.Details
		} else {
			line = res.Err.Error()
		}
		fmt.Fprintf(w, "%-20s %s  %8v  %s\n",
			res.Name, status, res.Elapsed.Round(time.Millisecond), line)
	}

	fmt.Fprintf(w, "\n%d/%d checks passed\n", passed, len(results))
	return passed == len(results)
}
