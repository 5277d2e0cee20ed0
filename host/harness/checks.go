package harness

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"goflight/host/fc"
)

// checkConfigLifecycle walks the configuration state machine: reset,
// allocate, finalize, and verifies the state readback at each step.
func (r *Runner) checkConfigLifecycle() (string, error) {
	cs, err := r.client.GetConfig()
	if err != nil {
		return "", err
	}
	if cs.Configured {
		return "", errors.Errorf("configured after config_reset (crc=0x%08X)", cs.CRC)
	}
	if cs.OIDCount != oidSpace {
		return "", errors.Errorf("oid_count = %d, expected %d", cs.OIDCount, oidSpace)
	}

	const crc = 0x1A2B3C4D
	if err := r.client.FinalizeConfig(crc); err != nil {
		return "", err
	}

	cs, err = r.client.GetConfig()
	if err != nil {
		return "", err
	}
	if !cs.Configured || cs.CRC != crc {
		return "", errors.Errorf("after finalize: is_config=%v crc=0x%08X, expected crc=0x%08X",
			cs.Configured, cs.CRC, crc)
	}

	return fmt.Sprintf("crc=0x%08X oid_count=%d", cs.CRC, cs.OIDCount), nil
}

// checkTimeMonotonic reads the clock repeatedly: it must never move
// backwards and must advance at roughly wall-clock rate.
func (r *Runner) checkTimeMonotonic() (string, error) {
	first, err := r.client.GetTime()
	if err != nil {
		return "", err
	}
	hostStart := time.Now()

	prev := first
	for i := 0; i < 20; i++ {
		time.Sleep(10 * time.Millisecond)

		now, err := r.client.GetTime()
		if err != nil {
			return "", err
		}
		if now <= prev {
			return "", errors.Errorf("clock went backwards: %d then %d", prev, now)
		}
		prev = now
	}

	deviceElapsed := prev - first
	hostElapsed := uint64(time.Since(hostStart).Microseconds())
	if hostElapsed == 0 {
		return "", errors.New("host clock did not advance")
	}

	// USB turnaround makes this a coarse bound; it still catches a
	// misconfigured tick frequency, which is off by powers of ten.
	ratio := float64(deviceElapsed) / float64(hostElapsed)
	if ratio < 0.5 || ratio > 1.5 {
		return "", errors.Errorf("clock rate off: device advanced %dus in %dus host time", deviceElapsed, hostElapsed)
	}

	return fmt.Sprintf("advanced %dus over %dus host time", deviceElapsed, hostElapsed), nil
}

// checkCalloutAfter schedules a one-shot and waits for its fire report.
func (r *Runner) checkCalloutAfter() (string, error) {
	if err := r.client.ConfigCallout(oidProbeA); err != nil {
		return "", err
	}
	r.drainEvents()

	delay := r.cfg.CalloutDelayUS
	delayDur := time.Duration(delay) * time.Microsecond

	sent := time.Now()
	if err := r.client.CalloutAfter(oidProbeA, delay); err != nil {
		return "", err
	}

	ev, err := r.waitEvent(eventOID("callout_fired", oidProbeA), delayDur+2*time.Second)
	if err != nil {
		return "", errors.Wrap(err, "probe never fired")
	}
	elapsed := time.Since(sent)

	if count := ev.Uint32("count"); count != 1 {
		return "", errors.Errorf("fire count = %d, expected 1", count)
	}
	if elapsed < delayDur/2 {
		return "", errors.Errorf("fired after %v, far under the %v delay", elapsed, delayDur)
	}

	return fmt.Sprintf("fired after %v (asked %v), device latency %dus",
		elapsed.Round(time.Millisecond), delayDur, ev.Uint32("lat")), nil
}

// checkCalloutOrdering schedules the later deadline first and verifies
// the earlier one still fires first.
func (r *Runner) checkCalloutOrdering() (string, error) {
	if err := r.client.ConfigCallout(oidProbeA); err != nil {
		return "", err
	}
	if err := r.client.ConfigCallout(oidProbeB); err != nil {
		return "", err
	}
	r.drainEvents()

	delay := r.cfg.CalloutDelayUS
	if err := r.client.CalloutAfter(oidProbeB, 2*delay); err != nil {
		return "", err
	}
	if err := r.client.CalloutAfter(oidProbeA, delay); err != nil {
		return "", err
	}

	window := time.Duration(2*delay)*time.Microsecond + 2*time.Second
	anyFire := func(ev *fc.Event) bool { return ev.Name == "callout_fired" }

	first, err := r.waitEvent(anyFire, window)
	if err != nil {
		return "", err
	}
	second, err := r.waitEvent(anyFire, window)
	if err != nil {
		return "", err
	}

	if uint8(first.Uint32("oid")) != oidProbeA || uint8(second.Uint32("oid")) != oidProbeB {
		return "", errors.Errorf("fired out of deadline order: oid %d then oid %d",
			first.Uint32("oid"), second.Uint32("oid"))
	}

	return fmt.Sprintf("deadlines %v and %v fired in deadline order",
		time.Duration(delay)*time.Microsecond, time.Duration(2*delay)*time.Microsecond), nil
}

// checkCalloutEvery arms a periodic probe and verifies the cumulative
// fire count tracks the period. Reports carry the cumulative count, so
// coalesced reports on a busy link do not skew the result.
func (r *Runner) checkCalloutEvery() (string, error) {
	if err := r.client.ConfigCallout(oidProbeA); err != nil {
		return "", err
	}
	r.drainEvents()

	period := time.Duration(r.cfg.PeriodUS) * time.Microsecond
	n := uint32(r.cfg.PeriodCount)
	window := time.Duration(r.cfg.PeriodCount)*period + time.Second

	start := time.Now()
	if err := r.client.CalloutEvery(oidProbeA, r.cfg.PeriodUS, r.cfg.PeriodUS); err != nil {
		return "", err
	}

	absolute := start.Add(window)
	var last uint32
	for last < n {
		remaining := time.Until(absolute)
		if remaining <= 0 {
			break
		}
		ev, err := r.waitEvent(eventOID("callout_fired", oidProbeA), remaining)
		if err != nil {
			break
		}
		last = ev.Uint32("count")
	}
	elapsed := time.Since(start)

	if err := r.client.CalloutCancel(oidProbeA); err != nil {
		return "", err
	}

	if last < n {
		return "", errors.Errorf("only %d fires within %v, expected %d", last, window, n)
	}

	minSpan := time.Duration(n-1) * period * 8 / 10
	if elapsed < minSpan {
		return "", errors.Errorf("%d fires in %v, faster than the %v period allows", last, elapsed, period)
	}

	return fmt.Sprintf("%d fires over %v at %v period", last, elapsed.Round(time.Millisecond), period), nil
}

// checkCalloutCancel cancels an armed one-shot and verifies it stays
// quiet past its deadline.
func (r *Runner) checkCalloutCancel() (string, error) {
	if err := r.client.ConfigCallout(oidProbeA); err != nil {
		return "", err
	}
	r.drainEvents()

	const delay = 300000 // 300ms
	if err := r.client.CalloutAfter(oidProbeA, delay); err != nil {
		return "", err
	}
	if err := r.client.CalloutCancel(oidProbeA); err != nil {
		return "", err
	}

	quiet := 2 * time.Duration(delay) * time.Microsecond
	if ev, err := r.waitEvent(eventOID("callout_fired", oidProbeA), quiet); err == nil {
		return "", errors.Errorf("cancelled probe fired anyway (count=%d)", ev.Uint32("count"))
	}

	return fmt.Sprintf("no fire within %v of a cancelled %v deadline",
		quiet, time.Duration(delay)*time.Microsecond), nil
}

func sumCounts(buckets []fc.LatencyBucket) uint64 {
	var sum uint64
	for _, b := range buckets {
		sum += uint64(b.Count)
	}
	return sum
}

// checkLatencyHistogram resets the histogram, generates a burst of
// dispatches and verifies they were recorded in well-formed buckets.
func (r *Runner) checkLatencyHistogram() (string, error) {
	if err := r.client.ResetLatency(); err != nil {
		return "", err
	}
	base, err := r.client.Latency()
	if err != nil {
		return "", err
	}
	baseSum := sumCounts(base)

	if err := r.client.ConfigCallout(oidProbeA); err != nil {
		return "", err
	}
	r.drainEvents()

	const rounds = 10
	for i := 0; i < rounds; i++ {
		if err := r.client.CalloutAfter(oidProbeA, 2000); err != nil {
			return "", err
		}
		if _, err := r.waitEvent(eventOID("callout_fired", oidProbeA), 2*time.Second); err != nil {
			return "", errors.Wrapf(err, "dispatch %d", i)
		}
	}

	buckets, err := r.client.Latency()
	if err != nil {
		return "", err
	}

	if len(buckets) < 2 {
		return "", errors.Errorf("histogram has %d buckets", len(buckets))
	}
	for i, b := range buckets[:len(buckets)-1] {
		if b.LEMicros == 0 {
			return "", errors.Errorf("bucket %d has no bound but is not last", i)
		}
		if i > 0 && b.LEMicros <= buckets[i-1].LEMicros {
			return "", errors.Errorf("bucket bounds not ascending: %dus after %dus",
				b.LEMicros, buckets[i-1].LEMicros)
		}
	}
	if last := buckets[len(buckets)-1]; last.LEMicros != 0 {
		return "", errors.Errorf("final bucket has bound %dus, expected the overflow slot", last.LEMicros)
	}

	sum := sumCounts(buckets)
	if sum < baseSum+rounds {
		return "", errors.Errorf("histogram grew by %d, expected at least %d", sum-baseSum, rounds)
	}

	st, err := r.client.Status()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%d buckets, %d new samples, max latency %dus",
		len(buckets), sum-baseSum, st.MaxLatency), nil
}

// checkStatusCounters verifies the scheduler counters advance with
// activity and the queue drains back down.
func (r *Runner) checkStatusCounters() (string, error) {
	before, err := r.client.Status()
	if err != nil {
		return "", err
	}

	if err := r.client.ConfigCallout(oidProbeA); err != nil {
		return "", err
	}
	r.drainEvents()

	const rounds = 5
	for i := 0; i < rounds; i++ {
		if err := r.client.CalloutAfter(oidProbeA, 2000); err != nil {
			return "", err
		}
		if _, err := r.waitEvent(eventOID("callout_fired", oidProbeA), 2*time.Second); err != nil {
			return "", errors.Wrapf(err, "dispatch %d", i)
		}
	}

	after, err := r.client.Status()
	if err != nil {
		return "", err
	}

	if after.Scheduled-before.Scheduled < rounds {
		return "", errors.Errorf("scheduled advanced by %d, expected at least %d",
			after.Scheduled-before.Scheduled, rounds)
	}
	if after.Fired-before.Fired < rounds {
		return "", errors.Errorf("fired advanced by %d, expected at least %d",
			after.Fired-before.Fired, rounds)
	}

	return fmt.Sprintf("scheduled +%d fired +%d depth=%d wraps=%d",
		after.Scheduled-before.Scheduled, after.Fired-before.Fired,
		after.QueueDepth, after.Wraps), nil
}

// checkTraceRing dumps the dispatch trace and verifies its shape: the
// prior checks guarantee recent dispatch activity to fill it.
func (r *Runner) checkTraceRing() (string, error) {
	entries, err := r.client.Trace()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("trace ring empty after dispatch activity")
	}

	for i, e := range entries {
		if int(e.Index) != i {
			return "", errors.Errorf("record %d carries index %d", i, e.Index)
		}
		if i > 0 && e.Time < entries[i-1].Time {
			return "", errors.Errorf("trace times not ordered: %d after %d", e.Time, entries[i-1].Time)
		}
	}

	span := entries[len(entries)-1].Time - entries[0].Time
	return fmt.Sprintf("%d records spanning %dus", len(entries), span), nil
}

// checkFailsafeEngage arms a link watchdog, feeds it, then goes silent
// and waits for the engage report.
func (r *Runner) checkFailsafeEngage() (string, error) {
	timeoutDur := time.Duration(r.cfg.FailsafeTimeoutUS) * time.Microsecond

	if err := r.client.ConfigFailsafe(oidFailsafe, r.cfg.FailsafeTimeoutUS); err != nil {
		return "", err
	}

	engaged, err := r.client.Heartbeat(oidFailsafe)
	if err != nil {
		return "", err
	}
	if engaged {
		return "", errors.New("engaged immediately after arming")
	}

	time.Sleep(timeoutDur / 3)
	engaged, err = r.client.Heartbeat(oidFailsafe)
	if err != nil {
		return "", err
	}
	if engaged {
		return "", errors.New("engaged despite a timely heartbeat")
	}
	lastBeat := time.Now()
	r.drainEvents()

	// Silence. The watchdog must engage on its own and report it.
	ev, err := r.waitEvent(eventOID("failsafe_state", oidFailsafe), 2*timeoutDur+time.Second)
	if err != nil {
		return "", errors.Wrap(err, "no engage report")
	}
	if ev.Uint32("engaged") != 1 {
		return "", errors.Errorf("report carries engaged=%d, expected 1", ev.Uint32("engaged"))
	}
	engagedAfter := time.Since(lastBeat)
	if engagedAfter < timeoutDur/2 {
		return "", errors.Errorf("engaged after only %v with a %v timeout", engagedAfter, timeoutDur)
	}

	// An engaged watchdog ignores heartbeats until reconfigured
	engaged, err = r.client.Heartbeat(oidFailsafe)
	if err != nil {
		return "", err
	}
	if !engaged {
		return "", errors.New("heartbeat un-engaged the watchdog")
	}

	return fmt.Sprintf("engaged %v after last heartbeat (timeout %v); left engaged",
		engagedAfter.Round(time.Millisecond), timeoutDur), nil
}

// checkBatterySample starts an oversampled ADC cycle with a range that
// cannot fault and collects a few reports.
func (r *Runner) checkBatterySample() (string, error) {
	pin, err := r.client.PinNumber(r.cfg.BatteryPin)
	if err != nil {
		return "", err
	}

	if err := r.client.ConfigBattery(oidBattery, pin); err != nil {
		return "", err
	}
	r.drainEvents()

	// 4 samples of a 12-bit ADC sum to at most 16380, so the full range
	// can never trip the fault path.
	const samples = 4
	if err := r.client.QueryBattery(oidBattery, 100000, 2000, samples, 0, 0xFFFF, 0); err != nil {
		return "", err
	}

	var values []uint32
	for i := 0; i < 3; i++ {
		ev, err := r.waitEvent(eventOID("battery_state", oidBattery), time.Second)
		if err != nil {
			return "", errors.Wrapf(err, "report %d", i)
		}
		values = append(values, ev.Uint32("value"))
	}

	// Stop the cycle
	if err := r.client.QueryBattery(oidBattery, 100000, 2000, 0, 0, 0xFFFF, 0); err != nil {
		return "", err
	}

	for _, v := range values {
		if v > samples*4095 {
			return "", errors.Errorf("sum %d exceeds %d samples of a 12-bit ADC", v, samples)
		}
	}

	return fmt.Sprintf("3 reports on %s: %v", r.cfg.BatteryPin, values), nil
}

// checkI2CScan probes a bus. An empty bus passes; the point is that the
// scan runs and terminates.
func (r *Runner) checkI2CScan() (string, error) {
	found, err := r.client.ScanI2C(r.cfg.I2CBus)
	if err != nil {
		return "", err
	}

	if len(found) == 0 {
		return fmt.Sprintf("bus %d: no devices", r.cfg.I2CBus), nil
	}
	addrs := make([]string, 0, len(found))
	for _, a := range found {
		addrs = append(addrs, fmt.Sprintf("0x%02X", a))
	}
	return fmt.Sprintf("bus %d: %v", r.cfg.I2CBus, addrs), nil
}

// checkServoSmoke drives a pulse output briefly. This verifies the
// command path end to end; the wire itself needs a scope or a servo.
func (r *Runner) checkServoSmoke() (string, error) {
	pin, err := r.client.PinNumber(r.cfg.ServoPin)
	if err != nil {
		return "", err
	}

	if err := r.client.ConfigServo(oidServo, pin); err != nil {
		return "", err
	}
	if err := r.client.ServoSet(oidServo, 1500); err != nil {
		return "", err
	}
	time.Sleep(200 * time.Millisecond)
	if err := r.client.ServoDisable(oidServo); err != nil {
		return "", err
	}

	return fmt.Sprintf("1500us pulse on %s for 200ms, then disabled", r.cfg.ServoPin), nil
}
