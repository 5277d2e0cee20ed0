package core

// latencyBuckets are the upper bounds, in microseconds, of the invocation
// latency histogram: latency = dispatch snapshot time - callout deadline.
// A final overflow bucket catches anything above the last bound.
var latencyBuckets = [...]uint32{1, 2, 5, 10, 20, 50, 100, 1000}

// LatencyBucketCount is the number of histogram slots, including the
// overflow slot.
const LatencyBucketCount = len(latencyBuckets) + 1

// LatencySnapshot is a copy of the histogram state.
type LatencySnapshot struct {
	Counts [LatencyBucketCount]uint32
	Max    uint32 // worst observed latency in microseconds
}

// LatencyBucketBound returns the inclusive upper bound of bucket i in
// microseconds, with ok=false for the overflow bucket.
func LatencyBucketBound(i int) (uint32, bool) {
	if i < 0 || i >= len(latencyBuckets) {
		return 0, false
	}
	return latencyBuckets[i], true
}

// latencyHistogram accumulates per-invocation latencies. Mutated only
// under the owning HRT's lock.
type latencyHistogram struct {
	counts [LatencyBucketCount]uint32
	max    uint32
}

func (lh *latencyHistogram) record(us uint32) {
	if us > lh.max {
		lh.max = us
	}
	for i, bound := range latencyBuckets {
		if us <= bound {
			lh.counts[i]++
			return
		}
	}
	lh.counts[len(latencyBuckets)]++
}

func (lh *latencyHistogram) snapshot() LatencySnapshot {
	return LatencySnapshot{Counts: lh.counts, Max: lh.max}
}

func (lh *latencyHistogram) reset() {
	lh.counts = [LatencyBucketCount]uint32{}
	lh.max = 0
}
