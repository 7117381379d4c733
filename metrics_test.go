package fence

import (
	"testing"
)

func TestMetricsPoolCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordAcquire(false)
	m.RecordAcquire(true)
	m.RecordAcquire(true)
	m.RecordRelease()

	snap := m.Snapshot()
	if snap.Acquires != 3 {
		t.Errorf("Acquires = %d, want 3", snap.Acquires)
	}
	if snap.PoolHits != 2 || snap.PoolMisses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", snap.PoolHits, snap.PoolMisses)
	}
	if snap.Releases != 1 {
		t.Errorf("Releases = %d, want 1", snap.Releases)
	}

	wantRate := 2.0 / 3.0 * 100.0
	if snap.PoolHitRate < wantRate-0.01 || snap.PoolHitRate > wantRate+0.01 {
		t.Errorf("PoolHitRate = %.2f, want %.2f", snap.PoolHitRate, wantRate)
	}
}

func TestMetricsTrackerCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordTrack()
	m.RecordTrack()
	m.RecordTrack()
	m.RecordComplete()
	m.RecordReap(2)

	snap := m.Snapshot()
	if snap.Tracked != 3 {
		t.Errorf("Tracked = %d, want 3", snap.Tracked)
	}
	if snap.Completed != 1 {
		t.Errorf("Completed = %d, want 1", snap.Completed)
	}
	if snap.Outstanding != 2 {
		t.Errorf("Outstanding = %d, want 2", snap.Outstanding)
	}
	if snap.Reaps != 1 || snap.Reaped != 2 {
		t.Errorf("Reaps/Reaped = %d/%d, want 1/2", snap.Reaps, snap.Reaped)
	}
}

func TestMetricsWaitOutcomes(t *testing.T) {
	m := NewMetrics()

	m.RecordWait(WaitSignaled, 500_000) // 500us
	m.RecordWait(WaitSignaled, 1_500_000)
	m.RecordWait(WaitTimedOut, 0)
	m.RecordWait(WaitDeviceError, 0)

	snap := m.Snapshot()
	if snap.Waits != 4 {
		t.Errorf("Waits = %d, want 4", snap.Waits)
	}
	if snap.WaitTimeouts != 1 {
		t.Errorf("WaitTimeouts = %d, want 1", snap.WaitTimeouts)
	}
	if snap.WaitErrors != 1 {
		t.Errorf("WaitErrors = %d, want 1", snap.WaitErrors)
	}

	// Only signaled waits feed the latency average
	wantAvg := uint64((500_000 + 1_500_000) / 2)
	if snap.AvgWaitNs != wantAvg {
		t.Errorf("AvgWaitNs = %d, want %d", snap.AvgWaitNs, wantAvg)
	}

	wantRate := 25.0
	if snap.TimeoutRate < wantRate-0.01 || snap.TimeoutRate > wantRate+0.01 {
		t.Errorf("TimeoutRate = %.2f, want %.2f", snap.TimeoutRate, wantRate)
	}
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics()

	m.RecordWait(WaitSignaled, 500)        // <= 1us bucket
	m.RecordWait(WaitSignaled, 50_000)     // <= 100us bucket
	m.RecordWait(WaitSignaled, 5_000_000)  // <= 10ms bucket
	m.RecordWait(WaitSignaled, 20_000_000) // <= 100ms bucket

	snap := m.Snapshot()

	// Buckets are cumulative
	if snap.LatencyHistogram[0] != 1 { // <= 1us
		t.Errorf("bucket[0] = %d, want 1", snap.LatencyHistogram[0])
	}
	if snap.LatencyHistogram[2] != 2 { // <= 100us
		t.Errorf("bucket[2] = %d, want 2", snap.LatencyHistogram[2])
	}
	if snap.LatencyHistogram[4] != 3 { // <= 10ms
		t.Errorf("bucket[4] = %d, want 3", snap.LatencyHistogram[4])
	}
	if snap.LatencyHistogram[7] != 4 { // <= 10s
		t.Errorf("bucket[7] = %d, want 4", snap.LatencyHistogram[7])
	}
}

func TestMetricsPercentiles(t *testing.T) {
	m := NewMetrics()

	// 100 waits all in the <= 1ms bucket
	for i := 0; i < 100; i++ {
		m.RecordWait(WaitSignaled, 500_000)
	}

	snap := m.Snapshot()
	if snap.WaitP50Ns == 0 {
		t.Error("WaitP50Ns = 0, want non-zero")
	}
	if snap.WaitP50Ns > 1_000_000 {
		t.Errorf("WaitP50Ns = %d, want <= bucket boundary 1ms", snap.WaitP50Ns)
	}
	if snap.WaitP99Ns > 1_000_000 {
		t.Errorf("WaitP99Ns = %d, want <= bucket boundary 1ms", snap.WaitP99Ns)
	}
	if snap.WaitP50Ns > snap.WaitP99Ns {
		t.Errorf("p50 (%d) > p99 (%d)", snap.WaitP50Ns, snap.WaitP99Ns)
	}
}

func TestMetricsPercentileNoData(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.WaitP50Ns != 0 || snap.WaitP99Ns != 0 || snap.WaitP999Ns != 0 {
		t.Errorf("percentiles with no data = %d/%d/%d, want zeros",
			snap.WaitP50Ns, snap.WaitP99Ns, snap.WaitP999Ns)
	}
}

func TestMetricsExportCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordExport()
	m.RecordExport()
	m.RecordImport()

	snap := m.Snapshot()
	if snap.Exports != 2 {
		t.Errorf("Exports = %d, want 2", snap.Exports)
	}
	if snap.Imports != 1 {
		t.Errorf("Imports = %d, want 1", snap.Imports)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordAcquire(true)
	m.RecordTrack()
	m.RecordWait(WaitSignaled, 1000)
	m.Reset()

	snap := m.Snapshot()
	if snap.Acquires != 0 || snap.Tracked != 0 || snap.Waits != 0 {
		t.Errorf("counters after Reset = %+v, want zeros", snap)
	}
	if snap.AvgWaitNs != 0 {
		t.Errorf("AvgWaitNs after Reset = %d, want 0", snap.AvgWaitNs)
	}
}

func TestMetricsObserverForwards(t *testing.T) {
	m := NewMetrics()
	var obs Observer = NewMetricsObserver(m)

	obs.ObserveAcquire(true)
	obs.ObserveRelease()
	obs.ObserveTrack()
	obs.ObserveComplete()
	obs.ObserveReap(3)
	obs.ObserveWait(WaitSignaled, 2000)
	obs.ObserveExport()
	obs.ObserveImport()

	snap := m.Snapshot()
	if snap.Acquires != 1 || snap.Releases != 1 {
		t.Errorf("pool counters = %d/%d, want 1/1", snap.Acquires, snap.Releases)
	}
	if snap.Tracked != 1 || snap.Completed != 1 {
		t.Errorf("tracker counters = %d/%d, want 1/1", snap.Tracked, snap.Completed)
	}
	if snap.Reaped != 3 {
		t.Errorf("Reaped = %d, want 3", snap.Reaped)
	}
	if snap.Waits != 1 {
		t.Errorf("Waits = %d, want 1", snap.Waits)
	}
	if snap.Exports != 1 || snap.Imports != 1 {
		t.Errorf("export counters = %d/%d, want 1/1", snap.Exports, snap.Imports)
	}
}
