package fence

import (
	"sync"
	"sync/atomic"
	"time"
)

// WaitLatencyBuckets defines the wait-latency histogram buckets in
// nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
var WaitLatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks fence lifecycle and wait statistics
type Metrics struct {
	// Pool counters
	Acquires   atomic.Uint64 // Total pool acquisitions
	Releases   atomic.Uint64 // Total pool releases
	PoolHits   atomic.Uint64 // Acquisitions served from the free list
	PoolMisses atomic.Uint64 // Acquisitions that created a new fence

	// Tracker counters
	Tracked   atomic.Uint64 // Submissions tracked
	Completed atomic.Uint64 // Submissions completed and reclaimed
	Reaps     atomic.Uint64 // ReapCompleted sweeps that reclaimed records
	Reaped    atomic.Uint64 // Records reclaimed by reap sweeps

	// Wait counters
	Waits        atomic.Uint64 // Total waits issued
	WaitTimeouts atomic.Uint64 // Waits that timed out
	WaitErrors   atomic.Uint64 // Waits that failed with a device error

	// Export counters
	Exports atomic.Uint64 // Fences exported as OS handles
	Imports atomic.Uint64 // Fences imported from OS handles

	// Wait latency tracking
	TotalWaitNs atomic.Uint64 // Cumulative signaled-wait latency in nanoseconds
	WaitCount   atomic.Uint64 // Signaled waits (for average latency)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] counts signaled waits with latency <= WaitLatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64 // Metrics start timestamp (UnixNano)
	StopTime  atomic.Int64 // Stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAcquire records a pool acquisition
func (m *Metrics) RecordAcquire(recycled bool) {
	m.Acquires.Add(1)
	if recycled {
		m.PoolHits.Add(1)
	} else {
		m.PoolMisses.Add(1)
	}
}

// RecordRelease records a pool release
func (m *Metrics) RecordRelease() {
	m.Releases.Add(1)
}

// RecordTrack records a tracked submission
func (m *Metrics) RecordTrack() {
	m.Tracked.Add(1)
}

// RecordComplete records a completed submission
func (m *Metrics) RecordComplete() {
	m.Completed.Add(1)
}

// RecordReap records a reap sweep that reclaimed records
func (m *Metrics) RecordReap(reclaimed int) {
	m.Reaps.Add(1)
	m.Reaped.Add(uint64(reclaimed))
}

// RecordWait records a wait outcome and, for signaled waits, its latency
func (m *Metrics) RecordWait(status WaitStatus, latencyNs uint64) {
	m.Waits.Add(1)
	switch status {
	case WaitTimedOut:
		m.WaitTimeouts.Add(1)
	case WaitDeviceError:
		m.WaitErrors.Add(1)
	default:
		m.recordLatency(latencyNs)
	}
}

// RecordExport records a fence export
func (m *Metrics) RecordExport() {
	m.Exports.Add(1)
}

// RecordImport records a fence import
func (m *Metrics) RecordImport() {
	m.Imports.Add(1)
}

// recordLatency records signaled-wait latency and updates the histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalWaitNs.Add(latencyNs)
	m.WaitCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range WaitLatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the metrics window as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Pool
	Acquires   uint64
	Releases   uint64
	PoolHits   uint64
	PoolMisses uint64

	// Tracker
	Tracked     uint64
	Completed   uint64
	Outstanding uint64
	Reaps       uint64
	Reaped      uint64

	// Waits
	Waits        uint64
	WaitTimeouts uint64
	WaitErrors   uint64

	// Export
	Exports uint64
	Imports uint64

	// Latency
	AvgWaitNs uint64
	UptimeNs  uint64

	// Wait latency percentiles (in nanoseconds)
	WaitP50Ns  uint64 // 50th percentile (median)
	WaitP99Ns  uint64 // 99th percentile
	WaitP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	PoolHitRate float64 // Percentage of acquisitions served from the free list
	TimeoutRate float64 // Percentage of waits that timed out
	WaitsPerSec float64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Acquires:     m.Acquires.Load(),
		Releases:     m.Releases.Load(),
		PoolHits:     m.PoolHits.Load(),
		PoolMisses:   m.PoolMisses.Load(),
		Tracked:      m.Tracked.Load(),
		Completed:    m.Completed.Load(),
		Reaps:        m.Reaps.Load(),
		Reaped:       m.Reaped.Load(),
		Waits:        m.Waits.Load(),
		WaitTimeouts: m.WaitTimeouts.Load(),
		WaitErrors:   m.WaitErrors.Load(),
		Exports:      m.Exports.Load(),
		Imports:      m.Imports.Load(),
	}

	if snap.Tracked >= snap.Completed {
		snap.Outstanding = snap.Tracked - snap.Completed
	}

	// Calculate average signaled-wait latency
	totalWaitNs := m.TotalWaitNs.Load()
	waitCount := m.WaitCount.Load()
	if waitCount > 0 {
		snap.AvgWaitNs = totalWaitNs / waitCount
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.WaitsPerSec = float64(snap.Waits) / (float64(snap.UptimeNs) / 1e9)
	}

	if snap.Acquires > 0 {
		snap.PoolHitRate = float64(snap.PoolHits) / float64(snap.Acquires) * 100.0
	}
	if snap.Waits > 0 {
		snap.TimeoutRate = float64(snap.WaitTimeouts) / float64(snap.Waits) * 100.0
	}

	// Copy histogram bucket counts
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	// Calculate percentiles from histogram
	if waitCount > 0 {
		snap.WaitP50Ns = m.calculatePercentile(0.50)
		snap.WaitP99Ns = m.calculatePercentile(0.99)
		snap.WaitP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the wait latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.WaitCount.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range WaitLatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			// Linear interpolation within bucket
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			// Interpolate between prevBucket and bucket
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// If we get here, the latency exceeds all buckets
	return WaitLatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.Acquires.Store(0)
	m.Releases.Store(0)
	m.PoolHits.Store(0)
	m.PoolMisses.Store(0)
	m.Tracked.Store(0)
	m.Completed.Store(0)
	m.Reaps.Store(0)
	m.Reaped.Store(0)
	m.Waits.Store(0)
	m.WaitTimeouts.Store(0)
	m.WaitErrors.Store(0)
	m.Exports.Store(0)
	m.Imports.Store(0)
	m.TotalWaitNs.Store(0)
	m.WaitCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveAcquire is called for each pool acquisition
	ObserveAcquire(recycled bool)

	// ObserveRelease is called for each pool release
	ObserveRelease()

	// ObserveTrack is called when a submission is tracked
	ObserveTrack()

	// ObserveComplete is called when a submission completes and is reclaimed
	ObserveComplete()

	// ObserveReap is called after a reap sweep that reclaimed records
	ObserveReap(reclaimed int)

	// ObserveWait is called for each wait, with the outcome and latency
	ObserveWait(status WaitStatus, latencyNs uint64)

	// ObserveExport is called when a fence is exported as an OS handle
	ObserveExport()

	// ObserveImport is called when a fence is imported from an OS handle
	ObserveImport()
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveAcquire(bool)            {}
func (NoOpObserver) ObserveRelease()                {}
func (NoOpObserver) ObserveTrack()                  {}
func (NoOpObserver) ObserveComplete()               {}
func (NoOpObserver) ObserveReap(int)                {}
func (NoOpObserver) ObserveWait(WaitStatus, uint64) {}
func (NoOpObserver) ObserveExport()                 {}
func (NoOpObserver) ObserveImport()                 {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveAcquire(recycled bool) {
	o.metrics.RecordAcquire(recycled)
}

func (o *MetricsObserver) ObserveRelease() {
	o.metrics.RecordRelease()
}

func (o *MetricsObserver) ObserveTrack() {
	o.metrics.RecordTrack()
}

func (o *MetricsObserver) ObserveComplete() {
	o.metrics.RecordComplete()
}

func (o *MetricsObserver) ObserveReap(reclaimed int) {
	o.metrics.RecordReap(reclaimed)
}

func (o *MetricsObserver) ObserveWait(status WaitStatus, latencyNs uint64) {
	o.metrics.RecordWait(status, latencyNs)
}

func (o *MetricsObserver) ObserveExport() {
	o.metrics.RecordExport()
}

func (o *MetricsObserver) ObserveImport() {
	o.metrics.RecordImport()
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)

var (
	defaultObserverMu sync.RWMutex
	defaultObserver   Observer = NoOpObserver{}
)

// DefaultObserver returns the package-level observer. Export and Import
// report through it, since they operate on fences outside any pool or
// tracker.
func DefaultObserver() Observer {
	defaultObserverMu.RLock()
	defer defaultObserverMu.RUnlock()
	return defaultObserver
}

// SetDefaultObserver replaces the package-level observer
func SetDefaultObserver(o Observer) {
	if o == nil {
		o = NoOpObserver{}
	}
	defaultObserverMu.Lock()
	defer defaultObserverMu.Unlock()
	defaultObserver = o
}
