package fence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-fence/internal/constants"
	"github.com/ehrlich-b/go-fence/internal/logging"
)

// SubmissionID identifies one unit of work dispatched to the device.
type SubmissionID uint64

// Guarded is implemented by device resources whose reuse must wait for
// a submission's fence. Unguard is called exactly once, after the fence
// is observed signaled.
type Guarded interface {
	Unguard()
}

// record associates one submission with the fence guarding it. The
// fence reference is non-owning; ownership stays with the Pool.
//
// While waiting is set, a WaitFor caller owns the native fence wait:
// ReapCompleted must not reclaim the record, because releasing the
// fence back to the pool resets and recycles it under the parked
// waiter. done is closed once the record completes, so concurrent
// callers can observe completion without touching the fence.
type record struct {
	id      SubmissionID
	fence   *Fence
	guarded []Guarded
	waiting bool
	done    chan struct{}
}

// Tracker associates each submitted unit of device work with the fence
// that signals its completion, and reclaims fences and guarded
// resources once completion is observed.
//
// The tracker makes no ordering assumption: device completion order may
// not match submission order, and records are released individually as
// their fences signal.
type Tracker struct {
	pool     *Pool
	logger   *logging.Logger
	observer Observer

	nextID atomic.Uint64

	mu      sync.Mutex
	records map[SubmissionID]*record
}

// TrackerOptions configures a Tracker
type TrackerOptions struct {
	// Observer receives tracker events (if nil, uses a no-op observer)
	Observer Observer
}

// NewTracker creates a tracker that returns completed fences to pool.
func NewTracker(pool *Pool, opts *TrackerOptions) *Tracker {
	if opts == nil {
		opts = &TrackerOptions{}
	}

	var observer Observer = &NoOpObserver{}
	if opts.Observer != nil {
		observer = opts.Observer
	}

	return &Tracker{
		pool:     pool,
		logger:   logging.Default().WithDevice(uint32(pool.Device())),
		observer: observer,
		records:  make(map[SubmissionID]*record),
	}
}

// NextID allocates a fresh submission identifier.
func (t *Tracker) NextID() SubmissionID {
	return SubmissionID(t.nextID.Add(1))
}

// Track records that fence f will signal when the submission's device
// work completes, and that the guarded resources must not be reused
// until then. Track is bookkeeping only and never blocks. Tracking a
// duplicate id is a programming error reported as InvalidState.
func (t *Tracker) Track(id SubmissionID, f *Fence, guarded ...Guarded) error {
	if f == nil {
		return NewSubmissionError("TRACK", uint32(t.pool.Device()), uint64(id), ErrCodeInvalidParameters, "nil fence")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.records[id]; dup {
		return NewSubmissionError("TRACK", uint32(t.pool.Device()), uint64(id), ErrCodeInvalidState, "submission already tracked")
	}

	f.markInFlight(true)
	t.records[id] = &record{id: id, fence: f, guarded: guarded, done: make(chan struct{})}
	t.logger.SubmitStart(uint64(id), len(guarded))
	t.observer.ObserveTrack()
	return nil
}

// WaitFor blocks until the submission's fence signals or timeout
// elapses. On WaitSignaled the fence is released back to the pool, the
// guarded resources are unblocked for reuse, and the record is removed.
// On timeout or device error the record stays tracked so the caller can
// retry or escalate.
//
// Exactly one caller at a time owns the native fence wait; while it is
// parked, ReapCompleted leaves the record alone so the fence cannot be
// reset and recycled under the waiter. Additional WaitFor callers for
// the same submission park on the record itself and return WaitSignaled
// once it completes.
func (t *Tracker) WaitFor(id SubmissionID, timeout time.Duration) (WaitStatus, error) {
	start := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		t.mu.Lock()
		rec, ok := t.records[id]
		if !ok {
			t.mu.Unlock()
			return WaitDeviceError, NewSubmissionError("WAIT_FOR", uint32(t.pool.Device()), uint64(id), ErrCodeNotTracked, "")
		}
		if !rec.waiting {
			rec.waiting = true
			t.mu.Unlock()

			status, err := rec.fence.Wait(remainingTimeout(timeout, deadline))
			t.observer.ObserveWait(status, uint64(time.Since(start).Nanoseconds()))
			if status != WaitSignaled {
				t.mu.Lock()
				rec.waiting = false
				t.mu.Unlock()
				return status, err
			}
			if err := t.complete(rec); err != nil {
				return WaitSignaled, err
			}
			return WaitSignaled, nil
		}
		done := rec.done
		t.mu.Unlock()

		completed, expired := waitDone(done, timeout, deadline)
		if completed {
			t.observer.ObserveWait(WaitSignaled, uint64(time.Since(start).Nanoseconds()))
			return WaitSignaled, nil
		}
		if expired {
			t.observer.ObserveWait(WaitTimedOut, uint64(time.Since(start).Nanoseconds()))
			return WaitTimedOut, nil
		}
		// Park slice elapsed; the owning waiter may have timed out or
		// failed, so re-check the record and try to take ownership.
	}
}

// remainingTimeout converts the caller's timeout into what is left of
// it. Zero and negative (forever) timeouts pass through unchanged.
func remainingTimeout(timeout time.Duration, deadline time.Time) time.Duration {
	if timeout <= 0 {
		return timeout
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// waitDone parks on a record's completion channel for one bounded
// slice. completed means the record finished; expired means the
// caller's own timeout ran out; neither means re-check the record.
func waitDone(done <-chan struct{}, timeout time.Duration, deadline time.Time) (completed, expired bool) {
	if timeout == 0 {
		select {
		case <-done:
			return true, false
		default:
			return false, true
		}
	}

	slice := constants.MaxPollTimeout
	if timeout > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, true
		}
		if remaining < slice {
			slice = remaining
		}
	}

	timer := time.NewTimer(slice)
	defer timer.Stop()
	select {
	case <-done:
		return true, false
	case <-timer.C:
		if timeout > 0 && !time.Now().Before(deadline) {
			return false, true
		}
		return false, false
	}
}

// ReapCompleted polls every tracked record without blocking, releasing
// fences and resources for submissions that have already signaled.
// Records whose fences are still pending stay tracked. Returns the
// number of records released.
//
// Out-of-order completion is the normal case here: a later submission's
// fence may signal before an earlier one's, and only the signaled
// records are reclaimed.
func (t *Tracker) ReapCompleted() int {
	t.mu.Lock()
	pending := make([]*record, 0, len(t.records))
	for _, rec := range t.records {
		if rec.waiting {
			// A WaitFor owns this fence; completing it here would
			// recycle the fence under the parked waiter.
			continue
		}
		pending = append(pending, rec)
	}
	t.mu.Unlock()

	reaped := 0
	for _, rec := range pending {
		if !rec.fence.IsSignaled() {
			continue
		}
		// Re-check under the lock: a WaitFor may have claimed or
		// completed the record since the snapshot.
		t.mu.Lock()
		if _, ok := t.records[rec.id]; !ok || rec.waiting {
			t.mu.Unlock()
			continue
		}
		delete(t.records, rec.id)
		t.mu.Unlock()

		if t.release(rec) == nil {
			reaped++
		}
	}

	if reaped > 0 {
		t.observer.ObserveReap(reaped)
	}
	return reaped
}

// Outstanding returns the number of tracked, uncompleted submissions.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// complete removes the record and reclaims its fence and resources.
// The record's fence has been observed signaled by the caller.
func (t *Tracker) complete(rec *record) error {
	t.mu.Lock()
	if _, ok := t.records[rec.id]; !ok {
		t.mu.Unlock()
		return NewSubmissionError("COMPLETE", uint32(t.pool.Device()), uint64(rec.id), ErrCodeNotTracked, "")
	}
	delete(t.records, rec.id)
	t.mu.Unlock()

	return t.release(rec)
}

// release reclaims a removed record's fence and resources and wakes
// callers parked on the record. The caller has already taken the record
// out of the tracked map.
func (t *Tracker) release(rec *record) error {
	defer close(rec.done)

	if err := t.pool.Release(rec.fence); err != nil {
		t.logger.WithError(err).Error("fence release failed", "submission", uint64(rec.id))
		return err
	}

	for _, g := range rec.guarded {
		g.Unguard()
	}

	t.observer.ObserveComplete()
	return nil
}
