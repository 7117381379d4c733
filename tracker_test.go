package fence

import (
	"sync/atomic"
	"testing"
	"time"
)

// guardedBuffer stands in for a device resource whose reuse is gated on
// submission completion.
type guardedBuffer struct {
	unguarded atomic.Bool
}

func (b *guardedBuffer) Unguard() {
	if b.unguarded.Swap(true) {
		panic("Unguard called twice")
	}
}

func newTestTracker(t *testing.T) (*Tracker, *Pool, *MockDriver) {
	t.Helper()
	dev, drv := newTestDevice(t)
	p, err := NewPool(dev, DefaultPoolOptions())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return NewTracker(p, nil), p, drv
}

func TestTrackerNextIDMonotonic(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	prev := tr.NextID()
	for i := 0; i < 100; i++ {
		id := tr.NextID()
		if id <= prev {
			t.Fatalf("NextID went backwards: %d after %d", id, prev)
		}
		prev = id
	}
}

func TestTrackWaitForReclaims(t *testing.T) {
	tr, p, drv := newTestTracker(t)

	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	buf := &guardedBuffer{}
	id := tr.NextID()
	if err := tr.Track(id, f, buf); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if tr.Outstanding() != 1 {
		t.Fatalf("Outstanding = %d, want 1", tr.Outstanding())
	}

	drv.SignalFence(f.Handle())

	status, err := tr.WaitFor(id, WaitForever)
	if err != nil {
		t.Fatalf("WaitFor failed: %v", err)
	}
	if status != WaitSignaled {
		t.Fatalf("WaitFor = %v, want signaled", status)
	}

	if tr.Outstanding() != 0 {
		t.Errorf("Outstanding after completion = %d, want 0", tr.Outstanding())
	}
	if !buf.unguarded.Load() {
		t.Error("guarded resource was not unblocked on completion")
	}
	if stats := p.Stats(); stats.Free != 1 || stats.InUse != 0 {
		t.Errorf("pool stats after completion = %+v, want fence back on free list", stats)
	}
}

func TestWaitForUnknownSubmission(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	_, err := tr.WaitFor(SubmissionID(99), 0)
	if !IsCode(err, ErrCodeNotTracked) {
		t.Errorf("WaitFor unknown submission = %v, want not tracked", err)
	}
}

func TestTrackDuplicateID(t *testing.T) {
	tr, p, _ := newTestTracker(t)

	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	id := tr.NextID()
	if err := tr.Track(id, f); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if err := tr.Track(id, f); !IsCode(err, ErrCodeInvalidState) {
		t.Errorf("duplicate Track = %v, want invalid state", err)
	}
}

func TestTrackNilFence(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	if err := tr.Track(tr.NextID(), nil); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Track(nil) = %v, want invalid parameters", err)
	}
}

func TestWaitForTimeoutKeepsRecord(t *testing.T) {
	tr, p, _ := newTestTracker(t)

	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	id := tr.NextID()
	if err := tr.Track(id, f); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	status, err := tr.WaitFor(id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitFor failed: %v", err)
	}
	if status != WaitTimedOut {
		t.Fatalf("WaitFor = %v, want timed out", status)
	}
	if tr.Outstanding() != 1 {
		t.Errorf("Outstanding after timeout = %d, want 1 (record must survive)", tr.Outstanding())
	}
}

func TestReapOutOfOrderCompletion(t *testing.T) {
	tr, p, drv := newTestTracker(t)

	fa, _ := p.Acquire()
	fb, _ := p.Acquire()

	bufA := &guardedBuffer{}
	bufB := &guardedBuffer{}
	idA := tr.NextID()
	idB := tr.NextID()
	if err := tr.Track(idA, fa, bufA); err != nil {
		t.Fatalf("Track A failed: %v", err)
	}
	if err := tr.Track(idB, fb, bufB); err != nil {
		t.Fatalf("Track B failed: %v", err)
	}

	// The later submission completes first
	drv.SignalFence(fb.Handle())

	if reaped := tr.ReapCompleted(); reaped != 1 {
		t.Fatalf("ReapCompleted = %d, want 1", reaped)
	}
	if tr.Outstanding() != 1 {
		t.Errorf("Outstanding = %d, want 1", tr.Outstanding())
	}
	if !bufB.unguarded.Load() {
		t.Error("resource of completed submission stayed blocked")
	}
	if bufA.unguarded.Load() {
		t.Error("resource of pending submission was unblocked early")
	}

	drv.SignalFence(fa.Handle())
	if reaped := tr.ReapCompleted(); reaped != 1 {
		t.Fatalf("second ReapCompleted = %d, want 1", reaped)
	}
	if tr.Outstanding() != 0 {
		t.Errorf("Outstanding after full drain = %d, want 0", tr.Outstanding())
	}
	if stats := p.Stats(); stats.Free != 2 {
		t.Errorf("pool free after full drain = %d, want 2", stats.Free)
	}
}

func TestReapSkipsRecordWithActiveWaiter(t *testing.T) {
	tr, p, drv := newTestTracker(t)

	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	id := tr.NextID()
	if err := tr.Track(id, f); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	type result struct {
		status WaitStatus
		err    error
	}
	waited := make(chan result, 1)
	go func() {
		status, err := tr.WaitFor(id, WaitForever)
		waited <- result{status, err}
	}()

	// Let the waiter park on the fence, then signal and race the
	// reaper against the waiter's wakeup. The reaper must never claim
	// the record: releasing it would reset and recycle the fence while
	// the waiter is still parked on it.
	time.Sleep(20 * time.Millisecond)
	drv.SignalFence(f.Handle())

	reaped := 0
	for i := 0; i < 100; i++ {
		reaped += tr.ReapCompleted()
	}
	if reaped != 0 {
		t.Errorf("ReapCompleted claimed %d records owned by a waiter, want 0", reaped)
	}

	select {
	case res := <-waited:
		if res.err != nil {
			t.Fatalf("WaitFor failed: %v", res.err)
		}
		if res.status != WaitSignaled {
			t.Fatalf("WaitFor = %v, want signaled", res.status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor never returned after its submission completed")
	}

	if tr.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", tr.Outstanding())
	}
	if stats := p.Stats(); stats.Free != 1 || stats.InUse != 0 {
		t.Errorf("pool stats = %+v, want the fence back on the free list", stats)
	}
}

func TestReapResumesAfterWaiterTimesOut(t *testing.T) {
	tr, p, drv := newTestTracker(t)

	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	id := tr.NextID()
	if err := tr.Track(id, f); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	status, err := tr.WaitFor(id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitFor failed: %v", err)
	}
	if status != WaitTimedOut {
		t.Fatalf("WaitFor = %v, want timed out", status)
	}

	// The timed-out waiter released its claim; the reaper can reclaim
	// the record once the fence signals
	drv.SignalFence(f.Handle())
	if reaped := tr.ReapCompleted(); reaped != 1 {
		t.Errorf("ReapCompleted after waiter gave up = %d, want 1", reaped)
	}
}

func TestConcurrentWaitersSameSubmission(t *testing.T) {
	tr, p, drv := newTestTracker(t)

	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	id := tr.NextID()
	if err := tr.Track(id, f); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	const waiters = 3
	statuses := make(chan WaitStatus, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			status, _ := tr.WaitFor(id, 2*time.Second)
			statuses <- status
		}()
	}

	time.Sleep(20 * time.Millisecond)
	drv.SignalFence(f.Handle())

	for i := 0; i < waiters; i++ {
		select {
		case status := <-statuses:
			if status != WaitSignaled {
				t.Errorf("waiter %d got %v, want signaled", i, status)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("a waiter never returned")
		}
	}

	if tr.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", tr.Outstanding())
	}
	if stats := p.Stats(); stats.Free != 1 {
		t.Errorf("Free = %d, want 1 (fence released exactly once)", stats.Free)
	}
}

func TestReapCompletedNothingPending(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	if reaped := tr.ReapCompleted(); reaped != 0 {
		t.Errorf("ReapCompleted on empty tracker = %d, want 0", reaped)
	}
}

func TestWaitForDeviceLost(t *testing.T) {
	tr, p, drv := newTestTracker(t)

	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	id := tr.NextID()
	if err := tr.Track(id, f); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	drv.SetDeviceLost()

	status, err := tr.WaitFor(id, WaitForever)
	if status != WaitDeviceError {
		t.Fatalf("WaitFor on lost device = %v, want device error", status)
	}
	if err == nil {
		t.Fatal("WaitFor on lost device should return an error")
	}
	if tr.Outstanding() != 1 {
		t.Errorf("Outstanding after device loss = %d, want 1 (record stays for escalation)", tr.Outstanding())
	}
}

func TestTrackerObserverCounts(t *testing.T) {
	dev, drv := newTestDevice(t)

	m := NewMetrics()
	obs := NewMetricsObserver(m)
	p, err := NewPool(dev, &PoolOptions{Observer: obs})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer p.Close()
	tr := NewTracker(p, &TrackerOptions{Observer: obs})

	f, _ := p.Acquire()
	id := tr.NextID()
	if err := tr.Track(id, f); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	drv.SignalFence(f.Handle())
	if _, err := tr.WaitFor(id, WaitForever); err != nil {
		t.Fatalf("WaitFor failed: %v", err)
	}

	snap := m.Snapshot()
	if snap.Tracked != 1 {
		t.Errorf("Tracked = %d, want 1", snap.Tracked)
	}
	if snap.Completed != 1 {
		t.Errorf("Completed = %d, want 1", snap.Completed)
	}
	if snap.Acquires != 1 {
		t.Errorf("Acquires = %d, want 1", snap.Acquires)
	}
	if snap.Waits != 1 {
		t.Errorf("Waits = %d, want 1", snap.Waits)
	}
}
