package fence

import (
	"sync"

	"github.com/ehrlich-b/go-fence/internal/constants"
	"github.com/ehrlich-b/go-fence/internal/logging"
)

// Pool amortizes fence creation cost by recycling fences across
// submissions. Every fence is in exactly one of the Free or InUse sets;
// a fence moves from InUse back to Free only after it was observed
// signaled and then reset to unsignaled.
//
// The pool grows on demand. By default it never shrinks during
// steady-state operation and fences are destroyed only at Close, which
// keeps fence creation off the hot submission path. Setting MaxFree
// opts out of the grow-only policy: excess fences are then destroyed
// on the release path. See PoolOptions.MaxFree.
type Pool struct {
	dev      DeviceID
	maxFree  int
	logger   *logging.Logger
	observer Observer

	mu    sync.Mutex
	free  []*Fence
	inUse map[*Fence]struct{}
	stats PoolStats

	closed bool
}

// PoolOptions configures a Pool
type PoolOptions struct {
	// Prealloc is the number of fences created eagerly at pool
	// construction (default: 0, fences are created on first Acquire)
	Prealloc int

	// MaxFree caps the free list; released fences beyond the cap are
	// destroyed instead of retained (default: 0, unbounded). The
	// default preserves grow-only sizing, where fences are destroyed
	// only at Close. A non-zero cap trades that guarantee for bounded
	// retention: a release over the cap destroys the fence, putting
	// fence destruction (and possibly re-creation) on the submission
	// path for workloads with bursty submission depth.
	MaxFree int

	// Observer receives pool events (if nil, uses a no-op observer)
	Observer Observer
}

// DefaultPoolOptions returns default pool options
func DefaultPoolOptions() *PoolOptions {
	return &PoolOptions{
		Prealloc: constants.DefaultPoolPrealloc,
		MaxFree:  constants.DefaultMaxFree,
	}
}

// PoolStats is a point-in-time snapshot of pool occupancy
type PoolStats struct {
	Free     int    // Fences available for acquisition
	InUse    int    // Fences handed out and not yet released
	Created  uint64 // Total fences created over the pool's lifetime
	Recycled uint64 // Acquisitions served from the free list
}

// NewPool creates a fence pool bound to the given device.
func NewPool(dev DeviceID, opts *PoolOptions) (*Pool, error) {
	if opts == nil {
		opts = DefaultPoolOptions()
	}

	var observer Observer = &NoOpObserver{}
	if opts.Observer != nil {
		observer = opts.Observer
	}

	p := &Pool{
		dev:      dev,
		maxFree:  opts.MaxFree,
		logger:   logging.Default().WithDevice(uint32(dev)),
		observer: observer,
		inUse:    make(map[*Fence]struct{}),
	}

	for i := 0; i < opts.Prealloc; i++ {
		f, err := New(dev)
		if err != nil {
			p.destroyFreeLocked()
			return nil, WrapError("POOL_INIT", err)
		}
		p.free = append(p.free, f)
		p.stats.Created++
	}

	return p, nil
}

// Device returns the ID of the device the pool allocates from.
func (p *Pool) Device() DeviceID {
	return p.dev
}

// Acquire returns an unsignaled fence, recycled from the free list or
// newly created when the free list is empty. Acquire never blocks; it
// either returns a fence or fails with a creation error.
func (p *Pool) Acquire() (*Fence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, NewDeviceError("ACQUIRE", uint32(p.dev), ErrCodeInvalidState, "pool is closed")
	}

	if n := len(p.free); n > 0 {
		f := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse[f] = struct{}{}
		p.stats.Recycled++
		p.observer.ObserveAcquire(true)
		return f, nil
	}

	f, err := New(p.dev)
	if err != nil {
		p.observer.ObserveAcquire(false)
		return nil, WrapError("ACQUIRE", err)
	}
	p.inUse[f] = struct{}{}
	p.stats.Created++
	p.observer.ObserveAcquire(false)
	return f, nil
}

// Release returns a signaled fence to the free list. The caller asserts
// the fence has been observed signaled; the pool resets it to
// unsignaled before recycling. Releasing a fence that is unsignaled,
// imported, or not held by this pool is a programming error reported as
// InvalidState, not a runtime condition to recover from.
func (p *Pool) Release(f *Fence) error {
	if f == nil {
		return NewDeviceError("RELEASE", uint32(p.dev), ErrCodeInvalidParameters, "nil fence")
	}
	if f.Imported() {
		return NewDeviceError("RELEASE", uint32(p.dev), ErrCodeInvalidState, "imported fences cannot be pooled")
	}

	p.mu.Lock()
	if _, held := p.inUse[f]; !held {
		p.mu.Unlock()
		p.logger.Error("release of fence not held by pool", "fence", uint64(f.Handle()))
		return NewDeviceError("RELEASE", uint32(p.dev), ErrCodeInvalidState, "fence is not in use by this pool")
	}
	p.mu.Unlock()

	// The signal check happens outside the pool lock; the fence's own
	// driver call may block briefly on a lost device.
	if !f.IsSignaled() {
		p.logger.Error("release of unsignaled fence", "fence", uint64(f.Handle()))
		return NewDeviceError("RELEASE", uint32(p.dev), ErrCodeInvalidState, "fence still guards unfinished work")
	}

	if err := f.Reset(); err != nil {
		return WrapError("RELEASE", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, held := p.inUse[f]; !held {
		// Double release raced with another caller.
		return NewDeviceError("RELEASE", uint32(p.dev), ErrCodeInvalidState, "fence already released")
	}
	delete(p.inUse, f)
	if p.closed || (p.maxFree > 0 && len(p.free) >= p.maxFree) {
		// Torn-down pool or full free list; destroy rather than retain.
		p.mu.Unlock()
		err := f.Destroy()
		p.mu.Lock()
		p.observer.ObserveRelease()
		return err
	}
	p.free = append(p.free, f)
	p.observer.ObserveRelease()
	return nil
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Free = len(p.free)
	s.InUse = len(p.inUse)
	return s
}

// Close destroys all free fences. Fences still in use are reported as
// InvalidState; callers must drain outstanding work (WaitFor or
// ReapCompleted on the tracker) before teardown.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	err := p.destroyFreeLocked()

	if len(p.inUse) > 0 {
		p.logger.Error("pool closed with fences in use", "in_use", len(p.inUse))
		return NewDeviceError("CLOSE", uint32(p.dev), ErrCodeInvalidState, "fences still in use at close")
	}
	return err
}

// destroyFreeLocked destroys every fence on the free list. Caller holds mu.
func (p *Pool) destroyFreeLocked() error {
	var firstErr error
	for _, f := range p.free {
		if err := f.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.free = nil
	return firstErr
}
