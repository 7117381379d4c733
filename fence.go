// Package fence provides host-side synchronization with asynchronous
// device work. A Fence wraps one native device-level synchronization
// handle; a Pool recycles fences across submissions; a Tracker maps
// in-flight submissions to the fences that guard them.
package fence

import (
	"sync"
	"time"

	"github.com/ehrlich-b/go-fence/internal/interfaces"
	"github.com/ehrlich-b/go-fence/internal/logging"
)

// Fence tracks completion of one unit of submitted device work. The
// native handle is owned exclusively by the Fence; the device is
// borrowed by ID and must outlive the fence.
//
// A fence is safe for one concurrent waiter at a time. Concurrent waits
// from multiple goroutines are well-defined reads, but only one caller
// should own the release decision to avoid a double release into a Pool.
type Fence struct {
	dev    DeviceID
	handle Handle
	logger *logging.Logger

	mu        sync.Mutex
	destroyed bool
	imported  bool // wait-only: Reset and pool Release are invalid
	inFlight  bool // set while guarding submitted, unobserved work
}

// New allocates a native fence bound to the given device, in the
// unsignaled state.
func New(dev DeviceID) (*Fence, error) {
	drv, err := lookupDriver("CREATE", dev)
	if err != nil {
		return nil, err
	}

	h, err := drv.CreateFence()
	if err != nil {
		return nil, WrapError("CREATE", err)
	}

	return &Fence{
		dev:    dev,
		handle: h,
		logger: logging.Default().WithDevice(uint32(dev)).WithFence(uint64(h)),
	}, nil
}

// Device returns the ID of the device the fence is bound to.
func (f *Fence) Device() DeviceID {
	return f.dev
}

// Handle returns the native fence handle. The handle stays owned by the
// Fence; callers pass it to submission APIs but must not destroy it.
func (f *Fence) Handle() Handle {
	return f.handle
}

// Imported reports whether the fence wraps an externally created handle
// and is therefore wait-only.
func (f *Fence) Imported() bool {
	return f.imported
}

// markInFlight records that submitted work is now guarded by the fence.
// Called by the Tracker at Track time.
func (f *Fence) markInFlight(v bool) {
	f.mu.Lock()
	f.inFlight = v
	f.mu.Unlock()
}

// Reset transitions a signaled fence back to unsignaled, preparing it
// for reuse. Resetting an already-unsignaled fence is a no-op that
// still succeeds.
func (f *Fence) Reset() error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return NewDeviceError("RESET", uint32(f.dev), ErrCodeInvalidState, "fence is destroyed")
	}
	if f.imported {
		f.mu.Unlock()
		return NewDeviceError("RESET", uint32(f.dev), ErrCodeInvalidState, "imported fences are wait-only")
	}
	f.mu.Unlock()

	drv, err := lookupDriver("RESET", f.dev)
	if err != nil {
		return err
	}

	if err := drv.ResetFence(f.handle); err != nil {
		f.logger.WithError(err).Error("fence reset failed")
		return WrapError("RESET", err)
	}
	return nil
}

// Wait blocks until the fence signals or timeout elapses. A timeout of
// zero degenerates to a non-blocking poll; WaitForever blocks
// indefinitely. The error is non-nil only when the status is
// WaitDeviceError; a timeout is an expected outcome, not an error.
//
// Once Wait returns WaitSignaled, all device-side writes guarded by
// the fence are visible to the caller.
func (f *Fence) Wait(timeout time.Duration) (WaitStatus, error) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return WaitDeviceError, NewDeviceError("WAIT", uint32(f.dev), ErrCodeInvalidState, "fence is destroyed")
	}
	f.mu.Unlock()

	drv, err := lookupDriver("WAIT", f.dev)
	if err != nil {
		return WaitDeviceError, err
	}

	start := time.Now()
	f.logger.WaitStart(uint64(f.handle), int64(timeout))

	status, werr := f.rawWait(drv, timeout)

	switch status {
	case WaitSignaled:
		f.mu.Lock()
		f.inFlight = false
		f.mu.Unlock()
		f.logger.WaitComplete(uint64(f.handle), status.String(), time.Since(start).Microseconds())
		return WaitSignaled, nil
	case WaitTimedOut:
		f.logger.WaitComplete(uint64(f.handle), status.String(), time.Since(start).Microseconds())
		return WaitTimedOut, nil
	default:
		werr = WrapError("WAIT", werr)
		f.logger.WaitError(uint64(f.handle), werr)
		return WaitDeviceError, werr
	}
}

// rawWait issues the blocking native wait. The public Wait adds the
// timeout bookkeeping and normalizes driver codes so callers never
// branch on native status values.
func (f *Fence) rawWait(drv Driver, timeout time.Duration) (WaitStatus, error) {
	status, err := drv.WaitFence(f.handle, timeout)
	if status == interfaces.StatusDeviceError && err == nil {
		err = NewDeviceError("WAIT", uint32(f.dev), ErrCodeDeviceLost, "driver reported device error")
	}
	return status, err
}

// IsSignaled reports whether the fence has signaled. Equivalent to
// Wait(0) returning WaitSignaled; device errors read as false.
func (f *Fence) IsSignaled() bool {
	status, _ := f.Wait(0)
	return status == WaitSignaled
}

// SupportsExport reports whether this fence can be exported as a
// cross-process OS handle. False is a supported outcome callers must
// branch on, not an error.
func (f *Fence) SupportsExport() bool {
	drv, err := lookupDriver("EXPORT", f.dev)
	if err != nil {
		return false
	}
	ed, ok := drv.(ExportDriver)
	return ok && ed.SupportsExport()
}

// Destroy releases the native handle. Destroying a fence that is still
// guarding in-flight, unobserved work is a contract violation: the
// device may still write to memory the caller believes is free. It is
// reported as InvalidState rather than silently tolerated.
func (f *Fence) Destroy() error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return nil
	}
	if f.inFlight {
		f.mu.Unlock()
		f.logger.Error("destroy called on in-flight fence")
		return NewDeviceError("DESTROY", uint32(f.dev), ErrCodeInvalidState, "fence still guards in-flight work")
	}
	f.destroyed = true
	f.mu.Unlock()

	drv, err := lookupDriver("DESTROY", f.dev)
	if err != nil {
		// Device already torn down; the handle died with it.
		return nil
	}

	if err := drv.DestroyFence(f.handle); err != nil {
		return WrapError("DESTROY", err)
	}
	return nil
}
