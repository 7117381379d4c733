// Package interfaces defines the driver contract that fence primitives
// call into. A driver wraps one logical device (GPU, NPU, or a software
// simulation) and owns the native fence handles it hands out.
package interfaces

import "time"

// Handle is an opaque, driver-scoped native fence handle. Handles are
// only meaningful to the driver that created them; the fence package
// never interprets the value.
type Handle uint64

// Status is the tri-state outcome of a fence wait.
type Status int

const (
	// StatusSignaled means the device completed the guarded work.
	StatusSignaled Status = iota

	// StatusTimedOut means the timeout elapsed before the fence signaled.
	// This is an expected outcome of bounded waits, not an error.
	StatusTimedOut

	// StatusDeviceError means the native wait failed (device lost,
	// driver error). The accompanying error carries detail.
	StatusDeviceError
)

func (s Status) String() string {
	switch s {
	case StatusSignaled:
		return "signaled"
	case StatusTimedOut:
		return "timed out"
	case StatusDeviceError:
		return "device error"
	default:
		return "unknown"
	}
}

// Driver is the interface all fence drivers must implement. All methods
// must be safe for concurrent use; WaitFence may block and is only
// called from threads that can tolerate being parked.
type Driver interface {
	// Name returns a human-readable driver name (e.g. "soft", "eventfd").
	Name() string

	// CreateFence allocates a native fence in the unsignaled state.
	CreateFence() (Handle, error)

	// DestroyFence releases the native handle. The caller guarantees the
	// device can no longer signal it.
	DestroyFence(h Handle) error

	// ResetFence transitions a signaled fence back to unsignaled.
	// Resetting an already-unsignaled fence is a no-op that succeeds.
	ResetFence(h Handle) error

	// WaitFence blocks until the fence signals or timeout elapses.
	// A timeout of zero polls without blocking; a negative timeout
	// waits indefinitely. The returned error is non-nil only when the
	// status is StatusDeviceError.
	WaitFence(h Handle, timeout time.Duration) (Status, error)

	// Close tears down the driver. Outstanding handles become invalid
	// and subsequent operations on them fail.
	Close() error
}

// ExportDriver is an optional interface for drivers whose fences can be
// represented as OS-level file descriptors for cross-process waiting.
type ExportDriver interface {
	Driver

	// SupportsExport reports whether fences from this driver can be
	// exported. False is a supported outcome, not an error; callers
	// must branch on it before calling ExportFence.
	SupportsExport() bool

	// ExportFence returns a file descriptor representing the fence's
	// signal state. The caller owns the returned fd.
	ExportFence(h Handle) (int, error)

	// ImportFence wraps an externally created fence fd. Imported
	// handles are wait-only: the importer must not reset them.
	ImportFence(fd int) (Handle, error)
}

// SignalDriver is an optional interface for drivers that expose the
// device-side signal action. Submission layers call SignalFence when
// the work tagged with the fence completes; test code uses it to
// simulate device completion.
type SignalDriver interface {
	Driver

	// SignalFence marks the fence signaled, releasing all waiters.
	SignalFence(h Handle) error
}
