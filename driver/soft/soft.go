// Package soft provides an in-process software fence driver. It backs
// fences with channels instead of a device, which makes it the default
// driver for simulations, CPU fallback backends, and tests that need
// deterministic completion without hardware.
//
// SignalFence stands in for the device-side signal: whatever executes
// the submitted work calls it on completion.
package soft

import (
	"errors"
	"sync"
	"time"

	"github.com/ehrlich-b/go-fence/internal/interfaces"
	"github.com/ehrlich-b/go-fence/internal/logging"
)

var (
	// ErrClosed is returned for operations on a closed driver.
	ErrClosed = errors.New("soft: driver is closed")

	// ErrDeviceLost is returned once the simulated device is lost.
	ErrDeviceLost = errors.New("soft: device lost")

	// ErrUnknownFence is returned for handles the driver did not create.
	ErrUnknownFence = errors.New("soft: unknown fence handle")
)

// Driver is a software fence driver. All methods are safe for
// concurrent use.
type Driver struct {
	mu     sync.Mutex
	fences map[interfaces.Handle]*state
	next   interfaces.Handle
	closed bool
	lost   bool
	logger *logging.Logger
}

type state struct {
	signaled bool
	done     chan struct{}
}

// New creates a software fence driver.
func New() *Driver {
	return &Driver{
		fences: make(map[interfaces.Handle]*state),
		logger: logging.Default(),
	}
}

// Name implements the Driver interface
func (d *Driver) Name() string { return "soft" }

// CreateFence implements the Driver interface
func (d *Driver) CreateFence() (interfaces.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	if d.lost {
		return 0, ErrDeviceLost
	}

	d.next++
	h := d.next
	d.fences[h] = &state{done: make(chan struct{})}
	return h, nil
}

// DestroyFence implements the Driver interface
func (d *Driver) DestroyFence(h interfaces.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.fences[h]; !ok {
		return ErrUnknownFence
	}
	delete(d.fences, h)
	return nil
}

// ResetFence implements the Driver interface
func (d *Driver) ResetFence(h interfaces.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return ErrDeviceLost
	}
	s, ok := d.fences[h]
	if !ok {
		return ErrUnknownFence
	}
	if s.signaled {
		s.signaled = false
		s.done = make(chan struct{})
	}
	return nil
}

// WaitFence implements the Driver interface. A zero timeout polls; a
// negative timeout waits until the fence signals or the device is lost.
func (d *Driver) WaitFence(h interfaces.Handle, timeout time.Duration) (interfaces.Status, error) {
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return interfaces.StatusDeviceError, ErrDeviceLost
	}
	s, ok := d.fences[h]
	if !ok {
		d.mu.Unlock()
		return interfaces.StatusDeviceError, ErrUnknownFence
	}
	if s.signaled {
		d.mu.Unlock()
		return interfaces.StatusSignaled, nil
	}
	done := s.done
	d.mu.Unlock()

	if timeout == 0 {
		return interfaces.StatusTimedOut, nil
	}

	if timeout < 0 {
		<-done
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			return interfaces.StatusTimedOut, nil
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost && !s.signaled {
		return interfaces.StatusDeviceError, ErrDeviceLost
	}
	return interfaces.StatusSignaled, nil
}

// SignalFence implements the SignalDriver interface. It is the
// device-side completion action: the submission layer calls it when the
// work tagged with the fence finishes.
func (d *Driver) SignalFence(h interfaces.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return ErrDeviceLost
	}
	s, ok := d.fences[h]
	if !ok {
		return ErrUnknownFence
	}
	if !s.signaled {
		s.signaled = true
		close(s.done)
	}
	return nil
}

// SetDeviceLost simulates losing the device. Every outstanding wait
// unblocks with a device error, and all subsequent operations fail.
func (d *Driver) SetDeviceLost() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return
	}
	d.lost = true
	d.logger.Warn("simulated device lost", "driver", d.Name())
	for _, s := range d.fences {
		if !s.signaled {
			close(s.done)
		}
	}
}

// Lost reports whether the simulated device has been lost.
func (d *Driver) Lost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// Pending returns the number of unsignaled fences.
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.fences {
		if !s.signaled {
			n++
		}
	}
	return n
}

// Close implements the Driver interface
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	// Unblock any remaining waiters; their fences die with the driver.
	for _, s := range d.fences {
		if !s.signaled {
			close(s.done)
		}
	}
	d.lost = true
	d.fences = nil
	return nil
}

// Compile-time interface checks
var _ interfaces.Driver = (*Driver)(nil)
var _ interfaces.SignalDriver = (*Driver)(nil)
