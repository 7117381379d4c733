//go:build linux

// Package eventfd provides a Linux fence driver whose native handle is
// an eventfd. Signaling writes to the counter, waiting polls for
// readability, and resetting drains the counter. Because the handle is
// a real file descriptor, fences from this driver can be exported to
// and imported from other processes.
//
// Imported handles are wait-only by contract: the importing side must
// not reset the counter it does not own.
package eventfd

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-fence/internal/fdwait"
	"github.com/ehrlich-b/go-fence/internal/interfaces"
	"github.com/ehrlich-b/go-fence/internal/logging"
)

var (
	// ErrClosed is returned for operations on a closed driver.
	ErrClosed = errors.New("eventfd: driver is closed")

	// ErrUnknownFence is returned for handles the driver does not own.
	ErrUnknownFence = errors.New("eventfd: unknown fence handle")

	// ErrImported is returned when resetting or signaling an imported,
	// wait-only handle.
	ErrImported = errors.New("eventfd: imported fences are wait-only")
)

// Driver is an eventfd-backed fence driver. The native handle value is
// the eventfd file descriptor itself.
type Driver struct {
	mu      sync.Mutex
	handles map[interfaces.Handle]bool // handle -> imported
	closed  bool
	logger  *logging.Logger
}

// New creates an eventfd fence driver.
func New() *Driver {
	return &Driver{
		handles: make(map[interfaces.Handle]bool),
		logger:  logging.Default(),
	}
}

// Name implements the Driver interface
func (d *Driver) Name() string { return "eventfd" }

// CreateFence implements the Driver interface
func (d *Driver) CreateFence() (interfaces.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return 0, err
	}

	h := interfaces.Handle(fd)
	d.handles[h] = false
	return h, nil
}

// DestroyFence implements the Driver interface
func (d *Driver) DestroyFence(h interfaces.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.handles[h]; !ok {
		return ErrUnknownFence
	}
	delete(d.handles, h)
	return unix.Close(int(h))
}

// ResetFence implements the Driver interface. Draining the counter
// returns the fence to the unsignaled state; an empty counter is a
// no-op success.
func (d *Driver) ResetFence(h interfaces.Handle) error {
	d.mu.Lock()
	imported, ok := d.handles[h]
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return ErrUnknownFence
	}
	if imported {
		return ErrImported
	}

	var buf [8]byte
	_, err := unix.Read(int(h), buf[:])
	if err == unix.EAGAIN {
		// Counter already zero; the fence was never signaled.
		return nil
	}
	return err
}

// WaitFence implements the Driver interface
func (d *Driver) WaitFence(h interfaces.Handle, timeout time.Duration) (interfaces.Status, error) {
	d.mu.Lock()
	_, ok := d.handles[h]
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return interfaces.StatusDeviceError, ErrClosed
	}
	if !ok {
		return interfaces.StatusDeviceError, ErrUnknownFence
	}

	return fdwait.Wait(int(h), timeout)
}

// SignalFence implements the SignalDriver interface. The counter write
// makes the fd readable, releasing every waiter in this and any
// importing process.
func (d *Driver) SignalFence(h interfaces.Handle) error {
	d.mu.Lock()
	imported, ok := d.handles[h]
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return ErrUnknownFence
	}
	if imported {
		return ErrImported
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(int(h), buf[:])
	return err
}

// SupportsExport implements the ExportDriver interface
func (d *Driver) SupportsExport() bool { return true }

// ExportFence implements the ExportDriver interface. The returned fd is
// a dup of the fence's eventfd; the caller owns it and may pass it to
// another process, which waits on readability.
func (d *Driver) ExportFence(h interfaces.Handle) (int, error) {
	d.mu.Lock()
	_, ok := d.handles[h]
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return -1, ErrClosed
	}
	if !ok {
		return -1, ErrUnknownFence
	}

	fd, err := unix.Dup(int(h))
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// ImportFence implements the ExportDriver interface. The driver adopts
// fd; the resulting handle is wait-only.
func (d *Driver) ImportFence(fd int) (interfaces.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	// Validate the descriptor before adopting it.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return 0, err
	}

	h := interfaces.Handle(fd)
	d.handles[h] = true
	return h, nil
}

// WaitManySignaled polls a set of handles at once and returns those
// already or newly signaled within timeout. Sweep-style callers use
// this instead of N sequential waits; with the uringwait build tag the
// poll set is submitted as one io_uring batch.
func (d *Driver) WaitManySignaled(handles []interfaces.Handle, timeout time.Duration) ([]interfaces.Handle, error) {
	d.mu.Lock()
	fds := make([]int, 0, len(handles))
	for _, h := range handles {
		if _, ok := d.handles[h]; ok {
			fds = append(fds, int(h))
		}
	}
	d.mu.Unlock()

	ready, err := fdwait.WaitAny(fds, timeout)
	if err != nil {
		return nil, err
	}

	out := make([]interfaces.Handle, len(ready))
	for i, fd := range ready {
		out[i] = interfaces.Handle(fd)
	}
	return out, nil
}

// Close implements the Driver interface. All owned descriptors are
// closed; outstanding waits unblock with a device error.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.logger.Debug("eventfd driver closing", "open_fences", len(d.handles))

	var firstErr error
	for h := range d.handles {
		if err := unix.Close(int(h)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.handles = nil
	return firstErr
}

// Compile-time interface checks
var _ interfaces.Driver = (*Driver)(nil)
var _ interfaces.SignalDriver = (*Driver)(nil)
var _ interfaces.ExportDriver = (*Driver)(nil)
