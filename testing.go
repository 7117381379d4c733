package fence

import (
	"sync"
	"time"

	"github.com/ehrlich-b/go-fence/internal/interfaces"
)

// MockDriver provides a mock implementation of Driver for testing.
// It implements the optional signal and export interfaces and tracks
// method calls for verification. Exported "fds" are synthetic tokens
// that never touch the OS; they are only valid for ImportFence on the
// same mock.
type MockDriver struct {
	mu         sync.Mutex
	fences     map[Handle]*mockFence
	exported   map[int]Handle
	nextHandle Handle
	nextFd     int
	closed     bool
	lost       bool
	exportable bool

	// Method call tracking
	createCalls  int
	destroyCalls int
	resetCalls   int
	waitCalls    int
	signalCalls  int
	exportCalls  int
	importCalls  int
}

type mockFence struct {
	signaled bool
	done     chan struct{}
}

// NewMockDriver creates a new mock driver. Export capability is off by
// default; enable it with SetExportable.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		fences:   make(map[Handle]*mockFence),
		exported: make(map[int]Handle),
		nextFd:   1000, // away from real fd ranges so misuse is obvious
	}
}

// SetExportable toggles the export capability.
func (m *MockDriver) SetExportable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exportable = v
}

// SetDeviceLost forces every outstanding and future wait to report a
// device error.
func (m *MockDriver) SetDeviceLost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lost {
		return
	}
	m.lost = true
	// Release all parked waiters so they observe the lost state.
	// Imported handles share the exporter's channel; close each once.
	closed := make(map[chan struct{}]bool)
	for _, f := range m.fences {
		if !f.signaled && !closed[f.done] {
			closed[f.done] = true
			close(f.done)
		}
	}
}

// Name implements the Driver interface
func (m *MockDriver) Name() string { return "mock" }

// CreateFence implements the Driver interface
func (m *MockDriver) CreateFence() (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createCalls++

	if m.closed {
		return 0, ErrDeviceNotFound
	}
	if m.lost {
		return 0, ErrDeviceLost
	}

	m.nextHandle++
	h := m.nextHandle
	m.fences[h] = &mockFence{done: make(chan struct{})}
	return h, nil
}

// DestroyFence implements the Driver interface
func (m *MockDriver) DestroyFence(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.destroyCalls++

	if _, ok := m.fences[h]; !ok {
		return ErrInvalidParameters
	}
	delete(m.fences, h)
	return nil
}

// ResetFence implements the Driver interface
func (m *MockDriver) ResetFence(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetCalls++

	if m.lost {
		return ErrDeviceLost
	}
	f, ok := m.fences[h]
	if !ok {
		return ErrInvalidParameters
	}
	if f.signaled {
		f.signaled = false
		f.done = make(chan struct{})
	}
	return nil
}

// WaitFence implements the Driver interface
func (m *MockDriver) WaitFence(h Handle, timeout time.Duration) (interfaces.Status, error) {
	m.mu.Lock()
	m.waitCalls++
	if m.lost {
		m.mu.Unlock()
		return interfaces.StatusDeviceError, ErrDeviceLost
	}
	f, ok := m.fences[h]
	if !ok {
		m.mu.Unlock()
		return interfaces.StatusDeviceError, ErrInvalidParameters
	}
	if f.signaled {
		m.mu.Unlock()
		return interfaces.StatusSignaled, nil
	}
	done := f.done
	m.mu.Unlock()

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

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lost && !f.signaled {
		return interfaces.StatusDeviceError, ErrDeviceLost
	}
	return interfaces.StatusSignaled, nil
}

// SignalFence implements the SignalDriver interface
func (m *MockDriver) SignalFence(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.signalCalls++

	f, ok := m.fences[h]
	if !ok {
		return ErrInvalidParameters
	}
	if !f.signaled {
		f.signaled = true
		close(f.done)
	}
	return nil
}

// SupportsExport implements the ExportDriver interface
func (m *MockDriver) SupportsExport() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exportable
}

// ExportFence implements the ExportDriver interface
func (m *MockDriver) ExportFence(h Handle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.exportCalls++

	if !m.exportable {
		return -1, ErrUnsupported
	}
	if _, ok := m.fences[h]; !ok {
		return -1, ErrInvalidParameters
	}
	m.nextFd++
	m.exported[m.nextFd] = h
	return m.nextFd, nil
}

// ImportFence implements the ExportDriver interface
func (m *MockDriver) ImportFence(fd int) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.importCalls++

	if !m.exportable {
		return 0, ErrUnsupported
	}
	src, ok := m.exported[fd]
	if !ok {
		return 0, ErrInvalidParameters
	}
	orig, ok := m.fences[src]
	if !ok {
		return 0, ErrInvalidParameters
	}

	// The imported handle aliases the original fence state, so waits
	// on either handle observe the same completion event.
	m.nextHandle++
	h := m.nextHandle
	m.fences[h] = orig
	return h, nil
}

// Close implements the Driver interface
func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// CallCounts returns the per-method call counters for verification.
func (m *MockDriver) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"create":  m.createCalls,
		"destroy": m.destroyCalls,
		"reset":   m.resetCalls,
		"wait":    m.waitCalls,
		"signal":  m.signalCalls,
		"export":  m.exportCalls,
		"import":  m.importCalls,
	}
}

// LiveFences returns the number of native handles not yet destroyed.
func (m *MockDriver) LiveFences() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fences)
}

// Compile-time interface checks
var _ Driver = (*MockDriver)(nil)
var _ SignalDriver = (*MockDriver)(nil)
var _ ExportDriver = (*MockDriver)(nil)
