package fence

import (
	"testing"
	"time"
)

func newTestDevice(t *testing.T) (DeviceID, *MockDriver) {
	t.Helper()
	drv := NewMockDriver()
	dev := RegisterDevice(drv)
	t.Cleanup(func() { UnregisterDevice(dev) })
	return dev, drv
}

func TestNewFenceUnsignaled(t *testing.T) {
	dev, _ := newTestDevice(t)

	f, err := New(dev)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Destroy()

	if f.IsSignaled() {
		t.Error("freshly created fence should not be signaled")
	}
	if f.Device() != dev {
		t.Errorf("Device() = %d, want %d", f.Device(), dev)
	}
}

func TestSignalResetRoundTrip(t *testing.T) {
	dev, drv := newTestDevice(t)

	f, err := New(dev)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Destroy()

	if err := drv.SignalFence(f.Handle()); err != nil {
		t.Fatalf("SignalFence failed: %v", err)
	}

	status, err := f.Wait(WaitForever)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if status != WaitSignaled {
		t.Fatalf("Wait = %v, want signaled", status)
	}

	if err := f.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if f.IsSignaled() {
		t.Error("fence should be unsignaled after reset")
	}

	// Reset on an already-unsignaled fence is a no-op that succeeds
	if err := f.Reset(); err != nil {
		t.Errorf("Reset of unsignaled fence failed: %v", err)
	}
}

func TestWaitZeroTimeoutPolls(t *testing.T) {
	dev, _ := newTestDevice(t)

	f, err := New(dev)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Destroy()

	start := time.Now()
	status, err := f.Wait(0)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Wait(0) failed: %v", err)
	}
	if status != WaitTimedOut {
		t.Errorf("Wait(0) on unsignaled fence = %v, want timed out", status)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("Wait(0) blocked for %v, want non-blocking poll", elapsed)
	}
}

func TestWaitBlocksUntilSignal(t *testing.T) {
	dev, drv := newTestDevice(t)

	f, err := New(dev)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Destroy()

	const delay = 20 * time.Millisecond
	go func() {
		time.Sleep(delay)
		drv.SignalFence(f.Handle())
	}()

	start := time.Now()
	status, err := f.Wait(WaitForever)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if status != WaitSignaled {
		t.Fatalf("Wait = %v, want signaled", status)
	}
	if elapsed < delay {
		t.Errorf("Wait returned after %v, before the device signaled at %v", elapsed, delay)
	}
}

func TestWaitBoundedTimeout(t *testing.T) {
	dev, _ := newTestDevice(t)

	f, err := New(dev)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Destroy()

	status, err := f.Wait(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if status != WaitTimedOut {
		t.Errorf("bounded wait on unsignaled fence = %v, want timed out", status)
	}
}

func TestWaitDeviceLost(t *testing.T) {
	dev, drv := newTestDevice(t)

	f, err := New(dev)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		drv.SetDeviceLost()
	}()

	status, err := f.Wait(WaitForever)
	if status != WaitDeviceError {
		t.Fatalf("Wait on lost device = %v, want device error", status)
	}
	if err == nil {
		t.Fatal("Wait on lost device should return an error")
	}
}

func TestDestroyInFlightFence(t *testing.T) {
	dev, drv := newTestDevice(t)

	f, err := New(dev)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	f.markInFlight(true)
	if err := f.Destroy(); !IsCode(err, ErrCodeInvalidState) {
		t.Errorf("Destroy of in-flight fence = %v, want invalid state", err)
	}

	// Once the work completes and the signal is observed, destroy succeeds
	drv.SignalFence(f.Handle())
	if !f.IsSignaled() {
		t.Fatal("fence should be signaled")
	}
	if err := f.Destroy(); err != nil {
		t.Errorf("Destroy after signal observed failed: %v", err)
	}

	// Double destroy is a no-op
	if err := f.Destroy(); err != nil {
		t.Errorf("second Destroy failed: %v", err)
	}
}

func TestFenceOutlivesDevice(t *testing.T) {
	drv := NewMockDriver()
	dev := RegisterDevice(drv)

	f, err := New(dev)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := UnregisterDevice(dev); err != nil {
		t.Fatalf("UnregisterDevice failed: %v", err)
	}

	status, err := f.Wait(0)
	if status != WaitDeviceError {
		t.Errorf("Wait after device teardown = %v, want device error", status)
	}
	if !IsCode(err, ErrCodeDeviceNotFound) {
		t.Errorf("Wait after device teardown error = %v, want device not found", err)
	}

	if err := f.Reset(); !IsCode(err, ErrCodeDeviceNotFound) {
		t.Errorf("Reset after device teardown = %v, want device not found", err)
	}

	// Destroy tolerates the torn-down device; the handle died with it
	if err := f.Destroy(); err != nil {
		t.Errorf("Destroy after device teardown failed: %v", err)
	}
}

func TestCreateOnUnknownDevice(t *testing.T) {
	_, err := New(DeviceID(0))
	if !IsCode(err, ErrCodeDeviceNotFound) {
		t.Errorf("New on unknown device = %v, want device not found", err)
	}
}

func TestSupportsExportCapability(t *testing.T) {
	dev, drv := newTestDevice(t)

	f, err := New(dev)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Destroy()

	if f.SupportsExport() {
		t.Error("mock driver should not export by default")
	}

	drv.SetExportable(true)
	if !f.SupportsExport() {
		t.Error("SupportsExport should follow the driver capability")
	}
}
