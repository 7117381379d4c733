package fence

import (
	"github.com/ehrlich-b/go-fence/internal/constants"
	"github.com/ehrlich-b/go-fence/internal/interfaces"
	"github.com/ehrlich-b/go-fence/internal/registry"
)

// Re-export constants for public API
const (
	// WaitForever requests an unbounded blocking wait
	WaitForever = constants.WaitForever

	// DefaultPoolPrealloc is the number of fences a pool creates up front
	DefaultPoolPrealloc = constants.DefaultPoolPrealloc

	// DefaultMaxFree is the default cap on retained free fences (0 = unbounded)
	DefaultMaxFree = constants.DefaultMaxFree
)

// WaitStatus is the tri-state outcome of a fence wait.
type WaitStatus = interfaces.Status

const (
	// WaitSignaled means the device completed the guarded work
	WaitSignaled = interfaces.StatusSignaled

	// WaitTimedOut means the timeout elapsed first; an expected outcome
	// of bounded waits, not an error
	WaitTimedOut = interfaces.StatusTimedOut

	// WaitDeviceError means the native wait failed
	WaitDeviceError = interfaces.StatusDeviceError
)

// Handle is an opaque, driver-scoped native fence handle.
type Handle = interfaces.Handle

// DeviceID identifies a registered device.
type DeviceID = registry.DeviceID

// Driver is the device-side contract fences call into.
type Driver = interfaces.Driver

// ExportDriver is the optional cross-process export capability.
type ExportDriver = interfaces.ExportDriver

// SignalDriver is the optional device-side signal hook.
type SignalDriver = interfaces.SignalDriver

// RegisterDevice registers a driver and returns its device ID. Fences
// reference devices through this ID rather than holding the driver
// directly, so a fence outliving its device fails cleanly instead of
// touching a torn-down handle.
func RegisterDevice(drv Driver) DeviceID {
	return registry.Register(drv)
}

// UnregisterDevice removes a device from the registry. The driver is
// not closed; the caller owns its lifetime.
func UnregisterDevice(id DeviceID) error {
	if err := registry.Unregister(id); err != nil {
		return NewDeviceError("UNREGISTER", uint32(id), ErrCodeDeviceNotFound, "device is not registered")
	}
	return nil
}

// lookupDriver resolves a device ID, normalizing registry errors.
func lookupDriver(op string, id DeviceID) (Driver, error) {
	drv, err := registry.Lookup(id)
	if err != nil {
		return nil, NewDeviceError(op, uint32(id), ErrCodeDeviceNotFound, "device is not registered")
	}
	return drv, nil
}
