// Package registry maps opaque device IDs to fence drivers.
//
// Fences never hold a driver pointer directly; they hold a DeviceID and
// resolve it on every native call. A fence that outlives its device then
// fails lookups with a clear error instead of touching a torn-down
// driver handle.
package registry

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-fence/internal/interfaces"
)

// DeviceID identifies a registered device. The zero value is never a
// valid ID.
type DeviceID uint32

// NotRegisteredError is returned by Lookup for unknown or unregistered IDs.
type NotRegisteredError struct {
	ID DeviceID
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("fence: device %d is not registered", e.ID)
}

var (
	mu      sync.RWMutex
	devices = make(map[DeviceID]interfaces.Driver)
	nextID  DeviceID
)

// Register adds a driver and returns its device ID.
func Register(drv interfaces.Driver) DeviceID {
	mu.Lock()
	defer mu.Unlock()
	nextID++
	devices[nextID] = drv
	return nextID
}

// Lookup resolves a device ID to its driver.
func Lookup(id DeviceID) (interfaces.Driver, error) {
	mu.RLock()
	drv, ok := devices[id]
	mu.RUnlock()
	if !ok {
		return nil, &NotRegisteredError{ID: id}
	}
	return drv, nil
}

// Unregister removes a device. Outstanding fences bound to the ID fail
// their next driver call with NotRegisteredError. The driver itself is
// not closed; the caller owns its lifetime.
func Unregister(id DeviceID) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := devices[id]; !ok {
		return &NotRegisteredError{ID: id}
	}
	delete(devices, id)
	return nil
}

// Count returns the number of registered devices.
func Count() int {
	mu.RLock()
	defer mu.RUnlock()
	return len(devices)
}
