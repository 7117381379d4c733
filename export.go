package fence

import (
	"github.com/ehrlich-b/go-fence/internal/logging"
)

// Export returns an OS-level file descriptor representing the fence's
// signal state, usable by another process to wait on the same
// completion event. The caller owns the returned fd and must close it.
//
// Export fails with Unsupported when the fence's device cannot export;
// callers must check SupportsExport first and fall back to in-process
// waiting plus explicit cross-process notification when unsupported.
func Export(f *Fence) (int, error) {
	if f == nil {
		return -1, NewError("EXPORT", ErrCodeInvalidParameters, "nil fence")
	}

	drv, err := lookupDriver("EXPORT", f.Device())
	if err != nil {
		return -1, err
	}

	ed, ok := drv.(ExportDriver)
	if !ok || !ed.SupportsExport() {
		return -1, NewDeviceError("EXPORT", uint32(f.Device()), ErrCodeUnsupported, "device cannot export fences")
	}

	fd, err := ed.ExportFence(f.Handle())
	if err != nil {
		return -1, WrapError("EXPORT", err)
	}

	DefaultObserver().ObserveExport()
	logging.Default().WithDevice(uint32(f.Device())).Debug("fence exported", "fence", uint64(f.Handle()), "fd", fd)
	return fd, nil
}

// Import constructs a Fence wrapping an externally created handle. The
// imported fence is wait-only: the exporting side owns the completion
// semantics, so Reset and pool Release fail with InvalidState. Destroy
// releases the imported handle.
//
// On success the fence owns fd; the caller must not close it.
func Import(dev DeviceID, fd int) (*Fence, error) {
	if fd < 0 {
		return nil, NewDeviceError("IMPORT", uint32(dev), ErrCodeInvalidParameters, "invalid file descriptor")
	}

	drv, err := lookupDriver("IMPORT", dev)
	if err != nil {
		return nil, err
	}

	ed, ok := drv.(ExportDriver)
	if !ok || !ed.SupportsExport() {
		return nil, NewDeviceError("IMPORT", uint32(dev), ErrCodeUnsupported, "device cannot import fences")
	}

	h, err := ed.ImportFence(fd)
	if err != nil {
		return nil, WrapError("IMPORT", err)
	}

	f := &Fence{
		dev:      dev,
		handle:   h,
		imported: true,
		logger:   logging.Default().WithDevice(uint32(dev)).WithFence(uint64(h)),
	}
	DefaultObserver().ObserveImport()
	logging.Default().WithDevice(uint32(dev)).Debug("fence imported", "fence", uint64(h), "fd", fd)
	return f, nil
}
