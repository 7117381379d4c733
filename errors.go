package fence

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured fence error with context and errno mapping
type Error struct {
	Op         string        // Operation that failed (e.g., "CREATE", "WAIT", "EXPORT")
	Device     uint32        // Device ID (0 if not applicable)
	Submission uint64        // Submission ID (0 if not applicable)
	Code       ErrorCode     // High-level error category
	Errno      syscall.Errno // OS errno (0 if not applicable)
	Msg        string        // Human-readable message
	Inner      error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Device != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.Device))
	}

	if e.Submission != 0 {
		parts = append(parts, fmt.Sprintf("submission=%d", e.Submission))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("fence: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("fence: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for sentinel and structured comparison
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	// Support sentinel comparison
	if fe, ok := target.(FenceError); ok {
		return e.Code == ErrorCode(fe)
	}

	// Support structured Error comparison
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeDeviceLost        ErrorCode = "device lost"
	ErrCodeDeviceNotFound    ErrorCode = "device not found"
	ErrCodeOutOfResources    ErrorCode = "out of device resources"
	ErrCodeInvalidState      ErrorCode = "invalid fence state"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeUnsupported       ErrorCode = "unsupported capability"
	ErrCodeNotTracked        ErrorCode = "submission not tracked"
	ErrCodeIOError           ErrorCode = "I/O error"
)

// FenceError is a plain sentinel error type usable with errors.Is
type FenceError string

func (e FenceError) Error() string {
	return "fence: " + string(e)
}

// Sentinel error constants
const (
	ErrDeviceLost        FenceError = "device lost"
	ErrDeviceNotFound    FenceError = "device not found"
	ErrOutOfResources    FenceError = "out of device resources"
	ErrInvalidState      FenceError = "invalid fence state"
	ErrInvalidParameters FenceError = "invalid parameters"
	ErrUnsupported       FenceError = "unsupported capability"
	ErrNotTracked        FenceError = "submission not tracked"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewDeviceError creates a new device-scoped error
func NewDeviceError(op string, device uint32, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Device: device,
		Code:   code,
		Msg:    msg,
	}
}

// NewSubmissionError creates a new submission-scoped error
func NewSubmissionError(op string, device uint32, submission uint64, code ErrorCode, msg string) *Error {
	return &Error{
		Op:         op,
		Device:     device,
		Submission: submission,
		Code:       code,
		Msg:        msg,
	}
}

// WrapError wraps an existing error with fence context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if fe, ok := inner.(*Error); ok {
		return &Error{
			Op:         op,
			Device:     fe.Device,
			Submission: fe.Submission,
			Code:       fe.Code,
			Errno:      fe.Errno,
			Msg:        fe.Msg,
			Inner:      fe.Inner,
		}
	}

	// Driver sentinel errors carry their category in the string
	var fe FenceError
	if errors.As(inner, &fe) {
		return &Error{
			Op:    op,
			Code:  ErrorCode(fe),
			Msg:   string(fe),
			Inner: inner,
		}
	}

	// Map OS errnos to fence error codes
	code := ErrCodeIOError
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		code = mapErrnoToCode(errno)
		return &Error{
			Op:    op,
			Code:  code,
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps OS errnos to fence error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.EBADF:
		return ErrCodeDeviceNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeUnsupported
	case syscall.ENOMEM, syscall.ENOSPC, syscall.EMFILE, syscall.ENFILE:
		return ErrCodeOutOfResources
	case syscall.ENODEV, syscall.EIO:
		return ErrCodeDeviceLost
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var fenceErr *Error
	if errors.As(err, &fenceErr) {
		return fenceErr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var fenceErr *Error
	if errors.As(err, &fenceErr) {
		return fenceErr.Errno == errno
	}
	return false
}
