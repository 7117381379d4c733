//go:build linux

// Package fdwait blocks on fence file descriptors. The default
// implementation uses poll(2); building with -tags uringwait swaps in a
// batched io_uring waiter for callers that park on many fds at once.
package fdwait

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-fence/internal/constants"
	"github.com/ehrlich-b/go-fence/internal/interfaces"
)

// Wait blocks until fd becomes readable or timeout elapses. A zero
// timeout polls without blocking; a negative timeout waits forever.
// Readability is the fence-signaled condition for eventfd and sync-file
// style handles.
func Wait(fd int, timeout time.Duration) (interfaces.Status, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		// Bound each poll so deadline bookkeeping stays responsive and
		// EINTR retries cannot extend the total wait.
		pollMs := timeoutMs(timeout, deadline)

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return interfaces.StatusDeviceError, err
		}

		if n > 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				return interfaces.StatusDeviceError, unix.EBADF
			}
			return interfaces.StatusSignaled, nil
		}

		if timeout == 0 {
			return interfaces.StatusTimedOut, nil
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return interfaces.StatusTimedOut, nil
		}
	}
}

// timeoutMs computes the poll(2) timeout for one iteration.
func timeoutMs(timeout time.Duration, deadline time.Time) int {
	if timeout == 0 {
		return 0
	}
	max := int(constants.MaxPollTimeout / time.Millisecond)
	if timeout < 0 {
		return max
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	ms := int((remaining + time.Millisecond - 1) / time.Millisecond)
	if ms > max {
		return max
	}
	return ms
}
