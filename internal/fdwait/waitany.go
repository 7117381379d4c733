//go:build linux && !uringwait

package fdwait

import (
	"time"

	"golang.org/x/sys/unix"
)

// WaitAny blocks until at least one of fds becomes readable or timeout
// elapses, and returns the readable fds. A zero timeout polls; a
// negative timeout waits forever. An empty result with a nil error
// means the wait timed out.
func WaitAny(fds []int, timeout time.Duration) ([]int, error) {
	if len(fds) == 0 {
		return nil, nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	pollFds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pollFds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	for {
		n, err := unix.Poll(pollFds, timeoutMs(timeout, deadline))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}

		if n > 0 {
			ready := make([]int, 0, n)
			for i := range pollFds {
				if pollFds[i].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLNVAL) != 0 {
					ready = append(ready, fds[i])
				}
			}
			return ready, nil
		}

		if timeout == 0 || (timeout > 0 && !time.Now().Before(deadline)) {
			return nil, nil
		}
	}
}
