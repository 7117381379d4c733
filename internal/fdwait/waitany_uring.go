//go:build linux && uringwait

package fdwait

import (
	"syscall"
	"time"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// WaitAny blocks until at least one of fds becomes readable or timeout
// elapses, and returns the readable fds. This variant batches the fds
// into a single io_uring submission instead of poll(2), which avoids
// rebuilding the kernel poll set on every sweep when many exported
// fences are outstanding.
//
// The ring is one-shot per call, so no poll registrations outlive the
// wait.
func WaitAny(fds []int, timeout time.Duration) ([]int, error) {
	if len(fds) == 0 {
		return nil, nil
	}

	ring, err := giouring.CreateRing(uint32(len(fds) + 1))
	if err != nil {
		return nil, err
	}
	defer ring.QueueExit()

	for _, fd := range fds {
		sqe := ring.GetSQE()
		if sqe == nil {
			return nil, unix.EBUSY
		}
		sqe.PreparePollAdd(fd, unix.POLLIN)
		sqe.UserData = uint64(fd)
	}

	if _, err := ring.Submit(); err != nil {
		return nil, err
	}

	var ts *syscall.Timespec
	if timeout >= 0 {
		t := syscall.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	cqe, err := ring.WaitCQETimeout(ts)
	if err == unix.ETIME || err == unix.EAGAIN {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ready := []int{int(cqe.UserData)}
	ring.CQESeen(cqe)

	// Drain any further completions that landed in the same window.
	for {
		cqe, err := ring.PeekCQE()
		if err != nil || cqe == nil {
			break
		}
		ready = append(ready, int(cqe.UserData))
		ring.CQESeen(cqe)
	}

	return ready, nil
}
