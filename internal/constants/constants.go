package constants

import "time"

// Default configuration constants
const (
	// DefaultPoolPrealloc is the number of fences a pool creates up front
	DefaultPoolPrealloc = 0

	// DefaultMaxFree is the default cap on retained free fences (0 = unbounded)
	DefaultMaxFree = 0
)

// Timing constants for fence waits
const (
	// WaitForever requests an unbounded blocking wait
	WaitForever = time.Duration(-1)

	// MaxPollTimeout caps a single poll(2) timeout so deadline bookkeeping
	// stays responsive to device-lost transitions
	MaxPollTimeout = 1 * time.Second
)

// InvalidFd marks an absent file descriptor
const InvalidFd = -1
