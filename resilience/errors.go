package resilience

import "errors"

// Sentinel errors for resilience operations.
var (
	// ErrAcquireTimeout is returned when a rate limiter slot could not
	// be acquired within the caller's deadline. Distinct from a server
	// rejection: the server was never asked.
	ErrAcquireTimeout = errors.New("resilience: rate limit acquire timed out")

	// ErrTimeout is returned when an operation exceeds its time budget.
	ErrTimeout = errors.New("resilience: operation timed out")
)
