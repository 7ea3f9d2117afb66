package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// Resource exhaustion. Recoverable: the requesting operation fails
	// (packet dropped, connection refused, send backpressured).
	ErrPoolExhausted = errors.New("pool exhausted")
	ErrAllocFailed   = errors.New("allocation failed")
	ErrHeapExhausted = errors.New("heap exhausted")
	ErrBackpressure  = errors.New("send buffer full")

	// Allocator contract violations
	ErrStaleHandle    = errors.New("stale or already released handle")
	ErrDoubleRelease  = errors.New("block released twice")
	ErrForeignPointer = errors.New("block was not returned by this allocator")
	ErrLeaked         = errors.New("objects still in use at shutdown")

	// Misconfiguration
	ErrMisconfigured = errors.New("invalid stack configuration")

	// Execution policy
	ErrCoreNotLocked = errors.New("core lock not held")
	ErrReentrant     = errors.New("re-entrant call into stack")

	// Input path
	ErrChecksum         = errors.New("checksum mismatch")
	ErrMalformed        = errors.New("malformed packet")
	ErrProtocolDisabled = errors.New("protocol disabled")
	ErrNoRoute          = errors.New("no endpoint for packet")

	// Connection errors
	ErrConnClosed  = errors.New("connection closed")
	ErrConnReset   = errors.New("connection reset by peer")
	ErrConnAborted = errors.New("connection aborted")
	ErrTimeout     = errors.New("connection timed out")
	ErrInUse       = errors.New("address already in use")

	// Engine errors
	ErrNotRoot        = errors.New("TUN mode requires elevated privileges")
	ErrUnknownBackend = errors.New("unknown engine backend")
)

// PoolError represents a pool-related error
type PoolError struct {
	Kind string
	Err  error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("pool %s: %v", e.Kind, e.Err)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}

// ConfigError represents a violated configuration invariant
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrMisconfigured
}

// AllocError represents an allocator contract violation
type AllocError struct {
	Op   string
	Size int
	Err  error
}

func (e *AllocError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("%s(%d): %v", e.Op, e.Size, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AllocError) Unwrap() error {
	return e.Err
}

// IsExhaustion reports whether err is a recoverable resource-exhaustion
// condition rather than a contract violation.
func IsExhaustion(err error) bool {
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrAllocFailed) ||
		errors.Is(err, ErrHeapExhausted) ||
		errors.Is(err, ErrBackpressure)
}
