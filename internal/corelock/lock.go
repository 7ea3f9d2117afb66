// Package corelock serializes entry into the stack core.
//
// The stack is single-threaded: packet input, timer ticks and application
// calls must never run concurrently. The engine takes Lock around every
// call into the stack. When the stack runs without an OS layer there is a
// single execution context and AssertHeld checks nothing.
package corelock

import (
	"go.uber.org/atomic"

	"tunstack/internal/config"
	pkgerrors "tunstack/pkg/errors"
)

// Lock is the core lock.
type Lock struct {
	mu    mutex
	held  atomic.Bool
	check bool

	busy atomic.Bool
}

// New returns a core lock for opts. Ownership is only asserted when the
// stack runs with an OS layer and core locking enabled.
func New(opts *config.Options) *Lock {
	return &Lock{check: !opts.Features.NoSys && opts.Policy.CoreLocking}
}

func (l *Lock) Lock() {
	l.mu.Lock()
	l.held.Store(true)
}

func (l *Lock) Unlock() {
	l.held.Store(false)
	l.mu.Unlock()
}

// AssertHeld returns ErrCoreNotLocked if ownership is checked and the lock
// is not held.
func (l *Lock) AssertHeld() error {
	if !l.check || l.held.Load() {
		return nil
	}
	return pkgerrors.ErrCoreNotLocked
}

// Enter marks the core busy for the duration of a top-level entry point
// such as packet input or a timer tick. Callbacks run while the core is
// busy; an attempt to enter again from one returns ErrReentrant.
func (l *Lock) Enter() error {
	if err := l.AssertHeld(); err != nil {
		return err
	}
	if !l.busy.CompareAndSwap(false, true) {
		return pkgerrors.ErrReentrant
	}
	return nil
}

// Leave ends an entry started with Enter.
func (l *Lock) Leave() {
	l.busy.Store(false)
}

// Busy reports whether a top-level entry point is running.
func (l *Lock) Busy() bool {
	return l.busy.Load()
}
