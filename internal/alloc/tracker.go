package alloc

import (
	"sync"

	pkgerrors "tunstack/pkg/errors"
)

// Tracker wraps an Allocator and checks the ownership contract: every block
// returned by Alloc or Calloc is released exactly once through Free. A Free
// of a block the tracker never handed out, or one it already took back, is
// recorded as a violation and not forwarded to the wrapped allocator.
type Tracker struct {
	next Allocator

	mu         sync.Mutex
	live       map[*byte]int
	released   map[*byte]struct{}
	stats      TrackerStats
	violations []error
}

// TrackerStats counts calls made through a Tracker.
type TrackerStats struct {
	Allocs   uint64
	Callocs  uint64
	Frees    uint64
	Failures uint64
	Live     int
	LiveSize int
}

// NewTracker wraps next.
func NewTracker(next Allocator) *Tracker {
	return &Tracker{
		next:     next,
		live:     make(map[*byte]int),
		released: make(map[*byte]struct{}),
	}
}

func (t *Tracker) Alloc(size int) []byte {
	buf := t.next.Alloc(size)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Allocs++
	t.record(buf)
	return buf
}

func (t *Tracker) Calloc(n, size int) []byte {
	buf := t.next.Calloc(n, size)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Callocs++
	t.record(buf)
	return buf
}

func (t *Tracker) Free(buf []byte) {
	id := identity(buf)
	if id == nil {
		return
	}

	t.mu.Lock()
	size, ok := t.live[id]
	if !ok {
		err := pkgerrors.ErrForeignPointer
		if _, freed := t.released[id]; freed {
			err = pkgerrors.ErrDoubleRelease
		}
		t.violations = append(t.violations, &pkgerrors.AllocError{Op: "free", Size: len(buf), Err: err})
		t.mu.Unlock()
		return
	}
	delete(t.live, id)
	t.released[id] = struct{}{}
	t.stats.Frees++
	t.stats.LiveSize -= size
	t.mu.Unlock()

	t.next.Free(buf)
}

// must hold t.mu
func (t *Tracker) record(buf []byte) {
	id := identity(buf)
	if id == nil {
		t.stats.Failures++
		return
	}
	delete(t.released, id)
	t.live[id] = cap(buf)
	t.stats.LiveSize += cap(buf)
}

// Balance is the number of successful allocations not yet released.
func (t *Tracker) Balance() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.stats.Allocs+t.stats.Callocs-t.stats.Failures) - int(t.stats.Frees)
}

// Live is the number of blocks currently outstanding.
func (t *Tracker) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Violations returns the contract violations observed so far.
func (t *Tracker) Violations() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.violations...)
}

func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Live = len(t.live)
	return s
}
