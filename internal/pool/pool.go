// Package pool provides the fixed-capacity object pools and the heap region
// that bound every resource the stack can hold at once.
package pool

import (
	"fmt"
	"sync"

	"tunstack/internal/alloc"
	pkgerrors "tunstack/pkg/errors"
)

// Handle names one live pool object. The generation changes every time the
// slot is released, so a handle kept past Put is recognised as stale.
type Handle struct {
	Kind  Kind
	Index uint32
	Gen   uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%s[%d#%d]", h.Kind, h.Index, h.Gen)
}

type slot struct {
	mem  []byte
	gen  uint32
	used bool
}

// Pool hands out at most Capacity objects of one kind. It never grows and
// never evicts: once full, Get fails until an object is Put back.
type Pool struct {
	kind       Kind
	objectSize int
	allocator  alloc.Allocator

	mu    sync.Mutex
	slots []slot
	free  []uint32
	stats Stats
}

// Stats is a point-in-time view of a Pool.
type Stats struct {
	Kind       Kind
	Capacity   int
	ObjectSize int
	Used       int
	HighWater  int
	Gets       uint64
	Puts       uint64
	Failures   uint64
}

// New returns an empty pool of capacity objects, each objectSize bytes and
// obtained from a when handed out.
func New(kind Kind, capacity, objectSize int, a alloc.Allocator) *Pool {
	p := &Pool{
		kind:       kind,
		objectSize: objectSize,
		allocator:  a,
		slots:      make([]slot, capacity),
		free:       make([]uint32, capacity),
	}
	// lowest index is handed out first
	for i := range p.free {
		p.free[i] = uint32(capacity - 1 - i)
	}
	p.stats = Stats{Kind: kind, Capacity: capacity, ObjectSize: objectSize}
	return p
}

// Kind returns the kind of object p holds.
func (p *Pool) Kind() Kind {
	return p.kind
}

// Get takes one object. The returned memory is zeroed. When the pool is
// full or the allocator cannot supply the memory, Get returns a
// *errors.PoolError wrapping ErrPoolExhausted or ErrAllocFailed.
func (p *Pool) Get() (Handle, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Gets++
	if len(p.free) == 0 {
		p.stats.Failures++
		return Handle{}, nil, &pkgerrors.PoolError{Kind: p.kind.String(), Err: pkgerrors.ErrPoolExhausted}
	}

	mem := p.allocator.Calloc(1, p.objectSize)
	if mem == nil {
		p.stats.Failures++
		return Handle{}, nil, &pkgerrors.PoolError{Kind: p.kind.String(), Err: pkgerrors.ErrAllocFailed}
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s := &p.slots[idx]
	s.mem = mem
	s.used = true

	p.stats.Used++
	if p.stats.Used > p.stats.HighWater {
		p.stats.HighWater = p.stats.Used
	}
	return Handle{Kind: p.kind, Index: idx, Gen: s.gen}, mem, nil
}

// Put releases the object named by h. Releasing a handle twice, or a handle
// from another pool, returns ErrStaleHandle and releases nothing.
func (p *Pool) Put(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(h)
	if err != nil {
		return err
	}

	p.allocator.Free(s.mem)
	s.mem = nil
	s.used = false
	s.gen++
	p.free = append(p.free, h.Index)

	p.stats.Used--
	p.stats.Puts++
	return nil
}

// Mem returns the memory of a live object.
func (p *Pool) Mem(h Handle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.mem, nil
}

// must hold p.mu
func (p *Pool) lookup(h Handle) (*slot, error) {
	if h.Kind != p.kind || int(h.Index) >= len(p.slots) {
		return nil, &pkgerrors.PoolError{Kind: p.kind.String(), Err: pkgerrors.ErrStaleHandle}
	}
	s := &p.slots[h.Index]
	if !s.used || s.gen != h.Gen {
		return nil, &pkgerrors.PoolError{Kind: p.kind.String(), Err: pkgerrors.ErrStaleHandle}
	}
	return s, nil
}

// Available reports how many more objects Get can hand out.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// drain releases every live object and returns how many there were.
func (p *Pool) drain() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for i := range p.slots {
		s := &p.slots[i]
		if !s.used {
			continue
		}
		p.allocator.Free(s.mem)
		s.mem = nil
		s.used = false
		s.gen++
		p.free = append(p.free, uint32(i))
		n++
	}
	p.stats.Used = 0
	return n
}
