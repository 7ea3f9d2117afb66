package pool

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"tunstack/internal/alloc"
	"tunstack/internal/config"
	pkgerrors "tunstack/pkg/errors"
)

// Manager owns every pool of one stack instance plus its heap region. It is
// built once from validated options and all stack memory flows through it.
type Manager struct {
	opts      *config.Options
	allocator alloc.Allocator
	pools     [numKinds]*Pool

	mu         sync.Mutex
	heapSize   int
	heapBlocks map[*byte][]byte
	heap       HeapStats
	closed     bool
}

// HeapStats describes the heap region.
type HeapStats struct {
	Size     int
	Used     int
	Peak     int
	Blocks   int
	Failures uint64
}

// Snapshot is a consistent-enough view of all pools and the heap region.
// Pools of disabled kinds are omitted.
type Snapshot struct {
	Pools []Stats
	Heap  HeapStats
}

// NewManager validates opts and builds the pools of every enabled kind.
// Nothing is allocated until objects are requested.
func NewManager(opts *config.Options, a alloc.Allocator) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		opts:       opts,
		allocator:  a,
		heapSize:   int(opts.Heap.Size),
		heapBlocks: make(map[*byte][]byte),
	}
	m.heap.Size = m.heapSize

	for _, k := range Kinds() {
		if n := capacity(k, opts); n > 0 {
			m.pools[k] = New(k, n, ObjectSize(k, opts), a)
		}
	}
	return m, nil
}

// Options returns the options the manager was built from.
func (m *Manager) Options() *config.Options {
	return m.opts
}

// Pool returns the pool of kind k, or nil when k is disabled.
func (m *Manager) Pool(k Kind) *Pool {
	if k >= numKinds {
		return nil
	}
	return m.pools[k]
}

// Get takes one object of kind k.
func (m *Manager) Get(k Kind) (Handle, []byte, error) {
	p := m.Pool(k)
	if p == nil {
		return Handle{}, nil, &pkgerrors.PoolError{Kind: k.String(), Err: pkgerrors.ErrProtocolDisabled}
	}
	return p.Get()
}

// Put releases the object named by h.
func (m *Manager) Put(h Handle) error {
	p := m.Pool(h.Kind)
	if p == nil {
		return &pkgerrors.PoolError{Kind: h.Kind.String(), Err: pkgerrors.ErrStaleHandle}
	}
	return p.Put(h)
}

// Malloc takes size bytes from the heap region. The region is charged the
// capacity of the returned block.
func (m *Manager) Malloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, &pkgerrors.AllocError{Op: "malloc", Size: size, Err: pkgerrors.ErrAllocFailed}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heap.Used+size > m.heapSize {
		m.heap.Failures++
		return nil, &pkgerrors.AllocError{Op: "malloc", Size: size, Err: pkgerrors.ErrHeapExhausted}
	}
	buf := m.allocator.Alloc(size)
	if buf == nil {
		m.heap.Failures++
		return nil, &pkgerrors.AllocError{Op: "malloc", Size: size, Err: pkgerrors.ErrAllocFailed}
	}
	if m.heap.Used+cap(buf) > m.heapSize {
		m.allocator.Free(buf)
		m.heap.Failures++
		return nil, &pkgerrors.AllocError{Op: "malloc", Size: size, Err: pkgerrors.ErrHeapExhausted}
	}

	m.heapBlocks[&buf[:1][0]] = buf
	m.heap.Used += cap(buf)
	m.heap.Blocks++
	if m.heap.Used > m.heap.Peak {
		m.heap.Peak = m.heap.Used
	}
	return buf, nil
}

// Free returns a block obtained from Malloc.
func (m *Manager) Free(buf []byte) error {
	if cap(buf) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := &buf[:1][0]
	block, ok := m.heapBlocks[id]
	if !ok {
		return &pkgerrors.AllocError{Op: "free", Size: len(buf), Err: pkgerrors.ErrForeignPointer}
	}
	delete(m.heapBlocks, id)
	m.heap.Used -= cap(block)
	m.heap.Blocks--
	m.allocator.Free(block)
	return nil
}

// Snapshot returns the current usage of every enabled pool and the heap.
func (m *Manager) Snapshot() Snapshot {
	var s Snapshot
	for _, p := range m.pools {
		if p != nil {
			s.Pools = append(s.Pools, p.Stats())
		}
	}
	m.mu.Lock()
	s.Heap = m.heap
	m.mu.Unlock()
	return s
}

// Close releases every object and heap block still held. Anything still
// live is reported as a leak; the memory is released regardless.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var errs error
	if n := len(m.heapBlocks); n > 0 {
		errs = multierr.Append(errs, &pkgerrors.PoolError{
			Kind: "heap",
			Err:  fmt.Errorf("%d blocks (%d bytes): %w", n, m.heap.Used, pkgerrors.ErrLeaked),
		})
	}
	for _, block := range m.heapBlocks {
		m.allocator.Free(block)
	}
	clear(m.heapBlocks)
	m.heap.Used, m.heap.Blocks = 0, 0
	m.mu.Unlock()

	for _, p := range m.pools {
		if p == nil {
			continue
		}
		if n := p.drain(); n > 0 {
			errs = multierr.Append(errs, &pkgerrors.PoolError{
				Kind: p.kind.String(),
				Err:  fmt.Errorf("%d objects: %w", n, pkgerrors.ErrLeaked),
			})
		}
	}
	return errs
}
