package alloc

import (
	"math"
	"math/bits"

	"github.com/xjasonlyu/tun2socks/v2/buffer/allocator"
	"go.uber.org/atomic"
)

// maxPooledSize is the largest block served from the size-class pools.
// Larger requests are allocated directly and left to the collector on Free.
const maxPooledSize = 1 << 16

// Heap is the default Allocator. Blocks up to 64 KiB come from power-of-two
// size classes; an optional budget bounds the bytes outstanding at once.
type Heap struct {
	classes *allocator.Allocator
	budget  int64

	inUse    atomic.Int64
	peak     atomic.Int64
	blocks   atomic.Int64
	failures atomic.Uint64
}

// HeapStats is a point-in-time view of a Heap.
type HeapStats struct {
	InUse    int64
	Peak     int64
	Blocks   int64
	Budget   int64
	Failures uint64
}

// NewHeap returns a Heap that refuses requests once budget bytes are
// outstanding. A budget of zero or less means unbounded.
func NewHeap(budget int64) *Heap {
	return &Heap{
		classes: allocator.New(),
		budget:  budget,
	}
}

// Alloc returns a block of len size. Its contents are unspecified.
func (h *Heap) Alloc(size int) []byte {
	if size <= 0 {
		h.failures.Inc()
		return nil
	}

	charge := int64(blockCap(size))
	if !h.reserve(charge) {
		h.failures.Inc()
		return nil
	}

	var buf []byte
	if size <= maxPooledSize {
		buf = h.classes.Get(size)
	} else {
		buf = make([]byte, size)
	}
	if buf == nil {
		h.inUse.Sub(charge)
		h.failures.Inc()
		return nil
	}
	h.blocks.Inc()
	return buf
}

// Calloc returns a zeroed block of n*size bytes.
func (h *Heap) Calloc(n, size int) []byte {
	if n <= 0 || size <= 0 || n > math.MaxInt/size {
		h.failures.Inc()
		return nil
	}
	buf := h.Alloc(n * size)
	clear(buf)
	return buf
}

// Free returns buf to the heap.
func (h *Heap) Free(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	c := cap(buf)
	if c <= maxPooledSize && bits.OnesCount(uint(c)) == 1 {
		_ = h.classes.Put(buf)
	}
	h.inUse.Sub(int64(c))
	h.blocks.Dec()
}

// Stats returns current usage.
func (h *Heap) Stats() HeapStats {
	return HeapStats{
		InUse:    h.inUse.Load(),
		Peak:     h.peak.Load(),
		Blocks:   h.blocks.Load(),
		Budget:   h.budget,
		Failures: h.failures.Load(),
	}
}

func (h *Heap) reserve(n int64) bool {
	for {
		cur := h.inUse.Load()
		next := cur + n
		if h.budget > 0 && next > h.budget {
			return false
		}
		if h.inUse.CompareAndSwap(cur, next) {
			for {
				p := h.peak.Load()
				if next <= p || h.peak.CompareAndSwap(p, next) {
					return true
				}
			}
		}
	}
}

// blockCap is the capacity of the block that serves a request of size.
func blockCap(size int) int {
	if size > maxPooledSize {
		return size
	}
	return 1 << bits.Len(uint(size-1))
}
