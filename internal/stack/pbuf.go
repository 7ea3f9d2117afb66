package stack

import (
	"go.uber.org/zap"

	"tunstack/internal/pool"
)

// pbuf is one pool buffer holding part of a packet.
type pbuf struct {
	h    pool.Handle
	data []byte
}

// chain is a received packet copied into one or more pool buffers. The
// first buffer keeps the link header reservation free in front of the data.
type chain struct {
	bufs []pbuf
	size int
}

// newChain copies pkt into pool buffers. On exhaustion every buffer taken
// so far is returned and the pool error is reported.
func (s *Stack) newChain(pkt []byte) (*chain, error) {
	g := s.opts.Geometry
	c := &chain{size: len(pkt)}

	rest := pkt
	reserve := g.LinkHeaderLen
	for len(rest) > 0 {
		h, mem, err := s.mgr.Get(pool.PbufPool)
		if err != nil {
			s.freeChain(c)
			return nil, err
		}
		room := mem[pool.PbufHeaderSize+reserve:]
		n := copy(room, rest)
		c.bufs = append(c.bufs, pbuf{h: h, data: room[:n]})
		rest = rest[n:]
		reserve = 0
	}
	return c, nil
}

func (s *Stack) freeChain(c *chain) {
	if c == nil {
		return
	}
	for _, b := range c.bufs {
		if err := s.mgr.Put(b.h); err != nil {
			s.log.Error("failed to release pbuf", zap.Error(err))
		}
	}
	c.bufs = nil
}

// single returns the packet bytes when they fit in one buffer.
func (c *chain) single() ([]byte, bool) {
	if len(c.bufs) != 1 {
		return nil, false
	}
	return c.bufs[0].data, true
}

// copyOut copies len(dst) bytes starting at packet offset off.
func (c *chain) copyOut(dst []byte, off int) int {
	n := 0
	for _, b := range c.bufs {
		if off >= len(b.data) {
			off -= len(b.data)
			continue
		}
		n += copy(dst[n:], b.data[off:])
		off = 0
		if n == len(dst) {
			break
		}
	}
	return n
}

// flatten returns the packet as one contiguous slice. A packet spanning
// several buffers is copied into the heap region; the caller frees the
// returned block (nil when no copy was needed).
func (s *Stack) flatten(c *chain) (data, block []byte, err error) {
	if b, ok := c.single(); ok {
		return b, nil, nil
	}
	block, err = s.mgr.Malloc(c.size)
	if err != nil {
		return nil, nil, err
	}
	c.copyOut(block[:c.size], 0)
	return block[:c.size], block, nil
}
