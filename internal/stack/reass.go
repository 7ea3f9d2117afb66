package stack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"

	"tunstack/internal/pool"
	pkgerrors "tunstack/pkg/errors"
)

const maxDatagramLen = 0xffff

type reassKey struct {
	src, dst netip.Addr
	id       uint32
	proto    uint8
}

// fragment is one received fragment, kept in the pool buffers it arrived in.
type fragment struct {
	c          *chain
	id         uint32
	headerLen  int
	payloadOff int
	offset     int
	length     int
	more       bool
}

// reassembly collects the fragments of one datagram. Each occupies a
// ReassData slot for its whole lifetime.
type reassembly struct {
	h       pool.Handle
	key     reassKey
	v4      bool
	proto   uint8
	frags   []fragment
	total   int
	pbufs   int
	created time.Time
}

// reassemble adds a fragment. The chain is retained by the reassembly on
// every path that returns true.
func (s *Stack) reassemble(c *chain, d datagram, f fragment) (bool, error) {
	s.stats.ipFrag.recv.Inc()
	f.c = c

	key := reassKey{src: d.src, dst: d.dst, id: f.id}
	if d.v4 {
		key.proto = uint8(d.proto)
	}

	r, ok := s.reass[key]
	if !ok {
		h, _, err := s.mgr.Get(pool.ReassData)
		if err != nil {
			s.stats.ipFrag.memErr.Inc()
			s.stats.ipFrag.drop.Inc()
			s.log.Debug("no reassembly slot", zap.Stringer("src", d.src), zap.Uint32("id", f.id))
			return false, err
		}
		r = &reassembly{h: h, key: key, v4: d.v4, total: -1, created: s.clock.Now()}
		s.reass[key] = r
		s.stats.reass.Inc()
	}

	end := f.offset + f.length
	switch {
	case end > maxDatagramLen-f.headerLen:
		s.releaseReassembly(r)
		return false, s.dropMalformed(&s.stats.ipFrag, fmt.Errorf("fragment ends at %d", end))
	case r.total >= 0 && end > r.total, r.total >= 0 && !f.more && end != r.total:
		s.releaseReassembly(r)
		return false, s.dropMalformed(&s.stats.ipFrag, fmt.Errorf("fragment past datagram end %d", r.total))
	case f.more && f.length%8 != 0:
		s.releaseReassembly(r)
		return false, s.dropMalformed(&s.stats.ipFrag, fmt.Errorf("fragment length %d not a multiple of 8", f.length))
	}

	if s.reassPbufs+len(c.bufs) > s.opts.Pools.ReassMaxPbufs {
		s.releaseReassembly(r)
		s.stats.ipFrag.memErr.Inc()
		s.stats.ipFrag.drop.Inc()
		return false, &pkgerrors.PoolError{
			Kind: pool.ReassData.String(),
			Err:  fmt.Errorf("more than %d pbufs queued: %w", s.opts.Pools.ReassMaxPbufs, pkgerrors.ErrPoolExhausted),
		}
	}

	if !f.more {
		for _, g := range r.frags {
			if g.offset+g.length > end {
				s.releaseReassembly(r)
				return false, s.dropMalformed(&s.stats.ipFrag, fmt.Errorf("fragment past datagram end %d", end))
			}
		}
		r.total = end
	}
	if f.offset == 0 {
		r.proto = uint8(d.proto)
	}
	r.frags = append(r.frags, f)
	r.pbufs += len(c.bufs)
	s.reassPbufs += len(c.bufs)

	if !r.complete() {
		return true, nil
	}
	return true, s.finishReassembly(r)
}

func (r *reassembly) complete() bool {
	if r.total < 0 {
		return false
	}
	slices.SortFunc(r.frags, func(a, b fragment) int { return a.offset - b.offset })
	covered := 0
	for _, f := range r.frags {
		if f.offset > covered {
			return false
		}
		covered = max(covered, f.offset+f.length)
	}
	return covered >= r.total
}

// finishReassembly builds the datagram in the heap region, releases the
// fragments and delivers the result.
func (s *Stack) finishReassembly(r *reassembly) error {
	head := r.frags[0]
	hdrLen := head.headerLen
	size := hdrLen + r.total
	if size > maxDatagramLen {
		s.releaseReassembly(r)
		return s.dropMalformed(&s.stats.ipFrag, fmt.Errorf("reassembled datagram of %d bytes", size))
	}

	block, err := s.mgr.Malloc(size)
	if err != nil {
		s.releaseReassembly(r)
		s.stats.ipFrag.memErr.Inc()
		s.stats.ipFrag.drop.Inc()
		return err
	}
	defer func() {
		_ = s.mgr.Free(block)
	}()

	pkt := block[:size]
	head.c.copyOut(pkt[:hdrLen], 0)
	for _, f := range r.frags {
		f.c.copyOut(pkt[hdrLen+f.offset:hdrLen+f.offset+f.length], f.payloadOff)
	}

	if r.v4 {
		binary.BigEndian.PutUint16(pkt[2:4], uint16(size))
		pkt[6], pkt[7] = 0, 0
		pkt[10], pkt[11] = 0, 0
		binary.BigEndian.PutUint16(pkt[10:12], ^checksum.Checksum(pkt[:hdrLen], 0))
	} else {
		binary.BigEndian.PutUint16(pkt[4:6], uint16(r.total))
		pkt[6] = r.proto
	}

	d := datagram{
		v4:      r.v4,
		src:     r.key.src,
		dst:     r.key.dst,
		proto:   layers.IPProtocol(r.proto),
		packet:  pkt,
		payload: pkt[hdrLen:],
	}
	s.releaseReassembly(r)
	s.log.Debug("datagram reassembled", zap.Stringer("src", d.src), zap.Int("len", size))
	return s.deliver(d)
}

func (s *Stack) releaseReassembly(r *reassembly) {
	for _, f := range r.frags {
		s.freeChain(f.c)
	}
	r.frags = nil
	s.reassPbufs -= r.pbufs
	r.pbufs = 0
	if err := s.mgr.Put(r.h); err != nil {
		s.log.Error("failed to release reassembly slot", zap.Error(err))
	}
	if s.reass[r.key] == r {
		delete(s.reass, r.key)
		s.stats.reass.Dec()
	}
}

// expireReassembly drops datagrams that stayed incomplete for ReassMaxAge.
func (s *Stack) expireReassembly(now time.Time) {
	for _, r := range s.reass {
		if now.Sub(r.created) < s.opts.Policy.ReassMaxAge {
			continue
		}
		s.stats.ipFrag.drop.Inc()
		s.log.Debug("reassembly timed out", zap.Stringer("src", r.key.src), zap.Uint32("id", r.key.id))
		s.releaseReassembly(r)
	}
}
