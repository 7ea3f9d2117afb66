package stack

import (
	"net/netip"
	"slices"

	"github.com/google/gopacket/layers"

	"tunstack/internal/pool"
	pkgerrors "tunstack/pkg/errors"
)

// RawRecv receives a whole IP datagram of the endpoint's protocol. Returning
// true consumes it; otherwise it is passed on to the next endpoint and then
// to the transport. pkt is only valid during the call.
type RawRecv func(pkt []byte, src, dst netip.Addr) bool

// RawPCB is a raw IP endpoint bound to one protocol number.
type RawPCB struct {
	s      *Stack
	h      pool.Handle
	proto  layers.IPProtocol
	recv   RawRecv
	closed bool
}

// OpenRaw binds a raw endpoint for proto.
func (s *Stack) OpenRaw(proto uint8, recv RawRecv) (*RawPCB, error) {
	if err := s.lock.AssertHeld(); err != nil {
		return nil, err
	}
	if !s.opts.Features.Raw {
		return nil, pkgerrors.ErrProtocolDisabled
	}

	h, _, err := s.mgr.Get(pool.RawPCB)
	if err != nil {
		s.stats.raw.memErr.Inc()
		return nil, err
	}
	r := &RawPCB{s: s, h: h, proto: layers.IPProtocol(proto), recv: recv}
	s.raws = append(s.raws, r)
	return r, nil
}

// Send transmits payload as the body of an IP datagram from src to dst.
func (r *RawPCB) Send(src, dst netip.Addr, payload []byte) error {
	if err := r.s.lock.AssertHeld(); err != nil {
		return err
	}
	if r.closed {
		return pkgerrors.ErrConnClosed
	}
	if err := r.s.sendIP(src, dst, r.proto, nil, payload); err != nil {
		r.s.stats.raw.drop.Inc()
		return err
	}
	r.s.stats.raw.xmit.Inc()
	return nil
}

// Close releases the endpoint. Closing twice is a no-op.
func (r *RawPCB) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.s.raws = slices.DeleteFunc(r.s.raws, func(o *RawPCB) bool { return o == r })
	_ = r.s.mgr.Put(r.h)
}

func (s *Stack) rawInput(d datagram) bool {
	for _, r := range s.raws {
		if r == nil || r.closed || r.proto != d.proto || r.recv == nil {
			continue
		}
		s.stats.raw.recv.Inc()
		if r.recv(d.packet, d.src, d.dst) {
			return true
		}
	}
	return false
}
