package stack

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"tunstack/internal/config"
	"tunstack/internal/pool"
	pkgerrors "tunstack/pkg/errors"
)

type flowKey struct {
	local, remote netip.AddrPort
}

// UDPFlow is the UDP endpoint created for one 4-tuple seen on the link.
// Local is the address the datagrams were sent to, Remote their source.
type UDPFlow struct {
	s   *Stack
	h   pool.Handle
	key flowKey

	recv    func(payload []byte)
	onClose func()

	lastActive time.Time
	closed     bool
}

// HandleUDP installs fn to be called with every new flow. fn runs before
// the first datagram of the flow is delivered, so it can install the
// receive callback.
func (s *Stack) HandleUDP(fn func(*UDPFlow)) {
	s.udpHandler = fn
}

func (f *UDPFlow) LocalAddr() netip.AddrPort  { return f.key.local }
func (f *UDPFlow) RemoteAddr() netip.AddrPort { return f.key.remote }

// SetRecv sets the callback receiving datagram payloads. The payload is
// only valid during the call.
func (f *UDPFlow) SetRecv(fn func(payload []byte)) {
	f.recv = fn
}

// SetClose sets the callback run when the stack closes the flow after it
// stayed idle for Policy.UDPTimeout or the stack shuts down.
func (f *UDPFlow) SetClose(fn func()) {
	f.onClose = fn
}

// Send transmits payload from Local to Remote.
func (f *UDPFlow) Send(payload []byte) error {
	s := f.s
	if err := s.lock.AssertHeld(); err != nil {
		return err
	}
	if f.closed {
		return pkgerrors.ErrConnClosed
	}
	if len(payload) > maxDatagramLen-config.IPv6HeaderLen-config.UDPHeaderLen {
		return fmt.Errorf("%w: %d byte datagram", pkgerrors.ErrMalformed, len(payload))
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(f.key.local.Port()),
		DstPort: layers.UDPPort(f.key.remote.Port()),
	}
	if err := s.sendIP(f.key.local.Addr(), f.key.remote.Addr(), layers.IPProtocolUDP, udp, payload); err != nil {
		s.stats.udp.drop.Inc()
		return err
	}
	s.stats.udp.xmit.Inc()
	f.lastActive = s.clock.Now()
	return nil
}

// Close releases the flow. Closing twice is a no-op.
func (f *UDPFlow) Close() {
	f.close(false)
}

func (f *UDPFlow) close(notify bool) {
	if f.closed {
		return
	}
	f.closed = true
	s := f.s
	if s.flows[f.key] == f {
		delete(s.flows, f.key)
		s.stats.flows.Dec()
	}
	_ = s.mgr.Put(f.h)
	if notify && f.onClose != nil {
		f.onClose()
	}
}

func (s *Stack) udpInput(d datagram) error {
	var u layers.UDP
	if err := u.DecodeFromBytes(d.payload, gopacket.NilDecodeFeedback); err != nil {
		return s.dropMalformed(&s.stats.udp, err)
	}
	seg := d.payload
	if u.Length >= config.UDPHeaderLen && int(u.Length) <= len(seg) {
		seg = seg[:u.Length]
	}
	if s.opts.Policy.ChecksumCheck.UDP && !(d.v4 && u.Checksum == 0) &&
		!validTransport(d.src, d.dst, uint8(layers.IPProtocolUDP), seg) {
		s.stats.udp.chkErr.Inc()
		s.stats.udp.drop.Inc()
		return pkgerrors.ErrChecksum
	}
	s.stats.udp.recv.Inc()

	key := flowKey{
		local:  netip.AddrPortFrom(d.dst, uint16(u.DstPort)),
		remote: netip.AddrPortFrom(d.src, uint16(u.SrcPort)),
	}
	f, ok := s.flows[key]
	if !ok {
		if s.udpHandler == nil {
			s.stats.udp.protErr.Inc()
			s.stats.udp.drop.Inc()
			return pkgerrors.ErrNoRoute
		}
		h, _, err := s.mgr.Get(pool.UDPPCB)
		if err != nil {
			s.stats.udp.memErr.Inc()
			s.stats.udp.drop.Inc()
			s.log.Debug("no pcb for udp flow", zap.Stringer("remote", key.remote), zap.Error(err))
			return err
		}
		f = &UDPFlow{s: s, h: h, key: key}
		s.flows[key] = f
		s.stats.flows.Inc()
		s.udpHandler(f)
		if f.closed {
			return nil
		}
	}

	f.lastActive = s.clock.Now()
	if f.recv != nil {
		f.recv(u.Payload)
	}
	return nil
}

func (s *Stack) expireFlows(now time.Time) {
	for _, f := range s.flows {
		if now.Sub(f.lastActive) >= s.opts.Policy.UDPTimeout {
			s.log.Debug("udp flow expired", zap.Stringer("remote", f.key.remote))
			f.close(true)
		}
	}
}
