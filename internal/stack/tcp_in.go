package stack

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"tunstack/internal/pool"
	pkgerrors "tunstack/pkg/errors"
)

// defaultPeerMSS applies when a SYN carries no MSS option.
const defaultPeerMSS = 536

func (s *Stack) tcpInput(d datagram) error {
	var t layers.TCP
	if err := t.DecodeFromBytes(d.payload, gopacket.NilDecodeFeedback); err != nil {
		return s.dropMalformed(&s.stats.tcp, err)
	}
	if s.opts.Policy.ChecksumCheck.TCP && !validTransport(d.src, d.dst, uint8(layers.IPProtocolTCP), d.payload) {
		s.stats.tcp.chkErr.Inc()
		s.stats.tcp.drop.Inc()
		return pkgerrors.ErrChecksum
	}
	s.stats.tcp.recv.Inc()

	key := connKey{
		local:  netip.AddrPortFrom(d.dst, uint16(t.DstPort)),
		remote: netip.AddrPortFrom(d.src, uint16(t.SrcPort)),
	}
	if c, ok := s.conns[key]; ok {
		c.input(&t)
		return nil
	}

	switch {
	case t.RST:
		s.stats.tcp.drop.Inc()
		return nil
	case t.SYN && !t.ACK:
		return s.tcpListenInput(key, &t)
	default:
		s.stats.tcp.drop.Inc()
		s.sendResetFor(key.local, key.remote, &t)
		return pkgerrors.ErrNoRoute
	}
}

// tcpListenInput handles a SYN for a new connection.
func (s *Stack) tcpListenInput(key connKey, t *layers.TCP) error {
	l := s.listeners[key.local.Port()]
	if l == nil {
		l = s.listeners[0]
	}
	if l == nil {
		s.stats.tcp.drop.Inc()
		s.sendResetFor(key.local, key.remote, t)
		return pkgerrors.ErrNoRoute
	}

	h, _, err := s.mgr.Get(pool.TCPPCB)
	if err != nil {
		s.stats.tcp.memErr.Inc()
		s.stats.tcp.drop.Inc()
		s.log.Debug("connection refused", zap.Stringer("remote", key.remote), zap.Stringer("local", key.local), zap.Error(err))
		return err
	}

	iss := s.nextISS()
	now := s.clock.Now()
	c := &TCPConn{
		s:        s,
		h:        h,
		key:      key,
		listener: l,
		state:    stateSynRcvd,
		mss:      min(peerMSS(t), s.localMSS(key.local.Addr())),
		rcvNxt:   t.Seq + 1,
		rcvWnd:   s.opts.Geometry.TCPWnd,
		iss:      iss,
		sndUna:   iss,
		sndNxt:   iss,
		sndLbb:   iss,
		sndWnd:   int(t.Window),
		rto:      s.opts.Policy.TCPRTOInitial,
		lastRecv: now,
	}
	s.conns[key] = c
	s.stats.conns.Inc()

	seg, err := c.newSegment(nil, true, false)
	if err != nil {
		c.release()
		s.stats.tcp.drop.Inc()
		return err
	}
	c.unsent = append(c.unsent, seg)
	c.output()
	return nil
}

func peerMSS(t *layers.TCP) int {
	for _, o := range t.Options {
		if o.OptionType == layers.TCPOptionKindMSS && len(o.OptionData) == 2 {
			if mss := int(binary.BigEndian.Uint16(o.OptionData)); mss > 0 {
				return mss
			}
		}
	}
	return defaultPeerMSS
}

// input processes a segment for an existing connection.
func (c *TCPConn) input(t *layers.TCP) {
	s := c.s
	c.lastRecv = s.clock.Now()
	c.keepProbes = 0

	if t.RST {
		if c.inWindow(t.Seq) {
			c.reset(pkgerrors.ErrConnReset)
		}
		return
	}
	if t.SYN {
		if c.state == stateSynRcvd && t.Seq+1 == c.rcvNxt && len(c.unacked) > 0 {
			// peer retransmitted its SYN
			c.transmit(c.unacked[0])
			return
		}
		c.sendAck()
		return
	}
	if !t.ACK {
		s.stats.tcp.drop.Inc()
		return
	}

	if c.state == stateSynRcvd {
		if t.Ack != c.iss+1 {
			s.sendResetFor(c.key.local, c.key.remote, t)
			return
		}
		c.ackReceived(t)
		if c.released {
			return
		}
		c.state = stateEstablished
		if !c.establish() {
			return
		}
	} else {
		c.ackReceived(t)
		if c.released {
			return
		}
	}

	c.receive(t)
	if !c.released {
		c.output()
	}
}

// establish hands a completed handshake to the listener.
func (c *TCPConn) establish() bool {
	l := c.listener
	c.listener = nil
	if l == nil || l.closed || l.accept == nil {
		c.Abort()
		return false
	}
	if err := l.accept(c); err != nil {
		c.s.log.Debug("connection not accepted", zap.Stringer("local", c.key.local), zap.Error(err))
		c.Abort()
		return false
	}
	return !c.released
}

func (c *TCPConn) inWindow(seq uint32) bool {
	return seqGEQ(seq, c.rcvNxt) && seqLT(seq, c.rcvNxt+uint32(max(c.rcvWnd, 1)))
}

// ackReceived releases acknowledged segments.
func (c *TCPConn) ackReceived(t *layers.TCP) {
	s := c.s
	ack := t.Ack
	if seqGT(ack, c.sndNxt) {
		c.sendAck()
		return
	}
	c.sndWnd = int(t.Window)
	if seqLEQ(ack, c.sndUna) {
		return
	}

	acked := 0
	finAcked := false
	for len(c.unacked) > 0 {
		seg := c.unacked[0]
		if seqGT(seg.end(), ack) {
			break
		}
		c.unacked = c.unacked[1:]
		acked += len(seg.data)
		finAcked = finAcked || seg.fin
		c.sndBuf -= len(seg.data)
		c.queued--
		c.freeSegment(seg)
	}
	c.sndUna = ack
	c.nrtx = 0
	c.rto = s.opts.Policy.TCPRTOInitial
	if len(c.unacked) > 0 {
		c.rtxAt = s.clock.Now().Add(c.rto)
	} else {
		c.rtxAt = time.Time{}
	}

	if finAcked {
		switch c.state {
		case stateFinWait1:
			c.state = stateFinWait2
			c.finWaitAt = s.clock.Now().Add(finWait2Timeout)
		case stateClosing, stateLastAck:
			// TIME_WAIT is not kept: the control block goes back at once
			c.release()
			return
		}
	}
	if acked > 0 && c.sent != nil {
		c.sent(acked)
	}
}

// receive delivers in-order data and handles the peer's FIN.
func (c *TCPConn) receive(t *layers.TCP) {
	s := c.s
	data := t.Payload
	fin := t.FIN
	if len(data) == 0 && !fin {
		return
	}

	switch c.state {
	case stateEstablished, stateFinWait1, stateFinWait2:
	default:
		// the peer already closed its side
		c.sendAck()
		return
	}
	if t.Seq != c.rcvNxt {
		s.stats.tcp.drop.Inc()
		c.sendAck()
		return
	}

	if len(data) > c.rcvWnd {
		data = data[:c.rcvWnd]
		fin = false
	}
	if len(data) > 0 {
		c.rcvNxt += uint32(len(data))
		c.rcvWnd -= len(data)
		if c.recv != nil {
			c.recv(data)
		} else {
			c.rcvWnd += len(data)
		}
		if c.released {
			return
		}
	}

	if !fin {
		c.sendAck()
		return
	}

	c.rcvNxt++
	timeWait := false
	switch c.state {
	case stateEstablished:
		c.state = stateCloseWait
	case stateFinWait1:
		c.state = stateClosing
	case stateFinWait2:
		timeWait = true
	}
	c.sendAck()
	if c.recv != nil {
		c.recv(nil)
	}
	if timeWait {
		c.release()
	}
}
