package stack

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"tunstack/internal/config"
	"tunstack/internal/pool"
)

// segment is a queued TCP segment. Every segment holds a TCPSeg descriptor;
// data segments also hold a heap block with the payload.
type segment struct {
	h    pool.Handle
	seq  uint32
	data []byte
	buf  []byte
	syn  bool
	fin  bool
}

func (g *segment) seqLen() uint32 {
	n := uint32(len(g.data))
	if g.syn {
		n++
	}
	if g.fin {
		n++
	}
	return n
}

func (g *segment) end() uint32 {
	return g.seq + g.seqLen()
}

// newSegment takes a descriptor and assigns the next sequence numbers.
func (c *TCPConn) newSegment(data []byte, syn, fin bool) (*segment, error) {
	h, _, err := c.s.mgr.Get(pool.TCPSeg)
	if err != nil {
		c.s.stats.tcp.memErr.Inc()
		return nil, err
	}
	seg := &segment{h: h, seq: c.sndLbb, data: data, syn: syn, fin: fin}
	c.sndLbb += seg.seqLen()
	c.queued++
	return seg, nil
}

func (c *TCPConn) freeSegment(seg *segment) {
	s := c.s
	if seg.buf != nil {
		if err := s.mgr.Free(seg.buf); err != nil {
			s.log.Error("failed to free segment payload", zap.Error(err))
		}
		seg.buf, seg.data = nil, nil
	}
	if err := s.mgr.Put(seg.h); err != nil {
		s.log.Error("failed to release segment", zap.Error(err))
	}
}

// output sends queued segments as far as the peer's window allows.
func (c *TCPConn) output() {
	now := c.s.clock.Now()
	for len(c.unsent) > 0 && !c.released {
		seg := c.unsent[0]
		inflight := int(c.sndNxt - c.sndUna)
		if len(seg.data) > 0 && inflight+len(seg.data) > c.sndWnd {
			if len(c.unacked) > 0 {
				// the next acknowledgement runs output again
				return
			}
			if usable := c.sndWnd - inflight; usable > 0 && c.split(seg, usable) {
				continue
			}
			if c.persistAt.IsZero() {
				if c.persistBackoff == 0 {
					c.persistBackoff = c.s.opts.Policy.TCPRTOInitial
				}
				c.persistAt = now.Add(c.persistBackoff)
			}
			return
		}

		c.unsent = c.unsent[1:]
		c.transmit(seg)
		if seqGT(seg.end(), c.sndNxt) {
			c.sndNxt = seg.end()
		}
		c.unacked = append(c.unacked, seg)
		if c.rtxAt.IsZero() {
			c.rtxAt = now.Add(c.rto)
		}
	}
	c.persistAt = time.Time{}
	c.persistBackoff = 0
}

// split cuts the head of the unsent queue down to n bytes so that it fits
// a window smaller than the segment. The remainder keeps the payload block.
func (c *TCPConn) split(seg *segment, n int) bool {
	if c.queued >= c.s.opts.Geometry.TCPSndQueueLen {
		return false
	}
	h, _, err := c.s.mgr.Get(pool.TCPSeg)
	if err != nil {
		c.s.stats.tcp.memErr.Inc()
		return false
	}
	head := &segment{h: h, seq: seg.seq, data: seg.data[:n:n]}
	seg.seq += uint32(n)
	seg.data = seg.data[n:]
	c.unsent = append([]*segment{head}, c.unsent...)
	c.queued++
	return true
}

// transmit sends seg with the current acknowledgement and window.
func (c *TCPConn) transmit(seg *segment) {
	t := c.header(seg.seq)
	t.SYN = seg.syn
	t.FIN = seg.fin
	t.PSH = len(seg.data) > 0
	if seg.syn {
		mss := make([]byte, 2)
		binary.BigEndian.PutUint16(mss, uint16(c.s.localMSS(c.key.local.Addr())))
		t.Options = []layers.TCPOption{{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: mss}}
	}
	c.send(t, seg.data)
}

func (c *TCPConn) sendAck() {
	c.send(c.header(c.sndNxt), nil)
}

// sendProbe sends an empty segment one byte below the send window to
// elicit an acknowledgement carrying the peer's current window.
func (c *TCPConn) sendProbe() {
	c.send(c.header(c.sndUna-1), nil)
}

func (c *TCPConn) sendReset() {
	if c.state == stateClosed {
		return
	}
	t := c.header(c.sndNxt)
	t.RST = true
	c.send(t, nil)
}

func (c *TCPConn) header(seq uint32) *layers.TCP {
	return &layers.TCP{
		SrcPort: layers.TCPPort(c.key.local.Port()),
		DstPort: layers.TCPPort(c.key.remote.Port()),
		Seq:     seq,
		Ack:     c.rcvNxt,
		ACK:     true,
		Window:  uint16(c.rcvWnd),
	}
}

func (c *TCPConn) send(t *layers.TCP, payload []byte) {
	s := c.s
	err := s.sendIP(c.key.local.Addr(), c.key.remote.Addr(), layers.IPProtocolTCP, t, payload)
	if err != nil {
		s.stats.tcp.drop.Inc()
		s.log.Debug("tcp output failed", zap.Stringer("remote", c.key.remote), zap.Error(err))
		return
	}
	s.stats.tcp.xmit.Inc()
	c.rcvAnnounced = c.rcvWnd
}

// sendResetFor answers a segment that matches no connection.
func (s *Stack) sendResetFor(local, remote netip.AddrPort, in *layers.TCP) {
	t := &layers.TCP{
		SrcPort: layers.TCPPort(local.Port()),
		DstPort: layers.TCPPort(remote.Port()),
		RST:     true,
	}
	if in.ACK {
		t.Seq = in.Ack
	} else {
		t.ACK = true
		t.Ack = in.Seq + uint32(len(in.Payload))
		if in.SYN {
			t.Ack++
		}
		if in.FIN {
			t.Ack++
		}
	}
	if err := s.sendIP(local.Addr(), remote.Addr(), layers.IPProtocolTCP, t, nil); err != nil {
		s.stats.tcp.drop.Inc()
		return
	}
	s.stats.tcp.xmit.Inc()
}

// localMSS is the segment size advertised and used towards addr.
func (s *Stack) localMSS(addr netip.Addr) int {
	if addr.Is4() {
		return s.opts.Geometry.EffectiveMSS(config.IPv4HeaderLen)
	}
	return s.opts.Geometry.EffectiveMSS(config.IPv6HeaderLen)
}

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool  { return int32(a-b) > 0 }
func seqGEQ(a, b uint32) bool { return int32(a-b) >= 0 }
