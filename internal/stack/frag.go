package stack

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"tunstack/internal/pool"
)

const ipv6FragHeaderLen = 8

// fragment writes the datagram built from ip, whose header is hdrLen
// bytes, and its serialized payload as fragments that each fit the MTU.
func (s *Stack) fragment(ip gopacket.NetworkLayer, hdrLen int, payload []byte) error {
	mtu := s.opts.Geometry.MTU
	switch ip := ip.(type) {
	case *layers.IPv4:
		chunk := (mtu - hdrLen) &^ 7
		for off := 0; off < len(payload); off += chunk {
			end := min(off+chunk, len(payload))
			f := *ip
			f.Options = nil
			f.Flags = 0
			if end < len(payload) {
				f.Flags = layers.IPv4MoreFragments
			}
			f.FragOffset = uint16(off / 8)
			if err := s.writeFragment(true, &f, gopacket.Payload(payload[off:end])); err != nil {
				return err
			}
		}
	case *layers.IPv6:
		s.fragID++
		chunk := (mtu - hdrLen - ipv6FragHeaderLen) &^ 7
		for off := 0; off < len(payload); off += chunk {
			end := min(off+chunk, len(payload))
			more := uint16(0)
			if end < len(payload) {
				more = 1
			}
			body := make([]byte, ipv6FragHeaderLen+end-off)
			body[0] = byte(ip.NextHeader)
			binary.BigEndian.PutUint16(body[2:], uint16(off)|more)
			binary.BigEndian.PutUint32(body[4:], s.fragID)
			copy(body[ipv6FragHeaderLen:], payload[off:end])

			f := layers.IPv6{
				Version:      6,
				TrafficClass: ip.TrafficClass,
				FlowLabel:    ip.FlowLabel,
				HopLimit:     ip.HopLimit,
				NextHeader:   layers.IPProtocolIPv6Fragment,
				SrcIP:        ip.SrcIP,
				DstIP:        ip.DstIP,
			}
			if err := s.writeFragment(false, &f, gopacket.Payload(body)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("cannot fragment %T", ip)
	}
	s.stats.ip.xmit.Inc()
	return nil
}

// writeFragment serializes and writes one fragment. The fragment holds a
// pbuf reference descriptor while it is on the way out.
func (s *Stack) writeFragment(v4 bool, ip, payload gopacket.SerializableLayer) error {
	h, _, err := s.mgr.Get(pool.PbufRef)
	if err != nil {
		s.stats.ipFrag.memErr.Inc()
		s.stats.ipFrag.drop.Inc()
		return err
	}
	defer func() {
		_ = s.mgr.Put(h)
	}()

	if err := s.fbuf.Clear(); err != nil {
		return err
	}
	if err := gopacket.SerializeLayers(s.fbuf, s.serializeOpts, ip, payload); err != nil {
		s.stats.ipFrag.drop.Inc()
		return fmt.Errorf("failed to serialize fragment: %w", err)
	}
	pkt := s.fbuf.Bytes()
	if v4 && !s.opts.Policy.ChecksumGen.IP {
		pkt[10], pkt[11] = 0, 0
	}

	if err := s.out(pkt); err != nil {
		s.stats.link.drop.Inc()
		return fmt.Errorf("failed to write packet: %w", err)
	}
	s.stats.ipFrag.xmit.Inc()
	s.stats.link.xmit.Inc()
	return nil
}
