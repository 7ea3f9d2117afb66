package stack

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"tunstack/internal/config"
	"tunstack/internal/pool"
)

// Output writes one IP packet to the link. pkt is only valid for the
// duration of the call.
type Output func(pkt []byte) error

type transportLayer interface {
	gopacket.SerializableLayer
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

// sendIP builds and transmits one datagram from src to dst. l4 may be nil
// for raw sends, in which case payload is the whole transport segment.
// Datagrams larger than the MTU go out as fragments. The packet holds a
// pbuf reference descriptor while it is on the way out.
func (s *Stack) sendIP(src, dst netip.Addr, proto layers.IPProtocol, l4 transportLayer, payload []byte) error {
	h, _, err := s.mgr.Get(pool.PbufRef)
	if err != nil {
		s.stats.link.memErr.Inc()
		s.stats.link.drop.Inc()
		return err
	}
	defer func() {
		_ = s.mgr.Put(h)
	}()

	var ip gopacket.NetworkLayer
	hdrLen := config.IPv4HeaderLen
	if src.Is4() {
		s.ipID++
		ip = &layers.IPv4{
			Version:  4,
			TTL:      s.opts.Features.DefaultTTL,
			Id:       s.ipID,
			Protocol: proto,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
	} else {
		hdrLen = config.IPv6HeaderLen
		ip = &layers.IPv6{
			Version:    6,
			HopLimit:   s.opts.Features.DefaultTTL,
			NextHeader: proto,
			SrcIP:      net.IP(src.AsSlice()),
			DstIP:      net.IP(dst.AsSlice()),
		}
	}

	parts := []gopacket.SerializableLayer{ip.(gopacket.SerializableLayer)}
	if l4 != nil {
		if err := l4.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		parts = append(parts, l4)
	}
	parts = append(parts, gopacket.Payload(payload))

	if err := s.sbuf.Clear(); err != nil {
		return err
	}
	if err := gopacket.SerializeLayers(s.sbuf, s.serializeOpts, parts...); err != nil {
		s.stats.link.drop.Inc()
		return fmt.Errorf("failed to serialize %s packet: %w", proto, err)
	}
	pkt := s.sbuf.Bytes()
	s.stripChecksums(pkt, src.Is4(), hdrLen, proto)
	if len(pkt) > s.opts.Geometry.MTU {
		return s.fragment(ip, hdrLen, pkt[hdrLen:])
	}

	if err := s.out(pkt); err != nil {
		s.stats.link.drop.Inc()
		return fmt.Errorf("failed to write packet: %w", err)
	}
	s.stats.link.xmit.Inc()
	s.stats.ip.xmit.Inc()
	return nil
}

// stripChecksums zeroes the checksums the policy does not generate.
func (s *Stack) stripChecksums(pkt []byte, v4 bool, hdrLen int, proto layers.IPProtocol) {
	gen := s.opts.Policy.ChecksumGen
	if v4 && !gen.IP {
		pkt[10], pkt[11] = 0, 0
	}
	switch {
	case proto == layers.IPProtocolTCP && !gen.TCP && len(pkt) >= hdrLen+config.TCPHeaderLen:
		pkt[hdrLen+16], pkt[hdrLen+17] = 0, 0
	case proto == layers.IPProtocolUDP && !gen.UDP && len(pkt) >= hdrLen+config.UDPHeaderLen:
		pkt[hdrLen+6], pkt[hdrLen+7] = 0, 0
	}
}
