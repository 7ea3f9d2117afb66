package stack

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"tunstack/internal/config"
	pkgerrors "tunstack/pkg/errors"
)

// datagram is a parsed, complete IP datagram.
type datagram struct {
	v4       bool
	src, dst netip.Addr
	proto    layers.IPProtocol
	packet   []byte
	payload  []byte
}

// ipInput parses the packet held by c and hands it on. retained reports
// that c now belongs to a reassembly and must not be freed by the caller.
func (s *Stack) ipInput(c *chain) (retained bool, err error) {
	data, block, err := s.flatten(c)
	if err != nil {
		s.stats.ip.memErr.Inc()
		s.stats.ip.drop.Inc()
		return false, err
	}
	if block != nil {
		defer func() {
			_ = s.mgr.Free(block)
		}()
	}

	switch data[0] >> 4 {
	case 4:
		if !s.opts.Features.IPv4 {
			return false, s.dropProto(&s.stats.ip, "ipv4 disabled")
		}
		return s.ip4Input(c, data)
	case 6:
		if !s.opts.Features.IPv6 {
			return false, s.dropProto(&s.stats.ip, "ipv6 disabled")
		}
		return s.ip6Input(c, data)
	default:
		s.stats.ip.protErr.Inc()
		s.stats.ip.drop.Inc()
		return false, fmt.Errorf("%w: ip version %d", pkgerrors.ErrMalformed, data[0]>>4)
	}
}

func (s *Stack) ip4Input(c *chain, data []byte) (bool, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return false, s.dropMalformed(&s.stats.ip, err)
	}
	if int(ip.Length) > len(data) {
		return false, s.dropMalformed(&s.stats.ip, fmt.Errorf("truncated: %d of %d bytes", len(data), ip.Length))
	}
	hdrLen := int(ip.IHL) * 4
	if s.opts.Policy.ChecksumCheck.IP && !validIPv4Header(data[:hdrLen]) {
		s.stats.ip.chkErr.Inc()
		s.stats.ip.drop.Inc()
		return false, pkgerrors.ErrChecksum
	}
	s.stats.ip.recv.Inc()

	src, _ := netip.AddrFromSlice(ip.SrcIP)
	dst, _ := netip.AddrFromSlice(ip.DstIP)
	d := datagram{
		v4:      true,
		src:     src,
		dst:     dst,
		proto:   ip.Protocol,
		packet:  data[:ip.Length],
		payload: ip.Payload,
	}

	if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
		return s.reassemble(c, d, fragment{
			id:         uint32(ip.Id),
			headerLen:  hdrLen,
			payloadOff: hdrLen,
			offset:     int(ip.FragOffset) * 8,
			length:     len(ip.Payload),
			more:       ip.Flags&layers.IPv4MoreFragments != 0,
		})
	}
	return false, s.deliver(d)
}

func (s *Stack) ip6Input(c *chain, data []byte) (bool, error) {
	var ip layers.IPv6
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return false, s.dropMalformed(&s.stats.ip, err)
	}
	// a zero payload length is a jumbogram, sized by its hop-by-hop option
	if ip.Length != 0 && int(ip.Length) > len(data)-config.IPv6HeaderLen {
		return false, s.dropMalformed(&s.stats.ip,
			fmt.Errorf("truncated: %d of %d bytes", len(data), int(ip.Length)+config.IPv6HeaderLen))
	}
	s.stats.ip.recv.Inc()

	src, _ := netip.AddrFromSlice(ip.SrcIP)
	dst, _ := netip.AddrFromSlice(ip.DstIP)
	nh := ip.NextHeader
	off := config.IPv6HeaderLen
	if ip.HopByHop != nil {
		nh = ip.HopByHop.NextHeader
		off += ip.HopByHop.ActualLength
	}
	payload := ip.Payload

	for {
		switch nh {
		case layers.IPProtocolIPv6Routing, layers.IPProtocolIPv6Destination:
			if len(payload) < 8 || (int(payload[1])+1)*8 > len(payload) {
				return false, s.dropMalformed(&s.stats.ip, fmt.Errorf("short %s header", nh))
			}
			n := (int(payload[1]) + 1) * 8
			nh = layers.IPProtocol(payload[0])
			payload = payload[n:]
			off += n

		case layers.IPProtocolIPv6Fragment:
			if len(payload) < 8 {
				return false, s.dropMalformed(&s.stats.ip, fmt.Errorf("short fragment header"))
			}
			fo := binary.BigEndian.Uint16(payload[2:4])
			d := datagram{
				src:     src,
				dst:     dst,
				proto:   layers.IPProtocol(payload[0]),
				packet:  data[:off+len(payload)],
				payload: payload[8:],
			}
			return s.reassemble(c, d, fragment{
				id:         binary.BigEndian.Uint32(payload[4:8]),
				headerLen:  config.IPv6HeaderLen,
				payloadOff: off + 8,
				offset:     int(fo &^ 7),
				length:     len(payload) - 8,
				more:       fo&1 != 0,
			})

		default:
			return false, s.deliver(datagram{
				src:     src,
				dst:     dst,
				proto:   nh,
				packet:  data[:off+len(payload)],
				payload: payload,
			})
		}
	}
}

// deliver offers d to the raw endpoints and then to its transport.
func (s *Stack) deliver(d datagram) error {
	if s.rawInput(d) {
		return nil
	}

	switch d.proto {
	case layers.IPProtocolTCP:
		if !s.opts.Features.TCP {
			return s.dropProto(&s.stats.tcp, "tcp disabled")
		}
		return s.tcpInput(d)
	case layers.IPProtocolUDP:
		if !s.opts.Features.UDP {
			return s.dropProto(&s.stats.udp, "udp disabled")
		}
		return s.udpInput(d)
	case layers.IPProtocolICMPv4, layers.IPProtocolICMPv6:
		s.stats.icmp.recv.Inc()
		return s.dropProto(&s.stats.icmp, "no icmp endpoint")
	default:
		return s.dropProto(&s.stats.ip, fmt.Sprintf("protocol %d", d.proto))
	}
}

func (s *Stack) dropProto(ps *protoStats, reason string) error {
	ps.protErr.Inc()
	ps.drop.Inc()
	s.log.Debug("packet dropped", zap.String("reason", reason))
	return fmt.Errorf("%w: %s", pkgerrors.ErrProtocolDisabled, reason)
}

func (s *Stack) dropMalformed(ps *protoStats, err error) error {
	ps.lenErr.Inc()
	ps.drop.Inc()
	s.log.Debug("malformed packet", zap.Error(err))
	return fmt.Errorf("%w: %v", pkgerrors.ErrMalformed, err)
}
