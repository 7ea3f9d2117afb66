package pool

import "tunstack/internal/config"

// Kind identifies one fixed-capacity pool.
type Kind uint8

const (
	PbufPool Kind = iota
	PbufRef
	RawPCB
	UDPPCB
	TCPPCBListen
	TCPPCB
	TCPSeg
	ReassData
	ARPQueue
	SysTimeout

	numKinds
)

var kindNames = [numKinds]string{
	PbufPool:     "pbuf_pool",
	PbufRef:      "pbuf",
	RawPCB:       "raw_pcb",
	UDPPCB:       "udp_pcb",
	TCPPCBListen: "tcp_pcb_listen",
	TCPPCB:       "tcp_pcb",
	TCPSeg:       "tcp_seg",
	ReassData:    "reassdata",
	ARPQueue:     "arp_queue",
	SysTimeout:   "sys_timeout",
}

func (k Kind) String() string {
	if k >= numKinds {
		return "unknown"
	}
	return kindNames[k]
}

// Kinds lists every pool kind in declaration order.
func Kinds() []Kind {
	ks := make([]Kind, numKinds)
	for i := range ks {
		ks[i] = Kind(i)
	}
	return ks
}

// PbufHeaderSize is the per-buffer bookkeeping stored in front of the
// payload of a pool buffer.
const PbufHeaderSize = 16

// Per-object slot sizes for the control structures.
var objectSizes = [numKinds]int{
	PbufRef:      PbufHeaderSize,
	RawPCB:       32,
	UDPPCB:       48,
	TCPPCBListen: 40,
	TCPPCB:       208,
	TCPSeg:       40,
	ReassData:    48,
	ARPQueue:     16,
	SysTimeout:   24,
}

// ObjectSize is the slot size of kind k under opts.
func ObjectSize(k Kind, opts *config.Options) int {
	if k == PbufPool {
		return PbufHeaderSize + opts.Geometry.PbufPoolBufSize
	}
	return objectSizes[k]
}

// capacity returns the configured capacity of k, or zero when the feature
// that uses k is disabled.
func capacity(k Kind, opts *config.Options) int {
	f, p := opts.Features, opts.Pools
	switch k {
	case PbufPool:
		return p.PbufPool
	case PbufRef:
		return p.PbufRef
	case RawPCB:
		if f.Raw {
			return p.RawPCB
		}
	case UDPPCB:
		if f.UDP {
			return p.UDPPCB
		}
	case TCPPCBListen:
		if f.TCP {
			return p.TCPPCBListen
		}
	case TCPPCB:
		if f.TCP {
			return p.TCPPCB
		}
	case TCPSeg:
		if f.TCP {
			return p.TCPSeg
		}
	case ReassData:
		if f.IPv4 || f.IPv6 {
			return p.ReassData
		}
	case ARPQueue:
		if f.ARP && f.ARPQueueing {
			return p.ARPQueue
		}
	case SysTimeout:
		if !f.NoSys {
			return p.SysTimeout
		}
	}
	return 0
}

// Footprint is the worst-case memory one pool claims when every slot is in
// use.
type Footprint struct {
	Kind       Kind
	Capacity   int
	ObjectSize int
}

// Bytes is Capacity*ObjectSize.
func (f Footprint) Bytes() int {
	return f.Capacity * f.ObjectSize
}

// Footprints lists the pools NewManager would build under opts.
func Footprints(opts *config.Options) []Footprint {
	var out []Footprint
	for _, k := range Kinds() {
		if n := capacity(k, opts); n > 0 {
			out = append(out, Footprint{Kind: k, Capacity: n, ObjectSize: ObjectSize(k, opts)})
		}
	}
	return out
}
