package stack

import "go.uber.org/atomic"

// protoStats holds the live counters of one protocol layer.
type protoStats struct {
	recv    atomic.Uint64
	xmit    atomic.Uint64
	drop    atomic.Uint64
	chkErr  atomic.Uint64
	memErr  atomic.Uint64
	protErr atomic.Uint64
	lenErr  atomic.Uint64
}

func (p *protoStats) snapshot() Counters {
	return Counters{
		Recv:    p.recv.Load(),
		Xmit:    p.xmit.Load(),
		Drop:    p.drop.Load(),
		ChkErr:  p.chkErr.Load(),
		MemErr:  p.memErr.Load(),
		ProtErr: p.protErr.Load(),
		LenErr:  p.lenErr.Load(),
	}
}

type stats struct {
	conns atomic.Int64
	flows atomic.Int64
	reass atomic.Int64

	link   protoStats
	ipFrag protoStats
	ip     protoStats
	icmp   protoStats
	raw    protoStats
	udp    protoStats
	tcp    protoStats
}

// Counters are the per-protocol totals since the stack was created.
type Counters struct {
	Recv    uint64 `json:"recv"`
	Xmit    uint64 `json:"xmit"`
	Drop    uint64 `json:"drop"`
	ChkErr  uint64 `json:"chkerr"`
	MemErr  uint64 `json:"memerr"`
	ProtErr uint64 `json:"proterr"`
	LenErr  uint64 `json:"lenerr"`
}

// Stats is a snapshot of every protocol counter. It may be taken from any
// goroutine.
type Stats struct {
	Link   Counters `json:"link"`
	IPFrag Counters `json:"ip_frag"`
	IP     Counters `json:"ip"`
	ICMP   Counters `json:"icmp"`
	Raw    Counters `json:"raw"`
	UDP    Counters `json:"udp"`
	TCP    Counters `json:"tcp"`

	TCPConns   int `json:"tcp_conns"`
	UDPFlows   int `json:"udp_flows"`
	Reassembly int `json:"reassembly"`
}
