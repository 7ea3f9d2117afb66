package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"tunstack/internal/stack"
)

// stackCollector exports the protocol counters of a stack.
type stackCollector struct {
	st *stack.Stack

	packets *prometheus.Desc
	conns   *prometheus.Desc
	flows   *prometheus.Desc
	reass   *prometheus.Desc
}

func newStackCollector(st *stack.Stack) *stackCollector {
	return &stackCollector{
		st: st,
		packets: prometheus.NewDesc(
			"tunstack_stack_packets_total",
			"Packets seen per protocol layer and outcome.",
			[]string{"layer", "outcome"}, nil,
		),
		conns: prometheus.NewDesc(
			"tunstack_stack_tcp_connections",
			"Open TCP connections.",
			nil, nil,
		),
		flows: prometheus.NewDesc(
			"tunstack_stack_udp_flows",
			"Open UDP flows.",
			nil, nil,
		),
		reass: prometheus.NewDesc(
			"tunstack_stack_reassemblies",
			"Datagrams being reassembled.",
			nil, nil,
		),
	}
}

func (c *stackCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packets
	ch <- c.conns
	ch <- c.flows
	ch <- c.reass
}

func (c *stackCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.st.Stats()
	layers := []struct {
		name string
		c    stack.Counters
	}{
		{"link", s.Link}, {"ip_frag", s.IPFrag}, {"ip", s.IP}, {"icmp", s.ICMP},
		{"raw", s.Raw}, {"udp", s.UDP}, {"tcp", s.TCP},
	}
	for _, l := range layers {
		for outcome, v := range map[string]uint64{
			"recv":    l.c.Recv,
			"xmit":    l.c.Xmit,
			"drop":    l.c.Drop,
			"chkerr":  l.c.ChkErr,
			"memerr":  l.c.MemErr,
			"proterr": l.c.ProtErr,
			"lenerr":  l.c.LenErr,
		} {
			ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(v), l.name, outcome)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.TCPConns))
	ch <- prometheus.MustNewConstMetric(c.flows, prometheus.GaugeValue, float64(s.UDPFlows))
	ch <- prometheus.MustNewConstMetric(c.reass, prometheus.GaugeValue, float64(s.Reassembly))
}
