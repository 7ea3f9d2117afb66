package config

import "time"

// Options is the complete, immutable description of the stack build:
// feature toggles, pool capacities, buffer geometry, execution policy and
// the heap region size. It is built once at startup, validated once, and
// passed by pointer to everything that sizes itself from it.
type Options struct {
	Features Features `mapstructure:"features"`
	Pools    Pools    `mapstructure:"pools"`
	Geometry Geometry `mapstructure:"geometry"`
	Policy   Policy   `mapstructure:"policy"`
	Heap     Heap     `mapstructure:"heap"`
}

// Features selects which protocol components are active.
type Features struct {
	NoSys              bool  `mapstructure:"no_sys"`
	Timers             bool  `mapstructure:"timers"`
	IPv4               bool  `mapstructure:"ipv4"`
	IPv6               bool  `mapstructure:"ipv6"`
	IPv6Autoconfig     bool  `mapstructure:"ipv6_autoconfig"`
	IPv6MLD            bool  `mapstructure:"ipv6_mld"`
	IPv6FragCopyHeader bool  `mapstructure:"ipv6_frag_copyheader"`
	ARP                bool  `mapstructure:"arp"`
	ARPQueueing        bool  `mapstructure:"arp_queueing"`
	IPForward          bool  `mapstructure:"ip_forward"`
	ICMP               bool  `mapstructure:"icmp"`
	Raw                bool  `mapstructure:"raw"`
	DHCP               bool  `mapstructure:"dhcp"`
	AutoIP             bool  `mapstructure:"autoip"`
	SNMP               bool  `mapstructure:"snmp"`
	IGMP               bool  `mapstructure:"igmp"`
	DNS                bool  `mapstructure:"dns"`
	UDP                bool  `mapstructure:"udp"`
	UDPLite            bool  `mapstructure:"udplite"`
	TCP                bool  `mapstructure:"tcp"`
	TCPKeepalive       bool  `mapstructure:"tcp_keepalive"`
	CallbackAPI        bool  `mapstructure:"callback_api"`
	Netconn            bool  `mapstructure:"netconn"`
	Socket             bool  `mapstructure:"socket"`
	Stats              bool  `mapstructure:"stats"`
	DefaultTTL         uint8 `mapstructure:"default_ttl" validate:"gte=1"`
}

// Pools holds the capacity of every fixed-size object pool. A capacity is
// a hard ceiling: the pool never grows.
type Pools struct {
	PbufPool      int `mapstructure:"pbuf_pool" validate:"gte=1"`
	PbufRef       int `mapstructure:"pbuf_ref" validate:"gte=1"`
	RawPCB        int `mapstructure:"raw_pcb" validate:"gte=0"`
	UDPPCB        int `mapstructure:"udp_pcb" validate:"gte=0"`
	TCPPCBListen  int `mapstructure:"tcp_pcb_listen" validate:"gte=0"`
	TCPPCB        int `mapstructure:"tcp_pcb" validate:"gte=0"`
	TCPSeg        int `mapstructure:"tcp_seg" validate:"gte=0"`
	ReassData     int `mapstructure:"reassdata" validate:"gte=0"`
	ReassMaxPbufs int `mapstructure:"reass_max_pbufs" validate:"gte=1"`
	ARPQueue      int `mapstructure:"arp_queue" validate:"gte=0"`
	SysTimeout    int `mapstructure:"sys_timeout" validate:"gte=0"`
}

// Geometry describes the shape of every unit of data moving through the
// stack. All sizes are in bytes.
type Geometry struct {
	MSS             int `mapstructure:"mss" validate:"gte=64,lte=65495"`
	TCPWnd          int `mapstructure:"tcp_wnd" validate:"gte=1"`
	TCPSndBuf       int `mapstructure:"tcp_snd_buf" validate:"gte=1"`
	TCPSndQueueLen  int `mapstructure:"tcp_snd_queuelen" validate:"gte=1"`
	LinkHeaderLen   int `mapstructure:"link_header_len" validate:"gte=0"`
	MemAlignment    int `mapstructure:"mem_alignment" validate:"gte=1"`
	PbufPoolBufSize int `mapstructure:"pbuf_pool_bufsize" validate:"gte=1"`
	MTU             int `mapstructure:"mtu" validate:"gte=576,lte=65535"`
}

// Policy governs how the stack is driven and which integrity checks it runs.
type Policy struct {
	ChecksumCheck  Checksums `mapstructure:"checksum_check"`
	ChecksumGen    Checksums `mapstructure:"checksum_gen"`
	ChecksumOnCopy bool      `mapstructure:"checksum_on_copy"`
	CoreLocking    bool      `mapstructure:"core_locking"`

	TCPTimerInterval time.Duration `mapstructure:"tcp_timer_interval" validate:"gt=0"`
	ReassMaxAge      time.Duration `mapstructure:"reass_max_age" validate:"gt=0"`
	TCPRTOInitial    time.Duration `mapstructure:"tcp_rto_initial" validate:"gt=0"`
	TCPRTOMax        time.Duration `mapstructure:"tcp_rto_max" validate:"gtefield=TCPRTOInitial"`
	TCPMaxRtx        int           `mapstructure:"tcp_maxrtx" validate:"gte=1"`
	TCPSynMaxRtx     int           `mapstructure:"tcp_synmaxrtx" validate:"gte=1"`
	TCPKeepIdle      time.Duration `mapstructure:"tcp_keepidle" validate:"gt=0"`
	TCPKeepIntvl     time.Duration `mapstructure:"tcp_keepintvl" validate:"gt=0"`
	TCPKeepCnt       int           `mapstructure:"tcp_keepcnt" validate:"gte=1"`
	UDPTimeout       time.Duration `mapstructure:"udp_timeout" validate:"gt=0"`
}

// Checksums toggles per-protocol checksum handling.
type Checksums struct {
	IP    bool `mapstructure:"ip"`
	UDP   bool `mapstructure:"udp"`
	TCP   bool `mapstructure:"tcp"`
	ICMP  bool `mapstructure:"icmp"`
	ICMP6 bool `mapstructure:"icmp6"`
}

// Heap sizes the general heap region used for segment payloads and
// reassembled datagrams.
type Heap struct {
	Size ByteSize `mapstructure:"size" validate:"gte=1024"`
}

// ByteSize is a byte count that may be written as "2MiB" in config files.
type ByteSize int

// Default returns the platform defaults.
func Default() *Options {
	g := Geometry{
		MSS:           8191,
		LinkHeaderLen: 16,
		MemAlignment:  4,
		MTU:           9000,
	}
	g.TCPWnd = 8 * g.MSS
	g.TCPSndBuf = 8 * g.MSS
	g.TCPSndQueueLen = SndQueueLen(g.TCPSndBuf, g.MSS)
	g.PbufPoolBufSize = g.AlignSize(g.MinPbufPoolBufSize())

	return &Options{
		Features: Features{
			NoSys:              true,
			Timers:             true,
			IPv4:               true,
			IPv6:               true,
			IPv6Autoconfig:     true,
			IPv6FragCopyHeader: true,
			Raw:                true,
			UDP:                true,
			TCP:                true,
			TCPKeepalive:       platformTCPKeepalive,
			CallbackAPI:        true,
			DefaultTTL:         64,
		},
		Pools: Pools{
			PbufPool:      32,
			PbufRef:       8192,
			RawPCB:        4,
			UDPPCB:        1024,
			TCPPCBListen:  16,
			TCPPCB:        platformTCPPCBs,
			TCPSeg:        8192,
			ReassData:     1,
			ReassMaxPbufs: 10,
			ARPQueue:      2,
			SysTimeout:    8,
		},
		Geometry: g,
		Policy: Policy{
			ChecksumGen:      Checksums{IP: true, UDP: true, TCP: true, ICMP: true, ICMP6: true},
			ChecksumOnCopy:   true,
			CoreLocking:      true,
			TCPTimerInterval: 250 * time.Millisecond,
			ReassMaxAge:      15 * time.Second,
			TCPRTOInitial:    3 * time.Second,
			TCPRTOMax:        60 * time.Second,
			TCPMaxRtx:        12,
			TCPSynMaxRtx:     6,
			TCPKeepIdle:      2 * time.Hour,
			TCPKeepIntvl:     75 * time.Second,
			TCPKeepCnt:       9,
			UDPTimeout:       60 * time.Second,
		},
		Heap: Heap{Size: platformHeapSize},
	}
}

// Clone returns a copy of o. Options holds no reference fields.
func (o *Options) Clone() *Options {
	c := *o
	return &c
}
