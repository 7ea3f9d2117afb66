// Package stack is a callback-driven TCP/IP stack for TUN devices.
//
// Every resource it holds comes from a pool.Manager: packet buffers, protocol
// control blocks, segment descriptors and reassembly state are drawn from
// fixed-capacity pools, and payload bytes from the manager's heap region.
// When a pool runs dry the operation that needed it fails (the packet is
// dropped, the connection refused, the write pushed back) and the stack
// carries on.
//
// The stack is single-threaded. The caller holds the core lock around every
// call; Input and Tick are top-level entry points and must not be called
// from inside a callback, while the per-connection calls (Write, Close,
// Abort, Recved, Send) may be.
package stack

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"tunstack/internal/config"
	"tunstack/internal/corelock"
	"tunstack/internal/pool"
	pkgerrors "tunstack/pkg/errors"
)

// Config holds the collaborators of a Stack.
type Config struct {
	Manager *pool.Manager
	Lock    *corelock.Lock
	Output  Output

	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Stack is one instance of the TCP/IP stack.
type Stack struct {
	opts  *config.Options
	mgr   *pool.Manager
	lock  *corelock.Lock
	clock clockwork.Clock
	out   Output
	log   *zap.Logger

	sbuf          gopacket.SerializeBuffer
	fbuf          gopacket.SerializeBuffer
	serializeOpts gopacket.SerializeOptions
	ipID          uint16
	fragID        uint32

	listeners  map[uint16]*TCPListener
	conns      map[connKey]*TCPConn
	udpHandler func(*UDPFlow)
	flows      map[flowKey]*UDPFlow
	raws       []*RawPCB
	reass      map[reassKey]*reassembly
	reassPbufs int

	stats stats
}

// New returns a stack sized by cfg.Manager's options.
func New(cfg Config) (*Stack, error) {
	switch {
	case cfg.Manager == nil:
		return nil, &pkgerrors.ConfigError{Field: "Manager", Reason: "required"}
	case cfg.Lock == nil:
		return nil, &pkgerrors.ConfigError{Field: "Lock", Reason: "required"}
	case cfg.Output == nil:
		return nil, &pkgerrors.ConfigError{Field: "Output", Reason: "required"}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Stack{
		opts:  cfg.Manager.Options(),
		mgr:   cfg.Manager,
		lock:  cfg.Lock,
		clock: cfg.Clock,
		out:   cfg.Output,
		log:   cfg.Logger.Named("stack"),
		sbuf:  gopacket.NewSerializeBuffer(),
		fbuf:  gopacket.NewSerializeBuffer(),
		serializeOpts: gopacket.SerializeOptions{
			FixLengths:       true,
			ComputeChecksums: true,
		},
		listeners: make(map[uint16]*TCPListener),
		conns:     make(map[connKey]*TCPConn),
		flows:     make(map[flowKey]*UDPFlow),
		reass:     make(map[reassKey]*reassembly),
	}, nil
}

// Options returns the options the stack was sized from.
func (s *Stack) Options() *config.Options {
	return s.opts
}

// Input processes one IP packet read from the link. The packet is copied
// into pool buffers, so pkt may be reused once Input returns. A non-nil
// error means the packet was dropped; exhaustion errors satisfy
// errors.IsExhaustion.
func (s *Stack) Input(pkt []byte) error {
	if err := s.lock.Enter(); err != nil {
		return err
	}
	defer s.lock.Leave()

	s.stats.link.recv.Inc()
	if len(pkt) == 0 {
		s.stats.link.lenErr.Inc()
		s.stats.link.drop.Inc()
		return pkgerrors.ErrMalformed
	}

	c, err := s.newChain(pkt)
	if err != nil {
		s.stats.link.memErr.Inc()
		s.stats.link.drop.Inc()
		s.log.Debug("no pbuf for packet", zap.Int("len", len(pkt)), zap.Error(err))
		return err
	}

	retained, err := s.ipInput(c)
	if !retained {
		s.freeChain(c)
	}
	return err
}

// Tick runs every timer that is due at now: retransmissions, keepalives,
// window probes, reassembly and UDP flow expiry. Call it every
// Policy.TCPTimerInterval.
func (s *Stack) Tick(now time.Time) error {
	if err := s.lock.Enter(); err != nil {
		return err
	}
	defer s.lock.Leave()

	for _, c := range s.conns {
		c.tick(now)
	}
	s.expireReassembly(now)
	s.expireFlows(now)
	return nil
}

// Stats returns a snapshot of the protocol counters.
func (s *Stack) Stats() Stats {
	return Stats{
		Link:       s.stats.link.snapshot(),
		IPFrag:     s.stats.ipFrag.snapshot(),
		IP:         s.stats.ip.snapshot(),
		ICMP:       s.stats.icmp.snapshot(),
		Raw:        s.stats.raw.snapshot(),
		UDP:        s.stats.udp.snapshot(),
		TCP:        s.stats.tcp.snapshot(),
		TCPConns:   int(s.stats.conns.Load()),
		UDPFlows:   int(s.stats.flows.Load()),
		Reassembly: int(s.stats.reass.Load()),
	}
}

// Close resets every connection, closes every flow, listener and raw
// endpoint and drops pending reassemblies, returning all their resources.
func (s *Stack) Close() error {
	if err := s.lock.AssertHeld(); err != nil {
		return err
	}

	for _, c := range s.conns {
		c.sendReset()
		c.reset(pkgerrors.ErrConnAborted)
	}
	for _, f := range s.flows {
		f.close(true)
	}
	for _, l := range s.listeners {
		l.Close()
	}
	for _, r := range append([]*RawPCB(nil), s.raws...) {
		r.Close()
	}
	for _, r := range s.reass {
		s.releaseReassembly(r)
	}

	if n := len(s.conns) + len(s.flows) + len(s.reass); n != 0 {
		return fmt.Errorf("%d endpoints left after close", n)
	}
	return nil
}
