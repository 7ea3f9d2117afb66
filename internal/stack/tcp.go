package stack

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"tunstack/internal/pool"
	pkgerrors "tunstack/pkg/errors"
)

// finWait2Timeout bounds how long a closed connection waits for the peer's
// FIN before it is reset.
const finWait2Timeout = 20 * time.Second

type tcpState uint8

const (
	stateClosed tcpState = iota
	stateSynRcvd
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateCloseWait
	stateClosing
	stateLastAck
)

var stateNames = [...]string{
	stateClosed:      "CLOSED",
	stateSynRcvd:     "SYN_RCVD",
	stateEstablished: "ESTABLISHED",
	stateFinWait1:    "FIN_WAIT_1",
	stateFinWait2:    "FIN_WAIT_2",
	stateCloseWait:   "CLOSE_WAIT",
	stateClosing:     "CLOSING",
	stateLastAck:     "LAST_ACK",
}

func (st tcpState) String() string {
	if int(st) < len(stateNames) {
		return stateNames[st]
	}
	return fmt.Sprintf("tcpState(%d)", st)
}

// AcceptFunc is called when a handshake completes. Returning an error
// aborts the connection.
type AcceptFunc func(c *TCPConn) error

// TCPListener accepts connections to one destination port, or to any port
// when bound to port 0.
type TCPListener struct {
	s      *Stack
	h      pool.Handle
	port   uint16
	accept AcceptFunc
	closed bool
}

// ListenTCP binds a listener. Connections are matched to a listener of
// their exact destination port first, then to the port 0 listener.
func (s *Stack) ListenTCP(port uint16, accept AcceptFunc) (*TCPListener, error) {
	if err := s.lock.AssertHeld(); err != nil {
		return nil, err
	}
	if !s.opts.Features.TCP {
		return nil, pkgerrors.ErrProtocolDisabled
	}
	if _, ok := s.listeners[port]; ok {
		return nil, fmt.Errorf("tcp port %d: %w", port, pkgerrors.ErrInUse)
	}

	h, _, err := s.mgr.Get(pool.TCPPCBListen)
	if err != nil {
		s.stats.tcp.memErr.Inc()
		return nil, err
	}
	l := &TCPListener{s: s, h: h, port: port, accept: accept}
	s.listeners[port] = l
	return l, nil
}

// Close stops accepting. Connections already accepted are unaffected;
// handshakes still in progress are reset when they complete.
func (l *TCPListener) Close() {
	if l.closed {
		return
	}
	l.closed = true
	if l.s.listeners[l.port] == l {
		delete(l.s.listeners, l.port)
	}
	_ = l.s.mgr.Put(l.h)
}

type connKey struct {
	local, remote netip.AddrPort
}

// TCPConn is one passively opened TCP connection. Its local address is the
// destination the peer connected to.
type TCPConn struct {
	s        *Stack
	h        pool.Handle
	key      connKey
	listener *TCPListener
	state    tcpState
	mss      int

	rcvNxt       uint32
	rcvWnd       int
	rcvAnnounced int

	iss     uint32
	sndUna  uint32
	sndNxt  uint32
	sndLbb  uint32
	sndWnd  int
	sndBuf  int
	queued  int
	unsent  []*segment
	unacked []*segment

	rto            time.Duration
	nrtx           int
	rtxAt          time.Time
	persistAt      time.Time
	persistBackoff time.Duration
	lastRecv       time.Time
	keepProbes     int
	finWaitAt      time.Time

	finPending bool
	finQueued  bool
	released   bool

	recv func(data []byte)
	sent func(n int)
	errf func(err error)
}

func (c *TCPConn) LocalAddr() netip.AddrPort  { return c.key.local }
func (c *TCPConn) RemoteAddr() netip.AddrPort { return c.key.remote }

// State returns the name of the connection state.
func (c *TCPConn) State() string { return c.state.String() }

// SetRecv sets the callback receiving in-order data. A nil slice signals
// that the peer closed its side. The data is only valid during the call
// and its length stays charged to the receive window until Recved.
func (c *TCPConn) SetRecv(fn func(data []byte)) { c.recv = fn }

// SetSent sets the callback reporting bytes acknowledged by the peer.
func (c *TCPConn) SetSent(fn func(n int)) { c.sent = fn }

// SetErr sets the callback run after the connection was reset by the peer
// or timed out. The connection is already released when it runs.
func (c *TCPConn) SetErr(fn func(err error)) { c.errf = fn }

// SndBuf returns how many more bytes Write would accept right now.
func (c *TCPConn) SndBuf() int {
	return c.s.opts.Geometry.TCPSndBuf - c.sndBuf
}

// SndQueueLen returns the number of queued segments.
func (c *TCPConn) SndQueueLen() int {
	return c.queued
}

// Write queues data for transmission and returns how much was taken. If
// nothing fits, Write returns an error wrapping ErrBackpressure and the
// limit that was hit; the caller retries after the Sent callback fires.
func (c *TCPConn) Write(data []byte) (int, error) {
	s := c.s
	if err := s.lock.AssertHeld(); err != nil {
		return 0, err
	}
	if c.released || c.finPending || c.finQueued ||
		(c.state != stateEstablished && c.state != stateCloseWait) {
		return 0, pkgerrors.ErrConnClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	g := s.opts.Geometry
	n := 0
	var cause error
	for n < len(data) {
		room := g.TCPSndBuf - c.sndBuf
		if room <= 0 {
			cause = fmt.Errorf("send buffer full (%d bytes)", c.sndBuf)
			break
		}
		if c.queued >= g.TCPSndQueueLen {
			cause = fmt.Errorf("send queue full (%d segments)", c.queued)
			break
		}
		chunk := min(c.mss, room, len(data)-n)

		buf, err := s.mgr.Malloc(chunk)
		if err != nil {
			cause = err
			break
		}
		seg, err := c.newSegment(buf[:chunk], false, false)
		if err != nil {
			_ = s.mgr.Free(buf)
			cause = err
			break
		}
		seg.buf = buf
		copy(seg.data, data[n:n+chunk])
		c.unsent = append(c.unsent, seg)
		c.sndBuf += chunk
		n += chunk
	}

	if n == 0 {
		if pkgerrors.IsExhaustion(cause) {
			s.stats.tcp.memErr.Inc()
		}
		return 0, fmt.Errorf("%w: %w", pkgerrors.ErrBackpressure, cause)
	}
	c.output()
	return n, nil
}

// Recved reopens the receive window by n bytes once the application has
// consumed data delivered through the receive callback.
func (c *TCPConn) Recved(n int) {
	if c.released || n <= 0 {
		return
	}
	wnd := c.s.opts.Geometry.TCPWnd
	c.rcvWnd = min(c.rcvWnd+n, wnd)

	threshold := min(wnd/4, 2*c.mss)
	if c.rcvAnnounced == 0 || c.rcvWnd-c.rcvAnnounced >= threshold {
		c.sendAck()
	}
}

// Close starts a graceful close. It never fails: if the FIN cannot be
// queued now it is queued on a later tick. Closing twice is a no-op.
func (c *TCPConn) Close() {
	if c.released || c.finPending || c.finQueued {
		return
	}
	switch c.state {
	case stateSynRcvd, stateEstablished, stateCloseWait:
		c.queueFin()
	}
}

// Abort resets the connection and releases it immediately. The error
// callback is not run. Aborting twice is a no-op.
func (c *TCPConn) Abort() {
	if c.released {
		return
	}
	c.sendReset()
	c.release()
}

func (c *TCPConn) queueFin() {
	seg, err := c.newSegment(nil, false, true)
	if err != nil {
		c.finPending = true
		c.s.log.Debug("fin deferred", zap.Stringer("remote", c.key.remote), zap.Error(err))
		return
	}
	c.finPending = false
	c.finQueued = true
	c.unsent = append(c.unsent, seg)

	switch c.state {
	case stateSynRcvd, stateEstablished:
		c.state = stateFinWait1
	case stateCloseWait:
		c.state = stateLastAck
	}
	c.output()
}

// reset releases the connection and reports err to the application.
func (c *TCPConn) reset(err error) {
	if c.released {
		return
	}
	c.release()
	c.s.log.Debug("tcp connection reset", zap.Stringer("remote", c.key.remote), zap.Error(err))
	if c.errf != nil {
		c.errf(err)
	}
}

// release returns every resource held by the connection.
func (c *TCPConn) release() {
	if c.released {
		return
	}
	c.released = true
	c.state = stateClosed

	for _, seg := range c.unsent {
		c.freeSegment(seg)
	}
	for _, seg := range c.unacked {
		c.freeSegment(seg)
	}
	c.unsent, c.unacked = nil, nil
	c.sndBuf, c.queued = 0, 0

	s := c.s
	if s.conns[c.key] == c {
		delete(s.conns, c.key)
		s.stats.conns.Dec()
	}
	if err := s.mgr.Put(c.h); err != nil {
		s.log.Error("failed to release tcp pcb", zap.Error(err))
	}
}

func (s *Stack) nextISS() uint32 {
	return rand.Uint32()
}
