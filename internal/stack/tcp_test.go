package stack

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunstack/internal/config"
	"tunstack/internal/pool"
	pkgerrors "tunstack/pkg/errors"
)

const clientISN = 1000

func mssOption(mss uint16) []layers.TCPOption {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, mss)
	return []layers.TCPOption{{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: b}}
}

// handshake opens a connection from client to server. A listener must
// already accept it.
func handshake(t *testing.T, h *harness, client, server netip.AddrPort) *TCPConn {
	t.Helper()

	before := len(h.s.conns)
	require.NoError(t, h.s.Input(tcpPacket(t, client, server,
		layers.TCP{SYN: true, Seq: clientISN, Window: 65535, Options: mssOption(1460)}, nil)))

	out := h.take()
	require.Len(t, out, 1)
	synAck := decodeTCP(t, out[0])
	require.True(t, synAck.SYN && synAck.ACK)
	require.Equal(t, uint32(clientISN+1), synAck.Ack)

	require.NoError(t, h.s.Input(tcpPacket(t, client, server,
		layers.TCP{ACK: true, Seq: clientISN + 1, Ack: synAck.Seq + 1, Window: 65535}, nil)))
	require.Len(t, h.s.conns, before+1)

	c := h.s.conns[connKey{local: server, remote: client}]
	require.NotNil(t, c)
	require.Equal(t, "ESTABLISHED", c.State())
	return c
}

func acceptAll(t *testing.T, h *harness) *[]*TCPConn {
	t.Helper()
	var conns []*TCPConn
	_, err := h.s.ListenTCP(0, func(c *TCPConn) error {
		conns = append(conns, c)
		return nil
	})
	require.NoError(t, err)
	return &conns
}

// peer sends a segment from client with the given flags on an open
// connection.
func peer(t *testing.T, h *harness, c *TCPConn, tcp layers.TCP, payload []byte) error {
	t.Helper()
	if tcp.Window == 0 {
		tcp.Window = 65535
	}
	return h.s.Input(tcpPacket(t, c.RemoteAddr(), c.LocalAddr(), tcp, payload))
}

func TestTCPHandshakeAndData(t *testing.T) {
	h := newHarness(t, nil)
	conns := acceptAll(t, h)

	c := handshake(t, h, clientAddr, serverAddr)
	require.Len(t, *conns, 1)
	assert.Equal(t, serverAddr, c.LocalAddr())
	assert.Equal(t, clientAddr, c.RemoteAddr())
	assert.Equal(t, 1460, c.mss)
	assert.Zero(t, h.used(pool.TCPSeg), "the SYN segment is released once acknowledged")

	var got []byte
	c.SetRecv(func(data []byte) { got = append(got, data...) })
	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, PSH: true, Seq: clientISN + 1, Ack: c.sndNxt}, []byte("hello")))
	assert.Equal(t, "hello", string(got))

	out := h.take()
	require.Len(t, out, 1)
	ack := decodeTCP(t, out[0])
	assert.Equal(t, uint32(clientISN+6), ack.Ack)
	assert.Equal(t, uint16(c.s.opts.Geometry.TCPWnd-5), ack.Window, "window stays charged until Recved")

	c.Recved(5)
	assert.Equal(t, c.s.opts.Geometry.TCPWnd, c.rcvWnd)

	var sent int
	c.SetSent(func(n int) { sent += n })
	n, err := c.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, h.used(pool.TCPSeg))

	out = h.take()
	require.NotEmpty(t, out)
	seg := decodeTCP(t, out[len(out)-1])
	assert.Equal(t, "world", string(seg.Payload))

	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: clientISN + 6, Ack: seg.Seq + 5}, nil))
	assert.Equal(t, 5, sent)
	assert.Zero(t, h.used(pool.TCPSeg))
	assert.Zero(t, h.mgr.Snapshot().Heap.Used)
}

func TestTCPHandshakeIPv6(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)

	c := handshake(t, h, clientAddr6, serverAddr6)
	assert.True(t, c.LocalAddr().Addr().Is6())
}

func TestTCPChecksumNotVerifiedByDefault(t *testing.T) {
	syn := func(t *testing.T) []byte {
		pkt := tcpPacket(t, clientAddr, serverAddr, layers.TCP{SYN: true, Seq: clientISN, Window: 65535}, nil)
		pkt[config.IPv4HeaderLen+16] ^= 0xff
		return pkt
	}

	h := newHarness(t, nil)
	acceptAll(t, h)
	require.NoError(t, h.s.Input(syn(t)))
	assert.Len(t, h.take(), 1, "corrupted SYN is still answered")

	h = newHarness(t, func(o *config.Options) { o.Policy.ChecksumCheck.TCP = true })
	acceptAll(t, h)
	assert.ErrorIs(t, h.s.Input(syn(t)), pkgerrors.ErrChecksum)
	assert.Empty(t, h.take())
	assert.Equal(t, uint64(1), h.s.Stats().TCP.ChkErr)
}

func TestTCPGeneratedChecksumsAreValid(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	require.NoError(t, h.s.Input(tcpPacket(t, clientAddr, serverAddr,
		layers.TCP{SYN: true, Seq: clientISN, Window: 65535}, nil)))

	out := h.take()
	require.Len(t, out, 1)
	pkt := out[0]
	assert.True(t, validIPv4Header(pkt[:config.IPv4HeaderLen]))
	assert.True(t, validTransport(serverAddr.Addr(), clientAddr.Addr(), uint8(layers.IPProtocolTCP), pkt[config.IPv4HeaderLen:]))

	h = newHarness(t, func(o *config.Options) { o.Policy.ChecksumGen.TCP = false })
	acceptAll(t, h)
	require.NoError(t, h.s.Input(tcpPacket(t, clientAddr, serverAddr,
		layers.TCP{SYN: true, Seq: clientISN, Window: 65535}, nil)))
	out = h.take()
	require.Len(t, out, 1)
	assert.Zero(t, decodeTCP(t, out[0]).Checksum)
}

func TestTCPNoListenerResets(t *testing.T) {
	h := newHarness(t, nil)

	err := h.s.Input(tcpPacket(t, clientAddr, serverAddr, layers.TCP{SYN: true, Seq: clientISN, Window: 65535}, nil))
	assert.ErrorIs(t, err, pkgerrors.ErrNoRoute)

	out := h.take()
	require.Len(t, out, 1)
	rst := decodeTCP(t, out[0])
	assert.True(t, rst.RST)
	assert.Equal(t, uint32(clientISN+1), rst.Ack)
	assert.Zero(t, h.used(pool.TCPPCB))
}

func TestTCPListenerPortMatch(t *testing.T) {
	h := newHarness(t, nil)

	var exact, wildcard int
	_, err := h.s.ListenTCP(443, func(*TCPConn) error { exact++; return nil })
	require.NoError(t, err)
	_, err = h.s.ListenTCP(0, func(*TCPConn) error { wildcard++; return nil })
	require.NoError(t, err)

	_, err = h.s.ListenTCP(443, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrInUse)

	handshake(t, h, clientAddr, serverAddr)
	handshake(t, h, clientAddr, netip.AddrPortFrom(serverAddr.Addr(), 80))
	assert.Equal(t, 1, exact)
	assert.Equal(t, 1, wildcard)
}

func TestTCPPCBExhaustion(t *testing.T) {
	h := newHarness(t, func(o *config.Options) { o.Pools.TCPPCB = 4 })
	conns := acceptAll(t, h)

	for i := range 4 {
		handshake(t, h, netip.AddrPortFrom(clientAddr.Addr(), uint16(41000+i)), serverAddr)
	}
	require.Len(t, *conns, 4)
	assert.Equal(t, 4, h.used(pool.TCPPCB))

	fifth := tcpPacket(t, netip.AddrPortFrom(clientAddr.Addr(), 42000), serverAddr,
		layers.TCP{SYN: true, Seq: clientISN, Window: 65535}, nil)
	err := h.s.Input(fifth)
	assert.ErrorIs(t, err, pkgerrors.ErrPoolExhausted)
	assert.True(t, pkgerrors.IsExhaustion(err))
	assert.Empty(t, h.take(), "refused SYN is dropped silently")
	assert.Equal(t, uint64(1), h.s.Stats().TCP.MemErr)

	(*conns)[0].Abort()
	assert.Equal(t, 3, h.used(pool.TCPPCB))

	require.NoError(t, h.s.Input(fifth))
	assert.Equal(t, 4, h.used(pool.TCPPCB))
}

func TestTCPAcceptErrorAborts(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.s.ListenTCP(0, func(*TCPConn) error { return assert.AnError })
	require.NoError(t, err)

	require.NoError(t, h.s.Input(tcpPacket(t, clientAddr, serverAddr,
		layers.TCP{SYN: true, Seq: clientISN, Window: 65535}, nil)))
	synAck := decodeTCP(t, h.take()[0])
	require.NoError(t, h.s.Input(tcpPacket(t, clientAddr, serverAddr,
		layers.TCP{ACK: true, Seq: clientISN + 1, Ack: synAck.Seq + 1, Window: 65535}, nil)))

	out := h.take()
	require.Len(t, out, 1)
	assert.True(t, decodeTCP(t, out[0]).RST)
	assert.Zero(t, h.used(pool.TCPPCB))
}

func TestTCPFullSegmentFitsOnePbuf(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)
	g := c.s.opts.Geometry

	mss := g.EffectiveMSS(config.IPv4HeaderLen)
	require.Equal(t, g.MSS, mss)

	var pbufs []int
	c.SetRecv(func(data []byte) {
		pbufs = append(pbufs, h.used(pool.PbufPool))
		c.Recved(len(data))
	})

	seq := uint32(clientISN + 1)
	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: seq, Ack: c.sndNxt}, bytes.Repeat([]byte{'a'}, mss)))
	seq += uint32(mss)
	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: seq, Ack: c.sndNxt}, bytes.Repeat([]byte{'b'}, mss+100)))

	assert.Equal(t, []int{1, 2}, pbufs)
	assert.Zero(t, h.used(pool.PbufPool))
	assert.Zero(t, h.mgr.Snapshot().Heap.Used, "flattened copy is freed")
}

func TestTCPWriteBackpressure(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)
	g := c.s.opts.Geometry

	n, err := c.Write(make([]byte, g.TCPSndBuf+1000))
	require.NoError(t, err)
	assert.Equal(t, g.TCPSndBuf, n)
	assert.Zero(t, c.SndBuf())
	assert.LessOrEqual(t, c.SndQueueLen(), g.TCPSndQueueLen)

	_, err = c.Write([]byte("more"))
	assert.ErrorIs(t, err, pkgerrors.ErrBackpressure)

	var sent int
	c.SetSent(func(n int) { sent += n })
	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: clientISN + 1, Ack: c.sndNxt}, nil))
	assert.Equal(t, g.TCPSndBuf, sent)
	assert.Equal(t, g.TCPSndBuf, c.SndBuf())

	n, err = c.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestTCPWriteSegmentPoolBackpressure(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	// leave the segment pool empty
	p := h.mgr.Pool(pool.TCPSeg)
	var held []pool.Handle
	for p.Available() > 0 {
		hd, _, err := p.Get()
		require.NoError(t, err)
		held = append(held, hd)
	}

	_, err := c.Write([]byte("data"))
	assert.ErrorIs(t, err, pkgerrors.ErrBackpressure)
	assert.ErrorIs(t, err, pkgerrors.ErrPoolExhausted)
	assert.Zero(t, h.mgr.Snapshot().Heap.Used, "payload block is returned")

	for _, hd := range held {
		require.NoError(t, p.Put(hd))
	}
	_, err = c.Write([]byte("data"))
	assert.NoError(t, err)
}

func TestTCPZeroWindowProbe(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	require.NoError(t, h.s.Input(tcpPacket(t, c.RemoteAddr(), c.LocalAddr(),
		layers.TCP{ACK: true, Seq: clientISN + 1, Ack: c.sndNxt, Window: 0}, nil)))
	_, err := c.Write([]byte("blocked"))
	require.NoError(t, err)
	assert.Empty(t, h.take(), "nothing fits a zero window")

	h.clock.Advance(c.s.opts.Policy.TCPRTOInitial)
	require.NoError(t, h.tick())
	out := h.take()
	require.Len(t, out, 1)
	probe := decodeTCP(t, out[0])
	assert.Empty(t, probe.Payload)
	assert.Equal(t, c.sndUna-1, probe.Seq)

	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: clientISN + 1, Ack: c.sndNxt}, nil))
	out = h.take()
	require.Len(t, out, 1)
	assert.Equal(t, "blocked", string(decodeTCP(t, out[0]).Payload))
}

func TestTCPSmallWindowSplitsSegment(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: clientISN + 1, Ack: c.sndNxt, Window: 100}, nil))
	var sent int
	c.SetSent(func(n int) { sent += n })
	n, err := c.Write(make([]byte, 1000))
	require.NoError(t, err)
	require.Equal(t, 1000, n)

	for i := 0; i < 10; i++ {
		out := h.take()
		require.Len(t, out, 1, "round %d", i)
		seg := decodeTCP(t, out[0])
		require.Len(t, seg.Payload, 100)
		require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: clientISN + 1, Ack: seg.Seq + 100, Window: 100}, nil))
	}

	assert.Equal(t, 1000, sent)
	assert.Empty(t, c.unsent)
	assert.Zero(t, c.SndQueueLen())
	assert.Zero(t, h.used(pool.TCPSeg))
	assert.Zero(t, h.mgr.Snapshot().Heap.Used)
}

func TestTCPSmallWindowPersistsWithoutDescriptor(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	require.NoError(t, h.s.Input(tcpPacket(t, c.RemoteAddr(), c.LocalAddr(),
		layers.TCP{ACK: true, Seq: clientISN + 1, Ack: c.sndNxt, Window: 0}, nil)))
	_, err := c.Write(make([]byte, 1000))
	require.NoError(t, err)

	// no descriptor is left to split the queued segment with
	p := h.mgr.Pool(pool.TCPSeg)
	var held []pool.Handle
	for p.Available() > 0 {
		hd, _, err := p.Get()
		require.NoError(t, err)
		held = append(held, hd)
	}
	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: clientISN + 1, Ack: c.sndNxt, Window: 100}, nil))
	assert.Empty(t, h.take())
	require.False(t, c.persistAt.IsZero(), "a head segment larger than the window keeps the persist timer armed")

	h.clock.Advance(c.s.opts.Policy.TCPRTOInitial)
	require.NoError(t, h.tick())
	out := h.take()
	require.Len(t, out, 1)
	assert.Empty(t, decodeTCP(t, out[0]).Payload)

	for _, hd := range held {
		require.NoError(t, p.Put(hd))
	}
	h.clock.Advance(2 * c.s.opts.Policy.TCPRTOInitial)
	require.NoError(t, h.tick())
	out = h.take()
	require.Len(t, out, 1)
	assert.Len(t, decodeTCP(t, out[0]).Payload, 100, "the split goes out once a descriptor is free")
}

func TestTCPCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	c.Close()
	out := h.take()
	require.Len(t, out, 1)
	assert.True(t, decodeTCP(t, out[0]).FIN)
	assert.Equal(t, "FIN_WAIT_1", c.State())

	c.Close()
	assert.Empty(t, h.take())

	_, err := c.Write([]byte("late"))
	assert.ErrorIs(t, err, pkgerrors.ErrConnClosed)

	c.Abort()
	out = h.take()
	require.Len(t, out, 1)
	assert.True(t, decodeTCP(t, out[0]).RST)
	assert.Equal(t, "CLOSED", c.State())

	c.Abort()
	c.Close()
	assert.Empty(t, h.take())
	assert.Zero(t, h.used(pool.TCPPCB))
	assert.Zero(t, h.used(pool.TCPSeg))
}

func TestTCPGracefulClose(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	var eof bool
	c.SetRecv(func(data []byte) { eof = data == nil })

	c.Close()
	fin := decodeTCP(t, h.take()[0])
	require.True(t, fin.FIN)

	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: clientISN + 1, Ack: fin.Seq + 1}, nil))
	assert.Equal(t, "FIN_WAIT_2", c.State())

	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, FIN: true, Seq: clientISN + 1, Ack: fin.Seq + 1}, nil))
	assert.True(t, eof)
	assert.Equal(t, "CLOSED", c.State())
	assert.Zero(t, h.used(pool.TCPPCB))

	out := h.take()
	require.Len(t, out, 1)
	assert.Equal(t, uint32(clientISN+2), decodeTCP(t, out[0]).Ack)
}

func TestTCPPassiveClose(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, FIN: true, Seq: clientISN + 1, Ack: c.sndNxt}, nil))
	assert.Equal(t, "CLOSE_WAIT", c.State())
	h.take()

	c.Close()
	assert.Equal(t, "LAST_ACK", c.State())
	fin := decodeTCP(t, h.take()[0])

	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: clientISN + 2, Ack: fin.Seq + 1}, nil))
	assert.Equal(t, "CLOSED", c.State())
	assert.Zero(t, h.used(pool.TCPPCB))
}

func TestTCPPeerReset(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	var got error
	c.SetErr(func(err error) { got = err })

	// out of window resets are ignored
	require.NoError(t, peer(t, h, c, layers.TCP{RST: true, Seq: clientISN + 100000}, nil))
	assert.NoError(t, got)

	require.NoError(t, peer(t, h, c, layers.TCP{RST: true, Seq: clientISN + 1}, nil))
	assert.ErrorIs(t, got, pkgerrors.ErrConnReset)
	assert.Zero(t, h.used(pool.TCPPCB))
	assert.Empty(t, h.take(), "no reply to a reset")
}

func TestTCPRetransmitAndTimeout(t *testing.T) {
	h := newHarness(t, func(o *config.Options) { o.Policy.TCPMaxRtx = 3 })
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	var got error
	c.SetErr(func(err error) { got = err })

	_, err := c.Write([]byte("lost"))
	require.NoError(t, err)
	first := decodeTCP(t, h.take()[0])

	h.clock.Advance(c.s.opts.Policy.TCPRTOInitial)
	require.NoError(t, h.tick())
	out := h.take()
	require.Len(t, out, 1)
	again := decodeTCP(t, out[0])
	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, "lost", string(again.Payload))
	assert.Equal(t, 2*c.s.opts.Policy.TCPRTOInitial, c.rto)

	for range 10 {
		h.clock.Advance(time.Minute)
		require.NoError(t, h.tick())
	}
	assert.ErrorIs(t, got, pkgerrors.ErrTimeout)
	assert.Zero(t, h.used(pool.TCPPCB))
	assert.Zero(t, h.used(pool.TCPSeg))

	out = h.take()
	require.NotEmpty(t, out)
	assert.True(t, decodeTCP(t, out[len(out)-1]).RST)
}

func TestTCPSynRetransmitLimit(t *testing.T) {
	h := newHarness(t, func(o *config.Options) { o.Policy.TCPSynMaxRtx = 2 })
	acceptAll(t, h)

	require.NoError(t, h.s.Input(tcpPacket(t, clientAddr, serverAddr,
		layers.TCP{SYN: true, Seq: clientISN, Window: 65535}, nil)))
	require.Equal(t, 1, h.used(pool.TCPPCB))

	for range 5 {
		h.clock.Advance(time.Minute)
		require.NoError(t, h.tick())
	}
	assert.Zero(t, h.used(pool.TCPPCB))
	assert.Zero(t, h.used(pool.TCPSeg))

	var synAcks int
	for _, pkt := range h.take() {
		if tcp := decodeTCP(t, pkt); tcp.SYN {
			synAcks++
		}
	}
	assert.Equal(t, 3, synAcks)
}

func TestTCPKeepalive(t *testing.T) {
	h := newHarness(t, func(o *config.Options) {
		o.Features.TCPKeepalive = true
		o.Policy.TCPKeepIdle = time.Minute
		o.Policy.TCPKeepIntvl = 10 * time.Second
		o.Policy.TCPKeepCnt = 2
	})
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	var got error
	c.SetErr(func(err error) { got = err })

	h.clock.Advance(time.Minute)
	require.NoError(t, h.tick())
	out := h.take()
	require.Len(t, out, 1)
	assert.Equal(t, c.sndUna-1, decodeTCP(t, out[0]).Seq)

	// an answer resets the probe count
	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: clientISN + 1, Ack: c.sndNxt}, nil))
	assert.Zero(t, c.keepProbes)

	for range 4 {
		h.clock.Advance(time.Minute)
		require.NoError(t, h.tick())
	}
	assert.ErrorIs(t, got, pkgerrors.ErrTimeout)
}

func TestTCPFinWait2Timeout(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	c.Close()
	fin := decodeTCP(t, h.take()[0])
	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: clientISN + 1, Ack: fin.Seq + 1}, nil))
	require.Equal(t, "FIN_WAIT_2", c.State())

	h.clock.Advance(finWait2Timeout)
	require.NoError(t, h.tick())
	assert.Equal(t, "CLOSED", c.State())
	assert.Zero(t, h.used(pool.TCPPCB))
}

func TestTCPOutOfOrderDropped(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(t, h)
	c := handshake(t, h, clientAddr, serverAddr)

	var got []byte
	c.SetRecv(func(data []byte) { got = append(got, data...) })

	require.NoError(t, peer(t, h, c, layers.TCP{ACK: true, Seq: clientISN + 10, Ack: c.sndNxt}, []byte("later")))
	assert.Empty(t, got)
	out := h.take()
	require.Len(t, out, 1)
	assert.Equal(t, uint32(clientISN+1), decodeTCP(t, out[0]).Ack)
}
