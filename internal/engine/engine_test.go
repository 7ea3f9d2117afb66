package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/proxy"

	"tunstack/internal/config"
	"tunstack/internal/storage/models"
	pkgerrors "tunstack/pkg/errors"
)

const waitFor = 5 * time.Second

var clientAddr = netip.MustParseAddrPort("10.0.0.2:40000")

type fakeDevice struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) Name() string { return "fake0" }

func (d *fakeDevice) Read(p []byte) (int, error) {
	select {
	case pkt := <-d.in:
		return copy(p, pkt), nil
	case <-d.closed:
		return 0, os.ErrClosed
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, os.ErrClosed
	default:
	}
	d.out <- bytes.Clone(p)
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

// nextTCP returns the next TCP segment written to the device that matches.
func (d *fakeDevice) nextTCP(t *testing.T, match func(*layers.TCP) bool) *layers.TCP {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case pkt := <-d.out:
			p := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Default)
			if l := p.Layer(layers.LayerTypeTCP); l != nil {
				if tcp := l.(*layers.TCP); match(tcp) {
					return tcp
				}
			}
		case <-deadline:
			t.Fatal("no matching tcp segment")
			return nil
		}
	}
}

func (d *fakeDevice) nextUDP(t *testing.T) *layers.UDP {
	t.Helper()
	select {
	case pkt := <-d.out:
		p := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Default)
		l := p.Layer(layers.LayerTypeUDP)
		require.NotNil(t, l)
		return l.(*layers.UDP)
	case <-time.After(waitFor):
		t.Fatal("no udp datagram")
		return nil
	}
}

func serialize(t *testing.T, src, dst netip.AddrPort, l4 gopacket.SerializableLayer, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version: 4,
		TTL:     64,
		SrcIP:   src.Addr().AsSlice(),
		DstIP:   dst.Addr().AsSlice(),
	}
	switch l := l4.(type) {
	case *layers.TCP:
		ip.Protocol = layers.IPProtocolTCP
		l.SrcPort, l.DstPort = layers.TCPPort(src.Port()), layers.TCPPort(dst.Port())
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
	case *layers.UDP:
		ip.Protocol = layers.IPProtocolUDP
		l.SrcPort, l.DstPort = layers.UDPPort(src.Port()), layers.UDPPort(dst.Port())
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, l4, gopacket.Payload(payload)))
	return buf.Bytes()
}

func mssOption(mss uint16) []layers.TCPOption {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, mss)
	return []layers.TCPOption{{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: b}}
}

type memRecorder struct {
	mu       sync.Mutex
	runs     []*models.Run
	finished []*models.Run
	samples  []*models.Sample
}

func (m *memRecorder) CreateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = int64(len(m.runs) + 1)
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRecorder) FinishRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, run)
	return nil
}

func (m *memRecorder) RecordSample(_ context.Context, s *models.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

type dialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// start runs a native engine on a fake device and returns a function that
// stops it and returns Run's result.
func start(t *testing.T, cfg Config) (*fakeDevice, func() error) {
	t.Helper()
	dev := newFakeDevice()
	cfg.Device = dev
	cfg.Logger = zaptest.NewLogger(t)
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewFakeClock()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = proxy.Direct
	}
	e, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(waitFor):
				result = errors.New("engine did not stop")
			}
		})
		return result
	}
	t.Cleanup(func() { stop() })
	return dev, stop
}

// handshake opens a connection from clientAddr to dst through the device.
func handshake(t *testing.T, dev *fakeDevice, dst netip.AddrPort) (seq, ack uint32) {
	t.Helper()
	const isn = 5000
	dev.in <- serialize(t, clientAddr, dst, &layers.TCP{SYN: true, Seq: isn, Window: 65535, Options: mssOption(1460)}, nil)
	synAck := dev.nextTCP(t, func(tcp *layers.TCP) bool { return tcp.SYN && tcp.ACK })
	require.Equal(t, uint32(isn+1), synAck.Ack)

	seq, ack = isn+1, synAck.Seq+1
	dev.in <- serialize(t, clientAddr, dst, &layers.TCP{ACK: true, Seq: seq, Ack: ack, Window: 65535}, nil)
	return seq, ack
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "lwip"})
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownBackend)
}

func TestNewValidatesOptions(t *testing.T) {
	opts := config.Default()
	opts.Geometry.MTU = 576
	_, err := New(Config{Options: opts})
	assert.ErrorIs(t, err, pkgerrors.ErrMisconfigured)

	_, err = New(Config{Backend: BackendTun2socks})
	assert.ErrorIs(t, err, pkgerrors.ErrMisconfigured, "tun2socks needs a proxy")

	_, err = New(Config{Proxy: "gopher://127.0.0.1:70"})
	assert.Error(t, err)
}

func TestNewDialer(t *testing.T) {
	d, err := newDialer("")
	require.NoError(t, err)
	assert.Equal(t, proxy.Direct, d)

	d, err = newDialer("socks5://127.0.0.1:1080")
	require.NoError(t, err)
	assert.NotNil(t, d)

	_, err = newDialer("socks5://[::1")
	assert.Error(t, err)
}

func TestTun2socksKey(t *testing.T) {
	opts := config.Default()
	key := tun2socksKey(Config{
		Options:    opts,
		Proxy:      "socks5://127.0.0.1:1080",
		DeviceName: "tun7",
		LogLevel:   "warn",
	})

	assert.Equal(t, "tun://tun7", key.Device)
	assert.Equal(t, "socks5://127.0.0.1:1080", key.Proxy)
	assert.Equal(t, opts.Geometry.MTU, key.MTU)
	assert.Equal(t, "65528", key.TCPSendBufferSize)
	assert.Equal(t, "65528", key.TCPReceiveBufferSize)
	assert.Equal(t, opts.Policy.UDPTimeout, key.UDPTimeout)
	assert.Equal(t, "warning", key.LogLevel)

	assert.Equal(t, "silent", tun2socksLevel(""))
}

func TestTCPRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			accepted <- c
		}
	}()

	reg := prometheus.NewRegistry()
	dev, stop := start(t, Config{Registry: reg})
	dst := netip.MustParseAddrPort(ln.Addr().String())

	seq, ack := handshake(t, dev, dst)
	dev.in <- serialize(t, clientAddr, dst, &layers.TCP{ACK: true, PSH: true, Seq: seq, Ack: ack, Window: 65535}, []byte("hello"))

	var up net.Conn
	select {
	case up = <-accepted:
	case <-time.After(waitFor):
		t.Fatal("upstream never dialed")
	}
	defer up.Close()

	buf := make([]byte, 5)
	require.NoError(t, up.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = io.ReadFull(up, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = up.Write([]byte("world"))
	require.NoError(t, err)
	reply := dev.nextTCP(t, func(tcp *layers.TCP) bool { return len(tcp.Payload) > 0 })
	assert.Equal(t, "world", string(reply.Payload))
	assert.Equal(t, seq+5, reply.Ack)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tunstack_pool_used"])
	assert.True(t, names["tunstack_stack_packets_total"])

	// upstream close is passed on as a FIN
	require.NoError(t, up.Close())
	dev.nextTCP(t, func(tcp *layers.TCP) bool { return tcp.FIN })

	require.NoError(t, stop())
}

func TestTCPDialFailureResets(t *testing.T) {
	dev, stop := start(t, Config{
		Dialer: dialerFunc(func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("proxy unreachable")
		}),
	})

	handshake(t, dev, netip.MustParseAddrPort("93.184.216.34:443"))
	dev.nextTCP(t, func(tcp *layers.TCP) bool { return tcp.RST })
	require.NoError(t, stop())
}

func TestUDPRelay(t *testing.T) {
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echo.WriteToUDP(bytes.ToUpper(buf[:n]), from)
		}
	}()

	dev, stop := start(t, Config{UDPDirect: true})
	dst := netip.MustParseAddrPort(echo.LocalAddr().String())

	dev.in <- serialize(t, clientAddr, dst, &layers.UDP{}, []byte("ping"))
	reply := dev.nextUDP(t)
	assert.Equal(t, "PING", string(reply.Payload))
	assert.Equal(t, dst.Port(), uint16(reply.SrcPort))
	assert.Equal(t, clientAddr.Port(), uint16(reply.DstPort))

	require.NoError(t, stop())
}

func TestUDPRefusedWithoutDirect(t *testing.T) {
	rec := &memRecorder{}
	dev, stop := start(t, Config{Recorder: rec})

	dev.in <- serialize(t, clientAddr, netip.MustParseAddrPort("1.1.1.1:53"), &layers.UDP{}, []byte("query"))
	require.NoError(t, stop())

	select {
	case pkt := <-dev.out:
		t.Fatalf("unexpected output: %x", pkt)
	default:
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.finished, 1)
	assert.Empty(t, rec.finished[0].Leaks)
}

func TestRecorder(t *testing.T) {
	rec := &memRecorder{}
	dev, stop := start(t, Config{Recorder: rec})

	// an open connection at shutdown is reset and released, not leaked
	handshake(t, dev, netip.MustParseAddrPort("192.0.2.1:80"))
	require.NoError(t, stop())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.runs, 1)
	run := rec.runs[0]
	assert.Equal(t, BackendNative, run.Backend)
	assert.Equal(t, "fake0", run.Device)
	assert.Contains(t, run.Options, "Geometry")

	require.Len(t, rec.finished, 1)
	assert.False(t, rec.finished[0].Running())
	assert.Empty(t, rec.finished[0].Leaks)

	require.NotEmpty(t, rec.samples)
	last := rec.samples[len(rec.samples)-1]
	assert.Equal(t, run.ID, last.RunID)
	require.NotNil(t, last.Pool("tcp_pcb"))
	assert.Equal(t, config.Default().Pools.TCPPCB, last.Pool("tcp_pcb").Capacity)
}
