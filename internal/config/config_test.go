package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "tunstack/pkg/errors"
)

func TestDefaultGeometry(t *testing.T) {
	o := Default()
	g := o.Geometry

	assert.Equal(t, 8191, g.MSS)
	assert.Equal(t, 8*8191, g.TCPWnd)
	assert.Equal(t, 8*8191, g.TCPSndBuf)
	assert.Equal(t, (128*g.TCPSndBuf+g.MSS-1)/g.MSS, g.TCPSndQueueLen)
	assert.Equal(t, 8248, g.PbufPoolBufSize)
	assert.GreaterOrEqual(t, g.PbufPoolBufSize, g.MSS+40+g.LinkHeaderLen)
	assert.Equal(t, 16, g.MinSegmentPool())
}

func TestDefaultPools(t *testing.T) {
	p := Default().Pools

	assert.Equal(t, 32, p.PbufPool)
	assert.Equal(t, 8192, p.PbufRef)
	assert.Equal(t, 4, p.RawPCB)
	assert.Equal(t, 1024, p.UDPPCB)
	assert.Equal(t, 16, p.TCPPCBListen)
	assert.Equal(t, platformTCPPCBs, p.TCPPCB)
	assert.Equal(t, 8192, p.TCPSeg)
	assert.Equal(t, 1, p.ReassData)
	assert.Equal(t, ByteSize(platformHeapSize), Default().Heap.Size)
}

func TestDefaultPolicy(t *testing.T) {
	o := Default()

	assert.True(t, o.Features.NoSys)
	assert.True(t, o.Policy.CoreLocking)
	assert.Equal(t, Checksums{}, o.Policy.ChecksumCheck)
	assert.True(t, o.Policy.ChecksumGen.TCP)
	assert.True(t, o.Policy.ChecksumOnCopy)
	assert.False(t, o.Features.ICMP)
	assert.False(t, o.Features.ARP)
	assert.True(t, o.Features.Raw)
}

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Options)
		field  string
	}{
		{
			name:   "pool buffer one byte short",
			mutate: func(o *Options) { o.Geometry.PbufPoolBufSize = o.Geometry.MinPbufPoolBufSize() - 1 },
			field:  "Geometry.PbufPoolBufSize",
		},
		{
			name:   "segment pool below two send buffers",
			mutate: func(o *Options) { o.Pools.TCPSeg = o.Geometry.MinSegmentPool() - 1 },
			field:  "Pools.TCPSeg",
		},
		{
			name:   "queue length below two send buffers",
			mutate: func(o *Options) { o.Geometry.TCPSndQueueLen = 15 },
			field:  "Geometry.TCPSndQueueLen",
		},
		{
			name:   "window needs scaling",
			mutate: func(o *Options) { o.Geometry.TCPWnd = 70000 },
			field:  "Geometry.TCPWnd",
		},
		{
			name:   "mss exceeds mtu",
			mutate: func(o *Options) { o.Geometry.MTU = 1500 },
			field:  "Geometry.MSS",
		},
		{
			name:   "alignment not a power of two",
			mutate: func(o *Options) { o.Geometry.MemAlignment = 6 },
			field:  "Geometry.MemAlignment",
		},
		{
			name:   "tcp without pcbs",
			mutate: func(o *Options) { o.Pools.TCPPCB = 0 },
			field:  "Pools.TCPPCB",
		},
		{
			name:   "reassembly larger than pbuf pool",
			mutate: func(o *Options) { o.Pools.ReassMaxPbufs = 33 },
			field:  "Pools.ReassMaxPbufs",
		},
		{
			name:   "autoconfig without ipv6",
			mutate: func(o *Options) { o.Features.IPv6 = false },
			field:  "Features.IPv6Autoconfig",
		},
		{
			name:   "keepalive without tcp",
			mutate: func(o *Options) { o.Features.TCP = false; o.Features.TCPKeepalive = true },
			field:  "Features.TCPKeepalive",
		},
		{
			name:   "icmp checksum with icmp disabled",
			mutate: func(o *Options) { o.Policy.ChecksumCheck.ICMP = true },
			field:  "Policy.ChecksumCheck.ICMP",
		},
		{
			name:   "socket api without os layer",
			mutate: func(o *Options) { o.Features.Socket = true },
			field:  "Features.NoSys",
		},
		{
			name:   "rto max below initial",
			mutate: func(o *Options) { o.Policy.TCPRTOMax = time.Second },
			field:  "Options.Policy.TCPRTOMax",
		},
		{
			name:   "tiny heap",
			mutate: func(o *Options) { o.Heap.Size = 16 },
			field:  "Options.Heap.Size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Default()
			tt.mutate(o)

			err := o.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, pkgerrors.ErrMisconfigured)

			var fields []string
			for _, v := range Violations(err) {
				var ce *pkgerrors.ConfigError
				require.True(t, errors.As(v, &ce), "violation %v is not a ConfigError", v)
				fields = append(fields, ce.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidatePbufBoundary(t *testing.T) {
	o := Default()
	o.Geometry.PbufPoolBufSize = o.Geometry.MSS + TCPIPHeaderLen + o.Geometry.LinkHeaderLen
	assert.NoError(t, o.Validate())

	o.Geometry.PbufPoolBufSize--
	assert.Error(t, o.Validate())
}

func TestValidateReportsAll(t *testing.T) {
	o := Default()
	o.Geometry.PbufPoolBufSize = 100
	o.Pools.TCPSeg = 1
	o.Policy.ChecksumCheck.ICMP = true

	assert.GreaterOrEqual(t, len(Violations(o.Validate())), 3)
}

func TestSndQueueLen(t *testing.T) {
	tests := []struct {
		sndBuf, mss, want int
	}{
		{8 * 8191, 8191, 1024},
		{8 * 1460, 1460, 1024},
		{2 * 536, 536, 256},
		{1000, 536, 239},
	}
	for _, tt := range tests {
		got := SndQueueLen(tt.sndBuf, tt.mss)
		assert.Equal(t, tt.want, got, "SndQueueLen(%d, %d)", tt.sndBuf, tt.mss)
		assert.GreaterOrEqual(t, got, 2*(tt.sndBuf/tt.mss))
	}
}

func TestGeometryHelpers(t *testing.T) {
	g := Default().Geometry

	assert.Equal(t, 8, g.AlignSize(5))
	assert.Equal(t, 8, g.AlignSize(8))
	assert.Equal(t, 8191, g.EffectiveMSS(IPv4HeaderLen))

	g.MTU = 1500
	assert.Equal(t, 1460, g.EffectiveMSS(IPv4HeaderLen))
	assert.Equal(t, 1440, g.EffectiveMSS(IPv6HeaderLen))

	assert.Equal(t, 1, g.PbufsFor(0))
	assert.Equal(t, 1, g.PbufsFor(g.PbufPoolBufSize))
	assert.Equal(t, 2, g.PbufsFor(g.PbufPoolBufSize+1))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunstack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pools:
  tcp_pcb: 64
heap:
  size: 4MiB
policy:
  tcp_timer_interval: 100ms
`), 0o600))

	o, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, o.Pools.TCPPCB)
	assert.Equal(t, ByteSize(4*units.MiB), o.Heap.Size)
	assert.Equal(t, 100*time.Millisecond, o.Policy.TCPTimerInterval)
	assert.Equal(t, Default().Geometry, o.Geometry)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TUNSTACK_POOLS_UDP_PCB", "77")

	o, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 77, o.Pools.UDPPCB)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("geometry:\n  pbuf_pool_bufsize: 1024\n"), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, pkgerrors.ErrMisconfigured)
}
