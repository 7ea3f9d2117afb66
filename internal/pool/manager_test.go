package pool

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunstack/internal/alloc"
	"tunstack/internal/config"
	pkgerrors "tunstack/pkg/errors"
)

func newTestManager(t *testing.T, mutate func(o *config.Options)) (*Manager, *alloc.Tracker) {
	t.Helper()

	opts := config.Default()
	if mutate != nil {
		mutate(opts)
	}
	tr := alloc.NewTracker(alloc.NewHeap(0))
	m, err := NewManager(opts, tr)
	require.NoError(t, err)
	return m, tr
}

func TestManagerRejectsInvalidOptions(t *testing.T) {
	opts := config.Default()
	opts.Geometry.PbufPoolBufSize = 64

	m, err := NewManager(opts, alloc.NewHeap(0))
	assert.Nil(t, m)
	assert.ErrorIs(t, err, pkgerrors.ErrMisconfigured)
}

func TestManagerEnabledKinds(t *testing.T) {
	m, _ := newTestManager(t, nil)

	for _, k := range []Kind{PbufPool, PbufRef, RawPCB, UDPPCB, TCPPCBListen, TCPPCB, TCPSeg, ReassData} {
		assert.NotNil(t, m.Pool(k), k.String())
	}
	assert.Nil(t, m.Pool(ARPQueue), "arp is off")
	assert.Nil(t, m.Pool(SysTimeout), "no os layer")

	_, _, err := m.Get(ARPQueue)
	assert.ErrorIs(t, err, pkgerrors.ErrProtocolDisabled)

	assert.Equal(t, 16+m.Options().Geometry.PbufPoolBufSize, m.Pool(PbufPool).Stats().ObjectSize)
}

func TestManagerPoolCapacities(t *testing.T) {
	m, _ := newTestManager(t, func(o *config.Options) { o.Pools.TCPPCB = 4 })

	snap := m.Snapshot()
	caps := map[Kind]int{}
	for _, s := range snap.Pools {
		caps[s.Kind] = s.Capacity
	}
	assert.Equal(t, 4, caps[TCPPCB])
	assert.Equal(t, 32, caps[PbufPool])
	assert.Equal(t, 1, caps[ReassData])
}

func TestManagerHeapBudget(t *testing.T) {
	m, tr := newTestManager(t, func(o *config.Options) { o.Heap.Size = 4096 })

	a, err := m.Malloc(2048)
	require.NoError(t, err)
	b, err := m.Malloc(2000)
	require.NoError(t, err)
	assert.Equal(t, 4096, m.Snapshot().Heap.Used)

	_, err = m.Malloc(1)
	assert.ErrorIs(t, err, pkgerrors.ErrHeapExhausted)
	assert.True(t, pkgerrors.IsExhaustion(err))

	require.NoError(t, m.Free(a))
	require.NoError(t, m.Free(b))
	assert.Equal(t, 0, m.Snapshot().Heap.Used)
	assert.Equal(t, 4096, m.Snapshot().Heap.Peak)
	assert.Equal(t, uint64(1), m.Snapshot().Heap.Failures)

	assert.ErrorIs(t, m.Free(a), pkgerrors.ErrForeignPointer)
	assert.ErrorIs(t, m.Free(make([]byte, 8)), pkgerrors.ErrForeignPointer)
	assert.Equal(t, 0, tr.Balance())
}

func TestManagerCloseReportsLeaks(t *testing.T) {
	m, tr := newTestManager(t, nil)

	_, _, err := m.Get(TCPPCB)
	require.NoError(t, err)
	_, err = m.Malloc(100)
	require.NoError(t, err)

	err = m.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrLeaked)
	assert.Contains(t, err.Error(), "tcp_pcb")
	assert.Contains(t, err.Error(), "heap")
	assert.Equal(t, 0, tr.Balance(), "close releases leaked memory")

	assert.NoError(t, m.Close())
}

func TestManagerCloseClean(t *testing.T) {
	m, _ := newTestManager(t, nil)

	h, _, err := m.Get(UDPPCB)
	require.NoError(t, err)
	require.NoError(t, m.Put(h))

	assert.NoError(t, m.Close())
}

func TestCollector(t *testing.T) {
	m, _ := newTestManager(t, func(o *config.Options) { o.Pools.TCPPCB = 4 })

	_, _, err := m.Get(TCPPCB)
	require.NoError(t, err)

	expected := `
# HELP tunstack_pool_used Objects currently taken from the pool.
# TYPE tunstack_pool_used gauge
tunstack_pool_used{kind="pbuf"} 0
tunstack_pool_used{kind="pbuf_pool"} 0
tunstack_pool_used{kind="raw_pcb"} 0
tunstack_pool_used{kind="reassdata"} 0
tunstack_pool_used{kind="tcp_pcb"} 1
tunstack_pool_used{kind="tcp_pcb_listen"} 0
tunstack_pool_used{kind="tcp_seg"} 0
tunstack_pool_used{kind="udp_pcb"} 0
`
	err = testutil.CollectAndCompare(NewCollector(m), strings.NewReader(expected), "tunstack_pool_used")
	assert.NoError(t, err)
}

func TestFootprints(t *testing.T) {
	opts := config.Default()
	fps := Footprints(opts)

	m, _ := newTestManager(t, nil)
	require.Len(t, fps, len(m.Snapshot().Pools))

	for _, fp := range fps {
		assert.NotEqual(t, ARPQueue, fp.Kind)
		assert.NotEqual(t, SysTimeout, fp.Kind)
		if fp.Kind == PbufPool {
			assert.Equal(t, 32, fp.Capacity)
			assert.Equal(t, 32*(PbufHeaderSize+opts.Geometry.PbufPoolBufSize), fp.Bytes())
		}
	}
}
