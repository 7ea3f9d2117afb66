package engine

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"tunstack/internal/alloc"
	"tunstack/internal/config"
	"tunstack/internal/corelock"
	"tunstack/internal/pool"
	"tunstack/internal/stack"
	"tunstack/internal/storage/models"
)

// fileLimitSlack covers the descriptors that are not upstream sockets.
const fileLimitSlack = 64

// native hosts tunstack's own stack.
type native struct {
	cfg  Config
	opts *config.Options
	log  *zap.Logger

	ctx    context.Context
	dev    Device
	mgr    *pool.Manager
	lock   *corelock.Lock
	st     *stack.Stack
	sched  *scheduler
	dialer proxy.ContextDialer
	dials  *semaphore.Weighted

	collectors []prometheus.Collector
	curRun     *models.Run

	relays   sync.WaitGroup
	stopping atomic.Bool
	// closed is set under the core lock once the stack is torn down.
	closed bool
}

func newNative(cfg Config, log *zap.Logger) *native {
	return &native{
		cfg:    cfg,
		opts:   cfg.Options,
		log:    log,
		dialer: cfg.Dialer,
		dials:  semaphore.NewWeighted(int64(cfg.MaxDials)),
	}
}

func (n *native) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.ctx = ctx

	if err := n.setup(); err != nil {
		n.teardown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(n.readLoop)
	g.Go(func() error {
		<-gctx.Done()
		n.stopping.Store(true)
		if err := n.dev.Close(); err != nil {
			n.log.Debug("device close", zap.Error(err))
		}
		return nil
	})
	err := g.Wait()

	cancel()
	n.teardown()
	return err
}

// setup opens the device and builds the manager, stack and jobs.
func (n *native) setup() error {
	n.dev = n.cfg.Device
	if n.dev == nil {
		if err := checkPrivileges(); err != nil {
			return err
		}
		dev, err := openDevice(n.cfg.DeviceName)
		if err != nil {
			return err
		}
		n.dev = dev
	}
	n.log = n.log.With(zap.String("device", n.dev.Name()))

	want := uint64(n.opts.Pools.TCPPCB + n.opts.Pools.UDPPCB + fileLimitSlack)
	if got, err := raiseFileLimit(want); err != nil {
		n.log.Warn("file limit unchanged", zap.Error(err))
	} else if got < want {
		n.log.Warn("file limit below pcb capacity", zap.Uint64("limit", got), zap.Uint64("want", want))
	}

	mgr, err := pool.NewManager(n.opts, alloc.NewHeap(0))
	if err != nil {
		return fmt.Errorf("failed to build pools: %w", err)
	}
	n.mgr = mgr
	n.lock = corelock.New(n.opts)

	st, err := stack.New(stack.Config{
		Manager: mgr,
		Lock:    n.lock,
		Output:  n.output,
		Clock:   n.cfg.Clock,
		Logger:  n.log.Named("stack"),
	})
	if err != nil {
		return fmt.Errorf("failed to create stack: %w", err)
	}
	n.st = st

	n.lock.Lock()
	_, err = st.ListenTCP(0, n.acceptTCP)
	st.HandleUDP(n.acceptUDP)
	n.lock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if err := n.register(); err != nil {
		return err
	}
	if err := n.startRun(); err != nil {
		return err
	}

	sched, err := newScheduler(n.cfg.Clock, n.log.Named("scheduler"))
	if err != nil {
		return err
	}
	n.sched = sched
	if err := sched.every("stack-timers", n.opts.Policy.TCPTimerInterval, n.tick); err != nil {
		return err
	}
	if n.cfg.Recorder != nil {
		if err := sched.every("record-sample", n.cfg.SampleInterval, n.recordSample); err != nil {
			return err
		}
	}
	if err := sched.start(); err != nil {
		return err
	}

	n.log.Info("native stack up",
		zap.Int("mtu", n.opts.Geometry.MTU),
		zap.Int("mss", n.opts.Geometry.MSS),
		zap.Int("heap", int(n.opts.Heap.Size)),
		zap.Int("tcp_pcb", n.opts.Pools.TCPPCB),
	)
	return nil
}

// output writes a packet built by the stack. It runs under the core lock.
func (n *native) output(pkt []byte) error {
	if _, err := n.dev.Write(pkt); err != nil {
		return fmt.Errorf("failed to write to device: %w", err)
	}
	return nil
}

func (n *native) readLoop() error {
	buf := make([]byte, n.opts.Geometry.MTU)
	for {
		nr, err := n.dev.Read(buf)
		if err != nil {
			if n.stopping.Load() {
				return nil
			}
			return fmt.Errorf("failed to read from device: %w", err)
		}
		if nr == 0 {
			continue
		}

		n.lock.Lock()
		if n.closed {
			n.lock.Unlock()
			return nil
		}
		err = n.st.Input(buf[:nr])
		n.lock.Unlock()

		if err != nil {
			n.log.Debug("packet dropped", zap.Int("len", nr), zap.Error(err))
		}
	}
}

func (n *native) tick() {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.closed {
		return
	}
	if err := n.st.Tick(n.cfg.Clock.Now()); err != nil {
		n.log.Error("stack tick failed", zap.Error(err))
	}
}

// withLock runs fn under the core lock unless the stack is gone.
func (n *native) withLock(fn func()) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if !n.closed {
		fn()
	}
}

// teardown stops the jobs, closes every endpoint, waits for the relays and
// reports anything still held by the pools.
func (n *native) teardown() {
	if n.sched != nil {
		if err := n.sched.stop(); err != nil {
			n.log.Warn("scheduler stop", zap.Error(err))
		}
	}
	if n.cfg.Recorder != nil && n.curRun != nil {
		n.recordSample()
	}

	if n.st != nil {
		n.lock.Lock()
		if err := n.st.Close(); err != nil {
			n.log.Error("stack close", zap.Error(err))
		}
		n.closed = true
		n.lock.Unlock()
	}
	n.relays.Wait()

	if n.dev != nil && !n.stopping.Load() {
		_ = n.dev.Close()
	}

	var leaks error
	if n.mgr != nil {
		leaks = n.mgr.Close()
		if leaks != nil {
			n.log.Error("resources leaked", zap.Error(leaks))
		}
	}
	for _, c := range n.collectors {
		n.cfg.Registry.Unregister(c)
	}
	n.finishRun(leaks)
}

func (n *native) register() error {
	if n.cfg.Registry == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{pool.NewCollector(n.mgr), newStackCollector(n.st)} {
		if err := n.cfg.Registry.Register(c); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		n.collectors = append(n.collectors, c)
	}
	return nil
}

// dial opens an upstream connection, bounded by MaxDials.
func (n *native) dial(network, addr string) (net.Conn, error) {
	if err := n.dials.Acquire(n.ctx, 1); err != nil {
		return nil, err
	}
	defer n.dials.Release(1)
	return n.dialer.DialContext(n.ctx, network, addr)
}
