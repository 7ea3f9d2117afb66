// Package engine hosts a TCP/IP stack on a TUN device and bridges the
// connections it terminates to an upstream SOCKS5 proxy.
//
// Two backends are available. The native backend runs tunstack's own
// pool-bounded stack: every packet buffer, control block and segment comes
// from the fixed-capacity pools sized by config.Options. The tun2socks
// backend runs the gVisor-based tun2socks engine instead, with the same
// geometry mapped onto its buffer settings.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"tunstack/internal/config"
	pkgerrors "tunstack/pkg/errors"
)

const (
	BackendNative    = "native"
	BackendTun2socks = "tun2socks"
)

// Defaults for the zero values of Config.
const (
	DefaultMaxDials       = 64
	DefaultSampleInterval = 10 * time.Second
)

// Config describes one engine.
type Config struct {
	// Options sizes the stack. Defaults to config.Default().
	Options *config.Options
	// Backend is BackendNative (default) or BackendTun2socks.
	Backend string

	// DeviceName is the TUN interface to create. Device, when set, is used
	// instead of opening one; the native backend then skips the privilege
	// check.
	DeviceName string
	Device     Device

	// Proxy is the upstream, e.g. socks5://127.0.0.1:1080. Dialer
	// overrides it.
	Proxy  string
	Dialer proxy.ContextDialer
	// UDPDirect relays UDP flows straight to their destination. Otherwise
	// they are refused.
	UDPDirect bool
	// MaxDials bounds concurrent upstream dials.
	MaxDials int

	Logger *zap.Logger
	// LogLevel is passed to the tun2socks backend.
	LogLevel string
	// Registry, when set, receives the pool and stack collectors.
	Registry prometheus.Registerer

	// Recorder, when set, stores the run and a sample every
	// SampleInterval.
	Recorder       Recorder
	SampleInterval time.Duration

	Clock clockwork.Clock
}

type backend interface {
	run(ctx context.Context) error
}

// Engine runs one backend until its context is cancelled.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	backend backend
}

// New checks cfg and prepares the selected backend. Nothing is opened
// until Run.
func New(cfg Config) (*Engine, error) {
	if cfg.Options == nil {
		cfg.Options = config.Default()
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendNative
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxDials <= 0 {
		cfg.MaxDials = DefaultMaxDials
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, log: cfg.Logger.With(zap.String("backend", cfg.Backend))}
	switch cfg.Backend {
	case BackendNative:
		if cfg.Dialer == nil {
			d, err := newDialer(cfg.Proxy)
			if err != nil {
				return nil, err
			}
			e.cfg.Dialer = d
		}
		e.backend = newNative(e.cfg, e.log)
	case BackendTun2socks:
		if cfg.Proxy == "" {
			return nil, fmt.Errorf("%w: tun2socks backend needs a proxy", pkgerrors.ErrMisconfigured)
		}
		e.backend = &tun2socks{cfg: e.cfg, log: e.log}
	default:
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrUnknownBackend, cfg.Backend)
	}
	return e, nil
}

// Run blocks until ctx is cancelled or the backend fails. A clean
// shutdown returns nil.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting", zap.String("device", e.cfg.DeviceName), zap.String("proxy", e.cfg.Proxy))
	err := e.backend.run(ctx)
	if err != nil {
		e.log.Error("engine stopped", zap.Error(err))
		return err
	}
	e.log.Info("engine stopped")
	return nil
}
