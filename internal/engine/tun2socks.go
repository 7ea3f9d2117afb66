package engine

import (
	"context"
	"strconv"

	t2s "github.com/xjasonlyu/tun2socks/v2/engine"
	"go.uber.org/zap"
)

// tun2socks runs the gVisor-based tun2socks engine. It owns the device and
// its own stack, so pool capacities and the heap region do not apply; the
// geometry is carried over as buffer sizes.
type tun2socks struct {
	cfg Config
	log *zap.Logger
}

func (t *tun2socks) run(ctx context.Context) error {
	if err := checkPrivileges(); err != nil {
		return err
	}

	key := tun2socksKey(t.cfg)
	t.log.Info("starting tun2socks",
		zap.String("device", key.Device),
		zap.Int("mtu", key.MTU),
		zap.String("send_buffer", key.TCPSendBufferSize),
		zap.String("receive_buffer", key.TCPReceiveBufferSize),
	)
	t2s.Insert(key)
	t2s.Start()

	<-ctx.Done()
	t2s.Stop()
	return nil
}

// tun2socksKey maps the engine config onto a tun2socks key.
func tun2socksKey(cfg Config) *t2s.Key {
	g := cfg.Options.Geometry
	device := cfg.DeviceName
	if device == "" {
		device = defaultDeviceName()
	}
	return &t2s.Key{
		Proxy:                cfg.Proxy,
		Device:               "tun://" + device,
		MTU:                  g.MTU,
		LogLevel:             tun2socksLevel(cfg.LogLevel),
		TCPSendBufferSize:    strconv.Itoa(g.TCPSndBuf),
		TCPReceiveBufferSize: strconv.Itoa(g.TCPWnd),
		UDPTimeout:           cfg.Options.Policy.UDPTimeout,
	}
}

func tun2socksLevel(level string) string {
	switch level {
	case "debug", "info", "error":
		return level
	case "warn":
		return "warning"
	default:
		return "silent"
	}
}
