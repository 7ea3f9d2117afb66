//go:build linux || darwin

package engine

import (
	"fmt"

	"github.com/songgao/water"
)

// openDevice creates the TUN interface. An empty name lets the kernel pick
// one (tunN on Linux, utunN on macOS).
func openDevice(name string) (Device, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device %q: %w", name, err)
	}
	return ifce, nil
}
