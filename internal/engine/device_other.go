//go:build !linux && !darwin

package engine

import (
	"fmt"

	"github.com/songgao/water"
)

// openDevice creates a TUN interface. The name cannot be chosen here.
func openDevice(name string) (Device, error) {
	ifce, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}
	return ifce, nil
}
