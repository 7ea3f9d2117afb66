//go:build darwin && !ios

package config

import "github.com/docker/go-units"

const (
	platformTCPPCBs      = 4096
	platformHeapSize     = 2 * units.MiB
	platformTCPKeepalive = false
)
