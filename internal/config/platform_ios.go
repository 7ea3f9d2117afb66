//go:build ios

package config

import "github.com/docker/go-units"

// Network Extensions run under a much tighter memory limit on iOS.

const (
	platformTCPPCBs      = 256
	platformHeapSize     = 512 * units.KiB
	platformTCPKeepalive = true
)
