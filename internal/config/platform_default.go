//go:build !darwin

package config

import "github.com/docker/go-units"

const (
	platformTCPPCBs      = 1024
	platformHeapSize     = 2 * units.MiB
	platformTCPKeepalive = false
)
