package engine

import (
	"io"
	"runtime"
)

// Device is a TUN interface carrying raw IP packets, one per Read or Write.
type Device interface {
	io.ReadWriteCloser
	Name() string
}

// defaultDeviceName is the interface name used when none is configured.
func defaultDeviceName() string {
	if runtime.GOOS == "darwin" {
		return "utun99"
	}
	return "tun0"
}
