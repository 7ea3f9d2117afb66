//go:build lockdebug

package corelock

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

func init() {
	// a tick holding the core for this long is a bug
	deadlock.Opts.DeadlockTimeout = 30 * time.Second
}

type mutex = deadlock.Mutex
