//go:build !lockdebug

package corelock

import "sync"

type mutex = sync.Mutex
