//go:build deadlock

// Package syncutil provides the mutex types used by the session and the
// simulators. Built with -tags=deadlock they are backed by go-deadlock, which
// reports lock-order inversions and locks held longer than the lock timeout.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// DetectionEnabled reports whether this build checks for deadlocks
const DetectionEnabled = true

// Mutex wraps deadlock.Mutex.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex wraps deadlock.RWMutex.
type RWMutex struct {
	deadlock.RWMutex
}

// SetLockTimeout sets how long a lock may be awaited before go-deadlock
// reports it. A session lock is held for a whole RPC round trip, so this must
// exceed the longest command timeout in use.
func SetLockTimeout(d time.Duration) {
	deadlock.Opts.DeadlockTimeout = d
}
