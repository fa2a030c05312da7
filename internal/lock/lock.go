// Package lock provides mutex wrappers with optional deadlock detection.
// detection is enabled by setting the CHECKOUT_CACHE_DEADLOCK_DETECTION
// env to a duration value, the mutex will panic if it is held longer
// than the given duration.
package lock

import (
	"os"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
)

const detectionEnv = "CHECKOUT_CACHE_DEADLOCK_DETECTION"

// RWMutex is a reader/writer mutual exclusion lock
type RWMutex interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// New returns deadlock detecting mutex if detection env is set,
// otherwise a plain sync.RWMutex
func New() RWMutex {
	v := os.Getenv(detectionEnv)
	if v == "" {
		return &sync.RWMutex{}
	}

	if d, err := time.ParseDuration(v); err == nil {
		deadlock.Opts.DeadlockTimeout = d
	}
	return &deadlock.RWMutex{}
}
