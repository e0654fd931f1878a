// Package clock provides a process-wide coarse-grained clock for hot paths
// that cannot afford a syscall per read. The cache maintenance loop advances
// it once per tick; the answer cache's last-access tracking and eviction
// scoring read it.
package clock

import (
	"sync/atomic"
	"time"
)

var coarse atomic.Uint64

func init() {
	coarse.Store(uint64(time.Now().Unix()))
}

// NowSecs returns the coarse current time in seconds since the UNIX epoch.
// Reads a single atomic (~ns) instead of calling the OS clock. Resolution is
// one maintenance tick, which is sufficient for last-access tracking.
func NowSecs() uint64 {
	return coarse.Load()
}

// Tick advances the coarse clock to the real current time. Called at the
// start of each maintenance iteration.
func Tick() {
	coarse.Store(uint64(time.Now().Unix()))
}

// Set forces the coarse clock to a specific value. Test hook.
func Set(secs uint64) {
	coarse.Store(secs)
}
