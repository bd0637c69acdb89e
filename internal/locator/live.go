package locator

import (
	"sync/atomic"

	"github.com/c3nav/mpc/internal/mapdata"
)

// Live holds the currently-published Locator snapshot and swaps it
// atomically as new map updates are processed, the same lock-free
// current-value-pointer idiom AleutianLocal's adaptive_sampler.go uses for
// its hot-reloaded sampling rate, generalized here from atomic.Value to
// atomic.Pointer[Locator] since the swapped value is a typed snapshot
// rather than a scalar.
type Live struct {
	current atomic.Pointer[Locator]
}

// NewLive wraps an initial Locator snapshot (possibly nil, meaning no
// locator has been built yet).
func NewLive(initial *Locator) *Live {
	l := &Live{}
	l.current.Store(initial)
	return l
}

// Swap publishes snapshot as the current Locator. Readers mid-Locate keep
// using the snapshot they already loaded; no lock is taken.
func (l *Live) Swap(snapshot *Locator) {
	l.current.Store(snapshot)
}

// Current returns the live snapshot, or nil if none has been published.
func (l *Live) Current() *Locator {
	return l.current.Load()
}

// Locate loads the current snapshot and queries it. Returns an error if no
// snapshot has been published yet.
func (l *Live) Locate(scan mapdata.ScanData, resolve LevelResolver) (mapdata.CustomLocation, error) {
	snap := l.current.Load()
	if snap == nil {
		return mapdata.CustomLocation{}, ErrNoLocatorPublished
	}
	return snap.Locate(scan, resolve)
}
