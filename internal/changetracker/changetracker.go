// Package changetracker is the process-wide change accumulator (c3nav spec
// §4.8, C8): every entity touched during a job run registers a level-scoped
// polygon region into a buffer, and on job completion the buffer is
// persisted next to the job's artifacts so downstream consumers can
// invalidate exactly the affected regions instead of a whole level.
package changetracker

import (
	"sync"

	"github.com/c3nav/mpc/internal/geo"
	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/c3nav/mpc/pkg/log"
	"github.com/paulmach/orb"
)

// Tracker accumulates changed regions for one job run. It is reset at the
// start of every run (spec.md §4.8) and is safe for concurrent
// register/flush calls from parallel job-type workers (spec.md §5's
// pipeline domain runs jobs in parallel across job types).
type Tracker struct {
	mu      sync.Mutex
	regions map[mapdata.ID][]orb.Polygon // levelID -> accumulated changed regions
	forced  map[mapdata.ID]bool          // levels with a force-invalidate request
}

// New returns a freshly reset Tracker.
func New() *Tracker {
	return &Tracker{
		regions: map[mapdata.ID][]orb.Polygon{},
		forced:  map[mapdata.ID]bool{},
	}
}

// Reset clears all accumulated state, starting a new run (spec.md §4.8:
// "A tracker is reset at the start of a run.").
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regions = map[mapdata.ID][]orb.Polygon{}
	t.forced = map[mapdata.ID]bool{}
}

// RegisterChange contributes an entity's footprint into the level-scoped
// buffer. force requests the entire level be treated as changed regardless
// of the entity's own geometry (used when an entity's effect cannot be
// localized, e.g. a level-wide configuration edit).
func (t *Tracker) RegisterChange(levelID mapdata.ID, geom orb.Polygon, force bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if force {
		t.forced[levelID] = true
		log.Debugf("changetracker: level %d forced fully dirty", levelID)
		return
	}
	t.regions[levelID] = append(t.regions[levelID], geom)
}

// RegisterDelete contributes a deleted entity's last-known footprint, the
// same way RegisterChange does for an edit — the region a deleted entity
// occupied must invalidate too.
func (t *Tracker) RegisterDelete(levelID mapdata.ID, geom orb.Polygon) {
	t.RegisterChange(levelID, geom, false)
}

// AffectedRegion returns the union of every region registered for a level,
// coalesced via internal/geo so downstream consumers get one minimal
// polygon set instead of raw per-entity footprints. ok is false if the
// level was force-invalidated (the caller should treat the whole level as
// dirty rather than iterate a region set) or never touched at all.
func (t *Tracker) AffectedRegion(levelID mapdata.ID, precision float64) (orb.MultiPolygon, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forced[levelID] {
		return nil, false
	}
	polys := t.regions[levelID]
	if len(polys) == 0 {
		return nil, false
	}
	return geo.Union(polys, precision), true
}

// ForcedLevels returns the set of levels registered as fully dirty.
func (t *Tracker) ForcedLevels() []mapdata.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]mapdata.ID, 0, len(t.forced))
	for id := range t.forced {
		out = append(out, id)
	}
	return out
}

// TouchedLevels returns every level with at least one registered region,
// forced or not — the full set a job run needs to consider for
// invalidation.
func (t *Tracker) TouchedLevels() []mapdata.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[mapdata.ID]bool{}
	for id := range t.regions {
		seen[id] = true
	}
	for id := range t.forced {
		seen[id] = true
	}
	out := make([]mapdata.ID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}
