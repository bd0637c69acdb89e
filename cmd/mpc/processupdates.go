package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/c3nav/mpc/internal/altitude"
	"github.com/c3nav/mpc/internal/ancestry"
	"github.com/c3nav/mpc/internal/blobcache"
	"github.com/c3nav/mpc/internal/changetracker"
	"github.com/c3nav/mpc/internal/locator"
	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/c3nav/mpc/internal/obsmetrics"
	"github.com/c3nav/mpc/internal/render"
	"github.com/c3nav/mpc/internal/scheduler"
	"github.com/c3nav/mpc/internal/store"
	"github.com/c3nav/mpc/pkg/log"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
)

// precisionGrid is the shared coordinate-snapping epsilon every geometry
// stage (altitude, render, ancestry's cycle walk needs none) rounds to, per
// spec.md §5's precision-grid invariant.
const precisionGrid = 1e-6

// runProcessUpdates runs one scheduler sweep: altitude, render, ancestry,
// locator, in dependency order, and exits with scheduler.ExitCode.
func runProcessUpdates(args []string) int {
	fs := flag.NewFlagSet("processupdates", flag.ContinueOnError)
	dbPath := fs.String("db", "mpc.db", "path to the sqlite3 map-data store")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	s, err := openStore(*dbPath)
	if err != nil {
		log.Errorf("processupdates: %v", err)
		return 1
	}
	defer s.Close()

	cache, err := openBlobCache()
	if err != nil {
		log.Errorf("processupdates: %v", err)
		return 1
	}

	metrics := obsmetrics.New(prometheus.NewRegistry())
	tracker := changetracker.New()
	live := locator.NewLive(nil)

	env := &jobEnv{store: s, cache: cache, metrics: metrics, tracker: tracker, live: live}

	jobs := []scheduler.JobConfig{
		{Key: "altitude", Title: "Altitude pipeline", Func: env.runAltitude},
		{Key: "render", Title: "Level render composer", Deps: []string{"altitude"}, Func: env.runRender},
		{Key: "ancestry", Title: "Tag ancestry engine", Func: env.runAncestry},
		{Key: "locator", Title: "Locator rebuild", Func: env.runLocator},
	}

	sched, err := scheduler.New(s, jobs)
	if err != nil {
		log.Errorf("processupdates: %v", err)
		return 1
	}

	ctx := context.Background()
	results, err := sched.Sweep(ctx)
	if err != nil {
		log.Errorf("processupdates: sweep: %v", err)
		return 1
	}
	for _, r := range results {
		switch {
		case r.Err != nil:
			log.Errorf("processupdates: job %q failed: %v", r.Key, r.Err)
		case r.Blocked:
			log.Warnf("processupdates: job %q blocked by lock contention", r.Key)
		case r.Ran:
			log.Infof("processupdates: job %q ran", r.Key)
		default:
			log.Debugf("processupdates: job %q skipped (up to date)", r.Key)
		}
	}
	return scheduler.ExitCode(results)
}

// jobEnv closes over everything a JobFunc needs: the store it reads/writes,
// the cache it publishes rendered artifacts to, and the cross-job state
// (change regions, locator snapshot) that outlives a single sweep.
type jobEnv struct {
	store   *store.Store
	cache   *blobcache.Cache
	metrics *obsmetrics.Metrics
	tracker *changetracker.Tracker
	live    *locator.Live
}

func latestTuple(updates []mapdata.MapUpdate) blobcache.UpdateTuple {
	var tuple blobcache.UpdateTuple
	for _, u := range updates {
		if u.ID > tuple.LastUpdateID {
			tuple.LastUpdateID = u.ID
			tuple.LastUpdateTimestamp = u.Timestamp
		}
	}
	if tuple.LastUpdateTimestamp.IsZero() {
		tuple.LastUpdateTimestamp = time.Now()
	}
	return tuple
}

// runAltitude implements the altitude job (§4.3): reload every level's
// hand-edited geometry, run the pipeline, persist the resulting
// AltitudeArea rows and register the changed regions with the tracker.
func (e *jobEnv) runAltitude(ctx context.Context, updates []mapdata.MapUpdate) error {
	start := time.Now()
	e.metrics.JobStarted("altitude")
	defer e.metrics.JobEnded("altitude")

	levels, err := loadKind[mapdata.Level](e.store, "level")
	if err != nil {
		return err
	}
	buildings, err := loadKind[mapdata.Building](e.store, "building")
	if err != nil {
		return err
	}
	spaces, err := loadKind[mapdata.Space](e.store, "space")
	if err != nil {
		return err
	}
	doors, err := loadKind[mapdata.Door](e.store, "door")
	if err != nil {
		return err
	}
	existingAreas, err := loadKind[mapdata.AltitudeArea](e.store, "altitude_area")
	if err != nil {
		return err
	}

	byLevelBuildings := map[mapdata.ID][]mapdata.Building{}
	for _, b := range buildings {
		byLevelBuildings[b.LevelID] = append(byLevelBuildings[b.LevelID], b)
	}
	byLevelSpaces := map[mapdata.ID][]mapdata.Space{}
	for _, sp := range spaces {
		byLevelSpaces[sp.LevelID] = append(byLevelSpaces[sp.LevelID], sp)
	}
	byLevelDoors := map[mapdata.ID][]mapdata.Door{}
	for _, d := range doors {
		byLevelDoors[d.LevelID] = append(byLevelDoors[d.LevelID], d)
	}
	existingByLevel := map[mapdata.ID][]mapdata.AltitudeArea{}
	for _, a := range existingAreas {
		existingByLevel[a.LevelID] = append(existingByLevel[a.LevelID], a)
	}

	inputs := make([]altitude.LevelInput, 0, len(levels))
	for _, lvl := range levels {
		inputs = append(inputs, altitude.LevelInput{
			Level:     lvl,
			Spaces:    byLevelSpaces[lvl.ID],
			Buildings: byLevelBuildings[lvl.ID],
			Doors:     byLevelDoors[lvl.ID],
		})
	}

	pipeline := altitude.NewPipeline(precisionGrid)
	result, err := pipeline.Run(inputs, existingByLevel)
	if err != nil {
		return fmt.Errorf("altitude job: %w", err)
	}

	entities := make([]store.Entity, 0, len(existingAreas))
	for levelID, areas := range result {
		lvl := levelID
		for _, area := range areas {
			ent, err := entityOf("altitude_area", area.ID, &lvl, area)
			if err != nil {
				return err
			}
			entities = append(entities, ent)
			e.tracker.RegisterChange(levelID, polygonBound(area.Geometry), false)
		}
	}
	mapUpdateID := latestTuple(updates).LastUpdateID
	if err := e.store.BulkUpsert(mapUpdateID, entities); err != nil {
		return fmt.Errorf("altitude job: persist areas: %w", err)
	}

	e.metrics.ObserveJob("altitude", "success", time.Since(start))
	return nil
}

// polygonBound returns the first polygon of a MultiPolygon (with its
// holes) for the change tracker; any further polygons are not included.
func polygonBound(mp orb.MultiPolygon) orb.Polygon {
	if len(mp) == 0 {
		return nil
	}
	return mp[0]
}

// runRender implements the render composer job (§4.4): for each
// non-intermediate level, gather it and every sublevel drawn beneath it,
// compose the LevelRenderData artifact, and publish it to the blob cache.
func (e *jobEnv) runRender(ctx context.Context, updates []mapdata.MapUpdate) error {
	start := time.Now()
	e.metrics.JobStarted("render")
	defer e.metrics.JobEnded("render")

	levels, err := loadKind[mapdata.Level](e.store, "level")
	if err != nil {
		return err
	}
	buildings, err := loadKind[mapdata.Building](e.store, "building")
	if err != nil {
		return err
	}
	doors, err := loadKind[mapdata.Door](e.store, "door")
	if err != nil {
		return err
	}
	areas, err := loadKind[mapdata.AltitudeArea](e.store, "altitude_area")
	if err != nil {
		return err
	}

	byLevel := func(levelID mapdata.ID) (bld []orb.Polygon, drs []orb.Polygon, aa []mapdata.AltitudeArea) {
		for _, b := range buildings {
			if b.LevelID == levelID {
				bld = append(bld, b.Geometry)
			}
		}
		for _, d := range doors {
			if d.LevelID == levelID {
				drs = append(drs, d.Geometry)
			}
		}
		for _, a := range areas {
			if a.LevelID == levelID {
				aa = append(aa, a)
			}
		}
		return
	}

	composer := render.NewComposer(precisionGrid)
	tuple := latestTuple(updates)

	// dirty is every level C8 saw touched this sweep (forced levels
	// included). An empty set means the tracker recorded no change this
	// run, so render every level rather than skip them all.
	dirty := map[mapdata.ID]bool{}
	for _, id := range e.tracker.TouchedLevels() {
		dirty[id] = true
	}
	forced := map[mapdata.ID]bool{}
	for _, id := range e.tracker.ForcedLevels() {
		forced[id] = true
	}

	for _, lvl := range levels {
		if lvl.IsIntermediate() {
			continue
		}
		onTop := onTopOf(levels, lvl.ID)
		sorted := render.SortLevelsTopDown(lvl, onTop, levels)

		if len(dirty) > 0 && !anyLevelDirty(sorted, dirty) {
			log.Debugf("render job: level %d unaffected this sweep, skipping recompute", lvl.ID)
			continue
		}

		sublevels := make([]render.LevelData, 0, len(sorted))
		for _, sub := range sorted {
			bld, drs, aa := byLevel(sub.ID)
			minAlt := sub.BaseAltitude
			sublevels = append(sublevels, render.LevelData{
				Level:         sub,
				Buildings:     bld,
				Doors:         drs,
				AltitudeAreas: aa,
				MinAltitude:   minAlt,
			})
		}

		out := composer.Compose(render.RenderInput{Sublevels: sublevels})
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("render job: encode level %d: %w", lvl.ID, err)
		}
		envelope := blobcache.Encode(renderSchemaHash, data)
		key := blobcache.RenderDataKey(lvl.ID, nil)
		if err := e.cache.Put(tuple, key, envelope); err != nil {
			return fmt.Errorf("render job: publish level %d: %w", lvl.ID, err)
		}

		if err := e.publishMapHistory(tuple, lvl.ID, forced[lvl.ID]); err != nil {
			return fmt.Errorf("render job: map history level %d: %w", lvl.ID, err)
		}
	}

	e.metrics.ObserveJob("render", "success", time.Since(start))
	return nil
}

// anyLevelDirty reports whether any level in the render stack (the render
// level itself or a sublevel drawn beneath it) is in the dirty set.
func anyLevelDirty(stack []mapdata.Level, dirty map[mapdata.ID]bool) bool {
	for _, l := range stack {
		if dirty[l.ID] {
			return true
		}
	}
	return false
}

// historyTileSize is the §6.5 map-history bitmap's cache-resolution tile,
// in map coordinate units.
const historyTileSize = 1.0

// mapHistoryLayer is the only bitmap layer this implementation produces;
// spec.md's layer index exists for future per-theme history, unused here.
const mapHistoryLayer = 0

// publishMapHistory composes the §6.5 map-history bitmap for one level
// from this run's change-tracker state and publishes it next to the
// level's render data, so a tile server can invalidate exactly the tiles
// C8 saw touched instead of the whole level.
func (e *jobEnv) publishMapHistory(tuple blobcache.UpdateTuple, levelID mapdata.ID, forced bool) error {
	region, ok := e.tracker.AffectedRegion(levelID, precisionGrid)
	if !forced && !ok {
		return nil // nothing registered for this level this run
	}

	var bound orb.Bound
	if ok {
		bound = region.Bound()
	}
	if !forced && bound.IsEmpty() {
		return nil
	}
	if forced || bound.IsEmpty() {
		// A forced level has no meaningful region bound from the tracker;
		// paint the whole cache tile grid instead of a computed bound.
		bound = orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	}

	bitmap := changetracker.NewBitmap(levelID, mapHistoryLayer, bound, historyTileSize)
	updateID := mapdata.ID(0)
	if tuple.LastUpdateID != 0 {
		updateID = tuple.LastUpdateID
	}
	if forced {
		bitmap.PaintAll(updateID)
	} else {
		bitmap.Paint(region, updateID)
	}

	return e.cache.Put(tuple, blobcache.MapHistoryKey(levelID, mapHistoryLayer), bitmap.Encode())
}

// renderSchemaHash pins the JSON shape of mapdata.LevelRenderData; bump it
// if that struct's wire shape ever changes so stale cache entries are
// rejected instead of misread.
const renderSchemaHash = 0x1

func onTopOf(levels []mapdata.Level, renderLevelID mapdata.ID) []mapdata.Level {
	var out []mapdata.Level
	for _, l := range levels {
		if l.OnTopOf != nil && *l.OnTopOf == renderLevelID {
			out = append(out, l)
		}
	}
	return out
}

// ancestryEdit is the tag map update's payload shape: an ordered batch of
// parent/child DAG edits, applied one at a time so a cycle rejection on
// edit N leaves edits before it committed.
type ancestryEdit struct {
	Action string     `json:"action"` // "add_parent" | "remove_parent"
	Parent mapdata.ID `json:"parent"`
	Child  mapdata.ID `json:"child"`
}

// runAncestry implements the ancestry engine job (§4.5): replay every
// queued tag-kind map update's parent/child edits against the DAG.
func (e *jobEnv) runAncestry(ctx context.Context, updates []mapdata.MapUpdate) error {
	start := time.Now()
	e.metrics.JobStarted("ancestry")
	defer e.metrics.JobEnded("ancestry")

	engine, err := ancestry.NewEngine(e.store)
	if err != nil {
		return fmt.Errorf("ancestry job: %w", err)
	}

	for _, u := range updates {
		if u.Kind != mapdata.MapUpdateTag {
			continue
		}
		var edits []ancestryEdit
		if err := json.Unmarshal(u.Payload, &edits); err != nil {
			log.Warnf("ancestry job: map update %d: bad payload, skipping: %v", u.ID, err)
			continue
		}
		for _, edit := range edits {
			err := engine.Do(func(tx ancestry.Tx) error {
				switch edit.Action {
				case "add_parent":
					return engine.AddParent(tx, edit.Parent, edit.Child)
				case "remove_parent":
					return engine.RemoveParent(tx, edit.Parent, edit.Child)
				default:
					return fmt.Errorf("unknown ancestry action %q", edit.Action)
				}
			})
			if err != nil {
				if _, ok := err.(*ancestry.CircularHierarchyError); ok {
					log.Warnf("ancestry job: update %d: %v, skipping edit", u.ID, err)
					continue
				}
				return fmt.Errorf("ancestry job: update %d: %w", u.ID, err)
			}
		}
	}

	if err := e.recomputeEffectiveValues(engine); err != nil {
		return fmt.Errorf("ancestry job: %w", err)
	}

	e.metrics.ObserveJob("ancestry", "success", time.Since(start))
	return nil
}

// effectiveAttrs pairs each inheritable attribute with the store column it
// bulk-writes into; recomputeEffectiveValues runs one UPDATE per entry.
var effectiveAttrs = []struct {
	attr ancestry.Attribute
	key  string
}{
	{ancestry.AttrIcon, "icon"},
	{ancestry.AttrLabelSettings, "label_settings"},
	{ancestry.AttrExternalURLLabel, "external_url_label"},
	{ancestry.AttrDescribingTitle, "describing_title"},
}

// recomputeEffectiveValues runs C5's priority-ordered DFS for every
// inheritable attribute against the edited DAG and bulk-persists the
// result, one UPDATE per attribute (§4.5).
func (e *jobEnv) recomputeEffectiveValues(engine *ancestry.Engine) error {
	rows, err := loadKind[mapdata.LocationTag](e.store, "location_tag")
	if err != nil {
		return err
	}
	tags := make(map[mapdata.ID]*mapdata.LocationTag, len(rows))
	for i := range rows {
		tags[rows[i].ID] = &rows[i]
	}

	for _, ea := range effectiveAttrs {
		values := ancestry.ComputeEffectiveValues(tags, engine.Graph(), ea.attr)
		if err := e.store.UpdateEffectiveValues(ea.key, values); err != nil {
			return err
		}
	}
	return nil
}

// runLocator implements the locator rebuild job (§4.7): rebuild the
// Locator artifact from every known peer and training measurement, and
// publish it into the live query-serving slot.
func (e *jobEnv) runLocator(ctx context.Context, updates []mapdata.MapUpdate) error {
	start := time.Now()
	e.metrics.JobStarted("locator")
	defer e.metrics.JobEnded("locator")

	peers, err := loadKind[mapdata.LocatorPeer](e.store, "locator_peer")
	if err != nil {
		return err
	}
	fingerprints, err := loadKind[mapdata.Fingerprint](e.store, "fingerprint")
	if err != nil {
		return err
	}

	measurements := make([]locator.RawMeasurement, len(fingerprints))
	for i, f := range fingerprints {
		scans := make([]locator.RawScan, 0, len(f.Scan))
		for peerID, reading := range f.Scan {
			scans = append(scans, locator.RawScan{PeerID: peerID, Reading: reading})
		}
		measurements[i] = locator.RawMeasurement{SpaceID: f.SpaceID, Point: f.Point, Scans: scans}
	}

	const cacheLocationsBytes = 8 << 20 // §5 CACHE_SIZE_LOCATIONS; Locate caches each result with size 1, so this counts entries
	snapshot := locator.Build(peers, measurements, cacheLocationsBytes)
	e.live.Swap(snapshot)

	e.metrics.ObserveJob("locator", "success", time.Since(start))
	return nil
}
