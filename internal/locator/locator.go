// Package locator is the indoor locator (c3nav spec §4.7, C7): it builds an
// immutable Locator artifact from known beacon peers and training
// fingerprint measurements, then answers position queries by trilateration,
// weighted-centroid-in-space, or nearest-fingerprint, in that preference
// order.
//
// Queries are read-only on the model data (spec.md §5's Query domain):
// Locate changes nothing but the Locator's internal, mutex-guarded result
// cache, so it is safe to call concurrently from any number of goroutines,
// matching the concurrency model's "safe to call concurrently
// ... Locator artifact is immutable after load" guarantee.
package locator

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/c3nav/mpc/pkg/lrucache"
	"github.com/paulmach/orb"
)

// ErrNoLocatorPublished is returned by Live.Locate before the first
// Locator snapshot has been built and swapped in.
var ErrNoLocatorPublished = errors.New("locator: no snapshot published yet")

// NoSignal is the sentinel fingerprint-matrix value for "this peer was not
// observed at this point" (spec.md §4.7: "a sentinel for 'no signal'").
const NoSignal int64 = -200 // dBm far below any real reading, squared below

// cacheTTL bounds how long a query result is reused before being recomputed.
const cacheTTL = 5 * time.Minute

// noSignalRSSI is the assumed RSSI used to compute the unknown-peer penalty
// term in nearest-fingerprint scoring (spec.md §4.7.3).
const noSignalRSSI = -200.0

// RawScan is one peer observation within a training measurement; a
// measurement may contain more than one RawScan for the same peer, which
// Build averages together (spec.md §4.7: "averaging duplicate readings").
type RawScan struct {
	PeerID  mapdata.ID
	Reading mapdata.PeerReading
}

// RawMeasurement is one training walk sample before averaging.
type RawMeasurement struct {
	SpaceID mapdata.ID
	Point   orb.Point
	Scans   []RawScan
}

// fingerprintRow is one materialized training point within a space.
type fingerprintRow struct {
	point orb.Point
	l     map[mapdata.ID]int64 // rssi² per peer, NoSignal if absent
}

// Locator is the immutable artifact queries run against.
type Locator struct {
	peers      map[mapdata.ID]mapdata.LocatorPeer
	byMAC      map[string]mapdata.ID
	spacePeers map[mapdata.ID]map[mapdata.ID]bool // space -> set of peers ever observed there
	rows       map[mapdata.ID][]fingerprintRow     // space -> training rows
	cache      *lrucache.Cache
}

// Build flattens beacons and training measurements into a queryable Locator
// (spec.md §4.7 "Build").
func Build(peers []mapdata.LocatorPeer, measurements []RawMeasurement, cacheBytes int) *Locator {
	l := &Locator{
		peers:      make(map[mapdata.ID]mapdata.LocatorPeer, len(peers)),
		byMAC:      map[string]mapdata.ID{},
		spacePeers: map[mapdata.ID]map[mapdata.ID]bool{},
		rows:       map[mapdata.ID][]fingerprintRow{},
		cache:      lrucache.New(cacheBytes),
	}
	for _, p := range peers {
		l.peers[p.ID] = p
		if p.Kind == mapdata.PeerWifi && p.MAC != "" {
			l.byMAC[p.MAC] = p.ID
		}
	}

	for _, m := range measurements {
		scan := averageScans(m.Scans)
		if _, ok := l.spacePeers[m.SpaceID]; !ok {
			l.spacePeers[m.SpaceID] = map[mapdata.ID]bool{}
		}
		row := fingerprintRow{point: m.Point, l: map[mapdata.ID]int64{}}
		for peerID, reading := range scan {
			l.spacePeers[m.SpaceID][peerID] = true
			if reading.RSSI != nil {
				row.l[peerID] = squareRSSI(*reading.RSSI)
			} else {
				row.l[peerID] = NoSignal
			}
		}
		l.rows[m.SpaceID] = append(l.rows[m.SpaceID], row)
	}

	return l
}

func squareRSSI(rssi float64) int64 {
	r := int64(rssi)
	return r * r
}

// averageScans merges duplicate peer readings within one measurement by
// arithmetic mean (spec.md §4.7's "averaging duplicate readings").
func averageScans(scans []RawScan) mapdata.ScanData {
	type accum struct {
		rssiSum, rangeSum, ibeaconSum float64
		rssiN, rangeN, ibeaconN       int
	}
	acc := map[mapdata.ID]*accum{}
	for _, s := range scans {
		a, ok := acc[s.PeerID]
		if !ok {
			a = &accum{}
			acc[s.PeerID] = a
		}
		if s.Reading.RSSI != nil {
			a.rssiSum += *s.Reading.RSSI
			a.rssiN++
		}
		if s.Reading.RangeM != nil {
			a.rangeSum += *s.Reading.RangeM
			a.rangeN++
		}
		if s.Reading.IBeaconRange != nil {
			a.ibeaconSum += *s.Reading.IBeaconRange
			a.ibeaconN++
		}
	}
	out := mapdata.ScanData{}
	for peerID, a := range acc {
		var reading mapdata.PeerReading
		if a.rssiN > 0 {
			v := a.rssiSum / float64(a.rssiN)
			reading.RSSI = &v
		}
		if a.rangeN > 0 {
			v := a.rangeSum / float64(a.rangeN)
			reading.RangeM = &v
		}
		if a.ibeaconN > 0 {
			v := a.ibeaconSum / float64(a.ibeaconN)
			reading.IBeaconRange = &v
		}
		out[peerID] = reading
	}
	return out
}

// LevelResolver maps an estimated 3D point to the level that should be
// reported for it; routing owns this decision, the locator does not.
type LevelResolver func(xyz orb.Point, altitude float64) mapdata.ID

// anchoredRange is one peer contributing a metric distance measurement.
type anchoredRange struct {
	peer mapdata.LocatorPeer
	rssi float64
	dist float64
}

// Locate dispatches to trilateration, weighted-centroid, or
// nearest-fingerprint per spec.md §4.7's preference order. It is pure and
// deterministic: identical scan input always returns the identical
// CustomLocation (spec.md §8 invariant 7). Results are cached per scan
// (spec.md §5's CACHE_SIZE_LOCATIONS): since a Locator is itself one
// immutable snapshot swapped atomically per update, caching within its
// lifetime needs no separate update-tuple key component.
func (l *Locator) Locate(scan mapdata.ScanData, resolve LevelResolver) (mapdata.CustomLocation, error) {
	key := scanCacheKey(scan)
	if cached := l.cache.Get(key, nil); cached != nil {
		return cached.(mapdata.CustomLocation), nil
	}

	loc, err := l.locate(scan, resolve)
	if err != nil {
		return loc, err
	}
	l.cache.Get(key, func() (interface{}, time.Duration, int) {
		return loc, cacheTTL, 1
	})
	return loc, nil
}

// locate is the uncached dispatch logic.
func (l *Locator) locate(scan mapdata.ScanData, resolve LevelResolver) (mapdata.CustomLocation, error) {
	var ranged []anchoredRange
	var anchored []anchoredRange
	for peerID, reading := range scan {
		peer, ok := l.peers[peerID]
		if !ok || peer.Position == nil {
			continue
		}
		rssi := 0.0
		if reading.RSSI != nil {
			rssi = *reading.RSSI
		}
		if d, ok := metricRange(reading); ok {
			ranged = append(ranged, anchoredRange{peer: peer, rssi: rssi, dist: d})
		}
		if peer.SpaceID != nil {
			anchored = append(anchored, anchoredRange{peer: peer, rssi: rssi})
		}
	}

	switch {
	case len(ranged) >= 3:
		return l.trilaterate(ranged, resolve)
	case len(anchored) >= 1:
		return l.weightedCentroid(anchored, resolve)
	default:
		return l.nearestFingerprint(scan, resolve)
	}
}

// metricRange extracts a metric distance from a reading: a direct range
// measurement if present, else an ibeacon-derived range.
func metricRange(r mapdata.PeerReading) (float64, bool) {
	if r.RangeM != nil {
		return *r.RangeM, true
	}
	if r.IBeaconRange != nil {
		return *r.IBeaconRange, true
	}
	return 0, false
}

// weightedCentroid implements spec.md §4.7.2.
func (l *Locator) weightedCentroid(anchored []anchoredRange, resolve LevelResolver) (mapdata.CustomLocation, error) {
	sort.SliceStable(anchored, func(i, j int) bool { return anchored[i].rssi > anchored[j].rssi })
	strongest := anchored[0].peer
	if strongest.SpaceID == nil {
		return mapdata.CustomLocation{}, fmt.Errorf("locator: strongest peer has no space")
	}
	spaceID := *strongest.SpaceID

	var inSpace []anchoredRange
	for _, a := range anchored {
		if a.peer.SpaceID != nil && *a.peer.SpaceID == spaceID {
			inSpace = append(inSpace, a)
		}
	}
	sort.SliceStable(inSpace, func(i, j int) bool { return inSpace[i].rssi > inSpace[j].rssi })

	seen := map[orb.Point]bool{}
	var picked []anchoredRange
	for _, a := range inSpace {
		if a.peer.Position == nil {
			continue
		}
		key := orb.Point{a.peer.Position[0], a.peer.Position[1]}
		if seen[key] {
			continue
		}
		seen[key] = true
		picked = append(picked, a)
		if len(picked) == 3 {
			break
		}
	}

	var totalWeight, sumX, sumY float64
	for _, a := range picked {
		w := a.rssi + 90
		if w < 0 {
			w = 0
		}
		totalWeight += w
		sumX += w * a.peer.Position[0]
		sumY += w * a.peer.Position[1]
	}

	var point orb.Point
	if totalWeight == 0 {
		if len(picked) == 0 {
			return mapdata.CustomLocation{}, fmt.Errorf("locator: no positioned peer in space %d", spaceID)
		}
		point = *picked[0].peer.Position
	} else {
		point = orb.Point{sumX / totalWeight, sumY / totalWeight}
	}

	altitude := strongest.Altitude
	levelID := mapdata.ID(0)
	if resolve != nil {
		levelID = resolve(point, altitude)
	}
	return mapdata.CustomLocation{LevelID: levelID, Point: point, Altitude: altitude}, nil
}

// nearestFingerprint implements spec.md §4.7.3.
func (l *Locator) nearestFingerprint(scan mapdata.ScanData, resolve LevelResolver) (mapdata.CustomLocation, error) {
	strongestPeer := mapdata.ID(0)
	strongestRSSI := -1e18
	hasPeer := false
	for peerID, r := range scan {
		if r.RSSI == nil {
			continue
		}
		if !hasPeer || *r.RSSI > strongestRSSI {
			strongestPeer, strongestRSSI, hasPeer = peerID, *r.RSSI, true
		}
	}
	if !hasPeer {
		return mapdata.CustomLocation{}, fmt.Errorf("locator: no RSSI peer in scan")
	}

	type candidate struct {
		spaceID mapdata.ID
		point   orb.Point
		score   float64
	}
	var best *candidate

	for spaceID, peerSet := range l.spacePeers {
		if !peerSet[strongestPeer] {
			continue
		}
		for _, row := range l.rows[spaceID] {
			var sum float64
			var n int
			for peerID, r := range scan {
				if r.RSSI == nil {
					continue
				}
				if peerSet[peerID] {
					// Shared peer: compare the row's matrix entry against
					// this scan's observed rssi² (NoSignal if this point
					// never observed it, even though the space does).
					rowVal, known := row.l[peerID]
					if !known {
						rowVal = NoSignal
					}
					diff := float64(rowVal) - squareRSSIFloat(*r.RSSI)
					sum += diff * diff
				} else {
					// Unknown-to-space peer: penalize against the no-signal
					// baseline instead of a matrix lookup.
					diff := *r.RSSI - noSignalRSSI
					sum += diff * diff
				}
				n++
			}
			if n == 0 {
				continue
			}
			score := sum / float64(n)
			if best == nil || score < best.score {
				best = &candidate{spaceID: spaceID, point: row.point, score: score}
			}
		}
	}

	if best == nil {
		return mapdata.CustomLocation{}, fmt.Errorf("locator: no fingerprint space knows peer %d", strongestPeer)
	}

	levelID := mapdata.ID(0)
	altitude := 0.0
	if resolve != nil {
		levelID = resolve(best.point, altitude)
	}
	return mapdata.CustomLocation{LevelID: levelID, Point: best.point, Altitude: altitude}, nil
}

func squareRSSIFloat(rssi float64) float64 { return rssi * rssi }

// scanCacheKey builds a deterministic cache key from a ScanData by sorting
// peer ids, so map iteration order never affects the key.
func scanCacheKey(scan mapdata.ScanData) string {
	ids := make([]int64, 0, len(scan))
	for peerID := range scan {
		ids = append(ids, int64(peerID))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	for _, id := range ids {
		r := scan[mapdata.ID(id)]
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteByte(':')
		if r.RSSI != nil {
			b.WriteString(strconv.FormatFloat(*r.RSSI, 'f', 2, 64))
		}
		b.WriteByte(',')
		if r.RangeM != nil {
			b.WriteString(strconv.FormatFloat(*r.RangeM, 'f', 2, 64))
		}
		b.WriteByte(',')
		if r.IBeaconRange != nil {
			b.WriteString(strconv.FormatFloat(*r.IBeaconRange, 'f', 2, 64))
		}
		b.WriteByte(';')
	}
	return b.String()
}
