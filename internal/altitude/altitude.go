// Package altitude is the altitude pipeline (c3nav spec §4.3, C3): it turns
// hand-edited Levels/Spaces/obstacles into the canonical per-level set of
// AltitudeArea rows, phases A through H.
//
// Phase D/E's "unweighted graph over accessible areas" and "unique shortest
// path" ride on github.com/katalvlaran/lvlath/graph, the same adjacency
// library internal/ancestry uses: one undirected, unweighted graph.Graph per
// global run. lvlath has no k-shortest-paths call, so uniqueness is checked
// by re-running BFS with the path's first edge removed and comparing
// lengths, per SPEC_FULL.md §4.3.
package altitude

import (
	"math"
	"sort"
	"strconv"

	"github.com/c3nav/mpc/internal/geo"
	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/c3nav/mpc/pkg/log"
	"github.com/katalvlaran/lvlath/graph"
	"github.com/paulmach/orb"
)

// Pipeline runs phases A-H over a batch of levels sharing one precision grid.
type Pipeline struct {
	Precision float64
}

func NewPipeline(precision float64) *Pipeline {
	return &Pipeline{Precision: precision}
}

// LevelInput bundles one level's hand-edited entities, Phase A's input.
type LevelInput struct {
	Level     mapdata.Level
	Spaces    []mapdata.Space
	Buildings []mapdata.Building
	Doors     []mapdata.Door
}

// collected is Phase A's per-level output.
type collected struct {
	areas           []orb.Polygon
	areaSpace       []mapdata.ID // parallel to areas; 0 for door-owned areas (no owning space)
	obstacles       []orb.Polygon
	raisedObstacles []orb.Polygon // Altitude != 0; fed to Phase G instead of Phase B/C
	ramps           []orb.Polygon
	stairs          []orb.LineString
	markers         []mapdata.AltitudeMarker
}

// collectLevel is Phase A.
func (p *Pipeline) collectLevel(in LevelInput) collected {
	var buildingPolys []orb.Polygon
	for _, b := range in.Buildings {
		buildingPolys = append(buildingPolys, b.Geometry)
	}
	buildingsGeom := geo.Union(buildingPolys, p.Precision)

	var c collected
	for _, space := range in.Spaces {
		area := []orb.Polygon{space.Geometry}
		if space.Outside && len(buildingsGeom) > 0 {
			area = polysOf(geo.Subtract(area, buildingsGeom, p.Precision))
		}

		var colPolys []orb.Polygon
		for _, col := range space.Columns {
			if col.AccessRestriction == nil {
				colPolys = append(colPolys, col.Geometry)
			}
		}
		if len(colPolys) > 0 {
			area = polysOf(geo.Subtract(area, colPolys, p.Precision))
		}

		var holePolys []orb.Polygon
		for _, h := range space.Holes {
			holePolys = append(holePolys, h.Geometry)
		}
		if len(holePolys) > 0 {
			area = polysOf(geo.Subtract(area, holePolys, p.Precision))
		}

		var spaceClip []orb.Polygon
		for _, poly := range area {
			spaceClip = append(spaceClip, geo.BufferPolygon(poly, p.Precision, p.Precision))
		}

		for _, poly := range spaceClip {
			c.areas = append(c.areas, poly)
			c.areaSpace = append(c.areaSpace, space.ID)
		}

		for _, o := range space.Obstacles {
			if o.Altitude == 0 {
				c.obstacles = append(c.obstacles, o.Geometry)
			} else {
				c.raisedObstacles = append(c.raisedObstacles, o.Geometry)
			}
		}
		for _, r := range space.Ramps {
			c.ramps = append(c.ramps, r.Geometry)
		}
		for _, s := range space.Stairs {
			c.stairs = append(c.stairs, s.Geometry)
		}
		for _, m := range space.AltitudeMarkers {
			if pointInsideAny(m.Point, spaceClip) {
				c.markers = append(c.markers, m)
			} else {
				log.Warnf("altitude: marker on space %d lies outside its accessible area, skipping", space.ID)
			}
		}
	}
	for _, d := range in.Doors {
		c.areas = append(c.areas, d.Geometry)
		c.areaSpace = append(c.areaSpace, 0)
	}
	return c
}

func polysOf(mp orb.MultiPolygon) []orb.Polygon { return []orb.Polygon(mp) }

func pointInsideAny(p orb.Point, polys []orb.Polygon) bool {
	for _, poly := range polys {
		if geo.PointInPolygon(p, poly) {
			return true
		}
	}
	return false
}

// cutPhase is Phase B: cut the accessible collection by ramp/stair
// boundaries and any obstacle ring that touches them, then classify each
// piece as obstacle or accessible by buffered-obstacle coverage.
func (p *Pipeline) cutPhase(c collected) (accessible []orb.Polygon, accessibleSpace []mapdata.ID, obstacleAreas []orb.Polygon) {
	var lines []orb.LineString
	for _, r := range c.ramps {
		lines = append(lines, ringToLineString(r))
	}
	lines = append(lines, c.stairs...)

	bufferedObstacles := make([]orb.Polygon, len(c.obstacles))
	for i, o := range c.obstacles {
		bufferedObstacles[i] = geo.BufferPolygon(o, p.Precision, p.Precision)
	}

	for _, o := range c.obstacles {
		if ringIntersectsAny(o, c.ramps, c.stairs) {
			lines = append(lines, ringToLineString(o[0]))
		}
	}

	pieces := geo.CutPolygonsWithLines(c.areas, lines, p.Precision)
	for _, piece := range pieces {
		if fullyCoveredBy(piece, bufferedObstacles) {
			obstacleAreas = append(obstacleAreas, piece)
			continue
		}
		if fullyCoveredBy(piece, c.ramps) {
			// Ramps are cut away here and reconstructed wholesale in Phase F.
			continue
		}
		accessible = append(accessible, piece)
		accessibleSpace = append(accessibleSpace, owningSpace(piece, c))
	}
	return
}

func ringToLineString(poly orb.Polygon) orb.LineString {
	if len(poly) == 0 {
		return nil
	}
	return orb.LineString(poly[0])
}

func ringIntersectsAny(obstacle orb.Polygon, ramps []orb.Polygon, stairs []orb.LineString) bool {
	if len(obstacle) == 0 {
		return false
	}
	ring := obstacle[0]
	for i := 0; i+1 < len(ring); i++ {
		for _, r := range ramps {
			if len(r) == 0 {
				continue
			}
			rr := r[0]
			for j := 0; j+1 < len(rr); j++ {
				if segmentsOverlapLength(ring[i], ring[i+1], rr[j], rr[j+1]) > 0 {
					return true
				}
			}
		}
		for _, s := range stairs {
			for j := 0; j+1 < len(s); j++ {
				if segmentsOverlapLength(ring[i], ring[i+1], s[j], s[j+1]) > 0 {
					return true
				}
			}
		}
	}
	return false
}

func fullyCoveredBy(piece orb.Polygon, bufferedObstacles []orb.Polygon) bool {
	if len(piece) == 0 {
		return false
	}
	rep := repPoint(piece)
	for _, o := range bufferedObstacles {
		if geo.PointInPolygon(rep, o) {
			return true
		}
	}
	return false
}

func repPoint(poly orb.Polygon) orb.Point {
	return geo.Centroid(poly)
}

func owningSpace(piece orb.Polygon, c collected) mapdata.ID {
	rep := repPoint(piece)
	for i, a := range c.areas {
		if geo.PointInPolygon(rep, a) {
			return c.areaSpace[i]
		}
	}
	return 0
}

// coalesceObstacles is Phase C: merge any obstacle area touching exactly one
// accessible area into that area, to a fixed point.
func (p *Pipeline) coalesceObstacles(accessible []orb.Polygon, accessibleSpace []mapdata.ID, obstacleAreas []orb.Polygon) ([]orb.Polygon, []mapdata.ID) {
	changed := true
	for changed {
		changed = false
		for i := 0; i < len(obstacleAreas); i++ {
			var touching []int
			for j, a := range accessible {
				if sharesLinearBoundary(obstacleAreas[i], a, p.Precision) {
					touching = append(touching, j)
				}
			}
			if len(touching) != 1 {
				continue
			}
			j := touching[0]
			merged := geo.Union([]orb.Polygon{accessible[j], obstacleAreas[i]}, p.Precision)
			if len(merged) != 1 {
				continue
			}
			accessible[j] = merged[0]
			obstacleAreas = append(obstacleAreas[:i], obstacleAreas[i+1:]...)
			i--
			changed = true
		}
	}
	return accessible, accessibleSpace
}

func segmentsOverlapLength(a1, a2, b1, b2 orb.Point) float64 {
	dx, dy := a2[0]-a1[0], a2[1]-a1[1]
	length := math.Hypot(dx, dy)
	if length < 1e-12 {
		return 0
	}
	ux, uy := dx/length, dy/length
	cross1 := (b1[0]-a1[0])*uy - (b1[1]-a1[1])*ux
	cross2 := (b2[0]-a1[0])*uy - (b2[1]-a1[1])*ux
	if math.Abs(cross1) > 1e-6 || math.Abs(cross2) > 1e-6 {
		return 0
	}
	tb1 := (b1[0]-a1[0])*ux + (b1[1]-a1[1])*uy
	tb2 := (b2[0]-a1[0])*ux + (b2[1]-a1[1])*uy
	lo2, hi2 := math.Min(tb1, tb2), math.Max(tb1, tb2)
	overlap := math.Min(length, hi2) - math.Max(0, lo2)
	if overlap < 0 {
		return 0
	}
	return overlap
}

// sharesLinearBoundary reports whether a and b's ring boundaries overlap by
// more than a point (§4.3 Phase D edge condition).
func sharesLinearBoundary(a, b orb.Polygon, precision float64) bool {
	for _, ra := range a {
		for i := 0; i+1 < len(ra); i++ {
			for _, rb := range b {
				for j := 0; j+1 < len(rb); j++ {
					if segmentsOverlapLength(ra[i], ra[i+1], rb[j], rb[j+1]) > precision {
						return true
					}
				}
			}
		}
	}
	return false
}

// areaNode is one global Phase D/E graph node.
type areaNode struct {
	levelID  mapdata.ID
	spaceID  mapdata.ID
	geom     orb.Polygon
	altitude *float64
	anchored bool
	points   []mapdata.AltitudePoint // set only for ramp components (Phase F)
}

func vid(i int) string { return strconv.Itoa(i) }

// assembleGraph is Phase D: build the global adjacency and anchor the areas
// a unique AltitudeMarker lies in.
func assembleGraph(areas []*areaNode, markersByLevel map[mapdata.ID][]mapdata.AltitudeMarker) *graph.Graph {
	g := graph.NewGraph(false, false)
	for i := range areas {
		g.AddVertex(&graph.Vertex{ID: vid(i)})
	}
	for i := range areas {
		for j := i + 1; j < len(areas); j++ {
			if areas[i].levelID != areas[j].levelID {
				continue
			}
			if sharesLinearBoundary(areas[i].geom, areas[j].geom, 0) {
				g.AddEdge(vid(i), vid(j), 1)
			}
		}
	}

	for levelID, markers := range markersByLevel {
		for _, m := range markers {
			var hits []int
			for i, a := range areas {
				if a.levelID == levelID && geo.PointInPolygon(m.Point, a.geom) {
					hits = append(hits, i)
				}
			}
			if len(hits) != 1 {
				log.Warnf("altitude: marker on level %d lies in %d areas, want exactly 1, skipping", levelID, len(hits))
				continue
			}
			alt := m.Altitude
			areas[hits[0]].altitude = &alt
			areas[hits[0]].anchored = true
		}
	}
	return g
}

func reconstructPath(parent map[string]string, from, to string) []string {
	var rev []string
	cur := to
	for cur != from {
		rev = append(rev, cur)
		p, ok := parent[cur]
		if !ok {
			return nil
		}
		cur = p
	}
	rev = append(rev, from)
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// uniqueShortestPath returns the BFS shortest path from->to and whether it
// is the unique shortest path, per SPEC_FULL.md §4.3's re-run-without-the-
// first-edge technique.
func uniqueShortestPath(g *graph.Graph, from, to string) ([]string, bool) {
	res, err := g.BFS(from, nil)
	if err != nil || !res.Visited[to] {
		return nil, false
	}
	path := reconstructPath(res.Parent, from, to)
	if path == nil {
		return nil, false
	}
	if len(path) < 2 {
		return path, true
	}

	pruned := g.Clone()
	pruned.RemoveEdge(path[0], path[1])
	res2, err := pruned.BFS(from, nil)
	if err != nil || !res2.Visited[to] {
		return path, true
	}
	alt := reconstructPath(res2.Parent, from, to)
	return path, len(alt) != len(path)
}

// interpolate is Phase E.
func interpolate(g *graph.Graph, areas []*areaNode) {
	for {
		assignedAny := false
		var anchors []int
		for i, a := range areas {
			if a.anchored {
				anchors = append(anchors, i)
			}
		}
		sort.Ints(anchors)

		for ai := 0; ai < len(anchors); ai++ {
			for bi := ai + 1; bi < len(anchors); bi++ {
				a, b := anchors[ai], anchors[bi]
				if *areas[a].altitude == *areas[b].altitude {
					continue
				}
				path, unique := uniqueShortestPath(g, vid(a), vid(b))
				if !unique || len(path) < 2 {
					continue
				}
				interior := path[1 : len(path)-1]
				allUnanchored := true
				for _, id := range interior {
					idx := mustIdx(id)
					if areas[idx].anchored {
						allUnanchored = false
						break
					}
				}
				if !allUnanchored {
					continue
				}
				delta := *areas[b].altitude - *areas[a].altitude
				steps := len(path) - 1
				assignedHere := false
				for k, id := range interior {
					idx := mustIdx(id)
					if areas[idx].anchored {
						continue
					}
					alt := *areas[a].altitude + delta*float64(k+1)/float64(steps)
					areas[idx].altitude = &alt
					areas[idx].anchored = true
					assignedHere = true
				}
				if assignedHere {
					assignedAny = true
				}
			}
		}
		if !assignedAny {
			break
		}
	}

	// Unanchored area adjacent to an anchored one copies its neighbor's
	// altitude, to a fixed point.
	for {
		assignedAny := false
		for i, a := range areas {
			if a.anchored {
				continue
			}
			for _, nb := range g.Neighbors(vid(i)) {
				j := mustIdx(nb.ID)
				if areas[j].levelID == a.levelID && areas[j].anchored {
					alt := *areas[j].altitude
					areas[i].altitude = &alt
					areas[i].anchored = true
					assignedAny = true
					break
				}
			}
		}
		if !assignedAny {
			break
		}
	}

	// Per containing space, any still-unanchored area takes the nearest
	// anchored area's altitude in the same space by (geometric distance,
	// centroid distance, altitude) composite tie-break.
	for i, a := range areas {
		if a.anchored {
			continue
		}
		var best *areaNode
		var bestGeomDist, bestCentroidDist float64
		for _, cand := range areas {
			if !cand.anchored || cand.spaceID != a.spaceID || cand.spaceID == 0 {
				continue
			}
			gd := ringMinDistance(a.geom, cand.geom)
			cd := geo.Distance(geo.Centroid(a.geom), geo.Centroid(cand.geom))
			if best == nil || gd < bestGeomDist ||
				(gd == bestGeomDist && cd < bestCentroidDist) ||
				(gd == bestGeomDist && cd == bestCentroidDist && *cand.altitude < *best.altitude) {
				best, bestGeomDist, bestCentroidDist = cand, gd, cd
			}
		}
		if best != nil {
			alt := *best.altitude
			areas[i].altitude = &alt
			areas[i].anchored = true
		}
	}
}

func mustIdx(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func ringMinDistance(a, b orb.Polygon) float64 {
	if len(a) == 0 || len(b) == 0 {
		return math.Inf(1)
	}
	best := math.Inf(1)
	for _, pa := range a[0] {
		for _, pb := range b[0] {
			if d := geo.Distance(pa, pb); d < best {
				best = d
			}
		}
	}
	return best
}

// FallbackToBaseAltitude applies "levels with no anchors at all fall back to
// level.base_altitude" (§4.3 Phase E).
func FallbackToBaseAltitude(areas []*areaNode, levels map[mapdata.ID]mapdata.Level) {
	byLevel := map[mapdata.ID]bool{}
	for _, a := range areas {
		if a.anchored {
			byLevel[a.levelID] = true
		}
	}
	for i, a := range areas {
		if a.anchored || byLevel[a.levelID] {
			continue
		}
		if lvl, ok := levels[a.levelID]; ok {
			alt := lvl.BaseAltitude
			areas[i].altitude = &alt
			areas[i].anchored = true
		}
	}
}

// RampResult is Phase F's output for one connected ramp component.
type RampResult struct {
	Geometry  orb.MultiPolygon
	FlatAlt   *float64     // set when the component merges into a single flat altitude
	Points    []mapdata.AltitudePoint
}

// reconstructRamps is Phase F: restore cut-away ramps and classify each
// connected component by the distinct altitudes along its boundary.
func (p *Pipeline) reconstructRamps(rampPolys []orb.Polygon, flatAreas []*areaNode, markers []mapdata.AltitudeMarker, baseAltitude float64) []RampResult {
	components := connectedComponents(rampPolys, p.Precision)

	var results []RampResult
	for _, comp := range components {
		union := geo.Union(comp, p.Precision)
		if len(union) == 0 {
			continue
		}

		altSet := map[float64]bool{}
		var points []mapdata.AltitudePoint
		for _, piece := range union {
			for _, fa := range flatAreas {
				if fa.altitude == nil {
					continue
				}
				if sharesLinearBoundary(piece, fa.geom, p.Precision) {
					if !altSet[*fa.altitude] {
						altSet[*fa.altitude] = true
					}
				}
			}
		}
		for _, m := range markers {
			for _, piece := range union {
				if geo.PointInPolygon(m.Point, piece) {
					points = append(points, mapdata.AltitudePoint{Point: m.Point, Altitude: m.Altitude})
					altSet[m.Altitude] = true
				}
			}
		}

		switch len(altSet) {
		case 0:
			alt := baseAltitude
			log.Warnf("altitude: ramp component has no boundary altitude or marker, falling back to base altitude")
			results = append(results, RampResult{Geometry: union, FlatAlt: &alt})
		case 1:
			var alt float64
			for a := range altSet {
				alt = a
			}
			results = append(results, RampResult{Geometry: union, FlatAlt: &alt})
		default:
			results = append(results, RampResult{Geometry: union, Points: points})
		}
	}
	return results
}

func connectedComponents(polys []orb.Polygon, precision float64) [][]orb.Polygon {
	n := len(polys)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if sharesLinearBoundary(polys[i], polys[j], precision) {
				union(i, j)
			}
		}
	}
	groups := map[int][]orb.Polygon{}
	for i, p := range polys {
		r := find(i)
		groups[r] = append(groups[r], p)
	}
	var out [][]orb.Polygon
	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		out = append(out, groups[k])
	}
	return out
}

// reassignObstacles is Phase G: raised obstacles join the neighboring flat
// area with the highest touching altitude, or the nearest area by distance
// if none touch.
func (p *Pipeline) reassignObstacles(obstacles []orb.Polygon, flatAreas []*areaNode) []*areaNode {
	for _, o := range obstacles {
		var best *areaNode
		for _, fa := range flatAreas {
			if fa.altitude == nil || !sharesLinearBoundary(o, fa.geom, p.Precision) {
				continue
			}
			if best == nil || *fa.altitude > *best.altitude {
				best = fa
			}
		}
		if best == nil {
			bestDist := math.Inf(1)
			for _, fa := range flatAreas {
				if d := ringMinDistance(o, fa.geom); d < bestDist {
					bestDist, best = d, fa
				}
			}
		}
		if best != nil {
			merged := geo.Union([]orb.Polygon{best.geom, o}, p.Precision)
			if len(merged) == 1 {
				best.geom = merged[0]
			}
		}
	}
	return flatAreas
}

// Diff is Phase H's report: counts for the log line.
type Diff struct {
	Created, Updated, Deleted int
}

// persist is Phase H: snap to grid and reconcile against the existing rows
// with minimal churn.
func (p *Pipeline) persist(levelID mapdata.ID, newAreas []*areaNode, existing []mapdata.AltitudeArea) ([]mapdata.AltitudeArea, Diff) {
	type normalized struct {
		node *areaNode
		geom orb.MultiPolygon
	}
	var pending []normalized
	for _, a := range newAreas {
		snapped := geo.SnapToGridAndFullyNormalized(a.geom, p.Precision)
		pending = append(pending, normalized{node: a, geom: orb.MultiPolygon{snapped}})
	}

	usedExisting := make([]bool, len(existing))
	usedNew := make([]bool, len(pending))
	var result []mapdata.AltitudeArea
	var diff Diff

	// Exact match: same altitude, identical normalized geometry.
	for i, ex := range existing {
		if usedExisting[i] {
			continue
		}
		for j, n := range pending {
			if usedNew[j] || n.node.altitude == nil || ex.Altitude == nil {
				continue
			}
			if *n.node.altitude != *ex.Altitude {
				continue
			}
			if geometryEqual(ex.Geometry, n.geom) {
				usedExisting[i], usedNew[j] = true, true
				result = append(result, ex)
				break
			}
		}
	}

	// Same-altitude max-overlap match: update geometry in place.
	for j, n := range pending {
		if usedNew[j] {
			continue
		}
		bestI, bestOverlap := -1, 0.0
		for i, ex := range existing {
			if usedExisting[i] || ex.Altitude == nil || n.node.altitude == nil || *ex.Altitude != *n.node.altitude {
				continue
			}
			ov := overlapArea(ex.Geometry, n.geom, p.Precision)
			if ov > bestOverlap {
				bestI, bestOverlap = i, ov
			}
		}
		if bestI >= 0 {
			usedExisting[bestI], usedNew[j] = true, true
			updated := existing[bestI]
			updated.Geometry = n.geom
			updated.Points = n.node.points
			updated.Altitude = n.node.altitude
			diff.Updated++
			result = append(result, updated)
		}
	}

	for i, ex := range existing {
		if !usedExisting[i] {
			diff.Deleted++
			_ = ex // deleted: omitted from result
		}
	}
	for j, n := range pending {
		if !usedNew[j] {
			diff.Created++
			result = append(result, mapdata.AltitudeArea{
				LevelID:  levelID,
				Geometry: n.geom,
				Altitude: n.node.altitude,
				Points:   n.node.points,
			})
		}
	}

	log.Infof("altitude: level %d: %d created, %d updated, %d deleted", levelID, diff.Created, diff.Updated, diff.Deleted)
	return result, diff
}

func geometryEqual(a, b orb.MultiPolygon) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !ringsEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func ringsEqual(a, b orb.Polygon) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func overlapArea(a, b orb.MultiPolygon, precision float64) float64 {
	inter := geo.Intersect(polysOf(a), polysOf(b), precision)
	total := 0.0
	for _, p := range inter {
		total += geo.Area(p)
	}
	return total
}

// Run executes phases A-H over one batch of levels sharing a global graph,
// returning each level's reconciled AltitudeArea rows.
func (p *Pipeline) Run(inputs []LevelInput, existingByLevel map[mapdata.ID][]mapdata.AltitudeArea) (map[mapdata.ID][]mapdata.AltitudeArea, error) {
	levels := map[mapdata.ID]mapdata.Level{}
	markersByLevel := map[mapdata.ID][]mapdata.AltitudeMarker{}

	var allAreas []*areaNode
	var allObstacles []orb.Polygon
	var allObstacleLevel []mapdata.ID
	var allRamps []orb.Polygon
	var allRampLevel []mapdata.ID

	for _, in := range inputs {
		levels[in.Level.ID] = in.Level
		c := p.collectLevel(in)
		accessible, accessibleSpace, obstacleAreas := p.cutPhase(c)
		accessible, accessibleSpace = p.coalesceObstacles(accessible, accessibleSpace, obstacleAreas)

		for i, geom := range accessible {
			allAreas = append(allAreas, &areaNode{levelID: in.Level.ID, spaceID: accessibleSpace[i], geom: geom})
		}
		for _, o := range c.raisedObstacles {
			allObstacles = append(allObstacles, o)
			allObstacleLevel = append(allObstacleLevel, in.Level.ID)
		}
		for _, r := range c.ramps {
			allRamps = append(allRamps, r)
			allRampLevel = append(allRampLevel, in.Level.ID)
		}
		markersByLevel[in.Level.ID] = c.markers
	}

	if len(allAreas) == 0 && len(allRamps) == 0 {
		return map[mapdata.ID][]mapdata.AltitudeArea{}, nil
	}

	g := assembleGraph(allAreas, markersByLevel)
	interpolate(g, allAreas)
	FallbackToBaseAltitude(allAreas, levels)

	result := map[mapdata.ID][]mapdata.AltitudeArea{}
	for _, in := range inputs {
		var flat []*areaNode
		for _, a := range allAreas {
			if a.levelID == in.Level.ID {
				flat = append(flat, a)
			}
		}

		var rampsForLevel []orb.Polygon
		for i, lvl := range allRampLevel {
			if lvl == in.Level.ID {
				rampsForLevel = append(rampsForLevel, allRamps[i])
			}
		}
		rampResults := p.reconstructRamps(rampsForLevel, flat, markersByLevel[in.Level.ID], in.Level.BaseAltitude)

		var obstaclesForLevel []orb.Polygon
		for i, lvl := range allObstacleLevel {
			if lvl == in.Level.ID {
				obstaclesForLevel = append(obstaclesForLevel, allObstacles[i])
			}
		}
		flat = p.reassignObstacles(obstaclesForLevel, flat)

		for _, rr := range rampResults {
			if rr.FlatAlt != nil {
				merged := false
				for _, fa := range flat {
					if fa.altitude != nil && *fa.altitude == *rr.FlatAlt {
						merged2 := geo.Union(append([]orb.Polygon{fa.geom}, polysOf(rr.Geometry)...), p.Precision)
						if len(merged2) == 1 {
							fa.geom = merged2[0]
							merged = true
							break
						}
					}
				}
				if !merged {
					alt := *rr.FlatAlt
					flat = append(flat, &areaNode{levelID: in.Level.ID, altitude: &alt, geom: rr.Geometry[0]})
				}
			} else {
				flat = append(flat, &areaNode{levelID: in.Level.ID, geom: rr.Geometry[0], altitude: nil, points: rr.Points})
			}
		}

		rows, _ := p.persist(in.Level.ID, flat, existingByLevel[in.Level.ID])
		result[in.Level.ID] = rows
	}

	return result, nil
}
