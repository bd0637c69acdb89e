package geo

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// segment is an edge between two points; the arrangement built from
// segments is undirected.
type segment struct {
	a, b orb.Point
}

// CutPolygonsWithLines returns all 2D regions obtained by splitting
// polygons along lines (§4.1). The returned pieces partition the input
// area: their union equals the input (within precision) and no two pieces
// share interior area. Lines that do not cross any polygon's interior are
// no-ops for that segment; a self-intersecting linestring is dropped
// entirely (logged by the caller) rather than risk an ill-defined
// arrangement.
func CutPolygonsWithLines(polygons []orb.Polygon, lines []orb.LineString, precision float64) []orb.Polygon {
	if len(polygons) == 0 {
		return nil
	}

	segs := collectRingSegments(polygons)
	for _, ls := range lines {
		if isSelfIntersecting(ls) {
			continue
		}
		segs = append(segs, lineSegments(ls)...)
	}

	arrangement := buildArrangement(segs, precision)
	faces := traceFaces(arrangement)
	if len(faces) == 0 {
		return nil
	}

	type face struct {
		ring   orb.Ring
		area   float64 // signed, per the trace convention
		inside bool
	}
	fs := make([]face, len(faces))
	unboundedIdx := -1
	for i, ring := range faces {
		a := signedArea(ring)
		fs[i] = face{ring: ring, area: a}
		if unboundedIdx == -1 || a < fs[unboundedIdx].area {
			unboundedIdx = i
		}
	}

	for i := range fs {
		if i == unboundedIdx || fs[i].area <= epsilon {
			continue
		}
		p := pointOnRing(fs[i].ring)
		fs[i].inside = pointInPolygons(p, polygons)
	}

	var out []orb.Polygon
	for i := range fs {
		if i == unboundedIdx || !fs[i].inside {
			continue
		}
		poly := orb.Polygon{fs[i].ring}
		for j := range fs {
			if j == i || j == unboundedIdx || fs[j].inside || fs[j].area > epsilon {
				continue
			}
			if ringContainsPoint(fs[i].ring, fs[j].ring[0]) {
				poly = append(poly, fs[j].ring)
			}
		}
		out = append(out, poly)
	}
	return out
}

func collectRingSegments(polygons []orb.Polygon) []segment {
	var segs []segment
	for _, poly := range polygons {
		for _, ring := range poly {
			n := len(ring)
			for i := 0; i < n; i++ {
				segs = append(segs, segment{ring[i], ring[(i+1)%n]})
			}
		}
	}
	return segs
}

func lineSegments(ls orb.LineString) []segment {
	var segs []segment
	for i := 0; i+1 < len(ls); i++ {
		segs = append(segs, segment{ls[i], ls[i+1]})
	}
	return segs
}

func isSelfIntersecting(ls orb.LineString) bool {
	n := len(ls)
	for i := 0; i+1 < n; i++ {
		for j := i + 1; j+1 < n; j++ {
			if j == i+0 {
				continue
			}
			// Adjacent segments sharing an endpoint are not a crossing.
			if j == i+1 {
				continue
			}
			if _, kind := segmentIntersect(ls[i], ls[i+1], ls[j], ls[j+1]); kind == intersectProper {
				return true
			}
		}
	}
	return false
}

type intersectKind int

const (
	intersectNone intersectKind = iota
	intersectProper
	intersectTouch
)

// segmentIntersect returns the intersection point (if any) of two finite
// segments and whether it is a proper transversal crossing or a mere touch
// (shared endpoint / collinear overlap, which is a no-op per §4.1).
func segmentIntersect(a1, a2, b1, b2 orb.Point) (orb.Point, intersectKind) {
	r := sub(a2, a1)
	s := sub(b2, b1)
	denom := cross(r, s)
	qp := sub(b1, a1)

	if math.Abs(denom) < epsilon {
		return orb.Point{}, intersectNone // parallel or collinear: treat as no-op
	}

	t := cross(qp, s) / denom
	u := cross(qp, r) / denom
	if t < -epsilon || t > 1+epsilon || u < -epsilon || u > 1+epsilon {
		return orb.Point{}, intersectNone
	}

	p := orb.Point{a1[0] + t*r[0], a1[1] + t*r[1]}
	touching := t < epsilon || t > 1-epsilon || u < epsilon || u > 1-epsilon
	if touching {
		return p, intersectTouch
	}
	return p, intersectProper
}

func sub(a, b orb.Point) orb.Point { return orb.Point{a[0] - b[0], a[1] - b[1]} }
func cross(a, b orb.Point) float64 { return a[0]*b[1] - a[1]*b[0] }

// planarGraph is an undirected adjacency list over snapped vertices.
type planarGraph struct {
	neighbors map[orb.Point][]orb.Point
}

func buildArrangement(segs []segment, precision float64) *planarGraph {
	snap := precision
	if snap <= 0 {
		snap = epsilon
	}
	key := func(p orb.Point) orb.Point { return SnapToGrid(p, snap/4) }

	// Split every segment at every intersection with every other segment.
	type splitSeg struct{ a, b orb.Point }
	pending := make([]splitSeg, len(segs))
	for i, s := range segs {
		pending[i] = splitSeg{s.a, s.b}
	}

	final := make([]splitSeg, 0, len(pending))
	for len(pending) > 0 {
		cur := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		split := false
		for _, other := range append(append([]splitSeg{}, pending...), final...) {
			p, kind := segmentIntersect(cur.a, cur.b, other.a, other.b)
			if kind == intersectProper && !pointsEqual(p, cur.a) && !pointsEqual(p, cur.b) {
				pending = append(pending, splitSeg{cur.a, p}, splitSeg{p, cur.b})
				split = true
				break
			}
		}
		if !split {
			final = append(final, cur)
		}
	}

	g := &planarGraph{neighbors: map[orb.Point][]orb.Point{}}
	addEdge := func(a, b orb.Point) {
		a, b = key(a), key(b)
		if pointsEqual(a, b) {
			return
		}
		if !containsPoint(g.neighbors[a], b) {
			g.neighbors[a] = append(g.neighbors[a], b)
		}
		if !containsPoint(g.neighbors[b], a) {
			g.neighbors[b] = append(g.neighbors[b], a)
		}
	}
	for _, s := range final {
		addEdge(s.a, s.b)
	}

	for v, nbrs := range g.neighbors {
		sort.Slice(nbrs, func(i, j int) bool {
			return angleOf(v, nbrs[i]) < angleOf(v, nbrs[j])
		})
		g.neighbors[v] = nbrs
	}
	return g
}

func containsPoint(pts []orb.Point, p orb.Point) bool {
	for _, q := range pts {
		if pointsEqual(q, p) {
			return true
		}
	}
	return false
}

func angleOf(from, to orb.Point) float64 {
	return math.Atan2(to[1]-from[1], to[0]-from[0])
}

// traceFaces extracts every face of the planar subdivision (one per side of
// every directed half-edge) using the standard "most-clockwise next edge"
// rule, which yields every bounded face in CCW order and the single
// unbounded face in CW order.
func traceFaces(g *planarGraph) []orb.Ring {
	type dirEdge struct{ from, to orb.Point }
	used := map[dirEdge]bool{}

	var faces []orb.Ring
	for v, nbrs := range g.neighbors {
		for _, w := range nbrs {
			start := dirEdge{v, w}
			if used[start] {
				continue
			}

			var ring orb.Ring
			cur := start
			for {
				used[cur] = true
				ring = append(ring, cur.from)
				nextFrom := cur.to
				incomingAngle := angleOf(nextFrom, cur.from)

				nbrs2 := g.neighbors[nextFrom]
				if len(nbrs2) == 0 {
					break
				}
				best := nbrs2[0]
				bestDelta := math.Inf(1)
				for _, cand := range nbrs2 {
					if pointsEqual(cand, cur.from) && len(nbrs2) > 1 {
						continue
					}
					delta := normalizeAngle(angleOf(nextFrom, cand) - incomingAngle)
					if delta < bestDelta {
						bestDelta = delta
						best = cand
					}
				}
				next := dirEdge{nextFrom, best}
				if next == start {
					break
				}
				if used[next] {
					// Shouldn't happen in a clean arrangement; bail to avoid
					// an infinite loop on degenerate input.
					break
				}
				cur = next
				if len(ring) > 4*len(g.neighbors)+8 {
					break
				}
			}
			if len(ring) >= 3 {
				faces = append(faces, ring)
			}
		}
	}
	return faces
}

func normalizeAngle(a float64) float64 {
	for a < 0 {
		a += 2 * math.Pi
	}
	for a >= 2*math.Pi {
		a -= 2 * math.Pi
	}
	return a
}

// pointOnRing returns a point guaranteed to be strictly inside a simple
// (possibly concave) ring, by scanning a horizontal strip and picking the
// midpoint of its widest span — the standard "point on surface" technique.
func pointOnRing(ring orb.Ring) orb.Point {
	ys := make([]float64, len(ring))
	for i, p := range ring {
		ys[i] = p[1]
	}
	ys = sortedUnique(append([]float64{}, ys...))
	if len(ys) < 2 {
		return ring[0]
	}
	y := (ys[0] + ys[1]) / 2

	var xs []float64
	n := len(ring)
	for i := 0; i < n; i++ {
		a, b := ring[i], ring[(i+1)%n]
		if (a[1] <= y && b[1] > y) || (b[1] <= y && a[1] > y) {
			t := (y - a[1]) / (b[1] - a[1])
			xs = append(xs, a[0]+t*(b[0]-a[0]))
		}
	}
	sort.Float64s(xs)
	bestWidth := -1.0
	bestX := ring[0][0]
	for i := 0; i+1 < len(xs); i += 2 {
		w := xs[i+1] - xs[i]
		if w > bestWidth {
			bestWidth = w
			bestX = (xs[i] + xs[i+1]) / 2
		}
	}
	return orb.Point{bestX, y}
}

// ringContainsPoint is a standard even-odd ray-cast point-in-ring test.
func ringContainsPoint(ring orb.Ring, p orb.Point) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if (a[1] > p[1]) != (b[1] > p[1]) {
			x := (b[0]-a[0])*(p[1]-a[1])/(b[1]-a[1]) + a[0]
			if p[0] < x {
				inside = !inside
			}
		}
	}
	return inside
}

// PointInPolygon tests containment against a single polygon (outer ring
// minus holes).
func PointInPolygon(p orb.Point, poly orb.Polygon) bool {
	if len(poly) == 0 || !ringContainsPoint(poly[0], p) {
		return false
	}
	for _, hole := range poly[1:] {
		if ringContainsPoint(hole, p) {
			return false
		}
	}
	return true
}

func pointInPolygons(p orb.Point, polys []orb.Polygon) bool {
	for _, poly := range polys {
		if PointInPolygon(p, poly) {
			return true
		}
	}
	return false
}
