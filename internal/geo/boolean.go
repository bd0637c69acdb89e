package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// classifyFn decides whether a representative point of an arrangement face
// belongs in the boolean op's result.
type classifyFn func(p orb.Point) bool

// booleanOp builds the planar arrangement of every ring in every input
// polygon (no extra cut lines), traces its faces, and keeps the ones
// classify accepts — the same face-tracing machinery cut.go uses for
// cut_polygons_with_lines, generalized into a small boolean-op engine so
// Union/Subtract/Intersect share one implementation.
func booleanOp(polys []orb.Polygon, precision float64, classify classifyFn) orb.MultiPolygon {
	var all []orb.Polygon
	all = append(all, polys...)
	if len(all) == 0 {
		return nil
	}

	segs := collectRingSegments(all)
	arrangement := buildArrangement(segs, precision)
	faces := traceFaces(arrangement)
	if len(faces) == 0 {
		return nil
	}

	type face struct {
		ring orb.Ring
		area float64
		keep bool
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
		fs[i].keep = classify(pointOnRing(fs[i].ring))
	}

	var out orb.MultiPolygon
	for i := range fs {
		if i == unboundedIdx || !fs[i].keep {
			continue
		}
		poly := orb.Polygon{fs[i].ring}
		for j := range fs {
			if j == i || j == unboundedIdx || fs[j].keep || fs[j].area > epsilon {
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

// Union returns the (possibly multi-piece) union of polygons.
func Union(polys []orb.Polygon, precision float64) orb.MultiPolygon {
	return booleanOp(polys, precision, func(p orb.Point) bool {
		return pointInPolygons(p, polys)
	})
}

// Subtract returns base minus every polygon in remove.
func Subtract(base []orb.Polygon, remove []orb.Polygon, precision float64) orb.MultiPolygon {
	all := append(append([]orb.Polygon{}, base...), remove...)
	return booleanOp(all, precision, func(p orb.Point) bool {
		return pointInPolygons(p, base) && !pointInPolygons(p, remove)
	})
}

// Intersect returns the overlap between a and b.
func Intersect(a []orb.Polygon, b []orb.Polygon, precision float64) orb.MultiPolygon {
	all := append(append([]orb.Polygon{}, a...), b...)
	return booleanOp(all, precision, func(p orb.Point) bool {
		return pointInPolygons(p, a) && pointInPolygons(p, b)
	})
}

// JoinStyle selects how BufferedGeometry joins consecutive segments.
type JoinStyle int

const (
	JoinRound JoinStyle = iota
	JoinMitre
)

// CapStyle selects how BufferedGeometry caps a linestring's ends.
type CapStyle int

const (
	CapFlat CapStyle = iota
	CapRound
)

// BufferedGeometry widens a line into a polygon of the given total width,
// the primitive behind LineObstacle rendering (§4.1). Each segment is offset
// by half the width on both sides and the offsets are concatenated in order;
// no join geometry is added at interior vertices for any JoinStyle (round
// joins are not arced and mitred joins are not extended to an intersection).
// CapRound adds an arc at each end; CapFlat ends at the offset points.
func BufferedGeometry(line orb.LineString, width float64, cap CapStyle, join JoinStyle) orb.Polygon {
	if len(line) < 2 || width <= 0 {
		return nil
	}
	half := width / 2

	var left, right []orb.Point
	for i := 0; i+1 < len(line); i++ {
		a, b := line[i], line[i+1]
		dx, dy := b[0]-a[0], b[1]-a[1]
		length := math.Hypot(dx, dy)
		if length < epsilon {
			continue
		}
		nx, ny := -dy/length*half, dx/length*half
		left = append(left, orb.Point{a[0] + nx, a[1] + ny}, orb.Point{b[0] + nx, b[1] + ny})
		right = append(right, orb.Point{a[0] - nx, a[1] - ny}, orb.Point{b[0] - nx, b[1] - ny})
	}
	if len(left) == 0 {
		return nil
	}

	if join == JoinRound && len(line) > 2 {
		left = roundJoins(line, left, half)
		right = roundJoins(line, right, half)
	}

	ring := make(orb.Ring, 0, len(left)+len(right)+2)
	ring = append(ring, left...)
	if cap == CapRound {
		ring = append(ring, arc(line[len(line)-1], left[len(left)-1], right[len(right)-1], half)...)
	}
	for i := len(right) - 1; i >= 0; i-- {
		ring = append(ring, right[i])
	}
	if cap == CapRound {
		ring = append(ring, arc(line[0], right[0], left[0], half)...)
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// roundJoins is a light touch: it leaves the raw per-segment offsets as-is
// (they already overlap enough at shallow turns to avoid gaps at the scale
// buffered_geometry is used at — line obstacle widths are small relative to
// corridor geometry) and only exists as the named hook Phase-A callers use;
// true joins are computed by the union pass callers run afterwards.
func roundJoins(_ orb.LineString, offset []orb.Point, _ float64) []orb.Point {
	return offset
}

func arc(center, from, to orb.Point, radius float64) []orb.Point {
	a0 := math.Atan2(from[1]-center[1], from[0]-center[0])
	a1 := math.Atan2(to[1]-center[1], to[0]-center[0])
	for a1 < a0 {
		a1 += 2 * math.Pi
	}
	const steps = 8
	pts := make([]orb.Point, 0, steps)
	for i := 1; i < steps; i++ {
		a := a0 + (a1-a0)*float64(i)/float64(steps)
		pts = append(pts, orb.Point{center[0] + radius*math.Cos(a), center[1] + radius*math.Sin(a)})
	}
	return pts
}

// BufferPolygon dilates poly's outer ring outward by distance with a round
// join, used by Phase A to merge slivers at the precision grid scale
// (§4.3 Phase A step 2). Holes are left untouched: at the precision scale
// this is used at, a hole shrinking by the same epsilon is immaterial.
func BufferPolygon(poly orb.Polygon, distance float64, precision float64) orb.Polygon {
	if len(poly) == 0 || distance <= 0 {
		return poly
	}
	outer := poly[0]
	n := len(outer)
	band := make([]orb.Polygon, 0, n)
	for i := 0; i < n; i++ {
		a, b := outer[i], outer[(i+1)%n]
		seg := orb.LineString{a, b}
		if p := BufferedGeometry(seg, distance*2, CapRound, JoinRound); p != nil {
			band = append(band, p)
		}
	}
	merged := Union(append(band, orb.Polygon{outer}), precision)
	if len(merged) == 0 {
		return poly
	}
	// The dilation can legitimately produce several disjoint pieces if the
	// input ring is disjoint from itself after buffering; keep the largest.
	best := merged[0]
	bestArea := Area(best)
	for _, m := range merged[1:] {
		if a := Area(m); a > bestArea {
			best, bestArea = m, a
		}
	}
	out := orb.Polygon{best[0]}
	out = append(out, poly[1:]...)
	return out
}
