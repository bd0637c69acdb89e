// Package geo is the 2D geometry kernel (c3nav spec §4.1, C1): polygon/line
// cutting, grid snapping, precision calculation and buffering, all on top of
// github.com/paulmach/orb's point/ring/polygon types.
//
// orb ships geometry types and encoders only — it has no polygon boolean-op
// or line-arrangement algorithm, and none of the retrieved example repos
// carry one either. cut_polygons_with_lines below is therefore a hand
// written planar-arrangement ("polygonize the linework") routine; see
// DESIGN.md for why this is the one place in the kernel built without a
// third-party algorithm to lean on.
package geo

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const epsilon = 1e-9

// CalculatePrecision chooses a snap precision as a small fraction of the
// smallest meaningful feature: the bounding extent of the collection times
// 2⁻²⁰, which keeps floating point jitter around cuts from creating
// spurious slivers while letting real 1cm features survive (§4.1).
func CalculatePrecision(bound orb.Bound) float64 {
	dx := bound.Max[0] - bound.Min[0]
	dy := bound.Max[1] - bound.Min[1]
	extent := math.Max(dx, dy)
	if extent <= 0 {
		extent = 1
	}
	return extent * math.Pow(2, -20)
}

// SnapToGrid snaps a point to the precision grid.
func SnapToGrid(p orb.Point, precision float64) orb.Point {
	if precision <= 0 {
		return p
	}
	return orb.Point{
		math.Round(p[0]/precision) * precision,
		math.Round(p[1]/precision) * precision,
	}
}

// SnapRing snaps and then normalizes a ring: duplicate consecutive points
// collapse, and the ring is rotated to start at its lexicographically
// smallest point so two rings describing the same polygon compare equal.
func SnapRing(ring orb.Ring, precision float64) orb.Ring {
	out := make(orb.Ring, 0, len(ring))
	for _, p := range ring {
		sp := SnapToGrid(p, precision)
		if len(out) == 0 || !pointsEqual(out[len(out)-1], sp) {
			out = append(out, sp)
		}
	}
	if len(out) > 1 && pointsEqual(out[0], out[len(out)-1]) {
		out = out[:len(out)-1]
	}
	return normalizeRing(out)
}

// normalizeRing rotates the ring so iteration (and thus equality checks)
// are independent of which vertex it started at, and fixes orientation to
// counter-clockwise for outer-style comparisons.
func normalizeRing(ring orb.Ring) orb.Ring {
	if len(ring) < 3 {
		return ring
	}
	minIdx := 0
	for i, p := range ring {
		if p[0] < ring[minIdx][0] || (p[0] == ring[minIdx][0] && p[1] < ring[minIdx][1]) {
			minIdx = i
		}
	}
	out := make(orb.Ring, len(ring))
	for i := range ring {
		out[i] = ring[(minIdx+i)%len(ring)]
	}
	if signedArea(out) < 0 {
		reverse(out)
	}
	return out
}

func reverse(r orb.Ring) {
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
}

// SnapToGridAndFullyNormalized snaps every ring of a polygon to the
// precision grid and normalizes it, so a freshly computed area and a
// persisted one compare equal regardless of floating point representation
// (§4.1).
func SnapToGridAndFullyNormalized(poly orb.Polygon, precision float64) orb.Polygon {
	out := make(orb.Polygon, 0, len(poly))
	for _, ring := range poly {
		snapped := SnapRing(ring, precision)
		if len(snapped) >= 3 {
			out = append(out, snapped)
		}
	}
	return out
}

func pointsEqual(a, b orb.Point) bool {
	return math.Abs(a[0]-b[0]) < epsilon && math.Abs(a[1]-b[1]) < epsilon
}

func signedArea(ring orb.Ring) float64 {
	var sum float64
	n := len(ring)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += ring[i][0]*ring[j][1] - ring[j][0]*ring[i][1]
	}
	return sum / 2
}

// AssertMultiPolygon coerces a mixed geometry result into a list of
// polygons, dropping anything degenerate.
func AssertMultiPolygon(geoms ...orb.Geometry) []orb.Polygon {
	var out []orb.Polygon
	for _, g := range geoms {
		switch t := g.(type) {
		case orb.Polygon:
			if polygonArea(t) > epsilon {
				out = append(out, t)
			}
		case orb.MultiPolygon:
			for _, p := range t {
				if polygonArea(p) > epsilon {
					out = append(out, p)
				}
			}
		}
	}
	return out
}

// AssertMultiLineString coerces a mixed geometry result into a list of
// linestrings, dropping empties.
func AssertMultiLineString(geoms ...orb.Geometry) []orb.LineString {
	var out []orb.LineString
	for _, g := range geoms {
		switch t := g.(type) {
		case orb.LineString:
			if len(t) >= 2 {
				out = append(out, t)
			}
		case orb.MultiLineString:
			for _, ls := range t {
				if len(ls) >= 2 {
					out = append(out, ls)
				}
			}
		}
	}
	return out
}

func polygonArea(p orb.Polygon) float64 {
	if len(p) == 0 {
		return 0
	}
	area := math.Abs(signedArea(p[0]))
	for _, hole := range p[1:] {
		area -= math.Abs(signedArea(hole))
	}
	return area
}

// Area is the polygon's area net of holes, via orb/planar.
func Area(p orb.Polygon) float64 {
	return math.Abs(planar.Area(p))
}

// Centroid is the polygon's area-weighted centroid.
func Centroid(p orb.Polygon) orb.Point {
	c, _ := planar.CentroidArea(p)
	return c
}

// Distance is the Euclidean distance between two points.
func Distance(a, b orb.Point) float64 {
	return planar.Distance(a, b)
}

// sortedUnique sorts float64 keys and removes near-duplicates within epsilon.
func sortedUnique(xs []float64) []float64 {
	sort.Float64s(xs)
	out := xs[:0]
	for i, x := range xs {
		if i == 0 || x-out[len(out)-1] > epsilon {
			out = append(out, x)
		}
	}
	return out
}
