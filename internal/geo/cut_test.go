package geo

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}}
}

func TestCutPolygonsWithLines_ThreeVerticalCuts(t *testing.T) {
	poly := square(0, 0, 100, 100)
	lines := []orb.LineString{
		{{30, -1}, {30, 101}},
		{{50, -1}, {50, 101}},
		{{70, -1}, {70, 101}},
	}

	pieces := CutPolygonsWithLines([]orb.Polygon{poly}, lines, 0.01)
	require.Len(t, pieces, 4)

	total := 0.0
	for _, p := range pieces {
		total += Area(p)
	}
	assert.InDelta(t, 100*100, total, 1e-3)

	// Every piece's area must correspond to one of the four expected slices.
	widths := []float64{30, 20, 20, 30}
	gotAreas := make([]float64, 0, 4)
	for _, p := range pieces {
		gotAreas = append(gotAreas, Area(p))
	}
	for _, w := range widths {
		found := false
		for i, a := range gotAreas {
			if a > 0 && (a-w*100) < 1e-3 && (w*100-a) < 1e-3 {
				gotAreas[i] = -1
				found = true
				break
			}
		}
		assert.True(t, found, "expected a slice of width %v", w)
	}
}

func TestCutPolygonsWithLines_LineOutsidePolygonIsNoop(t *testing.T) {
	poly := square(0, 0, 10, 10)
	lines := []orb.LineString{{{20, -5}, {20, 15}}}

	pieces := CutPolygonsWithLines([]orb.Polygon{poly}, lines, 0.01)
	require.Len(t, pieces, 1)
	assert.InDelta(t, 100, Area(pieces[0]), 1e-6)
}

func TestCutPolygonsWithLines_TouchingLineIsNoop(t *testing.T) {
	poly := square(0, 0, 10, 10)
	// Touches the right edge but does not cross the interior.
	lines := []orb.LineString{{{10, 0}, {10, 10}}}

	pieces := CutPolygonsWithLines([]orb.Polygon{poly}, lines, 0.01)
	require.Len(t, pieces, 1)
	assert.InDelta(t, 100, Area(pieces[0]), 1e-6)
}

func TestSnapToGridAndFullyNormalized_OrderIndependent(t *testing.T) {
	precision := CalculatePrecision(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 100}})

	ringA := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	ringB := orb.Ring{{10, 10}, {0, 10}, {0, 0}, {10, 0}, {10, 10}}

	a := SnapToGridAndFullyNormalized(orb.Polygon{ringA}, precision)
	b := SnapToGridAndFullyNormalized(orb.Polygon{ringB}, precision)
	assert.Equal(t, a, b)
}

func TestBufferedGeometry_ProducesNonZeroArea(t *testing.T) {
	line := orb.LineString{{0, 0}, {10, 0}}
	poly := BufferedGeometry(line, 2, CapFlat, JoinMitre)
	require.NotNil(t, poly)
	assert.InDelta(t, 20, Area(poly), 1e-6)
}
