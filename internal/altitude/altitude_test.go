package altitude

import (
	"testing"

	"github.com/c3nav/mpc/internal/geo"
	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rectSpace(id mapdata.ID, minX, minY, maxX, maxY float64) mapdata.Space {
	return mapdata.Space{
		ID: id,
		Geometry: orb.Polygon{orb.Ring{
			{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
		}},
	}
}

func verticalStairs(x, y0, y1 float64) mapdata.Stairs {
	return mapdata.Stairs{Geometry: orb.LineString{{x, y0}, {x, y1}}}
}

func horizontalStairs(y, x0, x1 float64) mapdata.Stairs {
	return mapdata.Stairs{Geometry: orb.LineString{{x0, y}, {x1, y}}}
}

// areaAt finds the AltitudeArea whose geometry contains the given point.
func areaAt(t *testing.T, areas []mapdata.AltitudeArea, p orb.Point) mapdata.AltitudeArea {
	t.Helper()
	for _, a := range areas {
		for _, piece := range a.Geometry {
			if geo.PointInPolygon(p, piece) {
				return a
			}
		}
	}
	require.Fail(t, "no altitude area contains point", p)
	return mapdata.AltitudeArea{}
}

// TestPipeline_S1_StraightRampInterpolation is scenario S1: one space cut by
// three parallel stairs lines into four bands, anchored at the two ends,
// interpolated linearly in between.
func TestPipeline_S1_StraightRampInterpolation(t *testing.T) {
	space := rectSpace(1, 0, 0, 100, 100)
	space.Stairs = []mapdata.Stairs{
		verticalStairs(30, -1, 101),
		verticalStairs(50, -1, 101),
		verticalStairs(70, -1, 101),
	}
	space.AltitudeMarkers = []mapdata.AltitudeMarker{
		{SpaceID: 1, Point: orb.Point{20, 50}, Altitude: 1.00},
		{SpaceID: 1, Point: orb.Point{80, 50}, Altitude: 2.00},
	}

	level := mapdata.Level{ID: 1, BaseAltitude: 0}
	precision := geo.CalculatePrecision(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 100}})
	p := NewPipeline(precision)

	result, err := p.Run([]LevelInput{{Level: level, Spaces: []mapdata.Space{space}}}, nil)
	require.NoError(t, err)

	areas := result[1]
	require.NotEmpty(t, areas)

	bands := []struct {
		x   float64
		alt float64
	}{
		{15, 1.00},
		{40, 1.33},
		{60, 1.67},
		{85, 2.00},
	}
	for _, b := range bands {
		a := areaAt(t, areas, orb.Point{b.x, 50})
		require.NotNil(t, a.Altitude, "band at x=%v should be flat, not a ramp", b.x)
		assert.InDelta(t, b.alt, *a.Altitude, 0.01, "band at x=%v", b.x)
	}
}

// TestPipeline_S3_RampWithIdenticalEndpoints is scenario S3: both markers
// bounding a ramp region agree, so it collapses to a single flat area.
func TestPipeline_S3_RampWithIdenticalEndpoints(t *testing.T) {
	space := rectSpace(1, 0, 0, 100, 20)
	space.Ramps = []mapdata.Ramp{{Geometry: space.Geometry}}
	space.AltitudeMarkers = []mapdata.AltitudeMarker{
		{SpaceID: 1, Point: orb.Point{10, 10}, Altitude: 1.00},
		{SpaceID: 1, Point: orb.Point{90, 10}, Altitude: 1.00},
	}

	level := mapdata.Level{ID: 1, BaseAltitude: 0}
	precision := geo.CalculatePrecision(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 20}})
	p := NewPipeline(precision)

	result, err := p.Run([]LevelInput{{Level: level, Spaces: []mapdata.Space{space}}}, nil)
	require.NoError(t, err)

	areas := result[1]
	require.Len(t, areas, 1, "identical ramp endpoints must collapse to one flat area")
	require.NotNil(t, areas[0].Altitude)
	assert.InDelta(t, 1.00, *areas[0].Altitude, 1e-6)
	assert.InDelta(t, 100*20, geo.Area(areas[0].Geometry[0]), 1e-3)
}

// TestPipeline_S4_DisconnectedSpaces is scenario S4: two spaces far apart
// each keep their own marker's altitude; no interpolation crosses the gap.
func TestPipeline_S4_DisconnectedSpaces(t *testing.T) {
	spaceA := rectSpace(1, 0, 0, 10, 10)
	spaceA.AltitudeMarkers = []mapdata.AltitudeMarker{{SpaceID: 1, Point: orb.Point{5, 5}, Altitude: 1.00}}

	spaceB := rectSpace(2, 200, 0, 210, 10)
	spaceB.AltitudeMarkers = []mapdata.AltitudeMarker{{SpaceID: 2, Point: orb.Point{205, 5}, Altitude: 5.00}}

	level := mapdata.Level{ID: 1, BaseAltitude: 0}
	precision := geo.CalculatePrecision(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{210, 10}})
	p := NewPipeline(precision)

	result, err := p.Run([]LevelInput{{Level: level, Spaces: []mapdata.Space{spaceA, spaceB}}}, nil)
	require.NoError(t, err)

	areas := result[1]
	a := areaAt(t, areas, orb.Point{5, 5})
	b := areaAt(t, areas, orb.Point{205, 5})
	require.NotNil(t, a.Altitude)
	require.NotNil(t, b.Altitude)
	assert.InDelta(t, 1.00, *a.Altitude, 1e-6)
	assert.InDelta(t, 5.00, *b.Altitude, 1e-6)
}

// TestPipeline_S2_TShapedStaircaseBranching is scenario S2: a T-shaped space
// branches the Phase D/E graph instead of the single chain S1 walks. The two
// legs of the bottom bar both anchor at the same altitude, so only the stem
// path drives interpolation, and the stem's shared band must not be
// recomputed once a branch has already anchored it.
func TestPipeline_S2_TShapedStaircaseBranching(t *testing.T) {
	tShape := orb.Polygon{orb.Ring{
		{-25, 0}, {25, 0}, {25, 10}, {5, 10}, {5, 30}, {-5, 30}, {-5, 10}, {-25, 10}, {-25, 0},
	}}
	space := mapdata.Space{ID: 1, Geometry: tShape}
	space.Stairs = []mapdata.Stairs{
		verticalStairs(15, -1, 31),
		verticalStairs(-15, -1, 31),
		verticalStairs(5, -1, 31),
		verticalStairs(-5, -1, 31),
		horizontalStairs(20, -6, 6),
	}
	space.AltitudeMarkers = []mapdata.AltitudeMarker{
		{SpaceID: 1, Point: orb.Point{20, 5}, Altitude: 1.00},
		{SpaceID: 1, Point: orb.Point{-20, 5}, Altitude: 1.00},
		{SpaceID: 1, Point: orb.Point{0, 25}, Altitude: 2.00},
	}

	level := mapdata.Level{ID: 1, BaseAltitude: 0}
	precision := geo.CalculatePrecision(orb.Bound{Min: orb.Point{-25, 0}, Max: orb.Point{25, 30}})
	p := NewPipeline(precision)

	result, err := p.Run([]LevelInput{{Level: level, Spaces: []mapdata.Space{space}}}, nil)
	require.NoError(t, err)

	areas := result[1]
	require.NotEmpty(t, areas)

	points := []struct {
		name string
		p    orb.Point
		alt  float64
	}{
		{"left outer (marker)", orb.Point{-20, 5}, 1.00},
		{"right outer (marker)", orb.Point{20, 5}, 1.00},
		{"left inner", orb.Point{-10, 5}, 1.33},
		{"right inner", orb.Point{10, 5}, 1.33},
		{"stem base, shared by both branches", orb.Point{0, 15}, 1.67},
		{"stem top (marker)", orb.Point{0, 25}, 2.00},
	}
	for _, pt := range points {
		a := areaAt(t, areas, pt.p)
		require.NotNil(t, a.Altitude, "%s should be flat, not a ramp", pt.name)
		assert.InDelta(t, pt.alt, *a.Altitude, 0.01, pt.name)
	}
}

// TestCollectLevel_SeparatesRaisedObstacles is the Phase A half of raised-
// obstacle handling: floor obstacles (Altitude == 0) stay in the Phase B/C
// set, raised obstacles (Altitude != 0) must survive into their own set
// instead of being dropped, so Phase G ever sees them.
func TestCollectLevel_SeparatesRaisedObstacles(t *testing.T) {
	space := rectSpace(1, 0, 0, 10, 10)
	space.Obstacles = []mapdata.Obstacle{
		{ID: 1, SpaceID: 1, Geometry: orb.Polygon{orb.Ring{{1, 1}, {2, 1}, {2, 2}, {1, 2}, {1, 1}}}, Altitude: 0},
		{ID: 2, SpaceID: 1, Geometry: orb.Polygon{orb.Ring{{5, 5}, {6, 5}, {6, 6}, {5, 6}, {5, 5}}}, Altitude: 0.3},
	}

	p := NewPipeline(0.01)
	c := p.collectLevel(LevelInput{Level: mapdata.Level{ID: 1}, Spaces: []mapdata.Space{space}})

	require.Len(t, c.obstacles, 1, "floor obstacle stays in the Phase B/C set")
	require.Len(t, c.raisedObstacles, 1, "raised obstacle must not be dropped")
}

// TestReassignObstacles_PicksHighestTouchingAltitude is Phase G: a raised
// obstacle straddling the boundary between two already-interpolated flat
// areas joins whichever neighbor has the higher altitude.
func TestReassignObstacles_PicksHighestTouchingAltitude(t *testing.T) {
	p := NewPipeline(0.01)

	lowAlt, highAlt := 1.0, 2.0
	low := &areaNode{geom: orb.Polygon{orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, altitude: &lowAlt}
	high := &areaNode{geom: orb.Polygon{orb.Ring{{10, 0}, {20, 0}, {20, 10}, {10, 10}, {10, 0}}}, altitude: &highAlt}

	// Flush against the shared wall at x=10, so it touches both neighbors.
	obstacle := orb.Polygon{orb.Ring{{8, 4}, {10, 4}, {10, 6}, {8, 6}, {8, 4}}}

	result := p.reassignObstacles([]orb.Polygon{obstacle}, []*areaNode{low, high})
	require.Len(t, result, 2)

	require.NotNil(t, result[1].altitude)
	assert.InDelta(t, 2.0, *result[1].altitude, 1e-9, "merging changes geometry, not the area's own altitude")
	assert.True(t, geo.PointInPolygon(orb.Point{9, 5}, result[1].geom[0]),
		"obstacle should be unioned into the higher-altitude neighbor's geometry")
}
