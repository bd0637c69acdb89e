package render

import (
	"testing"

	"github.com/c3nav/mpc/internal/geo"
	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rect(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}}
}

func triArea(tris []mapdata.Triangle) float64 {
	sum := 0.0
	for _, tri := range tris {
		ring := orb.Ring{tri[0], tri[1], tri[2], tri[0]}
		sum += geo.Area(orb.Polygon{ring})
	}
	return sum
}

// TestCompose_SingleLevelNoCrop exercises the simplest shape: one
// sublevel, no holes above it, so no crop mask ever applies and the
// triangulated walls cover exactly the input polygon's area (invariant 8:
// rendered wall coverage equals the source geometry within precision).
func TestCompose_SingleLevelNoCrop(t *testing.T) {
	wall := rect(0, 0, 10, 10)
	level := mapdata.Level{ID: 1, BaseAltitude: 0, DefaultHeight: 3, DoorHeight: 2}

	c := NewComposer(0.01)
	out := c.Compose(RenderInput{
		ThemeID: 1,
		Sublevels: []LevelData{
			{Level: level, Walls: []orb.Polygon{wall}, Buildings: []orb.Polygon{wall}, MinAltitude: 0},
		},
	})

	require.Len(t, out.Levels, 1)
	assert.InDelta(t, 100.0, triArea(out.Levels[0].Walls), 0.1)
	assert.NotEmpty(t, out.MeshVertices)
	assert.NotEmpty(t, out.MeshFaces)
}

// TestCompose_CropMaskStopsWhenHolesEmpty is scenario-shaped per spec
// §4.4 step 2: a second-primary-level sublevel with no holes means the
// crop never activates for anything below it, so the lower sublevel's
// full building footprint survives uncropped.
func TestCompose_CropMaskStopsWhenHolesEmpty(t *testing.T) {
	top := mapdata.Level{ID: 2, BaseAltitude: 10, DefaultHeight: 3, DoorHeight: 2}
	bottom := mapdata.Level{ID: 1, BaseAltitude: 0, DefaultHeight: 3, DoorHeight: 2}
	floor := rect(0, 0, 20, 20)

	c := NewComposer(0.01)
	out := c.Compose(RenderInput{
		ThemeID: 1,
		Sublevels: []LevelData{
			{Level: top, Buildings: []orb.Polygon{floor}, Walls: []orb.Polygon{floor}, Holes: nil},
			{Level: bottom, Buildings: []orb.Polygon{floor}, Walls: []orb.Polygon{floor}},
		},
	})

	require.Len(t, out.Levels, 2)
	assert.InDelta(t, 400.0, triArea(out.Levels[1].Buildings), 0.1)
}

// TestCompose_RestrictedAreaIndoorOutdoorSplit checks that a restricted
// region inside the building footprint is classified indoors and one
// entirely outside it is classified outdoors.
func TestCompose_RestrictedAreaIndoorOutdoorSplit(t *testing.T) {
	building := rect(0, 0, 100, 100)
	indoorRestricted := rect(10, 10, 20, 20)
	outdoorRestricted := rect(200, 200, 210, 210)

	level := mapdata.Level{ID: 1, BaseAltitude: 0, DefaultHeight: 3, DoorHeight: 2}
	c := NewComposer(0.01)
	out := c.Compose(RenderInput{
		ThemeID: 1,
		Sublevels: []LevelData{{
			Level:     level,
			Buildings: []orb.Polygon{building},
			RestrictedAreas: map[mapdata.AccessRestriction][]orb.Polygon{
				1: {indoorRestricted, outdoorRestricted},
			},
		}},
	})

	require.Len(t, out.Levels, 1)
	assert.NotEmpty(t, out.Levels[0].RestrictedSpacesIndoors)
	assert.NotEmpty(t, out.Levels[0].RestrictedSpacesOutdoors)
	assert.True(t, out.AccessRestrictionAffected[1])
}

// TestCompose_WallShortensUnderSublevelBelowAltitudeArea checks the sloped
// inter-level transition: the portion of an upper-level wall overlapping
// the lower level's altitude area stops at the lower level's floor instead
// of extruding to the upper level's own ceiling, while the rest of the
// wall keeps its full height.
func TestCompose_WallShortensUnderSublevelBelowAltitudeArea(t *testing.T) {
	top := mapdata.Level{ID: 2, BaseAltitude: 10, DefaultHeight: 3, DoorHeight: 2}
	bottom := mapdata.Level{ID: 1, BaseAltitude: 0, DefaultHeight: 3, DoorHeight: 2}

	wall := rect(0, 0, 10, 10)
	overlapping := rect(0, 0, 5, 10) // half of the wall's footprint
	alt := 0.0

	c := NewComposer(0.01)
	out := c.Compose(RenderInput{
		ThemeID: 1,
		Sublevels: []LevelData{
			{Level: top, Walls: []orb.Polygon{wall}, Buildings: []orb.Polygon{wall}},
			{
				Level:         bottom,
				Buildings:     []orb.Polygon{wall},
				AltitudeAreas: []mapdata.AltitudeArea{{Geometry: orb.MultiPolygon{overlapping}, Altitude: &alt}},
			},
		},
	})

	require.NotEmpty(t, out.MeshVertices)

	var sawFullHeight, sawShortened bool
	for _, v := range out.MeshVertices {
		switch {
		case v.Z == top.BaseAltitude+top.DefaultHeight:
			sawFullHeight = true
		case v.Z == bottom.BaseAltitude && v.X <= 5:
			sawShortened = true
		}
	}
	assert.True(t, sawFullHeight, "the non-overlapping part of the wall must still reach the upper level's ceiling")
	assert.True(t, sawShortened, "the overlapping part of the wall must stop at the lower level's floor")
}

func TestEarClip_Square(t *testing.T) {
	tris := earClip(orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}})
	require.Len(t, tris, 2)
	assert.InDelta(t, 100.0, triArea(tris), 1e-6)
}
