package changetracker

import (
	"testing"

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

func TestTracker_RegisterAndUnion(t *testing.T) {
	tr := New()
	tr.RegisterChange(1, rect(0, 0, 10, 10), false)
	tr.RegisterChange(1, rect(5, 5, 15, 15), false)

	region, ok := tr.AffectedRegion(1, 0.001)
	require.True(t, ok)
	require.NotEmpty(t, region)
}

func TestTracker_ForceInvalidatesWholeLevel(t *testing.T) {
	tr := New()
	tr.RegisterChange(1, rect(0, 0, 10, 10), false)
	tr.RegisterChange(1, nil, true)

	_, ok := tr.AffectedRegion(1, 0.001)
	assert.False(t, ok, "a forced level should not report a partial region")

	forced := tr.ForcedLevels()
	require.Len(t, forced, 1)
	assert.Equal(t, mapdata.ID(1), forced[0])
}

func TestTracker_ResetClearsState(t *testing.T) {
	tr := New()
	tr.RegisterChange(1, rect(0, 0, 10, 10), false)
	tr.Reset()

	_, ok := tr.AffectedRegion(1, 0.001)
	assert.False(t, ok)
	assert.Empty(t, tr.TouchedLevels())
}

func TestBitmap_PaintAndEncodeRoundTrip(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}
	b := NewBitmap(1, 0, bound, 1.0)
	b.Paint(orb.MultiPolygon{rect(0, 0, 5, 5)}, 42)

	tag, ok := b.At(orb.Point{2, 2})
	require.True(t, ok)
	assert.Equal(t, byte(42), tag)

	tagOutside, ok := b.At(orb.Point{8, 8})
	require.True(t, ok)
	assert.Equal(t, byte(0), tagOutside)

	encoded := b.Encode()
	decoded, err := DecodeBitmap(encoded)
	require.NoError(t, err)
	assert.Equal(t, b.LevelID, decoded.LevelID)
	assert.Equal(t, b.Cols, decoded.Cols)
	assert.Equal(t, b.Rows, decoded.Rows)
	assert.Equal(t, b.Tiles, decoded.Tiles)
}

func TestBitmap_RejectsBadMagic(t *testing.T) {
	_, err := DecodeBitmap([]byte{1, 2, 3, 4})
	require.Error(t, err)
}
