package locator

import (
	"testing"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLive_LocateBeforePublishReturnsError(t *testing.T) {
	l := NewLive(nil)
	_, err := l.Locate(mapdata.ScanData{}, func(orb.Point, float64) mapdata.ID { return 0 })
	require.ErrorIs(t, err, ErrNoLocatorPublished)
}

func TestLive_SwapPublishesNewSnapshot(t *testing.T) {
	l := NewLive(Build(nil, nil, 1<<10))
	assert.NotNil(t, l.Current())

	second := Build(nil, nil, 1<<10)
	l.Swap(second)
	assert.Same(t, second, l.Current())
}
