package locator

import (
	"testing"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func posPeer(id mapdata.ID, x, y, alt float64, spaceID *mapdata.ID) mapdata.LocatorPeer {
	p := orb.Point{x, y}
	return mapdata.LocatorPeer{ID: id, Kind: mapdata.PeerWifi, MAC: "peer", Position: &p, Altitude: alt, SpaceID: spaceID}
}

// TestLocate_Trilateration_Idempotent is invariant 7: identical inputs
// produce bit-identical outputs, across repeated calls.
func TestLocate_Trilateration_Idempotent(t *testing.T) {
	peers := []mapdata.LocatorPeer{
		posPeer(1, 0, 0, 0, nil),
		posPeer(2, 10, 0, 0, nil),
		posPeer(3, 0, 10, 0, nil),
	}
	l := Build(peers, nil, 1<<20)

	scan := mapdata.ScanData{
		1: {RangeM: f(5)},
		2: {RangeM: f(6)},
		3: {RangeM: f(6)},
	}

	first, err := l.Locate(scan, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := l.Locate(scan, nil)
		require.NoError(t, err)
		assert.Equal(t, first, again, "identical scan must yield bit-identical CustomLocation")
	}
	assert.InDelta(t, 2.5, first.Point[0], 2, "estimate should land roughly between the anchors")
}

func TestLocate_WeightedCentroid(t *testing.T) {
	space := mapdata.ID(7)
	peers := []mapdata.LocatorPeer{
		posPeer(1, 0, 0, 2, &space),
		posPeer(2, 10, 0, 2, &space),
	}
	l := Build(peers, nil, 1<<20)

	scan := mapdata.ScanData{
		1: {RSSI: f(-40)},
		2: {RSSI: f(-60)},
	}

	loc, err := l.Locate(scan, nil)
	require.NoError(t, err)
	assert.Less(t, loc.Point[0], 5.0, "closer (stronger) peer should pull the weighted centroid toward it")
}

func TestLocate_NearestFingerprint(t *testing.T) {
	space := mapdata.ID(1)
	peers := []mapdata.LocatorPeer{
		{ID: 1, Kind: mapdata.PeerWifi, MAC: "a"},
	}
	measurements := []RawMeasurement{
		{SpaceID: space, Point: orb.Point{0, 0}, Scans: []RawScan{{PeerID: 1, Reading: mapdata.PeerReading{RSSI: f(-40)}}}},
		{SpaceID: space, Point: orb.Point{100, 100}, Scans: []RawScan{{PeerID: 1, Reading: mapdata.PeerReading{RSSI: f(-80)}}}},
	}
	l := Build(peers, measurements, 1<<20)

	scan := mapdata.ScanData{1: {RSSI: f(-42)}}
	loc, err := l.Locate(scan, nil)
	require.NoError(t, err)
	assert.Equal(t, orb.Point{0, 0}, loc.Point, "closer-matching fingerprint row should win")
}

func TestBuild_AveragesDuplicateReadings(t *testing.T) {
	measurements := []RawMeasurement{
		{SpaceID: 1, Point: orb.Point{0, 0}, Scans: []RawScan{
			{PeerID: 1, Reading: mapdata.PeerReading{RSSI: f(-40)}},
			{PeerID: 1, Reading: mapdata.PeerReading{RSSI: f(-60)}},
		}},
	}
	l := Build(nil, measurements, 1<<20)
	row := l.rows[1][0]
	assert.Equal(t, squareRSSI(-50), row.l[1], "duplicate readings for the same peer must be averaged before squaring")
}
