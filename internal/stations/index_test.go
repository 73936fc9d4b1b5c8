package stations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weatherguard/weatherguard/internal/types"
)

// A small grid around central Singapore; spacing is a few km.
func testStations() []types.Station {
	return []types.Station{
		{StationID: "S1", Name: "Central", Latitude: 1.3000, Longitude: 103.8000},
		{StationID: "S2", Name: "East", Latitude: 1.3000, Longitude: 103.8500},
		{StationID: "S3", Name: "North", Latitude: 1.3500, Longitude: 103.8000},
		{StationID: "S4", Name: "Far", Latitude: 1.4500, Longitude: 103.9500},
	}
}

func TestIndexReady(t *testing.T) {
	ix := NewIndex()
	assert.False(t, ix.Ready())

	ix.Rebuild(testStations()[:1])
	assert.False(t, ix.Ready())

	ix.Rebuild(testStations())
	assert.True(t, ix.Ready())
	assert.Equal(t, 4, ix.Len())
}

func TestNeighborsExcludesSelfAndSorts(t *testing.T) {
	ix := NewIndex()
	ix.Rebuild(testStations())

	got := ix.Neighbors("S1", 3)
	require.Len(t, got, 3)
	for _, nb := range got {
		assert.NotEqual(t, "S1", nb.Station.StationID)
	}
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].DistanceKM, got[i].DistanceKM)
	}
	// S2 (same latitude, 0.05 deg east ~ 5.6km) and S3 (0.05 deg north ~
	// 5.6km) are both nearer than S4.
	assert.Equal(t, "S4", got[2].Station.StationID)
}

func TestNeighborsDistances(t *testing.T) {
	ix := NewIndex()
	ix.Rebuild(testStations())

	got := ix.Neighbors("S1", 1)
	require.Len(t, got, 1)
	// 0.05 degrees of latitude or longitude near the equator is ~5.6km.
	assert.InDelta(t, 5.57, got[0].DistanceKM, 0.2)
}

func TestNeighborsRespectsK(t *testing.T) {
	ix := NewIndex()
	ix.Rebuild(testStations())

	assert.Len(t, ix.Neighbors("S1", 2), 2)
	// K larger than the population returns everyone else.
	assert.Len(t, ix.Neighbors("S1", 10), 3)
}

func TestNeighborsUnknownStation(t *testing.T) {
	ix := NewIndex()
	ix.Rebuild(testStations())
	assert.Nil(t, ix.Neighbors("nope", 3))
}

func TestRebuildReplacesContents(t *testing.T) {
	ix := NewIndex()
	ix.Rebuild(testStations())
	require.True(t, ix.Ready())

	ix.Rebuild(testStations()[:2])
	assert.Equal(t, 2, ix.Len())
	got := ix.Neighbors("S1", 5)
	require.Len(t, got, 1)
	assert.Equal(t, "S2", got[0].Station.StationID)
}
