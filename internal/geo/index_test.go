package geo

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmfinder/go-proximity-server/internal/model"
)

func pos(lat, lon float64) model.Position {
	return model.Position{Latitude: lat, Longitude: lon, CapturedAt: time.Now()}
}

// offsetLat returns a position meters north of the origin point.
func offsetLat(lat, lon, meters float64) model.Position {
	return pos(lat+meters/111320.0, lon)
}

func TestDistanceM(t *testing.T) {
	// One degree of latitude at the equator is ~111.32km.
	d := DistanceM(0, 0, 1, 0)
	assert.InDelta(t, 111195, d, 250)

	assert.Zero(t, DistanceM(52.52, 13.405, 52.52, 13.405))
}

func TestQueryReturnsAscendingByDistance(t *testing.T) {
	ix := NewIndex(600)

	ix.Upsert("far", offsetLat(0, 0, 900))
	ix.Upsert("near", offsetLat(0, 0, 100))
	ix.Upsert("mid", offsetLat(0, 0, 450))
	ix.Upsert("out", offsetLat(0, 0, 5000))

	matches := ix.Query(0, 0, 1000)
	require.Len(t, matches, 3)
	assert.Equal(t, "near", matches[0].ID)
	assert.Equal(t, "mid", matches[1].ID)
	assert.Equal(t, "far", matches[2].ID)
	assert.InDelta(t, 100, matches[0].DistanceM, 5)
}

func TestUpsertRelocatesAcrossCells(t *testing.T) {
	ix := NewIndex(600)

	ix.Upsert("v1", pos(0, 0))
	require.Len(t, ix.Query(0, 0, 200), 1)

	// Move far enough to land in a different cell.
	ix.Upsert("v1", offsetLat(0, 0, 5000))
	assert.Empty(t, ix.Query(0, 0, 200))

	matches := ix.Query(5000/111320.0, 0, 200)
	require.Len(t, matches, 1)
	assert.Equal(t, "v1", matches[0].ID)
	assert.Equal(t, 1, ix.Len())
}

func TestRemove(t *testing.T) {
	ix := NewIndex(600)
	ix.Upsert("v1", pos(10, 10))
	ix.Remove("v1")
	ix.Remove("v1") // idempotent

	assert.Zero(t, ix.Len())
	assert.Empty(t, ix.Query(10, 10, 1000))
}

func TestQueryNearCellBoundary(t *testing.T) {
	ix := NewIndex(600)

	// Place vendors straddling a cell edge; the 3x3 scan must find both.
	edgeLat := ix.cellSizeDeg * 7
	ix.Upsert("a", pos(edgeLat-0.00001, 0))
	ix.Upsert("b", pos(edgeLat+0.00001, 0))

	matches := ix.Query(edgeLat, 0, 50)
	assert.Len(t, matches, 2)
}

func TestQueryHighLatitude(t *testing.T) {
	ix := NewIndex(600)

	// Near 70N a degree of longitude is ~38km; make sure the widened column
	// span still reaches a vendor 400m east.
	lonOffset := 400.0 / (111320.0 * 0.342)
	ix.Upsert("north", pos(70, 30+lonOffset))

	matches := ix.Query(70, 30, 500)
	require.Len(t, matches, 1)
	assert.InDelta(t, 400, matches[0].DistanceM, 25)
}

func BenchmarkUpsertQuery(b *testing.B) {
	ix := NewIndex(600)
	for i := 0; i < 1000; i++ {
		ix.Upsert(fmt.Sprintf("v%d", i), pos(float64(i%100)/1000.0, float64(i/100)/1000.0))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ix.Upsert("mover", pos(0.05, 0.005))
		ix.Query(0.05, 0.005, 600)
	}
}
