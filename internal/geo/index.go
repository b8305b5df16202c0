// Package geo provides an in-memory cell-grid index over moving entities and
// the distance math used by proximity evaluation.
package geo

import (
	"math"
	"sort"
	"sync"

	"farmfinder/go-proximity-server/internal/model"
)

const earthRadiusM = 6371000.0

// DistanceM returns the haversine distance in meters between two points.
func DistanceM(aLat, aLon, bLat, bLon float64) float64 {
	latA := aLat * math.Pi / 180
	latB := bLat * math.Pi / 180
	dLat := (bLat - aLat) * math.Pi / 180
	dLon := (bLon - aLon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Match is one index hit, ordered ascending by distance in query results.
type Match struct {
	ID        string
	Position  model.Position
	DistanceM float64
}

type cellKey struct {
	row int
	col int
}

// Index is a uniform lat/lon grid keyed by cell. Cell edge length is chosen
// close to the query radius so a radius query touches at most a 3x3 block of
// cells plus a haversine filter. Upsert and query are O(1) amortized in the
// number of entities per cell.
type Index struct {
	cellSizeDeg float64

	mu    sync.RWMutex
	cells map[cellKey]map[string]model.Position
	byID  map[string]cellKey
}

// NewIndex builds a grid sized for radius queries around cellSizeM meters.
func NewIndex(cellSizeM float64) *Index {
	if cellSizeM < 50 {
		cellSizeM = 50
	}
	// One degree of latitude is ~111.32km; longitude cells shrink toward the
	// poles, which only makes queries scan a few extra cells, never miss one.
	return &Index{
		cellSizeDeg: cellSizeM / 111320.0,
		cells:       make(map[cellKey]map[string]model.Position),
		byID:        make(map[string]cellKey),
	}
}

func (ix *Index) keyFor(lat, lon float64) cellKey {
	return cellKey{
		row: int(math.Floor(lat / ix.cellSizeDeg)),
		col: int(math.Floor(lon / ix.cellSizeDeg)),
	}
}

// Upsert inserts or relocates an entity.
func (ix *Index) Upsert(id string, pos model.Position) {
	key := ix.keyFor(pos.Latitude, pos.Longitude)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.byID[id]; ok && old != key {
		delete(ix.cells[old], id)
		if len(ix.cells[old]) == 0 {
			delete(ix.cells, old)
		}
	}

	cell, ok := ix.cells[key]
	if !ok {
		cell = make(map[string]model.Position)
		ix.cells[key] = cell
	}
	cell[id] = pos
	ix.byID[id] = key
}

// Remove drops an entity from the index. Unknown ids are a no-op.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	key, ok := ix.byID[id]
	if !ok {
		return
	}
	delete(ix.byID, id)
	delete(ix.cells[key], id)
	if len(ix.cells[key]) == 0 {
		delete(ix.cells, key)
	}
}

// Len reports the number of indexed entities.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// Query returns every indexed entity within radiusM meters of the point,
// ascending by distance. A query racing a concurrent upsert may observe a
// position one update stale, which is acceptable at movement granularity.
func (ix *Index) Query(lat, lon, radiusM float64) []Match {
	// Longitude degrees shrink by cos(lat); widen the column span accordingly.
	latSpan := int(math.Ceil(radiusM/111320.0/ix.cellSizeDeg)) + 1
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	lonSpan := int(math.Ceil(radiusM/(111320.0*cosLat)/ix.cellSizeDeg)) + 1

	center := ix.keyFor(lat, lon)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var matches []Match
	for row := center.row - latSpan; row <= center.row+latSpan; row++ {
		for col := center.col - lonSpan; col <= center.col+lonSpan; col++ {
			cell, ok := ix.cells[cellKey{row: row, col: col}]
			if !ok {
				continue
			}
			for id, pos := range cell {
				d := DistanceM(lat, lon, pos.Latitude, pos.Longitude)
				if d <= radiusM {
					matches = append(matches, Match{ID: id, Position: pos, DistanceM: d})
				}
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].DistanceM != matches[j].DistanceM {
			return matches[i].DistanceM < matches[j].DistanceM
		}
		return matches[i].ID < matches[j].ID
	})
	return matches
}
