// Package geo provides the great-circle distance and uniform lat/lon grid
// arithmetic used to bound spatial queries to nearby cells.
package geo

import (
	"fmt"
	"math"

	"github.com/hb9tf/argus/signal"
)

const (
	earthRadiusMeters = 6_371_000

	// metersPerDegree is the meridian arc length of one degree of
	// latitude; longitude degrees shrink by cos(lat).
	metersPerDegree = 111_320

	// DefaultCellMeters is the nominal grid cell edge. It matches the
	// typical query radius so that most lookups scan a cell and its 8
	// neighbors.
	DefaultCellMeters = 500
)

// Haversine returns the great-circle distance in meters between two
// latitude/longitude points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Grid buckets coordinates into uniform cells of a fixed nominal edge
// length. Cell keys are stable strings of the form "x:y" so they can be
// stored alongside each signal and indexed.
type Grid struct {
	cellDeg float64
}

// NewGrid returns a grid with the given nominal cell edge in meters.
func NewGrid(cellMeters float64) Grid {
	if cellMeters <= 0 {
		cellMeters = DefaultCellMeters
	}
	return Grid{cellDeg: cellMeters / metersPerDegree}
}

// CellKey returns the key of the cell containing the point.
func (g Grid) CellKey(lat, lon float64) string {
	x := int64(math.Floor(lat / g.cellDeg))
	y := int64(math.Floor(lon / g.cellDeg))
	return fmt.Sprintf("%d:%d", x, y)
}

// CellCenter returns the center coordinate of the cell containing the
// point.
func (g Grid) CellCenter(lat, lon float64) (float64, float64) {
	x := math.Floor(lat / g.cellDeg)
	y := math.Floor(lon / g.cellDeg)
	return (x + 0.5) * g.cellDeg, (y + 0.5) * g.cellDeg
}

// CoverRadius returns the keys of every cell that can contain a point
// within radiusMeters of the center. The ring expands beyond the
// immediate 8 neighbors when the radius exceeds the cell edge, so radius
// filtering never misses a signal held in an indexed cell.
func (g Grid) CoverRadius(lat, lon, radiusMeters float64) []string {
	latSpan := int64(math.Ceil(radiusMeters / (g.cellDeg * metersPerDegree)))

	// Longitude cells narrow towards the poles. At the pole itself the
	// ring degenerates, so cover the whole ring rather than miss cells
	// across it; that is also the cap on the computed span.
	lonMeters := g.cellDeg * metersPerDegree * math.Cos(lat*math.Pi/180)
	lonSpan := int64(math.Ceil(180 / g.cellDeg))
	if lonMeters > 1 {
		if span := int64(math.Ceil(radiusMeters / lonMeters)); span < lonSpan {
			lonSpan = span
		}
	}

	cx := int64(math.Floor(lat / g.cellDeg))
	cy := int64(math.Floor(lon / g.cellDeg))

	keys := make([]string, 0, (2*latSpan+1)*(2*lonSpan+1))
	for x := cx - latSpan; x <= cx+latSpan; x++ {
		for y := cy - lonSpan; y <= cy+lonSpan; y++ {
			keys = append(keys, fmt.Sprintf("%d:%d", x, y))
		}
	}
	return keys
}

// CoverBox returns the keys of every cell overlapping the bounding box.
func (g Grid) CoverBox(b signal.BoundingBox) []string {
	x0 := int64(math.Floor(b.MinLat / g.cellDeg))
	x1 := int64(math.Floor(b.MaxLat / g.cellDeg))
	y0 := int64(math.Floor(b.MinLon / g.cellDeg))
	y1 := int64(math.Floor(b.MaxLon / g.cellDeg))

	keys := make([]string, 0, (x1-x0+1)*(y1-y0+1))
	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			keys = append(keys, fmt.Sprintf("%d:%d", x, y))
		}
	}
	return keys
}

// BoxRadius returns the center of the box and the haversine distance from
// the center to a corner, i.e. the smallest center/radius disc covering
// the whole box.
func BoxRadius(b signal.BoundingBox) (lat, lon, radiusMeters float64) {
	lat = (b.MinLat + b.MaxLat) / 2
	lon = (b.MinLon + b.MaxLon) / 2
	radiusMeters = Haversine(lat, lon, b.MaxLat, b.MaxLon)
	return lat, lon, radiusMeters
}
