package geo

import (
	"math"
	"testing"

	"github.com/hb9tf/argus/signal"
)

func TestHaversine(t *testing.T) {
	for _, tc := range []struct {
		desc                   string
		lat1, lon1, lat2, lon2 float64
		wantMeters             float64
		tolerance              float64
	}{
		{
			desc: "same point",
			lat1: 47.3769, lon1: 8.5417,
			lat2: 47.3769, lon2: 8.5417,
			wantMeters: 0,
			tolerance:  0.001,
		},
		{
			desc: "one degree of latitude",
			lat1: 0, lon1: 0,
			lat2: 1, lon2: 0,
			wantMeters: 111_195,
			tolerance:  50,
		},
		{
			desc: "zurich to bern",
			lat1: 47.3769, lon1: 8.5417,
			lat2: 46.9480, lon2: 7.4474,
			wantMeters: 95_000,
			tolerance:  2_000,
		},
		{
			desc: "antipodal-ish across equator",
			lat1: 0, lon1: 0,
			lat2: 0, lon2: 180,
			wantMeters: math.Pi * 6_371_000,
			tolerance:  100,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			got := Haversine(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			if math.Abs(got-tc.wantMeters) > tc.tolerance {
				t.Errorf("Haversine(%v, %v, %v, %v) = %v, want %v (+/- %v)",
					tc.lat1, tc.lon1, tc.lat2, tc.lon2, got, tc.wantMeters, tc.tolerance)
			}
		})
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := Haversine(47.3769, 8.5417, 46.9480, 7.4474)
	b := Haversine(46.9480, 7.4474, 47.3769, 8.5417)
	if math.Abs(a-b) > 1e-6 {
		t.Errorf("Haversine not symmetric: %v vs %v", a, b)
	}
}

func TestCellKeyStable(t *testing.T) {
	g := NewGrid(500)
	key := g.CellKey(47.3769, 8.5417)
	if key == "" {
		t.Fatal("CellKey returned empty key")
	}
	if got := g.CellKey(47.3769, 8.5417); got != key {
		t.Errorf("CellKey not stable: %q vs %q", got, key)
	}
	// A point in a different cell gets a different key.
	if got := g.CellKey(47.3769+1, 8.5417); got == key {
		t.Errorf("CellKey for distant point matches: %q", got)
	}
}

func TestCellCenterWithinCell(t *testing.T) {
	g := NewGrid(500)
	lat, lon := g.CellCenter(47.3769, 8.5417)
	if g.CellKey(lat, lon) != g.CellKey(47.3769, 8.5417) {
		t.Errorf("CellCenter (%v, %v) not in the same cell as the input point", lat, lon)
	}
}

// Points within the query radius must always land in a covered cell,
// even when the radius is a multiple of the cell edge.
func TestCoverRadiusNoFalseNegatives(t *testing.T) {
	g := NewGrid(500)
	centerLat, centerLon := 47.3769, 8.5417

	for _, radius := range []float64{100, 500, 1_500, 5_000} {
		cells := make(map[string]bool)
		for _, key := range g.CoverRadius(centerLat, centerLon, radius) {
			cells[key] = true
		}

		// Probe points on a ring just inside the radius in 8 directions
		// plus the center itself.
		probes := []struct{ dLat, dLon float64 }{{0, 0}}
		for i := 0; i < 8; i++ {
			angle := float64(i) * math.Pi / 4
			d := (radius - 1) / metersPerDegree
			probes = append(probes, struct{ dLat, dLon float64 }{
				dLat: d * math.Cos(angle),
				dLon: d * math.Sin(angle) / math.Cos(centerLat*math.Pi/180),
			})
		}
		for _, p := range probes {
			lat, lon := centerLat+p.dLat, centerLon+p.dLon
			if d := Haversine(centerLat, centerLon, lat, lon); d > radius {
				continue
			}
			if key := g.CellKey(lat, lon); !cells[key] {
				t.Errorf("radius %v: point (%v, %v) inside radius but cell %s not covered",
					radius, lat, lon, key)
			}
		}
	}
}

func TestCoverRadiusMinimumNeighborhood(t *testing.T) {
	g := NewGrid(500)
	// At the equator cells are square, so a radius of at most one cell
	// edge scans the cell plus its 8 neighbors.
	if got := len(g.CoverRadius(0, 8.5417, 400)); got != 9 {
		t.Errorf("CoverRadius(400m) at the equator covered %d cells, want 9", got)
	}
	// At 47N a 500m cell is only ~340m wide in longitude, so the same
	// radius needs two cells of slack east and west: 3 rows x 5 columns.
	if got := len(g.CoverRadius(47.3769, 8.5417, 400)); got != 15 {
		t.Errorf("CoverRadius(400m) at 47N covered %d cells, want 15", got)
	}
}

func TestCoverRadiusNearPole(t *testing.T) {
	g := NewGrid(500)
	// Within a stone's throw of the pole the longitude ring collapses:
	// a point 90 degrees of longitude away is only meters distant and
	// must still land in a covered cell.
	centerLat, centerLon := 89.9999, 0.0
	lat, lon := 89.9999, 90.0
	if d := Haversine(centerLat, centerLon, lat, lon); d > 500 {
		t.Fatalf("test geometry off: probe point %vm away, want within 500m", d)
	}
	cells := make(map[string]bool)
	for _, key := range g.CoverRadius(centerLat, centerLon, 500) {
		cells[key] = true
	}
	if key := g.CellKey(lat, lon); !cells[key] {
		t.Errorf("near-pole point (%v, %v) inside radius but cell %s not covered", lat, lon, key)
	}
}

func TestCoverBox(t *testing.T) {
	g := NewGrid(500)
	box := signal.BoundingBox{MinLat: 47.37, MinLon: 8.54, MaxLat: 47.38, MaxLon: 8.55}
	cells := make(map[string]bool)
	for _, key := range g.CoverBox(box) {
		cells[key] = true
	}
	for _, p := range []struct{ lat, lon float64 }{
		{47.37, 8.54},
		{47.38, 8.55},
		{47.375, 8.545},
	} {
		if key := g.CellKey(p.lat, p.lon); !cells[key] {
			t.Errorf("cell %s for in-box point (%v, %v) not covered", key, p.lat, p.lon)
		}
	}
}

func TestBoxRadiusCoversCorners(t *testing.T) {
	box := signal.BoundingBox{MinLat: 47.37, MinLon: 8.54, MaxLat: 47.38, MaxLon: 8.55}
	lat, lon, radius := BoxRadius(box)
	for _, corner := range []struct{ lat, lon float64 }{
		{box.MinLat, box.MinLon},
		{box.MinLat, box.MaxLon},
		{box.MaxLat, box.MinLon},
		{box.MaxLat, box.MaxLon},
	} {
		if d := Haversine(lat, lon, corner.lat, corner.lon); d > radius+1 {
			t.Errorf("corner (%v, %v) at %vm outside covering radius %vm", corner.lat, corner.lon, d, radius)
		}
	}
}

func TestNewGridDefault(t *testing.T) {
	if got, want := NewGrid(0), NewGrid(DefaultCellMeters); got != want {
		t.Errorf("NewGrid(0) = %+v, want default %+v", got, want)
	}
}
