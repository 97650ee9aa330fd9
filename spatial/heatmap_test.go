package spatial

import (
	"testing"

	"github.com/hb9tf/argus/signal"
)

func TestHeatmap(t *testing.T) {
	box := signal.BoundingBox{MinLat: 47.0, MinLon: 8.0, MaxLat: 47.01, MaxLon: 8.01}
	cells := []DensityCell{
		{Lat: 47.0025, Lon: 8.0025, Density: 4},
		{Lat: 47.0075, Lon: 8.0075, Density: 1},
	}

	img, err := Heatmap(cells, box, 2, 200, 200)
	if err != nil {
		t.Fatalf("Heatmap failed: %s", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != 200 || bounds.Dy() <= 200 {
		t.Errorf("image bounds = %v, want 200 wide and taller than 200 for the label", bounds)
	}

	// The dense lower-left cell renders at the bottom of the image,
	// shaded differently from the sparse upper-right cell.
	dense := img.RGBAAt(50, 150)
	sparse := img.RGBAAt(150, 50)
	if dense == sparse {
		t.Errorf("dense and sparse cells render identically: %v", dense)
	}
}

func TestHeatmapEmptyCells(t *testing.T) {
	box := signal.BoundingBox{MinLat: 47.0, MinLon: 8.0, MaxLat: 47.01, MaxLon: 8.01}
	if _, err := Heatmap(nil, box, 2, 100, 100); err != nil {
		t.Errorf("Heatmap with no cells failed: %s", err)
	}
}

func TestHeatmapBadInput(t *testing.T) {
	box := signal.BoundingBox{MinLat: 47.0, MinLon: 8.0, MaxLat: 47.01, MaxLon: 8.01}
	if _, err := Heatmap(nil, box, 0, 100, 100); err == nil {
		t.Error("Heatmap accepted zero grid size")
	}
	if _, err := Heatmap(nil, box, 2, 0, 100); err == nil {
		t.Error("Heatmap accepted zero width")
	}
	bad := signal.BoundingBox{MinLat: 48, MinLon: 8, MaxLat: 47, MaxLon: 9}
	if _, err := Heatmap(nil, bad, 2, 100, 100); err == nil {
		t.Error("Heatmap accepted inverted box")
	}
}
