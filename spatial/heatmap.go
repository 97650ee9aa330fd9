package spatial

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hb9tf/argus/signal"
)

var (
	// Colors defining the gradient in the heatmap. The higher the index, the warmer.
	heatColors = map[int]color.RGBA{
		0: {0, 0, 0, 255},       // black
		1: {0, 0, 255, 255},     // blue
		2: {0, 255, 255, 255},   // cyan
		3: {0, 255, 0, 255},     // green
		4: {255, 255, 0, 255},   // yellow
		5: {255, 0, 0, 255},     // red
		6: {255, 255, 255, 255}, // white
	}

	labelColor      = color.RGBA{255, 255, 255, 255}
	backgroundColor = color.RGBA{0, 0, 0, 255}
)

const labelMargin = 14 // pixels

// heatColor determines the color of a pixel based on a color gradient and a pixel "level".
// http://www.andrewnoske.com/wiki/Code_-_heatmaps_and_color_gradients
func heatColor(lvl uint16) color.RGBA {
	for i := 0; i < len(heatColors); i++ {
		currC := heatColors[i]
		currV := uint16(i * math.MaxUint16 / len(heatColors))
		if lvl < currV {
			prevC := heatColors[int(math.Max(0.0, float64(i-1)))]
			diff := uint16(math.Max(0.0, float64(i-1)))*math.MaxUint16/uint16(len(heatColors)) - currV
			fract := 0.0
			if diff != 0 {
				fract = float64(lvl) - float64(currV)/float64(diff)
			}
			return color.RGBA{
				uint8(float64(prevC.R-currC.R)*fract + float64(currC.R)),
				uint8(float64(prevC.G-currC.G)*fract + float64(currC.G)),
				uint8(float64(prevC.B-currC.B)*fract + float64(currC.B)),
				uint8(float64(prevC.A-currC.A)*fract + float64(currC.A)),
			}
		}
	}
	return heatColors[len(heatColors)-1]
}

// Heatmap renders a density partition as a width x height image: one
// shaded rectangle per cell, warmer meaning denser, with a summary label
// along the bottom edge.
func Heatmap(cells []DensityCell, box signal.BoundingBox, gridSize, width, height int) (*image.RGBA, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}
	if gridSize <= 0 || width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid render dimensions: grid %d, %dx%d", gridSize, width, height)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height+labelMargin))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{backgroundColor}, image.Point{}, draw.Src)

	maxDensity := 0
	total := 0
	for _, c := range cells {
		total += c.Density
		if c.Density > maxDensity {
			maxDensity = c.Density
		}
	}

	latStep := (box.MaxLat - box.MinLat) / float64(gridSize)
	lonStep := (box.MaxLon - box.MinLon) / float64(gridSize)
	cellW := float64(width) / float64(gridSize)
	cellH := float64(height) / float64(gridSize)
	for _, c := range cells {
		x := int((c.Lon - box.MinLon) / lonStep)
		y := int((c.Lat - box.MinLat) / latStep)
		if x < 0 || x >= gridSize || y < 0 || y >= gridSize {
			continue
		}
		lvl := uint16(float64(c.Density) / float64(maxDensity) * math.MaxUint16)
		// Image rows grow downwards while latitude grows upwards.
		rect := image.Rect(
			int(float64(x)*cellW), int(float64(gridSize-1-y)*cellH),
			int(float64(x+1)*cellW), int(float64(gridSize-y)*cellH),
		)
		draw.Draw(canvas, rect, &image.Uniform{heatColor(lvl)}, image.Point{}, draw.Src)
	}

	label := fmt.Sprintf("%d signals, %d cells, max %d/cell", total, len(cells), maxDensity)
	drawLabel(canvas, 4, height+labelMargin-4, label)
	return canvas, nil
}

func drawLabel(img *image.RGBA, x, y int, label string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(label)
}
