// Package spatial serves the bounded-radius, area, path and density
// query shapes over a storage tier. Queries are grid-bounded first and
// haversine-exact second, so cost scales with local density rather than
// store size.
package spatial

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hb9tf/argus/filter"
	"github.com/hb9tf/argus/geo"
	"github.com/hb9tf/argus/signal"
	"github.com/hb9tf/argus/store"
)

const (
	// DefaultMaxRadiusMeters caps a single radius query.
	DefaultMaxRadiusMeters = 50_000
	// DefaultMaxLimit caps the result size of any query.
	DefaultMaxLimit = 10_000
	// DefaultLimit applies when the caller does not ask for one.
	DefaultLimit = 1_000

	// maxDensityGridSize bounds the density partitioning.
	maxDensityGridSize = 200

	// pathConcurrency bounds the per-point fan-out of path queries.
	pathConcurrency = 4
)

// ErrBadQuery marks query parameter violations (oversized radius or
// limit, malformed boxes); they are client errors, not storage failures.
var ErrBadQuery = errors.New("bad query")

// Config bounds worst-case query cost. Zero values fall back to the
// defaults above.
type Config struct {
	MaxRadiusMeters float64
	MaxLimit        int
	CellMeters      float64
}

// Engine answers spatial queries against a single storage tier.
type Engine struct {
	store     store.Store
	grid      geo.Grid
	maxRadius float64
	maxLimit  int
}

// New returns an engine over the given tier (typically the facade).
func New(s store.Store, cfg Config) *Engine {
	if cfg.MaxRadiusMeters <= 0 {
		cfg.MaxRadiusMeters = DefaultMaxRadiusMeters
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = DefaultMaxLimit
	}
	return &Engine{
		store:     s,
		grid:      geo.NewGrid(cfg.CellMeters),
		maxRadius: cfg.MaxRadiusMeters,
		maxLimit:  cfg.MaxLimit,
	}
}

// checkBounds rejects oversized radius or limit requests outright; they
// are client errors, not silently truncated.
func (e *Engine) checkBounds(radiusMeters float64, limit int) (int, error) {
	if radiusMeters <= 0 {
		return 0, fmt.Errorf("%w: radius must be positive, got %v", ErrBadQuery, radiusMeters)
	}
	if radiusMeters > e.maxRadius {
		return 0, fmt.Errorf("%w: radius %v exceeds maximum %v", ErrBadQuery, radiusMeters, e.maxRadius)
	}
	if limit > e.maxLimit {
		return 0, fmt.Errorf("%w: limit %d exceeds maximum %d", ErrBadQuery, limit, e.maxLimit)
	}
	if limit <= 0 {
		limit = DefaultLimit
		if limit > e.maxLimit {
			limit = e.maxLimit
		}
	}
	return limit, nil
}

// SignalsInRadius returns signals within radiusMeters of the point whose
// timestamp falls in [startMs, endMs], most recent first with ids as the
// tie break, capped at limit. startMs defaults to 0 and endMs to now.
//
// Candidates are fetched from the covered cells up to the engine's hard
// result cap before the exact distance filter runs. When a neighborhood
// holds more rows than that cap, older in-radius signals beyond it are
// not considered; the result is then the most recent slice of the
// neighborhood, not an exhaustive one.
func (e *Engine) SignalsInRadius(ctx context.Context, lat, lon, radiusMeters float64, startMs, endMs int64, limit int, filters ...filter.Filterer) ([]signal.Signal, error) {
	limit, err := e.checkBounds(radiusMeters, limit)
	if err != nil {
		return nil, err
	}
	if endMs <= 0 {
		endMs = time.Now().UnixMilli()
	}

	cells := e.grid.CoverRadius(lat, lon, radiusMeters)
	// Fetch up to the hard cap before the exact distance filter so that
	// near-boundary candidates cannot crowd out qualifying signals.
	candidates, err := e.store.SignalsInCells(ctx, cells, startMs, endMs, e.maxLimit)
	if err != nil {
		return nil, fmt.Errorf("radius query at (%v, %v): %w", lat, lon, err)
	}

	within := candidates[:0]
	for i := range candidates {
		if geo.Haversine(lat, lon, candidates[i].Lat, candidates[i].Lon) <= radiusMeters {
			within = append(within, candidates[i])
		}
	}
	within = filter.Apply(within, filters)
	if len(within) > limit {
		within = within[:limit]
	}
	return within, nil
}

// DevicesInArea returns devices whose last known position lies inside
// the bounding box.
func (e *Engine) DevicesInArea(ctx context.Context, box signal.BoundingBox) ([]signal.Device, error) {
	if err := box.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadQuery, err)
	}
	return e.store.DevicesInArea(ctx, box)
}

// SignalsAlongPath unions per-point radius queries along a movement
// track, de-duplicates by id and returns the result in timestamp
// ascending order.
func (e *Engine) SignalsAlongPath(ctx context.Context, points []signal.Position, radiusMeters float64, filters ...filter.Filterer) ([]signal.Signal, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: path query needs at least one point", ErrBadQuery)
	}
	if _, err := e.checkBounds(radiusMeters, 0); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var union []signal.Signal

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pathConcurrency)
	for _, p := range points {
		p := p
		g.Go(func() error {
			signals, err := e.SignalsInRadius(gctx, p.Lat, p.Lon, radiusMeters, 0, 0, e.maxLimit, filters...)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for i := range signals {
				if seen[signals[i].ID] {
					continue
				}
				seen[signals[i].ID] = true
				union = append(union, signals[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(union, func(i, j int) bool {
		if union[i].Timestamp != union[j].Timestamp {
			return union[i].Timestamp < union[j].Timestamp
		}
		return union[i].ID < union[j].ID
	})
	return union, nil
}

// DensityCell is one non-empty cell of a density partition, addressed by
// its center coordinate.
type DensityCell struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Density int     `json:"density"`
}

// Density partitions the box into gridSize x gridSize cells and counts
// signals per cell, emitting only non-empty cells.
func (e *Engine) Density(ctx context.Context, box signal.BoundingBox, gridSize int, filters ...filter.Filterer) ([]DensityCell, error) {
	if err := box.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadQuery, err)
	}
	if gridSize <= 0 || gridSize > maxDensityGridSize {
		return nil, fmt.Errorf("%w: gridSize must be in [1, %d], got %d", ErrBadQuery, maxDensityGridSize, gridSize)
	}

	lat, lon, radius := geo.BoxRadius(box)
	if radius > e.maxRadius {
		return nil, fmt.Errorf("%w: bounding box radius %v exceeds maximum %v", ErrBadQuery, radius, e.maxRadius)
	}
	signals, err := e.SignalsInRadius(ctx, lat, lon, radius, 0, 0, e.maxLimit, filters...)
	if err != nil {
		return nil, err
	}

	latStep := (box.MaxLat - box.MinLat) / float64(gridSize)
	lonStep := (box.MaxLon - box.MinLon) / float64(gridSize)
	if latStep == 0 || lonStep == 0 {
		return nil, fmt.Errorf("%w: bounding box is degenerate: %+v", ErrBadQuery, box)
	}

	counts := make(map[[2]int]int)
	for i := range signals {
		if !box.Contains(signals[i].Lat, signals[i].Lon) {
			continue
		}
		x := int((signals[i].Lat - box.MinLat) / latStep)
		y := int((signals[i].Lon - box.MinLon) / lonStep)
		if x >= gridSize {
			x = gridSize - 1
		}
		if y >= gridSize {
			y = gridSize - 1
		}
		counts[[2]int{x, y}]++
	}

	cells := make([]DensityCell, 0, len(counts))
	for xy, n := range counts {
		cells = append(cells, DensityCell{
			Lat:     box.MinLat + (float64(xy[0])+0.5)*latStep,
			Lon:     box.MinLon + (float64(xy[1])+0.5)*lonStep,
			Density: n,
		})
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Lat != cells[j].Lat {
			return cells[i].Lat < cells[j].Lat
		}
		return cells[i].Lon < cells[j].Lon
	})
	return cells, nil
}
