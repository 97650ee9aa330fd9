// Package retention bounds storage growth: age-based chunked deletion,
// rollup aggregation of old fine-grained signals, second-tier rollup
// retention and storage health reporting. Everything here runs on its
// own schedule and must never stall ingestion or queries.
package retention

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/golang/glog"

	"github.com/hb9tf/argus/signal"
	"github.com/hb9tf/argus/store"
)

const (
	// DefaultChunkSize bounds one cleanup transaction; a cancelled run
	// leaves at most one chunk of work uncommitted.
	DefaultChunkSize = 5_000

	DefaultMaxAge              = 7 * 24 * time.Hour
	DefaultAggregationAge      = 24 * time.Hour
	DefaultBucket              = time.Hour
	DefaultCleanupInterval     = time.Hour
	DefaultAggregationInterval = 6 * time.Hour
	DefaultRollupRetentionDays = 90
	DefaultMaxStatsWindow      = 30 * 24 * time.Hour

	// sketchAccuracy is the DDSketch relative accuracy for power
	// percentiles.
	sketchAccuracy = 0.01
)

// ErrWindowTooLarge rejects statistics requests over windows that would
// scan an unbounded amount of data.
var ErrWindowTooLarge = errors.New("time window too large")

// Config tunes the retention schedules. Zero values fall back to the
// defaults above.
type Config struct {
	MaxAge              time.Duration
	AggregationAge      time.Duration
	Bucket              time.Duration
	CleanupInterval     time.Duration
	AggregationInterval time.Duration
	ChunkSize           int
	RollupRetentionDays int
	DeleteAfterRollup   bool
	MaxStatsWindow      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.AggregationAge <= 0 {
		c.AggregationAge = DefaultAggregationAge
	}
	if c.Bucket <= 0 {
		c.Bucket = DefaultBucket
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.AggregationInterval <= 0 {
		c.AggregationInterval = DefaultAggregationInterval
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.RollupRetentionDays <= 0 {
		c.RollupRetentionDays = DefaultRollupRetentionDays
	}
	if c.MaxStatsWindow <= 0 {
		c.MaxStatsWindow = DefaultMaxStatsWindow
	}
	return c
}

// CleanupResult reports one cleanup run.
type CleanupResult struct {
	DeletedSignals int64 `json:"deletedSignals"`
	DeletedDevices int64 `json:"deletedDevices"`
}

// Statistics summarizes the signals in a time window.
type Statistics struct {
	TotalSignals  int64            `json:"totalSignals"`
	UniqueDevices int64            `json:"uniqueDevices"`
	AvgPower      float64          `json:"avgPower"`
	MinPower      float64          `json:"minPower"`
	MaxPower      float64          `json:"maxPower"`
	P50Power      float64          `json:"p50Power"`
	P95Power      float64          `json:"p95Power"`
	FreqBands     map[string]int64 `json:"freqBands"` // band Hz -> count
	TimeRange     signal.TimeRange `json:"timeRange"`
}

// Service runs retention and aggregation against a storage tier.
type Service struct {
	store store.Store
	cfg   Config
}

func New(s store.Store, cfg Config) *Service {
	return &Service{store: s, cfg: cfg.withDefaults()}
}

// RunCleanup deletes signals older than maxAge in bounded chunks, each
// chunk committed independently, then removes devices left without any
// referencing signal. Cancellation between chunks is safe.
func (s *Service) RunCleanup(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	if maxAge <= 0 {
		maxAge = s.cfg.MaxAge
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	var res CleanupResult
	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("cleanup interrupted after %d signals: %w", res.DeletedSignals, err)
		}
		n, err := s.store.DeleteSignalsBefore(ctx, cutoff, s.cfg.ChunkSize)
		if err != nil {
			return res, fmt.Errorf("cleanup chunk failed: %w", err)
		}
		res.DeletedSignals += n
		if n < int64(s.cfg.ChunkSize) {
			break
		}
	}

	devices, err := s.store.DeleteOrphanDevices(ctx)
	if err != nil {
		return res, fmt.Errorf("orphan device cleanup failed: %w", err)
	}
	res.DeletedDevices = devices
	glog.Infof("cleanup: removed %d signals and %d devices older than %s", res.DeletedSignals, res.DeletedDevices, maxAge)
	return res, nil
}

// RunAggregation rolls signals older than the aggregation age up into
// per-(timeBucket, gridCell) rollups, deleting the originals in the same
// transaction when configured to.
func (s *Service) RunAggregation(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.AggregationAge).UnixMilli()
	rolled, err := s.store.AggregateBefore(ctx, cutoff, s.cfg.Bucket.Milliseconds(), s.cfg.DeleteAfterRollup)
	if err != nil {
		return 0, fmt.Errorf("aggregation failed: %w", err)
	}
	if rolled > 0 {
		glog.Infof("aggregation: rolled up %d signals into %s buckets (delete originals: %t)",
			rolled, s.cfg.Bucket, s.cfg.DeleteAfterRollup)
	}
	return rolled, nil
}

// ExportAggregated returns the rollup records in the window.
func (s *Service) ExportAggregated(ctx context.Context, startMs, endMs int64) ([]store.Rollup, error) {
	if endMs <= 0 {
		endMs = time.Now().UnixMilli()
	}
	return s.store.RollupsBetween(ctx, startMs, endMs)
}

// CleanupAggregated is the second retention tier: it removes rollups
// older than daysToKeep days.
func (s *Service) CleanupAggregated(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = s.cfg.RollupRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -daysToKeep).UnixMilli()
	return s.store.DeleteRollupsBefore(ctx, cutoff)
}

// Stats reports storage health for capacity planning.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	return s.store.Stats(ctx)
}

// GrowthTrends returns hourly ingest volume over the trailing window.
func (s *Service) GrowthTrends(ctx context.Context, hours int) ([]store.GrowthBucket, error) {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	return s.store.GrowthBuckets(ctx, since, time.Hour.Milliseconds())
}

// Statistics summarizes the trailing windowMs of signals, including
// DDSketch power percentiles and a frequency band histogram.
func (s *Service) Statistics(ctx context.Context, windowMs int64) (Statistics, error) {
	if windowMs <= 0 {
		windowMs = time.Hour.Milliseconds()
	}
	if windowMs > s.cfg.MaxStatsWindow.Milliseconds() {
		return Statistics{}, fmt.Errorf("%w: %dms exceeds maximum %dms", ErrWindowTooLarge, windowMs, s.cfg.MaxStatsWindow.Milliseconds())
	}
	now := time.Now().UnixMilli()
	samples, err := s.store.StatSamples(ctx, now-windowMs, now)
	if err != nil {
		return Statistics{}, fmt.Errorf("statistics query failed: %w", err)
	}

	stats := Statistics{
		FreqBands: make(map[string]int64),
		MinPower:  math.Inf(1),
		MaxPower:  math.Inf(-1),
	}
	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		return Statistics{}, fmt.Errorf("unable to create power sketch: %w", err)
	}

	devices := make(map[string]bool)
	var powerSum float64
	for _, sample := range samples {
		stats.TotalSignals++
		powerSum += sample.Power
		if sample.Power < stats.MinPower {
			stats.MinPower = sample.Power
		}
		if sample.Power > stats.MaxPower {
			stats.MaxPower = sample.Power
		}
		if sample.DeviceID != "" {
			devices[sample.DeviceID] = true
		}
		if stats.TimeRange.Start == 0 || sample.Timestamp < stats.TimeRange.Start {
			stats.TimeRange.Start = sample.Timestamp
		}
		if sample.Timestamp > stats.TimeRange.End {
			stats.TimeRange.End = sample.Timestamp
		}
		stats.FreqBands[strconv.FormatInt(signal.Band(sample.Frequency), 10)]++
		if err := sketch.Add(sample.Power); err != nil {
			glog.Warningf("unable to add power %v to sketch: %s", sample.Power, err)
		}
	}
	stats.UniqueDevices = int64(len(devices))
	if stats.TotalSignals == 0 {
		stats.MinPower, stats.MaxPower = 0, 0
		return stats, nil
	}
	stats.AvgPower = powerSum / float64(stats.TotalSignals)
	if p50, err := sketch.GetValueAtQuantile(0.5); err == nil {
		stats.P50Power = p50
	}
	if p95, err := sketch.GetValueAtQuantile(0.95); err == nil {
		stats.P95Power = p95
	}
	return stats, nil
}

// Run executes the cleanup and aggregation schedules until the context
// is cancelled. Failures are logged and retried on the next cycle.
func (s *Service) Run(ctx context.Context) {
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()
	aggregate := time.NewTicker(s.cfg.AggregationInterval)
	defer aggregate.Stop()

	glog.Infof("retention schedules: cleanup every %s (max age %s), aggregation every %s (age %s, bucket %s)",
		s.cfg.CleanupInterval, s.cfg.MaxAge, s.cfg.AggregationInterval, s.cfg.AggregationAge, s.cfg.Bucket)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			if _, err := s.RunCleanup(ctx, s.cfg.MaxAge); err != nil {
				glog.Errorf("scheduled cleanup failed, will retry next cycle: %s", err)
			}
		case <-aggregate.C:
			if _, err := s.RunAggregation(ctx); err != nil {
				glog.Errorf("scheduled aggregation failed, will retry next cycle: %s", err)
			}
			if _, err := s.CleanupAggregated(ctx, s.cfg.RollupRetentionDays); err != nil {
				glog.Errorf("scheduled rollup cleanup failed, will retry next cycle: %s", err)
			}
		}
	}
}
