// Package store persists signals, device aggregates, relationships and
// rollups. Two interchangeable backends implement the Store contract: a
// durable server-side MySQL tier and a disconnected-capable local SQLite
// tier. The Facade selects one at startup and presents identical
// semantics over either.
package store

import (
	"context"
	"errors"

	"github.com/hb9tf/argus/signal"
)

// ErrNotFound is returned by lookups for ids that are not in the store.
var ErrNotFound = errors.New("not found")

// Rollup is a coarse per-(timeBucket, gridCell) aggregate that replaces
// fine-grained signals aged out by the aggregation pass.
type Rollup struct {
	TimeBucket  int64   `json:"timeBucket"` // epoch ms, bucket start
	CellKey     string  `json:"cellKey"`
	SignalCount int64   `json:"signalCount"`
	MinPower    float64 `json:"minPower"`
	AvgPower    float64 `json:"avgPower"`
	MaxPower    float64 `json:"maxPower"`
}

// Stats reports storage health for capacity planning.
type Stats struct {
	SignalCount     int64 `json:"signalCount"`
	DeviceCount     int64 `json:"deviceCount"`
	RollupCount     int64 `json:"rollupCount"`
	OldestTimestamp int64 `json:"oldestTimestamp"`
	NewestTimestamp int64 `json:"newestTimestamp"`
	StorageBytes    int64 `json:"storageBytes"`
}

// GrowthBucket is one time bucket of ingest volume.
type GrowthBucket struct {
	BucketStart int64 `json:"bucketStart"` // epoch ms
	SignalCount int64 `json:"signalCount"`
}

// StatSample is the projection of a signal used by windowed statistics.
type StatSample struct {
	Power     float64
	Frequency int64
	DeviceID  string
	Timestamp int64
}

// Maintenance actions understood by both backends.
const (
	MaintenanceVacuum   = "vacuum"
	MaintenanceAnalyze  = "analyze"
	MaintenanceOptimize = "optimize"
)

// Store is the contract both storage tiers implement. Batch inserts are
// atomic: readers never observe a partially applied batch. Device
// aggregate updates are single-statement upserts so concurrent batches
// touching the same device serialize on the device row.
type Store interface {
	// InsertBatch atomically persists pre-validated signals and upserts
	// the device aggregates they reference.
	InsertBatch(ctx context.Context, signals []signal.Signal) error

	FindByID(ctx context.Context, id string) (signal.Signal, error)
	// FindRecent returns up to limit signals, most recent first.
	FindRecent(ctx context.Context, limit int) ([]signal.Signal, error)

	// SignalsInCells returns signals in the given grid cells whose
	// timestamp falls in [startMs, endMs], ordered by timestamp
	// descending then id ascending, capped at limit.
	SignalsInCells(ctx context.Context, cells []string, startMs, endMs int64, limit int) ([]signal.Signal, error)
	DevicesInArea(ctx context.Context, box signal.BoundingBox) ([]signal.Device, error)
	Device(ctx context.Context, deviceID string) (signal.Device, error)

	UpsertRelationship(ctx context.Context, rel signal.Relationship) error
	RelationshipsForDevice(ctx context.Context, deviceID string) ([]signal.Relationship, error)

	// DeleteSignalsBefore removes at most chunk signals older than
	// cutoffMs in its own transaction and reports how many went.
	DeleteSignalsBefore(ctx context.Context, cutoffMs int64, chunk int) (int64, error)
	// DeleteOrphanDevices removes devices no remaining signal refers to.
	DeleteOrphanDevices(ctx context.Context) (int64, error)

	// AggregateBefore rolls signals older than cutoffMs up into
	// per-(timeBucket, cellKey) rollups and, when deleteOriginals is
	// set, deletes the originals in the same transaction.
	AggregateBefore(ctx context.Context, cutoffMs, bucketMs int64, deleteOriginals bool) (int64, error)
	RollupsBetween(ctx context.Context, startMs, endMs int64) ([]Rollup, error)
	DeleteRollupsBefore(ctx context.Context, cutoffMs int64) (int64, error)

	Stats(ctx context.Context) (Stats, error)
	GrowthBuckets(ctx context.Context, sinceMs, bucketMs int64) ([]GrowthBucket, error)
	StatSamples(ctx context.Context, startMs, endMs int64) ([]StatSample, error)

	// Maintenance runs a backend-specific housekeeping action, one of
	// the Maintenance* constants.
	Maintenance(ctx context.Context, action string) (string, error)

	Close() error
}
