package store

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/hb9tf/argus/filter"
	"github.com/hb9tf/argus/geo"
	"github.com/hb9tf/argus/signal"
)

// Mode selects which storage tier backs the facade. It is resolved once
// at startup from the execution context, never per call.
type Mode string

const (
	// ModeServer is the connected-service mode backed by MySQL.
	ModeServer Mode = "server"
	// ModeLocal is the disconnected-client mode backed by SQLite.
	ModeLocal Mode = "local"
)

// RelationshipColocated marks a co-location edge derived from devices
// observed close together in one committed batch.
const RelationshipColocated = "co-located"

// Rejected describes one invalid record in a batch.
type Rejected struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult reports the outcome of a batch ingest. InsertedCount plus
// the number of rejected records always equals TotalReceived.
type BatchResult struct {
	InsertedCount int        `json:"insertedCount"`
	TotalReceived int        `json:"totalReceived"`
	ValidCount    int        `json:"validCount"`
	Rejected      []Rejected `json:"rejected,omitempty"`
	IDs           []string   `json:"ids,omitempty"`
}

// Facade presents the single query/write contract over whichever tier
// was selected at startup. Validation, id assignment, post-query
// filtering and batch-commit notification behave identically on both.
type Facade struct {
	Store

	mode             Mode
	notifier         *Notifier
	colocationMeters float64
}

// NewFacade wraps the chosen backend. colocationMeters bounds the
// distance at which two devices observed in the same batch earn a
// co-location relationship edge; zero disables edge derivation.
func NewFacade(backend Store, mode Mode, colocationMeters float64) *Facade {
	return &Facade{
		Store:            backend,
		mode:             mode,
		notifier:         NewNotifier(),
		colocationMeters: colocationMeters,
	}
}

// Mode returns the tier selected at startup.
func (f *Facade) Mode() Mode { return f.mode }

// Notifier exposes the batch-commit notification channel.
func (f *Facade) Notifier() *Notifier { return f.notifier }

// StoreSignal validates and persists a single detection, returning the
// assigned id.
func (f *Facade) StoreSignal(ctx context.Context, d signal.Detection) (string, error) {
	res, err := f.StoreSignalsBatch(ctx, []signal.Detection{d})
	if err != nil {
		return "", err
	}
	if len(res.Rejected) > 0 {
		return "", fmt.Errorf("invalid signal: %s", res.Rejected[0].Reason)
	}
	return res.IDs[0], nil
}

// StoreSignalsBatch validates each record, skips and reports invalid
// ones, and commits the valid remainder atomically. Ids are assigned
// server-side.
func (f *Facade) StoreSignalsBatch(ctx context.Context, ds []signal.Detection) (BatchResult, error) {
	res := BatchResult{TotalReceived: len(ds)}
	valid := make([]signal.Signal, 0, len(ds))
	for i := range ds {
		s, err := ds[i].Signal()
		if err != nil {
			res.Rejected = append(res.Rejected, Rejected{Index: i, Reason: err.Error()})
			continue
		}
		s.ID = uuid.NewString()
		valid = append(valid, s)
	}
	res.ValidCount = len(valid)
	if len(valid) == 0 {
		return res, nil
	}

	if err := f.Store.InsertBatch(ctx, valid); err != nil {
		return res, fmt.Errorf("batch insert failed: %w", err)
	}
	res.InsertedCount = len(valid)
	for i := range valid {
		res.IDs = append(res.IDs, valid[i].ID)
	}

	f.notifier.Publish(BatchNote{
		InsertedCount: res.InsertedCount,
		CommittedAt:   time.Now().UnixMilli(),
	})
	f.deriveColocation(ctx, valid)
	return res, nil
}

// QuerySignals runs a cell query on the active tier and applies the
// post-query filters.
func (f *Facade) QuerySignals(ctx context.Context, cells []string, startMs, endMs int64, limit int, filters []filter.Filterer) ([]signal.Signal, error) {
	signals, err := f.Store.SignalsInCells(ctx, cells, startMs, endMs, limit)
	if err != nil {
		return nil, err
	}
	return filter.Apply(signals, filters), nil
}

// deriveColocation upserts a co-location edge for every pair of distinct
// devices positioned within the co-location radius inside one committed
// batch. Edge failures are logged, not fatal: the batch is already in.
func (f *Facade) deriveColocation(ctx context.Context, batch []signal.Signal) {
	if f.colocationMeters <= 0 {
		return
	}
	type sighting struct {
		lat, lon float64
		ts       int64
	}
	latest := map[string]sighting{}
	for i := range batch {
		id := batch[i].DeviceID()
		if id == "" {
			continue
		}
		if cur, ok := latest[id]; !ok || batch[i].Timestamp > cur.ts {
			latest[id] = sighting{lat: batch[i].Lat, lon: batch[i].Lon, ts: batch[i].Timestamp}
		}
	}
	if len(latest) < 2 {
		return
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			if a > b {
				a, b = b, a
			}
			sa, sb := latest[a], latest[b]
			if geo.Haversine(sa.lat, sa.lon, sb.lat, sb.lon) > f.colocationMeters {
				continue
			}
			ts := sa.ts
			if sb.ts > ts {
				ts = sb.ts
			}
			rel := signal.Relationship{
				DeviceA:      a,
				DeviceB:      b,
				Kind:         RelationshipColocated,
				Weight:       1,
				LastObserved: ts,
			}
			if err := f.Store.UpsertRelationship(ctx, rel); err != nil {
				glog.Warningf("unable to record co-location %s/%s: %s", a, b, err)
			}
		}
	}
}
