package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hb9tf/argus/geo"
	"github.com/hb9tf/argus/signal"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("unable to open in-memory sqlite: %s", err)
	}
	// The in-memory database only exists on one connection.
	db.SetMaxOpenConns(1)
	s, err := NewSQLite(db, geo.NewGrid(geo.DefaultCellMeters))
	if err != nil {
		t.Fatalf("unable to create sqlite store: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSignal(id string, ts int64) signal.Signal {
	return signal.Signal{
		ID:        id,
		Lat:       47.3769,
		Lon:       8.5417,
		Power:     -72.5,
		Frequency: 433_920_000,
		Timestamp: ts,
		Source:    signal.SourceSweepSensor,
	}
}

func deviceSignal(id, deviceID string, power float64, ts int64) signal.Signal {
	s := testSignal(id, ts)
	s.Power = power
	s.Metadata = map[string]any{signal.MetaDeviceID: deviceID}
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	altitude := 420.5
	in := testSignal("sig-1", 1_700_000_000_000)
	in.Altitude = &altitude
	in.Modulation = "FM"
	in.Metadata = map[string]any{signal.MetaSignalType: "remote"}
	if err := s.InsertBatch(ctx, []signal.Signal{in}); err != nil {
		t.Fatalf("InsertBatch failed: %s", err)
	}

	got, err := s.FindByID(ctx, "sig-1")
	if err != nil {
		t.Fatalf("FindByID failed: %s", err)
	}
	if got.ID != in.ID || got.Lat != in.Lat || got.Lon != in.Lon || got.Power != in.Power ||
		got.Frequency != in.Frequency || got.Timestamp != in.Timestamp || got.Source != in.Source {
		t.Errorf("FindByID = %+v, want %+v", got, in)
	}
	if got.Altitude == nil || *got.Altitude != altitude {
		t.Errorf("FindByID Altitude = %v, want %v", got.Altitude, altitude)
	}
	if got.Modulation != "FM" {
		t.Errorf("FindByID Modulation = %q, want FM", got.Modulation)
	}
	if got.SignalType() != "remote" {
		t.Errorf("FindByID signal type = %q, want remote", got.SignalType())
	}

	if _, err := s.FindByID(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByID for unknown id = %v, want ErrNotFound", err)
	}
}

func TestSQLiteFindRecentOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	batch := []signal.Signal{
		testSignal("old", 1_000),
		testSignal("newest", 3_000),
		testSignal("middle", 2_000),
	}
	if err := s.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("InsertBatch failed: %s", err)
	}

	got, err := s.FindRecent(ctx, 2)
	if err != nil {
		t.Fatalf("FindRecent failed: %s", err)
	}
	if len(got) != 2 || got[0].ID != "newest" || got[1].ID != "middle" {
		t.Errorf("FindRecent = %v, want [newest, middle]", ids(got))
	}
}

func TestSQLiteSignalsInCells(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	near := testSignal("near", 2_000)
	far := testSignal("far", 2_000)
	far.Lat, far.Lon = 48.0, 9.0
	early := testSignal("early", 500)
	if err := s.InsertBatch(ctx, []signal.Signal{near, far, early}); err != nil {
		t.Fatalf("InsertBatch failed: %s", err)
	}

	cells := s.Grid.CoverRadius(47.3769, 8.5417, 400)
	got, err := s.SignalsInCells(ctx, cells, 1_000, 3_000, 10)
	if err != nil {
		t.Fatalf("SignalsInCells failed: %s", err)
	}
	if len(got) != 1 || got[0].ID != "near" {
		t.Errorf("SignalsInCells = %v, want [near]", ids(got))
	}

	// Empty cell list short-circuits.
	if got, err := s.SignalsInCells(ctx, nil, 0, 3_000, 10); err != nil || got != nil {
		t.Errorf("SignalsInCells(nil cells) = %v, %v, want nil, nil", got, err)
	}
}

func TestSQLiteDeviceUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	first := deviceSignal("s1", "dev-1", -50, 1_000)
	first.Frequency = 433_920_000
	second := deviceSignal("s2", "dev-1", -70, 2_000)
	second.Frequency = 868_300_000
	second.Lat, second.Lon = 47.40, 8.60

	// Two separate batches, same device row.
	if err := s.InsertBatch(ctx, []signal.Signal{first}); err != nil {
		t.Fatalf("InsertBatch(first) failed: %s", err)
	}
	if err := s.InsertBatch(ctx, []signal.Signal{second}); err != nil {
		t.Fatalf("InsertBatch(second) failed: %s", err)
	}

	d, err := s.Device(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Device failed: %s", err)
	}
	if d.SignalCount != 2 {
		t.Errorf("SignalCount = %d, want 2", d.SignalCount)
	}
	if d.AvgPower != -60 {
		t.Errorf("AvgPower = %v, want -60 (incremental mean of -50 and -70)", d.AvgPower)
	}
	if d.FirstSeen != 1_000 || d.LastSeen != 2_000 {
		t.Errorf("seen range = [%d, %d], want [1000, 2000]", d.FirstSeen, d.LastSeen)
	}
	if d.FreqMin != 433_920_000 || d.FreqMax != 868_300_000 {
		t.Errorf("freq range = [%d, %d], want [433920000, 868300000]", d.FreqMin, d.FreqMax)
	}
	if d.LastPosition.Lat != 47.40 || d.LastPosition.Lon != 8.60 {
		t.Errorf("LastPosition = %+v, want the newer sighting", d.LastPosition)
	}

	// An out-of-order older sighting must not move the last position.
	stale := deviceSignal("s3", "dev-1", -60, 500)
	stale.Lat, stale.Lon = 10, 10
	if err := s.InsertBatch(ctx, []signal.Signal{stale}); err != nil {
		t.Fatalf("InsertBatch(stale) failed: %s", err)
	}
	d, err = s.Device(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Device failed: %s", err)
	}
	if d.LastPosition.Lat != 47.40 || d.LastPosition.Lon != 8.60 {
		t.Errorf("stale sighting moved LastPosition to %+v", d.LastPosition)
	}
	if d.FirstSeen != 500 {
		t.Errorf("FirstSeen = %d, want 500", d.FirstSeen)
	}
	if d.SignalCount != 3 {
		t.Errorf("SignalCount = %d, want 3", d.SignalCount)
	}
}

func TestSQLiteDevicesInArea(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	inside := deviceSignal("s1", "dev-in", -50, 1_000)
	outside := deviceSignal("s2", "dev-out", -50, 1_000)
	outside.Lat, outside.Lon = 48.5, 9.5
	if err := s.InsertBatch(ctx, []signal.Signal{inside, outside}); err != nil {
		t.Fatalf("InsertBatch failed: %s", err)
	}

	got, err := s.DevicesInArea(ctx, signal.BoundingBox{MinLat: 47.0, MinLon: 8.0, MaxLat: 48.0, MaxLon: 9.0})
	if err != nil {
		t.Fatalf("DevicesInArea failed: %s", err)
	}
	if len(got) != 1 || got[0].DeviceID != "dev-in" {
		t.Errorf("DevicesInArea = %+v, want only dev-in", got)
	}
}

func TestSQLiteRelationships(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	rel := signal.Relationship{DeviceA: "a", DeviceB: "b", Kind: "co-located", Weight: 1, LastObserved: 1_000}
	if err := s.UpsertRelationship(ctx, rel); err != nil {
		t.Fatalf("UpsertRelationship failed: %s", err)
	}
	rel.LastObserved = 2_000
	if err := s.UpsertRelationship(ctx, rel); err != nil {
		t.Fatalf("UpsertRelationship (second) failed: %s", err)
	}

	got, err := s.RelationshipsForDevice(ctx, "b")
	if err != nil {
		t.Fatalf("RelationshipsForDevice failed: %s", err)
	}
	if len(got) != 1 {
		t.Fatalf("RelationshipsForDevice returned %d edges, want 1", len(got))
	}
	if got[0].Weight != 2 {
		t.Errorf("edge weight = %v, want accumulated 2", got[0].Weight)
	}
	if got[0].LastObserved != 2_000 {
		t.Errorf("edge LastObserved = %d, want 2000", got[0].LastObserved)
	}
}

func TestSQLiteCleanup(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	batch := []signal.Signal{
		deviceSignal("old-1", "dev-old", -50, 1_000),
		deviceSignal("old-2", "dev-old", -50, 1_500),
		deviceSignal("keep", "dev-keep", -50, 5_000),
	}
	if err := s.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("InsertBatch failed: %s", err)
	}

	// Chunked delete: chunk of 1 removes one of the two old signals.
	n, err := s.DeleteSignalsBefore(ctx, 2_000, 1)
	if err != nil {
		t.Fatalf("DeleteSignalsBefore failed: %s", err)
	}
	if n != 1 {
		t.Errorf("first chunk deleted %d signals, want 1", n)
	}
	n, err = s.DeleteSignalsBefore(ctx, 2_000, 10)
	if err != nil {
		t.Fatalf("DeleteSignalsBefore failed: %s", err)
	}
	if n != 1 {
		t.Errorf("second chunk deleted %d signals, want 1", n)
	}

	// The cutoff is exclusive: a signal exactly at the cutoff stays.
	if n, err := s.DeleteSignalsBefore(ctx, 5_000, 10); err != nil || n != 0 {
		t.Errorf("DeleteSignalsBefore(5000) = %d, %v, want 0 deletions", n, err)
	}
	if _, err := s.FindByID(ctx, "keep"); err != nil {
		t.Errorf("signal at cutoff boundary was deleted: %s", err)
	}

	deleted, err := s.DeleteOrphanDevices(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphanDevices failed: %s", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteOrphanDevices removed %d devices, want 1", deleted)
	}
	if _, err := s.Device(ctx, "dev-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("orphaned device still present: %v", err)
	}
	if _, err := s.Device(ctx, "dev-keep"); err != nil {
		t.Errorf("referenced device was removed: %s", err)
	}
}

func TestSQLiteAggregation(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	// Two signals in the same hour bucket and cell, one in the next
	// hour, one too recent to aggregate.
	hour := int64(3_600_000)
	batch := []signal.Signal{
		testSignal("a", 10*hour+100),
		testSignal("b", 10*hour+200),
		testSignal("c", 11*hour+100),
		testSignal("recent", 100*hour),
	}
	batch[0].Power = -60
	batch[1].Power = -70
	batch[2].Power = -50
	if err := s.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("InsertBatch failed: %s", err)
	}

	rolled, err := s.AggregateBefore(ctx, 12*hour, hour, true)
	if err != nil {
		t.Fatalf("AggregateBefore failed: %s", err)
	}
	if rolled != 3 {
		t.Errorf("AggregateBefore rolled %d signals, want 3", rolled)
	}

	rollups, err := s.RollupsBetween(ctx, 0, 200*hour)
	if err != nil {
		t.Fatalf("RollupsBetween failed: %s", err)
	}
	if len(rollups) != 2 {
		t.Fatalf("RollupsBetween returned %d rollups, want 2", len(rollups))
	}
	first := rollups[0]
	if first.TimeBucket != 10*hour || first.SignalCount != 2 {
		t.Errorf("first rollup = %+v, want bucket %d with 2 signals", first, 10*hour)
	}
	if first.MinPower != -70 || first.MaxPower != -60 || first.AvgPower != -65 {
		t.Errorf("first rollup power = min %v avg %v max %v, want -70/-65/-60",
			first.MinPower, first.AvgPower, first.MaxPower)
	}

	// Originals are gone, the recent signal stays.
	if _, err := s.FindByID(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("aggregated signal still present: %v", err)
	}
	if _, err := s.FindByID(ctx, "recent"); err != nil {
		t.Errorf("recent signal was aggregated away: %s", err)
	}

	// Second tier: rollup retention.
	n, err := s.DeleteRollupsBefore(ctx, 11*hour)
	if err != nil {
		t.Fatalf("DeleteRollupsBefore failed: %s", err)
	}
	if n != 1 {
		t.Errorf("DeleteRollupsBefore removed %d rollups, want 1", n)
	}
}

func TestSQLiteAggregationKeepsOriginals(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if err := s.InsertBatch(ctx, []signal.Signal{testSignal("a", 1_000)}); err != nil {
		t.Fatalf("InsertBatch failed: %s", err)
	}
	if _, err := s.AggregateBefore(ctx, 2_000, 3_600_000, false); err != nil {
		t.Fatalf("AggregateBefore failed: %s", err)
	}
	if _, err := s.FindByID(ctx, "a"); err != nil {
		t.Errorf("original deleted despite deleteOriginals=false: %s", err)
	}
}

func TestSQLiteStatsAndGrowth(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	hour := int64(3_600_000)
	batch := []signal.Signal{
		deviceSignal("a", "dev-1", -50, 1*hour+1),
		deviceSignal("b", "dev-1", -60, 1*hour+2),
		testSignal("c", 2*hour+1),
	}
	if err := s.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("InsertBatch failed: %s", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %s", err)
	}
	if st.SignalCount != 3 || st.DeviceCount != 1 || st.RollupCount != 0 {
		t.Errorf("Stats counts = %+v, want 3 signals, 1 device, 0 rollups", st)
	}
	if st.OldestTimestamp != 1*hour+1 || st.NewestTimestamp != 2*hour+1 {
		t.Errorf("Stats range = [%d, %d], want [%d, %d]", st.OldestTimestamp, st.NewestTimestamp, 1*hour+1, 2*hour+1)
	}
	if st.StorageBytes <= 0 {
		t.Errorf("StorageBytes = %d, want positive", st.StorageBytes)
	}

	buckets, err := s.GrowthBuckets(ctx, 0, hour)
	if err != nil {
		t.Fatalf("GrowthBuckets failed: %s", err)
	}
	if len(buckets) != 2 || buckets[0].SignalCount != 2 || buckets[1].SignalCount != 1 {
		t.Errorf("GrowthBuckets = %+v, want [2, 1] per hour", buckets)
	}

	samples, err := s.StatSamples(ctx, 0, 2*hour)
	if err != nil {
		t.Fatalf("StatSamples failed: %s", err)
	}
	if len(samples) != 2 {
		t.Errorf("StatSamples returned %d samples, want 2 in window", len(samples))
	}
}

func TestSQLiteMaintenance(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	for _, action := range []string{MaintenanceVacuum, MaintenanceAnalyze, MaintenanceOptimize} {
		if _, err := s.Maintenance(ctx, action); err != nil {
			t.Errorf("Maintenance(%q) failed: %s", action, err)
		}
	}
	if _, err := s.Maintenance(ctx, "defragment-the-universe"); err == nil {
		t.Error("Maintenance accepted an unknown action")
	}
}

func TestSQLiteBatchAtomicity(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if err := s.InsertBatch(ctx, []signal.Signal{testSignal("dup", 1_000)}); err != nil {
		t.Fatalf("InsertBatch failed: %s", err)
	}
	// The second batch fails on the duplicate id; its other signal must
	// not be visible afterwards.
	err := s.InsertBatch(ctx, []signal.Signal{testSignal("fresh", 2_000), testSignal("dup", 3_000)})
	if err == nil {
		t.Fatal("InsertBatch with duplicate id succeeded, want error")
	}
	if _, err := s.FindByID(ctx, "fresh"); !errors.Is(err, ErrNotFound) {
		t.Errorf("partial batch visible after failed insert: %v", err)
	}
}

func ids(signals []signal.Signal) []string {
	out := make([]string, 0, len(signals))
	for i := range signals {
		out = append(out, signals[i].ID)
	}
	return out
}
