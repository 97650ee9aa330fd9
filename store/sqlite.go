package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/hb9tf/argus/geo"
	"github.com/hb9tf/argus/signal"
)

const (
	sqliteSignalCountInfo = 1000

	sqliteCreateSignalsTmpl = `CREATE TABLE IF NOT EXISTS signals (
		"ID"          TEXT NOT NULL PRIMARY KEY,
		"Lat"         REAL NOT NULL,
		"Lon"         REAL NOT NULL,
		"Altitude"    REAL,
		"Power"       REAL NOT NULL,
		"Frequency"   INTEGER NOT NULL,
		"Bandwidth"   REAL,
		"Modulation"  TEXT,
		"Timestamp"   INTEGER NOT NULL,
		"Source"      TEXT NOT NULL,
		"DeviceID"    TEXT NOT NULL DEFAULT '',
		"CellKey"     TEXT NOT NULL,
		"Metadata"    TEXT
	);`
	sqliteCreateDevicesTmpl = `CREATE TABLE IF NOT EXISTS devices (
		"DeviceID"     TEXT NOT NULL PRIMARY KEY,
		"Type"         TEXT NOT NULL DEFAULT '',
		"Manufacturer" TEXT NOT NULL DEFAULT '',
		"FirstSeen"    INTEGER NOT NULL,
		"LastSeen"     INTEGER NOT NULL,
		"AvgPower"     REAL NOT NULL,
		"FreqMin"      INTEGER NOT NULL,
		"FreqMax"      INTEGER NOT NULL,
		"LastLat"      REAL NOT NULL,
		"LastLon"      REAL NOT NULL,
		"SignalCount"  INTEGER NOT NULL,
		"Metadata"     TEXT
	);`
	sqliteCreateRelationshipsTmpl = `CREATE TABLE IF NOT EXISTS relationships (
		"DeviceA"      TEXT NOT NULL,
		"DeviceB"      TEXT NOT NULL,
		"Kind"         TEXT NOT NULL,
		"Weight"       REAL NOT NULL,
		"LastObserved" INTEGER NOT NULL,
		PRIMARY KEY ("DeviceA", "DeviceB", "Kind")
	);`
	sqliteCreateRollupsTmpl = `CREATE TABLE IF NOT EXISTS rollups (
		"TimeBucket"   INTEGER NOT NULL,
		"CellKey"      TEXT NOT NULL,
		"SignalCount"  INTEGER NOT NULL,
		"MinPower"     REAL NOT NULL,
		"AvgPower"     REAL NOT NULL,
		"MaxPower"     REAL NOT NULL,
		PRIMARY KEY ("TimeBucket", "CellKey")
	);`

	sqliteInsertSignalTmpl = `INSERT INTO signals (
		ID, Lat, Lon, Altitude, Power, Frequency, Bandwidth, Modulation,
		Timestamp, Source, DeviceID, CellKey, Metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	// The device upsert is a single statement so that concurrent batches
	// touching the same device serialize on the row; all right-hand
	// sides see the pre-update values, so the incremental mean uses the
	// pre-increment count.
	sqliteUpsertDeviceTmpl = `INSERT INTO devices (
		DeviceID, Type, Manufacturer, FirstSeen, LastSeen, AvgPower,
		FreqMin, FreqMax, LastLat, LastLon, SignalCount, Metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	ON CONFLICT(DeviceID) DO UPDATE SET
		AvgPower = AvgPower + (excluded.AvgPower - AvgPower) / (SignalCount + 1),
		SignalCount = SignalCount + 1,
		FreqMin = MIN(FreqMin, excluded.FreqMin),
		FreqMax = MAX(FreqMax, excluded.FreqMax),
		LastLat = CASE WHEN excluded.LastSeen >= LastSeen THEN excluded.LastLat ELSE LastLat END,
		LastLon = CASE WHEN excluded.LastSeen >= LastSeen THEN excluded.LastLon ELSE LastLon END,
		LastSeen = MAX(LastSeen, excluded.LastSeen),
		FirstSeen = MIN(FirstSeen, excluded.FirstSeen),
		Type = CASE WHEN excluded.Type <> '' THEN excluded.Type ELSE Type END,
		Manufacturer = CASE WHEN excluded.Manufacturer <> '' THEN excluded.Manufacturer ELSE Manufacturer END;`

	sqliteUpsertRelationshipTmpl = `INSERT INTO relationships (
		DeviceA, DeviceB, Kind, Weight, LastObserved
	) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(DeviceA, DeviceB, Kind) DO UPDATE SET
		Weight = Weight + excluded.Weight,
		LastObserved = MAX(LastObserved, excluded.LastObserved);`

	sqliteRollupTmpl = `INSERT INTO rollups (
		TimeBucket, CellKey, SignalCount, MinPower, AvgPower, MaxPower
	)
	SELECT (Timestamp / ?) * ?, CellKey, COUNT(*), MIN(Power), AVG(Power), MAX(Power)
	FROM signals
	WHERE Timestamp < ?
	GROUP BY 1, 2
	ON CONFLICT(TimeBucket, CellKey) DO UPDATE SET
		AvgPower = (AvgPower * SignalCount + excluded.AvgPower * excluded.SignalCount)
			/ (SignalCount + excluded.SignalCount),
		MinPower = MIN(MinPower, excluded.MinPower),
		MaxPower = MAX(MaxPower, excluded.MaxPower),
		SignalCount = SignalCount + excluded.SignalCount;`

	signalColumns = `ID, Lat, Lon, Altitude, Power, Frequency, Bandwidth, Modulation,
		Timestamp, Source, DeviceID, CellKey, Metadata`
	deviceColumns = `DeviceID, Type, Manufacturer, FirstSeen, LastSeen, AvgPower,
		FreqMin, FreqMax, LastLat, LastLon, SignalCount, Metadata`
)

// SQLite is the disconnected-capable local storage tier.
type SQLite struct {
	DB   *sql.DB
	Grid geo.Grid

	inserted atomic.Int64
}

// NewSQLite prepares the schema and returns the local tier.
func NewSQLite(db *sql.DB, grid geo.Grid) (*SQLite, error) {
	s := &SQLite{DB: db, Grid: grid}
	for _, tmpl := range []string{
		sqliteCreateSignalsTmpl,
		sqliteCreateDevicesTmpl,
		sqliteCreateRelationshipsTmpl,
		sqliteCreateRollupsTmpl,
		`CREATE INDEX IF NOT EXISTS idx_signals_timestamp ON signals (Timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_cell ON signals (CellKey, Timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_device ON signals (DeviceID);`,
	} {
		if _, err := db.Exec(tmpl); err != nil {
			return nil, fmt.Errorf("unable to create schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLite) InsertBatch(ctx context.Context, signals []signal.Signal) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin batch: %w", err)
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx, sqliteInsertSignalTmpl)
	if err != nil {
		return fmt.Errorf("unable to prepare signal insert: %w", err)
	}
	defer insert.Close()
	upsert, err := tx.PrepareContext(ctx, sqliteUpsertDeviceTmpl)
	if err != nil {
		return fmt.Errorf("unable to prepare device upsert: %w", err)
	}
	defer upsert.Close()

	for i := range signals {
		if err := execInsertSignal(ctx, insert, upsert, &signals[i], s.Grid); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unable to commit batch: %w", err)
	}

	if total := s.inserted.Add(int64(len(signals))); total/sqliteSignalCountInfo != (total-int64(len(signals)))/sqliteSignalCountInfo {
		glog.Infof("sqlite store: %d signals inserted so far", total)
	}
	return nil
}

// execInsertSignal writes one signal row and, for attributed signals, the
// device aggregate row. Shared by both SQL tiers since the placeholder
// dialects match.
func execInsertSignal(ctx context.Context, insert, upsert *sql.Stmt, sig *signal.Signal, grid geo.Grid) error {
	meta, err := marshalMeta(sig.Metadata)
	if err != nil {
		return fmt.Errorf("unable to encode metadata for signal %s: %w", sig.ID, err)
	}
	deviceID := sig.DeviceID()
	if _, err := insert.ExecContext(ctx,
		sig.ID, sig.Lat, sig.Lon, sig.Altitude, sig.Power, sig.Frequency,
		sig.Bandwidth, emptyNull(sig.Modulation), sig.Timestamp, string(sig.Source),
		deviceID, grid.CellKey(sig.Lat, sig.Lon), meta,
	); err != nil {
		return fmt.Errorf("unable to insert signal %s: %w", sig.ID, err)
	}
	if deviceID == "" {
		return nil
	}
	if _, err := upsert.ExecContext(ctx,
		deviceID, metaString(sig.Metadata, "deviceType"), metaString(sig.Metadata, "manufacturer"),
		sig.Timestamp, sig.Timestamp, sig.Power, sig.Frequency, sig.Frequency,
		sig.Lat, sig.Lon, meta,
	); err != nil {
		return fmt.Errorf("unable to upsert device %s for signal %s: %w", deviceID, sig.ID, err)
	}
	return nil
}

func (s *SQLite) FindByID(ctx context.Context, id string) (signal.Signal, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE ID = ?;`, id)
	return scanSignal(row)
}

func (s *SQLite) FindRecent(ctx context.Context, limit int) ([]signal.Signal, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+signalColumns+` FROM signals
		ORDER BY Timestamp DESC, ID ASC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to query recent signals: %w", err)
	}
	return scanSignals(rows)
}

func (s *SQLite) SignalsInCells(ctx context.Context, cells []string, startMs, endMs int64, limit int) ([]signal.Signal, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT `+signalColumns+` FROM signals
		WHERE CellKey IN (%s) AND Timestamp >= ? AND Timestamp <= ?
		ORDER BY Timestamp DESC, ID ASC LIMIT ?;`, placeholders(len(cells)))
	args := make([]any, 0, len(cells)+3)
	for _, c := range cells {
		args = append(args, c)
	}
	args = append(args, startMs, endMs, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unable to query signals in cells: %w", err)
	}
	return scanSignals(rows)
}

func (s *SQLite) DevicesInArea(ctx context.Context, box signal.BoundingBox) ([]signal.Device, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices
		WHERE LastLat >= ? AND LastLat <= ? AND LastLon >= ? AND LastLon <= ?
		ORDER BY DeviceID ASC;`, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("unable to query devices in area: %w", err)
	}
	return scanDevices(rows)
}

func (s *SQLite) Device(ctx context.Context, deviceID string) (signal.Device, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE DeviceID = ?;`, deviceID)
	return scanDevice(row)
}

func (s *SQLite) UpsertRelationship(ctx context.Context, rel signal.Relationship) error {
	if _, err := s.DB.ExecContext(ctx, sqliteUpsertRelationshipTmpl,
		rel.DeviceA, rel.DeviceB, rel.Kind, rel.Weight, rel.LastObserved); err != nil {
		return fmt.Errorf("unable to upsert relationship %s/%s/%s: %w", rel.DeviceA, rel.DeviceB, rel.Kind, err)
	}
	return nil
}

func (s *SQLite) RelationshipsForDevice(ctx context.Context, deviceID string) ([]signal.Relationship, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DeviceA, DeviceB, Kind, Weight, LastObserved
		FROM relationships WHERE DeviceA = ? OR DeviceB = ?
		ORDER BY LastObserved DESC;`, deviceID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("unable to query relationships for %s: %w", deviceID, err)
	}
	defer rows.Close()
	var rels []signal.Relationship
	for rows.Next() {
		var r signal.Relationship
		if err := rows.Scan(&r.DeviceA, &r.DeviceB, &r.Kind, &r.Weight, &r.LastObserved); err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

func (s *SQLite) DeleteSignalsBefore(ctx context.Context, cutoffMs int64, chunk int) (int64, error) {
	// Each chunk is its own implicit transaction so an interrupted
	// cleanup leaves a valid, just less cleaned, store.
	res, err := s.DB.ExecContext(ctx, `DELETE FROM signals WHERE ID IN (
		SELECT ID FROM signals WHERE Timestamp < ? LIMIT ?);`, cutoffMs, chunk)
	if err != nil {
		return 0, fmt.Errorf("unable to delete signal chunk: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) DeleteOrphanDevices(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM devices WHERE DeviceID NOT IN (
		SELECT DISTINCT DeviceID FROM signals WHERE DeviceID <> '');`)
	if err != nil {
		return 0, fmt.Errorf("unable to delete orphan devices: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) AggregateBefore(ctx context.Context, cutoffMs, bucketMs int64, deleteOriginals bool) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("unable to begin aggregation: %w", err)
	}
	defer tx.Rollback()

	var rolled int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signals WHERE Timestamp < ?;`, cutoffMs).Scan(&rolled); err != nil {
		return 0, fmt.Errorf("unable to count aggregation candidates: %w", err)
	}
	if rolled == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, sqliteRollupTmpl, bucketMs, bucketMs, cutoffMs); err != nil {
		return 0, fmt.Errorf("unable to roll up signals: %w", err)
	}
	if deleteOriginals {
		if _, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE Timestamp < ?;`, cutoffMs); err != nil {
			return 0, fmt.Errorf("unable to delete rolled-up signals: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("unable to commit aggregation: %w", err)
	}
	return rolled, nil
}

func (s *SQLite) RollupsBetween(ctx context.Context, startMs, endMs int64) ([]Rollup, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT TimeBucket, CellKey, SignalCount, MinPower, AvgPower, MaxPower
		FROM rollups WHERE TimeBucket >= ? AND TimeBucket <= ?
		ORDER BY TimeBucket ASC, CellKey ASC;`, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("unable to query rollups: %w", err)
	}
	return scanRollups(rows)
}

func (s *SQLite) DeleteRollupsBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM rollups WHERE TimeBucket < ?;`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("unable to delete rollups: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(MIN(Timestamp), 0), COALESCE(MAX(Timestamp), 0) FROM signals;`).
		Scan(&st.SignalCount, &st.OldestTimestamp, &st.NewestTimestamp); err != nil {
		return st, fmt.Errorf("unable to read signal stats: %w", err)
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices;`).Scan(&st.DeviceCount); err != nil {
		return st, fmt.Errorf("unable to read device stats: %w", err)
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM rollups;`).Scan(&st.RollupCount); err != nil {
		return st, fmt.Errorf("unable to read rollup stats: %w", err)
	}
	var pageCount, pageSize int64
	if err := s.DB.QueryRowContext(ctx, `PRAGMA page_count;`).Scan(&pageCount); err != nil {
		return st, fmt.Errorf("unable to read page count: %w", err)
	}
	if err := s.DB.QueryRowContext(ctx, `PRAGMA page_size;`).Scan(&pageSize); err != nil {
		return st, fmt.Errorf("unable to read page size: %w", err)
	}
	st.StorageBytes = pageCount * pageSize
	return st, nil
}

func (s *SQLite) GrowthBuckets(ctx context.Context, sinceMs, bucketMs int64) ([]GrowthBucket, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT (Timestamp / ?) * ? AS Bucket, COUNT(*)
		FROM signals WHERE Timestamp >= ?
		GROUP BY Bucket ORDER BY Bucket ASC;`, bucketMs, bucketMs, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("unable to query growth buckets: %w", err)
	}
	defer rows.Close()
	var buckets []GrowthBucket
	for rows.Next() {
		var b GrowthBucket
		if err := rows.Scan(&b.BucketStart, &b.SignalCount); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (s *SQLite) StatSamples(ctx context.Context, startMs, endMs int64) ([]StatSample, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT Power, Frequency, DeviceID, Timestamp
		FROM signals WHERE Timestamp >= ? AND Timestamp <= ?;`, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("unable to query stat samples: %w", err)
	}
	defer rows.Close()
	var samples []StatSample
	for rows.Next() {
		var ss StatSample
		if err := rows.Scan(&ss.Power, &ss.Frequency, &ss.DeviceID, &ss.Timestamp); err != nil {
			return nil, err
		}
		samples = append(samples, ss)
	}
	return samples, rows.Err()
}

func (s *SQLite) Maintenance(ctx context.Context, action string) (string, error) {
	var stmt string
	switch action {
	case MaintenanceVacuum:
		stmt = `VACUUM;`
	case MaintenanceAnalyze:
		stmt = `ANALYZE;`
	case MaintenanceOptimize:
		stmt = `PRAGMA optimize;`
	default:
		return "", fmt.Errorf("unknown maintenance action %q", action)
	}
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return "", fmt.Errorf("maintenance action %q failed: %w", action, err)
	}
	return fmt.Sprintf("sqlite %s completed", action), nil
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}

// Row scanning helpers shared by both SQL tiers.

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (signal.Signal, error) {
	var sig signal.Signal
	var altitude, bandwidth sql.NullFloat64
	var modulation sql.NullString
	var source, deviceID, cellKey string
	var meta sql.NullString
	err := row.Scan(&sig.ID, &sig.Lat, &sig.Lon, &altitude, &sig.Power, &sig.Frequency,
		&bandwidth, &modulation, &sig.Timestamp, &source, &deviceID, &cellKey, &meta)
	if err == sql.ErrNoRows {
		return sig, ErrNotFound
	}
	if err != nil {
		return sig, fmt.Errorf("unable to scan signal: %w", err)
	}
	if altitude.Valid {
		sig.Altitude = &altitude.Float64
	}
	if bandwidth.Valid {
		sig.Bandwidth = &bandwidth.Float64
	}
	sig.Modulation = modulation.String
	sig.Source = signal.Source(source)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &sig.Metadata); err != nil {
			return sig, fmt.Errorf("unable to decode metadata for signal %s: %w", sig.ID, err)
		}
	}
	return sig, nil
}

func scanSignals(rows *sql.Rows) ([]signal.Signal, error) {
	defer rows.Close()
	var signals []signal.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

func scanDevice(row rowScanner) (signal.Device, error) {
	var d signal.Device
	var meta sql.NullString
	err := row.Scan(&d.DeviceID, &d.Type, &d.Manufacturer, &d.FirstSeen, &d.LastSeen,
		&d.AvgPower, &d.FreqMin, &d.FreqMax, &d.LastPosition.Lat, &d.LastPosition.Lon,
		&d.SignalCount, &meta)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, fmt.Errorf("unable to scan device: %w", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &d.Metadata); err != nil {
			return d, fmt.Errorf("unable to decode metadata for device %s: %w", d.DeviceID, err)
		}
	}
	return d, nil
}

func scanDevices(rows *sql.Rows) ([]signal.Device, error) {
	defer rows.Close()
	var devices []signal.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func scanRollups(rows *sql.Rows) ([]Rollup, error) {
	defer rows.Close()
	var rollups []Rollup
	for rows.Next() {
		var r Rollup
		if err := rows.Scan(&r.TimeBucket, &r.CellKey, &r.SignalCount, &r.MinPower, &r.AvgPower, &r.MaxPower); err != nil {
			return nil, err
		}
		rollups = append(rollups, r)
	}
	return rollups, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func marshalMeta(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}

func emptyNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
