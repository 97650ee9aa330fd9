package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/hb9tf/argus/geo"
	"github.com/hb9tf/argus/signal"
)

const (
	mysqlSignalCountInfo = 1000

	mysqlCreateSignalsTmpl = "CREATE TABLE IF NOT EXISTS signals (" +
		"`ID` VARCHAR(64) NOT NULL PRIMARY KEY," +
		"`Lat` DOUBLE NOT NULL," +
		"`Lon` DOUBLE NOT NULL," +
		"`Altitude` DOUBLE NULL," +
		"`Power` DOUBLE NOT NULL," +
		"`Frequency` BIGINT NOT NULL," +
		"`Bandwidth` DOUBLE NULL," +
		"`Modulation` VARCHAR(64) NULL," +
		"`Timestamp` BIGINT NOT NULL," +
		"`Source` VARCHAR(32) NOT NULL," +
		"`DeviceID` VARCHAR(128) NOT NULL DEFAULT ''," +
		"`CellKey` VARCHAR(64) NOT NULL," +
		"`Metadata` JSON NULL," +
		"INDEX idx_signals_timestamp (`Timestamp`)," +
		"INDEX idx_signals_cell (`CellKey`, `Timestamp`)," +
		"INDEX idx_signals_device (`DeviceID`)" +
		");"
	mysqlCreateDevicesTmpl = "CREATE TABLE IF NOT EXISTS devices (" +
		"`DeviceID` VARCHAR(128) NOT NULL PRIMARY KEY," +
		"`Type` VARCHAR(64) NOT NULL DEFAULT ''," +
		"`Manufacturer` VARCHAR(128) NOT NULL DEFAULT ''," +
		"`FirstSeen` BIGINT NOT NULL," +
		"`LastSeen` BIGINT NOT NULL," +
		"`AvgPower` DOUBLE NOT NULL," +
		"`FreqMin` BIGINT NOT NULL," +
		"`FreqMax` BIGINT NOT NULL," +
		"`LastLat` DOUBLE NOT NULL," +
		"`LastLon` DOUBLE NOT NULL," +
		"`SignalCount` BIGINT NOT NULL," +
		"`Metadata` JSON NULL" +
		");"
	mysqlCreateRelationshipsTmpl = "CREATE TABLE IF NOT EXISTS relationships (" +
		"`DeviceA` VARCHAR(128) NOT NULL," +
		"`DeviceB` VARCHAR(128) NOT NULL," +
		"`Kind` VARCHAR(64) NOT NULL," +
		"`Weight` DOUBLE NOT NULL," +
		"`LastObserved` BIGINT NOT NULL," +
		"PRIMARY KEY (`DeviceA`, `DeviceB`, `Kind`)" +
		");"
	mysqlCreateRollupsTmpl = "CREATE TABLE IF NOT EXISTS rollups (" +
		"`TimeBucket` BIGINT NOT NULL," +
		"`CellKey` VARCHAR(64) NOT NULL," +
		"`SignalCount` BIGINT NOT NULL," +
		"`MinPower` DOUBLE NOT NULL," +
		"`AvgPower` DOUBLE NOT NULL," +
		"`MaxPower` DOUBLE NOT NULL," +
		"PRIMARY KEY (`TimeBucket`, `CellKey`)" +
		");"

	mysqlInsertSignalTmpl = `INSERT INTO signals (
		ID, Lat, Lon, Altitude, Power, Frequency, Bandwidth, Modulation,
		Timestamp, Source, DeviceID, CellKey, Metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	// MySQL evaluates ON DUPLICATE KEY assignments left to right with
	// earlier updates visible, so SignalCount is incremented first and
	// the mean then divides by the already-incremented count. LastLat
	// and LastLon compare against the not-yet-updated LastSeen.
	mysqlUpsertDeviceTmpl = `INSERT INTO devices (
		DeviceID, Type, Manufacturer, FirstSeen, LastSeen, AvgPower,
		FreqMin, FreqMax, LastLat, LastLon, SignalCount, Metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	ON DUPLICATE KEY UPDATE
		SignalCount = SignalCount + 1,
		AvgPower = AvgPower + (VALUES(AvgPower) - AvgPower) / SignalCount,
		FreqMin = LEAST(FreqMin, VALUES(FreqMin)),
		FreqMax = GREATEST(FreqMax, VALUES(FreqMax)),
		LastLat = IF(VALUES(LastSeen) >= LastSeen, VALUES(LastLat), LastLat),
		LastLon = IF(VALUES(LastSeen) >= LastSeen, VALUES(LastLon), LastLon),
		LastSeen = GREATEST(LastSeen, VALUES(LastSeen)),
		FirstSeen = LEAST(FirstSeen, VALUES(FirstSeen)),
		Type = IF(VALUES(Type) <> '', VALUES(Type), Type),
		Manufacturer = IF(VALUES(Manufacturer) <> '', VALUES(Manufacturer), Manufacturer);`

	mysqlUpsertRelationshipTmpl = `INSERT INTO relationships (
		DeviceA, DeviceB, Kind, Weight, LastObserved
	) VALUES (?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		Weight = Weight + VALUES(Weight),
		LastObserved = GREATEST(LastObserved, VALUES(LastObserved));`

	mysqlRollupTmpl = `INSERT INTO rollups (
		TimeBucket, CellKey, SignalCount, MinPower, AvgPower, MaxPower
	)
	SELECT (Timestamp DIV ?) * ?, CellKey, COUNT(*), MIN(Power), AVG(Power), MAX(Power)
	FROM signals
	WHERE Timestamp < ?
	GROUP BY 1, 2
	ON DUPLICATE KEY UPDATE
		AvgPower = (AvgPower * SignalCount + VALUES(AvgPower) * VALUES(SignalCount))
			/ (SignalCount + VALUES(SignalCount)),
		MinPower = LEAST(MinPower, VALUES(MinPower)),
		MaxPower = GREATEST(MaxPower, VALUES(MaxPower)),
		SignalCount = SignalCount + VALUES(SignalCount);`
)

// MySQL is the durable server-side storage tier. It intentionally mirrors
// the SQLite tier operation for operation; only the dialect differs.
type MySQL struct {
	DB   *sql.DB
	Grid geo.Grid

	inserted atomic.Int64
}

// NewMySQL prepares the schema and returns the server tier.
func NewMySQL(db *sql.DB, grid geo.Grid) (*MySQL, error) {
	m := &MySQL{DB: db, Grid: grid}
	for _, tmpl := range []string{
		mysqlCreateSignalsTmpl,
		mysqlCreateDevicesTmpl,
		mysqlCreateRelationshipsTmpl,
		mysqlCreateRollupsTmpl,
	} {
		if _, err := db.Exec(tmpl); err != nil {
			return nil, fmt.Errorf("unable to create schema: %w", err)
		}
	}
	return m, nil
}

func (m *MySQL) InsertBatch(ctx context.Context, signals []signal.Signal) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin batch: %w", err)
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx, mysqlInsertSignalTmpl)
	if err != nil {
		return fmt.Errorf("unable to prepare signal insert: %w", err)
	}
	defer insert.Close()
	upsert, err := tx.PrepareContext(ctx, mysqlUpsertDeviceTmpl)
	if err != nil {
		return fmt.Errorf("unable to prepare device upsert: %w", err)
	}
	defer upsert.Close()

	for i := range signals {
		if err := execInsertSignal(ctx, insert, upsert, &signals[i], m.Grid); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unable to commit batch: %w", err)
	}

	if total := m.inserted.Add(int64(len(signals))); total/mysqlSignalCountInfo != (total-int64(len(signals)))/mysqlSignalCountInfo {
		glog.Infof("mysql store: %d signals inserted so far", total)
	}
	return nil
}

func (m *MySQL) FindByID(ctx context.Context, id string) (signal.Signal, error) {
	row := m.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE ID = ?;`, id)
	return scanSignal(row)
}

func (m *MySQL) FindRecent(ctx context.Context, limit int) ([]signal.Signal, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT `+signalColumns+` FROM signals
		ORDER BY Timestamp DESC, ID ASC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to query recent signals: %w", err)
	}
	return scanSignals(rows)
}

func (m *MySQL) SignalsInCells(ctx context.Context, cells []string, startMs, endMs int64, limit int) ([]signal.Signal, error) {
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
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unable to query signals in cells: %w", err)
	}
	return scanSignals(rows)
}

func (m *MySQL) DevicesInArea(ctx context.Context, box signal.BoundingBox) ([]signal.Device, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices
		WHERE LastLat >= ? AND LastLat <= ? AND LastLon >= ? AND LastLon <= ?
		ORDER BY DeviceID ASC;`, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("unable to query devices in area: %w", err)
	}
	return scanDevices(rows)
}

func (m *MySQL) Device(ctx context.Context, deviceID string) (signal.Device, error) {
	row := m.DB.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE DeviceID = ?;`, deviceID)
	return scanDevice(row)
}

func (m *MySQL) UpsertRelationship(ctx context.Context, rel signal.Relationship) error {
	if _, err := m.DB.ExecContext(ctx, mysqlUpsertRelationshipTmpl,
		rel.DeviceA, rel.DeviceB, rel.Kind, rel.Weight, rel.LastObserved); err != nil {
		return fmt.Errorf("unable to upsert relationship %s/%s/%s: %w", rel.DeviceA, rel.DeviceB, rel.Kind, err)
	}
	return nil
}

func (m *MySQL) RelationshipsForDevice(ctx context.Context, deviceID string) ([]signal.Relationship, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT DeviceA, DeviceB, Kind, Weight, LastObserved
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

func (m *MySQL) DeleteSignalsBefore(ctx context.Context, cutoffMs int64, chunk int) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM signals WHERE Timestamp < ? LIMIT ?;`, cutoffMs, chunk)
	if err != nil {
		return 0, fmt.Errorf("unable to delete signal chunk: %w", err)
	}
	return res.RowsAffected()
}

func (m *MySQL) DeleteOrphanDevices(ctx context.Context) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM devices WHERE DeviceID NOT IN (
		SELECT DISTINCT DeviceID FROM signals WHERE DeviceID <> '');`)
	if err != nil {
		return 0, fmt.Errorf("unable to delete orphan devices: %w", err)
	}
	return res.RowsAffected()
}

func (m *MySQL) AggregateBefore(ctx context.Context, cutoffMs, bucketMs int64, deleteOriginals bool) (int64, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
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
	if _, err := tx.ExecContext(ctx, mysqlRollupTmpl, bucketMs, bucketMs, cutoffMs); err != nil {
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

func (m *MySQL) RollupsBetween(ctx context.Context, startMs, endMs int64) ([]Rollup, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT TimeBucket, CellKey, SignalCount, MinPower, AvgPower, MaxPower
		FROM rollups WHERE TimeBucket >= ? AND TimeBucket <= ?
		ORDER BY TimeBucket ASC, CellKey ASC;`, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("unable to query rollups: %w", err)
	}
	return scanRollups(rows)
}

func (m *MySQL) DeleteRollupsBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM rollups WHERE TimeBucket < ?;`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("unable to delete rollups: %w", err)
	}
	return res.RowsAffected()
}

func (m *MySQL) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(MIN(Timestamp), 0), COALESCE(MAX(Timestamp), 0) FROM signals;`).
		Scan(&st.SignalCount, &st.OldestTimestamp, &st.NewestTimestamp); err != nil {
		return st, fmt.Errorf("unable to read signal stats: %w", err)
	}
	if err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices;`).Scan(&st.DeviceCount); err != nil {
		return st, fmt.Errorf("unable to read device stats: %w", err)
	}
	if err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM rollups;`).Scan(&st.RollupCount); err != nil {
		return st, fmt.Errorf("unable to read rollup stats: %w", err)
	}
	if err := m.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(data_length + index_length), 0)
		FROM information_schema.tables
		WHERE table_schema = DATABASE()
		AND table_name IN ('signals', 'devices', 'relationships', 'rollups');`).
		Scan(&st.StorageBytes); err != nil {
		return st, fmt.Errorf("unable to read storage size: %w", err)
	}
	return st, nil
}

func (m *MySQL) GrowthBuckets(ctx context.Context, sinceMs, bucketMs int64) ([]GrowthBucket, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT (Timestamp DIV ?) * ? AS Bucket, COUNT(*)
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

func (m *MySQL) StatSamples(ctx context.Context, startMs, endMs int64) ([]StatSample, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT Power, Frequency, DeviceID, Timestamp
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

func (m *MySQL) Maintenance(ctx context.Context, action string) (string, error) {
	var stmt string
	switch action {
	case MaintenanceVacuum, MaintenanceOptimize:
		stmt = `OPTIMIZE TABLE signals, devices, relationships, rollups;`
	case MaintenanceAnalyze:
		stmt = `ANALYZE TABLE signals, devices, relationships, rollups;`
	default:
		return "", fmt.Errorf("unknown maintenance action %q", action)
	}
	if _, err := m.DB.ExecContext(ctx, stmt); err != nil {
		return "", fmt.Errorf("maintenance action %q failed: %w", action, err)
	}
	return fmt.Sprintf("mysql %s completed", action), nil
}

func (m *MySQL) Close() error {
	return m.DB.Close()
}
