// Package config provides configuration defaults and YAML loading for
// the argus binaries. All values have documented defaults; a config file
// only needs to name what it overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListenAddress is the default server listen address.
	// Override via config: server.listen
	DefaultListenAddress = ":8443"

	// DefaultMode selects the storage tier: "server" (MySQL) or
	// "local" (SQLite). Resolved once at startup.
	// Override via config: mode
	DefaultMode = "local"

	// DefaultSQLiteFile is the local tier database path.
	// Override via config: sqlite.file
	DefaultSQLiteFile = "/tmp/argus.db"

	// DefaultMySQLServer is the server tier TCP endpoint.
	// Override via config: mysql.server
	DefaultMySQLServer = "127.0.0.1:3306"

	// DefaultMySQLDBName is the server tier database name.
	// Override via config: mysql.db_name
	DefaultMySQLDBName = "argus"

	// DefaultCellMeters is the spatial grid cell edge, matched to the
	// typical query radius.
	// Override via config: spatial.cell_meters
	DefaultCellMeters = 500

	// DefaultMaxRadiusMeters is the hard cap on a radius query.
	// Override via config: spatial.max_radius_meters
	DefaultMaxRadiusMeters = 50000

	// DefaultMaxLimit is the hard cap on any query result size.
	// Override via config: spatial.max_limit
	DefaultMaxLimit = 10000

	// DefaultMaxConcurrentBatches bounds the ingest worker pool. Extra
	// batches queue on the semaphore instead of piling into the store.
	// Override via config: ingest.max_concurrent_batches
	DefaultMaxConcurrentBatches = 8

	// DefaultColocationMeters is the distance at which two devices in
	// one batch earn a co-location relationship edge. Zero disables it.
	// Override via config: ingest.colocation_meters
	DefaultColocationMeters = 100

	// DefaultMaxAgeHours is the signal retention window.
	// Override via config: retention.max_age_hours
	DefaultMaxAgeHours = 168

	// DefaultAggregationAgeHours is the age past which fine-grained
	// signals are rolled up.
	// Override via config: retention.aggregation_age_hours
	DefaultAggregationAgeHours = 24

	// DefaultBucketMinutes is the rollup time bucket width.
	// Override via config: retention.bucket_minutes
	DefaultBucketMinutes = 60

	// DefaultCleanupIntervalMinutes schedules the cleanup pass.
	// Override via config: retention.cleanup_interval_minutes
	DefaultCleanupIntervalMinutes = 60

	// DefaultAggregationIntervalMinutes schedules the aggregation pass.
	// Override via config: retention.aggregation_interval_minutes
	DefaultAggregationIntervalMinutes = 360

	// DefaultChunkSize bounds one cleanup delete transaction.
	// Override via config: retention.chunk_size
	DefaultChunkSize = 5000

	// DefaultRollupRetentionDays is the second-tier retention window
	// over the rollups themselves.
	// Override via config: retention.rollup_retention_days
	DefaultRollupRetentionDays = 90
)

type SQLite struct {
	File string `yaml:"file"`
}

type MySQL struct {
	Server       string `yaml:"server"`
	User         string `yaml:"user"`
	PasswordFile string `yaml:"password_file"`
	DBName       string `yaml:"db_name"`
}

type Spatial struct {
	CellMeters      float64 `yaml:"cell_meters"`
	MaxRadiusMeters float64 `yaml:"max_radius_meters"`
	MaxLimit        int     `yaml:"max_limit"`
}

type Ingest struct {
	MaxConcurrentBatches int64   `yaml:"max_concurrent_batches"`
	ColocationMeters     float64 `yaml:"colocation_meters"`
}

type Retention struct {
	MaxAgeHours                int  `yaml:"max_age_hours"`
	AggregationAgeHours        int  `yaml:"aggregation_age_hours"`
	BucketMinutes              int  `yaml:"bucket_minutes"`
	CleanupIntervalMinutes     int  `yaml:"cleanup_interval_minutes"`
	AggregationIntervalMinutes int  `yaml:"aggregation_interval_minutes"`
	ChunkSize                  int  `yaml:"chunk_size"`
	RollupRetentionDays        int  `yaml:"rollup_retention_days"`
	DeleteAfterRollup          bool `yaml:"delete_after_rollup"`
}

type Server struct {
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type Config struct {
	Mode      string    `yaml:"mode"` // server | local
	Server    Server    `yaml:"server"`
	SQLite    SQLite    `yaml:"sqlite"`
	MySQL     MySQL     `yaml:"mysql"`
	Spatial   Spatial   `yaml:"spatial"`
	Ingest    Ingest    `yaml:"ingest"`
	Retention Retention `yaml:"retention"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Mode: DefaultMode,
		Server: Server{
			Listen: DefaultListenAddress,
		},
		SQLite: SQLite{
			File: DefaultSQLiteFile,
		},
		MySQL: MySQL{
			Server: DefaultMySQLServer,
			DBName: DefaultMySQLDBName,
		},
		Spatial: Spatial{
			CellMeters:      DefaultCellMeters,
			MaxRadiusMeters: DefaultMaxRadiusMeters,
			MaxLimit:        DefaultMaxLimit,
		},
		Ingest: Ingest{
			MaxConcurrentBatches: DefaultMaxConcurrentBatches,
			ColocationMeters:     DefaultColocationMeters,
		},
		Retention: Retention{
			MaxAgeHours:                DefaultMaxAgeHours,
			AggregationAgeHours:        DefaultAggregationAgeHours,
			BucketMinutes:              DefaultBucketMinutes,
			CleanupIntervalMinutes:     DefaultCleanupIntervalMinutes,
			AggregationIntervalMinutes: DefaultAggregationIntervalMinutes,
			ChunkSize:                  DefaultChunkSize,
			RollupRetentionDays:        DefaultRollupRetentionDays,
			DeleteAfterRollup:          true,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse config file %q: %w", path, err)
	}
	if cfg.Mode != "server" && cfg.Mode != "local" {
		return cfg, fmt.Errorf("mode must be %q or %q, got %q", "server", "local", cfg.Mode)
	}
	return cfg, nil
}
