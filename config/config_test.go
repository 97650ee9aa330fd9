package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %s", err)
	}
	if cfg.Mode != DefaultMode {
		t.Errorf("Mode = %q, want %q", cfg.Mode, DefaultMode)
	}
	if cfg.Server.Listen != DefaultListenAddress {
		t.Errorf("Listen = %q, want %q", cfg.Server.Listen, DefaultListenAddress)
	}
	if cfg.Spatial.CellMeters != DefaultCellMeters {
		t.Errorf("CellMeters = %v, want %v", cfg.Spatial.CellMeters, DefaultCellMeters)
	}
	if !cfg.Retention.DeleteAfterRollup {
		t.Error("DeleteAfterRollup default = false, want true")
	}
}

func TestLoadOverridesKeepDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `mode: server
mysql:
  server: db.example.com:3306
  user: argus
retention:
  max_age_hours: 24
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("unable to write config: %s", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %s", err)
	}
	if cfg.Mode != "server" {
		t.Errorf("Mode = %q, want server", cfg.Mode)
	}
	if cfg.MySQL.Server != "db.example.com:3306" || cfg.MySQL.User != "argus" {
		t.Errorf("MySQL = %+v, want overridden server and user", cfg.MySQL)
	}
	if cfg.Retention.MaxAgeHours != 24 {
		t.Errorf("MaxAgeHours = %d, want 24", cfg.Retention.MaxAgeHours)
	}
	// Untouched keys keep their defaults.
	if cfg.MySQL.DBName != DefaultMySQLDBName {
		t.Errorf("DBName = %q, want default %q", cfg.MySQL.DBName, DefaultMySQLDBName)
	}
	if cfg.Spatial.MaxLimit != DefaultMaxLimit {
		t.Errorf("MaxLimit = %d, want default %d", cfg.Spatial.MaxLimit, DefaultMaxLimit)
	}
}

func TestLoadRejectsBadMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mode: hybrid\n"), 0o644); err != nil {
		t.Fatalf("unable to write config: %s", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted unknown mode")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/no/such/config.yaml"); err == nil {
		t.Error("Load succeeded on a missing file")
	}
}
