package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BOOKLINK_ESCROW_DATABASE_URL", "postgres://localhost/booklink")
	t.Setenv("BOOKLINK_JWT_SECRET", "secret")
	t.Setenv("BOOKLINK_IDENTITY_URL", "http://identity.local")
	t.Setenv("BOOKLINK_NOTIFY_SINK_URL", "http://notify.local/events")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8084" {
		t.Fatalf("unexpected listen address %s", cfg.ListenAddress)
	}
	if cfg.DefaultCommissionRate != 0.08 {
		t.Fatalf("unexpected default rate %v", cfg.DefaultCommissionRate)
	}
	if cfg.QueueTTL.Value() != 15*time.Minute {
		t.Fatalf("unexpected queue ttl %s", cfg.QueueTTL.Value())
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BOOKLINK_ESCROW_DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing database url")
	}
}

func TestEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BOOKLINK_ESCROW_LISTEN", ":9090")
	t.Setenv("BOOKLINK_COMMISSION_RATE", "0.1")
	t.Setenv("BOOKLINK_QUEUE_TTL", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9090" {
		t.Fatalf("listen override not applied: %s", cfg.ListenAddress)
	}
	if cfg.DefaultCommissionRate != 0.1 {
		t.Fatalf("rate override not applied: %v", cfg.DefaultCommissionRate)
	}
	if cfg.QueueTTL.Value() != time.Minute {
		t.Fatalf("ttl override not applied: %s", cfg.QueueTTL.Value())
	}
}

func TestLoadTOMLFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrow.toml")
	contents := `
listen_address = ":7000"
default_commission_rate = 0.05
queue_ttl = "2m"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	setRequiredEnv(t)
	t.Setenv("BOOKLINK_ESCROW_CONFIG", path)
	t.Setenv("BOOKLINK_ESCROW_LISTEN", ":7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7001" {
		t.Fatalf("env must override file, got %s", cfg.ListenAddress)
	}
	if cfg.DefaultCommissionRate != 0.05 {
		t.Fatalf("file rate not applied: %v", cfg.DefaultCommissionRate)
	}
	if cfg.QueueTTL.Value() != 2*time.Minute {
		t.Fatalf("file ttl not applied: %s", cfg.QueueTTL.Value())
	}
}

func TestRejectsOutOfRangeRate(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BOOKLINK_COMMISSION_RATE", "1.5")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for out of range rate")
	}
}
