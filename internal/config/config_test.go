package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
storage:
  driver: postgres
  dsn: postgres://localhost:5432/driveguard
sweeper:
  interval: 1m
  expiry: 48h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Sweeper.Interval != Duration(time.Minute) || cfg.Sweeper.Expiry != Duration(48*time.Hour) {
		t.Fatalf("sweeper = %+v", cfg.Sweeper)
	}
	// untouched sections keep defaults
	if !cfg.API.Enabled || cfg.API.Addr != ":8080" {
		t.Fatalf("api = %+v", cfg.API)
	}
	if cfg.Sweeper.RunTimeout != Duration(time.Minute) {
		t.Fatalf("run_timeout = %s", cfg.Sweeper.RunTimeout)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, `{"log_level":"warn","api":{"enabled":true,"addr":":9090"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.API.Addr != ":9090" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "mongodb"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestValidateKafkaRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingest.Kafka.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for kafka without brokers")
	}
	cfg.Ingest.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Ingest.Kafka.Topic = "driveguard.events"
	cfg.Ingest.Kafka.GroupID = "driveguard"
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRejectsEmptyFile(t *testing.T) {
	path := writeConfig(t, "   \n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty config")
	}
}
