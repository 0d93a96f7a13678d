package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %q", cfg.Server.Addr)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected default driver memory, got %q", cfg.Store.Driver)
	}
	if cfg.Reservations.DefaultTTL.Std() != 15*time.Minute {
		t.Errorf("expected default ttl 15m, got %v", cfg.Reservations.DefaultTTL.Std())
	}
	if cfg.Redis.Addr != "" || len(cfg.Kafka.Brokers) != 0 || cfg.Tracing.Enabled {
		t.Errorf("expected optional backends disabled by default: %+v", cfg)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  addr: ":9090"
store:
  driver: mysql
  mysql_dsn: "root:root@tcp(db:3306)/stockhold?parseTime=true"
  lock_wait: 750ms
redis:
  addr: "cache:6379"
kafka:
  brokers: ["broker-1:9092", "broker-2:9092"]
reservations:
  default_ttl: 20m
sweeper:
  interval: 30s
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr not applied: %q", cfg.Server.Addr)
	}
	if cfg.Store.Driver != "mysql" || cfg.Store.MySQLDSN == "" {
		t.Errorf("store section not applied: %+v", cfg.Store)
	}
	if cfg.Store.LockWait.Std() != 750*time.Millisecond {
		t.Errorf("expected lock_wait 750ms, got %v", cfg.Store.LockWait.Std())
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Reservations.DefaultTTL.Std() != 20*time.Minute {
		t.Errorf("expected ttl 20m, got %v", cfg.Reservations.DefaultTTL.Std())
	}
	if cfg.Sweeper.Interval.Std() != 30*time.Second {
		t.Errorf("expected sweep interval 30s, got %v", cfg.Sweeper.Interval.Std())
	}
	// Sections the file omits keep their defaults.
	if cfg.Sweeper.BatchSize != 100 || cfg.Kafka.Topic != "stock-ledger" {
		t.Errorf("defaults lost for omitted keys: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: mysql\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("STOCKHOLD_STORE_DRIVER", "postgres")
	t.Setenv("STOCKHOLD_ADDR", ":7070")
	t.Setenv("STOCKHOLD_KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("STOCKHOLD_DEFAULT_TTL", "5m")
	t.Setenv("STOCKHOLD_TRACING_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("env must beat file, got driver %q", cfg.Store.Driver)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("env addr not applied: %q", cfg.Server.Addr)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "a:9092" || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("broker list not split cleanly: %v", cfg.Kafka.Brokers)
	}
	if cfg.Reservations.DefaultTTL.Std() != 5*time.Minute {
		t.Errorf("env ttl not applied: %v", cfg.Reservations.DefaultTTL.Std())
	}
	if !cfg.Tracing.Enabled {
		t.Error("env tracing flag not applied")
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not fail: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected defaults, got driver %q", cfg.Store.Driver)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  lock_wait: soon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unparseable duration")
	}
}
