// Package config loads server settings from an optional YAML file with
// environment variable overrides, so containerized deployments can run
// without a file at all.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML strings like "15m" or "750ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Store struct {
		// Driver selects the persistence backend: mysql, postgres, or
		// memory.
		Driver      string   `yaml:"driver"`
		MySQLDSN    string   `yaml:"mysql_dsn"`
		PostgresDSN string   `yaml:"postgres_dsn"`
		LockWait    Duration `yaml:"lock_wait"`
	} `yaml:"store"`

	Redis struct {
		// Addr empty disables the availability projection and sweep lease.
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	Kafka struct {
		// Brokers empty disables the ledger event stream.
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Reservations struct {
		DefaultTTL    Duration `yaml:"default_ttl"`
		RetryAttempts int      `yaml:"retry_attempts"`
		RetryBackoff  Duration `yaml:"retry_backoff"`
	} `yaml:"reservations"`

	Sweeper struct {
		Interval  Duration `yaml:"interval"`
		BatchSize int      `yaml:"batch_size"`
	} `yaml:"sweeper"`

	Tracing struct {
		Enabled        bool   `yaml:"enabled"`
		JaegerEndpoint string `yaml:"jaeger_endpoint"`
	} `yaml:"tracing"`
}

// Default returns the configuration used when no file and no environment
// overrides are present: in-memory store, no Redis, no Kafka, no tracing.
func Default() Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Store.Driver = "memory"
	cfg.Store.LockWait = Duration(3 * time.Second)
	cfg.Kafka.Topic = "stock-ledger"
	cfg.Reservations.DefaultTTL = Duration(15 * time.Minute)
	cfg.Reservations.RetryAttempts = 3
	cfg.Reservations.RetryBackoff = Duration(25 * time.Millisecond)
	cfg.Sweeper.Interval = Duration(time.Minute)
	cfg.Sweeper.BatchSize = 100
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	return cfg
}

// Load layers defaults, then the YAML file at path (skipped when path is
// empty or missing), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("STOCKHOLD_ADDR", cfg.Server.Addr)
	cfg.Store.Driver = getEnv("STOCKHOLD_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.MySQLDSN = getEnv("STOCKHOLD_MYSQL_DSN", cfg.Store.MySQLDSN)
	cfg.Store.PostgresDSN = getEnv("STOCKHOLD_POSTGRES_DSN", cfg.Store.PostgresDSN)
	cfg.Redis.Addr = getEnv("STOCKHOLD_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Kafka.Topic = getEnv("STOCKHOLD_KAFKA_TOPIC", cfg.Kafka.Topic)
	if brokers := os.Getenv("STOCKHOLD_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Tracing.JaegerEndpoint = getEnv("STOCKHOLD_JAEGER_ENDPOINT", cfg.Tracing.JaegerEndpoint)
	if os.Getenv("STOCKHOLD_TRACING_ENABLED") == "true" {
		cfg.Tracing.Enabled = true
	}
	if ttl := os.Getenv("STOCKHOLD_DEFAULT_TTL"); ttl != "" {
		if parsed, err := time.ParseDuration(ttl); err == nil {
			cfg.Reservations.DefaultTTL = Duration(parsed)
		}
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
