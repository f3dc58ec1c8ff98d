package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	AuditLocal = "local"
	AuditRedis = "redis"
	AuditOff   = "off"
)

type AppConfig struct {
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`

	StoreDriver    string `yaml:"store_driver" env:"STORE_DRIVER"`
	DatabaseURL    string `yaml:"database_url" env:"DATABASE_URL"`
	SQLitePath     string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	DBMaxOpenConns int    `yaml:"db_max_open_conns" env:"DB_MAX_OPEN_CONNS"`

	RedisURL       string `yaml:"redis_url" env:"REDIS_URL"`
	AuditMode      string `yaml:"audit_mode" env:"AUDIT_MODE"`
	AuditWorkers   int    `yaml:"audit_workers" env:"AUDIT_WORKERS"`
	AuditQueueSize int    `yaml:"audit_queue_size" env:"AUDIT_QUEUE_SIZE"`
	AuditQueueKey  string `yaml:"audit_queue_key" env:"AUDIT_QUEUE_KEY"`

	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`

	HealthIntervalSec      int `yaml:"health_interval_sec" env:"HEALTH_INTERVAL_SEC"`
	HealthFailureThreshold int `yaml:"health_failure_threshold" env:"HEALTH_FAILURE_THRESHOLD"`
	StartupTimeoutSec      int `yaml:"startup_timeout_sec" env:"STARTUP_TIMEOUT_SEC"`

	OTelEndpoint string `yaml:"otel_endpoint" env:"OTEL_ENDPOINT"`
	MessagesDir  string `yaml:"messages_dir" env:"MESSAGES_DIR"`
}

func defaults() *AppConfig {
	return &AppConfig{
		HTTPAddr:               ":8080",
		StoreDriver:            DriverMemory,
		DBMaxOpenConns:         16,
		AuditMode:              AuditLocal,
		AuditWorkers:           2,
		AuditQueueSize:         256,
		AuditQueueKey:          "audit:games",
		HealthIntervalSec:      5,
		HealthFailureThreshold: 3,
		StartupTimeoutSec:      60,
	}
}

// Load builds the config from defaults, then CONFIG_FILE (YAML) when set,
// then the environment. Environment values win.
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays set variables only; unset ones keep file or default
// values. Non-positive numbers fall back to the defaults.
func (c *AppConfig) applyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	d := defaults()
	for _, p := range []struct{ v, def *int }{
		{&c.DBMaxOpenConns, &d.DBMaxOpenConns},
		{&c.AuditWorkers, &d.AuditWorkers},
		{&c.AuditQueueSize, &d.AuditQueueSize},
		{&c.HealthIntervalSec, &d.HealthIntervalSec},
		{&c.HealthFailureThreshold, &d.HealthFailureThreshold},
		{&c.StartupTimeoutSec, &d.StartupTimeoutSec},
	} {
		if *p.v <= 0 {
			*p.v = *p.def
		}
	}
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.AuditMode = strings.ToLower(strings.TrimSpace(c.AuditMode))
	return nil
}

// Validate checks required fields for the selected driver and audit mode.
func (c *AppConfig) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.AuditMode {
	case AuditLocal, AuditOff:
	case AuditRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when AUDIT_MODE=redis")
		}
	default:
		return fmt.Errorf("unknown AUDIT_MODE %q", c.AuditMode)
	}

	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR is required")
	}
	return nil
}

func (c *AppConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSec) * time.Second
}

func (c *AppConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSec) * time.Second
}
