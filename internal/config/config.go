// Package config loads the ledger service configuration: built-in defaults,
// then an optional YAML file, then PARI_* environment variables (a .env file
// in the working directory is loaded first when present).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MaxFeeRateBps mirrors the ledger's initialization bound.
const MaxFeeRateBps = 500

type Config struct {
	// Instance identifies this ledger domain in sync envelopes. Notices carrying
	// the same origin are ignored on receipt.
	Instance string `yaml:"instance"`
	LogLevel string `yaml:"log_level"`

	Storage StorageConfig `yaml:"storage"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Server  ServerConfig  `yaml:"server"`
	NATS    NATSConfig    `yaml:"nats"`
	Redis   RedisConfig   `yaml:"redis"`
}

type StorageConfig struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// MigrateOnStart applies embedded migrations before serving.
	MigrateOnStart bool `yaml:"migrate_on_start"`
}

type LedgerConfig struct {
	// FeeRateBps initializes an empty ledger. Ignored once initialized.
	FeeRateBps        int           `yaml:"fee_rate_bps"`
	CommandQueue      int           `yaml:"command_queue"`
	DedupCapacity     int           `yaml:"dedup_capacity"`
	NoticeRetention   time.Duration `yaml:"notice_retention"`
	AuditInterval     time.Duration `yaml:"audit_interval"`
	OutboxCapacity    int           `yaml:"outbox_capacity"`
	PublishBackoff    time.Duration `yaml:"publish_backoff"`
	PublishMaxBackoff time.Duration `yaml:"publish_max_backoff"`
}

type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr"`
	HTTPAddr        string        `yaml:"http_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	Stream   string `yaml:"stream"`
}

// Defaults returns a configuration that runs a single in-memory instance.
func Defaults() Config {
	return Config{
		Instance: "pari-1",
		LogLevel: "info",
		Storage: StorageConfig{
			Driver:         "memory",
			MigrateOnStart: true,
		},
		Ledger: LedgerConfig{
			FeeRateBps:        100,
			CommandQueue:      1024,
			DedupCapacity:     100_000,
			NoticeRetention:   72 * time.Hour,
			AuditInterval:     time.Minute,
			OutboxCapacity:    4096,
			PublishBackoff:    100 * time.Millisecond,
			PublishMaxBackoff: 30 * time.Second,
		},
		Server: ServerConfig{
			GRPCAddr:        ":9090",
			HTTPAddr:        ":8080",
			MetricsAddr:     ":9091",
			RateLimit:       200,
			RateBurst:       400,
			ShutdownTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Stream:  "PARI_LEDGER_SYNC",
			Subject: "pari.ledger.sync",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "pari.ledger.sync",
			Stream:  "pari:ledger:notices",
		},
	}
}

// Load merges the YAML file at path (skipped when path is empty) over the
// defaults and applies environment overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Instance, "PARI_INSTANCE")
	setStr(&cfg.LogLevel, "PARI_LOG_LEVEL")

	setStr(&cfg.Storage.Driver, "PARI_STORAGE_DRIVER")
	setStr(&cfg.Storage.DSN, "PARI_STORAGE_DSN")
	setBool(&cfg.Storage.MigrateOnStart, "PARI_STORAGE_MIGRATE_ON_START")

	setInt(&cfg.Ledger.FeeRateBps, "PARI_FEE_RATE_BPS")
	setInt(&cfg.Ledger.CommandQueue, "PARI_COMMAND_QUEUE")
	setInt(&cfg.Ledger.DedupCapacity, "PARI_DEDUP_CAPACITY")
	setDuration(&cfg.Ledger.NoticeRetention, "PARI_NOTICE_RETENTION")
	setDuration(&cfg.Ledger.AuditInterval, "PARI_AUDIT_INTERVAL")
	setInt(&cfg.Ledger.OutboxCapacity, "PARI_OUTBOX_CAPACITY")

	setStr(&cfg.Server.GRPCAddr, "PARI_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "PARI_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "PARI_METRICS_ADDR")
	setFloat64(&cfg.Server.RateLimit, "PARI_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "PARI_RATE_BURST")

	setBool(&cfg.NATS.Enabled, "PARI_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "PARI_NATS_URL")

	setBool(&cfg.Redis.Enabled, "PARI_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PARI_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PARI_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PARI_REDIS_DB")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Instance) == "" {
		errs = append(errs, "instance must not be empty")
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Sprintf("storage: dsn is required for driver %s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: memory, sqlite, postgres)", c.Storage.Driver))
	}

	if c.Ledger.FeeRateBps < 0 || c.Ledger.FeeRateBps > MaxFeeRateBps {
		errs = append(errs, fmt.Sprintf("ledger: fee_rate_bps must be in [0, %d], got %d", MaxFeeRateBps, c.Ledger.FeeRateBps))
	}
	if c.Ledger.CommandQueue <= 0 {
		errs = append(errs, "ledger: command_queue must be positive")
	}
	if c.Ledger.DedupCapacity <= 0 {
		errs = append(errs, "ledger: dedup_capacity must be positive")
	}
	if c.Ledger.OutboxCapacity <= 0 {
		errs = append(errs, "ledger: outbox_capacity must be positive")
	}

	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		errs = append(errs, "server: at least one of http_addr, grpc_addr must be set")
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		errs = append(errs, "server: rate_burst must be positive when rate_limit is set")
	}

	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Stream == "" || c.NATS.Subject == "") {
		errs = append(errs, "nats: url, stream and subject are required when enabled")
	}
	if c.Redis.Enabled && (c.Redis.Addr == "" || c.Redis.Channel == "") {
		errs = append(errs, "redis: addr and channel are required when enabled")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// SyncEnabled reports whether any cross-domain transport is configured.
func (c *Config) SyncEnabled() bool {
	return c.NATS.Enabled || c.Redis.Enabled
}
