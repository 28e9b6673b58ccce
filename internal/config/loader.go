package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (optional, "" skips it) over the
// built-in defaults, loads .env if present, and applies FUNDING_*
// environment overrides. The result has NOT been validated; call
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads FUNDING_* environment variables and overwrites
// the matching field when the variable is set and non-empty.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setStr(&cfg.Market.ID, "FUNDING_MARKET_ID")
	setStr(&cfg.Market.SkewScale, "FUNDING_SKEW_SCALE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FUNDING_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "FUNDING_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "FUNDING_POSTGRES_MAX_IDLE_CONNS")
	setStr(&cfg.Postgres.MigrationsDir, "FUNDING_MIGRATIONS_DIR")
	setBool(&cfg.Postgres.RunMigrations, "FUNDING_RUN_MIGRATIONS")

	// ── NATS / Kafka / outbound ──
	setBool(&cfg.NATS.Enabled, "FUNDING_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "FUNDING_NATS_URL")
	setStr(&cfg.Kafka.Brokers, "FUNDING_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "FUNDING_KAFKA_TOPIC")
	setStr(&cfg.Outbound.Sink, "FUNDING_OUTBOUND_SINK")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "FUNDING_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "FUNDING_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUNDING_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUNDING_REDIS_DB")

	// ── Server ──
	setStr(&cfg.Server.GRPCAddr, "FUNDING_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "FUNDING_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "FUNDING_METRICS_ADDR")

	// ── Channels / workers ──
	setInt(&cfg.Channels.Persist, "FUNDING_PERSIST_CHAN_SIZE")
	setInt(&cfg.Channels.Projection, "FUNDING_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Persistence.BatchSize, "FUNDING_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Persistence.FlushTimeout, "FUNDING_PERSIST_FLUSH_TIMEOUT")
	setInt64(&cfg.Snapshot.Interval, "FUNDING_SNAPSHOT_INTERVAL")
	setInt(&cfg.Idempotency.LRUCapacity, "FUNDING_IDEMPOTENCY_LRU_CAPACITY")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "FUNDING_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.
// ---------------------------------------------------------------------------

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
