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

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies OPINIX_* environment variable overrides, and
// returns the final Config. A missing file is not an error; the defaults and
// environment carry the configuration then. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known OPINIX_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Addr, "OPINIX_SERVER_ADDR")
	setDuration(&cfg.Server.ReadTimeout, "OPINIX_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "OPINIX_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "OPINIX_SERVER_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Postgres.DSN, "OPINIX_POSTGRES_DSN")
	setInt(&cfg.Postgres.PoolMaxConns, "OPINIX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "OPINIX_POSTGRES_POOL_MIN_CONNS")
	setInt(&cfg.Postgres.TxMaxRetries, "OPINIX_POSTGRES_TX_MAX_RETRIES")

	setStr(&cfg.Redis.Addr, "OPINIX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OPINIX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OPINIX_REDIS_DB")
	setDuration(&cfg.Redis.CacheTTL, "OPINIX_REDIS_CACHE_TTL")

	setFloat64(&cfg.Engine.CommissionRate, "OPINIX_ENGINE_COMMISSION_RATE")
	setInt(&cfg.Engine.PayoutWorkers, "OPINIX_ENGINE_PAYOUT_WORKERS")

	setStr(&cfg.LogLevel, "OPINIX_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

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

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
