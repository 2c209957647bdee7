package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/tariff/internal/domain"
)

// loadEnvFile loads .env (or TARIFF_ENV_FILE) into the process environment.
// Variables already set take precedence over the file.
func loadEnvFile() {
	path := os.Getenv("TARIFF_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to load env file", "path", path, "error", err)
		}
		return
	}
	slog.Info("environment loaded from file", "path", path)
}

// loadConfig builds the configuration for the tier named by TARIFF_TIER and
// overlays any TARIFF_* variables found through getenv.
func loadConfig(getenv func(string) string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if getenv("TARIFF_TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	env := envReader{getenv: getenv}

	// Server
	env.str("TARIFF_HOST", &cfg.Server.Host)
	env.int("TARIFF_PORT", &cfg.Server.Port)
	env.list("TARIFF_CORS_ORIGINS", &cfg.Server.AllowedOrigins)

	// Logging
	if env.bool("TARIFF_DEBUG") {
		cfg.Logging.Level = "debug"
	}
	env.str("TARIFF_LOG_FORMAT", &cfg.Logging.Format)

	// Pricing
	if mode := getenv("TARIFF_SETTLEMENT_MODE"); mode != "" {
		cfg.Pricing.SettlementMode = domain.SettlementMode(strings.ToUpper(mode))
		if !cfg.Pricing.SettlementMode.Valid() {
			return nil, fmt.Errorf("TARIFF_SETTLEMENT_MODE: unknown settlement mode %q", mode)
		}
	}

	// Repository
	env.str("TARIFF_DB_DRIVER", &cfg.Repository.Driver)
	env.str("TARIFF_SQLITE_PATH", &cfg.Repository.SQLitePath)
	env.str("TARIFF_PG_HOST", &cfg.Repository.PostgresHost)
	env.int("TARIFF_PG_PORT", &cfg.Repository.PostgresPort)
	env.str("TARIFF_PG_USER", &cfg.Repository.PostgresUser)
	env.str("TARIFF_PG_PASSWORD", &cfg.Repository.PostgresPassword)
	env.str("TARIFF_PG_DB", &cfg.Repository.PostgresDB)
	env.str("TARIFF_PG_SSLMODE", &cfg.Repository.PostgresSSLMode)

	// Cache
	env.str("TARIFF_CACHE", &cfg.Cache.Type)
	env.str("TARIFF_REDIS_ADDR", &cfg.Cache.RedisAddr)
	env.str("TARIFF_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	env.int("TARIFF_REDIS_DB", &cfg.Cache.RedisDB)
	env.duration("TARIFF_RULE_POOL_TTL", &cfg.Cache.RulePoolTTL)

	// Event bus
	env.str("TARIFF_BUS", &cfg.EventBus.Type)
	env.str("TARIFF_NATS_URL", &cfg.EventBus.NATSUrl)
	env.str("TARIFF_NATS_TOKEN", &cfg.EventBus.NATSToken)

	// Worker
	if env.bool("TARIFF_ASYNC_WORKER") {
		cfg.Worker.Enabled = true
	}
	env.list("TARIFF_TENANTS", &cfg.Worker.TenantIDs)

	if env.bool("TARIFF_TRACING") {
		cfg.Tracing.Enabled = true
	}
	env.str("TARIFF_RULES_SEED", &cfg.RulesSeedPath)

	if env.err != nil {
		return nil, env.err
	}
	return cfg, nil
}

// envReader applies variables that are set and remembers the first parse error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

// list splits a comma-separated variable, dropping empty entries.
func (e *envReader) list(key string, dst *[]string) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (e *envReader) int(key string, dst *int) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v)
		return
	}
	*dst = d
}

func (e *envReader) bool(key string) bool {
	v := e.getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v)
		return false
	}
	return b
}

func (e *envReader) fail(key, value string) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: invalid value %q", key, value)
	}
}

// newLogger returns the JSON (or text) slog logger described by cfg.
func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
