package main

import (
	"testing"
	"time"

	"github.com/opensource-finance/tariff/internal/domain"
)

func envOf(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := loadConfig(envOf(nil))
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if cfg.Tier != domain.TierCommunity {
			t.Errorf("expected community tier, got %s", cfg.Tier)
		}
		if cfg.Repository.Driver != "sqlite" || cfg.EventBus.Type != "channel" {
			t.Errorf("unexpected community stack: %s/%s", cfg.Repository.Driver, cfg.EventBus.Type)
		}
		if cfg.Worker.Enabled {
			t.Error("expected worker disabled in community tier")
		}
	})

	t.Run("ProTier", func(t *testing.T) {
		cfg, err := loadConfig(envOf(map[string]string{"TARIFF_TIER": "pro"}))
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if cfg.Repository.Driver != "pgx" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
			t.Errorf("unexpected pro stack: %+v", cfg)
		}
		if !cfg.Worker.Enabled {
			t.Error("expected worker enabled in pro tier")
		}
	})

	t.Run("Overlay", func(t *testing.T) {
		cfg, err := loadConfig(envOf(map[string]string{
			"TARIFF_PORT":            "9090",
			"TARIFF_DEBUG":           "true",
			"TARIFF_DB_DRIVER":       "postgres",
			"TARIFF_PG_HOST":         "db.internal",
			"TARIFF_SETTLEMENT_MODE": "gaddi_credit",
			"TARIFF_RULE_POOL_TTL":   "15s",
			"TARIFF_ASYNC_WORKER":    "1",
			"TARIFF_TENANTS":         "surat, jaipur,,",
			"TARIFF_CORS_ORIGINS":    "https://portal.example, https://admin.example",
			"TARIFF_RULES_SEED":      "rules.yaml",
		}))
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected debug logging, got %s", cfg.Logging.Level)
		}
		if cfg.Repository.Driver != "postgres" || cfg.Repository.PostgresHost != "db.internal" {
			t.Errorf("unexpected repository config: %+v", cfg.Repository)
		}
		if cfg.Pricing.SettlementMode != domain.SettlementGaddiCredit {
			t.Errorf("expected GADDI_CREDIT, got %s", cfg.Pricing.SettlementMode)
		}
		if cfg.Cache.RulePoolTTL != 15*time.Second {
			t.Errorf("expected 15s, got %s", cfg.Cache.RulePoolTTL)
		}
		if !cfg.Worker.Enabled || len(cfg.Worker.TenantIDs) != 2 || cfg.Worker.TenantIDs[1] != "jaipur" {
			t.Errorf("unexpected worker config: %+v", cfg.Worker)
		}
		if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[0] != "https://portal.example" {
			t.Errorf("unexpected allowed origins: %v", cfg.Server.AllowedOrigins)
		}
		if cfg.RulesSeedPath != "rules.yaml" {
			t.Errorf("expected seed path, got %q", cfg.RulesSeedPath)
		}
	})

	t.Run("InvalidValues", func(t *testing.T) {
		for _, vars := range []map[string]string{
			{"TARIFF_PORT": "eighty"},
			{"TARIFF_DEBUG": "sometimes"},
			{"TARIFF_RULE_POOL_TTL": "soon"},
			{"TARIFF_SETTLEMENT_MODE": "BARTER"},
		} {
			if _, err := loadConfig(envOf(vars)); err == nil {
				t.Errorf("expected error for %v", vars)
			}
		}
	})
}

func TestNewLogger(t *testing.T) {
	logger := newLogger(domain.LoggingConfig{Level: "debug", Format: "text"})
	if !logger.Enabled(t.Context(), -4) {
		t.Error("expected debug level enabled")
	}

	logger = newLogger(domain.LoggingConfig{Level: "nonsense"})
	if logger.Enabled(t.Context(), -4) {
		t.Error("expected unknown level to fall back to info")
	}
}
