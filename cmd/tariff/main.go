// Tariff - Wholesale pricing that never re-prices a placed order.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/tariff/internal/api"
	"github.com/opensource-finance/tariff/internal/bus"
	"github.com/opensource-finance/tariff/internal/cache"
	"github.com/opensource-finance/tariff/internal/checkout"
	"github.com/opensource-finance/tariff/internal/domain"
	"github.com/opensource-finance/tariff/internal/pricing"
	"github.com/opensource-finance/tariff/internal/repository"
	"github.com/opensource-finance/tariff/internal/seed"
	"github.com/opensource-finance/tariff/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	loadEnvFile()

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting tariff",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"settlement_mode", cfg.Pricing.SettlementMode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Pricing engine over the cached rule pool
	rulePool := pricing.NewCachedRulePool(repo, cacheImpl, cfg.Cache.RulePoolTTL)
	engine, err := pricing.NewEngine(rulePool, cfg.Pricing.SettlementMode)
	if err != nil {
		slog.Error("failed to initialize pricing engine", "error", err)
		os.Exit(1)
	}

	if cfg.RulesSeedPath != "" {
		res, err := seed.LoadFile(ctx, cfg.RulesSeedPath, repo, engine)
		if err != nil {
			slog.Error("failed to seed rules", "path", cfg.RulesSeedPath, "error", err)
			os.Exit(1)
		}
		slog.Info("rule seed applied", "path", cfg.RulesSeedPath, "saved", res.Saved, "skipped", res.Skipped)
	}

	checkoutSvc := checkout.NewService(engine, repo, busImpl)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, checkoutSvc, rulePool)

		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
			cfg.Server.AsyncCheckout = true
		}
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, checkoutSvc, rulePool, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("tariff is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop taking HTTP traffic before the worker so queued checkouts drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	slog.Info("tariff shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 TARIFF                    |")
	fmt.Println("  |     Wholesale Pricing & Settlement        |")
	fmt.Println("  |    Priced once. Stored as priced.         |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:     %s\n", version)
	fmt.Printf("  Tier:        %s\n", cfg.Tier)
	fmt.Printf("  Settlement:  %s\n", cfg.Pricing.SettlementMode)
	fmt.Printf("  Server:      http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /quote                     - Price a cart without ordering")
	fmt.Println("    POST /orders                    - Place an order (?async=true to queue)")
	fmt.Println("    GET  /orders/{id}               - Get order with its snapshot")
	fmt.Println("    POST /orders/{id}/amendments    - Re-price into an amendment")
	fmt.Println("    GET  /orders/{id}/amendments    - List amendments")
	fmt.Println("    GET  /rules                     - List pricing rules")
	fmt.Println("    POST /rules                     - Create a pricing rule")
	fmt.Println("    PUT  /rules/{id}                - Update an unlocked rule")
	fmt.Println("    POST /rules/{id}/lock           - Lock a rule")
	fmt.Println("    POST /rules/reload              - Drop cached rule pools")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println()
}
