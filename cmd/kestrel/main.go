// Kestrel - Promotion and coupon engine with fraud screening built in.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openpromo/kestrel/internal/api"
	"github.com/openpromo/kestrel/internal/blacklist"
	"github.com/openpromo/kestrel/internal/bus"
	"github.com/openpromo/kestrel/internal/cache"
	"github.com/openpromo/kestrel/internal/coupon"
	"github.com/openpromo/kestrel/internal/domain"
	"github.com/openpromo/kestrel/internal/fraud"
	"github.com/openpromo/kestrel/internal/geo"
	"github.com/openpromo/kestrel/internal/ratelimit"
	"github.com/openpromo/kestrel/internal/repository"
	"github.com/openpromo/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

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

	// Initialize Blacklist Store
	store := blacklist.NewStore(repo, busImpl)

	// Initialize Rate Limit Enforcer
	limiter := ratelimit.NewEnforcer(repo)

	// Initialize Coupon Service
	coupons := coupon.NewService(repo, cacheImpl, busImpl, limiter, cfg.Coupon)
	slog.Info("coupon service initialized",
		"code_length", cfg.Coupon.CodeLength,
		"max_code_attempts", cfg.Coupon.MaxCodeAttempts,
	)

	// Initialize Fraud Engine
	engine, err := fraud.NewEngine(repo, store, busImpl)
	if err != nil {
		slog.Error("failed to initialize fraud engine", "error", err)
		os.Exit(1)
	}
	slog.Info("fraud engine initialized")

	// Initialize Geofence Service
	geofence := geo.NewService(repo, cacheImpl)
	slog.Info("geofence service initialized")

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, engine)

		// Companies to screen (comma-separated list from environment)
		companyIDs := []string{}
		if envCompanies := os.Getenv("KESTREL_COMPANIES"); envCompanies != "" {
			for _, id := range strings.Split(envCompanies, ",") {
				if id = strings.TrimSpace(id); id != "" {
					companyIDs = append(companyIDs, id)
				}
			}
		}

		if err := asyncWorker.Start(worker.Config{CompanyIDs: companyIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "company_count", len(companyIDs))
		}
	}

	// Initialize expiry Sweeper
	var sweeper *worker.Sweeper
	if cfg.Sweep.Enabled {
		sweeper = worker.NewSweeper(store, coupons, cfg.Sweep.Interval)
		sweeper.Start()
		slog.Info("expiry sweeper started", "interval", cfg.Sweep.Interval)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, coupons, engine, store, geofence, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop background work first
	if sweeper != nil {
		sweeper.Stop()
	}
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("                   KESTREL")
	fmt.Println("       Promotion & Coupon Engine")
	fmt.Println("       Every code earned, every fraud caught.")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /promotions             - Create a promotion")
	fmt.Println("    POST /coupons/issue          - Issue a coupon")
	fmt.Println("    GET  /coupons/{code}         - Validate a coupon")
	fmt.Println("    POST /coupons/{code}/redeem  - Redeem a coupon")
	fmt.Println("    POST /locations              - Device location update")
	fmt.Println("    POST /fraud/check            - Screen an event")
	fmt.Println("    POST /fraud/rules            - Create a fraud rule")
	fmt.Println("    GET  /fraud/alerts           - List fraud alerts")
	fmt.Println("    POST /blacklist              - Block an identifier")
	fmt.Println("    POST /geofence/zones         - Create a geofence zone")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println()
}
