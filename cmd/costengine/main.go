// Costengine serves protocol cost calculation and the per-animal cost ledger.
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

	"github.com/beefsync/costengine/internal/api"
	"github.com/beefsync/costengine/internal/apply"
	"github.com/beefsync/costengine/internal/bus"
	"github.com/beefsync/costengine/internal/cache"
	"github.com/beefsync/costengine/internal/domain"
	"github.com/beefsync/costengine/internal/ledger"
	"github.com/beefsync/costengine/internal/metrics"
	"github.com/beefsync/costengine/internal/repository"
	"github.com/beefsync/costengine/internal/rules"
	"github.com/beefsync/costengine/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := domain.LoadConfig(os.LookupEnv)

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting costengine",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_worker", cfg.AsyncWorker,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	catalog, err := loadCatalog(cfg.Catalog)
	if err != nil {
		slog.Error("failed to load rule catalog", "error", err)
		os.Exit(1)
	}
	if dangling := catalog.DanglingItems(); len(dangling) > 0 {
		slog.Warn("protocol items without catalog entries",
			"items", strings.Join(dangling, ", "),
		)
	}
	slog.Info("rule catalog loaded",
		"source", catalogSource(cfg.Catalog),
		"protocols", len(catalog.Protocols()),
		"items", len(catalog.Entries()),
		"fingerprint", catalog.Fingerprint(),
	)

	m := metrics.New()

	calc, err := rules.NewCalculator(catalog, logger, rules.WithMissHook(m.CatalogMiss))
	if err != nil {
		slog.Error("failed to initialize calculator", "error", err)
		os.Exit(1)
	}

	gateway, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize cost gateway", "error", err)
		os.Exit(1)
	}
	defer gateway.Close()
	slog.Info("cost gateway initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	costLedger := ledger.New(gateway,
		ledger.WithLogger(logger),
		ledger.WithEventBus(busImpl),
		ledger.WithMetrics(m),
	)
	processor := apply.NewProcessor(calc, costLedger)

	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, processor,
			worker.WithLogger(logger),
			worker.WithMetrics(m),
		)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, api.Dependencies{
		Gateway:    gateway,
		Ledger:     costLedger,
		Calculator: calc,
		Processor:  processor,
		Previews:   cache.NewPreviewCache(cacheImpl, cfg.Cache.PreviewTTL, catalog.Fingerprint(), logger),
		Cache:      cacheImpl,
		Bus:        busImpl,
		Metrics:    m,
		AsyncApply: asyncWorker != nil,
		Version:    Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("costengine is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

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

	slog.Info("costengine shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func loadCatalog(cfg domain.CatalogConfig) (*rules.Catalog, error) {
	if cfg.Path == "" {
		return rules.DefaultCatalog()
	}
	return rules.LoadCatalogFile(cfg.Path)
}

func catalogSource(cfg domain.CatalogConfig) string {
	if cfg.Path == "" {
		return "built-in"
	}
	return cfg.Path
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  costengine: animal protocol costs and ledger")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /calculate                             - Price an animal's protocol")
	fmt.Println("    POST /animals/{id}/apply                    - Apply protocol and DNA charges")
	fmt.Println("    POST /animals/{id}/costs                    - Record a manual cost")
	fmt.Println("    GET  /animals/{id}/costs                    - List an animal's costs")
	fmt.Println("    GET  /animals/{id}/total                    - Animal total by category")
	fmt.Println("    POST /animals/{id}/costs/{entryId}/reverse  - Reverse an entry")
	fmt.Println("    GET  /costs/summary                         - Ledger summary")
	fmt.Println("    GET  /catalog/protocols                     - Protocol definitions")
	fmt.Println("    GET  /catalog/items                         - Priced catalog items")
	fmt.Println("    GET  /brackets                              - Age bracket ladders")
	fmt.Println("    GET  /metrics                               - Prometheus metrics")
	fmt.Println("    GET  /health                                - Health check")
	fmt.Println()
}
