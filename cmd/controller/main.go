// Package main is the entry point for the settleplane controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"settleplane/internal/config"
	"settleplane/internal/controller"
	"settleplane/internal/controller/handlers"
	"settleplane/internal/ledger"
	"settleplane/internal/logger"
	"settleplane/internal/observability"
	"settleplane/internal/pubsub"
	"settleplane/internal/store"
	"settleplane/internal/store/postgres"
	"settleplane/internal/valuation"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: settleplane.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New()

	// Setup Database
	ctx := context.Background()
	jobStore, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer jobStore.Close()

	// Run migrations if requested
	if *migrateFlag {
		log.Println("Running database migrations...")
		if err := postgres.Migrate(jobStore.DB()); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations completed successfully")
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "settleplane-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	// Use an Observable Gauge (Async) that queries the DB only when scraped.
	meter := otel.Meter("settleplane-controller")
	_, err = meter.Int64ObservableGauge("settleplane.queue.depth",
		metric.WithDescription("Current number of queued settlement jobs"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := jobStore.CountByState(ctx, store.JobStateQueued)
			if err != nil {
				log.Printf("Failed to count queue depth: %v", err)
				return nil // Don't crash metrics scrape on DB error
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		log.Printf("Failed to register queue depth metric: %v", err)
	}

	// Progress event stream
	events, err := pubsub.NewRedisStream(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, slogger)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer events.Close()

	ledgerClient := ledger.NewGatewayClient(cfg.LedgerGatewayURL, cfg.LedgerCallTimeout)
	quoter := valuation.New(cfg.ValuationURL, cfg.ValuationTimeout)

	h := handlers.New(handlers.Deps{
		Store:             jobStore,
		Ledger:            ledgerClient,
		Stream:            events,
		Quoter:            quoter,
		Logger:            slogger,
		PriceTolerancePct: cfg.PriceTolerancePct,
		StalledAfter:      cfg.StalledAfter,
		MaxJobAttempts:    cfg.MaxJobAttempts,
	})

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(controller.Options{
		Addr:           addr,
		APIKey:         cfg.APIKey,
		RateLimit:      cfg.RateLimit,
		MetricsHandler: metricsHandler,
	}, h)

	go func() {
		log.Printf("Settleplane Controller starting on %s", addr)
		if err := srv.Run(ctx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down controller...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited properly")
}
