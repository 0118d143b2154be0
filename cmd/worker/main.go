// Package main is the entry point for the settleplane worker.
// The worker claims queued settlement jobs and drives their ledger
// state machines. It owns concurrency, lease heartbeats and retries.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"settleplane/internal/config"
	"settleplane/internal/ledger"
	"settleplane/internal/logger"
	"settleplane/internal/observability"
	"settleplane/internal/pubsub"
	"settleplane/internal/settlement"
	"settleplane/internal/store/postgres"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: settleplane.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "settleplane-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	jobStore, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer jobStore.Close()

	events, err := pubsub.NewRedisStream(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, slogger)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer events.Close()

	ledgerClient := ledger.NewGatewayClient(cfg.LedgerGatewayURL, cfg.LedgerCallTimeout)

	hostname, _ := os.Hostname()
	worker := settlement.New(jobStore, ledgerClient, events, settlement.Config{
		ID:                  hostname,
		Concurrency:         cfg.WorkerConcurrency,
		PollInterval:        cfg.WorkerPollInterval,
		MaxBackoff:          cfg.WorkerMaxBackoff,
		LeaseDuration:       cfg.LeaseDuration,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		CallTimeout:         cfg.LedgerCallTimeout,
		CallRetries:         cfg.LedgerCallRetries,
		MaxBatchSize:        cfg.TransferBatchSize,
		MaxUnitsPerPurchase: cfg.MaxUnitsPerPurchase,
		TreasuryAccountID:   cfg.TreasuryAccountID,
	}, slogger)

	log.Printf("Worker started with concurrency %d", cfg.WorkerConcurrency)
	go worker.Run(ctx)

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

	// Start a dedicated metrics server on port 6162
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		log.Println("Worker metrics listening on :6162")
		if err := http.ListenAndServe(":6162", mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	// Wait for in-flight settlements to drain.
	<-worker.Done()
}
