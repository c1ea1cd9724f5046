// Package main provides the ingest operator server. It serves the run,
// checkpoint and dead-letter API, health probes and Prometheus metrics
// over the same database the ingest CLI writes.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	// Entity pipelines register themselves in init().
	_ "github.com/goldenknightlounge/fantasy-ingest/entities/leagues"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/audit"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/cache"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/db"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/ha"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
)

func main() {
	dbCfg := db.ConfigFromEnv()

	var (
		listenAddr        string
		migrate           bool
		retention         time.Duration
		retentionInterval time.Duration
	)

	flag.StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	flag.StringVar(&dbCfg.Type, "db-type", dbCfg.Type, "Database type (sqlite, postgres or mysql)")
	flag.StringVar(&dbCfg.DSN, "db-dsn", dbCfg.DSN, "Database connection string")
	flag.BoolVar(&migrate, "migrate", true, "Apply schema migrations on startup")
	flag.DurationVar(&retention, "retention", 0, "Delete finished runs older than this (0 disables)")
	flag.DurationVar(&retentionInterval, "retention-interval", time.Hour, "How often the retention pass runs")
	flag.Parse()

	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting ingest server",
		"listen", listenAddr,
		"dbType", dbCfg.Type,
		"entities", pipeline.Names(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	gormDB, err := db.Open(dbCfg)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close(gormDB) }()

	if migrate {
		if err := db.Migrate(ctx, gormDB, dbCfg, pipeline.All(), ha.LockConfigFromEnv(), logger); err != nil {
			glog.Fatalf("Failed to migrate schema: %v", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cacheManager := cache.NewManager(cache.CacheConfigFromEnv())
	auditCfg := audit.AuditConfigFromEnv()
	srv := newServer(gormDB, cacheManager, auditCfg, registry, logger)

	if auditCfg.Enabled {
		go audit.NewRetentionWorker(srv.audit, auditCfg.RetentionDays, logger).Run(ctx)
	}

	if retention > 0 {
		go srv.retentionLoop(ctx, retention, retentionInterval)
		logger.Info("retention enabled", "maxAge", retention, "interval", retentionInterval)
	}

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	logger.Info("ingest server ready", "listen", listenAddr)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("ingest server stopped")
}
