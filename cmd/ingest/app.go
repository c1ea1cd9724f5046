package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/user"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/archive"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/audit"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/db"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/governor"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/ha"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/jobs"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/metrics"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/rawstore"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/upstream"
)

// app holds what every subcommand needs.
type app struct {
	db       *gorm.DB
	dbCfg    *db.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// dbConfig merges INGEST_DB_* with the --db-* flags and config file.
func dbConfig() *db.Config {
	cfg := db.ConfigFromEnv()
	if v := viper.GetString("db.type"); v != "" {
		cfg.Type = v
	}
	if v := viper.GetString("db.dsn"); v != "" {
		cfg.DSN = v
	}
	if viper.GetBool("db.debug") {
		cfg.Debug = true
	}
	return cfg
}

// openApp connects to the database and brings its schema up to date.
func openApp(ctx context.Context) (*app, error) {
	logger := slog.Default()
	cfg := dbConfig()

	gormDB, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, gormDB, cfg, pipeline.All(), ha.LockConfigFromEnv(), logger); err != nil {
		_ = db.Close(gormDB)
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	registry := prometheus.NewRegistry()
	return &app{
		db:       gormDB,
		dbCfg:    cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics.New(registry),
	}, nil
}

func (a *app) Close() {
	if err := db.Close(a.db); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}

// newCaller builds the governed upstream caller. Tests replace it. Without
// Yahoo credentials the client has no token source, so every run fails its
// credential preflight and is recorded as failed.
var newCaller = func(ctx context.Context, logger *slog.Logger, m *metrics.Metrics) (upstream.Caller, error) {
	clientID := viper.GetString("yahoo.client_id")
	refresh := viper.GetString("yahoo.refresh_token")

	var tokens oauth2.TokenSource
	if clientID == "" || refresh == "" {
		logger.Warn("YAHOO_CLIENT_ID or YAHOO_REFRESH_TOKEN not set")
	} else {
		conf := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: viper.GetString("yahoo.client_secret"),
			Endpoint:     upstream.YahooEndpoint,
		}
		src, err := upstream.NewRefreshableTokenSource(ctx, conf, &oauth2.Token{RefreshToken: refresh})
		if err != nil {
			return nil, fmt.Errorf("failed to create token source: %w", err)
		}
		tokens = src
	}

	clientCfg := upstream.DefaultClientConfig()
	if v := viper.GetString("upstream.base_url"); v != "" {
		clientCfg.BaseURL = v
	}
	if v := viper.GetDuration("upstream.timeout"); v > 0 {
		clientCfg.Timeout = v
	}
	client := upstream.NewHTTPClient(clientCfg, tokens, logger)

	gov, err := governor.New(governor.ConfigFromEnv(), governor.WithLogger(logger), governor.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("invalid rate governor config: %w", err)
	}
	return gov.Wrap(client), nil
}

// newOrchestrator wires the stage harness. An empty archiveBucket falls back
// to INGEST_ARCHIVE_BUCKET; when both are empty nothing is archived.
func (a *app) newOrchestrator(ctx context.Context, archiveBucket string) (*jobs.Orchestrator, error) {
	caller, err := newCaller(ctx, a.logger, a.metrics)
	if err != nil {
		return nil, err
	}

	archiveCfg := archive.ConfigFromEnv()
	if archiveBucket != "" {
		archiveCfg.Bucket = archiveBucket
	}
	var archiver rawstore.Archiver
	if archiveCfg.Enabled() {
		s3, err := archive.New(ctx, archiveCfg, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive: %w", err)
		}
		archiver = s3
		a.logger.Info("archiving raw payloads", "bucket", archiveCfg.Bucket, "prefix", archiveCfg.Prefix)
	}

	raw := rawstore.NewStore(a.db, archiver, a.logger)
	return jobs.NewOrchestrator(a.db, raw, caller, jobs.ConfigFromEnv(),
		jobs.WithLogger(a.logger), jobs.WithMetrics(a.metrics)), nil
}

// pushMetrics sends the run's collectors to a Prometheus Pushgateway. A
// failed push is logged; it never changes the run outcome.
func (a *app) pushMetrics(gateway string, summary *jobs.RunSummary) {
	if gateway == "" || summary == nil {
		return
	}
	err := push.New(gateway, "fantasy_ingest").
		Gatherer(a.registry).
		Grouping("entity", summary.EntityType).
		Grouping("mode", string(summary.Mode)).
		Push()
	if err != nil {
		a.logger.Warn("failed to push metrics", "gateway", gateway, "error", err)
		return
	}
	a.logger.Debug("pushed metrics", "gateway", gateway, "runID", summary.RunID)
}

// parseAge accepts Go durations plus a "d" day suffix ("30d").
func parseAge(s string) (time.Duration, error) {
	if n := len(s); n > 1 && s[n-1] == 'd' {
		days, err := strconv.Atoi(s[:n-1])
		if err != nil || days < 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return d, nil
}

// recordAction appends an audit event for an operator action on a dead
// letter. Failures are logged and never change the command's outcome.
func (a *app) recordAction(ctx context.Context, deadLetterID, action string, actionErr error) {
	actor := "anonymous"
	if u, err := user.Current(); err == nil && u.Username != "" {
		actor = u.Username
	}
	outcome := "success"
	if actionErr != nil {
		outcome = "failure"
	}
	event := &audit.Event{
		ID:           uuid.New().String(),
		Actor:        actor,
		ResourceType: "deadletters",
		ResourceID:   deadLetterID,
		Action:       action,
		Outcome:      outcome,
		CreatedAt:    time.Now(),
	}
	if err := audit.NewStore(a.db).Append(ctx, event); err != nil {
		a.logger.Warn("failed to record audit event", "action", action, "error", err)
	}
}
