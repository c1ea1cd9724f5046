package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/audit"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/cache"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/jobs"
)

const (
	// apiBasePath is where the run and dead-letter API is mounted.
	apiBasePath   = "/api/ingest/v1"
	auditBasePath = "/api/audit/v1"
)

// server serves the operator API, health probes and metrics.
type server struct {
	db        *gorm.DB
	cache     *cache.Manager
	audit     *audit.Store
	auditCfg  *audit.AuditConfig
	registry  *prometheus.Registry
	logger    *slog.Logger
	startedAt time.Time

	pruned prometheus.Counter
}

func newServer(db *gorm.DB, cacheManager *cache.Manager, auditCfg *audit.AuditConfig,
	registry *prometheus.Registry, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		db:        db,
		cache:     cacheManager,
		audit:     audit.NewStore(db),
		auditCfg:  auditCfg,
		registry:  registry,
		logger:    logger,
		startedAt: time.Now(),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "runs_pruned_total",
			Help:      "Finished runs deleted by the retention loop.",
		}),
	}
	registry.MustRegister(s.pruned)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ingest",
		Name:      "api_cache_entries",
		Help:      "Run documents held in the response cache.",
	}, func() float64 { return float64(cacheManager.Size()) }))
	return s
}

// routes builds the HTTP handler.
func (s *server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Cache"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route(apiBasePath, func(r chi.Router) {
		r.Use(audit.AuditMiddleware(s.audit, s.auditCfg, s.logger))
		r.Use(s.cache.Middleware())
		r.Mount("/", jobs.Router(s.db))
	})
	r.Mount(auditBasePath, audit.Router(s.audit))
	s.logger.Info("mounted ingest API", "basePath", apiBasePath, "cache", s.cache != nil,
		"audit", s.auditCfg != nil && s.auditCfg.Enabled)

	r.Get("/healthz", s.healthHandler)
	r.Get("/livez", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	return r
}

func (s *server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports ready once the database answers a ping.
func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	dbStatus := map[string]string{"status": "up"}
	ready := true

	sqlDB, err := s.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err = sqlDB.PingContext(ctx)
		cancel()
	}
	if err != nil {
		dbStatus["status"] = "down"
		dbStatus["error"] = err.Error()
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": map[string]any{"database": dbStatus},
	})
}

// prune deletes runs finished more than maxAge ago and drops cached
// documents so deleted runs stop being served.
func (s *server) prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	deleted, err := jobs.NewRunStore(s.db).DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.pruned.Add(float64(deleted))
		s.cache.InvalidateAll()
	}
	s.logger.Info("retention pass complete", "deleted", deleted, "cutoff", cutoff.UTC().Format(time.RFC3339))
	return deleted, nil
}

// retentionLoop prunes on every tick until ctx is done.
func (s *server) retentionLoop(ctx context.Context, maxAge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.prune(ctx, maxAge); err != nil {
			s.logger.Error("retention pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
