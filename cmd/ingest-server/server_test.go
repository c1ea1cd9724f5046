package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/audit"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/cache"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/db"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/jobs"
)

func setupServer(t *testing.T, cacheEnabled bool) (*server, *gorm.DB) {
	t.Helper()
	gormDB, err := db.Open(&db.Config{Type: db.TypeSQLite, DSN: filepath.Join(t.TempDir(), "server.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gormDB) })
	require.NoError(t, jobs.AutoMigrate(gormDB))
	require.NoError(t, audit.AutoMigrate(gormDB))

	cfg := cache.DefaultCacheConfig()
	cfg.Enabled = cacheEnabled
	return newServer(gormDB, cache.NewManager(cfg), audit.DefaultAuditConfig(), prometheus.NewRegistry(), nil), gormDB
}

func finishedRun(t *testing.T, gormDB *gorm.DB, finishedAgo time.Duration) *jobs.PipelineRun {
	t.Helper()
	started := time.Now().Add(-finishedAgo - time.Minute)
	finished := started.Add(time.Minute)
	run := &jobs.PipelineRun{
		ID:         uuid.New().String(),
		JobKey:     "leagues-backfill",
		EntityType: "leagues",
		Mode:       jobs.ModeBackfill,
		Params:     datatypes.JSON(`{"parameters":{"entity_type":"leagues"},"resolved":{}}`),
		StartedAt:  started,
		FinishedAt: &finished,
		Status:     jobs.RunStatusSucceeded,
	}
	require.NoError(t, jobs.NewRunStore(gormDB).Create(context.Background(), run))
	return run
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := setupServer(t, false)
	h := s.routes()

	for _, path := range []string{"/healthz", "/livez"} {
		w := get(h, path)
		assert.Equal(t, http.StatusOK, w.Code, path)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "alive", body["status"])
		assert.NotEmpty(t, body["uptime"])
	}

	w := get(h, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ready"`)
	assert.Contains(t, w.Body.String(), `"database"`)
}

func TestReadyz_DatabaseDown(t *testing.T) {
	s, gormDB := setupServer(t, false)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w := get(s.routes(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not_ready")
}

func TestAPIIsMountedAndCached(t *testing.T) {
	s, gormDB := setupServer(t, true)
	h := s.routes()
	run := finishedRun(t, gormDB, time.Hour)

	path := apiBasePath + "/runs/" + run.ID
	first := get(h, path)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := get(h, path)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, s.cache.Size())

	w := get(h, apiBasePath+"/runs/"+uuid.New().String())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPrune(t *testing.T) {
	s, gormDB := setupServer(t, true)
	h := s.routes()
	old := finishedRun(t, gormDB, 48*time.Hour)
	recent := finishedRun(t, gormDB, time.Minute)

	require.Equal(t, http.StatusOK, get(h, apiBasePath+"/runs/"+old.ID).Code)
	require.Equal(t, 1, s.cache.Size())

	deleted, err := s.prune(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 0, s.cache.Size(), "prune drops cached documents")

	assert.Equal(t, http.StatusNotFound, get(h, apiBasePath+"/runs/"+old.ID).Code)
	assert.Equal(t, http.StatusOK, get(h, apiBasePath+"/runs/"+recent.ID).Code)

	deleted, err = s.prune(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestMetricsEndpoint(t *testing.T) {
	s, gormDB := setupServer(t, true)
	finishedRun(t, gormDB, 48*time.Hour)
	_, err := s.prune(context.Background(), time.Hour)
	require.NoError(t, err)

	w := get(s.routes(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "ingest_runs_pruned_total 1"), body)
	assert.Contains(t, body, "ingest_api_cache_entries 0")
}

func TestRetentionLoop_StopsOnCancel(t *testing.T) {
	s, gormDB := setupServer(t, false)
	finishedRun(t, gormDB, 48*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.retentionLoop(ctx, time.Hour, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		var total int64
		gormDB.Model(&jobs.PipelineRun{}).Count(&total)
		return total == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retention loop did not stop")
	}
}

func TestResolveIsAudited(t *testing.T) {
	s, gormDB := setupServer(t, false)
	h := s.routes()
	run := finishedRun(t, gormDB, time.Minute)
	entry := &jobs.DeadLetterEntry{
		ID:           uuid.New().String(),
		RunID:        run.ID,
		EntityType:   "leagues",
		PartitionKey: "season=2021",
		Stage:        jobs.StageExtract,
		ErrorClass:   "permanent",
		ErrorDetail:  "forbidden",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, gormDB.Create(entry).Error)

	req := httptest.NewRequest(http.MethodPost, apiBasePath+"/deadletters/"+entry.ID+":resolve", nil)
	req.Header.Set("X-Forwarded-User", "commissioner")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = get(h, auditBasePath+"/events?action=resolve")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Events []audit.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Events, 1)
	assert.Equal(t, "commissioner", list.Events[0].Actor)
	assert.Equal(t, entry.ID, list.Events[0].ResourceID)
	assert.Equal(t, "success", list.Events[0].Outcome)
}
