package jobs

import (
	"os"
	"strconv"
	"time"
)

// Config controls partition planning, retries and the worker pool.
type Config struct {
	DefaultWorkers     int           // Workers when a job does not set max_workers. Default 4.
	MaxWorkers         int           // Upper bound on max_workers. Default 32.
	BatchSize          int           // Batch size when a job does not set one. Default 100.
	MaxRetries         int           // Retries per partition when a job does not set max_retries. Default 3.
	RetryBaseDelay     time.Duration // First retry delay; doubles per attempt. Default 2s.
	RetryMaxDelay      time.Duration // Cap on retry delay. Default 2m.
	MaxSlice           time.Duration // Longest Incremental partition window. Default 24h.
	BackfillSliceDays  int           // Days per Backfill date partition. Default 7.
	PostProcessRetries int           // Post-Process retries before giving up. Default 2.
	MaxPages           int           // Pagination guard per partition. Default 500.
	RetentionDays      int           // Age after which finished runs are pruned by the server. 0 disables. Default 30.
}

// DefaultConfig returns the default job configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultWorkers:     4,
		MaxWorkers:         32,
		BatchSize:          100,
		MaxRetries:         3,
		RetryBaseDelay:     2 * time.Second,
		RetryMaxDelay:      2 * time.Minute,
		MaxSlice:           24 * time.Hour,
		BackfillSliceDays:  7,
		PostProcessRetries: 2,
		MaxPages:           500,
		RetentionDays:      30,
	}
}

// ConfigFromEnv loads config from environment variables.
// INGEST_JOB_DEFAULT_WORKERS, INGEST_JOB_MAX_WORKERS, INGEST_JOB_BATCH_SIZE,
// INGEST_JOB_MAX_RETRIES, INGEST_JOB_RETRY_BASE_MS, INGEST_JOB_RETRY_MAX_MS,
// INGEST_JOB_MAX_SLICE_HOURS, INGEST_JOB_BACKFILL_SLICE_DAYS,
// INGEST_JOB_POSTPROCESS_RETRIES, INGEST_JOB_MAX_PAGES, INGEST_JOB_RETENTION_DAYS
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if n, ok := envInt("INGEST_JOB_DEFAULT_WORKERS", 1); ok {
		cfg.DefaultWorkers = n
	}
	if n, ok := envInt("INGEST_JOB_MAX_WORKERS", 1); ok {
		cfg.MaxWorkers = n
	}
	if n, ok := envInt("INGEST_JOB_BATCH_SIZE", 1); ok {
		cfg.BatchSize = n
	}
	if n, ok := envInt("INGEST_JOB_MAX_RETRIES", 0); ok {
		cfg.MaxRetries = n
	}
	if n, ok := envInt("INGEST_JOB_RETRY_BASE_MS", 1); ok {
		cfg.RetryBaseDelay = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("INGEST_JOB_RETRY_MAX_MS", 1); ok {
		cfg.RetryMaxDelay = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("INGEST_JOB_MAX_SLICE_HOURS", 1); ok {
		cfg.MaxSlice = time.Duration(n) * time.Hour
	}
	if n, ok := envInt("INGEST_JOB_BACKFILL_SLICE_DAYS", 1); ok {
		cfg.BackfillSliceDays = n
	}
	if n, ok := envInt("INGEST_JOB_POSTPROCESS_RETRIES", 0); ok {
		cfg.PostProcessRetries = n
	}
	if n, ok := envInt("INGEST_JOB_MAX_PAGES", 1); ok {
		cfg.MaxPages = n
	}
	if n, ok := envInt("INGEST_JOB_RETENTION_DAYS", 0); ok {
		cfg.RetentionDays = n
	}

	if cfg.DefaultWorkers > cfg.MaxWorkers {
		cfg.DefaultWorkers = cfg.MaxWorkers
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	return cfg
}

func envInt(key string, min int) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, false
	}
	return n, true
}
