// Package ha serializes schema migrations when several ingest processes
// share one database.
package ha

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LockConfig holds configuration for the migration lock.
type LockConfig struct {
	// Enabled controls whether migrations run under the lock. When false
	// every caller migrates immediately.
	Enabled bool

	// Name identifies the lock. Postgres derives the advisory lock key
	// from it; the table fallback uses it as the row id.
	Name string

	// Holder is recorded in the fallback lock row. Defaults to the hostname.
	Holder string

	// StaleAfter is the age after which a fallback lock row left behind by
	// a crashed process is removed.
	StaleAfter time.Duration

	// RetryInterval is the pause between fallback acquisition attempts.
	RetryInterval time.Duration

	// MaxAttempts bounds fallback acquisition attempts.
	MaxAttempts int
}

// DefaultLockConfig returns a LockConfig with sensible defaults.
func DefaultLockConfig() *LockConfig {
	return &LockConfig{
		Enabled:       true,
		Name:          "fantasy-ingest-migration",
		Holder:        defaultHolder(),
		StaleAfter:    5 * time.Minute,
		RetryInterval: time.Second,
		MaxAttempts:   30,
	}
}

// LockConfigFromEnv reads lock configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - INGEST_MIGRATION_LOCK_ENABLED: "true" or "false" (default: "true")
//   - INGEST_MIGRATION_LOCK_NAME: lock name (default: "fantasy-ingest-migration")
//   - INGEST_MIGRATION_LOCK_STALE_SECONDS: seconds (default: 300)
//   - INGEST_MIGRATION_LOCK_ATTEMPTS: attempts (default: 30)
func LockConfigFromEnv() *LockConfig {
	cfg := DefaultLockConfig()

	if v := os.Getenv("INGEST_MIGRATION_LOCK_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("INGEST_MIGRATION_LOCK_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("INGEST_MIGRATION_LOCK_STALE_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.StaleAfter = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("INGEST_MIGRATION_LOCK_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}

	return cfg
}

func defaultHolder() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname + "/" + strconv.Itoa(os.Getpid())
}
