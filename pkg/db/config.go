package db

import (
	"os"
	"strings"
)

// Supported database types.
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
)

// Config selects and configures the backing database.
type Config struct {
	// Type is one of sqlite, postgres or mysql.
	Type string
	// DSN is passed to the driver unchanged.
	DSN string
	// Debug logs every SQL statement through GORM.
	Debug bool
}

// DefaultConfig returns a local SQLite file store.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeSQLite,
		DSN:  "file:ingest.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
	}
}

// ConfigFromEnv reads database configuration from environment variables.
//
// Environment variables:
//   - INGEST_DB_TYPE: sqlite, postgres or mysql (default: sqlite)
//   - INGEST_DB_DSN: driver connection string
//   - INGEST_DB_DEBUG: "true" logs SQL statements
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if v := os.Getenv("INGEST_DB_TYPE"); v != "" {
		cfg.Type = strings.ToLower(v)
	}
	if v := os.Getenv("INGEST_DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("INGEST_DB_DEBUG"); v != "" {
		cfg.Debug = strings.EqualFold(v, "true") || v == "1"
	}
	return cfg
}
