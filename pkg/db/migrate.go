package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/audit"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/ha"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/jobs"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/rawstore"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate brings the schema up to date while holding the migration lock.
// Postgres applies the versioned SQL in migrations/ for the run, checkpoint,
// dead-letter and audit tables; other dialects AutoMigrate them. The raw and
// normalized tables of every given pipeline are always AutoMigrated.
func Migrate(ctx context.Context, gormDB *gorm.DB, cfg *Config, pipelines []pipeline.EntityPipeline,
	lockCfg *ha.LockConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	locker := ha.NewMigrationLocker(gormDB, lockCfg, logger)

	return locker.WithLock(ctx, func() error {
		if cfg.Type == TypePostgres {
			if err := MigratePostgres(cfg.DSN); err != nil {
				return err
			}
		} else {
			if err := jobs.AutoMigrate(gormDB.WithContext(ctx)); err != nil {
				return fmt.Errorf("failed to migrate run tables: %w", err)
			}
			if err := audit.AutoMigrate(gormDB.WithContext(ctx)); err != nil {
				return fmt.Errorf("failed to migrate audit table: %w", err)
			}
		}

		raw := rawstore.NewStore(gormDB, nil, logger)
		for _, p := range pipelines {
			if err := raw.Migrate(ctx, p); err != nil {
				return err
			}
			logger.Debug("migrated entity tables", "entity", p.EntityType())
		}
		logger.Info("schema up to date", "dbType", cfg.Type, "entities", len(pipelines))
		return nil
	})
}

// MigratePostgres runs all pending versioned migrations against dsn.
func MigratePostgres(dsn string) error {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer sqlDB.Close()

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{
		MigrationsTable: "ingest_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
