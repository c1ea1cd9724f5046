package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes schema migrations across processes.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock.
	// It blocks until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker creates a MigrationLocker for the database dialect.
// PostgreSQL uses a session advisory lock; other databases use a lock
// table, created immediately so concurrent callers never race on it.
func NewMigrationLocker(db *gorm.DB, cfg *LockConfig, logger *slog.Logger) MigrationLocker {
	if cfg == nil {
		cfg = DefaultLockConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if db == nil || !cfg.Enabled {
		return &noopMigrationLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: advisoryLockID(cfg.Name),
			logger: logger,
		}
	}
	_ = db.AutoMigrate(&migrationLockRecord{})
	return &fallbackMigrationLock{db: db, cfg: cfg, logger: logger}
}

func advisoryLockID(name string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(name)))
}

type noopMigrationLock struct{}

func (n *noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock holds a session advisory lock. Lock and unlock run on one
// pinned connection, since the lock belongs to the session.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
	logger *slog.Logger
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
			return fmt.Errorf("acquire migration advisory lock: %w", err)
		}
		l.logger.Debug("migration lock acquired", "lockID", l.lockID)

		defer func() {
			if err := conn.WithContext(context.WithoutCancel(ctx)).
				Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error; err != nil {
				l.logger.Warn("failed to release migration advisory lock", "error", err)
			}
		}()

		return fn()
	})
}

// migrationLockRecord is the table-based lock row for non-PostgreSQL databases.
type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "ingest_migration_lock" }

// fallbackMigrationLock uses INSERT-or-fail on a lock row, with stale row
// cleanup for crash recovery.
type fallbackMigrationLock struct {
	db     *gorm.DB
	cfg    *LockConfig
	logger *slog.Logger
}

func (l *fallbackMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	row := migrationLockRecord{ID: l.cfg.Name, LockedBy: l.cfg.Holder}
	attempts := l.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", row.ID, time.Now().Add(-l.cfg.StaleAfter)).
			Delete(&migrationLockRecord{})

		row.LockedAt = time.Now()
		err := l.db.WithContext(ctx).Create(&row).Error
		if err == nil {
			break
		}
		if i == attempts-1 {
			return fmt.Errorf("acquire migration lock after %d attempts: %w", attempts, err)
		}
		l.logger.Debug("migration lock busy, waiting", "lock", row.ID, "attempt", i+1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}

	defer func() {
		l.db.WithContext(context.WithoutCancel(ctx)).
			Where("id = ? AND locked_by = ?", row.ID, row.LockedBy).
			Delete(&migrationLockRecord{})
	}()

	return fn()
}
