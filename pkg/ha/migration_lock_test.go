package ha

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Shared cache so all goroutines see the same in-memory database.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	return db
}

func testLockConfig() *LockConfig {
	cfg := DefaultLockConfig()
	cfg.RetryInterval = 5 * time.Millisecond
	cfg.MaxAttempts = 400
	return cfg
}

func TestNewMigrationLocker_NilDB(t *testing.T) {
	locker := NewMigrationLocker(nil, nil, nil)
	called := false
	err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}
}

func TestNewMigrationLocker_Disabled(t *testing.T) {
	db := setupTestDB(t)
	cfg := testLockConfig()
	cfg.Enabled = false

	locker := NewMigrationLocker(db, cfg, nil)
	if _, ok := locker.(*noopMigrationLock); !ok {
		t.Fatalf("expected noop locker, got %T", locker)
	}
}

func TestFallbackMigrationLock_WithLock(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testLockConfig(), nil)

	held := int64(-1)
	err := locker.WithLock(context.Background(), func() error {
		db.Model(&migrationLockRecord{}).Count(&held)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if held != 1 {
		t.Errorf("expected one lock row while held, got %d", held)
	}

	var count int64
	db.Model(&migrationLockRecord{}).Count(&count)
	if count != 0 {
		t.Errorf("expected lock table to be empty after WithLock, got %d rows", count)
	}
}

func TestFallbackMigrationLock_ErrorPropagation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testLockConfig(), nil)

	migrationErr := errors.New("migration failed")
	err := locker.WithLock(context.Background(), func() error {
		return migrationErr
	})
	if !errors.Is(err, migrationErr) {
		t.Fatalf("error = %v, want %v", err, migrationErr)
	}

	var count int64
	db.Model(&migrationLockRecord{}).Count(&count)
	if count != 0 {
		t.Errorf("expected lock table to be empty after error, got %d rows", count)
	}
}

func TestFallbackMigrationLock_StaleLockIsReclaimed(t *testing.T) {
	db := setupTestDB(t)
	cfg := testLockConfig()
	cfg.MaxAttempts = 1
	locker := NewMigrationLocker(db, cfg, nil)

	stale := migrationLockRecord{ID: cfg.Name, LockedBy: "crashed", LockedAt: time.Now().Add(-time.Hour)}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	called := false
	if err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}
}

func TestFallbackMigrationLock_GivesUp(t *testing.T) {
	db := setupTestDB(t)
	cfg := testLockConfig()
	cfg.MaxAttempts = 2
	locker := NewMigrationLocker(db, cfg, nil)

	held := migrationLockRecord{ID: cfg.Name, LockedBy: "other", LockedAt: time.Now()}
	if err := db.Create(&held).Error; err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	err := locker.WithLock(context.Background(), func() error {
		t.Error("should not have acquired the lock")
		return nil
	})
	if err == nil {
		t.Fatal("expected error while another holder has the lock")
	}
}

func TestFallbackMigrationLock_Serialization(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testLockConfig(), nil)

	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithLock(context.Background(), func() error {
				cur := concurrent.Add(1)
				for {
					prev := maxConcurrent.Load()
					if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				concurrent.Add(-1)
				return nil
			})
		}()
	}

	wg.Wait()

	if maxConcurrent.Load() > 1 {
		t.Errorf("expected max concurrency of 1, got %d", maxConcurrent.Load())
	}
}

func TestFallbackMigrationLock_ContextCancellation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testLockConfig(), nil)

	err := locker.WithLock(context.Background(), func() error {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err2 := locker.WithLock(ctx, func() error {
			t.Error("should not have acquired the lock")
			return nil
		})
		if err2 == nil {
			t.Error("expected context cancellation error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer WithLock error: %v", err)
	}
}

func setupPostgresMock(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open gorm over sqlmock: %v", err)
	}
	return db, mock
}

func TestPgAdvisoryLock_LockAndUnlock(t *testing.T) {
	db, mock := setupPostgresMock(t)
	cfg := testLockConfig()
	id := advisoryLockID(cfg.Name)

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	locker := NewMigrationLocker(db, cfg, nil)
	if _, ok := locker.(*pgAdvisoryLock); !ok {
		t.Fatalf("expected advisory locker, got %T", locker)
	}

	migrationErr := errors.New("bad migration")
	err := locker.WithLock(context.Background(), func() error { return migrationErr })
	if !errors.Is(err, migrationErr) {
		t.Fatalf("error = %v, want %v", err, migrationErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPgAdvisoryLock_AcquireFailure(t *testing.T) {
	db, mock := setupPostgresMock(t)
	cfg := testLockConfig()

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WillReturnError(errors.New("connection reset"))

	locker := NewMigrationLocker(db, cfg, nil)
	err := locker.WithLock(context.Background(), func() error {
		t.Error("should not run without the lock")
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
