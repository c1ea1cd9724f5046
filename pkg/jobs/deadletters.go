package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DeadLetterStore provides database operations for dead-letter entries.
// Entries are only ever created by the orchestrator and resolved by an
// operator.
type DeadLetterStore struct {
	db *gorm.DB
}

// NewDeadLetterStore creates a new DeadLetterStore.
func NewDeadLetterStore(db *gorm.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// DeadLetterFilter defines filters for listing entries.
type DeadLetterFilter struct {
	RunID      string
	EntityType string
	Unresolved bool
}

// Get retrieves an entry by ID. It returns nil if it does not exist.
func (s *DeadLetterStore) Get(ctx context.Context, id string) (*DeadLetterEntry, error) {
	var e DeadLetterEntry
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return &e, nil
}

// List returns entries matching filter, newest first.
func (s *DeadLetterStore) List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error) {
	q := s.db.WithContext(ctx).Model(&DeadLetterEntry{})
	if filter.RunID != "" {
		q = q.Where("run_id = ?", filter.RunID)
	}
	if filter.EntityType != "" {
		q = q.Where("entity_type = ?", filter.EntityType)
	}
	if filter.Unresolved {
		q = q.Where("resolved_at IS NULL")
	}

	var entries []DeadLetterEntry
	if err := q.Order("created_at DESC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return entries, nil
}

// Resolve marks an entry resolved. byRun names the replay run that fixed
// it and is empty for a manual resolution.
func (s *DeadLetterStore) Resolve(ctx context.Context, id, byRun string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&DeadLetterEntry{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]any{
			"resolved_at":     now,
			"resolved_by_run": byRun,
		})
	if result.Error != nil {
		return fmt.Errorf("resolve dead letter: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		e, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("dead letter %s is already resolved", id)
	}
	return nil
}
