package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckpointStore provides database operations for partition checkpoints.
// Only the orchestrator writes through it.
type CheckpointStore struct {
	db *gorm.DB
}

// NewCheckpointStore creates a new CheckpointStore.
func NewCheckpointStore(db *gorm.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Upsert writes cp, replacing any checkpoint with the same run and
// partition key.
func (s *CheckpointStore) Upsert(ctx context.Context, cp *Checkpoint) error {
	return upsertCheckpoint(s.db.WithContext(ctx), cp)
}

func upsertCheckpoint(tx *gorm.DB, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now()
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "partition_key"}},
		UpdateAll: true,
	}).Create(cp).Error
	if err != nil {
		return fmt.Errorf("upsert checkpoint %s/%s: %w", cp.RunID, cp.PartitionKey, err)
	}
	return nil
}

// Get returns one checkpoint, or nil if it does not exist.
func (s *CheckpointStore) Get(ctx context.Context, runID, partitionKey string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.WithContext(ctx).
		First(&cp, "run_id = ? AND partition_key = ?", runID, partitionKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

// ListByRun returns the checkpoints of a run in partition order.
func (s *CheckpointStore) ListByRun(ctx context.Context, runID string) ([]Checkpoint, error) {
	var cps []Checkpoint
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&cps).Error; err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return cps, nil
}
