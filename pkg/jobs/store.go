package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when an operation targets a missing record.
var ErrNotFound = errors.New("not found")

// AutoMigrate creates or updates the run, checkpoint and dead-letter tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&PipelineRun{}, &Checkpoint{}, &DeadLetterEntry{})
}

// RunStore provides database operations for pipeline runs.
type RunStore struct {
	db *gorm.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *gorm.DB) *RunStore {
	return &RunStore{db: db}
}

// RunListFilter defines filters for listing runs.
type RunListFilter struct {
	EntityType string
	Mode       string
	Status     string
}

// Create inserts a new run.
func (s *RunStore) Create(ctx context.Context, run *PipelineRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Get retrieves a run by ID. It returns nil if the run does not exist.
func (s *RunStore) Get(ctx context.Context, runID string) (*PipelineRun, error) {
	var run PipelineRun
	if err := s.db.WithContext(ctx).First(&run, "run_id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// FindResumable returns the most recent unfinished run with the given job
// key, or nil.
func (s *RunStore) FindResumable(ctx context.Context, jobKey string) (*PipelineRun, error) {
	var run PipelineRun
	err := s.db.WithContext(ctx).
		Where("job_key = ? AND status = ? AND finished_at IS NULL", jobKey, RunStatusRunning).
		Order("started_at DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find resumable run: %w", err)
	}
	return &run, nil
}

// LastSucceeded returns the latest Succeeded run for an entity and mode,
// ignoring dead-letter replays. It returns nil if there is none.
func (s *RunStore) LastSucceeded(ctx context.Context, entityType string, mode Mode) (*PipelineRun, error) {
	var run PipelineRun
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND mode = ? AND status = ? AND (replay_of = '' OR replay_of IS NULL)",
			entityType, mode, RunStatusSucceeded).
		Order("started_at DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find last successful run: %w", err)
	}
	return &run, nil
}

// SaveProgress persists the counters of a run that is still running.
func (s *RunStore) SaveProgress(ctx context.Context, run *PipelineRun) error {
	err := s.db.WithContext(ctx).Model(&PipelineRun{}).Where("run_id = ?", run.ID).
		Updates(map[string]any{
			"partitions_total":     run.PartitionsTotal,
			"partitions_succeeded": run.PartitionsSucceeded,
			"partitions_failed":    run.PartitionsFailed,
			"records_processed":    run.RecordsProcessed,
			"api_calls_made":       run.APICallsMade,
		}).Error
	if err != nil {
		return fmt.Errorf("save run progress: %w", err)
	}
	return nil
}

// Finish finalizes a run. Only running runs can be finished; a finished
// run is never modified again.
func (s *RunStore) Finish(ctx context.Context, run *PipelineRun) error {
	if run.FinishedAt == nil {
		now := time.Now()
		run.FinishedAt = &now
	}
	result := s.db.WithContext(ctx).Model(&PipelineRun{}).
		Where("run_id = ? AND finished_at IS NULL", run.ID).
		Updates(map[string]any{
			"status":               run.Status,
			"finished_at":          run.FinishedAt,
			"error":                run.Error,
			"partitions_total":     run.PartitionsTotal,
			"partitions_succeeded": run.PartitionsSucceeded,
			"partitions_failed":    run.PartitionsFailed,
			"records_processed":    run.RecordsProcessed,
			"api_calls_made":       run.APICallsMade,
		})
	if result.Error != nil {
		return fmt.Errorf("finish run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("finish run %s: already finished or missing", run.ID)
	}
	return nil
}

// List returns paginated runs matching the given filter, newest first.
func (s *RunStore) List(ctx context.Context, filter RunListFilter, pageSize int, pageToken string) ([]PipelineRun, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.WithContext(ctx).Model(&PipelineRun{})
		if filter.EntityType != "" {
			q = q.Where("entity_type = ?", filter.EntityType)
		}
		if filter.Mode != "" {
			q = q.Where("mode = ?", filter.Mode)
		}
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		return q
	}

	var totalSize int64
	if err := buildQuery(s.db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count runs: %w", err)
	}

	query := buildQuery(s.db).Order("started_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("started_at < ?", t)
	}

	var records []PipelineRun
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list runs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].StartedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// DeleteFinishedBefore removes finalized runs that finished before cutoff,
// together with their checkpoints. Dead-letter entries are kept.
func (s *RunStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&PipelineRun{}).
			Where("finished_at IS NOT NULL AND finished_at < ?", cutoff).
			Pluck("run_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("run_id IN ?", ids).Delete(&Checkpoint{}).Error; err != nil {
			return err
		}
		result := tx.Where("run_id IN ?", ids).Delete(&PipelineRun{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete old runs: %w", err)
	}
	return deleted, nil
}
