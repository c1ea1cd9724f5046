package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestRun(entity string, mode Mode, status RunStatus, startedAt time.Time) *PipelineRun {
	run := &PipelineRun{
		ID:         uuid.New().String(),
		JobKey:     "key-" + entity + "-" + string(mode),
		EntityType: entity,
		Mode:       mode,
		Params:     datatypes.JSON(`{"parameters":{"entity_type":"` + entity + `"},"resolved":{}}`),
		StartedAt:  startedAt,
		Status:     status,
	}
	if status != RunStatusRunning {
		finished := startedAt.Add(time.Minute)
		run.FinishedAt = &finished
	}
	return run
}

func TestRunStore_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()

	run := newTestRun("leagues", ModeBackfill, RunStatusRunning, time.Now().Truncate(time.Second))
	require.NoError(t, store.Create(ctx, run))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "leagues", got.EntityType)
	assert.False(t, got.IsTerminal())

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRunStore_FindResumable(t *testing.T) {
	db := setupTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	finished := newTestRun("leagues", ModeBackfill, RunStatusFailed, base)
	require.NoError(t, store.Create(ctx, finished))

	got, err := store.FindResumable(ctx, finished.JobKey)
	require.NoError(t, err)
	assert.Nil(t, got)

	running := newTestRun("leagues", ModeBackfill, RunStatusRunning, base.Add(time.Minute))
	require.NoError(t, store.Create(ctx, running))

	got, err = store.FindResumable(ctx, running.JobKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, running.ID, got.ID)
}

func TestRunStore_LastSucceededIgnoresReplays(t *testing.T) {
	db := setupTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	older := newTestRun("leagues", ModeIncremental, RunStatusSucceeded, base)
	newer := newTestRun("leagues", ModeIncremental, RunStatusSucceeded, base.Add(10*time.Minute))
	replay := newTestRun("leagues", ModeIncremental, RunStatusSucceeded, base.Add(20*time.Minute))
	replay.ReplayOf = uuid.New().String()
	failed := newTestRun("leagues", ModeIncremental, RunStatusFailed, base.Add(30*time.Minute))
	otherMode := newTestRun("leagues", ModeLookback, RunStatusSucceeded, base.Add(40*time.Minute))
	for _, r := range []*PipelineRun{older, newer, replay, failed, otherMode} {
		require.NoError(t, store.Create(ctx, r))
	}

	got, err := store.LastSucceeded(ctx, "leagues", ModeIncremental)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)

	none, err := store.LastSucceeded(ctx, "teams", ModeIncremental)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRunStore_FinishOnlyOnce(t *testing.T) {
	db := setupTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()

	run := newTestRun("leagues", ModeBackfill, RunStatusRunning, time.Now())
	require.NoError(t, store.Create(ctx, run))

	run.Status = RunStatusSucceeded
	run.PartitionsTotal = 2
	run.PartitionsSucceeded = 2
	require.NoError(t, store.Finish(ctx, run))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSucceeded, got.Status)
	assert.Equal(t, 2, got.PartitionsSucceeded)
	assert.NotNil(t, got.FinishedAt)

	run.Status = RunStatusFailed
	assert.Error(t, store.Finish(ctx, run))

	got, err = store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSucceeded, got.Status)
}

func TestRunStore_SaveProgress(t *testing.T) {
	db := setupTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()

	run := newTestRun("leagues", ModeBackfill, RunStatusRunning, time.Now())
	require.NoError(t, store.Create(ctx, run))

	run.PartitionsTotal = 5
	run.PartitionsSucceeded = 3
	run.APICallsMade = 42
	require.NoError(t, store.SaveProgress(ctx, run))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.PartitionsTotal)
	assert.Equal(t, 3, got.PartitionsSucceeded)
	assert.Equal(t, int64(42), got.APICallsMade)
	assert.Equal(t, RunStatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)
}

func TestRunStore_ListWithFilters(t *testing.T) {
	db := setupTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, store.Create(ctx, newTestRun("leagues", ModeBackfill, RunStatusSucceeded, base)))
	require.NoError(t, store.Create(ctx, newTestRun("leagues", ModeLookback, RunStatusFailed, base.Add(time.Minute))))
	require.NoError(t, store.Create(ctx, newTestRun("teams", ModeBackfill, RunStatusSucceeded, base.Add(2*time.Minute))))

	runs, _, total, err := store.List(ctx, RunListFilter{EntityType: "leagues"}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, runs, 2)
	assert.Equal(t, ModeLookback, runs[0].Mode, "newest first")

	runs, _, total, err = store.List(ctx, RunListFilter{Status: string(RunStatusSucceeded), Mode: string(ModeBackfill)}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, runs, 2)
}

func TestRunStore_ListPagination(t *testing.T) {
	db := setupTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Create(ctx, newTestRun("leagues", ModeBackfill, RunStatusSucceeded, base.Add(time.Duration(i)*time.Minute))))
	}

	page1, token, total, err := store.List(ctx, RunListFilter{}, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page1, 2)
	require.NotEmpty(t, token)

	page2, token, _, err := store.List(ctx, RunListFilter{}, 2, token)
	require.NoError(t, err)
	assert.Len(t, page2, 2)
	assert.True(t, page2[0].StartedAt.Before(page1[1].StartedAt))
	require.NotEmpty(t, token)

	page3, token, _, err := store.List(ctx, RunListFilter{}, 2, token)
	require.NoError(t, err)
	assert.Len(t, page3, 1)
	assert.Empty(t, token)

	_, _, _, err = store.List(ctx, RunListFilter{}, 2, "not-a-time")
	assert.Error(t, err)
}

func TestRunStore_DeleteFinishedBefore(t *testing.T) {
	db := setupTestDB(t)
	runs := NewRunStore(db)
	checkpoints := NewCheckpointStore(db)
	ctx := context.Background()

	old := newTestRun("leagues", ModeBackfill, RunStatusSucceeded, time.Now().Add(-48*time.Hour))
	recent := newTestRun("leagues", ModeBackfill, RunStatusSucceeded, time.Now().Add(-time.Hour))
	stale := newTestRun("leagues", ModeLookback, RunStatusRunning, time.Now().Add(-72*time.Hour))
	for _, r := range []*PipelineRun{old, recent, stale} {
		require.NoError(t, runs.Create(ctx, r))
		require.NoError(t, checkpoints.Upsert(ctx, &Checkpoint{
			RunID:        r.ID,
			PartitionKey: "season=2020",
			Seq:          1,
			Status:       CheckpointCompleted,
			State:        stateCompleted,
		}))
	}

	deleted, err := runs.DeleteFinishedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	got, err := runs.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	cps, err := checkpoints.ListByRun(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, cps)

	got, err = runs.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.NotNil(t, got, "unfinished runs are never pruned")
	got, err = runs.Get(ctx, recent.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCheckpointStore_UpsertIsUniquePerPartition(t *testing.T) {
	db := setupTestDB(t)
	store := NewCheckpointStore(db)
	ctx := context.Background()
	runID := uuid.New().String()

	cp := &Checkpoint{RunID: runID, PartitionKey: "date=2024-03-01", Seq: 2, Status: CheckpointPending, State: statePending}
	require.NoError(t, store.Upsert(ctx, cp))

	cp.Status = CheckpointInProgress
	cp.State = stateExtracting
	cp.RetryCount = 1
	require.NoError(t, store.Upsert(ctx, cp))
	require.NoError(t, store.Upsert(ctx, &Checkpoint{RunID: runID, PartitionKey: "date=2024-02-29", Seq: 1, Status: CheckpointPending}))

	cps, err := store.ListByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "date=2024-02-29", cps[0].PartitionKey, "ordered by seq")
	assert.Equal(t, CheckpointInProgress, cps[1].Status)
	assert.Equal(t, 1, cps[1].RetryCount)

	got, err := store.Get(ctx, runID, "date=2024-03-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stateExtracting, got.State)

	missing, err := store.Get(ctx, runID, "date=1999-01-01")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCheckpoint_Manifest(t *testing.T) {
	cp := Checkpoint{PartitionKey: "season=2020"}
	keys, err := cp.Manifest()
	require.NoError(t, err)
	assert.Nil(t, keys)

	cp.RawKeys = datatypes.JSON(`["a","b"]`)
	keys, err = cp.Manifest()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	cp.RawKeys = datatypes.JSON(`{`)
	_, err = cp.Manifest()
	assert.Error(t, err)
}

func TestPipelineRun_Snapshot(t *testing.T) {
	run := &PipelineRun{ID: "r1"}
	_, err := run.Snapshot()
	assert.Error(t, err)

	run.Params = datatypes.JSON(`{"parameters":{"entity_type":"leagues","mode":"lookback","scope":{"lookback_days":3}},"resolved":{"anchor":"2024-03-10"}}`)
	snap, err := run.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "leagues", snap.Parameters.EntityType)
	assert.Equal(t, ModeLookback, snap.Parameters.Mode)
	assert.Equal(t, 3, snap.Parameters.Scope.LookbackDays)
	assert.Equal(t, "2024-03-10", snap.Resolved.Anchor)
}

func TestDeadLetterStore_Resolve(t *testing.T) {
	db := setupTestDB(t)
	store := NewDeadLetterStore(db)
	ctx := context.Background()

	entry := &DeadLetterEntry{
		ID:           uuid.New().String(),
		RunID:        uuid.New().String(),
		EntityType:   "leagues",
		PartitionKey: "season=2020",
		Stage:        StageExtract,
		ErrorClass:   "permanent",
		ErrorDetail:  "forbidden",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, db.Create(entry).Error)

	unresolved, err := store.List(ctx, DeadLetterFilter{Unresolved: true})
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)

	require.NoError(t, store.Resolve(ctx, entry.ID, ""))

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.Empty(t, got.ResolvedByRun)

	err = store.Resolve(ctx, entry.ID, "")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	err = store.Resolve(ctx, "missing", "")
	assert.True(t, errors.Is(err, ErrNotFound))

	unresolved, err = store.List(ctx, DeadLetterFilter{Unresolved: true})
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	all, err := store.List(ctx, DeadLetterFilter{EntityType: "leagues"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
