package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/metrics"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/rawstore"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/upstream"
)

// ErrRunInterrupted is returned when a run is cancelled before all of its
// partitions finished. The run stays running and resumes on re-invocation.
var ErrRunInterrupted = errors.New("run interrupted")

// RunSummary is what a caller gets back from a run.
type RunSummary struct {
	RunID               string     `json:"runId" yaml:"runId"`
	EntityType          string     `json:"entityType" yaml:"entityType"`
	Mode                Mode       `json:"mode" yaml:"mode"`
	Status              RunStatus  `json:"status" yaml:"status"`
	Resumed             bool       `json:"resumed" yaml:"resumed"`
	StartedAt           time.Time  `json:"startedAt" yaml:"startedAt"`
	FinishedAt          *time.Time `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	PartitionsTotal     int        `json:"partitionsTotal" yaml:"partitionsTotal"`
	PartitionsSucceeded int        `json:"partitionsSucceeded" yaml:"partitionsSucceeded"`
	PartitionsFailed    int        `json:"partitionsFailed" yaml:"partitionsFailed"`
	RecordsProcessed    int64      `json:"recordsProcessed" yaml:"recordsProcessed"`
	APICallsMade        int64      `json:"apiCallsMade" yaml:"apiCallsMade"`
	DeadLettered        []string   `json:"deadLettered" yaml:"deadLettered"`
	PostProcessFailures []string   `json:"postProcessFailures,omitempty" yaml:"postProcessFailures,omitempty"`
	Error               string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Orchestrator resolves jobs into partitions, drives them through the
// stage harness on a bounded pool and is the only writer of runs,
// checkpoints and dead-letter entries.
type Orchestrator struct {
	db          *gorm.DB
	runs        *RunStore
	checkpoints *CheckpointStore
	deadLetters *DeadLetterStore
	raw         *rawstore.Store
	caller      upstream.Caller
	lookup      pipeline.LookupFunc
	cfg         *Config
	partitioner *Partitioner
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLookup replaces the global pipeline registry.
func WithLookup(fn pipeline.LookupFunc) Option {
	return func(o *Orchestrator) { o.lookup = fn }
}

// WithMetrics records run, stage and partition metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the time source used for planning.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the retry backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// NewOrchestrator creates an Orchestrator. caller should already be
// wrapped by the rate governor.
func NewOrchestrator(db *gorm.DB, raw *rawstore.Store, caller upstream.Caller, cfg *Config, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := &Orchestrator{
		db:          db,
		runs:        NewRunStore(db),
		checkpoints: NewCheckpointStore(db),
		deadLetters: NewDeadLetterStore(db),
		raw:         raw,
		caller:      caller,
		lookup:      pipeline.Lookup,
		cfg:         cfg,
		logger:      slog.Default(),
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.partitioner = NewPartitioner(cfg, o.runs, o.now)
	return o
}

// Runs returns the run store.
func (o *Orchestrator) Runs() *RunStore { return o.runs }

// Checkpoints returns the checkpoint store.
func (o *Orchestrator) Checkpoints() *CheckpointStore { return o.checkpoints }

// DeadLetters returns the dead-letter store.
func (o *Orchestrator) DeadLetters() *DeadLetterStore { return o.deadLetters }

// Run executes a job. Re-invoking with the same logical job resumes an
// unfinished run, skipping partitions that already completed.
//
// Every invocation leaves a PipelineRun behind. Invalid parameters and a
// failed credential preflight produce a Failed run and an error before any
// partition is planned.
func (o *Orchestrator) Run(ctx context.Context, params JobParameters) (*RunSummary, error) {
	return o.run(ctx, params, nil, "")
}

// Replay re-runs the partition of a dead-letter entry under a new run and
// marks the entry resolved if that run succeeds.
func (o *Orchestrator) Replay(ctx context.Context, entryID string) (*RunSummary, error) {
	entry, err := o.deadLetters.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("dead letter %s: %w", entryID, ErrNotFound)
	}
	if entry.ResolvedAt != nil {
		return nil, fmt.Errorf("dead letter %s is already resolved", entryID)
	}

	orig, err := o.runs.Get(ctx, entry.RunID)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, fmt.Errorf("run %s of dead letter %s: %w", entry.RunID, entryID, ErrNotFound)
	}
	snap, err := orig.Snapshot()
	if err != nil {
		return nil, err
	}

	params := snap.Parameters
	params.Partitions = []string{entry.PartitionKey}
	resolved := snap.Resolved

	summary, err := o.run(ctx, params, &resolved, entry.ID)
	if err != nil {
		return summary, err
	}
	if summary.Status == RunStatusSucceeded {
		if err := o.deadLetters.Resolve(ctx, entry.ID, summary.RunID); err != nil {
			return summary, err
		}
		o.logger.Info("dead letter resolved by replay", "deadLetterID", entry.ID, "runID", summary.RunID)
	}
	return summary, nil
}

// Resolve marks a dead-letter entry resolved without re-running it.
func (o *Orchestrator) Resolve(ctx context.Context, entryID string) error {
	return o.deadLetters.Resolve(ctx, entryID, "")
}

func (o *Orchestrator) run(ctx context.Context, params JobParameters, pinned *ResolvedScope, replayOf string) (*RunSummary, error) {
	params = params.withDefaults(o.cfg)
	if err := params.Validate(o.cfg); err != nil {
		return o.reject(ctx, params, replayOf, err)
	}
	p, ok := o.lookup(params.EntityType)
	if !ok {
		return o.reject(ctx, params, replayOf,
			fmt.Errorf("%w: unknown entity type %q", ErrInvalidParameters, params.EntityType))
	}
	if pf, ok := o.caller.(upstream.Preflighter); ok {
		if err := pf.Preflight(ctx); err != nil {
			return o.reject(ctx, params, replayOf, fmt.Errorf("credential preflight: %w", err))
		}
	}

	run, err := o.runs.FindResumable(ctx, params.JobKey(o.now()))
	if err != nil {
		return nil, err
	}
	resumed := run != nil

	var resolved ResolvedScope
	if resumed {
		snap, err := run.Snapshot()
		if err != nil {
			return nil, err
		}
		params, resolved = snap.Parameters, snap.Resolved
	} else if pinned != nil {
		resolved = *pinned
	} else {
		resolved, err = o.partitioner.Resolve(ctx, params)
		if errors.Is(err, ErrInvalidParameters) {
			return o.reject(ctx, params, replayOf, err)
		}
		if err != nil {
			return nil, err
		}
	}

	parts, err := o.partitioner.Plan(params, resolved)
	if err != nil {
		if !resumed && errors.Is(err, ErrInvalidParameters) {
			return o.reject(ctx, params, replayOf, err)
		}
		return nil, err
	}

	if !resumed {
		run, err = o.newRun(params, resolved, replayOf)
		if err != nil {
			return nil, err
		}
		if err := o.runs.Create(ctx, run); err != nil {
			return nil, err
		}
	}

	logger := o.logger.With("runID", run.ID, "entity", params.EntityType, "mode", params.Mode)
	logger.Info("run started",
		"resumed", resumed,
		"partitions", len(parts),
		"workers", params.MaxWorkers)

	return o.execute(ctx, run, params, p, parts, resumed, logger)
}

func (o *Orchestrator) newRun(params JobParameters, resolved ResolvedScope, replayOf string) (*PipelineRun, error) {
	snap, err := json.Marshal(RunParams{Parameters: params, Resolved: resolved})
	if err != nil {
		return nil, fmt.Errorf("encode run parameters: %w", err)
	}
	return &PipelineRun{
		ID:         uuid.NewString(),
		JobKey:     params.JobKey(o.now()),
		EntityType: params.EntityType,
		Mode:       params.Mode,
		Params:     datatypes.JSON(snap),
		ReplayOf:   replayOf,
		StartedAt:  o.now(),
		Status:     RunStatusRunning,
	}, nil
}

// reject records a run that failed before any partition was planned.
func (o *Orchestrator) reject(ctx context.Context, params JobParameters, replayOf string, cause error) (*RunSummary, error) {
	run, err := o.newRun(params, ResolvedScope{}, replayOf)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	run.Status = RunStatusFailed
	run.Error = cause.Error()
	finished := run.StartedAt
	run.FinishedAt = &finished

	store := context.WithoutCancel(ctx)
	if err := o.runs.Create(store, run); err != nil {
		return nil, errors.Join(cause, err)
	}
	o.metrics.RunFinished(params.EntityType, string(params.Mode), string(run.Status))
	o.logger.Error("run rejected", "runID", run.ID, "entity", params.EntityType, "error", cause)

	return &RunSummary{
		RunID:        run.ID,
		EntityType:   run.EntityType,
		Mode:         run.Mode,
		Status:       run.Status,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		DeadLettered: []string{},
		Error:        run.Error,
	}, cause
}

// tally is the writer's view of a run's progress.
type tally struct {
	completed    mapset.Set[string]
	deadLettered mapset.Set[string]
	ppFailures   mapset.Set[string]
	records      int64
	baseCalls    int64
}

func (o *Orchestrator) execute(ctx context.Context, run *PipelineRun, params JobParameters,
	p pipeline.EntityPipeline, parts []pipeline.Partition, resumed bool, logger *slog.Logger) (*RunSummary, error) {
	// Bookkeeping outlives cancellation so an interrupted run keeps its
	// progress.
	store := context.WithoutCancel(ctx)

	existing, err := o.checkpoints.ListByRun(store, run.ID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]Checkpoint, len(existing))
	for _, cp := range existing {
		byKey[cp.PartitionKey] = cp
	}

	t := &tally{
		completed:    mapset.NewSet[string](),
		deadLettered: mapset.NewSet[string](),
		ppFailures:   mapset.NewSet[string](),
		baseCalls:    run.APICallsMade,
	}

	var pending []Checkpoint
	for _, part := range parts {
		cp, ok := byKey[part.Key]
		if !ok {
			cp = Checkpoint{
				RunID:        run.ID,
				PartitionKey: part.Key,
				Seq:          part.Seq,
				Status:       CheckpointPending,
				State:        statePending,
			}
			if err := o.checkpoints.Upsert(store, &cp); err != nil {
				return nil, err
			}
		}
		switch cp.State {
		case stateCompleted:
			t.completed.Add(cp.PartitionKey)
			t.records += int64(cp.Records)
		case stateDeadLettered:
			t.deadLettered.Add(cp.PartitionKey)
		default:
			pending = append(pending, cp)
		}
	}
	run.PartitionsTotal = len(parts)
	if resumed {
		logger.Info("resuming run",
			"completed", t.completed.Cardinality(),
			"deadLettered", t.deadLettered.Cardinality(),
			"remaining", len(pending))
	}

	h := &harness{
		pipeline: p,
		caller:   o.caller,
		raw:      o.raw,
		db:       o.db,
		maxPages: o.cfg.MaxPages,
		metrics:  o.metrics,
		logger:   logger,
	}

	reports := make(chan report)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		o.writer(store, run, h, t, reports, logger)
	}()

	partByKey := make(map[string]pipeline.Partition, len(parts))
	for _, part := range parts {
		partByKey[part.Key] = part
	}

	pool, _ := NewPool(ctx, params.MaxWorkers)
	for _, cp := range pending {
		task := &partitionTask{
			o:       o,
			h:       h,
			runID:   run.ID,
			params:  params,
			part:    partByKey[cp.PartitionKey],
			cp:      cp,
			reports: reports,
			logger:  logger.With("partition", cp.PartitionKey),
		}
		if err := pool.Submit(task.execute); err != nil {
			break
		}
	}
	workErr := pool.Wait()
	close(reports)
	<-writerDone

	o.applyTally(run, h, t)

	if ctx.Err() != nil || workErr != nil {
		if err := o.runs.SaveProgress(store, run); err != nil {
			logger.Error("failed to save run progress", "error", err)
		}
		summary := o.summarize(run, t, resumed)
		if workErr != nil && ctx.Err() == nil {
			logger.Error("run aborted", "error", workErr)
			return summary, fmt.Errorf("run %s: %w", run.ID, workErr)
		}
		logger.Warn("run interrupted",
			"completed", t.completed.Cardinality(),
			"deadLettered", t.deadLettered.Cardinality())
		return summary, ErrRunInterrupted
	}

	run.Status = finalStatus(run.PartitionsTotal, run.PartitionsSucceeded, run.PartitionsFailed)
	finished := o.now()
	run.FinishedAt = &finished
	if err := o.runs.Finish(store, run); err != nil {
		return nil, err
	}
	o.metrics.RunFinished(run.EntityType, string(run.Mode), string(run.Status))
	logger.Info("run finished",
		"status", run.Status,
		"succeeded", run.PartitionsSucceeded,
		"failed", run.PartitionsFailed,
		"records", run.RecordsProcessed,
		"apiCalls", run.APICallsMade)

	return o.summarize(run, t, resumed), nil
}

func (o *Orchestrator) applyTally(run *PipelineRun, h *harness, t *tally) {
	run.PartitionsSucceeded = t.completed.Cardinality()
	run.PartitionsFailed = t.deadLettered.Cardinality()
	run.RecordsProcessed = t.records
	run.APICallsMade = t.baseCalls + h.calls.Load()
}

// finalStatus derives a run's status from its partition outcomes.
func finalStatus(total, succeeded, failed int) RunStatus {
	switch {
	case total == 0:
		return RunStatusSucceeded
	case succeeded == total:
		return RunStatusSucceeded
	case succeeded == 0:
		return RunStatusFailed
	case failed > 0:
		return RunStatusPartiallyFailed
	}
	return RunStatusFailed
}

func (o *Orchestrator) summarize(run *PipelineRun, t *tally, resumed bool) *RunSummary {
	dead := t.deadLettered.ToSlice()
	sort.Strings(dead)
	var pp []string
	if t.ppFailures.Cardinality() > 0 {
		pp = t.ppFailures.ToSlice()
		sort.Strings(pp)
	}
	return &RunSummary{
		RunID:               run.ID,
		EntityType:          run.EntityType,
		Mode:                run.Mode,
		Status:              run.Status,
		Resumed:             resumed,
		StartedAt:           run.StartedAt,
		FinishedAt:          run.FinishedAt,
		PartitionsTotal:     run.PartitionsTotal,
		PartitionsSucceeded: run.PartitionsSucceeded,
		PartitionsFailed:    run.PartitionsFailed,
		RecordsProcessed:    run.RecordsProcessed,
		APICallsMade:        run.APICallsMade,
		DeadLettered:        dead,
		PostProcessFailures: pp,
	}
}

// report is a worker's request to persist its partition's checkpoint.
type report struct {
	cp                *Checkpoint
	deadLetter        *DeadLetterEntry
	postProcessFailed bool
	ack               chan error
}

// writer is the single goroutine that writes checkpoints and dead letters
// for a run. It drains reports until the channel is closed.
func (o *Orchestrator) writer(ctx context.Context, run *PipelineRun, h *harness, t *tally,
	reports <-chan report, logger *slog.Logger) {
	for r := range reports {
		err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := upsertCheckpoint(tx, r.cp); err != nil {
				return err
			}
			if r.deadLetter != nil {
				if err := tx.Create(r.deadLetter).Error; err != nil {
					return fmt.Errorf("create dead letter: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			r.ack <- err
			continue
		}

		terminal := true
		switch r.cp.State {
		case stateCompleted:
			t.completed.Add(r.cp.PartitionKey)
			t.records += int64(r.cp.Records)
			if r.postProcessFailed {
				t.ppFailures.Add(r.cp.PartitionKey)
			}
		case stateDeadLettered:
			t.deadLettered.Add(r.cp.PartitionKey)
		default:
			terminal = false
		}
		if terminal {
			o.applyTally(run, h, t)
			if err := o.runs.SaveProgress(ctx, run); err != nil {
				logger.Warn("failed to save run progress", "error", err)
			}
		}
		r.ack <- nil
	}
}

// retryDelay returns the wait before retry number attempt (1-based): the
// base delay doubled per attempt, capped, and never shorter than hint.
func (o *Orchestrator) retryDelay(attempt int, hint time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = o.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if hint > d {
		d = hint
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
