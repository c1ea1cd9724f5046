package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/upstream"
)

// snapshotItemLimit caps the extracted items copied into a dead letter.
const snapshotItemLimit = 100

// maxErrorLen caps error text stored on checkpoints.
const maxErrorLen = 2000

// partitionTask drives one partition through its stages. It owns the
// in-memory Extract output and a working copy of the checkpoint, and
// persists progress only by reporting to the writer.
type partitionTask struct {
	o       *Orchestrator
	h       *harness
	runID   string
	params  JobParameters
	part    pipeline.Partition
	cp      Checkpoint
	reports chan<- report
	logger  *slog.Logger

	machine   *partitionFSM
	extracted bool
	items     []pipeline.RawItem
	keys      []string
}

// execute runs the remaining stages. Cancellation of ctx is observed only
// between stages; a stage that has started finishes and checkpoints.
func (t *partitionTask) execute(ctx context.Context) error {
	stageCtx := context.WithoutCancel(ctx)
	t.machine = newPartitionFSM(t.cp.State, t.cp.PartitionKey, t.logger)

	keys, err := t.cp.Manifest()
	if err != nil {
		t.logger.Warn("discarding unreadable manifest, re-extracting", "error", err)
		t.cp.LastStage = ""
	}
	t.keys = keys

	for {
		stage, more := nextStage(t.cp.LastStage)
		if !more {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		// Extract output is not durable; load it again after a restart.
		if stage == StageLoadRaw && !t.extracted {
			stage = StageExtract
		}
		if stage == StagePostProcess {
			return t.finish(ctx, stageCtx)
		}

		advanced, err := t.attempt(ctx, stageCtx, stage)
		if err != nil || !advanced {
			return err
		}
	}
}

// attempt runs one stage with retries. It returns false when the
// partition was dead-lettered or the run was cancelled during backoff.
func (t *partitionTask) attempt(ctx, stageCtx context.Context, stage Stage) (bool, error) {
	entity := t.params.EntityType
	for {
		if err := t.machine.fire(stageCtx, eventBefore(stage)); err != nil {
			return false, fmt.Errorf("partition %s: %w", t.cp.PartitionKey, err)
		}
		t.cp.Status = CheckpointInProgress
		t.cp.State = t.machine.current()

		start := time.Now()
		err := t.runStage(stageCtx, stage)
		t.h.observe(stage, start)

		if err == nil {
			t.cp.LastStage = stage
			t.cp.LastError = ""
			switch stage {
			case StageLoadRaw:
				err = t.machine.fire(stageCtx, eventExtracted)
			case StageTransform:
				err = t.machine.fire(stageCtx, eventTransformed)
			}
			if err != nil {
				return false, fmt.Errorf("partition %s: %w", t.cp.PartitionKey, err)
			}
			t.cp.State = t.machine.current()
			return true, t.report(report{})
		}

		class := classify(err)
		t.cp.LastError = truncate(err.Error())
		if class != upstream.Transient || t.cp.RetryCount >= t.params.MaxRetries {
			return false, t.deadLetter(stageCtx, stage, class, err)
		}

		t.cp.RetryCount++
		t.o.metrics.StageRetry(entity, string(stage))
		delay := t.o.retryDelay(t.cp.RetryCount, upstream.RetryAfterOf(err))
		t.logger.Warn("stage failed, retrying",
			"stage", stage,
			"attempt", t.cp.RetryCount,
			"maxRetries", t.params.MaxRetries,
			"delay", delay.String(),
			"error", err)
		if err := t.report(report{}); err != nil {
			return false, err
		}
		if err := t.o.sleep(ctx, delay); err != nil {
			return false, nil
		}
	}
}

func (t *partitionTask) runStage(ctx context.Context, stage Stage) error {
	switch stage {
	case StageExtract:
		items, err := t.h.extract(ctx, t.part)
		if err != nil {
			return err
		}
		t.items = items
		t.extracted = true
	case StageLoadRaw:
		keys, err := t.h.loadRaw(ctx, t.items, t.params.BatchSize)
		if err != nil {
			return err
		}
		manifest, err := json.Marshal(keys)
		if err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		t.keys = keys
		t.cp.RawKeys = datatypes.JSON(manifest)
		t.items, t.extracted = nil, false
	case StageTransform:
		n, err := t.h.transform(ctx, t.keys, t.params.BatchSize)
		if err != nil {
			return err
		}
		t.cp.Records = n
	default:
		return fmt.Errorf("unexpected stage %q", stage)
	}
	return nil
}

// finish runs Post-Process with its own retry budget and completes the
// partition. Normalized rows are already committed, so exhausting the
// budget does not fail the partition.
func (t *partitionTask) finish(ctx, stageCtx context.Context) error {
	entity := t.params.EntityType
	if err := t.machine.fire(stageCtx, eventPostProcess); err != nil {
		return fmt.Errorf("partition %s: %w", t.cp.PartitionKey, err)
	}
	t.cp.Status = CheckpointInProgress
	t.cp.State = t.machine.current()
	if err := t.report(report{}); err != nil {
		return err
	}

	failed := false
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := t.h.postProcess(stageCtx, t.runID)
		t.h.observe(StagePostProcess, start)
		if err == nil {
			break
		}
		if attempt >= t.o.cfg.PostProcessRetries {
			t.logger.Error("post-process failed, retries exhausted", "error", err)
			t.cp.LastError = truncate("post-process: " + err.Error())
			failed = true
			break
		}
		t.o.metrics.StageRetry(entity, string(StagePostProcess))
		delay := t.o.retryDelay(attempt+1, upstream.RetryAfterOf(err))
		t.logger.Warn("post-process failed, retrying", "attempt", attempt+1, "delay", delay.String(), "error", err)
		if err := t.o.sleep(ctx, delay); err != nil {
			return nil
		}
	}

	if err := t.machine.fire(stageCtx, eventComplete); err != nil {
		return fmt.Errorf("partition %s: %w", t.cp.PartitionKey, err)
	}
	t.cp.Status = CheckpointCompleted
	t.cp.LastStage = StagePostProcess
	t.cp.State = t.machine.current()
	t.o.metrics.PartitionDone(entity, "completed")
	t.logger.Info("partition completed", "records", t.cp.Records, "retries", t.cp.RetryCount)
	return t.report(report{postProcessFailed: failed})
}

// deadLetterSnapshot is stored as the dead letter's payload.
type deadLetterSnapshot struct {
	Partition  pipeline.Partition `json:"partition"`
	Parameters JobParameters      `json:"parameters"`
	RawKeys    []string           `json:"rawKeys,omitempty"`
	Items      []pipeline.RawItem `json:"items,omitempty"`
	Truncated  bool               `json:"truncated,omitempty"`
}

func (t *partitionTask) deadLetter(ctx context.Context, stage Stage, class upstream.Class, cause error) error {
	if err := t.machine.fire(ctx, eventFail); err != nil {
		return fmt.Errorf("partition %s: %w", t.cp.PartitionKey, err)
	}
	if err := t.machine.fire(ctx, eventDeadLetter); err != nil {
		return fmt.Errorf("partition %s: %w", t.cp.PartitionKey, err)
	}
	t.cp.Status = CheckpointFailed
	t.cp.State = t.machine.current()

	snap := deadLetterSnapshot{
		Partition:  t.part,
		Parameters: t.params,
		RawKeys:    t.keys,
		Items:      t.items,
	}
	if len(snap.Items) > snapshotItemLimit {
		snap.Items = snap.Items[:snapshotItemLimit]
		snap.Truncated = true
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode dead letter snapshot: %w", err)
	}

	entry := &DeadLetterEntry{
		ID:              uuid.NewString(),
		RunID:           t.runID,
		EntityType:      t.params.EntityType,
		PartitionKey:    t.cp.PartitionKey,
		Stage:           stage,
		PayloadSnapshot: datatypes.JSON(payload),
		ErrorClass:      class.String(),
		ErrorDetail:     cause.Error(),
		RetryCount:      t.cp.RetryCount,
		CreatedAt:       t.o.now(),
	}
	t.o.metrics.DeadLettered(t.params.EntityType, string(stage))
	t.o.metrics.PartitionDone(t.params.EntityType, "dead_lettered")
	t.logger.Error("partition dead-lettered",
		"stage", stage,
		"class", class.String(),
		"retries", t.cp.RetryCount,
		"error", cause)
	return t.report(report{deadLetter: entry})
}

// report hands a copy of the checkpoint to the writer and waits until it
// is durable.
func (t *partitionTask) report(r report) error {
	cp := t.cp
	r.cp = &cp
	r.ack = make(chan error, 1)
	t.reports <- r
	return <-r.ack
}

// truncate caps s at maxErrorLen bytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
