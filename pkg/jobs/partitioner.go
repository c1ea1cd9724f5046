package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
)

// Partitioner turns job parameters into an ordered partition list.
type Partitioner struct {
	cfg  *Config
	runs *RunStore
	now  func() time.Time
}

// NewPartitioner creates a Partitioner. runs supplies the Incremental
// high-water mark.
func NewPartitioner(cfg *Config, runs *RunStore, now func() time.Time) *Partitioner {
	if now == nil {
		now = time.Now
	}
	return &Partitioner{cfg: cfg, runs: runs, now: now}
}

// Resolve pins the time-dependent parts of a new run's scope: the
// Incremental window and the Lookback anchor day.
func (p *Partitioner) Resolve(ctx context.Context, params JobParameters) (ResolvedScope, error) {
	var resolved ResolvedScope
	now := p.now().UTC()

	switch params.Mode {
	case ModeIncremental:
		to := now.Truncate(time.Second)
		if params.Scope.End != "" {
			t, err := parseInstant(params.Scope.End)
			if err != nil {
				return resolved, fmt.Errorf("%w: scope.end: %v", ErrInvalidParameters, err)
			}
			to = t
		}

		var from time.Time
		if params.Scope.Start != "" {
			t, err := parseInstant(params.Scope.Start)
			if err != nil {
				return resolved, fmt.Errorf("%w: scope.start: %v", ErrInvalidParameters, err)
			}
			from = t
		} else {
			last, err := p.runs.LastSucceeded(ctx, params.EntityType, ModeIncremental)
			if err != nil {
				return resolved, err
			}
			mark, err := highWaterMark(last)
			if err != nil {
				return resolved, err
			}
			if mark == nil {
				return resolved, fmt.Errorf("%w: no successful incremental run for %s; set scope.start",
					ErrInvalidParameters, params.EntityType)
			}
			from = *mark
		}
		if to.Before(from) {
			to = from
		}
		resolved.From, resolved.To = &from, &to

	case ModeLookback:
		anchor := now.Format(pipeline.DateLayout)
		if params.Scope.End != "" {
			anchor = params.Scope.End
		}
		resolved.Anchor = anchor
	}
	return resolved, nil
}

func highWaterMark(run *PipelineRun) (*time.Time, error) {
	if run == nil {
		return nil, nil
	}
	snap, err := run.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Resolved.To, nil
}

// Plan returns the partitions for params and a resolved scope. It is
// deterministic: equal inputs always produce equal partition keys.
func (p *Partitioner) Plan(params JobParameters, resolved ResolvedScope) ([]pipeline.Partition, error) {
	var parts []pipeline.Partition
	entity := params.EntityType

	switch params.Mode {
	case ModeBackfill:
		if len(params.Scope.Entities) > 0 {
			keys := mapset.NewThreadUnsafeSet(params.Scope.Entities...).ToSlice()
			sort.Strings(keys)
			for i, k := range keys {
				parts = append(parts, pipeline.EntityKeyPartition(entity, i+1, k))
			}
			break
		}
		b, err := parseRange(params.Scope.Start, params.Scope.End)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		if b.seasons {
			for s := b.from; s <= b.to; s++ {
				parts = append(parts, pipeline.SeasonPartition(entity, len(parts)+1, s))
			}
			break
		}
		step := p.cfg.BackfillSliceDays
		if step < 1 {
			step = 1
		}
		end := b.end.AddDate(0, 0, 1)
		for from := b.start; from.Before(end); from = from.AddDate(0, 0, step) {
			to := from.AddDate(0, 0, step)
			if to.After(end) {
				to = end
			}
			parts = append(parts, pipeline.DatePartition(entity, len(parts)+1, from, to))
		}

	case ModeIncremental:
		if resolved.From == nil || resolved.To == nil {
			return nil, fmt.Errorf("%w: incremental window is not resolved", ErrInvalidParameters)
		}
		slice := p.cfg.MaxSlice
		if slice <= 0 {
			slice = 24 * time.Hour
		}
		for from := *resolved.From; from.Before(*resolved.To); from = from.Add(slice) {
			to := from.Add(slice)
			if to.After(*resolved.To) {
				to = *resolved.To
			}
			parts = append(parts, pipeline.WindowPartition(entity, len(parts)+1, from, to))
		}

	case ModeLookback:
		anchor, err := time.Parse(pipeline.DateLayout, resolved.Anchor)
		if err != nil {
			return nil, fmt.Errorf("%w: lookback anchor: %v", ErrInvalidParameters, err)
		}
		first := anchor.AddDate(0, 0, -(params.Scope.LookbackDays - 1))
		for i := 0; i < params.Scope.LookbackDays; i++ {
			day := first.AddDate(0, 0, i)
			parts = append(parts, pipeline.DatePartition(entity, i+1, day, day.AddDate(0, 0, 1)))
		}

	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidParameters, params.Mode)
	}

	return filterPartitions(parts, params.Partitions)
}

// filterPartitions keeps only the named keys. Sequence numbers are kept
// from the full plan.
func filterPartitions(parts []pipeline.Partition, keys []string) ([]pipeline.Partition, error) {
	if len(keys) == 0 {
		return parts, nil
	}
	want := mapset.NewThreadUnsafeSet(keys...)
	var out []pipeline.Partition
	for _, p := range parts {
		if want.Contains(p.Key) {
			out = append(out, p)
			want.Remove(p.Key)
		}
	}
	if want.Cardinality() > 0 {
		missing := want.ToSlice()
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: partitions %v are not part of the plan", ErrInvalidParameters, missing)
	}
	return out, nil
}
