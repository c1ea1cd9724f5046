package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
)

// ErrInvalidParameters is returned for job parameters rejected before any
// partition work begins.
var ErrInvalidParameters = errors.New("invalid job parameters")

// Mode selects how a job's scope is resolved into partitions.
type Mode string

const (
	ModeBackfill    Mode = "backfill"
	ModeIncremental Mode = "incremental"
	ModeLookback    Mode = "lookback"
)

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeBackfill, ModeIncremental, ModeLookback:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidParameters, s)
}

// Scope is the requested extent of a job. Exactly one shape applies per
// mode: {start, end} for Backfill, {start?} or {since_last_run} for
// Incremental, {lookback_days, end?} for Lookback, or {entities} for a
// Backfill over explicit entity keys.
//
// Start and End hold a season ("2019"), a date ("2024-03-01") or, for
// Incremental, an RFC 3339 timestamp. Ranges are inclusive.
type Scope struct {
	Start        string   `json:"start,omitempty" yaml:"start,omitempty"`
	End          string   `json:"end,omitempty" yaml:"end,omitempty"`
	LookbackDays int      `json:"lookback_days,omitempty" yaml:"lookback_days,omitempty"`
	SinceLastRun bool     `json:"since_last_run,omitempty" yaml:"since_last_run,omitempty"`
	Entities     []string `json:"entities,omitempty" yaml:"entities,omitempty"`
}

// JobParameters is the invocation contract of a job. It is immutable once
// a run starts.
type JobParameters struct {
	EntityType string `json:"entity_type" yaml:"entity_type"`
	Mode       Mode   `json:"mode" yaml:"mode"`
	Scope      Scope  `json:"scope" yaml:"scope"`
	BatchSize  int    `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	MaxWorkers int    `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// Partitions restricts the run to these partition keys. Used by
	// dead-letter replay.
	Partitions []string `json:"partitions,omitempty" yaml:"partitions,omitempty"`
}

// ResolvedScope pins the parts of a plan that depend on when the run was
// first started.
type ResolvedScope struct {
	From   *time.Time `json:"from,omitempty"`
	To     *time.Time `json:"to,omitempty"`
	Anchor string     `json:"anchor,omitempty"`
}

// RunParams is the snapshot stored in pipeline_runs.params_json.
type RunParams struct {
	Parameters JobParameters `json:"parameters"`
	Resolved   ResolvedScope `json:"resolved"`
}

// withDefaults fills tuning knobs from cfg.
func (p JobParameters) withDefaults(cfg *Config) JobParameters {
	if p.BatchSize == 0 {
		p.BatchSize = cfg.BatchSize
	}
	if p.MaxWorkers == 0 {
		p.MaxWorkers = cfg.DefaultWorkers
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	return p
}

// Validate rejects missing or contradictory fields.
func (p JobParameters) Validate(cfg *Config) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidParameters, fmt.Sprintf(format, args...))
	}

	if p.EntityType == "" {
		return invalid("entity_type is required")
	}
	if p.BatchSize < 0 {
		return invalid("batch_size must be positive")
	}
	if p.MaxWorkers < 0 || p.MaxWorkers > cfg.MaxWorkers {
		return invalid("max_workers must be between 1 and %d", cfg.MaxWorkers)
	}
	if p.MaxRetries < 0 {
		return invalid("max_retries must not be negative")
	}

	s := p.Scope
	switch p.Mode {
	case ModeBackfill:
		if s.LookbackDays != 0 || s.SinceLastRun {
			return invalid("backfill takes start/end or entities, not lookback_days or since_last_run")
		}
		if len(s.Entities) > 0 {
			if s.Start != "" || s.End != "" {
				return invalid("backfill takes either start/end or entities, not both")
			}
			for _, e := range s.Entities {
				if strings.TrimSpace(e) == "" {
					return invalid("entities must not contain empty keys")
				}
			}
			return nil
		}
		if s.Start == "" || s.End == "" {
			return invalid("backfill requires scope.start and scope.end")
		}
		if _, err := parseRange(s.Start, s.End); err != nil {
			return invalid("%v", err)
		}

	case ModeIncremental:
		if s.LookbackDays != 0 || len(s.Entities) > 0 {
			return invalid("incremental takes start or since_last_run, not lookback_days or entities")
		}
		if s.SinceLastRun && s.Start != "" {
			return invalid("incremental takes either start or since_last_run, not both")
		}
		var from, to time.Time
		var err error
		if s.Start != "" {
			if from, err = parseInstant(s.Start); err != nil {
				return invalid("scope.start: %v", err)
			}
		}
		if s.End != "" {
			if to, err = parseInstant(s.End); err != nil {
				return invalid("scope.end: %v", err)
			}
			if !from.IsZero() && !to.After(from) {
				return invalid("scope.end must be after scope.start")
			}
		}

	case ModeLookback:
		if s.LookbackDays < 1 {
			return invalid("lookback requires lookback_days >= 1")
		}
		if s.Start != "" || s.SinceLastRun || len(s.Entities) > 0 {
			return invalid("lookback takes lookback_days and an optional end day only")
		}
		if s.End != "" {
			if _, err := time.Parse(pipeline.DateLayout, s.End); err != nil {
				return invalid("scope.end: %v", err)
			}
		}

	default:
		return invalid("unknown mode %q", p.Mode)
	}
	return nil
}

// JobKey is a stable identity of the logical job: entity type, mode,
// requested scope and partition filter. Tuning knobs are excluded so a
// resumed run may use a different pool size. A Lookback without an end
// day is anchored on the UTC day of now.
func (p JobParameters) JobKey(now time.Time) string {
	end := p.Scope.End
	if p.Mode == ModeLookback && end == "" {
		end = now.UTC().Format(pipeline.DateLayout)
	}
	entities := append([]string(nil), p.Scope.Entities...)
	sort.Strings(entities)
	partitions := append([]string(nil), p.Partitions...)
	sort.Strings(partitions)

	identity := struct {
		EntityType string   `json:"e"`
		Mode       Mode     `json:"m"`
		Start      string   `json:"s"`
		End        string   `json:"t"`
		Lookback   int      `json:"l"`
		Since      bool     `json:"r"`
		Entities   []string `json:"k"`
		Partitions []string `json:"p"`
	}{p.EntityType, p.Mode, p.Scope.Start, end, p.Scope.LookbackDays, p.Scope.SinceLastRun, entities, partitions}

	b, _ := json.Marshal(identity)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

// bounds is a parsed inclusive Backfill range.
type bounds struct {
	seasons  bool
	from, to int       // seasons
	start    time.Time // dates
	end      time.Time
}

func parseRange(start, end string) (bounds, error) {
	s1, err1 := parseSeason(start)
	s2, err2 := parseSeason(end)
	if err1 == nil && err2 == nil {
		if s2 < s1 {
			return bounds{}, fmt.Errorf("season range %d..%d is reversed", s1, s2)
		}
		return bounds{seasons: true, from: s1, to: s2}, nil
	}

	d1, err1 := time.Parse(pipeline.DateLayout, start)
	d2, err2 := time.Parse(pipeline.DateLayout, end)
	if err1 != nil || err2 != nil {
		return bounds{}, fmt.Errorf("start and end must both be seasons (YYYY) or dates (%s)", pipeline.DateLayout)
	}
	if d2.Before(d1) {
		return bounds{}, fmt.Errorf("date range %s..%s is reversed", start, end)
	}
	return bounds{start: d1, end: d2}, nil
}

func parseSeason(s string) (int, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("not a season: %q", s)
	}
	return strconv.Atoi(s)
}

// parseInstant accepts an RFC 3339 timestamp or a date (midnight UTC).
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(pipeline.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 timestamp or %s date, got %q", pipeline.DateLayout, s)
	}
	return t, nil
}
