package pipeline

import (
	"fmt"
	"time"
)

// SliceKind is the shape of a partition's scope slice.
type SliceKind string

const (
	SliceSeason SliceKind = "season"
	SliceDate   SliceKind = "date"
	SliceWindow SliceKind = "window"
	SliceEntity SliceKind = "entity"
)

// DateLayout is the layout of date-valued scope bounds and partition keys.
const DateLayout = "2006-01-02"

// Partition is one independently retryable unit of work. Seq increases
// monotonically within a run.
type Partition struct {
	EntityType string    `json:"entityType"`
	Key        string    `json:"key"`
	Seq        int       `json:"seq"`
	Kind       SliceKind `json:"kind"`
	Season     int       `json:"season,omitempty"`
	From       time.Time `json:"from,omitempty"` // inclusive
	To         time.Time `json:"to,omitempty"`   // exclusive
	EntityKey  string    `json:"entityKey,omitempty"`
}

// SeasonPartition builds the partition for one season.
func SeasonPartition(entityType string, seq, season int) Partition {
	return Partition{
		EntityType: entityType,
		Key:        fmt.Sprintf("season=%d", season),
		Seq:        seq,
		Kind:       SliceSeason,
		Season:     season,
	}
}

// DatePartition builds the partition for the days in [from, to).
func DatePartition(entityType string, seq int, from, to time.Time) Partition {
	key := "date=" + from.Format(DateLayout)
	if to.Sub(from) > 24*time.Hour {
		key = fmt.Sprintf("dates=%s..%s", from.Format(DateLayout), to.AddDate(0, 0, -1).Format(DateLayout))
	}
	return Partition{
		EntityType: entityType,
		Key:        key,
		Seq:        seq,
		Kind:       SliceDate,
		From:       from,
		To:         to,
	}
}

// WindowPartition builds the partition for the time window [from, to).
func WindowPartition(entityType string, seq int, from, to time.Time) Partition {
	return Partition{
		EntityType: entityType,
		Key:        fmt.Sprintf("window=%s..%s", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)),
		Seq:        seq,
		Kind:       SliceWindow,
		From:       from,
		To:         to,
	}
}

// EntityKeyPartition builds the partition for a single upstream entity key.
func EntityKeyPartition(entityType string, seq int, key string) Partition {
	return Partition{
		EntityType: entityType,
		Key:        "entity=" + key,
		Seq:        seq,
		Kind:       SliceEntity,
		EntityKey:  key,
	}
}
