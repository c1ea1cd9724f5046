// Package pipeline defines the capabilities an entity type supplies to the
// stage harness. Entity pipelines register themselves via init() using the
// Register function.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/upstream"
)

// ErrMalformedPayload marks an upstream payload the pipeline cannot parse.
// It is a permanent failure.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrValidation marks normalized output that failed schema validation.
// It is a permanent failure.
var ErrValidation = errors.New("normalized row failed validation")

// EntityPipeline is implemented by every entity type the framework can
// ingest. Extract and Transform are driven by the harness; the pipeline
// only describes requests and maps payloads.
type EntityPipeline interface {
	// EntityType returns the identifier used in job parameters and table
	// names (e.g. "leagues" -> raw_leagues).
	EntityType() string

	// FirstPage builds the first upstream request for a partition.
	FirstPage(p Partition) upstream.Request

	// NextPage returns the follow-up request after prev returned items
	// records, or false once the partition is exhausted.
	NextPage(p Partition, prev upstream.Request, items int) (upstream.Request, bool)

	// Split breaks one page into raw items keyed by natural key.
	// Parse failures must wrap ErrMalformedPayload.
	Split(p Partition, resp *upstream.Response) ([]RawItem, error)

	// Transform maps one raw record to normalized rows. It must be pure:
	// no network and no database access.
	Transform(raw RawRecord) ([]Row, error)

	// Models returns the GORM models of the normalized tables, for migration.
	Models() []any
}

// PostProcessor is an optional interface for pipelines that maintain
// derived tables. It runs after a partition's Transform has committed.
type PostProcessor interface {
	PostProcess(ctx context.Context, db *gorm.DB, runID, entityType string) error
}

// Row is one normalized row. Its table must have a natural_key primary key
// or unique column; rows are upserted on it.
type Row interface {
	TableName() string
}

// RawItem is one record cut from an upstream page, before persistence.
type RawItem struct {
	NaturalKey    string
	Payload       json.RawMessage
	FetchedAt     time.Time
	SchemaVersion string
}

// RawRecord is a persisted raw version as handed to Transform.
type RawRecord struct {
	EntityType    string
	NaturalKey    string
	FetchedAt     time.Time
	Payload       json.RawMessage
	SchemaVersion string
}
