package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning         RunStatus = "running"
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusFailed          RunStatus = "failed"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
)

// CheckpointStatus is the coarse progress of one partition.
type CheckpointStatus string

const (
	CheckpointPending    CheckpointStatus = "pending"
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointCompleted  CheckpointStatus = "completed"
	CheckpointFailed     CheckpointStatus = "failed"
)

// Stage names a step of the per-partition pipeline.
type Stage string

const (
	StageExtract     Stage = "Extract"
	StageLoadRaw     Stage = "LoadRaw"
	StageTransform   Stage = "Transform"
	StagePostProcess Stage = "PostProcess"
)

// PipelineRun is the GORM model for one invocation of a job.
type PipelineRun struct {
	ID                  string         `gorm:"primaryKey;column:run_id;type:varchar(36)" json:"runId"`
	JobKey              string         `gorm:"column:job_key;type:varchar(64);index:idx_run_job_key;not null" json:"jobKey"`
	EntityType          string         `gorm:"column:entity_type;index:idx_run_entity_mode,priority:1;not null" json:"entityType"`
	Mode                Mode           `gorm:"column:mode;index:idx_run_entity_mode,priority:2;not null" json:"mode"`
	Params              datatypes.JSON `gorm:"column:params_json" json:"params"`
	ReplayOf            string         `gorm:"column:replay_of;type:varchar(36)" json:"replayOf,omitempty"`
	StartedAt           time.Time      `gorm:"column:started_at;index:idx_run_started;not null" json:"startedAt"`
	FinishedAt          *time.Time     `gorm:"column:finished_at" json:"finishedAt,omitempty"`
	Status              RunStatus      `gorm:"column:status;index:idx_run_status;not null" json:"status"`
	PartitionsTotal     int            `gorm:"column:partitions_total" json:"partitionsTotal"`
	PartitionsSucceeded int            `gorm:"column:partitions_succeeded" json:"partitionsSucceeded"`
	PartitionsFailed    int            `gorm:"column:partitions_failed" json:"partitionsFailed"`
	RecordsProcessed    int64          `gorm:"column:records_processed" json:"recordsProcessed"`
	APICallsMade        int64          `gorm:"column:api_calls_made" json:"apiCallsMade"`
	Error               string         `gorm:"column:error" json:"error,omitempty"`
}

// TableName returns the GORM table name.
func (PipelineRun) TableName() string { return "pipeline_runs" }

// IsTerminal returns true once the run has been finalized.
func (r *PipelineRun) IsTerminal() bool {
	return r.FinishedAt != nil
}

// Snapshot decodes the stored parameters and resolved scope.
func (r *PipelineRun) Snapshot() (*RunParams, error) {
	var p RunParams
	if len(r.Params) == 0 {
		return nil, fmt.Errorf("run %s has no parameter snapshot", r.ID)
	}
	if err := json.Unmarshal(r.Params, &p); err != nil {
		return nil, fmt.Errorf("decode run %s parameters: %w", r.ID, err)
	}
	return &p, nil
}

// Checkpoint is the durable progress record of one partition in one run.
type Checkpoint struct {
	RunID        string           `gorm:"primaryKey;column:run_id;type:varchar(36)" json:"runId"`
	PartitionKey string           `gorm:"primaryKey;column:partition_key;type:varchar(255)" json:"partitionKey"`
	Seq          int              `gorm:"column:seq" json:"seq"`
	Status       CheckpointStatus `gorm:"column:status;not null" json:"status"`
	State        string           `gorm:"column:state" json:"state"`
	LastStage    Stage            `gorm:"column:last_stage" json:"lastStage,omitempty"`
	RetryCount   int              `gorm:"column:retry_count" json:"retryCount"`
	LastError    string           `gorm:"column:last_error" json:"lastError,omitempty"`
	RawKeys      datatypes.JSON   `gorm:"column:raw_keys" json:"-"`
	Records      int              `gorm:"column:records" json:"records"`
	UpdatedAt    time.Time        `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName returns the GORM table name.
func (Checkpoint) TableName() string { return "pipeline_checkpoints" }

// Manifest returns the natural keys committed by Load-Raw.
func (c *Checkpoint) Manifest() ([]string, error) {
	if len(c.RawKeys) == 0 {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(c.RawKeys, &keys); err != nil {
		return nil, fmt.Errorf("decode manifest of %s: %w", c.PartitionKey, err)
	}
	return keys, nil
}

// DeadLetterEntry records a partition that could not be processed.
type DeadLetterEntry struct {
	ID              string         `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	RunID           string         `gorm:"column:run_id;type:varchar(36);index:idx_dl_run;not null" json:"runId"`
	EntityType      string         `gorm:"column:entity_type;not null" json:"entityType"`
	PartitionKey    string         `gorm:"column:partition_key;type:varchar(255);not null" json:"partitionKey"`
	Stage           Stage          `gorm:"column:stage;not null" json:"stage"`
	PayloadSnapshot datatypes.JSON `gorm:"column:payload_snapshot_json" json:"payloadSnapshot"`
	ErrorClass      string         `gorm:"column:error_class" json:"errorClass"`
	ErrorDetail     string         `gorm:"column:error_detail" json:"errorDetail"`
	RetryCount      int            `gorm:"column:retry_count" json:"retryCount"`
	CreatedAt       time.Time      `gorm:"column:created_at;index:idx_dl_created" json:"createdAt"`
	ResolvedAt      *time.Time     `gorm:"column:resolved_at" json:"resolvedAt,omitempty"`
	ResolvedByRun   string         `gorm:"column:resolved_by_run;type:varchar(36)" json:"resolvedByRun,omitempty"`
}

// TableName returns the GORM table name.
func (DeadLetterEntry) TableName() string { return "dead_letter_entries" }
