package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event is one audited operator action.
type Event struct {
	ID            string         `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	CorrelationID string         `gorm:"column:correlation_id;index" json:"correlationId,omitempty"`
	Actor         string         `gorm:"column:actor;index:idx_audit_actor_time,priority:1;not null" json:"actor"`
	RequestID     string         `gorm:"column:request_id;index" json:"requestId,omitempty"`
	ResourceType  string         `gorm:"column:resource_type;index:idx_audit_resource_time,priority:1" json:"resourceType,omitempty"`
	ResourceID    string         `gorm:"column:resource_id" json:"resourceId,omitempty"`
	Action        string         `gorm:"column:action" json:"action"`
	Outcome       string         `gorm:"column:outcome;not null" json:"outcome"` // success, failure, denied
	StatusCode    int            `gorm:"column:status_code" json:"statusCode,omitempty"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;index:idx_audit_actor_time,priority:2;index:idx_audit_resource_time,priority:2;autoCreateTime" json:"createdAt"`
}

// TableName returns the GORM table name.
func (Event) TableName() string { return "audit_events" }

// AutoMigrate creates the audit table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Event{})
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Actor        string
	ResourceType string
	Action       string
}

// Store provides append-only operations for audit events.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Append creates a new immutable audit event.
func (s *Store) Append(ctx context.Context, event *Event) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Get returns the event with the given ID, or nil if none exists.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	var event Event
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return &event, nil
}

// List returns paginated events ordered by created_at DESC.
func (s *Store) List(ctx context.Context, filter ListFilter, pageSize int, pageToken string) ([]Event, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&Event{})
		if filter.Actor != "" {
			q = q.Where("actor = ?", filter.Actor)
		}
		if filter.ResourceType != "" {
			q = q.Where("resource_type = ?", filter.ResourceType)
		}
		if filter.Action != "" {
			q = q.Where("action = ?", filter.Action)
		}
		return q
	}

	var totalSize int64
	if err := buildQuery().Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit events: %w", err)
	}

	query := buildQuery().Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var events []Event
	if err := query.Find(&events).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit events: %w", err)
	}

	var nextToken string
	if len(events) > pageSize {
		nextToken = events[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		events = events[:pageSize]
	}

	return events, nextToken, int(totalSize), nil
}

// DeleteOlderThan deletes events created before cutoff and returns how
// many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old audit events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
