package rawstore

import (
	"fmt"
	"regexp"
	"time"

	"gorm.io/datatypes"
)

var entityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// RawTable returns the raw table name for an entity type.
func RawTable(entityType string) (string, error) {
	if !entityTypePattern.MatchString(entityType) {
		return "", fmt.Errorf("invalid entity type %q: must match %s", entityType, entityTypePattern)
	}
	return "raw_" + entityType, nil
}

// rawRow is one append-only raw version. Every entity gets its own table
// with this shape; index names are derived from the table name.
type rawRow struct {
	ID            uint64         `gorm:"primaryKey;autoIncrement;column:id"`
	NaturalKey    string         `gorm:"column:natural_key;type:varchar(255);not null;index:,unique,composite:natural_fetched,priority:1"`
	FetchedAt     time.Time      `gorm:"column:fetched_at;not null;index:,unique,composite:natural_fetched,priority:2"`
	Payload       datatypes.JSON `gorm:"column:payload_json;not null"`
	PayloadHash   string         `gorm:"column:payload_hash;type:varchar(64);not null"`
	SchemaVersion string         `gorm:"column:schema_version;type:varchar(32)"`
}
