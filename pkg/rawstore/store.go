// Package rawstore persists upstream payloads verbatim and writes the
// normalized rows derived from them.
package rawstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/go-playground/validator.v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
)

// defaultChunk bounds IN-lists and insert batches when no batch size is given.
const defaultChunk = 100

// Archiver mirrors newly stored raw versions somewhere durable. Failures
// are logged and never fail the load.
type Archiver interface {
	Archive(ctx context.Context, rec pipeline.RawRecord) error
}

// Store provides database operations for raw and normalized tables.
type Store struct {
	db       *gorm.DB
	archiver Archiver
	validate *validator.Validate
	logger   *slog.Logger
}

// NewStore creates a Store. archiver may be nil.
func NewStore(db *gorm.DB, archiver Archiver, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:       db,
		archiver: archiver,
		validate: validator.New(),
		logger:   logger,
	}
}

// Migrate creates or updates the raw table and the normalized tables of p.
func (s *Store) Migrate(ctx context.Context, p pipeline.EntityPipeline) error {
	table, err := RawTable(p.EntityType())
	if err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	if err := db.Table(table).AutoMigrate(&rawRow{}); err != nil {
		return fmt.Errorf("migrate %s: %w", table, err)
	}
	if models := p.Models(); len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return fmt.Errorf("migrate %s models: %w", p.EntityType(), err)
		}
	}
	return nil
}

// LoadResult describes one Load-Raw commit.
type LoadResult struct {
	Keys     []string // sorted natural keys covered by the load
	Inserted int      // new raw versions written
	Skipped  int      // items identical to the latest stored version
}

// LoadRaw appends a raw version for every item whose payload differs from
// the latest stored version of its natural key. The load commits as one
// transaction and is idempotent.
func (s *Store) LoadRaw(ctx context.Context, entityType string, items []pipeline.RawItem, batchSize int) (*LoadResult, error) {
	table, err := RawTable(entityType)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = defaultChunk
	}

	// Last occurrence of a natural key wins.
	byKey := make(map[string]pipeline.RawItem, len(items))
	keySet := mapset.NewThreadUnsafeSet[string]()
	for _, it := range items {
		if it.NaturalKey == "" {
			return nil, fmt.Errorf("%w: raw item without natural key", pipeline.ErrMalformedPayload)
		}
		byKey[it.NaturalKey] = it
		keySet.Add(it.NaturalKey)
	}
	keys := keySet.ToSlice()
	sort.Strings(keys)

	result := &LoadResult{Keys: keys}
	var fresh []rawRow

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest, err := latestHashes(tx, table, keys, batchSize)
		if err != nil {
			return err
		}

		for _, key := range keys {
			it := byKey[key]
			payload, hash, err := canonicalPayload(it.Payload)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", pipeline.ErrMalformedPayload, key, err)
			}
			if latest[key] == hash {
				result.Skipped++
				continue
			}
			fresh = append(fresh, rawRow{
				NaturalKey:    key,
				FetchedAt:     normalizeTime(it.FetchedAt),
				Payload:       datatypes.JSON(payload),
				PayloadHash:   hash,
				SchemaVersion: it.SchemaVersion,
			})
		}

		if len(fresh) == 0 {
			return nil
		}
		res := tx.Table(table).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "natural_key"}, {Name: "fetched_at"}},
				DoNothing: true,
			}).
			CreateInBatches(&fresh, batchSize)
		if res.Error != nil {
			return fmt.Errorf("insert raw versions: %w", res.Error)
		}
		result.Inserted = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load raw %s: %w", entityType, err)
	}

	s.archive(ctx, entityType, fresh)
	return result, nil
}

// Latest returns the newest raw version of each key, in key order.
func (s *Store) Latest(ctx context.Context, entityType string, keys []string, batchSize int) ([]pipeline.RawRecord, error) {
	table, err := RawTable(entityType)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = defaultChunk
	}

	newest := make(map[string]rawRow, len(keys))
	for _, chunk := range chunks(keys, batchSize) {
		var rows []rawRow
		err := s.db.WithContext(ctx).Table(table).
			Where("natural_key IN ?", chunk).
			Order("natural_key ASC, fetched_at DESC, id DESC").
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("read raw %s: %w", entityType, err)
		}
		for _, r := range rows {
			if _, seen := newest[r.NaturalKey]; !seen {
				newest[r.NaturalKey] = r
			}
		}
	}

	out := make([]pipeline.RawRecord, 0, len(keys))
	for _, key := range keys {
		r, ok := newest[key]
		if !ok {
			return nil, fmt.Errorf("read raw %s: no version stored for %q", entityType, key)
		}
		out = append(out, toRecord(entityType, r))
	}
	return out, nil
}

// Versions returns every stored version of one natural key, oldest first.
func (s *Store) Versions(ctx context.Context, entityType, naturalKey string) ([]pipeline.RawRecord, error) {
	table, err := RawTable(entityType)
	if err != nil {
		return nil, err
	}
	var rows []rawRow
	if err := s.db.WithContext(ctx).Table(table).
		Where("natural_key = ?", naturalKey).
		Order("fetched_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read raw versions: %w", err)
	}
	out := make([]pipeline.RawRecord, len(rows))
	for i, r := range rows {
		out[i] = toRecord(entityType, r)
	}
	return out, nil
}

// Validate checks rows against their validator tags.
func (s *Store) Validate(rows []pipeline.Row) error {
	for _, row := range rows {
		if err := s.validate.Struct(row); err != nil {
			return fmt.Errorf("%w: %s: %v", pipeline.ErrValidation, row.TableName(), err)
		}
	}
	return nil
}

// Upsert validates rows and writes them in one transaction, updating rows
// whose natural key already exists.
func (s *Store) Upsert(ctx context.Context, rows []pipeline.Row) error {
	if err := s.Validate(rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "natural_key"}},
				UpdateAll: true,
			}).Create(row).Error; err != nil {
				return fmt.Errorf("upsert %s: %w", row.TableName(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit normalized rows: %w", err)
	}
	return nil
}

func (s *Store) archive(ctx context.Context, entityType string, rows []rawRow) {
	if s.archiver == nil {
		return
	}
	for _, r := range rows {
		if err := s.archiver.Archive(ctx, toRecord(entityType, r)); err != nil {
			s.logger.Warn("failed to archive raw payload",
				"entityType", entityType,
				"naturalKey", r.NaturalKey,
				"error", err)
		}
	}
}

func latestHashes(tx *gorm.DB, table string, keys []string, chunkSize int) (map[string]string, error) {
	latest := make(map[string]string, len(keys))
	for _, chunk := range chunks(keys, chunkSize) {
		var rows []rawRow
		err := tx.Table(table).
			Select("natural_key", "fetched_at", "payload_hash", "id").
			Where("natural_key IN ?", chunk).
			Order("natural_key ASC, fetched_at DESC, id DESC").
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("read latest raw versions: %w", err)
		}
		for _, r := range rows {
			if _, seen := latest[r.NaturalKey]; !seen {
				latest[r.NaturalKey] = r.PayloadHash
			}
		}
	}
	return latest, nil
}

// canonicalPayload compacts JSON so that formatting differences do not
// create new versions.
func canonicalPayload(raw json.RawMessage) ([]byte, string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

// normalizeTime drops precision the storage engines disagree on.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(time.Microsecond)
}

func toRecord(entityType string, r rawRow) pipeline.RawRecord {
	return pipeline.RawRecord{
		EntityType:    entityType,
		NaturalKey:    r.NaturalKey,
		FetchedAt:     r.FetchedAt.UTC(),
		Payload:       json.RawMessage(r.Payload),
		SchemaVersion: r.SchemaVersion,
	}
}

func chunks(keys []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end])
	}
	return out
}
