package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/rawstore"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/upstream"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique shared-cache DSN per test; one connection keeps SQLite writes
	// from concurrent workers serialized.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
	return db
}

// widget is the normalized row of the test pipeline.
type widget struct {
	NaturalKey string `gorm:"primaryKey;column:natural_key" validate:"required"`
	Value      int    `gorm:"column:value" validate:"gte=0"`
	UpdatedAt  time.Time
}

func (widget) TableName() string { return "widgets" }

type widgetPayload struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
}

// widgetPipeline pages through "/widgets" and maps every item to a widget.
type widgetPipeline struct {
	pages int
}

func (widgetPipeline) EntityType() string { return "widgets" }

func (widgetPipeline) FirstPage(p pipeline.Partition) upstream.Request {
	return upstream.Request{
		Endpoint: "/widgets",
		Params:   url.Values{"partition": {p.Key}, "page": {"1"}},
	}
}

func (w widgetPipeline) NextPage(p pipeline.Partition, prev upstream.Request, items int) (upstream.Request, bool) {
	page, _ := strconv.Atoi(prev.Params.Get("page"))
	if page >= w.pages || items == 0 {
		return upstream.Request{}, false
	}
	return upstream.Request{
		Endpoint: "/widgets",
		Params:   url.Values{"partition": {p.Key}, "page": {strconv.Itoa(page + 1)}},
	}, true
}

func (widgetPipeline) Split(_ pipeline.Partition, resp *upstream.Response) ([]pipeline.RawItem, error) {
	var payloads []json.RawMessage
	if err := json.Unmarshal(resp.Body, &payloads); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrMalformedPayload, err)
	}
	items := make([]pipeline.RawItem, 0, len(payloads))
	for _, raw := range payloads {
		var w widgetPayload
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", pipeline.ErrMalformedPayload, err)
		}
		items = append(items, pipeline.RawItem{NaturalKey: w.Key, Payload: raw, SchemaVersion: "v1"})
	}
	return items, nil
}

func (widgetPipeline) Transform(raw pipeline.RawRecord) ([]pipeline.Row, error) {
	var w widgetPayload
	if err := json.Unmarshal(raw.Payload, &w); err != nil {
		return nil, err
	}
	return []pipeline.Row{&widget{NaturalKey: w.Key, Value: w.Value}}, nil
}

func (widgetPipeline) Models() []any { return []any{&widget{}} }

// postProcessingPipeline adds a Post-Process hook.
type postProcessingPipeline struct {
	widgetPipeline
	mu    sync.Mutex
	calls int
	fn    func(call int) error
}

func (p *postProcessingPipeline) PostProcess(_ context.Context, _ *gorm.DB, _, _ string) error {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if p.fn == nil {
		return nil
	}
	return p.fn(call)
}

// fakeUpstream serves widget pages. fail decides per request whether to
// return an error; value sets the widget value for a partition.
type fakeUpstream struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(partition string, call int) error
	value func(partition string) int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{calls: map[string]int{}}
}

func (f *fakeUpstream) Call(_ context.Context, req upstream.Request) (*upstream.Response, error) {
	partition := req.Params.Get("partition")
	f.mu.Lock()
	f.calls[partition]++
	call := f.calls[partition]
	fail, value := f.fail, f.value
	f.mu.Unlock()

	if fail != nil {
		if err := fail(partition, call); err != nil {
			return nil, err
		}
	}
	v := 1
	if value != nil {
		v = value(partition)
	}
	body, _ := json.Marshal([]widgetPayload{{
		Key:   partition + "/" + req.Params.Get("page"),
		Value: v,
	}})
	return &upstream.Response{StatusCode: 200, Body: body, FetchedAt: time.Now()}, nil
}

func (f *fakeUpstream) callsFor(partition string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[partition]
}

func (f *fakeUpstream) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// recordingSleep replaces the backoff wait and records requested delays.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type harnessFixture struct {
	db       *gorm.DB
	o        *Orchestrator
	upstream *fakeUpstream
	sleep    *recordingSleep
}

func setupOrchestrator(t *testing.T, p pipeline.EntityPipeline, caller upstream.Caller, archiver rawstore.Archiver, opts ...Option) *harnessFixture {
	t.Helper()
	db := setupTestDB(t)
	raw := rawstore.NewStore(db, archiver, nil)
	require.NoError(t, raw.Migrate(context.Background(), p))

	fake, _ := caller.(*fakeUpstream)
	if caller == nil {
		fake = newFakeUpstream()
		caller = fake
	}

	cfg := DefaultConfig()
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 80 * time.Millisecond

	sleeper := &recordingSleep{}
	lookup := func(name string) (pipeline.EntityPipeline, bool) {
		if name == p.EntityType() {
			return p, true
		}
		return nil, false
	}
	all := append([]Option{WithLookup(lookup), WithSleep(sleeper.sleep)}, opts...)
	o := NewOrchestrator(db, raw, caller, cfg, all...)
	return &harnessFixture{db: db, o: o, upstream: fake, sleep: sleeper}
}

func (f *harnessFixture) checkpoint(t *testing.T, runID, key string) *Checkpoint {
	t.Helper()
	cp, err := f.o.Checkpoints().Get(context.Background(), runID, key)
	require.NoError(t, err)
	require.NotNil(t, cp, "checkpoint %s", key)
	return cp
}

func (f *harnessFixture) count(t *testing.T, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Table(table).Count(&n).Error)
	return n
}
