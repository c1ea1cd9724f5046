package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/governor"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/metrics"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/rawstore"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/upstream"
)

// ErrTooManyPages stops an Extract whose pagination does not terminate.
var ErrTooManyPages = errors.New("pagination exceeded page limit")

// harness runs the four stages of one entity pipeline. Stages never touch
// checkpoints; they return results and errors to the worker.
type harness struct {
	pipeline pipeline.EntityPipeline
	caller   upstream.Caller
	raw      *rawstore.Store
	db       *gorm.DB
	maxPages int
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// calls counts upstream requests that reached the network.
	calls atomic.Int64
}

// extract fetches every page of a partition.
func (h *harness) extract(ctx context.Context, p pipeline.Partition) ([]pipeline.RawItem, error) {
	var items []pipeline.RawItem
	req := h.pipeline.FirstPage(p)

	for page := 1; ; page++ {
		if page > h.maxPages {
			return nil, fmt.Errorf("%w: %d pages for %s", ErrTooManyPages, h.maxPages, p.Key)
		}

		resp, err := h.call(ctx, req)
		if upstream.CredentialRefreshed(err) {
			h.logger.Info("retrying page with refreshed credential",
				"entity", h.pipeline.EntityType(), "partition", p.Key, "page", page)
			resp, err = h.call(ctx, req)
		}
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}

		got, err := h.pipeline.Split(p, resp)
		if err != nil {
			return nil, fmt.Errorf("split page %d: %w", page, err)
		}
		for i := range got {
			if got[i].FetchedAt.IsZero() {
				got[i].FetchedAt = resp.FetchedAt
			}
		}
		items = append(items, got...)

		next, more := h.pipeline.NextPage(p, req, len(got))
		if !more {
			return items, nil
		}
		req = next
	}
}

// call issues one upstream request and counts it unless the governor
// refused it before it reached the network.
func (h *harness) call(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	resp, err := h.caller.Call(ctx, req)
	if !errors.Is(err, governor.ErrRateLimited) && !errors.Is(err, governor.ErrCircuitOpen) {
		h.calls.Add(1)
	}
	return resp, err
}

// loadRaw commits the extracted items and returns the manifest.
func (h *harness) loadRaw(ctx context.Context, items []pipeline.RawItem, batchSize int) ([]string, error) {
	res, err := h.raw.LoadRaw(ctx, h.pipeline.EntityType(), items, batchSize)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("raw versions loaded",
		"entity", h.pipeline.EntityType(),
		"keys", len(res.Keys),
		"inserted", res.Inserted,
		"skipped", res.Skipped)
	return res.Keys, nil
}

// transform maps the latest raw version of every manifest key and commits
// the normalized rows in one transaction. It returns the row count.
func (h *harness) transform(ctx context.Context, keys []string, batchSize int) (int, error) {
	records, err := h.raw.Latest(ctx, h.pipeline.EntityType(), keys, batchSize)
	if err != nil {
		return 0, err
	}

	var rows []pipeline.Row
	for _, rec := range records {
		out, err := h.pipeline.Transform(rec)
		if err != nil {
			if !errors.Is(err, pipeline.ErrValidation) && !errors.Is(err, pipeline.ErrMalformedPayload) {
				err = fmt.Errorf("%w: %v", pipeline.ErrMalformedPayload, err)
			}
			return 0, fmt.Errorf("transform %s: %w", rec.NaturalKey, err)
		}
		rows = append(rows, out...)
	}

	if err := h.raw.Upsert(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// postProcess runs the optional derived-table hook.
func (h *harness) postProcess(ctx context.Context, runID string) error {
	pp, ok := h.pipeline.(pipeline.PostProcessor)
	if !ok {
		return nil
	}
	return pp.PostProcess(ctx, h.db, runID, h.pipeline.EntityType())
}

func (h *harness) observe(stage Stage, start time.Time) {
	h.metrics.ObserveStage(h.pipeline.EntityType(), string(stage), time.Since(start))
}

// classify maps a stage error onto the error taxonomy. Local data errors
// are permanent; everything else follows the upstream classification,
// which treats unknown errors as transient.
func classify(err error) upstream.Class {
	switch {
	case errors.Is(err, pipeline.ErrMalformedPayload),
		errors.Is(err, pipeline.ErrValidation),
		errors.Is(err, ErrTooManyPages):
		return upstream.Permanent
	}
	return upstream.ClassOf(err)
}
