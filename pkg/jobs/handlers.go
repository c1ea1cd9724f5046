package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// ListRunsHandler handles GET /api/ingest/v1/runs
// Query params: entity, mode, status, pageSize, pageToken
func ListRunsHandler(store *RunStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := RunListFilter{
			EntityType: r.URL.Query().Get("entity"),
			Mode:       r.URL.Query().Get("mode"),
			Status:     r.URL.Query().Get("status"),
		}

		pageSize := 20
		if ps := r.URL.Query().Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}
		pageToken := r.URL.Query().Get("pageToken")

		records, nextToken, total, err := store.List(r.Context(), filter, pageSize, pageToken)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
			return
		}

		runs := make([]runResponse, len(records))
		for i := range records {
			runs[i] = runToResponse(&records[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"runs":          runs,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// GetRunHandler handles GET /api/ingest/v1/runs/{runId}
// Finished runs never change and are marked immutable.
func GetRunHandler(store *RunStore, deadLetters *DeadLetterStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")
		if runID == "" {
			writeError(w, http.StatusBadRequest, "missing run ID")
			return
		}

		run, err := store.Get(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get run: %v", err))
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", runID))
			return
		}

		entries, err := deadLetters.List(r.Context(), DeadLetterFilter{RunID: runID})
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list dead letters: %v", err))
			return
		}

		resp := runToResponse(run)
		resp.DeadLettered = make([]string, 0, len(entries))
		for _, e := range entries {
			resp.DeadLettered = append(resp.DeadLettered, e.PartitionKey)
		}

		if run.IsTerminal() {
			w.Header().Set("Cache-Control", "public, max-age=3600, immutable")
		} else {
			w.Header().Set("Cache-Control", "no-store")
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ListCheckpointsHandler handles GET /api/ingest/v1/runs/{runId}/checkpoints
func ListCheckpointsHandler(runs *RunStore, checkpoints *CheckpointStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")

		run, err := runs.Get(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get run: %v", err))
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", runID))
			return
		}

		cps, err := checkpoints.ListByRun(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list checkpoints: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"runId":       runID,
			"checkpoints": cps,
		})
	}
}

// ListDeadLettersHandler handles GET /api/ingest/v1/deadletters
// Query params: runId, entity, unresolved
func ListDeadLettersHandler(store *DeadLetterStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		unresolved, _ := strconv.ParseBool(r.URL.Query().Get("unresolved"))
		entries, err := store.List(r.Context(), DeadLetterFilter{
			RunID:      r.URL.Query().Get("runId"),
			EntityType: r.URL.Query().Get("entity"),
			Unresolved: unresolved,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list dead letters: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"deadLetters": entries,
			"totalSize":   len(entries),
		})
	}
}

// GetDeadLetterHandler handles GET /api/ingest/v1/deadletters/{id}
func GetDeadLetterHandler(store *DeadLetterStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entry, err := store.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get dead letter: %v", err))
			return
		}
		if entry == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("dead letter %q not found", id))
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

// ResolveDeadLetterHandler handles POST /api/ingest/v1/deadletters/{id}:resolve
func ResolveDeadLetterHandler(store *DeadLetterStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := store.Resolve(r.Context(), id, ""); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, fmt.Sprintf("failed to resolve dead letter: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "resolved",
			"id":     id,
		})
	}
}

// runResponse is the API response for a pipeline run.
type runResponse struct {
	ID                  string          `json:"runId"`
	EntityType          string          `json:"entityType"`
	Mode                string          `json:"mode"`
	Status              string          `json:"status"`
	StartedAt           string          `json:"startedAt"`
	FinishedAt          string          `json:"finishedAt,omitempty"`
	PartitionsTotal     int             `json:"partitionsTotal"`
	PartitionsSucceeded int             `json:"partitionsSucceeded"`
	PartitionsFailed    int             `json:"partitionsFailed"`
	RecordsProcessed    int64           `json:"recordsProcessed"`
	APICallsMade        int64           `json:"apiCallsMade"`
	ReplayOf            string          `json:"replayOf,omitempty"`
	Error               string          `json:"error,omitempty"`
	Params              json.RawMessage `json:"params,omitempty"`
	DeadLettered        []string        `json:"deadLettered,omitempty"`
}

func runToResponse(run *PipelineRun) runResponse {
	resp := runResponse{
		ID:                  run.ID,
		EntityType:          run.EntityType,
		Mode:                string(run.Mode),
		Status:              string(run.Status),
		StartedAt:           run.StartedAt.Format(time.RFC3339),
		PartitionsTotal:     run.PartitionsTotal,
		PartitionsSucceeded: run.PartitionsSucceeded,
		PartitionsFailed:    run.PartitionsFailed,
		RecordsProcessed:    run.RecordsProcessed,
		APICallsMade:        run.APICallsMade,
		ReplayOf:            run.ReplayOf,
		Error:               run.Error,
		Params:              json.RawMessage(run.Params),
	}
	if run.FinishedAt != nil {
		resp.FinishedAt = run.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
