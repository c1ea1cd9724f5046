package jobs

import (
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// Router creates a chi.Router for the run and dead-letter API. Mount it
// under /api/ingest/v1.
func Router(db *gorm.DB) chi.Router {
	runs := NewRunStore(db)
	checkpoints := NewCheckpointStore(db)
	deadLetters := NewDeadLetterStore(db)

	r := chi.NewRouter()

	r.Get("/runs", ListRunsHandler(runs))
	r.Get("/runs/{runId}", GetRunHandler(runs, deadLetters))
	r.Get("/runs/{runId}/checkpoints", ListCheckpointsHandler(runs, checkpoints))
	r.Get("/deadletters", ListDeadLettersHandler(deadLetters))
	r.Get("/deadletters/{id}", GetDeadLetterHandler(deadLetters))
	r.Post("/deadletters/{id}:resolve", ResolveDeadLetterHandler(deadLetters))

	return r
}
