package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// AuditMiddleware records an Event for every mutating request once the
// handler completes. Writes are best-effort and never fail the request.
func AuditMiddleware(store *Store, cfg *AuditConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg == nil || !cfg.Enabled || store == nil || !isAudited(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			startTime := time.Now()
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			requestID := middleware.GetReqID(r.Context())
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = requestID
			}

			metadata, _ := json.Marshal(map[string]any{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(startTime).String(),
			})

			event := &Event{
				ID:            uuid.New().String(),
				CorrelationID: correlationID,
				Actor:         extractActor(r),
				RequestID:     requestID,
				ResourceType:  extractResourceType(r.URL.Path),
				ResourceID:    extractResourceID(r.URL.Path),
				Action:        extractAction(r.Method, r.URL.Path),
				Outcome:       outcomeFromStatus(capture.statusCode),
				StatusCode:    capture.statusCode,
				Metadata:      datatypes.JSON(metadata),
				CreatedAt:     startTime,
			}

			// The request context may already be cancelled by the client.
			if err := store.Append(context.WithoutCancel(r.Context()), event); err != nil {
				logger.Error("failed to write audit event", "error", err, "requestID", requestID)
			}
		})
	}
}
