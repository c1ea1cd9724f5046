// Package upstream defines the contract for authenticated calls to the
// external fantasy sports API and classifies their failures.
package upstream

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Request addresses one upstream resource. Endpoint is relative to the
// client's base URL, e.g. "league/423.l.12345/teams".
type Request struct {
	Endpoint string
	Params   url.Values
}

// Response is a fully read upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FetchedAt  time.Time
}

// Caller performs one authenticated upstream call.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// CallerFunc adapts a plain function to Caller.
type CallerFunc func(ctx context.Context, req Request) (*Response, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Preflighter is implemented by callers that can verify their credentials
// before any work is scheduled.
type Preflighter interface {
	Preflight(ctx context.Context) error
}
