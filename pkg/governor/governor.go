// Package governor guards every upstream call with a shared token bucket
// and a circuit breaker. One Governor is shared by all workers of a run,
// and may be shared across runs hitting the same upstream.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/metrics"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/upstream"
)

// ErrRateLimited is returned when a token would not become available
// within the configured maximum wait.
var ErrRateLimited = errors.New("rate budget exhausted")

type rateLimitedError struct {
	wait time.Duration
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("%v: next token in %s", ErrRateLimited, e.wait.Round(time.Millisecond))
}

func (e *rateLimitedError) Unwrap() error { return ErrRateLimited }

func (e *rateLimitedError) RetryHint() time.Duration { return e.wait }

func (e *rateLimitedError) ErrorClass() upstream.Class { return upstream.Transient }

// Governor is the rate governor. It is safe for concurrent use.
type Governor struct {
	cfg     *Config
	limiter *rate.Limiter
	breaker *breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Governor.
type Option func(*Governor)

// WithMetrics records call outcomes, waits and breaker transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithLogger sets the logger used for breaker transitions.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New creates a Governor. The bucket refills at (RequestsPerHour-Burst)
// per hour so that a full bucket plus an hour of refill never exceeds
// RequestsPerHour calls in any rolling hour.
func New(cfg *Config, opts ...Option) (*Governor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid governor config: %w", err)
	}

	g := &Governor{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	perSecond := float64(cfg.RequestsPerHour-cfg.Burst) / time.Hour.Seconds()
	g.limiter = rate.NewLimiter(rate.Limit(perSecond), cfg.Burst)
	g.breaker = newBreaker(cfg, func(s State) {
		g.logger.Info("circuit breaker transition", "state", s.String())
		g.metrics.SetBreakerState(s.String())
	})
	return g, nil
}

// State returns the current breaker phase.
func (g *Governor) State() State {
	return g.breaker.current()
}

// Do runs fn under the breaker and the token bucket. An open breaker fails
// fast without consuming a token.
func (g *Governor) Do(ctx context.Context, fn func(context.Context) error) error {
	trial, err := g.breaker.allow(g.now())
	if err != nil {
		g.metrics.UpstreamCall("short_circuit")
		return err
	}

	if err := g.acquire(ctx); err != nil {
		g.breaker.release(trial)
		g.metrics.UpstreamCall("rate_limited")
		return err
	}

	err = fn(ctx)
	switch {
	case err == nil:
		g.breaker.success(trial)
		g.metrics.UpstreamCall("ok")
	case upstream.IsCanceled(err) || (ctx.Err() != nil && errors.Is(err, ctx.Err())):
		g.breaker.release(trial)
		g.metrics.UpstreamCall("canceled")
	default:
		switch upstream.ClassOf(err) {
		case upstream.Transient:
			g.breaker.failure(trial, g.now())
			g.metrics.UpstreamCall("transient")
		case upstream.Permanent:
			// The upstream answered, so it is healthy.
			g.breaker.success(trial)
			g.metrics.UpstreamCall("permanent")
		default:
			g.breaker.release(trial)
			g.metrics.UpstreamCall("fatal")
		}
	}
	return err
}

// Wrap decorates c so every call passes through the governor.
func (g *Governor) Wrap(c upstream.Caller) upstream.Caller {
	wrapped := upstream.CallerFunc(func(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
		var resp *upstream.Response
		err := g.Do(ctx, func(ctx context.Context) error {
			var err error
			resp, err = c.Call(ctx, req)
			return err
		})
		return resp, err
	})
	if p, ok := c.(upstream.Preflighter); ok {
		return &preflightCaller{Caller: wrapped, pre: p}
	}
	return wrapped
}

type preflightCaller struct {
	upstream.Caller
	pre upstream.Preflighter
}

func (p *preflightCaller) Preflight(ctx context.Context) error {
	return p.pre.Preflight(ctx)
}

// acquire takes one token, suspending the caller until it is available.
func (g *Governor) acquire(ctx context.Context) error {
	now := g.now()
	r, delay := g.reserve(now)
	if !r.OK() {
		return &rateLimitedError{}
	}
	if delay <= 0 {
		return nil
	}
	if delay > g.cfg.MaxWait {
		r.CancelAt(now)
		return &rateLimitedError{wait: delay}
	}
	if deadline, ok := ctx.Deadline(); ok && now.Add(delay).After(deadline) {
		r.CancelAt(now)
		return &rateLimitedError{wait: delay}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.CancelAt(g.now())
		return ctx.Err()
	case <-timer.C:
	}
	g.metrics.ObserveRateWait(delay)
	return nil
}

// reserve takes a token at now and returns how long the caller has to wait
// for it. It never sleeps.
func (g *Governor) reserve(now time.Time) (*rate.Reservation, time.Duration) {
	r := g.limiter.ReserveN(now, 1)
	return r, r.DelayFrom(now)
}
