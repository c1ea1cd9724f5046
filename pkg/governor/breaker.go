package governor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/upstream"
)

// State is the circuit breaker phase.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned without touching the network while the
// breaker is open or a half-open trial is in flight.
var ErrCircuitOpen = errors.New("circuit breaker open")

type openError struct {
	remaining time.Duration
}

func (e *openError) Error() string {
	if e.remaining > 0 {
		return fmt.Sprintf("%v: retry in %s", ErrCircuitOpen, e.remaining.Round(time.Millisecond))
	}
	return fmt.Sprintf("%v: trial call in flight", ErrCircuitOpen)
}

func (e *openError) Unwrap() error { return ErrCircuitOpen }

func (e *openError) RetryHint() time.Duration { return e.remaining }

func (e *openError) ErrorClass() upstream.Class { return upstream.Transient }

// breaker is a consecutive-failure circuit breaker whose cooldown doubles
// on every failed half-open trial.
type breaker struct {
	threshold    int
	baseCooldown time.Duration
	maxCooldown  time.Duration
	onTransition func(State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	cooldown time.Duration
	trial    bool // a half-open trial call is in flight
}

func newBreaker(cfg *Config, onTransition func(State)) *breaker {
	return &breaker{
		threshold:    cfg.FailureThreshold,
		baseCooldown: cfg.Cooldown,
		maxCooldown:  cfg.MaxCooldown,
		cooldown:     cfg.Cooldown,
		onTransition: onTransition,
	}
}

// allow decides whether a call may proceed. trial is true when the caller
// holds the single half-open trial slot and must report its outcome.
func (b *breaker) allow(now time.Time) (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if remaining := b.openedAt.Add(b.cooldown).Sub(now); remaining > 0 {
			return false, &openError{remaining: remaining}
		}
		b.setState(StateHalfOpen)
		b.trial = true
		return true, nil
	default:
		if b.trial {
			return false, &openError{}
		}
		b.trial = true
		return true, nil
	}
}

func (b *breaker) success(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trial = false
		b.failures = 0
		b.cooldown = b.baseCooldown
		b.setState(StateClosed)
		return
	}
	if b.state == StateClosed {
		b.failures = 0
	}
}

func (b *breaker) failure(trial bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trial = false
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
		b.openedAt = now
		b.setState(StateOpen)
		return
	}
	if b.state != StateClosed {
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = now
		b.cooldown = b.baseCooldown
		b.setState(StateOpen)
	}
}

// release gives back a trial slot without recording an outcome.
func (b *breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

func (b *breaker) current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState must be called with b.mu held.
func (b *breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onTransition != nil {
		b.onTransition(s)
	}
}
