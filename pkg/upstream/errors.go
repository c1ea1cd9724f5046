package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class is the retry classification of a failure.
type Class int

const (
	// Transient failures (network, 429, 5xx) are retried with backoff.
	Transient Class = iota
	// Permanent failures (4xx other than 429, malformed payloads) are never retried.
	Permanent
	// Fatal failures (missing credentials, bad configuration) abort the run.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// DefaultRetryAfter is used when a 429 carries no usable Retry-After header.
const DefaultRetryAfter = 60 * time.Second

// ErrCredentialRefreshed marks a 401 after which the cached credential was
// dropped. The request may be issued once more with a fresh credential.
var ErrCredentialRefreshed = errors.New("credential rejected and refreshed")

// CredentialRefreshed reports whether err is a rejected credential that has
// since been refreshed.
func CredentialRefreshed(err error) bool {
	return errors.Is(err, ErrCredentialRefreshed)
}

// Error is a classified upstream failure.
type Error struct {
	Class      Class
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s error (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the given class.
func NewError(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Classifier is implemented by errors that know their own class.
type Classifier interface {
	ErrorClass() Class
}

// ErrorClass implements Classifier.
func (e *Error) ErrorClass() Class { return e.Class }

// ClassOf returns the class of err. Unclassified errors are Transient.
func ClassOf(err error) Class {
	if err == nil {
		return Transient
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return Transient
}

// IsCanceled reports whether err is the caller's own cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// RetryHinter is implemented by errors that suggest a minimum retry delay.
type RetryHinter interface {
	RetryHint() time.Duration
}

// RetryHint implements RetryHinter.
func (e *Error) RetryHint() time.Duration { return e.RetryAfter }

// RetryAfterOf returns the retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var h RetryHinter
	if errors.As(err, &h) {
		return h.RetryHint()
	}
	return 0
}

// StatusClass maps an HTTP status code onto a Class.
func StatusClass(code int) Class {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return Transient
	case code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	}
	return Transient
}

// ParseRetryAfter reads a Retry-After header given either as delta seconds
// or as an HTTP date. Missing or unparsable values yield DefaultRetryAfter.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
