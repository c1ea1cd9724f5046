package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, DefaultRetryAfter, ParseRetryAfter("", now))
	assert.Equal(t, 120*time.Second, ParseRetryAfter("120", now))
	assert.Equal(t, DefaultRetryAfter, ParseRetryAfter("-3", now))
	assert.Equal(t, DefaultRetryAfter, ParseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, Transient, ClassOf(errors.New("boom")))
	assert.Equal(t, Permanent, ClassOf(NewError(Permanent, errors.New("bad"))))

	wrapped := fmt.Errorf("extract: %w", &Error{Class: Fatal, Err: errors.New("no creds")})
	assert.Equal(t, Fatal, ClassOf(wrapped))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, Transient, StatusClass(http.StatusTooManyRequests))
	assert.Equal(t, Transient, StatusClass(http.StatusRequestTimeout))
	assert.Equal(t, Transient, StatusClass(http.StatusBadGateway))
	assert.Equal(t, Permanent, StatusClass(http.StatusUnauthorized))
	assert.Equal(t, Permanent, StatusClass(http.StatusUnprocessableEntity))
}
