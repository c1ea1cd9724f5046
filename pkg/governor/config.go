package governor

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config controls the shared token bucket and circuit breaker.
type Config struct {
	RequestsPerHour  int           // Hard budget for any rolling hour. Default 2000.
	Burst            int           // Bucket capacity. Must be below RequestsPerHour. Default 5.
	MaxWait          time.Duration // Longest a caller may wait for a token. Default 2m.
	FailureThreshold int           // Consecutive transient failures that open the breaker. Default 5.
	Cooldown         time.Duration // First open period. Default 30s.
	MaxCooldown      time.Duration // Cap for the doubled cooldown. Default 10m.
}

// DefaultConfig returns the default governor configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerHour:  2000,
		Burst:            5,
		MaxWait:          2 * time.Minute,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// ConfigFromEnv loads config from environment variables.
// INGEST_RATE_REQUESTS_PER_HOUR, INGEST_RATE_BURST, INGEST_RATE_MAX_WAIT_SECONDS,
// INGEST_BREAKER_FAILURE_THRESHOLD, INGEST_BREAKER_COOLDOWN_SECONDS,
// INGEST_BREAKER_MAX_COOLDOWN_SECONDS
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("INGEST_RATE_REQUESTS_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RequestsPerHour = n
		}
	}

	if v := os.Getenv("INGEST_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Burst = n
		}
	}

	if v := os.Getenv("INGEST_RATE_MAX_WAIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxWait = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("INGEST_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FailureThreshold = n
		}
	}

	if v := os.Getenv("INGEST_BREAKER_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cooldown = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("INGEST_BREAKER_MAX_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxCooldown = time.Duration(n) * time.Second
		}
	}

	return cfg
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Burst < 1 {
		return fmt.Errorf("burst must be >= 1, got %d", c.Burst)
	}
	if c.RequestsPerHour <= c.Burst {
		return fmt.Errorf("requests per hour (%d) must exceed burst (%d)", c.RequestsPerHour, c.Burst)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive")
	}
	if c.MaxCooldown < c.Cooldown {
		return fmt.Errorf("max cooldown (%s) must be >= cooldown (%s)", c.MaxCooldown, c.Cooldown)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("max wait must not be negative")
	}
	return nil
}
