// Package retry provides bounded exponential backoff for agent calls to the
// master API, which may be briefly unreachable during restarts or failover.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config bounds the retry loop
type Config struct {
	MaxRetries     int           // retries after the first attempt
	InitialBackoff time.Duration // wait before the first retry
	MaxBackoff     time.Duration // backoff ceiling
	Multiplier     float64       // backoff growth per retry
}

// DefaultConfig covers the usual master hiccup: three retries spread over
// a few seconds
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Do runs fn until it succeeds, the retry budget is spent, or ctx ends.
// The context is checked before every attempt and during every backoff wait.
func Do(ctx context.Context, config Config, fn func() error) error {
	backoff := config.InitialBackoff
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == config.MaxRetries {
			return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}
}

// transientMarkers are error substrings worth retrying: the master being
// down, restarting, or momentarily overloaded. Anything else (bad pipeline,
// unknown job) will not get better on a second try.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"503",
	"502",
	"504",
	"eof",
	"broken pipe",
}

// IsRetryable reports whether err looks like a transient master failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
