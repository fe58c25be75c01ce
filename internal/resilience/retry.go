package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig holds tuning knobs for a [Retrier].
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay. Default: 10s.
	MaxDelay time.Duration
}

// Retrier retries transient backend failures with exponential backoff and
// jitter. Only errors classified by [IsTransient] are retried; everything
// else fails immediately.
type Retrier struct {
	name        string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetrier creates a [Retrier] with the supplied configuration. Zero-value
// config fields are replaced with defaults.
func NewRetrier(cfg RetryConfig) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	return &Retrier{
		name:        cfg.Name,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
}

// Do runs fn up to MaxAttempts times, sleeping between attempts with
// exponential backoff. Returns the last error when all attempts fail, and
// ctx.Err() when the context ends mid-backoff.
func (r *Retrier) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := r.baseDelay

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == r.maxAttempts {
			return lastErr
		}

		// Full jitter keeps simultaneous retries from re-stampeding the
		// backend.
		sleep := time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
		slog.Debug("retrying after transient error",
			"name", r.name,
			"attempt", attempt,
			"delay", sleep,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
	return lastErr
}

// transientMarkers are substrings that identify rate limits and transient
// backend outages across the providers CodeCrew talks to. Provider SDKs do
// not expose a common typed error, so matching message text is the portable
// classification.
var transientMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"502",
	"503",
	"overloaded",
	"temporarily unavailable",
	"connection reset",
	"timeout",
	"deadline exceeded",
}

// IsTransient reports whether err looks like a retryable backend failure.
func IsTransient(err error) bool {
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
