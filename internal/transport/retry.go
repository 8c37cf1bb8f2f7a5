package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// RetryConfig configures reconnect behavior
type RetryConfig struct {
	MaxRetries int           // Retry attempts after the first dial (0 disables retries)
	BaseDelay  time.Duration // Initial delay between attempts (default: 250ms)
	MaxDelay   time.Duration // Maximum delay between attempts (default: 5s)
	Multiplier float64       // Delay multiplier for exponential backoff (default: 2.0)
	EnableLog  bool          // Whether to log retry attempts
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		EnableLog:  true,
	}
}

// DialError is returned once every dial attempt has failed
type DialError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// withRetry calls fn until it succeeds, returns a non-retryable error, or
// the attempts run out.
func withRetry(ctx context.Context, url string, cfg RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		err := fn(ctx)
		if err == nil {
			if attempt > 0 && cfg.EnableLog {
				log.Printf("[WS] Connected to %s on attempt %d", url, attempt+1)
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			if cfg.EnableLog {
				log.Printf("[WS] Non-retryable dial error: %v", err)
			}
			break
		}

		if attempt < cfg.MaxRetries {
			delay := calculateDelay(attempt, cfg)
			if cfg.EnableLog {
				log.Printf("[WS] Dial attempt %d failed (%v), retrying in %v...", attempt+1, err, delay)
			}

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return &DialError{URL: url, Attempts: attempts, Err: lastErr}
}

// errHandshake carries the HTTP status of a rejected WebSocket upgrade
type errHandshake struct {
	status int
	err    error
}

func (e *errHandshake) Error() string { return e.err.Error() }
func (e *errHandshake) Unwrap() error { return e.err }

// shouldRetry reports whether a dial error is worth another attempt.
// Upgrades rejected with a 4xx status (bad room, bad role, forbidden origin)
// will not succeed on retry.
func shouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var hs *errHandshake
	if errors.As(err, &hs) {
		return hs.status == 0 || hs.status >= http.StatusInternalServerError || hs.status == http.StatusTooManyRequests
	}

	return !errors.Is(err, websocket.ErrBadHandshake)
}

// calculateDelay computes the delay for the given attempt using exponential backoff with jitter
func calculateDelay(attempt int, cfg RetryConfig) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 2.0
	}

	delay := float64(base) * math.Pow(mult, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	// Randomize between 80% and 120% so reconnecting followers spread out
	jitter := 0.8 + rand.Float64()*0.4
	delay *= jitter

	return time.Duration(delay)
}
