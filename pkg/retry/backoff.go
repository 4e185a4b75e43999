// Package retry backs off around operations that may fail while a dependency is still starting.
// Work inside an indexer run is never retried here; re-running the batch is the retry.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	MaxRetries    int // total attempts, at least 1
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool // spread delays by +/-15%
}

// DefaultConfig waits up to a few minutes for a database that is still booting.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    8,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2,
		JitterEnabled: true,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that WithBackoff stops and returns err unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WithBackoff calls fn until it succeeds, returns a Permanent error, ctx ends or attempts run out.
func WithBackoff(ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func() error) error {
	attempts := max(cfg.MaxRetries, 1)
	log := logger.With(zap.String("operation", operation))

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: retry cancelled: %w", operation, err)
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info("succeeded after retry", zap.Int("attempts", attempt))
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= attempts {
			return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
		}

		delay := calculateBackoff(cfg, attempt)
		log.Warn("attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", attempts),
			zap.Duration("retryIn", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: retry cancelled: %w", operation, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// calculateBackoff is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay, then jittered.
func calculateBackoff(cfg Config, attempt int) time.Duration {
	d := math.Min(
		float64(cfg.InitialDelay)*math.Pow(cfg.Multiplier, float64(attempt-1)),
		float64(cfg.MaxDelay),
	)
	if cfg.JitterEnabled {
		d *= 0.85 + rand.Float64()*0.3
	}
	return time.Duration(d)
}
