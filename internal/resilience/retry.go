package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	apperrors "opskb-backend/pkg/errors"
)

// ErrorClass classifies an outbound-call failure for retry decisions.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassAuthFailed
	ClassNotFound
	ClassRateLimited
	ClassMalformed
	ClassFatal
)

// Classify maps an error chain onto its retry class. Transient and
// RateLimited are the retryable classes.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassFatal
	case apperrors.IsAuthFailed(err):
		return ClassAuthFailed
	case apperrors.IsNotFound(err):
		return ClassNotFound
	case apperrors.IsRateLimited(err):
		return ClassRateLimited
	case apperrors.IsValidation(err):
		return ClassMalformed
	case apperrors.IsCircuitOpen(err):
		// The breaker already gates the dependency; retrying inside the
		// cool-off window cannot succeed.
		return ClassFatal
	case apperrors.IsTimeout(err), apperrors.IsRetryable(err):
		return ClassTransient
	default:
		return ClassFatal
	}
}

// Retryable reports whether the class permits another attempt.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryConfig returns the standard adapter retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Retry executes the operation with exponential backoff plus jitter,
// retrying only Transient and RateLimited failures up to the attempt
// ceiling. Cancellation on ctx stops immediately.
func Retry(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !Classify(err).Retryable() {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(config.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

// delay computes the backoff for the given attempt number, with jitter to
// prevent thundering herd.
func (c RetryConfig) delay(attempt int) time.Duration {
	backoff := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	jitter := backoff * c.JitterFactor * (rand.Float64() - 0.5) * 2
	delay := time.Duration(backoff + jitter)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
