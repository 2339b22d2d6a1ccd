// Package resilience provides the circuit breakers, rate limiters, and
// retry policy shared by the adapters and the remote cache tier.
package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "opskb-backend/pkg/errors"
)

// BreakerSettings configures one logical breaker key.
type BreakerSettings struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold uint32
	// CoolOff is how long the breaker stays open before probing.
	CoolOff time.Duration
	// ProbeRequests is how many calls are admitted in half-open state.
	ProbeRequests uint32
}

// DefaultBreakerSettings returns the settings used when a key has no
// explicit configuration.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		CoolOff:          30 * time.Second,
		ProbeRequests:    3,
	}
}

// BreakerFactory maintains the process-wide map of circuit breakers keyed
// by logical name (typically "adapter:<name>" or "cache:t2").
type BreakerFactory struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings map[string]BreakerSettings
	logger   *zap.Logger
}

// NewBreakerFactory creates an empty factory.
func NewBreakerFactory(logger *zap.Logger) *BreakerFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerFactory{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: make(map[string]BreakerSettings),
		logger:   logger,
	}
}

// Configure sets the settings used when the breaker for key is created.
// It has no effect on an already created breaker.
func (f *BreakerFactory) Configure(key string, settings BreakerSettings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = settings
}

// Get returns the breaker for key, creating it on first use.
func (f *BreakerFactory) Get(key string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[key]; ok {
		return cb
	}

	settings, ok := f.settings[key]
	if !ok {
		settings = DefaultBreakerSettings()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: settings.ProbeRequests,
		Timeout:     settings.CoolOff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("circuit breaker state changed",
				zap.String("key", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	f.breakers[key] = cb
	return cb
}

// Execute runs fn through the breaker for key, translating the breaker's
// own errors into the service taxonomy.
func (f *BreakerFactory) Execute(key string, fn func() (any, error)) (any, error) {
	result, err := f.Get(key).Execute(fn)
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return nil, apperrors.NewCircuitOpen(key)
	default:
		return result, err
	}
}

// State returns the current state name for key ("closed", "half-open",
// "open"), or "closed" when the breaker has never been used.
func (f *BreakerFactory) State(key string) string {
	f.mu.Lock()
	cb, ok := f.breakers[key]
	f.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// IsOpen reports whether the breaker for key currently short-circuits.
func (f *BreakerFactory) IsOpen(key string) bool {
	f.mu.Lock()
	cb, ok := f.breakers[key]
	f.mu.Unlock()
	return ok && cb.State() == gobreaker.StateOpen
}

// Reset discards all breaker state. Used only by tests.
func (f *BreakerFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakers = make(map[string]*gobreaker.CircuitBreaker)
}
