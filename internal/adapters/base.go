package adapters

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"opskb-backend/internal/domain"
	"opskb-backend/internal/resilience"
	"opskb-backend/pkg/config"
	"opskb-backend/pkg/errors"
	"opskb-backend/pkg/observability"
)

// Guard wraps a SourceAdapter with the resilience stack: per-source rate
// limiting, a circuit breaker, bounded retries, per-call deadlines, a
// per-adapter concurrency slot, refresh coalescing, and rolling latency
// stats feeding Metadata.
type Guard struct {
	inner    SourceAdapter
	priority int

	breakerKey string
	breakers   *resilience.BreakerFactory
	limiter    *resilience.RateLimiter
	retry      resilience.RetryConfig

	timeout       time.Duration
	healthTimeout time.Duration
	slots         chan struct{}

	refreshGroup singleflight.Group

	monitor *observability.PerformanceMonitor
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewGuard wraps inner according to its source configuration.
func NewGuard(
	inner SourceAdapter,
	cfg config.SourceConfig,
	breakers *resilience.BreakerFactory,
	monitor *observability.PerformanceMonitor,
	metrics *observability.Metrics,
	healthTimeout time.Duration,
	logger *zap.Logger,
) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if monitor == nil {
		monitor = observability.NewPerformanceMonitor(0, logger)
	}
	key := "adapter:" + cfg.Name
	breakers.Configure(key, resilience.BreakerSettings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CoolOff:          cfg.Breaker.CoolOff,
		ProbeRequests:    cfg.Breaker.ProbeRequests,
	})

	retry := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}

	return &Guard{
		inner:         inner,
		breakerKey:    key,
		breakers:      breakers,
		limiter:       resilience.NewRateLimiter(cfg.Name, cfg.RateLimit.Rate, cfg.RateLimit.Burst),
		retry:         retry,
		timeout:       cfg.RequestTimeout,
		healthTimeout: healthTimeout,
		slots:         make(chan struct{}, cfg.MaxConcurrent),
		monitor:       monitor,
		metrics:       metrics,
		logger:        logger.With(zap.String("source", cfg.Name)),
	}
}

func (g *Guard) Name() string { return g.inner.Name() }
func (g *Guard) Kind() string { return g.inner.Kind() }

// Priority returns the configured fan-out priority; lower wins fusion ties.
func (g *Guard) Priority() int { return g.priority }

// Available reports whether the breaker currently admits calls. The
// registry skips unavailable adapters instead of queueing on them.
func (g *Guard) Available() bool {
	return !g.breakers.IsOpen(g.breakerKey)
}

// BreakerState exposes the breaker state name for health reporting.
func (g *Guard) BreakerState() string {
	return g.breakers.State(g.breakerKey)
}

func (g *Guard) Initialize(ctx context.Context) error {
	return g.execute(ctx, "initialize", func(ctx context.Context) error {
		return g.inner.Initialize(ctx)
	})
}

func (g *Guard) Search(ctx context.Context, query string, filters domain.SearchFilters) ([]domain.Document, error) {
	var docs []domain.Document
	err := g.execute(ctx, "search", func(ctx context.Context) error {
		var innerErr error
		docs, innerErr = g.inner.Search(ctx, query, filters)
		return innerErr
	})
	return docs, err
}

func (g *Guard) SearchRunbooks(ctx context.Context, alert domain.AlertContext) ([]*domain.Runbook, error) {
	var runbooks []*domain.Runbook
	err := g.execute(ctx, "search_runbooks", func(ctx context.Context) error {
		var innerErr error
		runbooks, innerErr = g.inner.SearchRunbooks(ctx, alert)
		return innerErr
	})
	return runbooks, err
}

func (g *Guard) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	var doc domain.Document
	err := g.execute(ctx, "get_document", func(ctx context.Context) error {
		var innerErr error
		doc, innerErr = g.inner.GetDocument(ctx, id)
		return innerErr
	})
	return doc, err
}

// RefreshIndex coalesces concurrent refreshes: while one refresh is in
// flight, additional callers wait on it and share its result instead of
// starting their own. Forced and unforced refreshes coalesce separately
// so a forced caller never rides on a fingerprint-skipping pass.
func (g *Guard) RefreshIndex(ctx context.Context, force bool) error {
	key := "refresh"
	if force {
		key = "refresh:force"
	}
	_, err, _ := g.refreshGroup.Do(key, func() (any, error) {
		return nil, g.execute(ctx, "refresh_index", func(ctx context.Context) error {
			return g.inner.RefreshIndex(ctx, force)
		})
	})
	return err
}

// HealthCheck bounds the probe with the configured deadline. A probe that
// overruns reports unhealthy; it never blocks the caller past the bound.
func (g *Guard) HealthCheck(ctx context.Context) domain.HealthSnapshot {
	ctx, cancel := context.WithTimeout(ctx, g.healthTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan domain.HealthSnapshot, 1)
	go func() {
		done <- g.inner.HealthCheck(ctx)
	}()

	var snapshot domain.HealthSnapshot
	select {
	case snapshot = <-done:
	case <-ctx.Done():
		snapshot = domain.HealthSnapshot{
			Healthy: false,
			Error:   "health check timed out",
		}
	}
	snapshot.LastCheck = time.Now()
	snapshot.Latency = time.Since(start)
	if snapshot.Attributes == nil {
		snapshot.Attributes = map[string]string{}
	}
	snapshot.Attributes["breaker"] = g.BreakerState()
	return snapshot
}

// Metadata merges the inner adapter's document count with the guard's
// rolling latency and success-rate figures.
func (g *Guard) Metadata() domain.SourceMetadata {
	meta := g.inner.Metadata()
	stats := g.monitor.Stats(g.statKey("search"))
	meta.AvgResponseTimeMs = float64(stats.AvgLatency) / float64(time.Millisecond)
	meta.SuccessRate = stats.SuccessRate
	return meta
}

func (g *Guard) Cleanup() error {
	return g.inner.Cleanup()
}

func (g *Guard) statKey(op string) string {
	return g.inner.Name() + ":" + op
}

// execute runs one guarded call: concurrency slot, rate limit, then a
// retry loop where each attempt goes through the breaker with its own
// deadline. Not-found and validation failures pass through the breaker
// as successes so that misses cannot trip it.
func (g *Guard) execute(ctx context.Context, op string, fn func(context.Context) error) error {
	select {
	case g.slots <- struct{}{}:
		defer func() { <-g.slots }()
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errors.NewRequestTimeout(g.inner.Name() + " deadline elapsed while waiting for a request slot")
		}
		return errors.NewOverloaded(g.inner.Name() + " has no free request slots")
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := resilience.Retry(ctx, g.retry, func() error {
		return g.attempt(ctx, fn)
	})
	latency := time.Since(start)

	g.monitor.Record(g.statKey(op), latency, err)
	if g.metrics != nil {
		g.metrics.ObserveAdapterCall(g.inner.Name(), latency, err)
	}
	if err != nil {
		g.logger.Warn("adapter call failed",
			zap.String("operation", op),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}
	return err
}

// businessOutcome marks errors that describe the request rather than the
// source's health.
func businessOutcome(err error) bool {
	return errors.IsNotFound(err) || errors.IsValidation(err)
}

func (g *Guard) attempt(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.breakers.Execute(g.breakerKey, func() (any, error) {
		callErr := fn(callCtx)
		if callErr != nil && businessOutcome(callErr) {
			return callErr, nil
		}
		if callErr != nil && callCtx.Err() == context.DeadlineExceeded {
			return nil, errors.NewRequestTimeout(g.inner.Name() + " call exceeded its deadline")
		}
		return nil, callErr
	})
	if err != nil {
		return err
	}
	if passthrough, ok := result.(error); ok {
		return passthrough
	}
	return nil
}
