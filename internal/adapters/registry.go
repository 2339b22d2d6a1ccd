package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"opskb-backend/internal/domain"
	"opskb-backend/internal/resilience"
	"opskb-backend/pkg/config"
	"opskb-backend/pkg/errors"
	"opskb-backend/pkg/observability"
)

// Registry holds the guarded adapters in priority order and enforces the
// process-wide concurrency ceiling for outbound source calls.
type Registry struct {
	guards    []*Guard
	byName    map[string]*Guard
	global    *semaphore.Weighted
	queueWait time.Duration
	logger    *zap.Logger

	initMu      sync.Mutex
	initialized map[string]bool
}

// NewRegistry creates an empty registry with the given global ceiling.
func NewRegistry(globalConcurrency int64, queueWait time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if globalConcurrency <= 0 {
		globalConcurrency = config.DefaultGlobalConcurrency
	}
	if queueWait <= 0 {
		queueWait = config.DefaultQueueWait
	}
	return &Registry{
		byName:      make(map[string]*Guard),
		global:      semaphore.NewWeighted(globalConcurrency),
		queueWait:   queueWait,
		logger:      logger,
		initialized: make(map[string]bool),
	}
}

// NewRegistryFromConfig builds one guarded adapter per enabled source.
func NewRegistryFromConfig(
	cfg *config.Config,
	breakers *resilience.BreakerFactory,
	monitor *observability.PerformanceMonitor,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Registry, error) {
	registry := NewRegistry(cfg.Performance.GlobalConcurrency, cfg.Performance.QueueWait, logger)

	for _, src := range cfg.Sources {
		if !src.IsEnabled() {
			continue
		}
		inner, err := buildAdapter(src, logger)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
		guard := NewGuard(inner, src, breakers, monitor, metrics, cfg.Performance.HealthCheckTimeout, logger)
		if err := registry.Register(guard, src.Priority); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildAdapter(src config.SourceConfig, logger *zap.Logger) (SourceAdapter, error) {
	switch src.Kind {
	case config.SourceKindFileSystem:
		return NewFileSystemAdapter(src.Name, *src.FileSystem, logger)
	case config.SourceKindWeb:
		return NewWebAdapter(src.Name, *src.Web, logger)
	case config.SourceKindGitHub:
		return NewGitHubAdapter(src.Name, *src.GitHub, logger)
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

// Register adds a guard at the given priority (lower wins ties during
// result fusion). Duplicate names are rejected.
func (r *Registry) Register(guard *Guard, priority int) error {
	if _, exists := r.byName[guard.Name()]; exists {
		return fmt.Errorf("duplicate source name %q", guard.Name())
	}
	guard.priority = priority
	r.byName[guard.Name()] = guard
	r.guards = append(r.guards, guard)
	sort.SliceStable(r.guards, func(i, j int) bool {
		return r.guards[i].priority < r.guards[j].priority
	})
	return nil
}

// Adapters returns the guards in priority order.
func (r *Registry) Adapters() []*Guard {
	out := make([]*Guard, len(r.guards))
	copy(out, r.guards)
	return out
}

// Get returns the guard for a source name.
func (r *Registry) Get(name string) (*Guard, bool) {
	g, ok := r.byName[name]
	return g, ok
}

// Initialize initializes every adapter in parallel. Sources that fail to
// initialize are excluded from fan-out and logged; initialization fails
// only when no source came up.
func (r *Registry) Initialize(ctx context.Context) error {
	if len(r.guards) == 0 {
		return errors.NewServiceUnavailable("no sources configured")
	}

	var eg errgroup.Group
	for _, guard := range r.guards {
		eg.Go(func() error {
			if err := guard.Initialize(ctx); err != nil {
				r.logger.Error("source failed to initialize",
					zap.String("source", guard.Name()),
					zap.Error(err),
				)
				return nil
			}
			r.initMu.Lock()
			r.initialized[guard.Name()] = true
			r.initMu.Unlock()
			return nil
		})
	}
	eg.Wait()

	r.initMu.Lock()
	up := len(r.initialized)
	r.initMu.Unlock()
	if up == 0 {
		return errors.NewServiceUnavailable("no source completed initialization")
	}
	r.logger.Info("sources initialized", zap.Int("up", up), zap.Int("configured", len(r.guards)))
	return nil
}

// Ready reports whether a source finished initialization.
func (r *Registry) Ready(name string) bool {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	return r.initialized[name]
}

// Eligible returns the initialized adapters whose breakers currently
// admit calls, in priority order, plus the names skipped because their
// breaker is open.
func (r *Registry) Eligible() (eligible []*Guard, skipped []string) {
	for _, guard := range r.guards {
		if !r.Ready(guard.Name()) {
			continue
		}
		if !guard.Available() {
			skipped = append(skipped, guard.Name())
			continue
		}
		eligible = append(eligible, guard)
	}
	return eligible, skipped
}

// Acquire takes one slot under the global ceiling, waiting at most the
// configured queue time. The returned release must be called exactly once.
func (r *Registry) Acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.queueWait)
	defer cancel()
	if err := r.global.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewRequestTimeout("request deadline elapsed while queued")
		}
		return nil, errors.NewOverloaded("global concurrency ceiling reached")
	}
	return func() { r.global.Release(1) }, nil
}

// Health probes every adapter in parallel.
func (r *Registry) Health(ctx context.Context) map[string]domain.HealthSnapshot {
	out := make(map[string]domain.HealthSnapshot, len(r.guards))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, guard := range r.guards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := guard.HealthCheck(ctx)
			mu.Lock()
			out[guard.Name()] = snapshot
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// Metadata snapshots every adapter's metadata in priority order.
func (r *Registry) Metadata() []domain.SourceMetadata {
	out := make([]domain.SourceMetadata, 0, len(r.guards))
	for _, guard := range r.guards {
		out = append(out, guard.Metadata())
	}
	return out
}

// Refresh refreshes every initialized adapter in parallel, returning the
// per-source failures. force bypasses each adapter's change-fingerprint
// skip.
func (r *Registry) Refresh(ctx context.Context, force bool) map[string]error {
	failures := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, guard := range r.guards {
		if !r.Ready(guard.Name()) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := guard.RefreshIndex(ctx, force); err != nil {
				mu.Lock()
				failures[guard.Name()] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failures
}

// Cleanup releases every adapter's resources.
func (r *Registry) Cleanup() {
	for _, guard := range r.guards {
		if err := guard.Cleanup(); err != nil {
			r.logger.Warn("adapter cleanup failed",
				zap.String("source", guard.Name()),
				zap.Error(err),
			)
		}
	}
}
