// Package app wires the service components from configuration. Both the
// HTTP binary and the stdio binary build the same core through here.
package app

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"opskb-backend/internal/adapters"
	"opskb-backend/internal/cache"
	"opskb-backend/internal/engine"
	"opskb-backend/internal/feedback"
	"opskb-backend/internal/health"
	"opskb-backend/internal/resilience"
	"opskb-backend/internal/tools"
	"opskb-backend/pkg/config"
	"opskb-backend/pkg/observability"
)

// App holds the assembled service core.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Registry   *adapters.Registry
	Cache      *cache.HybridCache
	Engine     *engine.Engine
	Feedback   *feedback.Log
	Dispatcher *tools.Dispatcher
	Health     *health.Aggregator
}

// New assembles the core from a loaded configuration. Adapters are not
// yet initialized; call Start.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	metrics := observability.NewMetrics("opskb")
	breakers := resilience.NewBreakerFactory(logger)
	monitor := observability.NewPerformanceMonitor(cfg.Performance.WindowSize, logger)

	registry, err := adapters.NewRegistryFromConfig(cfg, breakers, monitor, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("build source registry: %w", err)
	}

	var hybrid *cache.HybridCache
	if cfg.Cache.Enabled {
		memory := cache.NewMemoryCache(cfg.Cache.MaxItems, cfg.Cache.MaxMemory, logger)

		var remote *cache.RemoteCache
		if cfg.Cache.Strategy == config.CacheStrategyHybrid && cfg.Cache.RemoteURL != "" {
			remote, err = cache.NewRemoteCache(cfg.Cache.RemoteURL, breakers, logger)
			if err != nil {
				// Memory-only operation is the designed fallback.
				logger.Warn("remote cache unavailable, running memory-only", zap.Error(err))
				remote = nil
			}
		}
		hybrid = cache.NewHybridCache(memory, remote, policyFromConfig(cfg.Cache), cfg.Cache.MemoryTTL, metrics, logger)
	}

	eng := engine.New(registry, hybrid, cfg.Performance, logger)

	feedbackLog, err := feedback.Open(cfg.Feedback.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open feedback log: %w", err)
	}

	return &App{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics,
		Registry:   registry,
		Cache:      hybrid,
		Engine:     eng,
		Feedback:   feedbackLog,
		Dispatcher: tools.NewDispatcher(eng, registry, hybrid, feedbackLog, cfg.Escalation.Levels, metrics, logger),
		Health:     health.New(hybrid, registry, logger),
	}, nil
}

// Start initializes every enabled source and kicks off background cache
// warming. It fails only when no source comes up.
func (a *App) Start(ctx context.Context) error {
	if err := a.Registry.Initialize(ctx); err != nil {
		return err
	}
	if a.Cache != nil {
		go a.warmCache()
	}
	return nil
}

// Close releases adapters, cache, and the feedback log.
func (a *App) Close() {
	a.Registry.Cleanup()
	if a.Cache != nil {
		a.Cache.Close()
	}
	if err := a.Feedback.Close(); err != nil {
		a.Logger.Warn("close feedback log", zap.Error(err))
	}
	_ = a.Logger.Sync()
}

// warmCache preloads the critical runbook ids named by the TTL policy.
// Warming is best-effort and never blocks startup.
func (a *App) warmCache() {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Performance.OverallTimeout)
	defer cancel()

	warmed := a.Cache.Warm(ctx, func(ctx context.Context, contentType, id string) ([]byte, bool) {
		if contentType != cache.ContentRunbooks {
			return nil, false
		}
		match, _, err := a.Engine.FindRunbook(ctx, id)
		if err != nil {
			a.Logger.Warn("cache warm lookup failed", zap.String("runbook_id", id), zap.Error(err))
			return nil, false
		}
		payload, err := json.Marshal(match)
		if err != nil {
			return nil, false
		}
		return payload, true
	})
	if warmed > 0 {
		a.Logger.Info("cache warmed", zap.Int("entries", warmed))
	}
}

func policyFromConfig(cfg config.CacheConfig) cache.TTLPolicy {
	if len(cfg.ContentTTLs) == 0 {
		return cache.DefaultTTLPolicy()
	}
	policy := make(cache.TTLPolicy, len(cfg.ContentTTLs))
	for contentType, entry := range cfg.ContentTTLs {
		policy[contentType] = cache.TTLRule{
			TTL:         entry.TTL,
			Warmup:      entry.Warmup,
			CriticalIDs: entry.CriticalIDs,
		}
	}
	return policy
}
