// Package health rolls per-component health into one overall snapshot.
package health

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"opskb-backend/internal/domain"
)

// Status is the overall service state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CacheProbe is the cache surface the aggregator inspects.
type CacheProbe interface {
	Healthy() bool
	RemoteDegraded() bool
}

// SourceProbe is the adapter surface the aggregator inspects.
type SourceProbe interface {
	Health(ctx context.Context) map[string]domain.HealthSnapshot
}

// Report is the aggregated health snapshot served by /health.
type Report struct {
	Status     Status                           `json:"status"`
	Healthy    bool                             `json:"healthy"`
	CheckedAt  time.Time                        `json:"checked_at"`
	Components map[string]domain.HealthSnapshot `json:"components"`
}

// Aggregator composes cache and adapter health. Overall health requires a
// healthy memory cache and at least one healthy adapter; a degraded remote
// cache tier never affects the overall state.
type Aggregator struct {
	cache   CacheProbe
	sources SourceProbe
	logger  *zap.Logger
}

// New builds an aggregator. cache may be nil when caching is disabled; a
// disabled cache counts as healthy.
func New(cache CacheProbe, sources SourceProbe, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{cache: cache, sources: sources, logger: logger}
}

// Check probes every component and aggregates.
func (a *Aggregator) Check(ctx context.Context) Report {
	report := Report{
		CheckedAt:  time.Now().UTC(),
		Components: make(map[string]domain.HealthSnapshot),
	}

	cacheHealthy := true
	remoteDegraded := false
	if a.cache != nil {
		cacheHealthy = a.cache.Healthy()
		remoteDegraded = a.cache.RemoteDegraded()
	}
	report.Components["cache"] = domain.HealthSnapshot{
		Healthy:   cacheHealthy,
		LastCheck: report.CheckedAt,
		Attributes: map[string]string{
			"remote_degraded": strconv.FormatBool(remoteDegraded),
		},
	}

	adaptersHealthy := 0
	adaptersTotal := 0
	if a.sources != nil {
		for name, snapshot := range a.sources.Health(ctx) {
			adaptersTotal++
			if snapshot.Healthy {
				adaptersHealthy++
			}
			report.Components["source:"+name] = snapshot
		}
	}

	switch {
	case !cacheHealthy || adaptersHealthy == 0:
		report.Status = StatusUnhealthy
	case adaptersHealthy < adaptersTotal || remoteDegraded:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}
	report.Healthy = report.Status != StatusUnhealthy

	if !report.Healthy {
		a.logger.Warn("health check failed",
			zap.Bool("cache_healthy", cacheHealthy),
			zap.Int("adapters_healthy", adaptersHealthy),
			zap.Int("adapters_total", adaptersTotal))
	}
	return report
}
