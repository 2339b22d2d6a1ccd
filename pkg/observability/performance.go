package observability

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel classifies a threshold breach.
type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert is one threshold-breach record emitted by the monitor.
type Alert struct {
	Level     AlertLevel    `json:"level"`
	Operation string        `json:"operation"`
	Message   string        `json:"message"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// AlertRule triggers when an operation's latency exceeds the threshold.
type AlertRule struct {
	Operation string
	Threshold time.Duration
	Level     AlertLevel
}

// OperationStats summarizes one operation's rolling window.
type OperationStats struct {
	Count       int64         `json:"count"`
	Failures    int64         `json:"failures"`
	AvgLatency  time.Duration `json:"avg_latency"`
	P95Latency  time.Duration `json:"p95_latency"`
	MaxLatency  time.Duration `json:"max_latency"`
	SuccessRate float64       `json:"success_rate"`
}

// PerformanceMonitor keeps a bounded rolling window of latency samples per
// operation and evaluates alert rules on each sample. Losing an occasional
// sample under contention is acceptable; correctness of served results
// never depends on these counters.
type PerformanceMonitor struct {
	mu         sync.RWMutex
	windowSize int
	samples    map[string][]time.Duration
	counts     map[string]int64
	failures   map[string]int64
	rules      []AlertRule
	alerts     chan Alert
	logger     *zap.Logger
}

// NewPerformanceMonitor creates a monitor with the given window size per
// operation. Alerts are delivered on a bounded channel; when no consumer
// keeps up, new alerts are dropped rather than blocking the hot path.
func NewPerformanceMonitor(windowSize int, logger *zap.Logger) *PerformanceMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if windowSize <= 0 {
		windowSize = 256
	}
	return &PerformanceMonitor{
		windowSize: windowSize,
		samples:    make(map[string][]time.Duration),
		counts:     make(map[string]int64),
		failures:   make(map[string]int64),
		alerts:     make(chan Alert, 64),
		logger:     logger,
	}
}

// AddRule registers an alert rule.
func (pm *PerformanceMonitor) AddRule(rule AlertRule) {
	pm.mu.Lock()
	pm.rules = append(pm.rules, rule)
	pm.mu.Unlock()
}

// Alerts exposes the alert channel; consumers subscribe by receiving.
func (pm *PerformanceMonitor) Alerts() <-chan Alert {
	return pm.alerts
}

// Record adds one latency sample for the operation.
func (pm *PerformanceMonitor) Record(operation string, latency time.Duration, err error) {
	pm.mu.Lock()
	window := pm.samples[operation]
	if len(window) >= pm.windowSize {
		window = window[1:]
	}
	pm.samples[operation] = append(window, latency)
	pm.counts[operation]++
	if err != nil {
		pm.failures[operation]++
	}
	rules := pm.rules
	pm.mu.Unlock()

	for _, rule := range rules {
		if rule.Operation == operation && latency > rule.Threshold {
			alert := Alert{
				Level:     rule.Level,
				Operation: operation,
				Message:   "latency threshold exceeded",
				Latency:   latency,
				Timestamp: time.Now(),
			}
			select {
			case pm.alerts <- alert:
			default:
				pm.logger.Debug("alert channel full, dropping alert",
					zap.String("operation", operation))
			}
		}
	}
}

// Stats returns the rolling summary for one operation.
func (pm *PerformanceMonitor) Stats(operation string) OperationStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	window := pm.samples[operation]
	stats := OperationStats{
		Count:    pm.counts[operation],
		Failures: pm.failures[operation],
	}
	if stats.Count > 0 {
		stats.SuccessRate = float64(stats.Count-stats.Failures) / float64(stats.Count)
	}
	if len(window) == 0 {
		return stats
	}

	sorted := make([]time.Duration, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	stats.AvgLatency = total / time.Duration(len(sorted))
	stats.MaxLatency = sorted[len(sorted)-1]
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	stats.P95Latency = sorted[idx]
	return stats
}

// AllStats snapshots every tracked operation.
func (pm *PerformanceMonitor) AllStats() map[string]OperationStats {
	pm.mu.RLock()
	names := make([]string, 0, len(pm.samples))
	for name := range pm.samples {
		names = append(names, name)
	}
	pm.mu.RUnlock()

	out := make(map[string]OperationStats, len(names))
	for _, name := range names {
		out[name] = pm.Stats(name)
	}
	return out
}
