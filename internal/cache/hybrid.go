package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"opskb-backend/pkg/observability"
)

// TTLRule is the per-content-type policy.
type TTLRule struct {
	TTL         time.Duration
	Warmup      bool
	CriticalIDs []string
}

// TTLPolicy maps content types onto their rules. Unknown types fall back
// to the general rule.
type TTLPolicy map[string]TTLRule

// RuleFor returns the rule for a content type.
func (p TTLPolicy) RuleFor(contentType string) TTLRule {
	if rule, ok := p[contentType]; ok {
		return rule
	}
	if rule, ok := p[ContentGeneral]; ok {
		return rule
	}
	return TTLRule{TTL: 10 * time.Minute}
}

// DefaultTTLPolicy returns the policy used when config omits content TTLs.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		ContentRunbooks:      {TTL: time.Hour, Warmup: true},
		ContentProcedures:    {TTL: 30 * time.Minute},
		ContentDecisionTrees: {TTL: 30 * time.Minute},
		ContentKnowledgeBase: {TTL: 15 * time.Minute},
		ContentGeneral:       {TTL: 10 * time.Minute},
	}
}

// Stats is the hybrid cache's counter snapshot.
type Stats struct {
	Hits            int64            `json:"hits"`
	Misses          int64            `json:"misses"`
	TotalOperations int64            `json:"total_operations"`
	HitRate         float64          `json:"hit_rate"`
	ByContentType   map[string]int64 `json:"by_content_type"`
	MemoryBytes     int64            `json:"memory_bytes"`
	MemoryItems     int              `json:"memory_items"`
	RemoteDegraded  bool             `json:"remote_degraded"`
	LastReset       time.Time        `json:"last_reset"`
}

// WarmLoader produces the payload for one critical (contentType, id) pair
// during cache warming. Returning false skips the pair.
type WarmLoader func(ctx context.Context, contentType, id string) ([]byte, bool)

// HybridCache is the two-tier read-through/write-through cache. T1 is the
// in-process memory tier; T2 is the optional remote tier. T2 failures
// never fail a read.
type HybridCache struct {
	memory *MemoryCache
	remote *RemoteCache
	policy TTLPolicy
	// memoryTTLCap bounds the T1 lifetime of entries populated from T2.
	memoryTTLCap time.Duration
	metrics      *observability.Metrics
	logger       *zap.Logger

	hits     atomic.Int64
	misses   atomic.Int64
	degraded atomic.Bool

	typeMu     sync.Mutex
	typeCounts map[string]int64
	lastReset  time.Time

	writeWG sync.WaitGroup
}

// NewHybridCache builds the cache. remote may be nil for memory-only
// operation.
func NewHybridCache(memory *MemoryCache, remote *RemoteCache, policy TTLPolicy, memoryTTLCap time.Duration, metrics *observability.Metrics, logger *zap.Logger) *HybridCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = DefaultTTLPolicy()
	}
	if memoryTTLCap <= 0 {
		memoryTTLCap = 5 * time.Minute
	}
	return &HybridCache{
		memory:       memory,
		remote:       remote,
		policy:       policy,
		memoryTTLCap: memoryTTLCap,
		metrics:      metrics,
		logger:       logger,
		typeCounts:   make(map[string]int64),
		lastReset:    time.Now(),
	}
}

// Get reads through T1 then T2. A T2 hit repopulates T1 with
// min(remaining TTL, T1 cap).
func (h *HybridCache) Get(ctx context.Context, contentType, id string) ([]byte, bool) {
	key := Key(contentType, id)
	h.countType(contentType)

	if entry, ok := h.memory.Get(key); ok {
		h.hits.Add(1)
		h.observe("memory", contentType, "hit")
		return entry.Payload, true
	}
	h.observe("memory", contentType, "miss")

	if h.remote != nil {
		entry, ok, err := h.remote.Get(ctx, key)
		if err != nil {
			h.markDegraded(err)
		} else if ok {
			h.degraded.Store(false)
			h.hits.Add(1)
			h.observe("remote", contentType, "hit")

			t1 := entry
			if remaining := entry.Remaining(time.Now()); remaining < h.memoryTTLCap {
				t1.TTL = remaining
			} else {
				t1.TTL = h.memoryTTLCap
			}
			t1.InsertedAt = time.Now()
			h.memory.Set(key, t1)
			return entry.Payload, true
		} else {
			h.observe("remote", contentType, "miss")
		}
	}

	h.misses.Add(1)
	return nil, false
}

// Set writes through T1 and fires a best-effort T2 write. The T1 write
// completes before Set returns; the remote write may complete after.
func (h *HybridCache) Set(ctx context.Context, contentType, id string, payload []byte) {
	rule := h.policy.RuleFor(contentType)
	key := Key(contentType, id)
	entry := Entry{
		Payload:     payload,
		ContentType: contentType,
		InsertedAt:  time.Now(),
		TTL:         rule.TTL,
	}

	t1 := entry
	if t1.TTL > h.memoryTTLCap {
		t1.TTL = h.memoryTTLCap
	}
	h.memory.Set(key, t1)

	if h.remote != nil {
		h.writeWG.Add(1)
		go func() {
			defer h.writeWG.Done()
			writeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := h.remote.Set(writeCtx, key, entry); err != nil {
				h.markDegraded(err)
			}
		}()
	}
}

// Delete removes the key from both tiers.
func (h *HybridCache) Delete(ctx context.Context, contentType, id string) {
	key := Key(contentType, id)
	h.memory.Delete(key)
	if h.remote != nil {
		if err := h.remote.Delete(ctx, key); err != nil {
			h.markDegraded(err)
		}
	}
}

// ClearAll empties both tiers.
func (h *HybridCache) ClearAll(ctx context.Context) {
	h.memory.ClearAll()
	if h.remote != nil {
		if err := h.remote.ClearAll(ctx); err != nil {
			h.markDegraded(err)
		}
	}
}

// ClearByType removes all entries of one content type; other types are
// unaffected.
func (h *HybridCache) ClearByType(ctx context.Context, contentType string) {
	prefix := contentType + ":"
	h.memory.ClearByPrefix(prefix)
	if h.remote != nil {
		if err := h.remote.ClearByPrefix(ctx, prefix); err != nil {
			h.markDegraded(err)
		}
	}
}

// Warm pre-populates warmup-enabled content types from their critical-set
// identifier lists. Runs synchronously; callers start it in a goroutine.
func (h *HybridCache) Warm(ctx context.Context, loader WarmLoader) int {
	warmed := 0
	for contentType, rule := range h.policy {
		if !rule.Warmup {
			continue
		}
		for _, id := range rule.CriticalIDs {
			select {
			case <-ctx.Done():
				return warmed
			default:
			}
			if _, ok := h.Get(ctx, contentType, id); ok {
				continue
			}
			payload, ok := loader(ctx, contentType, id)
			if !ok {
				continue
			}
			h.Set(ctx, contentType, id, payload)
			warmed++
		}
	}
	if warmed > 0 {
		h.logger.Info("cache warmed", zap.Int("entries", warmed))
	}
	return warmed
}

// Healthy reports whether the memory tier is operational. The remote tier
// never affects cache health.
func (h *HybridCache) Healthy() bool {
	return h.memory != nil
}

// RemoteDegraded reports whether the last remote operation failed.
func (h *HybridCache) RemoteDegraded() bool {
	return h.degraded.Load()
}

// Stats snapshots the counters.
func (h *HybridCache) Stats() Stats {
	hits := h.hits.Load()
	misses := h.misses.Load()
	total := hits + misses

	h.typeMu.Lock()
	byType := make(map[string]int64, len(h.typeCounts))
	for k, v := range h.typeCounts {
		byType[k] = v
	}
	lastReset := h.lastReset
	h.typeMu.Unlock()

	stats := Stats{
		Hits:            hits,
		Misses:          misses,
		TotalOperations: total,
		ByContentType:   byType,
		MemoryBytes:     h.memory.SizeBytes(),
		MemoryItems:     h.memory.Len(),
		RemoteDegraded:  h.degraded.Load(),
		LastReset:       lastReset,
	}
	if total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// ResetStats zeroes the counters.
func (h *HybridCache) ResetStats() {
	h.hits.Store(0)
	h.misses.Store(0)
	h.typeMu.Lock()
	h.typeCounts = make(map[string]int64)
	h.lastReset = time.Now()
	h.typeMu.Unlock()
}

// Close waits for in-flight remote writes and releases the remote client.
func (h *HybridCache) Close() {
	h.writeWG.Wait()
	h.memory.StopSweep()
	if h.remote != nil {
		_ = h.remote.Close()
	}
}

func (h *HybridCache) countType(contentType string) {
	h.typeMu.Lock()
	h.typeCounts[contentType]++
	h.typeMu.Unlock()
}

func (h *HybridCache) markDegraded(err error) {
	h.degraded.Store(true)
	h.logger.Warn("remote cache tier degraded", zap.Error(err))
}

func (h *HybridCache) observe(tier, contentType, result string) {
	if h.metrics != nil {
		h.metrics.ObserveCache(tier, contentType, result)
	}
}
