package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opskb-backend/internal/resilience"
)

func newHybridWithRedis(t *testing.T) (*HybridCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	remote, err := NewRemoteCache("redis://"+mr.Addr(), resilience.NewBreakerFactory(zap.NewNop()), zap.NewNop())
	require.NoError(t, err)

	memory := NewMemoryCache(100, 1<<20, zap.NewNop())
	h := NewHybridCache(memory, remote, DefaultTTLPolicy(), time.Minute, nil, zap.NewNop())
	t.Cleanup(h.Close)
	return h, mr
}

func newMemoryOnlyHybrid(t *testing.T) *HybridCache {
	t.Helper()
	memory := NewMemoryCache(100, 1<<20, zap.NewNop())
	h := NewHybridCache(memory, nil, DefaultTTLPolicy(), time.Minute, nil, zap.NewNop())
	t.Cleanup(h.Close)
	return h
}

func TestHybridSetGetMemoryOnly(t *testing.T) {
	ctx := context.Background()
	h := newMemoryOnlyHybrid(t)

	h.Set(ctx, ContentRunbooks, "rb-1", []byte("runbook body"))

	payload, ok := h.Get(ctx, ContentRunbooks, "rb-1")
	require.True(t, ok)
	assert.Equal(t, []byte("runbook body"), payload)
}

func TestHybridSetDeleteMiss(t *testing.T) {
	ctx := context.Background()
	h := newMemoryOnlyHybrid(t)
	h.Set(ctx, ContentGeneral, "k", []byte("v"))

	h.Delete(ctx, ContentGeneral, "k")

	_, ok := h.Get(ctx, ContentGeneral, "k")
	assert.False(t, ok)
}

func TestHybridClearByTypeLeavesOtherTypes(t *testing.T) {
	ctx := context.Background()
	h := newMemoryOnlyHybrid(t)
	h.Set(ctx, ContentRunbooks, "rb-1", []byte("r"))
	h.Set(ctx, ContentProcedures, "p-1", []byte("p"))

	h.ClearByType(ctx, ContentRunbooks)

	_, okR := h.Get(ctx, ContentRunbooks, "rb-1")
	_, okP := h.Get(ctx, ContentProcedures, "p-1")
	assert.False(t, okR)
	assert.True(t, okP)

	// Re-set after a clear works.
	h.Set(ctx, ContentRunbooks, "rb-1", []byte("again"))
	payload, ok := h.Get(ctx, ContentRunbooks, "rb-1")
	require.True(t, ok)
	assert.Equal(t, []byte("again"), payload)
}

func TestHybridRemoteTierPopulatesMemoryOnHit(t *testing.T) {
	ctx := context.Background()
	h, _ := newHybridWithRedis(t)

	h.Set(ctx, ContentRunbooks, "rb-1", []byte("body"))
	h.writeWG.Wait()

	// Drop T1 so the next read must come from T2.
	h.memory.ClearAll()

	payload, ok := h.Get(ctx, ContentRunbooks, "rb-1")
	require.True(t, ok)
	assert.Equal(t, []byte("body"), payload)

	// The T2 hit repopulated T1.
	_, ok = h.memory.Get(Key(ContentRunbooks, "rb-1"))
	assert.True(t, ok)
}

func TestHybridCorruptedRemotePayloadIsMiss(t *testing.T) {
	ctx := context.Background()
	h, mr := newHybridWithRedis(t)

	require.NoError(t, mr.Set(Key(ContentRunbooks, "rb-x"), "{not json"))

	_, ok := h.Get(ctx, ContentRunbooks, "rb-x")
	assert.False(t, ok)
}

func TestHybridRemoteDownServiceStaysUp(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	remote, err := NewRemoteCache("redis://"+mr.Addr(), resilience.NewBreakerFactory(zap.NewNop()), zap.NewNop())
	require.NoError(t, err)
	memory := NewMemoryCache(100, 1<<20, zap.NewNop())
	h := NewHybridCache(memory, remote, DefaultTTLPolicy(), time.Minute, nil, zap.NewNop())
	t.Cleanup(h.Close)

	mr.Close()

	// Reads and writes keep working against T1 alone.
	h.Set(ctx, ContentGeneral, "k", []byte("v"))
	payload, ok := h.Get(ctx, ContentGeneral, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), payload)
	assert.True(t, h.Healthy())
}

func TestHybridWarmPopulatesCriticalSet(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryCache(100, 1<<20, zap.NewNop())
	policy := TTLPolicy{
		ContentRunbooks: {TTL: time.Hour, Warmup: true, CriticalIDs: []string{"rb-db-cpu", "rb-missing"}},
		ContentGeneral:  {TTL: time.Minute},
	}
	h := NewHybridCache(memory, nil, policy, time.Minute, nil, zap.NewNop())
	t.Cleanup(h.Close)

	warmed := h.Warm(ctx, func(ctx context.Context, contentType, id string) ([]byte, bool) {
		if id == "rb-db-cpu" {
			return []byte("warm payload"), true
		}
		return nil, false
	})

	assert.Equal(t, 1, warmed)
	payload, ok := h.Get(ctx, ContentRunbooks, "rb-db-cpu")
	require.True(t, ok)
	assert.Equal(t, []byte("warm payload"), payload)
}

func TestHybridStats(t *testing.T) {
	ctx := context.Background()
	h := newMemoryOnlyHybrid(t)
	h.Set(ctx, ContentRunbooks, "rb-1", []byte("r"))

	h.Get(ctx, ContentRunbooks, "rb-1")
	h.Get(ctx, ContentRunbooks, "rb-2")

	stats := h.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.TotalOperations)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
	assert.Equal(t, int64(2), stats.ByContentType[ContentRunbooks])
	assert.Greater(t, stats.MemoryBytes, int64(0))

	h.ResetStats()
	stats = h.Stats()
	assert.Equal(t, int64(0), stats.TotalOperations)
}

func TestTTLPolicyFallback(t *testing.T) {
	policy := TTLPolicy{
		ContentRunbooks: {TTL: time.Hour},
		ContentGeneral:  {TTL: time.Minute},
	}

	assert.Equal(t, time.Hour, policy.RuleFor(ContentRunbooks).TTL)
	assert.Equal(t, time.Minute, policy.RuleFor("unknown-type").TTL)
}
