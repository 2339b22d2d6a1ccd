package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opskb-backend/internal/domain"
	"opskb-backend/pkg/errors"
)

func newTestRegistry(t *testing.T, concurrency int64, names ...string) (*Registry, map[string]*fakeAdapter) {
	t.Helper()
	r := NewRegistry(concurrency, 50*time.Millisecond, zap.NewNop())
	fakes := make(map[string]*fakeAdapter, len(names))
	for i, name := range names {
		fake := newFakeAdapter(name)
		fakes[name] = fake
		require.NoError(t, r.Register(newTestGuard(t, fake, guardConfig(name)), i+1))
	}
	require.NoError(t, r.Initialize(context.Background()))
	return r, fakes
}

func TestRegistryPriorityOrder(t *testing.T) {
	r := NewRegistry(10, time.Second, zap.NewNop())
	require.NoError(t, r.Register(newTestGuard(t, newFakeAdapter("low"), guardConfig("low")), 5))
	require.NoError(t, r.Register(newTestGuard(t, newFakeAdapter("high"), guardConfig("high")), 1))

	guards := r.Adapters()
	require.Len(t, guards, 2)
	assert.Equal(t, "high", guards[0].Name())
	assert.Equal(t, "low", guards[1].Name())
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry(10, time.Second, zap.NewNop())
	require.NoError(t, r.Register(newTestGuard(t, newFakeAdapter("docs"), guardConfig("docs")), 1))
	assert.Error(t, r.Register(newTestGuard(t, newFakeAdapter("docs"), guardConfig("docs")), 2))
}

func TestRegistryEligibleSkipsOpenBreaker(t *testing.T) {
	r, fakes := newTestRegistry(t, 10, "good", "bad")
	fakes["bad"].searchErr = errors.NewServiceUnavailable("down")

	bad, ok := r.Get("bad")
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		_, _ = bad.Search(context.Background(), "q", domain.SearchFilters{})
	}

	eligible, skipped := r.Eligible()
	require.Len(t, eligible, 1)
	assert.Equal(t, "good", eligible[0].Name())
	assert.Equal(t, []string{"bad"}, skipped)
}

func TestRegistryAcquireOverloaded(t *testing.T) {
	r, _ := newTestRegistry(t, 1, "docs")

	release, err := r.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = r.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsOverloaded(err))
}

func TestRegistryAcquireReleaseCycle(t *testing.T) {
	r, _ := newTestRegistry(t, 1, "docs")

	release, err := r.Acquire(context.Background())
	require.NoError(t, err)
	release()

	release, err = r.Acquire(context.Background())
	require.NoError(t, err)
	release()
}

func TestRegistryHealthProbesAll(t *testing.T) {
	r, fakes := newTestRegistry(t, 10, "up", "down")
	fakes["down"].healthy = false

	health := r.Health(context.Background())
	require.Len(t, health, 2)
	assert.True(t, health["up"].Healthy)
	assert.False(t, health["down"].Healthy)
}

func TestRegistryMetadataInPriorityOrder(t *testing.T) {
	r, fakes := newTestRegistry(t, 10, "first", "second")
	fakes["first"].docs = []domain.Document{{ID: "a"}}

	meta := r.Metadata()
	require.Len(t, meta, 2)
	assert.Equal(t, "first", meta[0].Name)
	assert.Equal(t, 1, meta[0].DocumentCount)
}

func TestRegistryInitializeRequiresOneSource(t *testing.T) {
	r := NewRegistry(10, time.Second, zap.NewNop())
	err := r.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeServiceUnavailable, errors.CodeOf(err))
}
