package adapters

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opskb-backend/internal/domain"
	"opskb-backend/internal/resilience"
	"opskb-backend/pkg/config"
	"opskb-backend/pkg/errors"
	"opskb-backend/pkg/observability"
)

// fakeAdapter is a scriptable SourceAdapter for guard and registry tests.
type fakeAdapter struct {
	name string

	searchErr   error
	searchDelay time.Duration
	docs        []domain.Document
	runbooks    []*domain.Runbook

	refreshCalls  atomic.Int64
	refreshForced atomic.Bool
	refreshHold   chan struct{}

	healthDelay time.Duration
	healthy     bool
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, healthy: true}
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Kind() string { return "filesystem" }

func (f *fakeAdapter) Initialize(ctx context.Context) error { return nil }

func (f *fakeAdapter) Search(ctx context.Context, query string, filters domain.SearchFilters) ([]domain.Document, error) {
	if f.searchDelay > 0 {
		select {
		case <-time.After(f.searchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.docs, nil
}

func (f *fakeAdapter) SearchRunbooks(ctx context.Context, alert domain.AlertContext) ([]*domain.Runbook, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.runbooks, nil
}

func (f *fakeAdapter) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	for _, d := range f.docs {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Document{}, errors.NewNotFound("no such document")
}

func (f *fakeAdapter) RefreshIndex(ctx context.Context, force bool) error {
	f.refreshCalls.Add(1)
	if force {
		f.refreshForced.Store(true)
	}
	if f.refreshHold != nil {
		<-f.refreshHold
	}
	return nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) domain.HealthSnapshot {
	if f.healthDelay > 0 {
		select {
		case <-time.After(f.healthDelay):
		case <-ctx.Done():
		}
	}
	return domain.HealthSnapshot{Healthy: f.healthy}
}

func (f *fakeAdapter) Metadata() domain.SourceMetadata {
	return domain.SourceMetadata{Name: f.name, Kind: f.Kind(), DocumentCount: len(f.docs)}
}

func (f *fakeAdapter) Cleanup() error { return nil }

func guardConfig(name string) config.SourceConfig {
	return config.SourceConfig{
		Name: name,
		Kind: config.SourceKindFileSystem,
		RateLimit: config.RateLimitConfig{
			Rate:  1000,
			Burst: 1000,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 3,
			CoolOff:          time.Minute,
			ProbeRequests:    1,
		},
		MaxRetries:     1,
		RequestTimeout: time.Second,
		MaxConcurrent:  4,
	}
}

func newTestGuard(t *testing.T, fake *fakeAdapter, cfg config.SourceConfig) *Guard {
	t.Helper()
	return NewGuard(
		fake,
		cfg,
		resilience.NewBreakerFactory(zap.NewNop()),
		observability.NewPerformanceMonitor(16, zap.NewNop()),
		nil,
		100*time.Millisecond,
		zap.NewNop(),
	)
}

func TestGuardPassesThroughResults(t *testing.T) {
	fake := newFakeAdapter("docs")
	fake.docs = []domain.Document{{ID: "a", Title: "A"}}
	g := newTestGuard(t, fake, guardConfig("docs"))

	docs, err := g.Search(context.Background(), "anything", domain.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].ID)
}

func TestGuardBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fake := newFakeAdapter("docs")
	fake.searchErr = errors.NewServiceUnavailable("backend down")
	g := newTestGuard(t, fake, guardConfig("docs"))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := g.Search(ctx, "q", domain.SearchFilters{})
		require.Error(t, err)
	}

	assert.False(t, g.Available())
	_, err := g.Search(ctx, "q", domain.SearchFilters{})
	assert.True(t, errors.IsCircuitOpen(err))
}

func TestGuardNotFoundDoesNotTripBreaker(t *testing.T) {
	fake := newFakeAdapter("docs")
	g := newTestGuard(t, fake, guardConfig("docs"))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := g.GetDocument(ctx, "missing")
		assert.True(t, errors.IsNotFound(err))
	}
	assert.True(t, g.Available())
}

func TestGuardRefreshCoalesced(t *testing.T) {
	fake := newFakeAdapter("docs")
	fake.refreshHold = make(chan struct{})
	g := newTestGuard(t, fake, guardConfig("docs"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.RefreshIndex(context.Background(), false)
		}()
	}
	// Let the callers pile onto the in-flight refresh, then release it.
	time.Sleep(50 * time.Millisecond)
	close(fake.refreshHold)
	wg.Wait()

	assert.Equal(t, int64(1), fake.refreshCalls.Load())
}

func TestGuardForcedRefreshReachesAdapter(t *testing.T) {
	fake := newFakeAdapter("docs")
	g := newTestGuard(t, fake, guardConfig("docs"))

	require.NoError(t, g.RefreshIndex(context.Background(), false))
	assert.False(t, fake.refreshForced.Load())

	require.NoError(t, g.RefreshIndex(context.Background(), true))
	assert.True(t, fake.refreshForced.Load())
}

func TestGuardSlotWaitDeadlineBecomesTimeout(t *testing.T) {
	fake := newFakeAdapter("docs")
	fake.searchDelay = 300 * time.Millisecond
	cfg := guardConfig("docs")
	cfg.MaxConcurrent = 1
	g := newTestGuard(t, fake, cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = g.Search(context.Background(), "q", domain.SearchFilters{})
	}()
	// Let the first call claim the only slot.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Search(ctx, "q", domain.SearchFilters{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeRequestTimeout, errors.CodeOf(err))
	wg.Wait()
}

func TestGuardHealthCheckBounded(t *testing.T) {
	fake := newFakeAdapter("docs")
	fake.healthDelay = time.Second
	g := newTestGuard(t, fake, guardConfig("docs"))

	start := time.Now()
	snapshot := g.HealthCheck(context.Background())
	elapsed := time.Since(start)

	assert.False(t, snapshot.Healthy)
	assert.Equal(t, "health check timed out", snapshot.Error)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestGuardCallDeadlineBecomesTimeout(t *testing.T) {
	fake := newFakeAdapter("docs")
	fake.searchDelay = 2 * time.Second
	cfg := guardConfig("docs")
	cfg.RequestTimeout = 20 * time.Millisecond
	g := newTestGuard(t, fake, cfg)

	_, err := g.Search(context.Background(), "q", domain.SearchFilters{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeRequestTimeout, errors.CodeOf(err))
}

func TestGuardMetadataCarriesRollingStats(t *testing.T) {
	fake := newFakeAdapter("docs")
	fake.docs = []domain.Document{{ID: "a"}}
	g := newTestGuard(t, fake, guardConfig("docs"))

	_, err := g.Search(context.Background(), "q", domain.SearchFilters{})
	require.NoError(t, err)

	meta := g.Metadata()
	assert.Equal(t, "docs", meta.Name)
	assert.Equal(t, 1, meta.DocumentCount)
	assert.Equal(t, 1.0, meta.SuccessRate)
}
