package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"opskb-backend/internal/domain"
)

type fakeCache struct {
	healthy        bool
	remoteDegraded bool
}

func (c *fakeCache) Healthy() bool        { return c.healthy }
func (c *fakeCache) RemoteDegraded() bool { return c.remoteDegraded }

type fakeSources map[string]bool

func (s fakeSources) Health(ctx context.Context) map[string]domain.HealthSnapshot {
	out := make(map[string]domain.HealthSnapshot, len(s))
	for name, healthy := range s {
		out[name] = domain.HealthSnapshot{Healthy: healthy}
	}
	return out
}

func TestAllComponentsHealthy(t *testing.T) {
	a := New(&fakeCache{healthy: true}, fakeSources{"docs": true, "wiki": true}, zap.NewNop())

	report := a.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.Healthy)
	assert.Contains(t, report.Components, "cache")
	assert.Contains(t, report.Components, "source:docs")
}

func TestMemoryCacheUnhealthyIsFatal(t *testing.T) {
	a := New(&fakeCache{healthy: false}, fakeSources{"docs": true}, zap.NewNop())

	report := a.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.False(t, report.Healthy)
}

func TestAllAdaptersDownIsFatal(t *testing.T) {
	a := New(&fakeCache{healthy: true}, fakeSources{"docs": false, "wiki": false}, zap.NewNop())

	report := a.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestOneAdapterDownDegrades(t *testing.T) {
	a := New(&fakeCache{healthy: true}, fakeSources{"docs": true, "wiki": false}, zap.NewNop())

	report := a.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Healthy)
}

func TestRemoteCacheDegradationNeverFatal(t *testing.T) {
	a := New(&fakeCache{healthy: true, remoteDegraded: true}, fakeSources{"docs": true}, zap.NewNop())

	report := a.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Healthy)
	assert.Equal(t, "true", report.Components["cache"].Attributes["remote_degraded"])
}

func TestNilCacheCountsAsHealthy(t *testing.T) {
	a := New(nil, fakeSources{"docs": true}, zap.NewNop())

	report := a.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestNoSourcesIsUnhealthy(t *testing.T) {
	a := New(&fakeCache{healthy: true}, fakeSources{}, zap.NewNop())

	report := a.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}
