package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordAndStats(t *testing.T) {
	pm := NewPerformanceMonitor(10, zap.NewNop())

	pm.Record("search", 10*time.Millisecond, nil)
	pm.Record("search", 20*time.Millisecond, nil)
	pm.Record("search", 30*time.Millisecond, errors.New("boom"))

	stats := pm.Stats("search")
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, 20*time.Millisecond, stats.AvgLatency)
	assert.Equal(t, 30*time.Millisecond, stats.MaxLatency)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.001)
}

func TestWindowBounded(t *testing.T) {
	pm := NewPerformanceMonitor(5, zap.NewNop())

	for i := 0; i < 50; i++ {
		pm.Record("op", time.Duration(i)*time.Millisecond, nil)
	}

	stats := pm.Stats("op")
	// Total count keeps growing but the latency window stays bounded:
	// the max reflects only recent samples.
	assert.Equal(t, int64(50), stats.Count)
	assert.Equal(t, 49*time.Millisecond, stats.MaxLatency)
	assert.GreaterOrEqual(t, stats.AvgLatency, 45*time.Millisecond)
}

func TestAlertRuleFires(t *testing.T) {
	pm := NewPerformanceMonitor(10, zap.NewNop())
	pm.AddRule(AlertRule{Operation: "search", Threshold: 50 * time.Millisecond, Level: AlertLevelWarning})

	pm.Record("search", 10*time.Millisecond, nil)
	pm.Record("search", 100*time.Millisecond, nil)

	select {
	case alert := <-pm.Alerts():
		assert.Equal(t, AlertLevelWarning, alert.Level)
		assert.Equal(t, "search", alert.Operation)
		assert.Equal(t, 100*time.Millisecond, alert.Latency)
	default:
		t.Fatal("expected an alert on the channel")
	}

	// The fast sample must not have produced an alert.
	select {
	case alert := <-pm.Alerts():
		t.Fatalf("unexpected second alert: %+v", alert)
	default:
	}
}

func TestAlertChannelDropsWhenFull(t *testing.T) {
	pm := NewPerformanceMonitor(10, zap.NewNop())
	pm.AddRule(AlertRule{Operation: "op", Threshold: 0, Level: AlertLevelCritical})

	// Overflow the bounded channel; Record must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			pm.Record("op", time.Millisecond, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full alert channel")
	}
}

func TestAllStats(t *testing.T) {
	pm := NewPerformanceMonitor(10, zap.NewNop())
	pm.Record("a", time.Millisecond, nil)
	pm.Record("b", time.Millisecond, nil)

	all := pm.AllStats()
	require.Len(t, all, 2)
	assert.Contains(t, all, "a")
	assert.Contains(t, all, "b")
}
