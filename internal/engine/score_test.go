package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opskb-backend/internal/domain"
)

func scoringRunbook(lastModified time.Time) *domain.Runbook {
	return &domain.Runbook{
		ID:    "rb-db-cpu",
		Title: "Database CPU",
		Triggers: []domain.Trigger{{
			AlertType:  "high_cpu",
			Severities: []domain.Severity{domain.SeverityCritical},
			Systems:    []string{"database"},
		}},
		Procedures:   []domain.Procedure{{ID: "investigate_queries", Name: "Investigate Queries"}},
		LastModified: lastModified,
	}
}

func TestScoreRunbookFullAlignment(t *testing.T) {
	alert := domain.AlertContext{
		AlertType:       "high_cpu",
		Severity:        domain.SeverityCritical,
		AffectedSystems: []string{"database"},
	}
	now := time.Now()

	confidence, reasons := ScoreRunbook(alert, scoringRunbook(now.Add(-time.Hour)), now)

	// Exact trigger + severity + full system overlap + freshness.
	assert.GreaterOrEqual(t, confidence, 0.8)
	assert.LessOrEqual(t, confidence, 1.0)
	assert.Contains(t, reasons, "exact trigger match")
	assert.Contains(t, reasons, "severity match")
	assert.Contains(t, reasons, "system overlap")
	assert.Contains(t, reasons, "recently updated")
}

func TestScoreRunbookFuzzyTrigger(t *testing.T) {
	alert := domain.AlertContext{AlertType: "high_cpus"}
	now := time.Now()

	confidence, reasons := ScoreRunbook(alert, scoringRunbook(now), now)

	assert.Contains(t, reasons, "fuzzy trigger match")
	assert.Greater(t, confidence, 0.0)
	assert.Less(t, confidence, 0.40+weightFreshness+weightText+0.001)
}

func TestScoreRunbookSeverityMismatchScoresLower(t *testing.T) {
	now := time.Now()
	matching := domain.AlertContext{AlertType: "high_cpu", Severity: domain.SeverityCritical}
	mismatched := domain.AlertContext{AlertType: "high_cpu", Severity: domain.SeverityLow}

	withMatch, _ := ScoreRunbook(matching, scoringRunbook(now), now)
	withMismatch, reasons := ScoreRunbook(mismatched, scoringRunbook(now), now)

	assert.Greater(t, withMatch, withMismatch)
	assert.NotContains(t, reasons, "severity match")
}

func TestScoreRunbookUnconstrainedSeverityGetsReason(t *testing.T) {
	now := time.Now()
	rb := scoringRunbook(now)
	rb.Triggers[0].Severities = nil

	alert := domain.AlertContext{AlertType: "high_cpu", Severity: domain.SeverityCritical}
	confidence, reasons := ScoreRunbook(alert, rb, now)

	// The half credit contributes, so it must carry a reason.
	assert.Contains(t, reasons, "severity unconstrained")
	assert.NotContains(t, reasons, "severity match")

	explicit, _ := ScoreRunbook(alert, scoringRunbook(now), now)
	assert.Less(t, confidence, explicit)
}

func TestScoreRunbookSystemGlobPattern(t *testing.T) {
	now := time.Now()
	rb := scoringRunbook(now)
	rb.Triggers[0].Systems = []string{"db-*"}

	alert := domain.AlertContext{
		AlertType:       "high_cpu",
		AffectedSystems: []string{"db-primary"},
	}
	_, reasons := ScoreRunbook(alert, rb, now)
	assert.Contains(t, reasons, "system overlap")
}

func TestFreshnessBands(t *testing.T) {
	now := time.Now()

	assert.Equal(t, 1.0, Freshness(now.Add(-24*time.Hour), now))
	assert.Equal(t, 0.0, Freshness(now.Add(-200*24*time.Hour), now))
	assert.Equal(t, 0.0, Freshness(time.Time{}, now))

	mid := Freshness(now.Add(-90*24*time.Hour), now)
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}

func TestScoreDocumentTextRelevance(t *testing.T) {
	now := time.Now()
	doc := domain.Document{
		Title:        "Disk Full Runbook",
		Content:      "remove rotated logs and expand the volume",
		LastModified: now,
	}

	confidence, reasons := ScoreDocument("disk full volume", doc, now)
	require.Greater(t, confidence, 0.5)
	assert.Contains(t, reasons, "text relevance")

	unrelated, _ := ScoreDocument("kafka consumer lag", doc, now)
	assert.Less(t, unrelated, confidence)
}

func TestScoresStayInUnitInterval(t *testing.T) {
	now := time.Now()
	alert := domain.AlertContext{
		AlertType:       "high_cpu",
		Severity:        domain.SeverityCritical,
		AffectedSystems: []string{"database"},
	}
	confidence, _ := ScoreRunbook(alert, scoringRunbook(now), now)
	assert.GreaterOrEqual(t, confidence, 0.0)
	assert.LessOrEqual(t, confidence, 1.0)
}
