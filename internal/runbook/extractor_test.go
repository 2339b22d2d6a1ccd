package runbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opskb-backend/internal/domain"
)

const markdownRunbook = `---
alert_type: database_cpu_high
severity: high, critical
systems: postgres, pgbouncer
---
# Database CPU Runbook

## Check Connections

1. List active connections

` + "```" + `
psql -c "SELECT count(*) FROM pg_stat_activity"
` + "```" + `

2. Identify long-running queries

## Restart Pooler

1. Restart pgbouncer

` + "```" + `
systemctl restart pgbouncer
` + "```" + `

## Decision Tree

- connection count above 500 -> Check Connections
- if pooler saturated then Restart Pooler
- queries stuck: escalate
`

func mdDoc(content string) domain.Document {
	return domain.Document{
		ID:           "db-cpu.md",
		Title:        "",
		Content:      content,
		Source:       "local-docs",
		SourceKind:   "filesystem",
		URI:          "file:///docs/db-cpu.md",
		LastModified: time.Now(),
	}
}

func TestExtractMarkdownRunbook(t *testing.T) {
	e := NewExtractor(zap.NewNop())

	rb, ok := e.Extract(mdDoc(markdownRunbook))
	require.True(t, ok)

	assert.Equal(t, "db_cpu_md", rb.ID)
	assert.Equal(t, "Database CPU Runbook", rb.Title)
	assert.Equal(t, "local-docs", rb.Source)

	require.Len(t, rb.Triggers, 1)
	assert.Equal(t, "database_cpu_high", rb.Triggers[0].AlertType)
	assert.ElementsMatch(t, []domain.Severity{domain.SeverityHigh, domain.SeverityCritical}, rb.Triggers[0].Severities)
	assert.ElementsMatch(t, []string{"postgres", "pgbouncer"}, rb.Triggers[0].Systems)

	require.Len(t, rb.Procedures, 2)
	assert.Equal(t, "check_connections", rb.Procedures[0].ID)
	require.Len(t, rb.Procedures[0].Steps, 2)
	assert.Equal(t, "List active connections", rb.Procedures[0].Steps[0].Action)
	assert.Contains(t, rb.Procedures[0].Steps[0].Command, "pg_stat_activity")
	assert.Empty(t, rb.Procedures[0].Steps[1].Command)
}

func TestExtractMarkdownDecisionTree(t *testing.T) {
	e := NewExtractor(zap.NewNop())
	rb, ok := e.Extract(mdDoc(markdownRunbook))
	require.True(t, ok)
	require.NotNil(t, rb.DecisionTree)

	root := rb.DecisionTree.Root
	require.NotNil(t, root)
	assert.Equal(t, "connection count above 500", root.Condition)
	assert.Equal(t, "check_connections", root.Branches["yes"].Action)

	second := root.Branches["no"]
	require.NotNil(t, second)
	assert.Equal(t, "pooler saturated", second.Condition)
	assert.Equal(t, "restart_pooler", second.Branches["yes"].Action)

	third := second.Branches["no"]
	require.NotNil(t, third)
	assert.Equal(t, "escalate", third.Branches["yes"].Action)
	assert.Equal(t, "escalate", third.Branches["no"].Action)

	require.NoError(t, rb.Validate())
}

func TestExtractSynthesizesLinearTree(t *testing.T) {
	content := `# Disk Pressure Runbook

severity: critical

## Free Space

1. Remove rotated logs
2. Expand the volume
`
	e := NewExtractor(zap.NewNop())
	rb, ok := e.Extract(mdDoc(content))
	require.True(t, ok)
	require.NotNil(t, rb.DecisionTree)

	root := rb.DecisionTree.Root
	assert.Equal(t, "alert condition confirmed", root.Condition)
	assert.Equal(t, "free_space", root.Branches["yes"].Action)
	assert.Equal(t, []string{"escalate"}, root.Branches["yes"].NextSteps)
	assert.Equal(t, "monitor", root.Branches["no"].Action)
}

func TestExtractJSONRunbook(t *testing.T) {
	content := `{
		"id": "rb-db-cpu",
		"title": "Database CPU",
		"triggers": [{"alert_type": "database_cpu_high", "severity": ["high"]}],
		"procedures": [{"id": "restart", "name": "Restart", "steps": [{"action": "restart the pooler"}]}]
	}`
	e := NewExtractor(zap.NewNop())
	rb, ok := e.Extract(mdDoc(content))
	require.True(t, ok)
	assert.Equal(t, "rb-db-cpu", rb.ID)
	assert.Equal(t, "local-docs", rb.Source)
}

func TestExtractJSONLegacyFlatTriggers(t *testing.T) {
	content := `{
		"id": "rb-legacy",
		"title": "Legacy",
		"triggers": ["disk_full"],
		"procedures": [{"id": "p1", "name": "P1", "steps": []}]
	}`
	e := NewExtractor(zap.NewNop())
	rb, ok := e.Extract(mdDoc(content))
	require.True(t, ok)
	require.Len(t, rb.Triggers, 1)
	assert.Equal(t, "disk_full", rb.Triggers[0].AlertType)
}

func TestExtractMalformedJSONRunbookDropped(t *testing.T) {
	// Carries the runbook keys but a tree action that resolves to nothing.
	content := `{
		"id": "rb-bad",
		"triggers": ["x"],
		"procedures": [{"id": "p1", "name": "P1", "steps": []}],
		"decision_tree": {"root": {"action": "no_such_procedure"}}
	}`
	e := NewExtractor(zap.NewNop())
	_, ok := e.Extract(mdDoc(content))
	assert.False(t, ok)
}

func TestExtractNonRunbookMarkdownRejected(t *testing.T) {
	e := NewExtractor(zap.NewNop())
	_, ok := e.Extract(mdDoc("# API Reference\n\nGET /v1/items returns a list.\n"))
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		title, content string
		want           domain.Category
	}{
		{"Database CPU Runbook", "critical\n1. do this", domain.CategoryRunbook},
		{"Failover Decision Tree", "if primary down", domain.CategoryDecisionTree},
		{"Rotate Certificates Procedure", "1. run\n```\ncertbot renew\n```", domain.CategoryProcedure},
		{"Search API Reference", "GET /v1/search returns results", domain.CategoryAPI},
		{"How to set up dashboards", "open grafana", domain.CategoryGuide},
		{"Meeting notes", "we discussed things", domain.CategoryGeneral},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.title, tc.content), tc.title)
	}
}

func TestContentQuality(t *testing.T) {
	assert.Equal(t, 0.0, ContentQuality("thin"))
	assert.Equal(t, 0.5, ContentQuality("1. restart the service\nthis is a critical incident"))
	full := "1. step one\n```\ncmd\n```\ncritical incident\n" + longFiller()
	assert.Equal(t, 1.0, ContentQuality(full))
}

func longFiller() string {
	out := make([]byte, 300)
	for i := range out {
		out[i] = 'x'
	}
	return string(out)
}

func TestParseFrontMatter(t *testing.T) {
	meta, body := ParseFrontMatter("---\nalert_type: oom\nseverity: high\n---\n# Body\n")
	assert.Equal(t, "oom", meta["alert_type"])
	assert.Equal(t, "high", meta["severity"])
	assert.Equal(t, "# Body\n", body)

	meta, body = ParseFrontMatter("# No front matter\n")
	assert.Empty(t, meta)
	assert.Equal(t, "# No front matter\n", body)
}
