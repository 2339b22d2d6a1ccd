package adapters

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opskb-backend/internal/domain"
	"opskb-backend/pkg/config"
	"opskb-backend/pkg/errors"
)

const fsRunbook = `---
title: Database CPU Runbook
alert_type: database_cpu_high
severity: high, critical
---
# Database CPU Runbook

## Mitigate

1. Restart the connection pooler

` + "```" + `
systemctl restart pgbouncer
` + "```" + `
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newFSAdapter(t *testing.T, dir string) *FileSystemAdapter {
	t.Helper()
	a, err := NewFileSystemAdapter("local-docs", config.FileSystemSourceConfig{
		BasePaths: []string{dir},
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Cleanup() })
	return a
}

func TestFileSystemIndexAndSearch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "db-cpu.md", fsRunbook)
	writeFile(t, dir, "notes/meeting.md", "# Meeting notes\n\nnothing operational here\n")

	a := newFSAdapter(t, dir)

	docs, err := a.Search(context.Background(), "database pooler", domain.SearchFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, "db-cpu.md", docs[0].ID)
	assert.Equal(t, domain.CategoryRunbook, docs[0].Category)
	assert.Equal(t, "Database CPU Runbook", docs[0].Title)
}

func TestFileSystemFuzzySearchToleratesTypo(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "db-cpu.md", fsRunbook)
	a := newFSAdapter(t, dir)

	docs, err := a.Search(context.Background(), "databse", domain.SearchFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, "db-cpu.md", docs[0].ID)
}

func TestFileSystemSearchRunbooksByTrigger(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "db-cpu.md", fsRunbook)
	a := newFSAdapter(t, dir)

	runbooks, err := a.SearchRunbooks(context.Background(), domain.AlertContext{
		AlertType: "database_cpu_high",
		Severity:  domain.SeverityCritical,
	})
	require.NoError(t, err)
	require.Len(t, runbooks, 1)
	assert.Equal(t, "db_cpu_md", runbooks[0].ID)

	// Severity outside the trigger set does not match.
	runbooks, err = a.SearchRunbooks(context.Background(), domain.AlertContext{
		AlertType: "database_cpu_high",
		Severity:  domain.SeverityLow,
	})
	require.NoError(t, err)
	assert.Empty(t, runbooks)
}

func TestFileSystemGetDocument(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "db-cpu.md", fsRunbook)
	a := newFSAdapter(t, dir)

	doc, err := a.GetDocument(context.Background(), "db-cpu.md")
	require.NoError(t, err)
	assert.Equal(t, "local-docs", doc.Source)

	_, err = a.GetDocument(context.Background(), "missing.md")
	assert.True(t, errors.IsNotFound(err))
}

func TestFileSystemRefreshPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "guide.md", "# How to deploy\n\nuse the pipeline\n")
	a := newFSAdapter(t, dir)

	// Rewrite with new content and a bumped mtime.
	require.NoError(t, os.WriteFile(path, []byte("# How to deploy\n\nuse the blue-green rollout\n"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.NoError(t, a.RefreshIndex(context.Background(), false))

	doc, err := a.GetDocument(context.Background(), "guide.md")
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "blue-green")
}

func TestFileSystemForcedRefreshBypassesStamp(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "guide.md", "# How to deploy\n\nuse the old pipeline\n")
	a := newFSAdapter(t, dir)

	info, err := os.Stat(path)
	require.NoError(t, err)

	// Rewrite with same-length content and restore the original mtime so
	// the mtime+size stamp is unchanged.
	require.NoError(t, os.WriteFile(path, []byte("# How to deploy\n\nuse the new pipeline\n"), 0o644))
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))

	require.NoError(t, a.RefreshIndex(context.Background(), false))
	doc, err := a.GetDocument(context.Background(), "guide.md")
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "old pipeline")

	require.NoError(t, a.RefreshIndex(context.Background(), true))
	doc, err = a.GetDocument(context.Background(), "guide.md")
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "new pipeline")
}

func TestFileSystemRefreshDropsDeleted(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "old.md", "# Old guide\n\nsome content\n")
	a := newFSAdapter(t, dir)

	require.NoError(t, os.Remove(path))
	require.NoError(t, a.RefreshIndex(context.Background(), false))

	_, err := a.GetDocument(context.Background(), "old.md")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, 0, a.Metadata().DocumentCount)
}

func TestFileSystemExcludePatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.md", "# Keep\n\ncontent\n")
	writeFile(t, dir, "draft-skip.md", "# Skip\n\ncontent\n")

	a, err := NewFileSystemAdapter("local-docs", config.FileSystemSourceConfig{
		BasePaths:       []string{dir},
		ExcludePatterns: []string{"draft-*"},
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Cleanup() })

	assert.Equal(t, 1, a.Metadata().DocumentCount)
	_, err = a.GetDocument(context.Background(), "draft-skip.md")
	assert.True(t, errors.IsNotFound(err))
}

func TestFileSystemMalformedJSONDropped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.json", `{"id":"rb-good","title":"Good","triggers":["disk_full"],"procedures":[]}`)
	writeFile(t, dir, "broken.json", `{invalid json`)

	a := newFSAdapter(t, dir)

	assert.Equal(t, 1, a.Metadata().DocumentCount)
	_, err := a.GetDocument(context.Background(), "broken.json")
	assert.True(t, errors.IsNotFound(err))

	docs, err := a.Search(context.Background(), "broken json", domain.SearchFilters{})
	require.NoError(t, err)
	for _, doc := range docs {
		assert.NotEqual(t, "broken.json", doc.ID)
	}
}

func TestFileSystemEmptyQueryRejected(t *testing.T) {
	dir := t.TempDir()
	a := newFSAdapter(t, dir)

	_, err := a.Search(context.Background(), "   ", domain.SearchFilters{})
	assert.True(t, errors.IsValidation(err))
}

func TestFileSystemHealthCheck(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "# A\n\ncontent\n")
	a := newFSAdapter(t, dir)

	snapshot := a.HealthCheck(context.Background())
	assert.True(t, snapshot.Healthy)

	bad, err := NewFileSystemAdapter("broken", config.FileSystemSourceConfig{
		BasePaths: []string{filepath.Join(dir, "does-not-exist")},
	}, zap.NewNop())
	require.NoError(t, err)
	snapshot = bad.HealthCheck(context.Background())
	assert.False(t, snapshot.Healthy)
}

func TestFileSystemWatcherRefreshesOnWrite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "# A\n\noriginal content\n")

	a, err := NewFileSystemAdapter("local-docs", config.FileSystemSourceConfig{
		BasePaths:    []string{dir},
		WatchChanges: true,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Cleanup() })

	writeFile(t, dir, "b.md", "# B\n\nfresh document\n")
	path := filepath.Join(dir, "b.md")
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		_, getErr := a.GetDocument(context.Background(), "b.md")
		return getErr == nil
	}, 5*time.Second, 100*time.Millisecond)
}
