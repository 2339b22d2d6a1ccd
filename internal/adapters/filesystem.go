package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"opskb-backend/internal/domain"
	"opskb-backend/internal/runbook"
	"opskb-backend/pkg/config"
	"opskb-backend/pkg/errors"
)

// fileStamp is the change fingerprint used to skip re-parsing unchanged
// files on refresh.
type fileStamp struct {
	modTime time.Time
	size    int64
}

// FileSystemAdapter indexes markdown and JSON documents from local
// directory trees. The index is rebuilt on refresh and optionally kept
// fresh by a filesystem watcher.
type FileSystemAdapter struct {
	name      string
	cfg       config.FileSystemSourceConfig
	includes  []glob.Glob
	excludes  []glob.Glob
	extractor *runbook.Extractor
	logger    *zap.Logger

	idx *docIndex

	stampMu sync.Mutex
	stamps  map[string]fileStamp

	watcher   *fsnotify.Watcher
	watchStop chan struct{}
	watchOnce sync.Once
}

// NewFileSystemAdapter creates the adapter from its config section.
func NewFileSystemAdapter(name string, cfg config.FileSystemSourceConfig, logger *zap.Logger) (*FileSystemAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	includes, err := compileGlobs(cfg.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}
	excludes, err := compileGlobs(cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}
	if len(includes) == 0 {
		includes, _ = compileGlobs([]string{"*.md", "*.markdown", "*.json", "*.txt"})
	}
	return &FileSystemAdapter{
		name:      name,
		cfg:       cfg,
		includes:  includes,
		excludes:  excludes,
		extractor: runbook.NewExtractor(logger),
		logger:    logger.With(zap.String("source", name)),
		idx:       newDocIndex(),
		stamps:    make(map[string]fileStamp),
		watchStop: make(chan struct{}),
	}, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (a *FileSystemAdapter) Name() string { return a.name }
func (a *FileSystemAdapter) Kind() string { return string(config.SourceKindFileSystem) }

// Initialize builds the first index and starts the watcher when enabled.
func (a *FileSystemAdapter) Initialize(ctx context.Context) error {
	for _, base := range a.cfg.BasePaths {
		if _, err := os.Stat(base); err != nil {
			return errors.NewServiceUnavailable(fmt.Sprintf("source %q base path %s is not readable", a.name, base))
		}
	}
	if err := a.RefreshIndex(ctx, false); err != nil {
		return err
	}
	if a.cfg.WatchChanges {
		if err := a.startWatcher(); err != nil {
			// The index still serves; freshness falls back to explicit
			// refresh calls.
			a.logger.Warn("filesystem watcher unavailable", zap.Error(err))
		}
	}
	return nil
}

// RefreshIndex re-walks the base paths, re-parsing only files whose
// mtime or size changed and dropping entries for deleted files. force
// re-parses every file regardless of its stamp.
func (a *FileSystemAdapter) RefreshIndex(ctx context.Context, force bool) error {
	seen := make(map[string]bool)

	for _, base := range a.cfg.BasePaths {
		baseDepth := strings.Count(filepath.Clean(base), string(os.PathSeparator))
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if a.cfg.MaxDepth > 0 &&
					strings.Count(filepath.Clean(path), string(os.PathSeparator))-baseDepth >= a.cfg.MaxDepth {
					return filepath.SkipDir
				}
				return nil
			}
			if !a.wants(d.Name()) {
				return nil
			}

			rel, relErr := filepath.Rel(base, path)
			if relErr != nil {
				rel = d.Name()
			}
			id := filepath.ToSlash(rel)
			seen[id] = true

			info, statErr := d.Info()
			if statErr != nil {
				return nil
			}
			stamp := fileStamp{modTime: info.ModTime(), size: info.Size()}
			a.stampMu.Lock()
			prev, known := a.stamps[id]
			a.stampMu.Unlock()
			if !force && known && prev == stamp {
				return nil
			}

			raw, readErr := os.ReadFile(path)
			if readErr != nil {
				a.logger.Warn("skipping unreadable file", zap.String("path", path), zap.Error(readErr))
				return nil
			}
			if strings.EqualFold(filepath.Ext(path), ".json") && !json.Valid(raw) {
				a.logger.Warn("skipping malformed JSON document", zap.String("path", path))
				a.idx.Drop(id)
				a.stampMu.Lock()
				a.stamps[id] = stamp
				a.stampMu.Unlock()
				return nil
			}

			doc := a.buildDocument(id, path, string(raw), info.ModTime())
			rb, _ := a.extractor.Extract(doc)
			a.idx.Store(doc, rb)
			a.stampMu.Lock()
			a.stamps[id] = stamp
			a.stampMu.Unlock()
			return nil
		})
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("walk %s", base))
		}
	}

	for _, id := range a.idx.IDs() {
		if !seen[id] {
			a.idx.Drop(id)
			a.stampMu.Lock()
			delete(a.stamps, id)
			a.stampMu.Unlock()
		}
	}
	return nil
}

func (a *FileSystemAdapter) wants(name string) bool {
	for _, g := range a.excludes {
		if g.Match(name) {
			return false
		}
	}
	for _, g := range a.includes {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func (a *FileSystemAdapter) buildDocument(id, path, content string, modTime time.Time) domain.Document {
	meta, body := runbook.ParseFrontMatter(content)
	title := meta["title"]
	if title == "" {
		title = firstHeading(body)
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return domain.Document{
		ID:           id,
		Title:        title,
		Content:      content,
		Source:       a.name,
		SourceKind:   a.Kind(),
		URI:          "file://" + path,
		Category:     runbook.Classify(title, content),
		LastModified: modTime,
		Metadata:     meta,
	}
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
		}
	}
	return ""
}

func (a *FileSystemAdapter) Search(ctx context.Context, query string, filters domain.SearchFilters) ([]domain.Document, error) {
	return a.idx.Search(a.name, query, filters)
}

func (a *FileSystemAdapter) SearchRunbooks(ctx context.Context, alert domain.AlertContext) ([]*domain.Runbook, error) {
	return a.idx.SearchRunbooks(alert), nil
}

func (a *FileSystemAdapter) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return a.idx.Get(a.name, id)
}

func (a *FileSystemAdapter) HealthCheck(ctx context.Context) domain.HealthSnapshot {
	for _, base := range a.cfg.BasePaths {
		if _, err := os.Stat(base); err != nil {
			return domain.HealthSnapshot{
				Healthy: false,
				Error:   fmt.Sprintf("base path %s: %v", base, err),
			}
		}
	}
	return domain.HealthSnapshot{
		Healthy:    true,
		Attributes: map[string]string{"documents": fmt.Sprintf("%d", a.idx.Len())},
	}
}

func (a *FileSystemAdapter) Metadata() domain.SourceMetadata {
	return domain.SourceMetadata{
		Name:          a.name,
		Kind:          a.Kind(),
		DocumentCount: a.idx.Len(),
	}
}

// Cleanup stops the watcher.
func (a *FileSystemAdapter) Cleanup() error {
	a.watchOnce.Do(func() { close(a.watchStop) })
	if a.watcher != nil {
		return a.watcher.Close()
	}
	return nil
}

// startWatcher registers the base trees with fsnotify and refreshes the
// index shortly after a burst of change events.
func (a *FileSystemAdapter) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	a.watcher = watcher

	for _, base := range a.cfg.BasePaths {
		walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
		if walkErr != nil {
			watcher.Close()
			a.watcher = nil
			return walkErr
		}
	}

	go a.watchLoop()
	return nil
}

// watchLoop debounces change bursts into a single refresh.
func (a *FileSystemAdapter) watchLoop() {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-a.watchStop:
			return
		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				pending = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.Warn("filesystem watcher error", zap.Error(err))
		case <-pending:
			timer = nil
			pending = nil
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := a.RefreshIndex(ctx, false); err != nil {
				a.logger.Warn("watch-triggered refresh failed", zap.Error(err))
			}
			cancel()
		}
	}
}
