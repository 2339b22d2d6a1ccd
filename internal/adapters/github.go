package adapters

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/go-github/v62/github"
	"go.uber.org/zap"

	"opskb-backend/internal/domain"
	"opskb-backend/internal/runbook"
	"opskb-backend/pkg/config"
	"opskb-backend/pkg/errors"
)

// GitHubAdapter indexes documentation files from repository trees. A
// refresh walks each configured repository's default branch recursively
// and re-fetches only blobs whose git SHA changed.
type GitHubAdapter struct {
	name      string
	cfg       config.GitHubSourceConfig
	client    *github.Client
	includes  []glob.Glob
	extractor *runbook.Extractor
	logger    *zap.Logger

	idx *docIndex

	mu             sync.Mutex
	shas           map[string]string
	suspendedUntil time.Time
}

// NewGitHubAdapter creates the adapter. The token is resolved from the
// configured environment variable; an empty token env means anonymous
// access with its much smaller API quota.
func NewGitHubAdapter(name string, cfg config.GitHubSourceConfig, logger *zap.Logger) (*GitHubAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, repo := range cfg.Repositories {
		if len(strings.Split(repo, "/")) != 2 {
			return nil, fmt.Errorf("repository %q is not owner/name", repo)
		}
	}
	includes, err := compileGlobs(cfg.IncludePaths)
	if err != nil {
		return nil, fmt.Errorf("include paths: %w", err)
	}

	client := github.NewClient(nil)
	if cfg.TokenEnv != "" {
		token, resolveErr := config.ResolveEnv(cfg.TokenEnv)
		if resolveErr != nil {
			return nil, errors.NewAuthFailed(name, resolveErr)
		}
		client = client.WithAuthToken(token)
	}
	if cfg.BaseURL != "" {
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("enterprise base url: %w", err)
		}
	}

	return &GitHubAdapter{
		name:      name,
		cfg:       cfg,
		client:    client,
		includes:  includes,
		extractor: runbook.NewExtractor(logger),
		logger:    logger.With(zap.String("source", name)),
		idx:       newDocIndex(),
		shas:      make(map[string]string),
	}, nil
}

func (a *GitHubAdapter) Name() string { return a.name }
func (a *GitHubAdapter) Kind() string { return string(config.SourceKindGitHub) }

func (a *GitHubAdapter) Initialize(ctx context.Context) error {
	return a.RefreshIndex(ctx, false)
}

// RefreshIndex walks every configured repository. A repository that fails
// is logged and skipped; the refresh fails only when no repository could
// be read. When the remaining API quota drops below the margin the walk
// suspends until the quota window resets. force re-fetches every blob
// regardless of its recorded SHA.
func (a *GitHubAdapter) RefreshIndex(ctx context.Context, force bool) error {
	a.mu.Lock()
	suspended := a.suspendedUntil
	a.mu.Unlock()
	if until := time.Until(suspended); until > 0 {
		return errors.NewRateLimited(a.name)
	}

	succeeded := 0
	var lastErr error
	for _, repo := range a.cfg.Repositories {
		if err := a.refreshRepository(ctx, repo, force); err != nil {
			if errors.IsRateLimited(err) || errors.IsAuthFailed(err) {
				return err
			}
			a.logger.Warn("skipping repository", zap.String("repository", repo), zap.Error(err))
			lastErr = err
			continue
		}
		succeeded++
	}
	if succeeded == 0 && lastErr != nil {
		return errors.Wrap(lastErr, "no repository could be indexed")
	}
	return nil
}

func (a *GitHubAdapter) refreshRepository(ctx context.Context, fullName string, force bool) error {
	parts := strings.SplitN(fullName, "/", 2)
	owner, name := parts[0], parts[1]

	repo, resp, err := a.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return a.classifyAPIError(resp, err)
	}
	a.noteQuota(resp)

	tree, resp, err := a.client.Git.GetTree(ctx, owner, name, repo.GetDefaultBranch(), true)
	if err != nil {
		return a.classifyAPIError(resp, err)
	}
	a.noteQuota(resp)

	seen := make(map[string]bool)
	for _, entry := range tree.Entries {
		if ctx.Err() != nil {
			return errors.NewRequestTimeout(fmt.Sprintf("repository walk of %s interrupted", fullName))
		}
		if entry.GetType() != "blob" || !a.wantsPath(entry.GetPath()) {
			continue
		}
		id := fullName + "/" + entry.GetPath()
		seen[id] = true

		a.mu.Lock()
		unchanged := !force && a.shas[id] == entry.GetSHA()
		suspendedUntil := a.suspendedUntil
		a.mu.Unlock()
		if unchanged {
			continue
		}
		if time.Until(suspendedUntil) > 0 {
			return errors.NewRateLimited(a.name)
		}

		content, fetchErr := a.fetchBlob(ctx, owner, name, entry.GetSHA())
		if fetchErr != nil {
			a.logger.Warn("skipping blob",
				zap.String("repository", fullName),
				zap.String("path", entry.GetPath()),
				zap.Error(fetchErr),
			)
			continue
		}

		doc := a.buildDocument(id, fullName, entry.GetPath(), content)
		rb, _ := a.extractor.Extract(doc)
		a.idx.Store(doc, rb)
		a.mu.Lock()
		a.shas[id] = entry.GetSHA()
		a.mu.Unlock()
	}

	prefix := fullName + "/"
	for _, id := range a.idx.IDs() {
		if strings.HasPrefix(id, prefix) && !seen[id] {
			a.idx.Drop(id)
			a.mu.Lock()
			delete(a.shas, id)
			a.mu.Unlock()
		}
	}
	return nil
}

func (a *GitHubAdapter) wantsPath(p string) bool {
	if len(a.includes) == 0 {
		switch strings.ToLower(path.Ext(p)) {
		case ".md", ".markdown", ".json", ".txt":
			return true
		default:
			return false
		}
	}
	for _, g := range a.includes {
		if g.Match(p) {
			return true
		}
	}
	return false
}

func (a *GitHubAdapter) fetchBlob(ctx context.Context, owner, repo, sha string) (string, error) {
	blob, resp, err := a.client.Git.GetBlob(ctx, owner, repo, sha)
	if err != nil {
		return "", a.classifyAPIError(resp, err)
	}
	a.noteQuota(resp)

	if blob.GetEncoding() != "base64" {
		return blob.GetContent(), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(blob.GetContent(), "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode blob %s: %w", sha, err)
	}
	return string(decoded), nil
}

func (a *GitHubAdapter) buildDocument(id, repo, filePath, content string) domain.Document {
	meta, body := runbook.ParseFrontMatter(content)
	title := meta["title"]
	if title == "" {
		title = firstHeading(body)
	}
	if title == "" {
		title = strings.TrimSuffix(path.Base(filePath), path.Ext(filePath))
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta["repository"] = repo
	return domain.Document{
		ID:           id,
		Title:        title,
		Content:      content,
		Source:       a.name,
		SourceKind:   a.Kind(),
		URI:          "https://github.com/" + repo + "/blob/HEAD/" + filePath,
		Category:     runbook.Classify(title, content),
		LastModified: time.Now(),
		Metadata:     meta,
	}
}

// noteQuota records the remaining API quota after each call and suspends
// further fetching until the window resets when it falls below the margin.
func (a *GitHubAdapter) noteQuota(resp *github.Response) {
	if resp == nil {
		return
	}
	margin := a.cfg.QuotaMargin
	if margin == 0 {
		margin = 100
	}
	if resp.Rate.Remaining >= margin {
		return
	}
	a.mu.Lock()
	a.suspendedUntil = resp.Rate.Reset.Time
	a.mu.Unlock()
	a.logger.Warn("api quota below margin, suspending until reset",
		zap.Int("remaining", resp.Rate.Remaining),
		zap.Time("reset", resp.Rate.Reset.Time),
	)
}

func (a *GitHubAdapter) classifyAPIError(resp *github.Response, err error) error {
	var rateErr *github.RateLimitError
	if stderrors.As(err, &rateErr) {
		a.mu.Lock()
		a.suspendedUntil = rateErr.Rate.Reset.Time
		a.mu.Unlock()
		return errors.NewRateLimited(a.name)
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.NewAuthFailed(a.name, err)
		case http.StatusNotFound:
			return errors.NewNotFound(err.Error())
		}
	}
	return errors.NewServiceUnavailable(fmt.Sprintf("source %q api call failed: %v", a.name, err))
}

func (a *GitHubAdapter) Search(ctx context.Context, query string, filters domain.SearchFilters) ([]domain.Document, error) {
	return a.idx.Search(a.name, query, filters)
}

func (a *GitHubAdapter) SearchRunbooks(ctx context.Context, alert domain.AlertContext) ([]*domain.Runbook, error) {
	return a.idx.SearchRunbooks(alert), nil
}

func (a *GitHubAdapter) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return a.idx.Get(a.name, id)
}

// HealthCheck verifies API reachability and reports the quota state.
func (a *GitHubAdapter) HealthCheck(ctx context.Context) domain.HealthSnapshot {
	a.mu.Lock()
	suspended := time.Until(a.suspendedUntil) > 0
	a.mu.Unlock()
	if suspended {
		return domain.HealthSnapshot{
			Healthy: false,
			Error:   "api quota exhausted",
		}
	}

	limits, _, err := a.client.RateLimit.Get(ctx)
	if err != nil {
		return domain.HealthSnapshot{Healthy: false, Error: err.Error()}
	}
	return domain.HealthSnapshot{
		Healthy: true,
		Attributes: map[string]string{
			"quota_remaining": fmt.Sprintf("%d", limits.GetCore().Remaining),
		},
	}
}

func (a *GitHubAdapter) Metadata() domain.SourceMetadata {
	return domain.SourceMetadata{
		Name:          a.name,
		Kind:          a.Kind(),
		DocumentCount: a.idx.Len(),
	}
}

func (a *GitHubAdapter) Cleanup() error {
	return nil
}
