package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/oauth2/clientcredentials"

	"opskb-backend/internal/domain"
	"opskb-backend/internal/resilience"
	"opskb-backend/internal/runbook"
	"opskb-backend/pkg/config"
	"opskb-backend/pkg/errors"
)

const webUserAgent = "opskb-crawler/1.0"

// pageStamp holds the revalidation headers for one fetched page.
type pageStamp struct {
	etag         string
	lastModified string
}

// WebAdapter crawls HTTP documentation sites into the in-memory index.
// Crawling respects robots.txt when configured, throttles per host, and
// revalidates with conditional requests on refresh.
type WebAdapter struct {
	name      string
	cfg       config.WebSourceConfig
	client    *http.Client
	decorate  func(*http.Request)
	hosts     *resilience.HostLimiters
	includes  []*regexp.Regexp
	excludes  []*regexp.Regexp
	extractor *runbook.Extractor
	logger    *zap.Logger

	idx *docIndex

	crawlMu sync.Mutex
	stamps  map[string]pageStamp
	robots  map[string]*robotstxt.RobotsData
}

// NewWebAdapter creates the adapter and resolves its credentials from the
// environment. Credential resolution failures surface at construction,
// not at first fetch.
func NewWebAdapter(name string, cfg config.WebSourceConfig, logger *zap.Logger) (*WebAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	includes, err := compileRegexps(cfg.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}
	excludes, err := compileRegexps(cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}

	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout == 0 {
		fetchTimeout = 10 * time.Second
	}
	perHostRate := cfg.PerHostRate
	if perHostRate == 0 {
		perHostRate = 2
	}
	perHostBurst := cfg.PerHostBurst
	if perHostBurst == 0 {
		perHostBurst = 4
	}

	a := &WebAdapter{
		name:      name,
		cfg:       cfg,
		client:    &http.Client{Timeout: fetchTimeout},
		decorate:  func(*http.Request) {},
		hosts:     resilience.NewHostLimiters(perHostRate, perHostBurst),
		includes:  includes,
		excludes:  excludes,
		extractor: runbook.NewExtractor(logger),
		logger:    logger.With(zap.String("source", name)),
		idx:       newDocIndex(),
		stamps:    make(map[string]pageStamp),
		robots:    make(map[string]*robotstxt.RobotsData),
	}
	if err := a.configureAuth(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *WebAdapter) configureAuth() error {
	auth := a.cfg.Auth
	switch auth.Mode {
	case "", config.WebAuthNone:
		return nil

	case config.WebAuthAPIKey:
		key, err := config.ResolveEnv(auth.APIKeyEnv)
		if err != nil {
			return errors.NewAuthFailed(a.name, err)
		}
		header := auth.HeaderName
		if header == "" && auth.QueryParam == "" {
			header = "X-API-Key"
		}
		queryParam := auth.QueryParam
		a.decorate = func(req *http.Request) {
			if header != "" {
				req.Header.Set(header, key)
				return
			}
			q := req.URL.Query()
			q.Set(queryParam, key)
			req.URL.RawQuery = q.Encode()
		}

	case config.WebAuthBearer:
		token, err := config.ResolveEnv(auth.BearerTokenEnv)
		if err != nil {
			return errors.NewAuthFailed(a.name, err)
		}
		a.decorate = func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token)
		}

	case config.WebAuthOAuth2:
		clientID, err := config.ResolveEnv(auth.ClientIDEnv)
		if err != nil {
			return errors.NewAuthFailed(a.name, err)
		}
		clientSecret, err := config.ResolveEnv(auth.ClientSecretEnv)
		if err != nil {
			return errors.NewAuthFailed(a.name, err)
		}
		creds := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     auth.TokenURL,
		}
		// The oauth2 transport refreshes tokens transparently.
		timeout := a.client.Timeout
		a.client = creds.Client(context.Background())
		a.client.Timeout = timeout
	}
	return nil
}

func (a *WebAdapter) Name() string { return a.name }
func (a *WebAdapter) Kind() string { return string(config.SourceKindWeb) }

func (a *WebAdapter) Initialize(ctx context.Context) error {
	return a.RefreshIndex(ctx, false)
}

// RefreshIndex crawls from the root URLs breadth-first up to the depth
// limit. Pages whose conditional fetch returns 304 keep their indexed
// form; pages that fail individually are logged and skipped so one bad
// page cannot fail the whole crawl. force fetches every page
// unconditionally, bypassing ETag and Last-Modified revalidation.
func (a *WebAdapter) RefreshIndex(ctx context.Context, force bool) error {
	type queued struct {
		url   string
		depth int
	}
	queue := make([]queued, 0, len(a.cfg.RootURLs))
	for _, root := range a.cfg.RootURLs {
		queue = append(queue, queued{url: root})
	}
	visited := make(map[string]bool)
	updated := 0

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return errors.NewRequestTimeout(fmt.Sprintf("crawl of source %q interrupted", a.name))
		}
		item := queue[0]
		queue = queue[1:]
		if visited[item.url] {
			continue
		}
		visited[item.url] = true

		if !a.wantsURL(item.url) {
			continue
		}
		if a.cfg.RespectRobots && !a.robotsAllow(ctx, item.url) {
			continue
		}

		doc, links, changed, err := a.fetchPage(ctx, item.url, force)
		if err != nil {
			if errors.IsAuthFailed(err) {
				return err
			}
			a.logger.Warn("skipping page", zap.String("url", item.url), zap.Error(err))
			continue
		}
		if changed {
			rb, _ := a.extractor.Extract(doc)
			a.idx.Store(doc, rb)
			updated++
		}

		if a.cfg.FollowLinks && item.depth < a.cfg.MaxDepth {
			for _, link := range links {
				if !visited[link] {
					queue = append(queue, queued{url: link, depth: item.depth + 1})
				}
			}
		}
	}

	a.logger.Info("crawl complete",
		zap.Int("visited", len(visited)),
		zap.Int("updated", updated),
	)
	return nil
}

// compileRegexps compiles the URL include/exclude patterns, which are
// regular expressions rather than the filename globs the filesystem
// adapter uses.
func compileRegexps(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (a *WebAdapter) wantsURL(raw string) bool {
	for _, re := range a.excludes {
		if re.MatchString(raw) {
			return false
		}
	}
	if len(a.includes) == 0 {
		return true
	}
	for _, re := range a.includes {
		if re.MatchString(raw) {
			return true
		}
	}
	return false
}

// robotsAllow consults the host's robots.txt, fetching and caching it on
// first contact. An unreachable robots.txt permits crawling.
func (a *WebAdapter) robotsAllow(ctx context.Context, raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	a.crawlMu.Lock()
	data, ok := a.robots[parsed.Host]
	a.crawlMu.Unlock()

	if !ok {
		robotsURL := parsed.Scheme + "://" + parsed.Host + "/robots.txt"
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
		if reqErr == nil {
			req.Header.Set("User-Agent", webUserAgent)
			if resp, fetchErr := a.client.Do(req); fetchErr == nil {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					data, _ = robotstxt.FromBytes(body)
				}
			}
		}
		a.crawlMu.Lock()
		a.robots[parsed.Host] = data
		a.crawlMu.Unlock()
	}

	if data == nil {
		return true
	}
	return data.TestAgent(parsed.Path, webUserAgent)
}

// fetchPage retrieves one page under the host's rate bucket and extracts
// its text and outbound links. changed is false on a 304 revalidation;
// force fetches unconditionally.
func (a *WebAdapter) fetchPage(ctx context.Context, raw string, force bool) (domain.Document, []string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return domain.Document{}, nil, false, errors.NewValidation(fmt.Sprintf("bad url %q", raw))
	}
	if err := a.hosts.Get(parsed.Host).Wait(ctx); err != nil {
		return domain.Document{}, nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return domain.Document{}, nil, false, errors.NewValidation(fmt.Sprintf("bad url %q", raw))
	}
	req.Header.Set("User-Agent", webUserAgent)
	a.decorate(req)

	a.crawlMu.Lock()
	stamp, hasStamp := a.stamps[raw]
	a.crawlMu.Unlock()
	if hasStamp && !force {
		if stamp.etag != "" {
			req.Header.Set("If-None-Match", stamp.etag)
		}
		if stamp.lastModified != "" {
			req.Header.Set("If-Modified-Since", stamp.lastModified)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return domain.Document{}, nil, false, errors.NewRequestTimeout(fmt.Sprintf("fetch %s timed out", raw))
		}
		return domain.Document{}, nil, false, errors.NewServiceUnavailable(fmt.Sprintf("fetch %s: %v", raw, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return domain.Document{}, nil, false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Document{}, nil, false, errors.NewAuthFailed(a.name, fmt.Errorf("%s returned %d", raw, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.Document{}, nil, false, errors.NewRateLimited(a.name)
	case resp.StatusCode >= 500:
		return domain.Document{}, nil, false, errors.NewServiceUnavailable(fmt.Sprintf("%s returned %d", raw, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return domain.Document{}, nil, false, errors.NewNotFound(fmt.Sprintf("%s returned %d", raw, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.Document{}, nil, false, errors.NewServiceUnavailable(fmt.Sprintf("read %s: %v", raw, err))
	}

	title, text, links := a.extractHTML(string(body), parsed)
	lastModified := time.Now()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, parseErr := http.ParseTime(lm); parseErr == nil {
			lastModified = t
		}
	}

	a.crawlMu.Lock()
	a.stamps[raw] = pageStamp{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	a.crawlMu.Unlock()

	doc := domain.Document{
		ID:           pageID(parsed),
		Title:        title,
		Content:      text,
		Source:       a.name,
		SourceKind:   a.Kind(),
		URI:          raw,
		Category:     runbook.Classify(title, text),
		LastModified: lastModified,
		Metadata: map[string]string{
			"quality": fmt.Sprintf("%.2f", runbook.ContentQuality(text)),
		},
	}
	return doc, links, true, nil
}

// pageID derives a stable source-local id from the URL.
func pageID(u *url.URL) string {
	id := strings.Trim(u.Path, "/")
	if id == "" {
		id = "index"
	}
	return u.Host + "/" + id
}

// extractHTML walks the parse tree collecting visible text, the title,
// and same-host links, skipping the configured strip list.
func (a *WebAdapter) extractHTML(raw string, base *url.URL) (title, text string, links []string) {
	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", raw, nil
	}

	strip := map[string]bool{"script": true, "style": true, "nav": true, "footer": true}
	for _, el := range a.cfg.StripElements {
		strip[strings.ToLower(el)] = true
	}

	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			name := strings.ToLower(n.Data)
			if strip[name] {
				return
			}
			if name == "title" && title == "" && n.FirstChild != nil {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			if name == "a" {
				for _, attr := range n.Attr {
					if attr.Key != "href" {
						continue
					}
					if resolved := resolveLink(base, attr.Val); resolved != "" {
						links = append(links, resolved)
					}
				}
			}
		case html.TextNode:
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				buf.WriteString(trimmed)
				buf.WriteByte('\n')
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return title, buf.String(), links
}

// resolveLink resolves href against the page URL and keeps only same-host
// http(s) links with fragments dropped.
func resolveLink(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	if resolved.Host != base.Host {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

func (a *WebAdapter) Search(ctx context.Context, query string, filters domain.SearchFilters) ([]domain.Document, error) {
	return a.idx.Search(a.name, query, filters)
}

func (a *WebAdapter) SearchRunbooks(ctx context.Context, alert domain.AlertContext) ([]*domain.Runbook, error) {
	return a.idx.SearchRunbooks(alert), nil
}

func (a *WebAdapter) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return a.idx.Get(a.name, id)
}

// HealthCheck issues a HEAD to the first root URL.
func (a *WebAdapter) HealthCheck(ctx context.Context) domain.HealthSnapshot {
	if len(a.cfg.RootURLs) == 0 {
		return domain.HealthSnapshot{Healthy: false, Error: "no root urls configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.RootURLs[0], nil)
	if err != nil {
		return domain.HealthSnapshot{Healthy: false, Error: err.Error()}
	}
	req.Header.Set("User-Agent", webUserAgent)
	a.decorate(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.HealthSnapshot{Healthy: false, Error: err.Error()}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return domain.HealthSnapshot{
			Healthy: false,
			Error:   fmt.Sprintf("root url returned %d", resp.StatusCode),
		}
	}
	return domain.HealthSnapshot{Healthy: true}
}

func (a *WebAdapter) Metadata() domain.SourceMetadata {
	return domain.SourceMetadata{
		Name:          a.name,
		Kind:          a.Kind(),
		DocumentCount: a.idx.Len(),
	}
}

func (a *WebAdapter) Cleanup() error {
	a.client.CloseIdleConnections()
	return nil
}
