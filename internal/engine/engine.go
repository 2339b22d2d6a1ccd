package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"opskb-backend/internal/adapters"
	"opskb-backend/internal/cache"
	"opskb-backend/internal/domain"
	"opskb-backend/pkg/config"
	"opskb-backend/pkg/errors"
)

// RunbookMatch is one scored runbook in a ranked result set.
type RunbookMatch struct {
	Runbook      *domain.Runbook `json:"runbook"`
	Confidence   float64         `json:"confidence"`
	MatchReasons []string        `json:"match_reasons"`
	Source       string          `json:"source"`
	priority     int
}

// Outcome carries the retrieval quality signals for the response envelope.
type Outcome struct {
	CacheHit      bool              `json:"cache_hit"`
	Degraded      bool              `json:"degraded"`
	Sources       []string          `json:"sources,omitempty"`
	AdapterErrors map[string]string `json:"adapter_errors,omitempty"`
}

// Engine fans queries out across the registered sources, fuses and ranks
// the results, and fronts the whole path with the hybrid cache.
type Engine struct {
	registry *adapters.Registry
	cache    *cache.HybridCache

	adapterTimeout time.Duration
	overallTimeout time.Duration

	logger *zap.Logger
}

// New creates the engine. cache may be nil when caching is disabled.
func New(registry *adapters.Registry, hybrid *cache.HybridCache, perf config.PerformanceConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	adapterTimeout := perf.AdapterTimeout
	if adapterTimeout == 0 {
		adapterTimeout = config.DefaultAdapterTimeout
	}
	return &Engine{
		registry:       registry,
		cache:          hybrid,
		adapterTimeout: adapterTimeout,
		overallTimeout: perf.OverallTimeout,
		logger:         logger,
	}
}

// SearchRunbooks finds, fuses, and ranks runbooks for an alert.
func (e *Engine) SearchRunbooks(ctx context.Context, alert domain.AlertContext, maxResults int) ([]RunbookMatch, Outcome, error) {
	key := Fingerprint("search_runbooks", struct {
		Alert      domain.AlertContext `json:"alert"`
		MaxResults int                 `json:"max_results"`
	}{alert, maxResults})

	if payload, ok := e.cacheGet(ctx, cache.ContentRunbooks, key); ok {
		var matches []RunbookMatch
		if err := json.Unmarshal(payload, &matches); err == nil {
			return matches, Outcome{CacheHit: true}, nil
		}
	}

	collected, outcome, err := fanOut(e, ctx, func(callCtx context.Context, guard *adapters.Guard) ([]RunbookMatch, error) {
		runbooks, searchErr := guard.SearchRunbooks(callCtx, alert)
		if searchErr != nil {
			return nil, searchErr
		}
		now := time.Now()
		matches := make([]RunbookMatch, 0, len(runbooks))
		for _, rb := range runbooks {
			confidence, reasons := ScoreRunbook(alert, rb, now)
			matches = append(matches, RunbookMatch{
				Runbook:      rb,
				Confidence:   confidence,
				MatchReasons: reasons,
				Source:       guard.Name(),
				priority:     guard.Priority(),
			})
		}
		return matches, nil
	})
	if err != nil {
		return nil, outcome, err
	}

	matches := fuseRunbooks(collected)
	if maxResults > 0 && len(matches) > maxResults {
		matches = matches[:maxResults]
	}

	if !outcome.Degraded {
		e.cachePut(ctx, cache.ContentRunbooks, key, matches)
	}
	return matches, outcome, nil
}

// FindRunbook resolves one runbook by id across the sources. Warmed
// cache entries are keyed by the lowercased id, so critical runbooks
// resolve without touching any source.
func (e *Engine) FindRunbook(ctx context.Context, runbookID string) (*RunbookMatch, Outcome, error) {
	key := strings.ToLower(runbookID)
	if payload, ok := e.cacheGet(ctx, cache.ContentRunbooks, key); ok {
		var match RunbookMatch
		if err := json.Unmarshal(payload, &match); err == nil && match.Runbook != nil {
			return &match, Outcome{CacheHit: true}, nil
		}
	}

	matches, outcome, err := e.SearchRunbooks(ctx, domain.AlertContext{AlertType: runbookID}, 0)
	if err != nil {
		return nil, outcome, err
	}
	for i := range matches {
		if matches[i].Runbook.ID == runbookID {
			if !outcome.Degraded {
				e.cachePut(ctx, cache.ContentRunbooks, key, matches[i])
			}
			return &matches[i], outcome, nil
		}
	}
	return nil, outcome, errors.NewNotFound(fmt.Sprintf("runbook %q not found in any source", runbookID))
}

// SearchKnowledgeBase runs a free-text search across the sources.
func (e *Engine) SearchKnowledgeBase(ctx context.Context, query string, filters domain.SearchFilters) ([]domain.SearchResult, Outcome, error) {
	key := Fingerprint("search_knowledge_base", struct {
		Query   string               `json:"query"`
		Filters domain.SearchFilters `json:"filters"`
	}{query, filters})

	if payload, ok := e.cacheGet(ctx, cache.ContentKnowledgeBase, key); ok {
		var results []domain.SearchResult
		if err := json.Unmarshal(payload, &results); err == nil {
			for i := range results {
				results[i].CacheHit = true
			}
			return results, Outcome{CacheHit: true}, nil
		}
	}

	collected, outcome, err := fanOut(e, ctx, func(callCtx context.Context, guard *adapters.Guard) ([]domain.SearchResult, error) {
		start := time.Now()
		docs, searchErr := guard.Search(callCtx, query, filters)
		if searchErr != nil {
			return nil, searchErr
		}
		now := time.Now()
		results := make([]domain.SearchResult, 0, len(docs))
		for _, doc := range docs {
			confidence, reasons := ScoreDocument(query, doc, now)
			if filters.MinConfidence > 0 && confidence < filters.MinConfidence {
				continue
			}
			results = append(results, domain.SearchResult{
				Document:       doc,
				Confidence:     confidence,
				MatchReasons:   reasons,
				RetrievalTime:  now.Sub(start),
				SourcePriority: guard.Priority(),
			})
		}
		return results, nil
	})
	if err != nil {
		return nil, outcome, err
	}

	results := fuseDocuments(collected)
	if filters.MaxResults > 0 && len(results) > filters.MaxResults {
		results = results[:filters.MaxResults]
	}

	if !outcome.Degraded {
		e.cachePut(ctx, cache.ContentKnowledgeBase, key, results)
	}
	return results, outcome, nil
}

// GetDocument fetches a document. With a source name the named adapter is
// asked directly; without one, sources are tried in priority order.
func (e *Engine) GetDocument(ctx context.Context, source, id string) (domain.Document, Outcome, error) {
	var outcome Outcome

	if source != "" {
		guard, ok := e.registry.Get(source)
		if !ok {
			return domain.Document{}, outcome, errors.NewNotFound(fmt.Sprintf("source %q is not configured", source))
		}
		doc, err := guard.GetDocument(ctx, id)
		if err != nil {
			return domain.Document{}, outcome, err
		}
		outcome.Sources = []string{source}
		return doc, outcome, nil
	}

	eligible, skipped := e.registry.Eligible()
	for _, name := range skipped {
		outcome.Degraded = true
		annotate(&outcome, name, errors.NewCircuitOpen("adapter:"+name))
	}
	for _, guard := range eligible {
		doc, err := guard.GetDocument(ctx, id)
		if err == nil {
			outcome.Sources = []string{guard.Name()}
			return doc, outcome, nil
		}
		if !errors.IsNotFound(err) {
			outcome.Degraded = true
			annotate(&outcome, guard.Name(), err)
		}
	}
	return domain.Document{}, outcome, errors.NewNotFound(fmt.Sprintf("document %q not found in any source", id))
}

// fanOut runs one query function against every eligible adapter in
// parallel under the per-adapter and overall deadlines. Individual
// failures become metadata annotations; fan-out fails only when every
// eligible adapter errored.
func fanOut[T any](e *Engine, ctx context.Context, query func(context.Context, *adapters.Guard) ([]T, error)) ([][]T, Outcome, error) {
	var outcome Outcome

	if e.overallTimeout <= 0 {
		return nil, outcome, errors.NewRequestTimeout("overall deadline is not positive")
	}
	if deadline, ok := ctx.Deadline(); ok && !deadline.After(time.Now()) {
		return nil, outcome, errors.NewRequestTimeout("request deadline already elapsed")
	}

	overallCtx, cancel := context.WithTimeout(ctx, e.overallTimeout)
	defer cancel()

	eligible, skipped := e.registry.Eligible()
	for _, name := range skipped {
		outcome.Degraded = true
		annotate(&outcome, name, errors.NewCircuitOpen("adapter:"+name))
	}
	if len(eligible) == 0 {
		// No adapter can serve: an empty result set, degraded when
		// breakers are the reason.
		return nil, outcome, nil
	}

	var mu sync.Mutex
	collected := make([][]T, 0, len(eligible))
	succeeded := make(map[string]bool, len(eligible))
	failures := make(map[string]error)

	var wg sync.WaitGroup
	for _, guard := range eligible {
		wg.Add(1)
		go func() {
			defer wg.Done()

			release, err := e.registry.Acquire(overallCtx)
			if err != nil {
				mu.Lock()
				failures[guard.Name()] = err
				mu.Unlock()
				return
			}
			defer release()

			callCtx, callCancel := context.WithTimeout(overallCtx, e.adapterTimeout)
			defer callCancel()

			results, err := query(callCtx, guard)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[guard.Name()] = err
				return
			}
			collected = append(collected, results)
			succeeded[guard.Name()] = true
			outcome.Sources = append(outcome.Sources, guard.Name())
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-overallCtx.Done():
		// Give in-flight calls a moment to observe cancellation so their
		// failure annotations land.
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()

	for _, guard := range eligible {
		name := guard.Name()
		if succeeded[name] {
			continue
		}
		if _, failed := failures[name]; !failed {
			failures[name] = errors.NewRequestTimeout(fmt.Sprintf("source %q did not reply before the deadline", name))
		}
	}
	for name, err := range failures {
		outcome.Degraded = true
		annotate(&outcome, name, err)
	}

	if len(succeeded) == 0 {
		if overallCtx.Err() != nil {
			return nil, outcome, errors.NewRequestTimeout("no source replied before the overall deadline")
		}
		return nil, outcome, errors.NewServiceUnavailable("every eligible source failed")
	}
	sort.Strings(outcome.Sources)
	return collected, outcome, nil
}

func annotate(outcome *Outcome, source string, err error) {
	if outcome.AdapterErrors == nil {
		outcome.AdapterErrors = make(map[string]string)
	}
	outcome.AdapterErrors[source] = string(errors.CodeOf(err))
}

// fuseRunbooks de-duplicates by runbook id (highest confidence wins, then
// lowest priority number, then freshness) and ranks the result.
func fuseRunbooks(collected [][]RunbookMatch) []RunbookMatch {
	best := make(map[string]RunbookMatch)
	for _, batch := range collected {
		for _, match := range batch {
			current, exists := best[match.Runbook.ID]
			if !exists || betterRunbook(match, current) {
				best[match.Runbook.ID] = match
			}
		}
	}

	out := make([]RunbookMatch, 0, len(best))
	for _, match := range best {
		out = append(out, match)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		if !out[i].Runbook.LastModified.Equal(out[j].Runbook.LastModified) {
			return out[i].Runbook.LastModified.After(out[j].Runbook.LastModified)
		}
		return out[i].Runbook.ID < out[j].Runbook.ID
	})
	return out
}

func betterRunbook(a, b RunbookMatch) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.Runbook.LastModified.After(b.Runbook.LastModified)
}

// fuseDocuments de-duplicates by global document id and ranks by
// confidence, adapter priority, then freshness.
func fuseDocuments(collected [][]domain.SearchResult) []domain.SearchResult {
	best := make(map[string]domain.SearchResult)
	for _, batch := range collected {
		for _, result := range batch {
			key := result.Document.GlobalID()
			current, exists := best[key]
			if !exists || betterDocument(result, current) {
				best[key] = result
			}
		}
	}

	out := make([]domain.SearchResult, 0, len(best))
	for _, result := range best {
		out = append(out, result)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].SourcePriority != out[j].SourcePriority {
			return out[i].SourcePriority < out[j].SourcePriority
		}
		if !out[i].Document.LastModified.Equal(out[j].Document.LastModified) {
			return out[i].Document.LastModified.After(out[j].Document.LastModified)
		}
		return out[i].Document.GlobalID() < out[j].Document.GlobalID()
	})
	return out
}

func betterDocument(a, b domain.SearchResult) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.SourcePriority != b.SourcePriority {
		return a.SourcePriority < b.SourcePriority
	}
	return a.Document.LastModified.After(b.Document.LastModified)
}

func (e *Engine) cacheGet(ctx context.Context, contentType, key string) ([]byte, bool) {
	if e.cache == nil {
		return nil, false
	}
	return e.cache.Get(ctx, contentType, key)
}

func (e *Engine) cachePut(ctx context.Context, contentType, key string, value any) {
	if e.cache == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		e.logger.Warn("result set not cacheable", zap.Error(err))
		return
	}
	e.cache.Set(ctx, contentType, key, payload)
}
