// Package tools exposes the fixed tool vocabulary to both ingresses. Each
// tool validates its input, invokes the query engine or the source
// registry, and shapes the response envelope.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"opskb-backend/internal/adapters"
	"opskb-backend/internal/cache"
	"opskb-backend/internal/domain"
	"opskb-backend/internal/engine"
	"opskb-backend/internal/feedback"
	"opskb-backend/pkg/api"
	"opskb-backend/pkg/config"
	"opskb-backend/pkg/errors"
	"opskb-backend/pkg/observability"
)

// Tool names, the fixed vocabulary.
const (
	ToolSearchRunbooks    = "search_runbooks"
	ToolGetDecisionTree   = "get_decision_tree"
	ToolGetProcedure      = "get_procedure"
	ToolGetEscalationPath = "get_escalation_path"
	ToolListSources       = "list_sources"
	ToolSearchKnowledge   = "search_knowledge_base"
	ToolRecordFeedback    = "record_resolution_feedback"
)

// ToolNames lists every dispatchable tool in a stable order.
func ToolNames() []string {
	return []string{
		ToolSearchRunbooks,
		ToolGetDecisionTree,
		ToolGetProcedure,
		ToolGetEscalationPath,
		ToolListSources,
		ToolSearchKnowledge,
		ToolRecordFeedback,
	}
}

const defaultMaxResults = 10

// Dispatcher routes tool invocations. It is safe for concurrent use.
type Dispatcher struct {
	engine   *engine.Engine
	registry *adapters.Registry
	cache    *cache.HybridCache
	feedback *feedback.Log
	ladder   []config.EscalationLevel
	validate *validator.Validate
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewDispatcher wires the dispatcher. cache, feedback, and metrics may be
// nil; the corresponding tools then skip caching, fail feedback recording,
// and skip instrumentation respectively.
func NewDispatcher(
	eng *engine.Engine,
	registry *adapters.Registry,
	hybrid *cache.HybridCache,
	feedbackLog *feedback.Log,
	ladder []config.EscalationLevel,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(ladder) == 0 {
		ladder = config.DefaultEscalationLevels()
	}
	return &Dispatcher{
		engine:   eng,
		registry: registry,
		cache:    hybrid,
		feedback: feedbackLog,
		ladder:   ladder,
		validate: validator.New(),
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "tools")),
	}
}

// Dispatch runs one tool invocation and always returns a complete
// envelope; errors are shaped, never propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, tool string, args json.RawMessage, correlationID string) api.Response {
	start := time.Now()
	data, meta, err := d.route(ctx, tool, args)
	meta.CorrelationID = correlationID
	meta.ExecutionTimeMs = time.Since(start).Milliseconds()

	if d.metrics != nil {
		d.metrics.ObserveTool(tool, time.Since(start), err)
	}
	if err != nil {
		d.logger.Warn("tool call failed",
			zap.String("tool", tool),
			zap.String("correlation_id", correlationID),
			zap.String("code", string(errors.CodeOf(err))),
			zap.Error(err))
		return api.Failure(err, meta)
	}
	return api.Success(data, meta)
}

func (d *Dispatcher) route(ctx context.Context, tool string, args json.RawMessage) (any, api.Metadata, error) {
	switch tool {
	case ToolSearchRunbooks:
		return d.searchRunbooks(ctx, args)
	case ToolGetDecisionTree:
		return d.getDecisionTree(ctx, args)
	case ToolGetProcedure:
		return d.getProcedure(ctx, args)
	case ToolGetEscalationPath:
		return d.getEscalationPath(ctx, args)
	case ToolListSources:
		return d.listSources(ctx)
	case ToolSearchKnowledge:
		return d.searchKnowledgeBase(ctx, args)
	case ToolRecordFeedback:
		return d.recordFeedback(ctx, args)
	default:
		return nil, api.Metadata{}, errors.NewValidation(
			fmt.Sprintf("unknown tool %q; available tools: %s", tool, strings.Join(ToolNames(), ", ")))
	}
}

// decodeInto unmarshals and validates tool arguments.
func (d *Dispatcher) decodeInto(args json.RawMessage, in any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, in); err != nil {
		return errors.NewValidation(fmt.Sprintf("malformed arguments: %v", err))
	}
	if err := d.validate.Struct(in); err != nil {
		return errors.NewValidation(fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

// SearchRunbooksResult is the search_runbooks payload.
type SearchRunbooksResult struct {
	Runbooks   []engine.RunbookMatch `json:"runbooks"`
	TotalCount int                   `json:"total_count"`
}

func (d *Dispatcher) searchRunbooks(ctx context.Context, args json.RawMessage) (any, api.Metadata, error) {
	var in SearchRunbooksInput
	if err := d.decodeInto(args, &in); err != nil {
		return nil, api.Metadata{}, err
	}
	maxResults := in.MaxResults
	if maxResults == 0 {
		maxResults = defaultMaxResults
	}

	matches, outcome, err := d.engine.SearchRunbooks(ctx, in.alert(), maxResults)
	meta := metadataFrom(outcome)
	if err != nil {
		return nil, meta, err
	}
	if len(matches) > 0 {
		meta.ConfidenceScore = matches[0].Confidence
		meta.MatchReasons = matches[0].MatchReasons
	}
	return SearchRunbooksResult{Runbooks: matches, TotalCount: len(matches)}, meta, nil
}

func (d *Dispatcher) getDecisionTree(ctx context.Context, args json.RawMessage) (any, api.Metadata, error) {
	var in GetDecisionTreeInput
	if err := d.decodeInto(args, &in); err != nil {
		return nil, api.Metadata{}, err
	}

	key := engine.Fingerprint(ToolGetDecisionTree, in)
	if payload, ok := d.cacheGet(ctx, cache.ContentDecisionTrees, key); ok {
		var view DecisionTreeView
		if json.Unmarshal(payload, &view) == nil {
			return view, api.Metadata{CacheHit: true, ConfidenceScore: view.Confidence}, nil
		}
	}

	matches, outcome, err := d.engine.SearchRunbooks(ctx, in.alert(), 5)
	meta := metadataFrom(outcome)
	if err != nil {
		return nil, meta, err
	}
	for _, match := range matches {
		if match.Runbook.DecisionTree == nil || match.Runbook.DecisionTree.Root == nil {
			continue
		}
		view := buildTreeView(match.Runbook, match.Confidence, in.AgentState.state())
		meta.ConfidenceScore = match.Confidence
		meta.MatchReasons = match.MatchReasons
		meta.Source = match.Source
		if !outcome.Degraded {
			d.cachePut(ctx, cache.ContentDecisionTrees, key, view)
		}
		return view, meta, nil
	}
	return nil, meta, errors.NewNotFound(
		fmt.Sprintf("no runbook with a decision tree matches alert type %q", in.AlertType))
}

// ProcedureResult is the get_procedure payload.
type ProcedureResult struct {
	RunbookID string           `json:"runbook_id"`
	Procedure domain.Procedure `json:"procedure"`
}

func (d *Dispatcher) getProcedure(ctx context.Context, args json.RawMessage) (any, api.Metadata, error) {
	var in GetProcedureInput
	if err := d.decodeInto(args, &in); err != nil {
		return nil, api.Metadata{}, err
	}

	key := engine.Fingerprint(ToolGetProcedure, in)
	if payload, ok := d.cacheGet(ctx, cache.ContentProcedures, key); ok {
		var result ProcedureResult
		if json.Unmarshal(payload, &result) == nil {
			return result, api.Metadata{CacheHit: true}, nil
		}
	}

	match, outcome, err := d.engine.FindRunbook(ctx, in.RunbookID)
	meta := metadataFrom(outcome)
	if err != nil {
		return nil, meta, err
	}

	wanted := in.ProcedureID
	if wanted == "" {
		wanted = in.StepName
	}
	procedure := match.Runbook.Procedure(wanted)
	if procedure == nil {
		return nil, meta, errors.NewNotFound(
			fmt.Sprintf("runbook %q has no procedure %q", in.RunbookID, wanted))
	}

	result := ProcedureResult{RunbookID: match.Runbook.ID, Procedure: *procedure}
	meta.ConfidenceScore = match.Confidence
	meta.Source = match.Source
	if !outcome.Degraded {
		d.cachePut(ctx, cache.ContentProcedures, key, result)
	}
	return result, meta, nil
}

func (d *Dispatcher) getEscalationPath(_ context.Context, args json.RawMessage) (any, api.Metadata, error) {
	var in GetEscalationPathInput
	if err := d.decodeInto(args, &in); err != nil {
		return nil, api.Metadata{}, err
	}
	return resolveEscalation(d.ladder, in), api.Metadata{}, nil
}

// SourceStatus is one entry of the list_sources payload.
type SourceStatus struct {
	domain.SourceMetadata
	Healthy      bool      `json:"healthy"`
	BreakerState string    `json:"breaker_state"`
	LastCheck    time.Time `json:"last_check"`
	Error        string    `json:"error,omitempty"`
}

// ListSourcesResult is the list_sources payload.
type ListSourcesResult struct {
	Sources    []SourceStatus `json:"sources"`
	TotalCount int            `json:"total_count"`
}

func (d *Dispatcher) listSources(ctx context.Context) (any, api.Metadata, error) {
	result := ListSourcesResult{Sources: []SourceStatus{}}
	if d.registry == nil {
		return result, api.Metadata{}, nil
	}

	snapshots := d.registry.Health(ctx)
	for _, meta := range d.registry.Metadata() {
		status := SourceStatus{SourceMetadata: meta}
		if snapshot, ok := snapshots[meta.Name]; ok {
			status.Healthy = snapshot.Healthy
			status.LastCheck = snapshot.LastCheck
			status.Error = snapshot.Error
		}
		if guard, ok := d.registry.Get(meta.Name); ok {
			status.BreakerState = guard.BreakerState()
		}
		result.Sources = append(result.Sources, status)
	}
	result.TotalCount = len(result.Sources)
	return result, api.Metadata{}, nil
}

// SearchKnowledgeBaseResult is the search_knowledge_base payload.
type SearchKnowledgeBaseResult struct {
	Results    []domain.SearchResult `json:"results"`
	TotalCount int                   `json:"total_count"`
}

func (d *Dispatcher) searchKnowledgeBase(ctx context.Context, args json.RawMessage) (any, api.Metadata, error) {
	var in SearchKnowledgeBaseInput
	if err := d.decodeInto(args, &in); err != nil {
		return nil, api.Metadata{}, err
	}

	results, outcome, err := d.engine.SearchKnowledgeBase(ctx, in.Query, in.filters())
	meta := metadataFrom(outcome)
	if err != nil {
		return nil, meta, err
	}
	if len(results) > 0 {
		meta.ConfidenceScore = results[0].Confidence
		meta.MatchReasons = results[0].MatchReasons
	}
	return SearchKnowledgeBaseResult{Results: results, TotalCount: len(results)}, meta, nil
}

// FeedbackAck is the record_resolution_feedback payload.
type FeedbackAck struct {
	Recorded  bool      `json:"recorded"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *Dispatcher) recordFeedback(_ context.Context, args json.RawMessage) (any, api.Metadata, error) {
	var in RecordResolutionFeedbackInput
	if err := d.decodeInto(args, &in); err != nil {
		return nil, api.Metadata{}, err
	}
	if d.feedback == nil {
		return nil, api.Metadata{}, errors.NewServiceUnavailable("feedback log is not configured")
	}

	record, err := d.feedback.Append(feedback.Record{
		RunbookID:             in.RunbookID,
		ProcedureID:           in.ProcedureID,
		Outcome:               feedback.Outcome(in.Outcome),
		ResolutionTimeMinutes: in.ResolutionTimeMinutes,
		Notes:                 in.Notes,
	})
	if err != nil {
		return nil, api.Metadata{}, err
	}
	return FeedbackAck{Recorded: true, Timestamp: record.Timestamp}, api.Metadata{}, nil
}

func metadataFrom(outcome engine.Outcome) api.Metadata {
	sources := outcome.Sources
	sort.Strings(sources)
	return api.Metadata{
		CacheHit:      outcome.CacheHit,
		Degraded:      outcome.Degraded,
		Source:        strings.Join(sources, ","),
		AdapterErrors: outcome.AdapterErrors,
	}
}

func (d *Dispatcher) cacheGet(ctx context.Context, contentType, key string) ([]byte, bool) {
	if d.cache == nil {
		return nil, false
	}
	return d.cache.Get(ctx, contentType, key)
}

func (d *Dispatcher) cachePut(ctx context.Context, contentType, key string, value any) {
	if d.cache == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		d.logger.Warn("tool result not cacheable", zap.Error(err))
		return
	}
	d.cache.Set(ctx, contentType, key, payload)
}
