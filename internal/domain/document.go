// Package domain defines the data model shared by adapters, the query
// engine, the cache, and the tool dispatcher.
package domain

import (
	"time"
)

// Category tags a document by its operational role.
type Category string

const (
	CategoryRunbook      Category = "runbook"
	CategoryProcedure    Category = "procedure"
	CategoryDecisionTree Category = "decision-tree"
	CategoryAPI          Category = "api"
	CategoryGuide        Category = "guide"
	CategoryGeneral      Category = "general"
)

// Severity is the alert severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is one of the four levels.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Document is one retrieved unit of documentation. The identifier is
// stable across re-indexing for the same underlying resource and is
// globally unique when prefixed by the source name.
type Document struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Content      string            `json:"content"`
	Source       string            `json:"source"`
	SourceKind   string            `json:"source_kind"`
	URI          string            `json:"uri"`
	Category     Category          `json:"category"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// GlobalID returns the source-prefixed identifier.
func (d Document) GlobalID() string {
	return d.Source + ":" + d.ID
}

// SearchResult is a document plus its retrieval quality signals.
type SearchResult struct {
	Document      Document      `json:"document"`
	Confidence    float64       `json:"confidence"`
	MatchReasons  []string      `json:"match_reasons"`
	RetrievalTime time.Duration `json:"retrieval_time"`
	CacheHit      bool          `json:"cache_hit"`
	// SourcePriority is the configured priority of the producing adapter
	// (lower wins ties).
	SourcePriority int `json:"source_priority"`
}

// SearchFilters constrain a free-text search.
type SearchFilters struct {
	Categories    []Category    `json:"categories,omitempty"`
	MinConfidence float64       `json:"min_confidence,omitempty"`
	MaxResults    int           `json:"max_results,omitempty"`
	MaxAge        time.Duration `json:"max_age,omitempty"`
}

// AgentState carries what an incident-response agent already tried.
type AgentState struct {
	AttemptedSteps []string      `json:"attempted_steps,omitempty"`
	ElapsedTime    time.Duration `json:"elapsed_time,omitempty"`
	BusinessHours  bool          `json:"business_hours"`
}

// AlertContext is the query input for runbook-oriented tools.
type AlertContext struct {
	AlertType       string            `json:"alert_type"`
	Severity        Severity          `json:"severity"`
	AffectedSystems []string          `json:"affected_systems,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	AgentState      *AgentState       `json:"agent_state,omitempty"`
}

// SourceMetadata is the getMetadata surface of an adapter.
type SourceMetadata struct {
	Name              string  `json:"name"`
	Kind              string  `json:"kind"`
	DocumentCount     int     `json:"document_count"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	SuccessRate       float64 `json:"success_rate"`
}

// HealthSnapshot reports one component's health.
type HealthSnapshot struct {
	Healthy    bool              `json:"healthy"`
	Error      string            `json:"error,omitempty"`
	LastCheck  time.Time         `json:"last_check"`
	Latency    time.Duration     `json:"latency"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
