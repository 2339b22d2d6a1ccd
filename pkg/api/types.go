// Package api defines the response envelope shared by both ingresses
// (stdio tool protocol and HTTP/JSON API). It decouples the wire contract
// from the internal domain models.
package api

// Metadata is attached to every response, success or failure.
type Metadata struct {
	CorrelationID   string            `json:"correlation_id"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	CacheHit        bool              `json:"cache_hit"`
	Source          string            `json:"source,omitempty"`
	ConfidenceScore float64           `json:"confidence_score"`
	MatchReasons    []string          `json:"match_reasons,omitempty"`
	Degraded        bool              `json:"degraded,omitempty"`
	AdapterErrors   map[string]string `json:"adapter_errors,omitempty"`
}

// ErrorDetails carries the recovery guidance for a failed call.
type ErrorDetails struct {
	CorrelationID    string   `json:"correlation_id"`
	RecoveryActions  []string `json:"recovery_actions"`
	RetryRecommended bool     `json:"retry_recommended"`
}

// ErrorBody is the structured error surfaced to callers.
type ErrorBody struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details ErrorDetails `json:"details"`
}

// Response is the envelope for every tool invocation result.
type Response struct {
	Success  bool       `json:"success"`
	Data     any        `json:"data,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
}
