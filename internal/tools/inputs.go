package tools

import (
	"time"

	"opskb-backend/internal/domain"
)

// SearchRunbooksInput selects runbooks for an alert.
type SearchRunbooksInput struct {
	AlertType       string            `json:"alert_type" validate:"required"`
	Severity        string            `json:"severity" validate:"omitempty,oneof=low medium high critical"`
	AffectedSystems []string          `json:"affected_systems"`
	Context         map[string]string `json:"context"`
	MaxResults      int               `json:"max_results" validate:"omitempty,min=1,max=50"`
}

func (in SearchRunbooksInput) alert() domain.AlertContext {
	return domain.AlertContext{
		AlertType:       in.AlertType,
		Severity:        domain.Severity(in.Severity),
		AffectedSystems: in.AffectedSystems,
		Context:         in.Context,
	}
}

// AgentStateInput is what the caller already tried.
type AgentStateInput struct {
	AttemptedSteps []string `json:"attempted_steps"`
	ElapsedMinutes int      `json:"elapsed_minutes" validate:"omitempty,min=0"`
	BusinessHours  bool     `json:"business_hours"`
}

func (in *AgentStateInput) state() *domain.AgentState {
	if in == nil {
		return nil
	}
	return &domain.AgentState{
		AttemptedSteps: in.AttemptedSteps,
		ElapsedTime:    time.Duration(in.ElapsedMinutes) * time.Minute,
		BusinessHours:  in.BusinessHours,
	}
}

// GetDecisionTreeInput selects the decision tree for an alert.
type GetDecisionTreeInput struct {
	AlertType       string           `json:"alert_type" validate:"required"`
	Severity        string           `json:"severity" validate:"omitempty,oneof=low medium high critical"`
	AffectedSystems []string         `json:"affected_systems"`
	AgentState      *AgentStateInput `json:"agent_state"`
}

func (in GetDecisionTreeInput) alert() domain.AlertContext {
	return domain.AlertContext{
		AlertType:       in.AlertType,
		Severity:        domain.Severity(in.Severity),
		AffectedSystems: in.AffectedSystems,
		AgentState:      in.AgentState.state(),
	}
}

// GetProcedureInput addresses one procedure inside a runbook. Either the
// procedure id or the step name must be supplied.
type GetProcedureInput struct {
	RunbookID   string `json:"runbook_id" validate:"required"`
	ProcedureID string `json:"procedure_id" validate:"required_without=StepName"`
	StepName    string `json:"step_name" validate:"required_without=ProcedureID"`
}

// GetEscalationPathInput selects the escalation ladder for a severity.
type GetEscalationPathInput struct {
	Severity       string `json:"severity" validate:"required,oneof=low medium high critical"`
	BusinessHours  bool   `json:"business_hours"`
	FailedAttempts int    `json:"failed_attempts" validate:"omitempty,min=0"`
	ElapsedMinutes int    `json:"elapsed_minutes" validate:"omitempty,min=0"`
}

// SearchKnowledgeBaseInput is a free-text search across every source.
type SearchKnowledgeBaseInput struct {
	Query         string   `json:"query" validate:"required,min=2"`
	Categories    []string `json:"categories" validate:"omitempty,dive,oneof=runbook procedure decision-tree api guide general"`
	MaxAgeDays    int      `json:"max_age_days" validate:"omitempty,min=1"`
	MaxResults    int      `json:"max_results" validate:"omitempty,min=1,max=50"`
	MinConfidence float64  `json:"min_confidence" validate:"omitempty,min=0,max=1"`
}

func (in SearchKnowledgeBaseInput) filters() domain.SearchFilters {
	filters := domain.SearchFilters{
		MinConfidence: in.MinConfidence,
		MaxResults:    in.MaxResults,
	}
	for _, c := range in.Categories {
		filters.Categories = append(filters.Categories, domain.Category(c))
	}
	if in.MaxAgeDays > 0 {
		filters.MaxAge = time.Duration(in.MaxAgeDays) * 24 * time.Hour
	}
	return filters
}

// RecordResolutionFeedbackInput reports how a runbook worked out.
type RecordResolutionFeedbackInput struct {
	RunbookID             string `json:"runbook_id" validate:"required"`
	ProcedureID           string `json:"procedure_id"`
	Outcome               string `json:"outcome" validate:"required,oneof=success partial_success failure"`
	ResolutionTimeMinutes int    `json:"resolution_time_minutes" validate:"omitempty,min=0"`
	Notes                 string `json:"notes" validate:"omitempty,max=4096"`
}
