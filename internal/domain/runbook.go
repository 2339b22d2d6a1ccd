package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Trigger binds a runbook to alert conditions.
type Trigger struct {
	AlertType  string     `json:"alert_type"`
	Severities []Severity `json:"severity,omitempty"`
	Systems    []string   `json:"systems,omitempty"`
	Conditions []string   `json:"conditions,omitempty"`
}

// UnmarshalJSON accepts both the structured trigger object and the legacy
// flat string form; a flat string decodes to an alert_type-only trigger.
func (t *Trigger) UnmarshalJSON(data []byte) error {
	var flat string
	if err := json.Unmarshal(data, &flat); err == nil {
		*t = Trigger{AlertType: flat}
		return nil
	}
	type alias Trigger
	var structured alias
	if err := json.Unmarshal(data, &structured); err != nil {
		return err
	}
	*t = Trigger(structured)
	return nil
}

// SeverityPolicy is the per-severity response policy.
type SeverityPolicy struct {
	ResponseTime    string `json:"response_time"`
	AutoEscalate    bool   `json:"auto_escalate"`
	ImmediateAction bool   `json:"immediate_action"`
}

// DecisionNode is one node in a decision tree. A node with a Condition is
// a predicate node whose Branches map labels to children; a node with an
// Action is terminal.
type DecisionNode struct {
	ID        string                   `json:"id,omitempty"`
	Condition string                   `json:"condition,omitempty"`
	Branches  map[string]*DecisionNode `json:"branches,omitempty"`
	Action    string                   `json:"action,omitempty"`
	NextSteps []string                 `json:"next_steps,omitempty"`
}

// IsTerminal reports whether the node names an action instead of branching.
func (n *DecisionNode) IsTerminal() bool {
	return n != nil && n.Action != ""
}

// DecisionTree is the conditional navigation structure of a runbook.
type DecisionTree struct {
	Root *DecisionNode `json:"root,omitempty"`
}

// ProcedureStep is one executable step of a procedure.
type ProcedureStep struct {
	Action          string        `json:"action"`
	Command         string        `json:"command,omitempty"`
	ExpectedOutcome string        `json:"expected_outcome,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

// Procedure is an ordered, executable sequence of steps.
type Procedure struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Steps           []ProcedureStep `json:"steps"`
	Prerequisites   []string        `json:"prerequisites,omitempty"`
	ToolsRequired   []string        `json:"tools_required,omitempty"`
	RollbackSteps   []string        `json:"rollback_steps,omitempty"`
	SuccessCriteria []string        `json:"success_criteria,omitempty"`
	EstimatedTime   time.Duration   `json:"estimated_time,omitempty"`
}

// RunbookMetadata carries quality signals for a runbook.
type RunbookMetadata struct {
	ConfidenceScore float64   `json:"confidence_score,omitempty"`
	SuccessRate     float64   `json:"success_rate,omitempty"`
	AvgResolution   string    `json:"avg_resolution_time,omitempty"`
	LastValidated   time.Time `json:"last_validated,omitempty"`
	Dependencies    []string  `json:"dependencies,omitempty"`
}

// Runbook is a structured operational document keyed to alert conditions.
type Runbook struct {
	ID              string                      `json:"id"`
	Title           string                      `json:"title"`
	Version         string                      `json:"version,omitempty"`
	Triggers        []Trigger                   `json:"triggers"`
	SeverityMapping map[Severity]SeverityPolicy `json:"severity_mapping,omitempty"`
	DecisionTree    *DecisionTree               `json:"decision_tree,omitempty"`
	Procedures      []Procedure                 `json:"procedures"`
	Metadata        RunbookMetadata             `json:"metadata,omitempty"`

	// Provenance, populated by the adapter that produced the runbook.
	Source       string    `json:"source,omitempty"`
	URI          string    `json:"uri,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// Procedure returns the procedure with the given id or name, or nil.
func (r *Runbook) Procedure(idOrName string) *Procedure {
	for i := range r.Procedures {
		if r.Procedures[i].ID == idOrName || r.Procedures[i].Name == idOrName {
			return &r.Procedures[i]
		}
	}
	return nil
}

// escalation verbs that a terminal action may name instead of a procedure.
var escalationVerbs = map[string]bool{
	"escalate":           true,
	"escalate_oncall":    true,
	"escalate_secondary": true,
	"escalate_manager":   true,
	"page_oncall":        true,
	"resolve":            true,
	"monitor":            true,
}

// IsEscalationVerb reports whether the action is an escalation verb rather
// than a procedure reference.
func IsEscalationVerb(action string) bool {
	return escalationVerbs[action]
}

// Validate enforces the runbook invariants: a non-empty id, at least one
// trigger, and every terminal decision-tree action resolving to either a
// known procedure or an escalation verb. The tree must be acyclic.
func (r *Runbook) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("runbook missing id")
	}
	if len(r.Triggers) == 0 {
		return fmt.Errorf("runbook %s has no triggers", r.ID)
	}
	for i, p := range r.Procedures {
		if p.ID == "" {
			return fmt.Errorf("runbook %s: procedure %d missing id", r.ID, i)
		}
	}
	if r.DecisionTree != nil && r.DecisionTree.Root != nil {
		seen := make(map[*DecisionNode]bool)
		if err := r.validateNode(r.DecisionTree.Root, seen, 0); err != nil {
			return fmt.Errorf("runbook %s: %w", r.ID, err)
		}
	}
	return nil
}

const maxTreeDepth = 64

func (r *Runbook) validateNode(node *DecisionNode, seen map[*DecisionNode]bool, depth int) error {
	if node == nil {
		return nil
	}
	if depth > maxTreeDepth {
		return fmt.Errorf("decision tree exceeds max depth %d", maxTreeDepth)
	}
	if seen[node] {
		return fmt.Errorf("decision tree contains a cycle")
	}
	seen[node] = true

	if node.IsTerminal() {
		if !IsEscalationVerb(node.Action) && r.Procedure(node.Action) == nil {
			return fmt.Errorf("decision tree action %q references unknown procedure", node.Action)
		}
		return nil
	}
	if node.Condition == "" {
		return fmt.Errorf("decision node has neither condition nor action")
	}
	for label, child := range node.Branches {
		if child == nil {
			return fmt.Errorf("branch %q has no target", label)
		}
		if err := r.validateNode(child, seen, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// DecodeRunbook parses runbook JSON and validates it.
func DecodeRunbook(data []byte) (*Runbook, error) {
	var rb Runbook
	if err := json.Unmarshal(data, &rb); err != nil {
		return nil, fmt.Errorf("decode runbook: %w", err)
	}
	if err := rb.Validate(); err != nil {
		return nil, err
	}
	return &rb, nil
}

// LooksLikeRunbookJSON reports whether the top-level JSON object carries
// the three keys that mark a structured runbook.
func LooksLikeRunbookJSON(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, hasID := probe["id"]
	_, hasTriggers := probe["triggers"]
	_, hasProcedures := probe["procedures"]
	return hasID && hasTriggers && hasProcedures
}
