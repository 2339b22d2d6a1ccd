package tools

import (
	"sort"

	"opskb-backend/internal/domain"
)

// DecisionTreeView is the get_decision_tree payload: the matched runbook's
// tree plus a confidence per root branch.
type DecisionTreeView struct {
	RunbookID          string               `json:"runbook_id"`
	Title              string               `json:"title"`
	Confidence         float64              `json:"confidence"`
	Tree               *domain.DecisionTree `json:"decision_tree"`
	BranchConfidences  map[string]float64   `json:"branch_confidences"`
	RecommendedActions []string             `json:"recommended_actions,omitempty"`
}

// attemptedPenalty discounts branches whose actions were already tried.
const attemptedPenalty = 0.5

// buildTreeView annotates the tree with per-branch confidence. Each root
// branch starts at the runbook's match confidence; branches whose terminal
// actions were already attempted by the agent are discounted in proportion.
func buildTreeView(rb *domain.Runbook, confidence float64, state *domain.AgentState) DecisionTreeView {
	view := DecisionTreeView{
		RunbookID:         rb.ID,
		Title:             rb.Title,
		Confidence:        confidence,
		Tree:              rb.DecisionTree,
		BranchConfidences: make(map[string]float64),
	}
	if rb.DecisionTree == nil || rb.DecisionTree.Root == nil {
		return view
	}

	attempted := make(map[string]bool)
	if state != nil {
		for _, step := range state.AttemptedSteps {
			attempted[step] = true
		}
	}

	recommended := make(map[string]bool)
	for label, child := range rb.DecisionTree.Root.Branches {
		actions := collectActions(child)
		view.BranchConfidences[label] = branchConfidence(confidence, actions, attempted)
		for _, action := range actions {
			if !attempted[action] && !domain.IsEscalationVerb(action) && !recommended[action] {
				recommended[action] = true
				view.RecommendedActions = append(view.RecommendedActions, action)
			}
		}
	}
	sort.Strings(view.RecommendedActions)
	return view
}

func branchConfidence(base float64, actions []string, attempted map[string]bool) float64 {
	if len(actions) == 0 || len(attempted) == 0 {
		return base
	}
	tried := 0
	for _, action := range actions {
		if attempted[action] {
			tried++
		}
	}
	return base * (1 - attemptedPenalty*float64(tried)/float64(len(actions)))
}

// collectActions gathers the terminal actions reachable from a node.
func collectActions(node *domain.DecisionNode) []string {
	if node == nil {
		return nil
	}
	if node.IsTerminal() {
		return []string{node.Action}
	}
	var actions []string
	for _, child := range node.Branches {
		actions = append(actions, collectActions(child)...)
	}
	return actions
}
