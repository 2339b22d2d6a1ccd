package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const structuredRunbook = `{
  "id": "rb-db-cpu",
  "title": "Database CPU saturation",
  "version": "1.2.0",
  "triggers": [
    {"alert_type": "high_cpu", "severity": ["critical"], "systems": ["database"]}
  ],
  "severity_mapping": {
    "critical": {"response_time": "5m", "auto_escalate": true, "immediate_action": true}
  },
  "decision_tree": {
    "root": {
      "condition": "replica_lag > 30s",
      "branches": {
        "yes": {"action": "failover_replica"},
        "no": {"action": "investigate_queries", "next_steps": ["check slow query log"]}
      }
    }
  },
  "procedures": [
    {"id": "investigate_queries", "name": "Investigate slow queries",
     "steps": [{"action": "inspect pg_stat_activity", "command": "psql -c 'select * from pg_stat_activity'"}]},
    {"id": "failover_replica", "name": "Fail over to replica",
     "steps": [{"action": "promote replica"}]}
  ],
  "metadata": {"confidence_score": 0.92, "success_rate": 0.88}
}`

func TestDecodeStructuredRunbook(t *testing.T) {
	rb, err := DecodeRunbook([]byte(structuredRunbook))

	require.NoError(t, err)
	assert.Equal(t, "rb-db-cpu", rb.ID)
	require.Len(t, rb.Triggers, 1)
	assert.Equal(t, "high_cpu", rb.Triggers[0].AlertType)
	assert.Equal(t, []Severity{SeverityCritical}, rb.Triggers[0].Severities)
	require.NotNil(t, rb.DecisionTree.Root)
	assert.False(t, rb.DecisionTree.Root.IsTerminal())
	assert.NotNil(t, rb.Procedure("investigate_queries"))
	assert.NotNil(t, rb.Procedure("Fail over to replica"))
	assert.Nil(t, rb.Procedure("missing"))
}

func TestDecodeLegacyFlatTriggers(t *testing.T) {
	raw := `{
	  "id": "rb-legacy",
	  "title": "Legacy",
	  "triggers": ["disk_full", "disk_degraded"],
	  "procedures": [{"id": "p1", "name": "Clean up", "steps": []}]
	}`

	rb, err := DecodeRunbook([]byte(raw))

	require.NoError(t, err)
	require.Len(t, rb.Triggers, 2)
	assert.Equal(t, "disk_full", rb.Triggers[0].AlertType)
	assert.Empty(t, rb.Triggers[0].Severities)
}

func TestValidateRejectsUnknownProcedureReference(t *testing.T) {
	rb := &Runbook{
		ID:       "rb-bad",
		Triggers: []Trigger{{AlertType: "x"}},
		DecisionTree: &DecisionTree{Root: &DecisionNode{
			Condition: "always",
			Branches:  map[string]*DecisionNode{"yes": {Action: "ghost_procedure"}},
		}},
	}

	err := rb.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown procedure")
}

func TestValidateAcceptsEscalationVerbs(t *testing.T) {
	rb := &Runbook{
		ID:       "rb-esc",
		Triggers: []Trigger{{AlertType: "x"}},
		DecisionTree: &DecisionTree{Root: &DecisionNode{
			Condition: "severity == critical",
			Branches: map[string]*DecisionNode{
				"yes": {Action: "escalate_oncall"},
				"no":  {Action: "monitor"},
			},
		}},
	}

	assert.NoError(t, rb.Validate())
}

func TestValidateRejectsCycle(t *testing.T) {
	a := &DecisionNode{Condition: "a"}
	b := &DecisionNode{Condition: "b", Branches: map[string]*DecisionNode{"back": a}}
	a.Branches = map[string]*DecisionNode{"fwd": b}

	rb := &Runbook{
		ID:           "rb-cycle",
		Triggers:     []Trigger{{AlertType: "x"}},
		DecisionTree: &DecisionTree{Root: a},
	}

	err := rb.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateRejectsMissingID(t *testing.T) {
	rb := &Runbook{Triggers: []Trigger{{AlertType: "x"}}}
	assert.Error(t, rb.Validate())
}

func TestLooksLikeRunbookJSON(t *testing.T) {
	assert.True(t, LooksLikeRunbookJSON([]byte(structuredRunbook)))
	assert.False(t, LooksLikeRunbookJSON([]byte(`{"id": "x", "title": "no triggers"}`)))
	assert.False(t, LooksLikeRunbookJSON([]byte(`{invalid json`)))
	assert.False(t, LooksLikeRunbookJSON([]byte(`[1,2,3]`)))
}

func TestRunbookJSONRoundTripPreservesTree(t *testing.T) {
	rb, err := DecodeRunbook([]byte(structuredRunbook))
	require.NoError(t, err)

	encoded, err := json.Marshal(rb)
	require.NoError(t, err)

	again, err := DecodeRunbook(encoded)
	require.NoError(t, err)
	assert.Equal(t, rb.ID, again.ID)
	require.NotNil(t, again.DecisionTree.Root)
	assert.Len(t, again.DecisionTree.Root.Branches, 2)
}
