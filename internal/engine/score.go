package engine

import (
	"strings"
	"time"

	"github.com/gobwas/glob"

	"opskb-backend/internal/adapters"
	"opskb-backend/internal/domain"
)

// Composite confidence weights. Contributions sum to at most 1.
const (
	weightTrigger   = 0.40
	weightSeverity  = 0.20
	weightSystems   = 0.20
	weightText      = 0.15
	weightFreshness = 0.05
)

const (
	freshnessFloor   = 180 * 24 * time.Hour
	freshnessCeiling = 7 * 24 * time.Hour
)

// ScoreRunbook computes the composite confidence of a runbook for an
// alert, with one match reason per non-zero contributor. The best trigger
// across the runbook's trigger list determines the trigger, severity, and
// system components.
func ScoreRunbook(alert domain.AlertContext, rb *domain.Runbook, now time.Time) (float64, []string) {
	var best float64
	var bestReasons []string

	for _, trigger := range rb.Triggers {
		score, reasons := scoreTrigger(alert, trigger)
		if score > best || bestReasons == nil {
			best = score
			bestReasons = reasons
		}
	}

	text := textRelevance(alert.AlertType+" "+strings.Join(alert.AffectedSystems, " "), rb.Title)
	if text > 0 {
		best += weightText * text
		bestReasons = append(bestReasons, "text relevance")
	}
	if fresh := Freshness(rb.LastModified, now); fresh > 0 {
		best += weightFreshness * fresh
		bestReasons = append(bestReasons, "recently updated")
	}
	return clamp01(best), bestReasons
}

func scoreTrigger(alert domain.AlertContext, trigger domain.Trigger) (float64, []string) {
	var score float64
	var reasons []string

	alertType := strings.ToLower(alert.AlertType)
	triggerType := strings.ToLower(trigger.AlertType)
	switch {
	case triggerType == alertType:
		score += weightTrigger
		reasons = append(reasons, "exact trigger match")
	case adapters.FuzzyMatch(triggerType, alertType):
		score += weightTrigger * 0.7
		reasons = append(reasons, "fuzzy trigger match")
	}

	if alert.Severity != "" {
		switch {
		case len(trigger.Severities) == 0:
			// Unconstrained triggers apply to every severity; half credit
			// keeps them below an explicit match.
			score += weightSeverity * 0.5
			reasons = append(reasons, "severity unconstrained")
		case containsSeverity(trigger.Severities, alert.Severity):
			score += weightSeverity
			reasons = append(reasons, "severity match")
		}
	}

	if overlap := systemOverlap(trigger.Systems, alert.AffectedSystems); overlap > 0 {
		score += weightSystems * overlap
		reasons = append(reasons, "system overlap")
	}
	return score, reasons
}

// ScoreDocument computes confidence for a free-text knowledge base result.
// With no alert to align against, text relevance carries the weight that
// trigger, severity, and system alignment carry for runbooks.
func ScoreDocument(query string, doc domain.Document, now time.Time) (float64, []string) {
	var score float64
	var reasons []string

	text := textRelevance(query, doc.Title+" "+doc.Content)
	if text > 0 {
		score += (weightTrigger + weightSeverity + weightSystems + weightText) * text
		reasons = append(reasons, "text relevance")
	}
	if strings.Contains(strings.ToLower(doc.Title), strings.ToLower(strings.TrimSpace(query))) {
		reasons = append(reasons, "title match")
	}
	if fresh := Freshness(doc.LastModified, now); fresh > 0 {
		score += weightFreshness * fresh
		reasons = append(reasons, "recently updated")
	}
	return clamp01(score), reasons
}

// Freshness maps document age onto [0,1]: zero past 180 days, one inside
// 7 days, linear between.
func Freshness(lastModified time.Time, now time.Time) float64 {
	if lastModified.IsZero() {
		return 0
	}
	age := now.Sub(lastModified)
	switch {
	case age <= freshnessCeiling:
		return 1
	case age >= freshnessFloor:
		return 0
	default:
		return float64(freshnessFloor-age) / float64(freshnessFloor-freshnessCeiling)
	}
}

// textRelevance is the fraction of query tokens found in the candidate
// text, with fuzzy half-credit for near misses.
func textRelevance(query, text string) float64 {
	queryTokens := adapters.Tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}
	textTokens := adapters.Tokenize(text)

	var matched float64
	for token := range queryTokens {
		if _, ok := textTokens[token]; ok {
			matched++
			continue
		}
		if len(token) > 4 {
			for candidate := range textTokens {
				if adapters.FuzzyMatch(token, candidate) {
					matched += 0.5
					break
				}
			}
		}
	}
	return matched / float64(len(queryTokens))
}

// systemOverlap is the Jaccard overlap between the trigger's system set
// and the alert's affected systems. Trigger entries may be glob patterns.
// Two empty sets have nothing to align and score a neutral 0.5.
func systemOverlap(triggerSystems, affected []string) float64 {
	if len(triggerSystems) == 0 && len(affected) == 0 {
		return 0.5
	}
	if len(triggerSystems) == 0 || len(affected) == 0 {
		return 0
	}

	matched := 0
	for _, system := range affected {
		lower := strings.ToLower(system)
		for _, pattern := range triggerSystems {
			patternLower := strings.ToLower(pattern)
			if patternLower == lower {
				matched++
				break
			}
			if g, err := glob.Compile(patternLower); err == nil && g.Match(lower) {
				matched++
				break
			}
		}
	}
	union := len(triggerSystems) + len(affected) - matched
	if union <= 0 {
		return 0
	}
	return float64(matched) / float64(union)
}

func containsSeverity(set []domain.Severity, s domain.Severity) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
