package runbook

import (
	"regexp"
	"strings"

	"opskb-backend/internal/domain"
)

var (
	numberedStepRe = regexp.MustCompile(`(?mi)^\s*(?:\d+\.\s+|step\s+\d+\s*:)\s*\S`)
	codeFenceRe    = regexp.MustCompile("(?m)^```")
	severityWords  = []string{"critical", "high severity", "medium severity", "low severity", "severity", "sev1", "sev2", "p0", "p1", "incident"}
	runbookWords   = []string{"runbook", "procedure", "alert response"}
	apiWords       = []string{"endpoint", "request", "response", "api reference", "status code"}
	treeWords      = []string{"decision tree", "if ", "branch"}
)

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// hasNumberedSteps reports whether the content carries a numbered-step
// block.
func hasNumberedSteps(content string) bool {
	return numberedStepRe.MatchString(content)
}

// hasSeverityKeyword reports whether the content mentions a severity term.
func hasSeverityKeyword(content string) bool {
	return containsAny(strings.ToLower(content), severityWords)
}

// Classify assigns a category from structural features: numbered steps,
// code blocks, severity keywords, and heading vocabulary.
func Classify(title, content string) domain.Category {
	lowerTitle := strings.ToLower(title)
	lowerContent := strings.ToLower(content)

	switch {
	case containsAny(lowerTitle, runbookWords) && hasSeverityKeyword(content):
		return domain.CategoryRunbook
	case strings.Contains(lowerTitle, "runbook"):
		return domain.CategoryRunbook
	case strings.Contains(lowerTitle, "decision tree") || strings.Contains(lowerContent, "## decision tree"):
		return domain.CategoryDecisionTree
	case strings.Contains(lowerTitle, "procedure") || (hasNumberedSteps(content) && codeFenceRe.MatchString(content)):
		return domain.CategoryProcedure
	case containsAny(lowerTitle, apiWords) || containsAny(lowerContent, []string{"get /", "post /", "http 200"}):
		return domain.CategoryAPI
	case hasNumberedSteps(content) && hasSeverityKeyword(content):
		return domain.CategoryRunbook
	case strings.Contains(lowerTitle, "guide") || strings.Contains(lowerTitle, "how to"):
		return domain.CategoryGuide
	default:
		return domain.CategoryGeneral
	}
}

// ContentQuality scores how much operational substance a document carries,
// in [0,1]. Used by the web adapter to rank extracted pages.
func ContentQuality(content string) float64 {
	score := 0.0
	if len(content) > 200 {
		score += 0.25
	}
	if hasNumberedSteps(content) {
		score += 0.25
	}
	if codeFenceRe.MatchString(content) {
		score += 0.25
	}
	if hasSeverityKeyword(content) {
		score += 0.25
	}
	return score
}
