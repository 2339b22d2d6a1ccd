package runbook

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"opskb-backend/internal/domain"
)

// Extractor decides whether a document represents a runbook and, when it
// does, parses it into the runbook schema.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

var (
	headingRe     = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	stepLineRe    = regexp.MustCompile(`(?i)^\s*(?:(\d+)\.\s+|step\s+(\d+)\s*:)\s*(.+)$`)
	bulletRe      = regexp.MustCompile(`^\s*[-*]\s+(.+)$`)
	conditionalRe = regexp.MustCompile(`(?i)^(?:if\s+)?(.+?)\s*(?:->|:|then)\s*(.+)$`)
	nonIdentRe    = regexp.MustCompile(`[^a-z0-9]+`)
)

// Extract parses the document. The second return is false when the
// document is not a runbook or is malformed; malformed structured
// runbooks are logged and dropped.
func (e *Extractor) Extract(doc domain.Document) (*domain.Runbook, bool) {
	if strings.HasPrefix(strings.TrimSpace(doc.Content), "{") {
		return e.extractJSON(doc)
	}
	return e.extractMarkdown(doc)
}

func (e *Extractor) extractJSON(doc domain.Document) (*domain.Runbook, bool) {
	data := []byte(doc.Content)
	if !domain.LooksLikeRunbookJSON(data) {
		return nil, false
	}
	rb, err := domain.DecodeRunbook(data)
	if err != nil {
		e.logger.Warn("dropping malformed runbook JSON",
			zap.String("document", doc.GlobalID()),
			zap.Error(err),
		)
		return nil, false
	}
	rb.Source = doc.Source
	rb.URI = doc.URI
	rb.LastModified = doc.LastModified
	return rb, true
}

func (e *Extractor) extractMarkdown(doc domain.Document) (*domain.Runbook, bool) {
	_, body := ParseFrontMatter(doc.Content)
	title := doc.Title
	if m := headingRe.FindStringSubmatch(body); m != nil && title == "" {
		title = strings.TrimSpace(m[2])
	}

	if !isMarkdownRunbook(title, body) {
		return nil, false
	}

	procedures := parseProcedures(body)
	if len(procedures) == 0 {
		return nil, false
	}

	rb := &domain.Runbook{
		ID:           slug(doc.ID),
		Title:        title,
		Version:      "1.0.0",
		Triggers:     parseTriggers(doc, title),
		Procedures:   procedures,
		Source:       doc.Source,
		URI:          doc.URI,
		LastModified: doc.LastModified,
	}

	if tree := parseDecisionTree(body, rb); tree != nil {
		rb.DecisionTree = tree
	} else {
		rb.DecisionTree = synthesizeLinearTree(procedures)
	}

	if err := rb.Validate(); err != nil {
		e.logger.Warn("dropping runbook extracted from markdown",
			zap.String("document", doc.GlobalID()),
			zap.Error(err),
		)
		return nil, false
	}
	return rb, true
}

// isMarkdownRunbook applies the acceptance rules: a runbook-ish heading,
// or numbered steps combined with a severity keyword.
func isMarkdownRunbook(title, body string) bool {
	for _, m := range headingRe.FindAllStringSubmatch(body, -1) {
		if containsAny(strings.ToLower(m[2]), runbookWords) {
			return true
		}
	}
	if containsAny(strings.ToLower(title), runbookWords) {
		return true
	}
	return hasNumberedSteps(body) && hasSeverityKeyword(body)
}

// parseTriggers derives triggers from front matter, falling back to the
// title (or document id) as alert type.
func parseTriggers(doc domain.Document, title string) []domain.Trigger {
	meta, _ := ParseFrontMatter(doc.Content)

	fallback := slug(title)
	if fallback == "" {
		fallback = slug(doc.ID)
	}
	trigger := domain.Trigger{AlertType: fallback}
	if alertType, ok := meta["alert_type"]; ok {
		trigger.AlertType = alertType
	}
	if systems, ok := meta["systems"]; ok {
		for _, s := range strings.Split(systems, ",") {
			if s = strings.TrimSpace(s); s != "" {
				trigger.Systems = append(trigger.Systems, s)
			}
		}
	}
	if sev, ok := meta["severity"]; ok {
		for _, s := range strings.Split(sev, ",") {
			level := domain.Severity(strings.ToLower(strings.TrimSpace(s)))
			if domain.ValidSeverity(level) {
				trigger.Severities = append(trigger.Severities, level)
			}
		}
	}
	return []domain.Trigger{trigger}
}

// parseProcedures walks heading sections; each section containing
// numbered steps becomes one procedure. Commands come from fenced code
// blocks immediately following a step line.
func parseProcedures(body string) []domain.Procedure {
	sections := splitSections(body)
	var procedures []domain.Procedure

	for _, section := range sections {
		if strings.Contains(strings.ToLower(section.heading), "decision tree") {
			continue
		}
		steps := parseSteps(section.lines)
		if len(steps) == 0 {
			continue
		}
		name := section.heading
		if name == "" {
			name = "Procedure"
		}
		procedures = append(procedures, domain.Procedure{
			ID:    slug(name),
			Name:  name,
			Steps: steps,
		})
	}
	return procedures
}

type section struct {
	heading string
	lines   []string
}

func splitSections(body string) []section {
	var sections []section
	current := section{}
	for _, line := range strings.Split(body, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			if len(current.lines) > 0 || current.heading != "" {
				sections = append(sections, current)
			}
			current = section{heading: strings.TrimSpace(m[2])}
			continue
		}
		current.lines = append(current.lines, line)
	}
	if len(current.lines) > 0 || current.heading != "" {
		sections = append(sections, current)
	}
	return sections
}

func parseSteps(lines []string) []domain.ProcedureStep {
	var steps []domain.ProcedureStep
	for i := 0; i < len(lines); i++ {
		m := stepLineRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		step := domain.ProcedureStep{Action: strings.TrimSpace(m[3])}

		// A fenced code block immediately after the step is its command.
		j := i + 1
		for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
			j++
		}
		if j < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[j]), "```") {
			var command []string
			for j++; j < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[j]), "```"); j++ {
				command = append(command, lines[j])
			}
			step.Command = strings.TrimSpace(strings.Join(command, "\n"))
			i = j
		}
		steps = append(steps, step)
	}
	return steps
}

// parseDecisionTree reads a "Decision Tree" section of bulleted
// conditionals into a chained predicate tree. Returns nil when the
// section is absent or unusable.
func parseDecisionTree(body string, rb *domain.Runbook) *domain.DecisionTree {
	for _, sec := range splitSections(body) {
		if !strings.Contains(strings.ToLower(sec.heading), "decision tree") {
			continue
		}

		type conditional struct{ condition, action string }
		var conditionals []conditional
		for _, line := range sec.lines {
			bm := bulletRe.FindStringSubmatch(line)
			if bm == nil {
				continue
			}
			cm := conditionalRe.FindStringSubmatch(bm[1])
			if cm == nil {
				continue
			}
			conditionals = append(conditionals, conditional{
				condition: strings.TrimSpace(cm[1]),
				action:    resolveAction(strings.TrimSpace(cm[2]), rb),
			})
		}
		if len(conditionals) == 0 {
			return nil
		}

		var root, prev *domain.DecisionNode
		for _, c := range conditionals {
			node := &domain.DecisionNode{
				Condition: c.condition,
				Branches:  map[string]*domain.DecisionNode{"yes": {Action: c.action}},
			}
			if prev == nil {
				root = node
			} else {
				prev.Branches["no"] = node
			}
			prev = node
		}
		prev.Branches["no"] = &domain.DecisionNode{Action: "escalate"}
		return &domain.DecisionTree{Root: root}
	}
	return nil
}

// resolveAction maps a free-form action phrase onto a procedure id or an
// escalation verb; unresolvable actions escalate with the phrase kept as
// a hint.
func resolveAction(action string, rb *domain.Runbook) string {
	if domain.IsEscalationVerb(slug(action)) {
		return slug(action)
	}
	if p := rb.Procedure(action); p != nil {
		return p.ID
	}
	if p := rb.Procedure(slug(action)); p != nil {
		return p.ID
	}
	for i := range rb.Procedures {
		if strings.EqualFold(rb.Procedures[i].Name, action) {
			return rb.Procedures[i].ID
		}
	}
	return "escalate"
}

// synthesizeLinearTree builds the "all procedures in order" tree used
// when a document has no explicit decision tree.
func synthesizeLinearTree(procedures []domain.Procedure) *domain.DecisionTree {
	if len(procedures) == 0 {
		return nil
	}
	hints := make([]string, 0, len(procedures))
	for _, p := range procedures[1:] {
		hints = append(hints, p.ID)
	}
	hints = append(hints, "escalate")

	return &domain.DecisionTree{Root: &domain.DecisionNode{
		Condition: "alert condition confirmed",
		Branches: map[string]*domain.DecisionNode{
			"yes": {Action: procedures[0].ID, NextSteps: hints},
			"no":  {Action: "monitor"},
		},
	}}
}

// slug normalizes an identifier: lowercase, non-alphanumerics collapsed
// to underscores.
func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonIdentRe.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}
