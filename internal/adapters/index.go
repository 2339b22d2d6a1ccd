package adapters

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"opskb-backend/internal/domain"
	"opskb-backend/pkg/errors"
)

// docIndex is the in-memory inverted index shared by the source adapters.
// Each adapter owns one; the registry never touches it directly.
type docIndex struct {
	mu       sync.RWMutex
	docs     map[string]domain.Document
	runbooks map[string]*domain.Runbook
	postings map[string]map[string]int
}

func newDocIndex() *docIndex {
	return &docIndex{
		docs:     make(map[string]domain.Document),
		runbooks: make(map[string]*domain.Runbook),
		postings: make(map[string]map[string]int),
	}
}

// Store replaces the document and its postings. rb may be nil for plain
// documents.
func (x *docIndex) Store(doc domain.Document, rb *domain.Runbook) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.dropLocked(doc.ID)
	x.docs[doc.ID] = doc
	for token, count := range Tokenize(doc.Title + " " + doc.Content) {
		postings, ok := x.postings[token]
		if !ok {
			postings = make(map[string]int)
			x.postings[token] = postings
		}
		postings[doc.ID] = count
	}
	if rb != nil {
		x.runbooks[doc.ID] = rb
	}
}

// Drop removes a document and its postings.
func (x *docIndex) Drop(id string) {
	x.mu.Lock()
	x.dropLocked(id)
	x.mu.Unlock()
}

func (x *docIndex) dropLocked(id string) {
	delete(x.docs, id)
	delete(x.runbooks, id)
	for token, postings := range x.postings {
		delete(postings, id)
		if len(postings) == 0 {
			delete(x.postings, token)
		}
	}
}

// Search scores documents by token overlap, falling back to fuzzy
// matching for longer query terms with no exact posting, and returns the
// most relevant first.
func (x *docIndex) Search(source, query string, filters domain.SearchFilters) ([]domain.Document, error) {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil, errors.NewValidation("search query is empty")
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	scores := make(map[string]float64)
	for token := range queryTokens {
		if postings, ok := x.postings[token]; ok {
			for id, count := range postings {
				scores[id] += 1.0 + 0.1*float64(count)
			}
			continue
		}
		if len(token) <= 4 {
			continue
		}
		for indexed, postings := range x.postings {
			if FuzzyMatch(token, indexed) {
				for id := range postings {
					scores[id] += 0.5
				}
			}
		}
	}

	lowerQuery := strings.ToLower(query)
	ids := make([]string, 0, len(scores))
	for id := range scores {
		doc := x.docs[id]
		if !matchesFilters(doc, filters) {
			continue
		}
		if strings.Contains(strings.ToLower(doc.Title), lowerQuery) {
			scores[id] += 2.0
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})

	limit := filters.MaxResults
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	out := make([]domain.Document, 0, limit)
	for _, id := range ids[:limit] {
		out = append(out, x.docs[id])
	}
	return out, nil
}

// SearchRunbooks returns runbooks with at least one trigger firing for
// the alert, in stable id order. Scoring happens in the engine.
func (x *docIndex) SearchRunbooks(alert domain.AlertContext) []*domain.Runbook {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []*domain.Runbook
	for _, rb := range x.runbooks {
		if TriggerMatches(rb, alert) {
			out = append(out, rb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get looks up one document by source-local id.
func (x *docIndex) Get(source, id string) (domain.Document, error) {
	x.mu.RLock()
	doc, ok := x.docs[id]
	x.mu.RUnlock()
	if !ok {
		return domain.Document{}, errors.NewNotFound(fmt.Sprintf("document %q not found in source %q", id, source))
	}
	return doc, nil
}

// Len returns the number of indexed documents.
func (x *docIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// IDs snapshots the indexed document ids.
func (x *docIndex) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.docs))
	for id := range x.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tokenize lowercases and splits text into term counts. Single-character
// fragments are dropped.
func Tokenize(text string) map[string]int {
	tokens := make(map[string]int)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(field) < 2 {
			continue
		}
		tokens[field]++
	}
	return tokens
}

// FuzzyMatch reports whether two terms are within edit distance two,
// tightened to one for short terms.
func FuzzyMatch(a, b string) bool {
	if abs(len(a)-len(b)) > 2 {
		return false
	}
	limit := 2
	if len(a) < 7 {
		limit = 1
	}
	return levenshtein.ComputeDistance(a, b) <= limit
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// TriggerMatches reports whether any trigger of the runbook fires for the
// alert: alert type match (exact or fuzzy) plus severity gating when the
// trigger constrains severity. A runbook also matches when the alert type
// names the runbook's own id, so runbooks stay addressable by id.
func TriggerMatches(rb *domain.Runbook, alert domain.AlertContext) bool {
	alertType := strings.ToLower(alert.AlertType)
	if strings.ToLower(rb.ID) == alertType {
		return true
	}
	for _, trigger := range rb.Triggers {
		triggerType := strings.ToLower(trigger.AlertType)
		if triggerType != alertType && !FuzzyMatch(triggerType, alertType) {
			continue
		}
		if len(trigger.Severities) > 0 && alert.Severity != "" {
			matched := false
			for _, s := range trigger.Severities {
				if s == alert.Severity {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		return true
	}
	return false
}

func matchesFilters(doc domain.Document, filters domain.SearchFilters) bool {
	if len(filters.Categories) > 0 {
		found := false
		for _, c := range filters.Categories {
			if doc.Category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filters.MaxAge > 0 && time.Since(doc.LastModified) > filters.MaxAge {
		return false
	}
	return true
}
