// Package cache implements the two-tier hybrid cache: a bounded in-process
// LRU+TTL tier and an optional remote redis tier with graceful degradation.
package cache

import (
	"time"
)

// Content types recognized by the TTL policy.
const (
	ContentRunbooks      = "runbooks"
	ContentProcedures    = "procedures"
	ContentDecisionTrees = "decision-trees"
	ContentKnowledgeBase = "knowledge-base"
	ContentGeneral       = "general"
)

// Entry is one cached payload with its expiry bookkeeping.
type Entry struct {
	Payload     []byte        `json:"payload"`
	ContentType string        `json:"content_type"`
	InsertedAt  time.Time     `json:"inserted_at"`
	TTL         time.Duration `json:"ttl"`
}

// Expired reports whether the entry's insertion+TTL is in the past.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.InsertedAt.Add(e.TTL))
}

// Remaining returns how much of the TTL is left at now, clamped at zero.
func (e Entry) Remaining(now time.Time) time.Duration {
	left := e.InsertedAt.Add(e.TTL).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Key builds the cache key for a (content type, id) pair. The content type
// prefix is what makes type-scoped invalidation possible.
func Key(contentType, id string) string {
	return contentType + ":" + id
}
