// Package adapters connects the retrieval engine to documentation sources.
// Every source implements the same capability surface; the registry fans
// queries out across them and the guard wraps each one with the resilience
// stack.
package adapters

import (
	"context"

	"opskb-backend/internal/domain"
)

// SourceAdapter is the capability surface every documentation source
// implements.
type SourceAdapter interface {
	// Name returns the configured source name, unique per deployment.
	Name() string
	// Kind returns the adapter kind: filesystem, web, or github.
	Kind() string

	// Initialize prepares the adapter and builds its initial index. It is
	// called once before the adapter serves queries.
	Initialize(ctx context.Context) error

	// Search runs a free-text query against the source.
	Search(ctx context.Context, query string, filters domain.SearchFilters) ([]domain.Document, error)

	// SearchRunbooks finds structured runbooks matching an alert.
	SearchRunbooks(ctx context.Context, alert domain.AlertContext) ([]*domain.Runbook, error)

	// GetDocument fetches a single document by its source-local id.
	GetDocument(ctx context.Context, id string) (domain.Document, error)

	// RefreshIndex re-reads the source. Implementations may skip content
	// whose change fingerprint is unchanged; force bypasses that skip and
	// re-parses everything.
	RefreshIndex(ctx context.Context, force bool) error

	// HealthCheck probes the source. Callers bound it with a deadline.
	HealthCheck(ctx context.Context) domain.HealthSnapshot

	// Metadata reports document count and rolling performance figures.
	Metadata() domain.SourceMetadata

	// Cleanup releases watchers, connections, and background work.
	Cleanup() error
}
