package reverie

import "context"

// QueryFilters narrow a store query or listing. Zero values mean "no
// filter"; set fields are AND-combined.
type QueryFilters struct {
	MinImportance int
	Speaker       string
	Type          string
}

// Match reports whether f passes the filters.
func (q QueryFilters) Match(f *MemoryFragment) bool {
	if q.MinImportance > 0 && f.ImportanceScore < q.MinImportance {
		return false
	}
	if q.Speaker != "" && f.Speaker != q.Speaker {
		return false
	}
	if q.Type != "" && f.Type != q.Type {
		return false
	}
	return true
}

// ScoredFragment pairs a fragment with its similarity to a query, in [0,1].
type ScoredFragment struct {
	Fragment   MemoryFragment
	Similarity float64
}

// MemoryStore persists fragments per scope and serves nearest-neighbor
// queries over their embeddings. Implementations are safe for concurrent
// use; the process is the sole writer.
type MemoryStore interface {
	// Init creates schema and validates the bound embedding provider's
	// dimension against existing partitions. A mismatch is fatal.
	Init(ctx context.Context) error

	// Insert embeds the fragment content, assigns FragmentID and persists
	// both. Exact duplicates on (scope, content, speaker) are rejected
	// silently (the existing id is returned).
	Insert(ctx context.Context, scope Scope, f *MemoryFragment) (string, error)

	// Query returns up to topK fragments from the scope ranked by cosine
	// similarity to the query text, descending. Filters are applied before
	// the topK cut.
	Query(ctx context.Context, scope Scope, query string, topK int, filters QueryFilters) ([]ScoredFragment, error)

	// Count returns the number of fragments stored under scope.
	Count(ctx context.Context, scope Scope) (int, error)

	// List returns up to limit fragments from the scope ordered by
	// insertion time descending.
	List(ctx context.Context, scope Scope, limit int, filters QueryFilters) ([]MemoryFragment, error)

	// DeleteScope removes all fragments under scope.
	DeleteScope(ctx context.Context, scope Scope) error

	// Close releases the underlying database.
	Close() error
}
