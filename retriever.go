package reverie

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"
)

// overfetchMultiplier gives the re-ranker headroom: the store is asked for
// topK * overfetchMultiplier candidates before hybrid ranking cuts to topK.
const overfetchMultiplier = 3

// recencyFloor keeps very old fragments retrievable at a tiny weight
// instead of underflowing to zero.
const recencyFloor = 1e-4

// RetrievalConfig tunes one retrieval. It is a value: the Retriever holds
// a process default and callers may override per call.
type RetrievalConfig struct {
	TopK             int     // max fragments returned (default 5)
	MinImportance    int     // store-side importance filter (default 5)
	ScoreThreshold   float64 // drop candidates below this final score; 0 = disabled
	BoostRecent      bool    // apply exponential time decay after 7 days
	BoostImportance  bool    // blend importance into the base score
	DiversityPenalty float64 // 0..1, penalize near-duplicates of admitted fragments
}

// DefaultRetrievalConfig returns the standard retrieval tuning.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		TopK:             5,
		MinImportance:    5,
		BoostRecent:      true,
		BoostImportance:  true,
		DiversityPenalty: 0.1,
	}
}

// RetrievedMemory pairs a fragment with its final hybrid score.
type RetrievedMemory struct {
	Fragment MemoryFragment
	Score    float64
}

// Retriever selects a small, diverse context set for a query by blending
// vector similarity, importance and recency over store candidates.
type Retriever struct {
	store  MemoryStore
	config RetrievalConfig
	logger *slog.Logger
	now    func() int64 // injectable clock for recency tests
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithRetrievalConfig sets the process-default retrieval config.
func WithRetrievalConfig(cfg RetrievalConfig) RetrieverOption {
	return func(r *Retriever) { r.config = cfg }
}

// WithRetrieverLogger sets the structured logger (default: discard).
func WithRetrieverLogger(l *slog.Logger) RetrieverOption {
	return func(r *Retriever) { r.logger = l }
}

// NewRetriever creates a Retriever over the given store.
func NewRetriever(store MemoryStore, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		store:  store,
		config: DefaultRetrievalConfig(),
		logger: nopLogger,
		now:    NowUnix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select retrieves the most relevant fragments for the query under scope.
// A nil override uses the process default. Results come back in selection
// order: never more than TopK, never below MinImportance, no duplicates.
func (r *Retriever) Select(ctx context.Context, scope Scope, query string, override *RetrievalConfig) ([]RetrievedMemory, error) {
	cfg := r.config
	if override != nil {
		cfg = *override
	}
	if cfg.TopK <= 0 {
		return nil, nil
	}

	start := time.Now()
	fetchK := cfg.TopK * overfetchMultiplier
	if fetchK < cfg.TopK {
		fetchK = cfg.TopK
	}
	candidates, err := r.store.Query(ctx, scope, query, fetchK, QueryFilters{MinImportance: cfg.MinImportance})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ranked := r.rank(candidates, cfg)
	selected := selectDiverse(ranked, cfg)

	r.logger.Debug("retrieval complete",
		"partition", scope.Partition(),
		"candidates", len(candidates),
		"selected", len(selected),
		"duration", time.Since(start))
	return selected, nil
}

// rank computes the hybrid score for each candidate and sorts descending.
// base = 0.7·similarity + 0.3·importance/10 when importance boosting is on,
// then multiplied by the recency factor when recency boosting is on.
func (r *Retriever) rank(candidates []ScoredFragment, cfg RetrievalConfig) []RetrievedMemory {
	now := r.now()
	out := make([]RetrievedMemory, 0, len(candidates))
	for _, c := range candidates {
		base := c.Similarity
		if cfg.BoostImportance {
			base = 0.7*c.Similarity + 0.3*float64(c.Fragment.ImportanceScore)/10.0
		}
		final := base
		if cfg.BoostRecent {
			final *= recencyFactor(now, c.Fragment.Timestamp)
		}
		if cfg.ScoreThreshold > 0 && final < cfg.ScoreThreshold {
			continue
		}
		out = append(out, RetrievedMemory{Fragment: c.Fragment, Score: final})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// recencyFactor is 1.0 within 7 days, then decays 5% per day.
func recencyFactor(now, ts int64) float64 {
	ageDays := float64(now-ts) / 86400.0
	if ageDays <= 7 {
		return 1.0
	}
	decay := math.Pow(0.95, ageDays-7)
	if decay < recencyFloor {
		return recencyFloor
	}
	return decay
}

// selectDiverse admits candidates greedily, re-scoring the remainder each
// round by subtracting DiversityPenalty times the maximum cosine
// similarity to already-admitted fragments. Keeps the context set from
// collapsing onto one memory restated several ways.
func selectDiverse(ranked []RetrievedMemory, cfg RetrievalConfig) []RetrievedMemory {
	if len(ranked) == 0 {
		return nil
	}
	if cfg.DiversityPenalty <= 0 {
		if len(ranked) > cfg.TopK {
			ranked = ranked[:cfg.TopK]
		}
		return ranked
	}

	selected := make([]RetrievedMemory, 0, cfg.TopK)
	remaining := make([]RetrievedMemory, len(ranked))
	copy(remaining, ranked)

	for len(selected) < cfg.TopK && len(remaining) > 0 {
		bestIdx, bestScore := -1, math.Inf(-1)
		for i, cand := range remaining {
			adjusted := cand.Score - cfg.DiversityPenalty*maxSimilarity(cand.Fragment.Embedding, selected)
			if adjusted > bestScore {
				bestIdx, bestScore = i, adjusted
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// maxSimilarity returns the highest cosine similarity between v and the
// embeddings of the admitted set, or 0 when either side has no vector.
func maxSimilarity(v []float32, admitted []RetrievedMemory) float64 {
	best := 0.0
	for _, a := range admitted {
		if sim := CosineSimilarity(v, a.Fragment.Embedding); sim > best {
			best = sim
		}
	}
	return best
}

// CosineSimilarity computes the cosine of the angle between two vectors,
// returning 0 for mismatched or empty inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
