// Package postgres implements reverie.MemoryStore using PostgreSQL with
// pgvector for native vector similarity search.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reverie-ai/reverie"
)

// Store implements reverie.MemoryStore backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance, scoped to one
// partition per query.
type Store struct {
	pool     *pgxpool.Pool
	embedder reverie.EmbeddingProvider
	cfg      pgConfig
	logger   *slog.Logger
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(s *Store) { s.cfg.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(s *Store) { s.cfg.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Applied via
// SET during Init().
func WithEFSearch(ef int) Option {
	return func(s *Store) { s.cfg.hnswEFSearch = ef }
}

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var _ reverie.MemoryStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool, binding the embedding
// provider for the store's lifetime.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, embedder reverie.EmbeddingProvider, opts ...Option) *Store {
	s := &Store{pool: pool, embedder: embedder, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, tables and indexes, then refuses to
// open when any existing partition holds vectors of a different dimension
// than the bound provider produces. All DDL is idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	dim := s.embedder.Dimensions()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS fragments (
			id TEXT PRIMARY KEY,
			partition TEXT NOT NULL,
			content TEXT NOT NULL,
			speaker TEXT NOT NULL,
			type TEXT NOT NULL,
			sentiment TEXT NOT NULL,
			entities TEXT NOT NULL DEFAULT '',
			topics TEXT NOT NULL DEFAULT '',
			importance INTEGER NOT NULL,
			confidence REAL NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB,
			created_at BIGINT NOT NULL,
			UNIQUE(partition, speaker, content)
		)`, dim),
		`CREATE INDEX IF NOT EXISTS fragments_partition_idx ON fragments(partition)`,
		`CREATE INDEX IF NOT EXISTS fragments_created_idx ON fragments(partition, created_at)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS fragments_embedding_idx ON fragments USING hnsw (embedding vector_cosine_ops)%s`, s.hnswWithClause()),

		`CREATE TABLE IF NOT EXISTS partitions (
			partition TEXT PRIMARY KEY,
			dimensions INTEGER NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, `SELECT DISTINCT dimensions FROM partitions`)
	if err != nil {
		return fmt.Errorf("postgres: check dimensions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var recorded int
		if err := rows.Scan(&recorded); err != nil {
			return fmt.Errorf("postgres: scan dimensions: %w", err)
		}
		if recorded != dim {
			return &reverie.ErrDimensionMismatch{Want: recorded, Got: dim}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: iterate dimensions: %w", err)
	}

	s.logger.Info("postgres: init completed", "dimensions", dim, "duration", time.Since(start))
	return nil
}

// Insert embeds the fragment content, assigns an id and persists both.
// An exact duplicate on (partition, speaker, content) keeps the stored row
// and returns its id.
func (s *Store) Insert(ctx context.Context, scope reverie.Scope, f *reverie.MemoryFragment) (string, error) {
	start := time.Now()
	partition := scope.Partition()

	embs, err := s.embedder.Embed(ctx, []string{f.Content})
	if err != nil {
		return "", &reverie.ErrEmbedding{Provider: s.embedder.Name(), Err: err}
	}
	if len(embs) == 0 || len(embs[0]) == 0 {
		return "", &reverie.ErrEmbedding{Provider: s.embedder.Name(), Err: fmt.Errorf("no embedding returned")}
	}
	embedding := embs[0]

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.ensurePartition(ctx, tx, partition, len(embedding)); err != nil {
		return "", err
	}

	id := f.FragmentID
	if id == "" {
		id = reverie.NewID()
	}
	ts := f.Timestamp
	if ts == 0 {
		ts = reverie.NowUnix()
	}
	var metaJSON *string
	if len(f.Metadata) > 0 {
		data, _ := json.Marshal(f.Metadata)
		v := string(data)
		metaJSON = &v
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO fragments (id, partition, content, speaker, type, sentiment, entities, topics, importance, confidence, embedding, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::vector, $12::jsonb, $13)
		 ON CONFLICT (partition, speaker, content) DO NOTHING`,
		id, partition, f.Content, f.Speaker, f.Type, f.Sentiment,
		strings.Join(f.Entities, ","), strings.Join(f.Topics, ","),
		f.ImportanceScore, f.Confidence, serializeEmbedding(embedding), metaJSON, ts)
	if err != nil {
		s.logger.Error("postgres: insert fragment failed", "partition", partition, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("postgres: insert fragment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var existing string
		err := tx.QueryRow(ctx,
			`SELECT id FROM fragments WHERE partition = $1 AND speaker = $2 AND content = $3`,
			partition, f.Speaker, f.Content,
		).Scan(&existing)
		if err != nil {
			return "", fmt.Errorf("postgres: lookup duplicate: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("postgres: commit tx: %w", err)
		}
		f.FragmentID = existing
		return existing, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres: commit tx: %w", err)
	}
	f.FragmentID = id
	f.Timestamp = ts
	f.Embedding = embedding
	s.logger.Debug("postgres: insert fragment ok", "partition", partition, "id", id, "duration", time.Since(start))
	return id, nil
}

func (s *Store) ensurePartition(ctx context.Context, tx pgx.Tx, partition string, dim int) error {
	var existing int
	err := tx.QueryRow(ctx, `SELECT dimensions FROM partitions WHERE partition = $1`, partition).Scan(&existing)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx,
			`INSERT INTO partitions (partition, dimensions, created_at) VALUES ($1, $2, $3)
			 ON CONFLICT (partition) DO NOTHING`,
			partition, dim, reverie.NowUnix())
		if err != nil {
			return fmt.Errorf("postgres: create partition: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("postgres: check partition: %w", err)
	case existing != dim:
		return &reverie.ErrDimensionMismatch{Want: existing, Got: dim}
	}
	return nil
}

// Query performs vector similarity search over one partition using
// pgvector's cosine distance operator with the HNSW index.
func (s *Store) Query(ctx context.Context, scope reverie.Scope, query string, topK int, filters reverie.QueryFilters) ([]reverie.ScoredFragment, error) {
	start := time.Now()
	partition := scope.Partition()

	embs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, &reverie.ErrEmbedding{Provider: s.embedder.Name(), Err: err}
	}
	if len(embs) == 0 {
		return nil, &reverie.ErrEmbedding{Provider: s.embedder.Name(), Err: fmt.Errorf("no embedding returned")}
	}
	embStr := serializeEmbedding(embs[0])

	where, args := filterClause(partition, filters, 3) // $1=embedding, $2=topK
	rows, err := s.pool.Query(ctx,
		`SELECT id, content, speaker, type, sentiment, entities, topics, importance, confidence, embedding::text, metadata, created_at,
		        GREATEST(1 - (embedding <=> $1::vector), 0) AS score
		 FROM fragments `+where+`
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`,
		append([]any{embStr, topK}, args...)...)
	if err != nil {
		s.logger.Error("postgres: query fragments failed", "partition", partition, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("postgres: query fragments: %w", err)
	}
	defer rows.Close()

	var results []reverie.ScoredFragment
	for rows.Next() {
		var f reverie.MemoryFragment
		var entities, topics, embText string
		var metaJSON []byte
		var score float64
		if err := rows.Scan(&f.FragmentID, &f.Content, &f.Speaker, &f.Type, &f.Sentiment,
			&entities, &topics, &f.ImportanceScore, &f.Confidence, &embText, &metaJSON, &f.Timestamp, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan fragment: %w", err)
		}
		f.Entities = splitList(entities)
		f.Topics = splitList(topics)
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &f.Metadata)
		}
		f.Embedding = deserializeEmbedding(embText)
		results = append(results, reverie.ScoredFragment{Fragment: f, Similarity: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate fragments: %w", err)
	}
	s.logger.Debug("postgres: query fragments ok", "partition", partition, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// Count returns the number of fragments stored under scope.
func (s *Store) Count(ctx context.Context, scope reverie.Scope) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM fragments WHERE partition = $1`, scope.Partition()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count fragments: %w", err)
	}
	return n, nil
}

// List returns fragments ordered by insertion time descending.
func (s *Store) List(ctx context.Context, scope reverie.Scope, limit int, filters reverie.QueryFilters) ([]reverie.MemoryFragment, error) {
	partition := scope.Partition()
	where, args := filterClause(partition, filters, 1)
	query := `SELECT id, content, speaker, type, sentiment, entities, topics, importance, confidence, embedding::text, metadata, created_at
	 FROM fragments ` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fragments: %w", err)
	}
	defer rows.Close()

	var fragments []reverie.MemoryFragment
	for rows.Next() {
		var f reverie.MemoryFragment
		var entities, topics, embText string
		var metaJSON []byte
		if err := rows.Scan(&f.FragmentID, &f.Content, &f.Speaker, &f.Type, &f.Sentiment,
			&entities, &topics, &f.ImportanceScore, &f.Confidence, &embText, &metaJSON, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan fragment: %w", err)
		}
		f.Entities = splitList(entities)
		f.Topics = splitList(topics)
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &f.Metadata)
		}
		f.Embedding = deserializeEmbedding(embText)
		fragments = append(fragments, f)
	}
	return fragments, rows.Err()
}

// DeleteScope removes all fragments under scope and the partition record,
// atomically.
func (s *Store) DeleteScope(ctx context.Context, scope reverie.Scope) error {
	partition := scope.Partition()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM fragments WHERE partition = $1`, partition); err != nil {
		return fmt.Errorf("postgres: delete fragments: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM partitions WHERE partition = $1`, partition); err != nil {
		return fmt.Errorf("postgres: delete partition: %w", err)
	}
	return tx.Commit(ctx)
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}

// filterClause builds the WHERE clause for a partition plus optional
// filters. startParam is the next $N placeholder number.
func filterClause(partition string, filters reverie.QueryFilters, startParam int) (string, []any) {
	p := startParam
	clauses := []string{fmt.Sprintf("partition = $%d", p)}
	args := []any{partition}
	p++
	if filters.MinImportance > 0 {
		clauses = append(clauses, fmt.Sprintf("importance >= $%d", p))
		args = append(args, filters.MinImportance)
		p++
	}
	if filters.Speaker != "" {
		clauses = append(clauses, fmt.Sprintf("speaker = $%d", p))
		args = append(args, filters.Speaker)
		p++
	}
	if filters.Type != "" {
		clauses = append(clauses, fmt.Sprintf("type = $%d", p))
		args = append(args, filters.Type)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// deserializeEmbedding parses pgvector's text output format back to
// []float32. Malformed input yields nil.
func deserializeEmbedding(s string) []float32 {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(v))
	}
	return out
}
