// Package sqlite implements reverie.MemoryStore using pure-Go SQLite
// with in-process brute-force vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/reverie-ai/reverie"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements reverie.MemoryStore backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done in-process
// using brute-force cosine similarity over one scope partition at a time.
type Store struct {
	db       *sql.DB
	embedder reverie.EmbeddingProvider
	logger   *slog.Logger
}

var _ reverie.MemoryStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath, binding the
// embedding provider for the store's lifetime.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, embedder reverie.EmbeddingProvider, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, embedder: embedder, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath, "embedder", embedder.Name())
	return s
}

// Init creates the schema and refuses to open when any existing partition
// holds vectors of a different dimension than the bound provider produces.
// Switching embedding models requires a fresh store.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS fragments (
			id TEXT PRIMARY KEY,
			partition TEXT NOT NULL,
			content TEXT NOT NULL,
			speaker TEXT NOT NULL,
			type TEXT NOT NULL,
			sentiment TEXT NOT NULL,
			entities TEXT,
			topics TEXT,
			importance INTEGER NOT NULL,
			confidence REAL NOT NULL,
			embedding TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			UNIQUE(partition, speaker, content)
		)`,
		`CREATE TABLE IF NOT EXISTS partitions (
			partition TEXT PRIMARY KEY,
			dimensions INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_fragments_partition ON fragments(partition)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_fragments_created ON fragments(partition, created_at)`)

	// Dimension lock across all existing partitions.
	want := s.embedder.Dimensions()
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT dimensions FROM partitions`)
	if err != nil {
		return fmt.Errorf("check dimensions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dim int
		if err := rows.Scan(&dim); err != nil {
			return fmt.Errorf("scan dimensions: %w", err)
		}
		if dim != want {
			return &reverie.ErrDimensionMismatch{Want: dim, Got: want}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate dimensions: %w", err)
	}

	s.logger.Info("sqlite: init completed", "dimensions", want, "duration", time.Since(start))
	return nil
}

// Insert embeds the fragment content, assigns an id and persists both.
// An exact duplicate on (partition, speaker, content) keeps the stored row
// and returns its id.
func (s *Store) Insert(ctx context.Context, scope reverie.Scope, f *reverie.MemoryFragment) (string, error) {
	start := time.Now()
	partition := scope.Partition()
	s.logger.Debug("sqlite: insert fragment", "partition", partition, "speaker", f.Speaker, "importance", f.ImportanceScore)

	embs, err := s.embedder.Embed(ctx, []string{f.Content})
	if err != nil {
		return "", &reverie.ErrEmbedding{Provider: s.embedder.Name(), Err: err}
	}
	if len(embs) == 0 || len(embs[0]) == 0 {
		return "", &reverie.ErrEmbedding{Provider: s.embedder.Name(), Err: fmt.Errorf("no embedding returned")}
	}
	embedding := embs[0]

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

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

	res, err := tx.ExecContext(ctx,
		`INSERT INTO fragments (id, partition, content, speaker, type, sentiment, entities, topics, importance, confidence, embedding, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(partition, speaker, content) DO NOTHING`,
		id, partition, f.Content, f.Speaker, f.Type, f.Sentiment,
		joinList(f.Entities), joinList(f.Topics),
		f.ImportanceScore, f.Confidence, serializeEmbedding(embedding), marshalMeta(f.Metadata), ts,
	)
	if err != nil {
		s.logger.Error("sqlite: insert fragment failed", "partition", partition, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("insert fragment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate within the dedup window: hand back the existing row's id.
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM fragments WHERE partition = ? AND speaker = ? AND content = ?`,
			partition, f.Speaker, f.Content,
		).Scan(&existing)
		if err != nil {
			return "", fmt.Errorf("lookup duplicate: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit tx: %w", err)
		}
		s.logger.Debug("sqlite: insert deduplicated", "partition", partition, "id", existing, "duration", time.Since(start))
		f.FragmentID = existing
		return existing, nil
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	f.FragmentID = id
	f.Timestamp = ts
	f.Embedding = embedding
	s.logger.Debug("sqlite: insert fragment ok", "partition", partition, "id", id, "duration", time.Since(start))
	return id, nil
}

// ensurePartition records the partition's dimension on first insert and
// enforces it on every later one.
func (s *Store) ensurePartition(ctx context.Context, tx *sql.Tx, partition string, dim int) error {
	var existing int
	err := tx.QueryRowContext(ctx, `SELECT dimensions FROM partitions WHERE partition = ?`, partition).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO partitions (partition, dimensions, created_at) VALUES (?, ?, ?)`,
			partition, dim, reverie.NowUnix())
		if err != nil {
			return fmt.Errorf("create partition: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("check partition: %w", err)
	case existing != dim:
		return &reverie.ErrDimensionMismatch{Want: existing, Got: dim}
	}
	return nil
}

// Query performs brute-force cosine similarity search over one partition.
func (s *Store) Query(ctx context.Context, scope reverie.Scope, query string, topK int, filters reverie.QueryFilters) ([]reverie.ScoredFragment, error) {
	start := time.Now()
	partition := scope.Partition()
	s.logger.Debug("sqlite: query fragments", "partition", partition, "top_k", topK)

	embs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, &reverie.ErrEmbedding{Provider: s.embedder.Name(), Err: err}
	}
	if len(embs) == 0 {
		return nil, &reverie.ErrEmbedding{Provider: s.embedder.Name(), Err: fmt.Errorf("no embedding returned")}
	}
	queryEmb := embs[0]

	where, args := filterClause(partition, filters)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, speaker, type, sentiment, entities, topics, importance, confidence, embedding, metadata, created_at
		 FROM fragments `+where, args...)
	if err != nil {
		s.logger.Error("sqlite: query fragments failed", "partition", partition, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	var results []reverie.ScoredFragment
	scanned := 0
	for rows.Next() {
		f, embJSON, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		scanned++
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		f.Embedding = stored
		results = append(results, reverie.ScoredFragment{
			Fragment:   f,
			Similarity: similarity(queryEmb, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fragments: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: query fragments ok", "partition", partition, "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// Count returns the number of fragments stored under scope.
func (s *Store) Count(ctx context.Context, scope reverie.Scope) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fragments WHERE partition = ?`, scope.Partition()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fragments: %w", err)
	}
	return n, nil
}

// List returns fragments ordered by insertion time descending.
func (s *Store) List(ctx context.Context, scope reverie.Scope, limit int, filters reverie.QueryFilters) ([]reverie.MemoryFragment, error) {
	start := time.Now()
	partition := scope.Partition()
	s.logger.Debug("sqlite: list fragments", "partition", partition, "limit", limit)

	where, args := filterClause(partition, filters)
	query := `SELECT id, content, speaker, type, sentiment, entities, topics, importance, confidence, embedding, metadata, created_at
		 FROM fragments ` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list fragments failed", "partition", partition, "error", err)
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	var fragments []reverie.MemoryFragment
	for rows.Next() {
		f, embJSON, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		f.Embedding, _ = deserializeEmbedding(embJSON)
		fragments = append(fragments, f)
	}
	s.logger.Debug("sqlite: list fragments ok", "partition", partition, "count", len(fragments), "duration", time.Since(start))
	return fragments, rows.Err()
}

// DeleteScope removes all fragments under scope and the partition record,
// atomically.
func (s *Store) DeleteScope(ctx context.Context, scope reverie.Scope) error {
	start := time.Now()
	partition := scope.Partition()
	s.logger.Debug("sqlite: delete scope", "partition", partition)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE partition = ?`, partition); err != nil {
		return fmt.Errorf("delete fragments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE partition = ?`, partition); err != nil {
		return fmt.Errorf("delete partition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: delete scope commit failed", "partition", partition, "error", err)
		return err
	}
	s.logger.Debug("sqlite: delete scope ok", "partition", partition, "duration", time.Since(start))
	return nil
}

// DB returns the underlying *sql.DB for sharing with collaborators.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// filterClause builds the WHERE clause for a partition plus optional filters.
func filterClause(partition string, filters reverie.QueryFilters) (string, []any) {
	clauses := []string{"partition = ?"}
	args := []any{partition}
	if filters.MinImportance > 0 {
		clauses = append(clauses, "importance >= ?")
		args = append(args, filters.MinImportance)
	}
	if filters.Speaker != "" {
		clauses = append(clauses, "speaker = ?")
		args = append(args, filters.Speaker)
	}
	if filters.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, filters.Type)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// fragmentScanner covers both *sql.Rows and *sql.Row.
type fragmentScanner interface {
	Scan(dest ...any) error
}

func scanFragment(row fragmentScanner) (reverie.MemoryFragment, string, error) {
	var f reverie.MemoryFragment
	var entities, topics, embJSON string
	var metaJSON sql.NullString
	err := row.Scan(&f.FragmentID, &f.Content, &f.Speaker, &f.Type, &f.Sentiment,
		&entities, &topics, &f.ImportanceScore, &f.Confidence, &embJSON, &metaJSON, &f.Timestamp)
	if err != nil {
		return reverie.MemoryFragment{}, "", fmt.Errorf("scan fragment: %w", err)
	}
	f.Entities = splitList(entities)
	f.Topics = splitList(topics)
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &f.Metadata)
	}
	return f, embJSON, nil
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func marshalMeta(meta map[string]string) *string {
	if len(meta) == 0 {
		return nil
	}
	data, _ := json.Marshal(meta)
	v := string(data)
	return &v
}

// --- Vector math ---

// similarity maps cosine similarity into [0,1]; negative cosines clamp to 0.
func similarity(a, b []float32) float64 {
	if cos := cosineSimilarity(a, b); cos > 0 {
		return float64(cos)
	}
	return 0
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
