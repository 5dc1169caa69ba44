package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/reverie-ai/reverie"
)

// stubEmbedder returns fixed vectors per input text so similarity ordering
// is deterministic without a network call.
type stubEmbedder struct {
	dims    int
	vectors map[string][]float32
	fail    error
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := s.vectors[t]; ok {
			out[i] = v
			continue
		}
		v := make([]float32, s.dims)
		for j, r := range []rune(t) {
			v[j%s.dims] += float32(r % 97)
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return s.dims }
func (s *stubEmbedder) Name() string    { return "stub" }

func newTestStore(t *testing.T, embedder reverie.EmbeddingProvider) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"), embedder)
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return s
}

func testScope() reverie.Scope {
	return reverie.Scope{UserID: "u1", SessionID: "s1", RoleID: "companion_warm"}
}

func TestInsertAndCount(t *testing.T) {
	s := newTestStore(t, &stubEmbedder{dims: 4})
	ctx := context.Background()
	scope := testScope()

	id, err := s.Insert(ctx, scope, &reverie.MemoryFragment{
		Content: "我叫张三", Speaker: reverie.SpeakerUser,
		Type: reverie.TypeFact, Sentiment: reverie.SentimentNeutral,
		ImportanceScore: 7, Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if id == "" {
		t.Fatal("Insert() returned empty id")
	}

	n, err := s.Count(ctx, scope)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestInsertDeduplicates(t *testing.T) {
	s := newTestStore(t, &stubEmbedder{dims: 4})
	ctx := context.Background()
	scope := testScope()
	frag := func() *reverie.MemoryFragment {
		return &reverie.MemoryFragment{
			Content: "用户最喜欢吃麻辣火锅", Speaker: reverie.SpeakerUser,
			Type: reverie.TypePreference, Sentiment: reverie.SentimentPositive,
			ImportanceScore: 8, Confidence: 0.9,
		}
	}

	first, err := s.Insert(ctx, scope, frag())
	if err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}
	second, err := s.Insert(ctx, scope, frag())
	if err != nil {
		t.Fatalf("duplicate Insert() error = %v", err)
	}
	if second != first {
		t.Errorf("duplicate insert id = %q, want original %q", second, first)
	}

	n, _ := s.Count(ctx, scope)
	if n != 1 {
		t.Errorf("Count() after duplicate = %d, want 1", n)
	}

	// Same content from a different speaker is a distinct fragment.
	f := frag()
	f.Speaker = reverie.SpeakerAssistant
	third, err := s.Insert(ctx, scope, f)
	if err != nil {
		t.Fatalf("Insert() other speaker error = %v", err)
	}
	if third == first {
		t.Error("different speaker should not deduplicate")
	}
}

func TestQueryRanksBySimilarity(t *testing.T) {
	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{
		"吃的":   {1, 0, 0},
		"火锅很好吃": {0.9, 0.1, 0},
		"在学Go": {0, 1, 0},
		"天气不错": {0, 0, 1},
	}}
	s := newTestStore(t, emb)
	ctx := context.Background()
	scope := testScope()

	for _, content := range []string{"火锅很好吃", "在学Go", "天气不错"} {
		if _, err := s.Insert(ctx, scope, &reverie.MemoryFragment{
			Content: content, Speaker: reverie.SpeakerUser,
			Type: reverie.TypeFact, Sentiment: reverie.SentimentNeutral,
			ImportanceScore: 6, Confidence: 0.8,
		}); err != nil {
			t.Fatalf("Insert(%q) error = %v", content, err)
		}
	}

	results, err := s.Query(ctx, scope, "吃的", 2, reverie.QueryFilters{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Query() returned %d results, want 2", len(results))
	}
	if results[0].Fragment.Content != "火锅很好吃" {
		t.Errorf("top result = %q, want 火锅很好吃", results[0].Fragment.Content)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("results not sorted by similarity descending")
	}
	if len(results[0].Fragment.Embedding) == 0 {
		t.Error("query results should carry stored embeddings")
	}
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t, &stubEmbedder{dims: 4})
	ctx := context.Background()
	scope := testScope()

	inserts := []reverie.MemoryFragment{
		{Content: "低分记忆", Speaker: reverie.SpeakerUser, Type: reverie.TypeEvent, Sentiment: reverie.SentimentNeutral, ImportanceScore: 3, Confidence: 0.8},
		{Content: "高分用户记忆", Speaker: reverie.SpeakerUser, Type: reverie.TypeFact, Sentiment: reverie.SentimentNeutral, ImportanceScore: 8, Confidence: 0.8},
		{Content: "助手的承诺", Speaker: reverie.SpeakerAssistant, Type: reverie.TypeRelationship, Sentiment: reverie.SentimentPositive, ImportanceScore: 9, Confidence: 0.8},
	}
	for i := range inserts {
		if _, err := s.Insert(ctx, scope, &inserts[i]); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	results, err := s.Query(ctx, scope, "记忆", 10, reverie.QueryFilters{MinImportance: 6})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	for _, r := range results {
		if r.Fragment.ImportanceScore < 6 {
			t.Errorf("filter leaked fragment with importance %d", r.Fragment.ImportanceScore)
		}
	}
	if len(results) != 2 {
		t.Errorf("MinImportance filter returned %d, want 2", len(results))
	}

	results, err = s.Query(ctx, scope, "记忆", 10, reverie.QueryFilters{Speaker: reverie.SpeakerAssistant})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 1 || results[0].Fragment.Speaker != reverie.SpeakerAssistant {
		t.Errorf("Speaker filter returned %+v", results)
	}
}

func TestScopeIsolation(t *testing.T) {
	s := newTestStore(t, &stubEmbedder{dims: 4})
	ctx := context.Background()
	scopeA := reverie.Scope{UserID: "u1", SessionID: "s1", RoleID: "r1"}
	scopeB := reverie.Scope{UserID: "u1", SessionID: "s2", RoleID: "r1"}
	scopeC := reverie.Scope{UserID: "u1", SessionID: "s1", RoleID: "r2"}

	if _, err := s.Insert(ctx, scopeA, &reverie.MemoryFragment{
		Content: "只属于A", Speaker: reverie.SpeakerUser,
		Type: reverie.TypeFact, Sentiment: reverie.SentimentNeutral,
		ImportanceScore: 7, Confidence: 0.8,
	}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	for _, other := range []reverie.Scope{scopeB, scopeC} {
		results, err := s.Query(ctx, other, "只属于A", 10, reverie.QueryFilters{})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if len(results) != 0 {
			t.Errorf("scope %v leaked %d fragments from another partition", other, len(results))
		}
	}
}

func TestListOrderAndLimit(t *testing.T) {
	s := newTestStore(t, &stubEmbedder{dims: 4})
	ctx := context.Background()
	scope := testScope()

	for i, content := range []string{"第一条", "第二条", "第三条"} {
		if _, err := s.Insert(ctx, scope, &reverie.MemoryFragment{
			Content: content, Speaker: reverie.SpeakerUser,
			Type: reverie.TypeFact, Sentiment: reverie.SentimentNeutral,
			ImportanceScore: 5, Confidence: 0.8,
			Timestamp: int64(1000 + i),
		}); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	list, err := s.List(ctx, scope, 2, reverie.QueryFilters{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() returned %d, want 2", len(list))
	}
	if list[0].Content != "第三条" || list[1].Content != "第二条" {
		t.Errorf("List() order = [%s, %s], want newest first", list[0].Content, list[1].Content)
	}
}

func TestDeleteScope(t *testing.T) {
	s := newTestStore(t, &stubEmbedder{dims: 4})
	ctx := context.Background()
	scopeA := testScope()
	scopeB := reverie.Scope{UserID: "u2", SessionID: "s1", RoleID: "companion_warm"}

	for _, sc := range []reverie.Scope{scopeA, scopeB} {
		if _, err := s.Insert(ctx, sc, &reverie.MemoryFragment{
			Content: "记忆", Speaker: reverie.SpeakerUser,
			Type: reverie.TypeFact, Sentiment: reverie.SentimentNeutral,
			ImportanceScore: 5, Confidence: 0.8,
		}); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	if err := s.DeleteScope(ctx, scopeA); err != nil {
		t.Fatalf("DeleteScope() error = %v", err)
	}
	if n, _ := s.Count(ctx, scopeA); n != 0 {
		t.Errorf("Count() after delete = %d, want 0", n)
	}
	if n, _ := s.Count(ctx, scopeB); n != 1 {
		t.Errorf("DeleteScope() touched another partition, count = %d", n)
	}
}

func TestDimensionLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked.db")
	ctx := context.Background()

	s1 := New(path, &stubEmbedder{dims: 4})
	if err := s1.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := s1.Insert(ctx, testScope(), &reverie.MemoryFragment{
		Content: "记忆", Speaker: reverie.SpeakerUser,
		Type: reverie.TypeFact, Sentiment: reverie.SentimentNeutral,
		ImportanceScore: 5, Confidence: 0.8,
	}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	s1.Close()

	s2 := New(path, &stubEmbedder{dims: 8})
	defer s2.Close()
	err := s2.Init(ctx)
	var mismatch *reverie.ErrDimensionMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("Init() with changed dimensions error = %v, want ErrDimensionMismatch", err)
	}
	if mismatch.Want != 4 || mismatch.Got != 8 {
		t.Errorf("mismatch = want %d got %d, expected want 4 got 8", mismatch.Want, mismatch.Got)
	}
}

func TestInsertEmbeddingFailure(t *testing.T) {
	s := newTestStore(t, &stubEmbedder{dims: 4})
	// Swap in a failing embedder after init.
	s.embedder = &stubEmbedder{dims: 4, fail: errors.New("provider down")}

	_, err := s.Insert(context.Background(), testScope(), &reverie.MemoryFragment{
		Content: "记忆", Speaker: reverie.SpeakerUser,
		Type: reverie.TypeFact, Sentiment: reverie.SentimentNeutral,
		ImportanceScore: 5, Confidence: 0.8,
	})
	var embErr *reverie.ErrEmbedding
	if !errors.As(err, &embErr) {
		t.Fatalf("Insert() error = %v, want ErrEmbedding", err)
	}
	if n, _ := s.Count(context.Background(), testScope()); n != 0 {
		t.Errorf("failed insert should not persist, count = %d", n)
	}
}
