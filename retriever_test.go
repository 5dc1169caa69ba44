package reverie

import (
	"context"
	"errors"
	"testing"
)

func seedFragments(store *memStore, scope Scope, entries map[string]struct {
	sim   float64
	score int
	ts    int64
	emb   []float32
}) {
	for content, e := range entries {
		store.similarity[content] = e.sim
		f := MemoryFragment{
			Content:         content,
			Speaker:         SpeakerUser,
			Type:            TypeFact,
			Sentiment:       SentimentNeutral,
			ImportanceScore: e.score,
			Timestamp:       e.ts,
			Embedding:       e.emb,
		}
		_, _ = store.Insert(context.Background(), scope, &f)
	}
}

func TestSelectTopK(t *testing.T) {
	store := newMemStore()
	scope := Scope{UserID: "u1", SessionID: "s1", RoleID: "companion_warm"}
	now := NowUnix()
	seedFragments(store, scope, map[string]struct {
		sim   float64
		score int
		ts    int64
		emb   []float32
	}{
		"用户最喜欢吃麻辣火锅":  {sim: 0.9, score: 8, ts: now},
		"用户在学习Go语言":   {sim: 0.5, score: 7, ts: now},
		"用户养了一只猫":     {sim: 0.4, score: 6, ts: now},
		"用户周末喜欢爬山":    {sim: 0.3, score: 6, ts: now},
	})

	r := NewRetriever(store)
	got, err := r.Select(context.Background(), scope, "吃点什么好", &RetrievalConfig{
		TopK: 2, MinImportance: 5, BoostImportance: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d memories, want 2", len(got))
	}
	if got[0].Fragment.Content != "用户最喜欢吃麻辣火锅" {
		t.Errorf("top memory %q, want the hotpot preference", got[0].Fragment.Content)
	}
}

func TestSelectZeroTopK(t *testing.T) {
	r := NewRetriever(newMemStore())
	got, err := r.Select(context.Background(), Scope{UserID: "u1", SessionID: "s1"}, "你好", &RetrievalConfig{TopK: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("got %d memories, want none", len(got))
	}
}

func TestSelectMinImportanceFilter(t *testing.T) {
	store := newMemStore()
	scope := Scope{UserID: "u1", SessionID: "s1"}
	now := NowUnix()
	seedFragments(store, scope, map[string]struct {
		sim   float64
		score int
		ts    int64
		emb   []float32
	}{
		"重要记忆": {sim: 0.8, score: 8, ts: now},
		"琐碎记忆": {sim: 0.9, score: 3, ts: now},
	})

	r := NewRetriever(store)
	got, err := r.Select(context.Background(), scope, "想起什么", &RetrievalConfig{TopK: 5, MinImportance: 6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Fragment.Content != "重要记忆" {
		t.Fatalf("got %+v, want only the important memory", got)
	}
}

func TestSelectRecencyDecay(t *testing.T) {
	store := newMemStore()
	scope := Scope{UserID: "u1", SessionID: "s1"}
	now := int64(1_700_000_000)
	seedFragments(store, scope, map[string]struct {
		sim   float64
		score int
		ts    int64
		emb   []float32
	}{
		"最近的记忆": {sim: 0.6, score: 7, ts: now - 86400},      // 1 day old
		"很久的记忆": {sim: 0.6, score: 7, ts: now - 60*86400}, // 60 days old
	})

	r := NewRetriever(store)
	r.now = func() int64 { return now }
	got, err := r.Select(context.Background(), scope, "记得吗", &RetrievalConfig{
		TopK: 2, MinImportance: 5, BoostRecent: true, BoostImportance: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d memories, want 2", len(got))
	}
	if got[0].Fragment.Content != "最近的记忆" {
		t.Errorf("top memory %q, want the recent one", got[0].Fragment.Content)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("recent score %f not above old score %f", got[0].Score, got[1].Score)
	}
}

func TestRecencyFactor(t *testing.T) {
	now := int64(1_700_000_000)
	if f := recencyFactor(now, now-3*86400); f != 1.0 {
		t.Errorf("3-day-old factor %f, want 1.0", f)
	}
	if f := recencyFactor(now, now-8*86400); f >= 1.0 || f < 0.9 {
		t.Errorf("8-day-old factor %f, want just below 1.0", f)
	}
	if f := recencyFactor(now, now-1000*86400); f != recencyFloor {
		t.Errorf("ancient factor %f, want floor %f", f, recencyFloor)
	}
}

func TestSelectScoreThreshold(t *testing.T) {
	store := newMemStore()
	scope := Scope{UserID: "u1", SessionID: "s1"}
	now := NowUnix()
	seedFragments(store, scope, map[string]struct {
		sim   float64
		score int
		ts    int64
		emb   []float32
	}{
		"相关记忆":  {sim: 0.9, score: 9, ts: now},
		"无关记忆":  {sim: 0.05, score: 5, ts: now},
	})

	r := NewRetriever(store)
	got, err := r.Select(context.Background(), scope, "查询", &RetrievalConfig{
		TopK: 5, MinImportance: 5, BoostImportance: true, ScoreThreshold: 0.5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Fragment.Content != "相关记忆" {
		t.Fatalf("got %+v, want only the relevant memory", got)
	}
}

func TestSelectDiversityPenalty(t *testing.T) {
	// Two near-identical fragments and one distinct fragment. With the
	// penalty active, the distinct one beats the second duplicate.
	ranked := []RetrievedMemory{
		{Fragment: MemoryFragment{Content: "喜欢火锅", Embedding: []float32{1, 0}}, Score: 0.9},
		{Fragment: MemoryFragment{Content: "爱吃火锅", Embedding: []float32{1, 0}}, Score: 0.85},
		{Fragment: MemoryFragment{Content: "在学Go", Embedding: []float32{0, 1}}, Score: 0.5},
	}
	got := selectDiverse(ranked, RetrievalConfig{TopK: 2, DiversityPenalty: 0.5})
	if len(got) != 2 {
		t.Fatalf("got %d memories, want 2", len(got))
	}
	if got[0].Fragment.Content != "喜欢火锅" || got[1].Fragment.Content != "在学Go" {
		t.Errorf("diversity not applied: %q then %q", got[0].Fragment.Content, got[1].Fragment.Content)
	}
}

func TestSelectDiverseDisabled(t *testing.T) {
	ranked := []RetrievedMemory{
		{Fragment: MemoryFragment{Content: "a"}, Score: 0.9},
		{Fragment: MemoryFragment{Content: "b"}, Score: 0.8},
		{Fragment: MemoryFragment{Content: "c"}, Score: 0.7},
	}
	got := selectDiverse(ranked, RetrievalConfig{TopK: 2, DiversityPenalty: 0})
	if len(got) != 2 || got[0].Fragment.Content != "a" || got[1].Fragment.Content != "b" {
		t.Errorf("got %+v, want first two by score", got)
	}
}

func TestSelectStoreError(t *testing.T) {
	store := newMemStore()
	store.queryErr = errors.New("db gone")
	r := NewRetriever(store)
	if _, err := r.Select(context.Background(), Scope{UserID: "u1", SessionID: "s1"}, "你好", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched", []float32{1, 0}, []float32{1}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("got %f, want %f", got, tc.want)
			}
		})
	}
}
