package postgres

import (
	"testing"

	"github.com/reverie-ai/reverie"
)

// Query/Insert paths need a live pgvector instance and are covered by the
// sqlite store tests over the shared semantics. These exercise the pure
// SQL-building and codec helpers.

func TestFilterClause(t *testing.T) {
	where, args := filterClause("u1_s1_memories", reverie.QueryFilters{}, 2)
	if where != "WHERE partition = $2" {
		t.Errorf("got %q", where)
	}
	if len(args) != 1 || args[0] != "u1_s1_memories" {
		t.Errorf("got args %v", args)
	}

	where, args = filterClause("p", reverie.QueryFilters{MinImportance: 6, Speaker: "user", Type: "preference"}, 1)
	want := "WHERE partition = $1 AND importance >= $2 AND speaker = $3 AND type = $4"
	if where != want {
		t.Errorf("got %q, want %q", where, want)
	}
	if len(args) != 4 {
		t.Errorf("got %d args, want 4", len(args))
	}
}

func TestHNSWWithClause(t *testing.T) {
	s := New(nil, nil)
	if got := s.hnswWithClause(); got != "" {
		t.Errorf("got %q, want empty without tuning", got)
	}

	s = New(nil, nil, WithHNSWM(32), WithEFConstruction(128))
	if got := s.hnswWithClause(); got != " WITH (m = 32, ef_construction = 128)" {
		t.Errorf("got %q", got)
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(""); got != nil {
		t.Errorf("got %v, want nil", got)
	}
	got := splitList("a,b")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v", got)
	}
}

func TestEmbeddingCodec(t *testing.T) {
	in := []float32{0.25, -1, 0}
	text := serializeEmbedding(in)
	if text != "[0.25,-1,0]" {
		t.Errorf("got %q", text)
	}
	out := deserializeEmbedding(text)
	if len(out) != len(in) {
		t.Fatalf("got %d values, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("value %d: got %f, want %f", i, out[i], in[i])
		}
	}
}

func TestDeserializeEmbeddingMalformed(t *testing.T) {
	for _, s := range []string{"", "[]", "[a,b]", "[1,]"} {
		if got := deserializeEmbedding(s); got != nil {
			t.Errorf("%q parsed as %v, want nil", s, got)
		}
	}
}
