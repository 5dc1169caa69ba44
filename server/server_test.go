package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/reverie-ai/reverie"
	"github.com/reverie-ai/reverie/identity"
	"github.com/reverie-ai/reverie/internal/config"
)

// stubProvider returns a canned reply for every chat call.
type stubProvider struct {
	reply string
}

func (s *stubProvider) Chat(context.Context, reverie.ChatRequest) (reverie.ChatResponse, error) {
	return reverie.ChatResponse{Content: s.reply}, nil
}

func (s *stubProvider) Name() string { return "stub" }

// stubStore records inserts and serves canned fragments.
type stubStore struct {
	mu        sync.Mutex
	fragments map[string][]reverie.MemoryFragment // partition → fragments
}

func newStubStore() *stubStore {
	return &stubStore{fragments: map[string][]reverie.MemoryFragment{}}
}

func (s *stubStore) Init(context.Context) error { return nil }

func (s *stubStore) Insert(_ context.Context, scope reverie.Scope, f *reverie.MemoryFragment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.FragmentID == "" {
		f.FragmentID = reverie.NewID()
	}
	s.fragments[scope.Partition()] = append(s.fragments[scope.Partition()], *f)
	return f.FragmentID, nil
}

func (s *stubStore) Query(_ context.Context, scope reverie.Scope, _ string, topK int, filters reverie.QueryFilters) ([]reverie.ScoredFragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reverie.ScoredFragment
	for _, f := range s.fragments[scope.Partition()] {
		if filters.Match(&f) {
			out = append(out, reverie.ScoredFragment{Fragment: f, Similarity: 0.9})
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *stubStore) Count(_ context.Context, scope reverie.Scope) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fragments[scope.Partition()]), nil
}

func (s *stubStore) List(_ context.Context, scope reverie.Scope, limit int, filters reverie.QueryFilters) ([]reverie.MemoryFragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reverie.MemoryFragment
	for _, f := range s.fragments[scope.Partition()] {
		if filters.Match(&f) {
			out = append(out, f)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubStore) DeleteScope(_ context.Context, scope reverie.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fragments, scope.Partition())
	return nil
}

func (s *stubStore) Close() error { return nil }

type testEnv struct {
	server *Server
	store  *stubStore
	users  *identity.Users
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	users, err := identity.NewUsers(dir)
	if err != nil {
		t.Fatalf("NewUsers() error = %v", err)
	}
	sessions, err := identity.NewSessions(dir)
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}
	store := newStubStore()
	roles, err := reverie.LoadRoles(dir)
	if err != nil {
		t.Fatalf("LoadRoles() error = %v", err)
	}

	orch, err := reverie.NewOrchestrator(
		reverie.WithUsers(users),
		reverie.WithSessions(sessions),
		reverie.WithMemoryStore(store),
		reverie.WithMemoryRetriever(reverie.NewRetriever(store)),
		reverie.WithExtractor(reverie.NewExtractor(&stubProvider{reply: `{"fragments":[]}`})),
		reverie.WithReplyProvider(&stubProvider{reply: "我记得你说过的"}),
		reverie.WithRoles(roles),
	)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	t.Cleanup(orch.Close)

	return &testEnv{
		server: New(cfg, orch, users, sessions, store, roles),
		store:  store,
		users:  users,
	}
}

func doJSON(t *testing.T, srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestChatEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{Environment: config.EnvDevelopment})

	w := doJSON(t, env.server, http.MethodPost, "/v1/chat",
		`{"user_id":"u1","message":"我叫张三"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Response != "我记得你说过的" {
		t.Errorf("Response = %q", resp.Response)
	}
	if resp.SessionID == "" {
		t.Error("session was not auto-created")
	}
	if resp.UserID != "u1" {
		t.Errorf("UserID = %q", resp.UserID)
	}
}

func TestChatMissingFields(t *testing.T) {
	env := newTestEnv(t, Config{Environment: config.EnvDevelopment})

	w := doJSON(t, env.server, http.MethodPost, "/v1/chat", `{"user_id":"u1"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestChatUnknownRole(t *testing.T) {
	env := newTestEnv(t, Config{Environment: config.EnvDevelopment})

	w := doJSON(t, env.server, http.MethodPost, "/v1/chat",
		`{"user_id":"u1","message":"hi","role_id":"nonexistent"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid_role") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestChatCompletionsEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{Environment: config.EnvDevelopment})

	w := doJSON(t, env.server, http.MethodPost, "/v1/chat/completions",
		`{"model":"glm-4","messages":[{"role":"user","content":"你好"}]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("Object = %q", resp.Object)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content == "" {
		t.Errorf("Choices = %+v", resp.Choices)
	}
	if resp.Usage.PromptTokens != len([]rune("你好")) {
		t.Errorf("PromptTokens = %d, want rune count of input", resp.Usage.PromptTokens)
	}
}

func TestMemoriesRequiresUserID(t *testing.T) {
	env := newTestEnv(t, Config{Environment: config.EnvDevelopment})

	w := doJSON(t, env.server, http.MethodGet, "/v1/memories", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestMemoriesSessionOwnership(t *testing.T) {
	env := newTestEnv(t, Config{Environment: config.EnvDevelopment})

	// Create a session owned by u1 through the chat pipeline.
	w := doJSON(t, env.server, http.MethodPost, "/v1/chat",
		`{"user_id":"u1","message":"你好","session_id":"s1"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("chat status = %d", w.Code)
	}

	w = doJSON(t, env.server, http.MethodGet, "/v1/memories?user_id=u2&session_id=s1", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}

	w = doJSON(t, env.server, http.MethodGet, "/v1/memories?user_id=u1&session_id=missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMemoriesListsStoredFragments(t *testing.T) {
	env := newTestEnv(t, Config{Environment: config.EnvDevelopment})

	scope := reverie.Scope{UserID: "u1", SessionID: "s1", RoleID: reverie.DefaultRoleID}
	_, _ = env.store.Insert(context.Background(), scope, &reverie.MemoryFragment{
		Content: "用户最喜欢麻辣火锅", Speaker: reverie.SpeakerUser,
		Type: reverie.TypePreference, Sentiment: reverie.SentimentPositive,
		ImportanceScore: 8, Confidence: 0.9,
	})
	// Session must exist and belong to u1 for the ownership check.
	w := doJSON(t, env.server, http.MethodPost, "/v1/chat",
		`{"user_id":"u1","message":"你好","session_id":"s1"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("chat status = %d", w.Code)
	}

	w = doJSON(t, env.server, http.MethodGet, "/v1/memories?user_id=u1&session_id=s1&min_importance=6", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Memories []memoryView `json:"memories"`
		Count    int          `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 || resp.Memories[0].Content != "用户最喜欢麻辣火锅" {
		t.Errorf("memories = %+v", resp)
	}
}

func TestUserAndSessionCRUD(t *testing.T) {
	env := newTestEnv(t, Config{Environment: config.EnvDevelopment})

	w := doJSON(t, env.server, http.MethodPost, "/v1/users",
		`{"user_id":"u1","username":"张三"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create user status = %d", w.Code)
	}

	w = doJSON(t, env.server, http.MethodGet, "/v1/users/u1", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("get user status = %d", w.Code)
	}

	w = doJSON(t, env.server, http.MethodGet, "/v1/users/missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get missing user status = %d, want 404", w.Code)
	}

	w = doJSON(t, env.server, http.MethodPost, "/v1/sessions",
		`{"user_id":"u1","title":"工作"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session status = %d, body = %s", w.Code, w.Body.String())
	}
	var sess reverie.Session
	_ = json.Unmarshal(w.Body.Bytes(), &sess)

	w = doJSON(t, env.server, http.MethodGet, "/v1/sessions/"+sess.SessionID, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("get session status = %d", w.Code)
	}

	w = doJSON(t, env.server, http.MethodPost, "/v1/sessions",
		`{"user_id":"ghost"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("create session for missing user status = %d, want 404", w.Code)
	}

	w = doJSON(t, env.server, http.MethodGet, "/v1/users/u1/sessions", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list sessions status = %d", w.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("session count = %d, want 1", list.Count)
	}
}

func TestAuthProduction(t *testing.T) {
	env := newTestEnv(t, Config{Environment: config.EnvProduction, APIKey: "secret"})

	w := doJSON(t, env.server, http.MethodPost, "/v1/chat",
		`{"user_id":"u1","message":"hi"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), "auth_missing") {
		t.Errorf("missing key body = %s", w.Body.String())
	}

	w = doJSON(t, env.server, http.MethodPost, "/v1/chat",
		`{"user_id":"u1","message":"hi"}`, map[string]string{"X-API-Key": "wrong"})
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong key status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "auth_invalid") {
		t.Errorf("wrong key body = %s", w.Body.String())
	}

	w = doJSON(t, env.server, http.MethodPost, "/v1/chat",
		`{"user_id":"u1","message":"hi"}`, map[string]string{"X-API-Key": "secret"})
	if w.Code != http.StatusOK {
		t.Errorf("valid key status = %d, want 200", w.Code)
	}
}

func TestAuthDevelopmentOptional(t *testing.T) {
	env := newTestEnv(t, Config{Environment: config.EnvDevelopment})

	w := doJSON(t, env.server, http.MethodPost, "/v1/chat",
		`{"user_id":"u1","message":"hi"}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without key in development", w.Code)
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	env := newTestEnv(t, Config{Environment: config.EnvProduction, APIKey: "secret", Version: "1.0.0", EmbeddingName: "remote"})

	w := doJSON(t, env.server, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without auth", w.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "ok" || resp.Version != "1.0.0" {
		t.Errorf("health = %+v", resp)
	}
}
