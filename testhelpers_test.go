package reverie

import (
	"context"
	"sync"
)

// stubProvider is a test Provider that returns pre-configured results in
// order. When the queue runs out it repeats the last result.
type stubProvider struct {
	mu      sync.Mutex
	calls   int
	results []stubResult
}

type stubResult struct {
	resp ChatResponse
	err  error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		if len(s.results) == 0 {
			return ChatResponse{}, nil
		}
		i = len(s.results) - 1
	}
	return s.results[i].resp, s.results[i].err
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ Provider = (*stubProvider)(nil)

// memStore is an in-memory MemoryStore for tests. Similarity comes from a
// fixed per-content score map instead of real embeddings.
type memStore struct {
	mu         sync.Mutex
	fragments  map[string][]MemoryFragment // partition -> fragments
	similarity map[string]float64          // content -> similarity
	queryErr   error
	insertErr  error
}

func newMemStore() *memStore {
	return &memStore{
		fragments:  map[string][]MemoryFragment{},
		similarity: map[string]float64{},
	}
}

func (m *memStore) Init(_ context.Context) error { return nil }
func (m *memStore) Close() error                 { return nil }

func (m *memStore) Insert(_ context.Context, scope Scope, f *MemoryFragment) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return "", m.insertErr
	}
	part := scope.Partition()
	for _, existing := range m.fragments[part] {
		if existing.Content == f.Content && existing.Speaker == f.Speaker {
			return existing.FragmentID, nil
		}
	}
	if f.FragmentID == "" {
		f.FragmentID = NewID()
	}
	if f.Timestamp == 0 {
		f.Timestamp = NowUnix()
	}
	m.fragments[part] = append(m.fragments[part], *f)
	return f.FragmentID, nil
}

func (m *memStore) Query(_ context.Context, scope Scope, _ string, topK int, filters QueryFilters) ([]ScoredFragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []ScoredFragment
	for _, f := range m.fragments[scope.Partition()] {
		if !filters.Match(&f) {
			continue
		}
		out = append(out, ScoredFragment{Fragment: f, Similarity: m.similarity[f.Content]})
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Similarity > out[i].Similarity {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memStore) Count(_ context.Context, scope Scope) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fragments[scope.Partition()]), nil
}

func (m *memStore) List(_ context.Context, scope Scope, limit int, filters QueryFilters) ([]MemoryFragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MemoryFragment
	all := m.fragments[scope.Partition()]
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if filters.Match(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (m *memStore) DeleteScope(_ context.Context, scope Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fragments, scope.Partition())
	return nil
}

func (m *memStore) count(scope Scope) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fragments[scope.Partition()])
}

var _ MemoryStore = (*memStore)(nil)

// stubUsers is an in-memory UserManager.
type stubUsers struct {
	mu    sync.Mutex
	users map[string]User
}

func newStubUsers() *stubUsers { return &stubUsers{users: map[string]User{}} }

func (s *stubUsers) GetUser(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, &ErrUnknownUser{ID: userID}
	}
	return u, nil
}

func (s *stubUsers) GetOrCreateUser(_ context.Context, userID, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u, nil
	}
	u := User{UserID: userID, Username: username, CreatedAt: NowUnix()}
	s.users[userID] = u
	return u, nil
}

var _ UserManager = (*stubUsers)(nil)

// stubSessions is an in-memory SessionManager.
type stubSessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newStubSessions() *stubSessions { return &stubSessions{sessions: map[string]*Session{}} }

func (s *stubSessions) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, &ErrUnknownSession{ID: sessionID}
	}
	return *sess, nil
}

func (s *stubSessions) CreateSession(_ context.Context, userID, sessionID, title string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == "" {
		sessionID = NewID()
	}
	if sess, ok := s.sessions[sessionID]; ok {
		return *sess, nil
	}
	now := NowUnix()
	sess := &Session{SessionID: sessionID, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	s.sessions[sessionID] = sess
	return *sess, nil
}

func (s *stubSessions) AppendMessage(_ context.Context, sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return &ErrUnknownSession{ID: sessionID}
	}
	sess.Messages = append(sess.Messages, msg)
	sess.MessageCount++
	sess.UpdatedAt = NowUnix()
	return nil
}

var _ SessionManager = (*stubSessions)(nil)
