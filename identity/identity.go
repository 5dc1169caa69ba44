// Package identity persists users and sessions as flat JSON files, one
// record per file, with an in-memory index for lookups. Writes go through
// a temp file and rename so a crash never leaves a half-written record.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/reverie-ai/reverie"
)

// DefaultSessionTitle is assigned when a session is created without one.
const DefaultSessionTitle = "新对话"

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// writeRecord marshals v and atomically replaces path.
func writeRecord(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

// loadRecords reads every *.json file under dir into out via parse.
func loadRecords(dir string, logger *slog.Logger, parse func(data []byte) error) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("glob records: %w", err)
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable record", "path", path, "error", err)
			continue
		}
		if err := parse(data); err != nil {
			logger.Warn("skipping malformed record", "path", path, "error", err)
		}
	}
	return nil
}

// Users manages user records under {dataDir}/users.
type Users struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	index map[string]reverie.User
}

// UsersOption configures a Users manager.
type UsersOption func(*Users)

// WithUsersLogger sets the structured logger (default: discard).
func WithUsersLogger(l *slog.Logger) UsersOption {
	return func(u *Users) { u.logger = l }
}

var _ reverie.UserManager = (*Users)(nil)

// NewUsers creates the users directory if needed and loads all existing
// records into the index.
func NewUsers(dataDir string, opts ...UsersOption) (*Users, error) {
	u := &Users{
		dir:    filepath.Join(dataDir, "users"),
		logger: nopLogger,
		index:  map[string]reverie.User{},
	}
	for _, opt := range opts {
		opt(u)
	}
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create users dir: %w", err)
	}
	err := loadRecords(u.dir, u.logger, func(data []byte) error {
		var rec reverie.User
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.UserID == "" {
			return fmt.Errorf("record missing user_id")
		}
		u.index[rec.UserID] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	u.logger.Debug("users loaded", "count", len(u.index))
	return u, nil
}

// GetUser returns a user by id, or ErrUnknownUser.
func (u *Users) GetUser(_ context.Context, userID string) (reverie.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	rec, ok := u.index[userID]
	if !ok {
		return reverie.User{}, &reverie.ErrUnknownUser{ID: userID}
	}
	return rec, nil
}

// GetOrCreateUser returns the stored user, creating it first when absent.
// An empty username defaults to "user_" + id.
func (u *Users) GetOrCreateUser(_ context.Context, userID, username string) (reverie.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if rec, ok := u.index[userID]; ok {
		return rec, nil
	}
	if username == "" {
		username = "user_" + userID
	}
	return u.createLocked(reverie.User{
		UserID:    userID,
		Username:  username,
		CreatedAt: reverie.NowUnix(),
	})
}

// CreateUser registers a new user. An empty id is generated. Creating an
// id that already exists returns the stored record unchanged.
func (u *Users) CreateUser(_ context.Context, userID, username string, metadata map[string]string) (reverie.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if userID == "" {
		userID = reverie.NewID()
	} else if rec, ok := u.index[userID]; ok {
		return rec, nil
	}
	if username == "" {
		username = "user_" + userID
	}
	return u.createLocked(reverie.User{
		UserID:    userID,
		Username:  username,
		CreatedAt: reverie.NowUnix(),
		Metadata:  metadata,
	})
}

func (u *Users) createLocked(rec reverie.User) (reverie.User, error) {
	if err := writeRecord(u.recordPath(rec.UserID), rec); err != nil {
		return reverie.User{}, err
	}
	u.index[rec.UserID] = rec
	u.logger.Info("user created", "user_id", rec.UserID, "username", rec.Username)
	return rec, nil
}

func (u *Users) recordPath(id string) string {
	return filepath.Join(u.dir, sanitize(id)+".json")
}

// Sessions manages session records, with full message history, under
// {dataDir}/sessions.
type Sessions struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	index map[string]reverie.Session
}

// SessionsOption configures a Sessions manager.
type SessionsOption func(*Sessions)

// WithSessionsLogger sets the structured logger (default: discard).
func WithSessionsLogger(l *slog.Logger) SessionsOption {
	return func(s *Sessions) { s.logger = l }
}

var _ reverie.SessionManager = (*Sessions)(nil)

// NewSessions creates the sessions directory if needed and loads all
// existing records into the index.
func NewSessions(dataDir string, opts ...SessionsOption) (*Sessions, error) {
	s := &Sessions{
		dir:    filepath.Join(dataDir, "sessions"),
		logger: nopLogger,
		index:  map[string]reverie.Session{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	err := loadRecords(s.dir, s.logger, func(data []byte) error {
		var rec reverie.Session
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.SessionID == "" {
			return fmt.Errorf("record missing session_id")
		}
		s.index[rec.SessionID] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sessions loaded", "count", len(s.index))
	return s, nil
}

// GetSession returns a session by id, or ErrUnknownSession.
func (s *Sessions) GetSession(_ context.Context, sessionID string) (reverie.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.index[sessionID]
	if !ok {
		return reverie.Session{}, &reverie.ErrUnknownSession{ID: sessionID}
	}
	return rec, nil
}

// CreateSession registers a new session for a user. An empty id is
// generated, an empty title defaults to DefaultSessionTitle. Creating an
// id that already exists returns the stored record unchanged.
func (s *Sessions) CreateSession(_ context.Context, userID, sessionID, title string) (reverie.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == "" {
		sessionID = reverie.NewID()
	} else if rec, ok := s.index[sessionID]; ok {
		return rec, nil
	}
	if title == "" {
		title = DefaultSessionTitle
	}
	now := reverie.NowUnix()
	rec := reverie.Session{
		SessionID: sessionID,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := writeRecord(s.recordPath(sessionID), rec); err != nil {
		return reverie.Session{}, err
	}
	s.index[sessionID] = rec
	s.logger.Info("session created", "session_id", sessionID, "user_id", userID)
	return rec, nil
}

// AppendMessage adds a message to the session history and bumps
// MessageCount and UpdatedAt.
func (s *Sessions) AppendMessage(_ context.Context, sessionID string, msg reverie.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[sessionID]
	if !ok {
		return &reverie.ErrUnknownSession{ID: sessionID}
	}
	if msg.MessageID == "" {
		msg.MessageID = reverie.NewID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = reverie.NowUnix()
	}
	msg.SessionID = sessionID
	rec.Messages = append(rec.Messages, msg)
	rec.MessageCount = len(rec.Messages)
	rec.UpdatedAt = reverie.NowUnix()
	if err := writeRecord(s.recordPath(sessionID), rec); err != nil {
		return err
	}
	s.index[sessionID] = rec
	return nil
}

// ListSessions returns all sessions owned by a user, most recently
// updated first.
func (s *Sessions) ListSessions(_ context.Context, userID string) ([]reverie.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []reverie.Session
	for _, rec := range s.index {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (s *Sessions) recordPath(id string) string {
	return filepath.Join(s.dir, sanitize(id)+".json")
}

// sanitize keeps record ids from escaping the data directory.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.', ':':
			return '_'
		}
		return r
	}, id)
}
