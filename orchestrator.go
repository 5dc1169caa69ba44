package reverie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Buffer and scheduling defaults.
const (
	bufferCap               = 50 // soft cap on the per-session message buffer
	defaultExtractThreshold = 3  // turns between extractions
	defaultMaxContext       = 5  // fragments injected per reply
	defaultWorkers          = 4  // background extraction workers
	defaultJobQueue         = 64 // pending extraction jobs before drop
	replyTemperature        = 0.8
	historyTail             = 10 // buffered messages replayed into the prompt
	contextMinImportance    = 6  // only clearly important memories enter the prompt

	sessionIdleTTL    = 30 * time.Minute
	sessionSweepAbove = 1024 // sweep idle session states past this many entries
)

// UserManager resolves and creates identity records. Implemented by the
// identity package over flat JSON files.
type UserManager interface {
	GetUser(ctx context.Context, userID string) (User, error)
	GetOrCreateUser(ctx context.Context, userID, username string) (User, error)
}

// SessionManager owns durable conversation containers and their history.
type SessionManager interface {
	GetSession(ctx context.Context, sessionID string) (Session, error)
	CreateSession(ctx context.Context, userID, sessionID, title string) (Session, error)
	AppendMessage(ctx context.Context, sessionID string, msg Message) error
}

// TurnMetrics receives orchestration events for metric emission. A nil
// hook disables emission. Implementations must be safe for concurrent use;
// ExtractionObserved fires from background workers.
type TurnMetrics interface {
	TurnCompleted(ctx context.Context, roleID string)
	RetrievalObserved(ctx context.Context, partition string, elapsed time.Duration)
	ExtractionObserved(ctx context.Context, partition string, extracted, stored int)
}

// TurnRequest is one user turn handed to the Orchestrator.
type TurnRequest struct {
	UserID     string
	SessionID  string // empty = create a new session
	RoleID     string // empty = default role
	Message    string
	Username   string // used when auto-creating the user
	ExtractNow bool   // force extraction this turn

	MinImportanceOverride      int // 0 = default
	MaxContextMemoriesOverride int // 0 = default
}

// TurnResult is what the caller observes for one turn. Extraction work
// never changes the reply; it only affects the store.
type TurnResult struct {
	Reply           string
	SessionID       string
	UserID          string
	MemoryExtracted bool // an extraction job was scheduled this turn
	MessageCount    int
	FragmentsUsed   int
}

// sessionState is the per-live-session mutable state. The mutex serializes
// turns for one session while distinct sessions run fully in parallel.
type sessionState struct {
	mu       sync.Mutex
	buffer   []Message
	turns    int
	lastUsed time.Time
}

// Orchestrator runs the per-turn pipeline: buffer, retrieve, prompt,
// reply, and non-blocking background extraction.
type Orchestrator struct {
	users     UserManager
	sessions  SessionManager
	store     MemoryStore
	retriever *Retriever
	extractor *Extractor
	replyLLM  Provider
	roles     *RoleRegistry
	logger    *slog.Logger
	metrics   TurnMetrics

	extractThreshold   int
	maxContextMemories int
	workers            int

	mu     sync.Mutex
	active map[string]*sessionState

	pool *extractionPool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithUsers sets the user identity collaborator (required).
func WithUsers(u UserManager) OrchestratorOption {
	return func(o *Orchestrator) { o.users = u }
}

// WithSessions sets the session collaborator (required).
func WithSessions(s SessionManager) OrchestratorOption {
	return func(o *Orchestrator) { o.sessions = s }
}

// WithMemoryStore sets the fragment store (required).
func WithMemoryStore(s MemoryStore) OrchestratorOption {
	return func(o *Orchestrator) { o.store = s }
}

// WithMemoryRetriever sets the hybrid retriever (required).
func WithMemoryRetriever(r *Retriever) OrchestratorOption {
	return func(o *Orchestrator) { o.retriever = r }
}

// WithExtractor sets the extraction engine (required).
func WithExtractor(e *Extractor) OrchestratorOption {
	return func(o *Orchestrator) { o.extractor = e }
}

// WithReplyProvider sets the reply LLM (required).
func WithReplyProvider(p Provider) OrchestratorOption {
	return func(o *Orchestrator) { o.replyLLM = p }
}

// WithRoles sets the persona registry (required).
func WithRoles(r *RoleRegistry) OrchestratorOption {
	return func(o *Orchestrator) { o.roles = r }
}

// WithExtractThreshold sets turns between extractions (default 3).
func WithExtractThreshold(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.extractThreshold = n
		}
	}
}

// WithMaxContextMemories caps fragments injected per reply (default 5).
func WithMaxContextMemories(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxContextMemories = n
		}
	}
}

// WithWorkers sets the extraction worker pool size (default 4).
func WithWorkers(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithOrchestratorLogger sets the structured logger (default: discard).
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTurnMetrics sets the metrics hook (default: none).
func WithTurnMetrics(m TurnMetrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator wires the pipeline and starts the extraction pool.
// Missing required collaborators fail construction.
func NewOrchestrator(opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		logger:             nopLogger,
		extractThreshold:   defaultExtractThreshold,
		maxContextMemories: defaultMaxContext,
		workers:            defaultWorkers,
		active:             map[string]*sessionState{},
	}
	for _, opt := range opts {
		opt(o)
	}
	switch {
	case o.users == nil:
		return nil, errors.New("orchestrator: user manager is required")
	case o.sessions == nil:
		return nil, errors.New("orchestrator: session manager is required")
	case o.store == nil:
		return nil, errors.New("orchestrator: memory store is required")
	case o.retriever == nil:
		return nil, errors.New("orchestrator: retriever is required")
	case o.extractor == nil:
		return nil, errors.New("orchestrator: extractor is required")
	case o.replyLLM == nil:
		return nil, errors.New("orchestrator: reply provider is required")
	case o.roles == nil:
		return nil, errors.New("orchestrator: role registry is required")
	}

	o.pool = newExtractionPool(o.workers, defaultJobQueue, o.logger, o.runExtraction)
	return o, nil
}

// Close stops the extraction pool after letting in-flight jobs finish.
func (o *Orchestrator) Close() {
	o.pool.close()
}

// DrainExtractions blocks until all scheduled extraction jobs complete.
// Used by graceful shutdown and by tests that assert on stored fragments.
func (o *Orchestrator) DrainExtractions() {
	o.pool.drain()
}

// Chat processes one user turn. Turns for the same session are serialized;
// the reply is never delayed by extraction work.
func (o *Orchestrator) Chat(ctx context.Context, req TurnRequest) (TurnResult, error) {
	role, err := o.roles.Get(req.RoleID)
	if err != nil {
		return TurnResult{}, err
	}

	username := req.Username
	if username == "" {
		username = "user_" + req.UserID
	}
	user, err := o.users.GetOrCreateUser(ctx, req.UserID, username)
	if err != nil {
		return TurnResult{}, fmt.Errorf("resolve user: %w", err)
	}

	session, err := o.resolveSession(ctx, user.UserID, req.SessionID)
	if err != nil {
		return TurnResult{}, err
	}

	scope := Scope{UserID: user.UserID, SessionID: session.SessionID, RoleID: role.RoleID}
	state := o.sessionState(session.SessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	start := time.Now()
	userMsg := Message{
		MessageID: NewID(),
		SessionID: session.SessionID,
		Role:      SpeakerUser,
		Content:   req.Message,
		Timestamp: NowUnix(),
	}
	o.buffer(state, userMsg)
	if err := o.sessions.AppendMessage(ctx, session.SessionID, userMsg); err != nil {
		o.logger.Warn("persist user message", "session_id", session.SessionID, "error", err)
	}

	memories := o.retrieveContext(ctx, scope, req)
	messages := o.buildMessages(role, state, memories, req.Message)

	resp, err := o.replyLLM.Chat(ctx, ChatRequest{Messages: messages, Temperature: replyTemperature})
	if err != nil {
		return TurnResult{}, fmt.Errorf("reply: %w", err)
	}
	reply := strings.TrimSpace(resp.Content)

	asstMsg := Message{
		MessageID: NewID(),
		SessionID: session.SessionID,
		Role:      SpeakerAssistant,
		Content:   reply,
		Timestamp: NowUnix(),
	}
	o.buffer(state, asstMsg)
	if err := o.sessions.AppendMessage(ctx, session.SessionID, asstMsg); err != nil {
		o.logger.Warn("persist assistant message", "session_id", session.SessionID, "error", err)
	}

	state.turns++
	scheduled := req.ExtractNow || state.turns%o.extractThreshold == 0
	if scheduled {
		window := snapshotTail(state.buffer, o.extractThreshold*2)
		scheduled = o.pool.schedule(context.WithoutCancel(ctx), scope, window)
	}

	o.logger.Debug("turn complete",
		"session_id", session.SessionID,
		"role_id", role.RoleID,
		"fragments_used", len(memories),
		"extraction_scheduled", scheduled,
		"duration", time.Since(start))
	if o.metrics != nil {
		o.metrics.TurnCompleted(ctx, role.RoleID)
	}

	return TurnResult{
		Reply:           reply,
		SessionID:       session.SessionID,
		UserID:          user.UserID,
		MemoryExtracted: scheduled,
		MessageCount:    len(state.buffer),
		FragmentsUsed:   len(memories),
	}, nil
}

// resolveSession loads the session, creating one when the id is empty or
// unknown so a bare first request just works.
func (o *Orchestrator) resolveSession(ctx context.Context, userID, sessionID string) (Session, error) {
	if sessionID != "" {
		session, err := o.sessions.GetSession(ctx, sessionID)
		if err == nil {
			return session, nil
		}
		var unknown *ErrUnknownSession
		if !errors.As(err, &unknown) {
			return Session{}, fmt.Errorf("resolve session: %w", err)
		}
	}
	session, err := o.sessions.CreateSession(ctx, userID, sessionID, "新对话")
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// retrieveContext fetches the fragments injected into the prompt.
// Retrieval failure degrades to an empty context rather than failing the
// turn: weaker personalization, unbroken conversation.
func (o *Orchestrator) retrieveContext(ctx context.Context, scope Scope, req TurnRequest) []RetrievedMemory {
	cfg := DefaultRetrievalConfig()
	cfg.TopK = o.maxContextMemories
	cfg.MinImportance = contextMinImportance
	if req.MaxContextMemoriesOverride > 0 {
		cfg.TopK = req.MaxContextMemoriesOverride
	}
	if req.MinImportanceOverride > 0 {
		cfg.MinImportance = req.MinImportanceOverride
	}

	start := time.Now()
	memories, err := o.retriever.Select(ctx, scope, req.Message, &cfg)
	if err != nil {
		o.logger.Warn("memory retrieval failed", "partition", scope.Partition(), "error", err)
		return nil
	}
	if o.metrics != nil {
		o.metrics.RetrievalObserved(ctx, scope.Partition(), time.Since(start))
	}
	if len(memories) > cfg.TopK {
		memories = memories[:cfg.TopK]
	}
	return memories
}

// buildMessages assembles the LLM request: persona system prompt plus the
// memory block, the buffered history tail, then the current user text.
func (o *Orchestrator) buildMessages(role *Role, state *sessionState, memories []RetrievedMemory, userText string) []ChatMessage {
	var system strings.Builder
	system.WriteString(role.SystemPrompt())
	system.WriteString("\n\n## 关于用户的重要记忆\n\n请仔细阅读以下记忆，在回复中体现你的理解，但不要刻意提及“记忆”本身：\n\n")
	system.WriteString(MemoryBlock(memories))

	messages := []ChatMessage{SystemMessage(system.String())}

	// History tail, excluding the user message appended this turn.
	tail := snapshotTail(state.buffer, historyTail+1)
	if n := len(tail); n > 0 {
		tail = tail[:n-1]
	}
	for _, m := range tail {
		messages = append(messages, ChatMessage{Role: m.Role, Content: m.Content})
	}

	return append(messages, UserMessage(userText))
}

// MemoryBlock renders retrieved fragments for prompt injection, grouped by
// origin so the model can tell its own commitments from user facts.
func MemoryBlock(memories []RetrievedMemory) string {
	if len(memories) == 0 {
		return "（这是我们的第一次对话，还没有关于你的记忆）"
	}

	var user, assistant []string
	for _, m := range memories {
		line := fmt.Sprintf("- %s (重要性: %d/10, 类型: %s, 情感: %s)",
			m.Fragment.Content, m.Fragment.ImportanceScore, m.Fragment.Type, m.Fragment.Sentiment)
		if m.Fragment.Speaker == SpeakerAssistant {
			assistant = append(assistant, line)
		} else {
			user = append(user, line)
		}
	}

	var b strings.Builder
	if len(user) > 0 {
		b.WriteString("用户说过：\n")
		b.WriteString(strings.Join(user, "\n"))
	}
	if len(assistant) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("你曾经说过（请记住并遵守你的承诺）：\n")
		b.WriteString(strings.Join(assistant, "\n"))
	}
	return b.String()
}

// buffer appends to the FIFO session buffer, evicting the oldest entry
// past the cap.
func (o *Orchestrator) buffer(state *sessionState, msg Message) {
	state.buffer = append(state.buffer, msg)
	if len(state.buffer) > bufferCap {
		state.buffer = state.buffer[len(state.buffer)-bufferCap:]
	}
}

// snapshotTail copies the last n messages so background jobs observe the
// window as of scheduling time.
func snapshotTail(buffer []Message, n int) []Message {
	if len(buffer) > n {
		buffer = buffer[len(buffer)-n:]
	}
	out := make([]Message, len(buffer))
	copy(out, buffer)
	return out
}

// sessionState returns the per-session state, creating it on first use and
// sweeping idle entries once the registry grows large.
func (o *Orchestrator) sessionState(sessionID string) *sessionState {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.active) > sessionSweepAbove {
		cutoff := time.Now().Add(-sessionIdleTTL)
		for id, st := range o.active {
			if st.lastUsed.Before(cutoff) && st.mu.TryLock() {
				st.mu.Unlock()
				delete(o.active, id)
			}
		}
	}

	st, ok := o.active[sessionID]
	if !ok {
		st = &sessionState{}
		o.active[sessionID] = st
	}
	st.lastUsed = time.Now()
	return st
}

// runExtraction is the worker body: extract, then insert each surviving
// fragment. Failures are logged and swallowed; the next window gets
// another attempt.
func (o *Orchestrator) runExtraction(ctx context.Context, scope Scope, window []Message) {
	fragments, err := o.extractor.Extract(ctx, window)
	if err != nil {
		o.logger.Warn("extraction failed", "partition", scope.Partition(), "error", err)
		return
	}
	stored := 0
	for i := range fragments {
		if _, err := o.store.Insert(ctx, scope, &fragments[i]); err != nil {
			o.logger.Warn("store fragment", "partition", scope.Partition(), "error", err)
			continue
		}
		stored++
	}
	if stored > 0 {
		o.logger.Info("memories stored", "partition", scope.Partition(), "count", stored)
	}
	if o.metrics != nil {
		o.metrics.ExtractionObserved(ctx, scope.Partition(), len(fragments), stored)
	}
}

// --- extraction pool ---

type extractionJob struct {
	ctx    context.Context
	scope  Scope
	window []Message
}

// extractionPool runs extraction jobs on a bounded worker pool with
// per-scope coalescing: while a scope has a job scheduled or running, new
// triggers for it are dropped (the next trigger after completion
// re-windows).
type extractionPool struct {
	jobs    chan extractionJob
	logger  *slog.Logger
	run     func(ctx context.Context, scope Scope, window []Message)
	workers sync.WaitGroup
	pending sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool // partition -> scheduled or running
}

func newExtractionPool(workers, queue int, logger *slog.Logger, run func(context.Context, Scope, []Message)) *extractionPool {
	p := &extractionPool{
		jobs:     make(chan extractionJob, queue),
		logger:   logger,
		run:      run,
		inFlight: map[string]bool{},
	}
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	return p
}

// schedule enqueues a job without blocking. Returns false when coalesced
// into an in-flight job or dropped because the queue is full.
func (p *extractionPool) schedule(ctx context.Context, scope Scope, window []Message) bool {
	key := scope.Partition()
	p.mu.Lock()
	if p.inFlight[key] {
		p.mu.Unlock()
		p.logger.Debug("extraction coalesced", "partition", key)
		return false
	}
	p.inFlight[key] = true
	p.mu.Unlock()

	p.pending.Add(1)
	select {
	case p.jobs <- extractionJob{ctx: ctx, scope: scope, window: window}:
		return true
	default:
		// Fail fast under load instead of blocking the reply path.
		p.finish(key)
		p.logger.Warn("extraction queue full, dropping job", "partition", key)
		return false
	}
}

func (p *extractionPool) worker() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.run(job.ctx, job.scope, job.window)
		p.finish(job.scope.Partition())
	}
}

func (p *extractionPool) finish(key string) {
	p.mu.Lock()
	delete(p.inFlight, key)
	p.mu.Unlock()
	p.pending.Done()
}

// drain waits for all scheduled jobs to finish.
func (p *extractionPool) drain() {
	p.pending.Wait()
}

// close drains outstanding jobs and stops the workers.
func (p *extractionPool) close() {
	p.pending.Wait()
	close(p.jobs)
	p.workers.Wait()
}
