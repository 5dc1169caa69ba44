package reverie

import "fmt"

// --- Domain types ---

// Speaker identifies which side of the conversation a fragment came from.
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Fragment types.
const (
	TypeEvent        = "event"
	TypePreference   = "preference"
	TypeFact         = "fact"
	TypeRelationship = "relationship"
)

// Fragment sentiments.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// MemoryFragment is one atomic recollection extracted from conversation.
// Fragments are immutable after insert; there is no update path.
type MemoryFragment struct {
	FragmentID      string            `json:"fragment_id"`
	Content         string            `json:"content"`
	Speaker         string            `json:"speaker"` // "user" or "assistant"
	Type            string            `json:"type"`    // event, preference, fact, relationship
	Sentiment       string            `json:"sentiment"`
	Entities        []string          `json:"entities"`
	Topics          []string          `json:"topics"`
	ImportanceScore int               `json:"importance_score"` // 1..10
	Confidence      float64           `json:"confidence"`       // 0..1
	Timestamp       int64             `json:"timestamp"`        // Unix seconds
	Metadata        map[string]string `json:"metadata,omitempty"`
	Embedding       []float32         `json:"-"`
}

// ValidType reports whether t is one of the enumerated fragment types.
func ValidType(t string) bool {
	switch t {
	case TypeEvent, TypePreference, TypeFact, TypeRelationship:
		return true
	}
	return false
}

// ValidSentiment reports whether s is one of the enumerated sentiments.
func ValidSentiment(s string) bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// Scope fully partitions stored fragments. Fragments never cross scopes
// in retrieval, and deleting a scope removes all of its fragments.
type Scope struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	RoleID    string `json:"role_id"`
}

// Partition returns the deterministic collection name for this scope.
func (s Scope) Partition() string {
	if s.RoleID == "" {
		return fmt.Sprintf("%s_%s_memories", s.UserID, s.SessionID)
	}
	return fmt.Sprintf("%s_%s_%s_memories", s.UserID, s.SessionID, s.RoleID)
}

// Message is a transient record of one chat turn. Messages are the source
// of memory extraction but are not themselves the memory.
type Message struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"` // "user" or "assistant"
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// User is an identity record held by the identity collaborator.
type User struct {
	UserID    string            `json:"user_id"`
	Username  string            `json:"username"`
	CreatedAt int64             `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session is a conversation container with durable message history.
type Session struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	CreatedAt    int64     `json:"created_at"`
	UpdatedAt    int64     `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Messages     []Message `json:"messages,omitempty"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}
