package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reverie-ai/reverie"
)

type chatRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	SessionID  string `json:"session_id"`
	RoleID     string `json:"role_id"`
	Message    string `json:"message" binding:"required"`
	Username   string `json:"username"`
	ExtractNow bool   `json:"extract_now"`
}

type chatResponse struct {
	Response        string `json:"response"`
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	MemoryExtracted bool   `json:"memory_extracted"`
	MessageCount    int    `json:"message_count"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("bad_request", err.Error()))
		return
	}

	result, err := s.orch.Chat(c.Request.Context(), reverie.TurnRequest{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		RoleID:     req.RoleID,
		Message:    req.Message,
		Username:   req.Username,
		ExtractNow: req.ExtractNow,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, chatResponse{
		Response:        result.Reply,
		SessionID:       result.SessionID,
		UserID:          result.UserID,
		MemoryExtracted: result.MemoryExtracted,
		MessageCount:    result.MessageCount,
	})
}

type completionsRequest struct {
	Model    string `json:"model"`
	User     string `json:"user"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages" binding:"required"`
}

// handleChatCompletions adapts the OpenAI chat completions shape onto the
// same turn pipeline. The caller's user field becomes the user id and the
// last user message drives the turn. Token usage is approximated by
// character counts since no tokenizer runs server-side.
func (s *Server) handleChatCompletions(c *gin.Context) {
	var req completionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("bad_request", err.Error()))
		return
	}

	var lastUser string
	var promptChars int
	for _, m := range req.Messages {
		promptChars += len([]rune(m.Content))
		if m.Role == reverie.SpeakerUser {
			lastUser = m.Content
		}
	}
	if lastUser == "" {
		c.JSON(http.StatusBadRequest, errorBody("bad_request", "no user message in messages"))
		return
	}

	userID := req.User
	if userID == "" {
		userID = "openai_user"
	}

	result, err := s.orch.Chat(c.Request.Context(), reverie.TurnRequest{
		UserID:  userID,
		Message: lastUser,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	now := time.Now().Unix()
	replyChars := len([]rune(result.Reply))
	c.JSON(http.StatusOK, gin.H{
		"id":      fmt.Sprintf("chatcmpl-%d", now),
		"object":  "chat.completion",
		"created": now,
		"model":   req.Model,
		"choices": []gin.H{{
			"index":         0,
			"message":       gin.H{"role": "assistant", "content": result.Reply},
			"finish_reason": "stop",
		}},
		"usage": gin.H{
			"prompt_tokens":     promptChars,
			"completion_tokens": replyChars,
			"total_tokens":      promptChars + replyChars,
		},
	})
}

type memoryView struct {
	FragmentID      string   `json:"fragment_id"`
	Content         string   `json:"content"`
	Speaker         string   `json:"speaker"`
	Type            string   `json:"type"`
	Sentiment       string   `json:"sentiment"`
	Entities        []string `json:"entities,omitempty"`
	Topics          []string `json:"topics,omitempty"`
	ImportanceScore int      `json:"importance_score"`
	Confidence      float64  `json:"confidence"`
	Timestamp       int64    `json:"timestamp"`
}

func (s *Server) handleListMemories(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, errorBody("bad_request", "user_id is required"))
		return
	}
	sessionID := c.Query("session_id")
	if sessionID != "" {
		sess, err := s.sessions.GetSession(c.Request.Context(), sessionID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if sess.UserID != userID {
			c.JSON(http.StatusForbidden, errorBody("forbidden", "session belongs to another user"))
			return
		}
	}

	role, err := s.roles.Get(c.Query("role_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	filters := reverie.QueryFilters{Speaker: c.Query("speaker")}
	if v := c.Query("min_importance"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filters.MinImportance = n
		}
	}

	scope := reverie.Scope{UserID: userID, SessionID: sessionID, RoleID: role.RoleID}
	fragments, err := s.store.List(c.Request.Context(), scope, limit, filters)
	if err != nil {
		s.writeError(c, &reverie.ErrStoreUnavailable{Err: err})
		return
	}

	views := make([]memoryView, 0, len(fragments))
	for _, f := range fragments {
		views = append(views, memoryView{
			FragmentID:      f.FragmentID,
			Content:         f.Content,
			Speaker:         f.Speaker,
			Type:            f.Type,
			Sentiment:       f.Sentiment,
			Entities:        f.Entities,
			Topics:          f.Topics,
			ImportanceScore: f.ImportanceScore,
			Confidence:      f.Confidence,
			Timestamp:       f.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"memories": views, "count": len(views)})
}

type createUserRequest struct {
	UserID   string            `json:"user_id"`
	Username string            `json:"username"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("bad_request", err.Error()))
		return
	}
	user, err := s.users.CreateUser(c.Request.Context(), req.UserID, req.Username, req.Metadata)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (s *Server) handleGetUser(c *gin.Context) {
	user, err := s.users.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) handleListUserSessions(c *gin.Context) {
	userID := c.Param("id")
	if _, err := s.users.GetUser(c.Request.Context(), userID); err != nil {
		s.writeError(c, err)
		return
	}
	list, err := s.sessions.ListSessions(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "count": len(list)})
}

type createSessionRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("bad_request", err.Error()))
		return
	}
	if _, err := s.users.GetUser(c.Request.Context(), req.UserID); err != nil {
		s.writeError(c, err)
		return
	}
	sess, err := s.sessions.CreateSession(c.Request.Context(), req.UserID, req.SessionID, req.Title)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}
