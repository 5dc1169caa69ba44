package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/reverie-ai/reverie"
)

func TestChatSendsTemperatureAndAuth(t *testing.T) {
	var gotAuth string
	var gotBody wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "你好呀"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 4},
		})
	}))
	defer srv.Close()

	p := NewProvider("test-key", "glm-4", srv.URL)
	resp, err := p.Chat(context.Background(), reverie.ChatRequest{
		Messages:    []reverie.ChatMessage{reverie.UserMessage("你好")},
		Temperature: 0.8,
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "你好呀" {
		t.Errorf("Content = %q, want 你好呀", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.Model != "glm-4" {
		t.Errorf("model = %q", gotBody.Model)
	}
	if gotBody.Temperature == nil || *gotBody.Temperature != 0.8 {
		t.Errorf("temperature = %v, want 0.8", gotBody.Temperature)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	p := NewProvider("k", "m", srv.URL)
	_, err := p.Chat(context.Background(), reverie.ChatRequest{
		Messages: []reverie.ChatMessage{reverie.UserMessage("hi")},
	})
	var httpErr *reverie.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("Chat() error = %v, want ErrHTTP", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d", httpErr.Status)
	}
	if httpErr.RetryAfter.Seconds() != 2 {
		t.Errorf("RetryAfter = %v, want 2s", httpErr.RetryAfter)
	}
}

func TestChatEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := NewProvider("k", "m", srv.URL, WithName("glm"))
	_, err := p.Chat(context.Background(), reverie.ChatRequest{
		Messages: []reverie.ChatMessage{reverie.UserMessage("hi")},
	})
	var llmErr *reverie.ErrLLM
	if !errors.As(err, &llmErr) {
		t.Fatalf("Chat() error = %v, want ErrLLM", err)
	}
	if llmErr.Provider != "glm" {
		t.Errorf("Provider = %q, want glm", llmErr.Provider)
	}
}
