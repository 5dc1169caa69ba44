// Package local implements reverie.EmbeddingProvider against a locally
// hosted encoder server speaking the Ollama /api/embeddings protocol.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/reverie-ai/reverie"
)

const (
	defaultBaseURL    = "http://localhost:11434"
	defaultModel      = "paraphrase-multilingual"
	defaultDimensions = 768
)

// Provider implements reverie.EmbeddingProvider over a local encoder server.
// The protocol embeds one text per request; Embed issues them sequentially
// and preserves input order.
type Provider struct {
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
	logger     *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the server base URL (default http://localhost:11434).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithModel overrides the encoder model name.
func WithModel(m string) Option {
	return func(p *Provider) { p.model = m }
}

// WithDimensions declares the vector dimension the model produces.
func WithDimensions(d int) Option {
	return func(p *Provider) { p.dimensions = d }
}

// WithHTTPClient replaces the HTTP client (default: 30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger (default: discard).
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

var _ reverie.EmbeddingProvider = (*Provider)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewProvider creates a local embedding provider. With no options it targets
// an Ollama server on localhost with a multilingual sentence encoder.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		dimensions: defaultDimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return "local" }

// Dimensions returns the configured vector dimension.
func (p *Provider) Dimensions() int { return p.dimensions }

type wireRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type wireResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed encodes each text with one request and returns vectors in input
// order.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}

	p.logger.Debug("embeddings generated",
		"provider", "local",
		"model", p.model,
		"texts", len(texts),
		"duration", time.Since(start))
	return out, nil
}

func (p *Provider) embedOne(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(wireRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &reverie.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: reverie.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var embResp wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(embResp.Embedding) != p.dimensions {
		return nil, &reverie.ErrDimensionMismatch{Want: p.dimensions, Got: len(embResp.Embedding)}
	}
	return embResp.Embedding, nil
}
