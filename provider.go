package reverie

import "context"

// Provider abstracts the LLM backend used for replies and for the
// extraction scoring call.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openaicompat").
	Name() string
}

// EmbeddingProvider abstracts text embedding. A provider bound to a store
// partition is immutable for the partition's lifetime; the store validates
// Dimensions against what the partition already holds.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
