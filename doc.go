// Package reverie is a memory-augmented conversational companion service in Go.
//
// It provides modular, interface-driven building blocks: LLM providers,
// embedding providers, scoped vector storage, a two-sided memory extraction
// pipeline, hybrid retrieval, persona roles, and a turn orchestrator that
// keeps replies fast while memories form in the background.
//
// # Quick Start
//
// Wire the pipeline through the Orchestrator:
//
//	replyLLM := reverie.WithRetry(openaicompat.NewProvider(apiKey, "glm-4-flash", baseURL))
//	embedder := reverie.WithEmbeddingRetry(remote.NewProvider(apiKey))
//	store := sqlite.New("data/reverie.db", embedder)
//	users, _ := identity.NewUsers("data")
//	sessions, _ := identity.NewSessions("data")
//	roles, _ := reverie.LoadRoles("roles")
//
//	orch, err := reverie.NewOrchestrator(
//		reverie.WithUsers(users),
//		reverie.WithSessions(sessions),
//		reverie.WithMemoryStore(store),
//		reverie.WithMemoryRetriever(reverie.NewRetriever(store)),
//		reverie.WithExtractor(reverie.NewExtractor(replyLLM)),
//		reverie.WithReplyProvider(replyLLM),
//		reverie.WithRoles(roles),
//	)
//
//	result, err := orch.Chat(ctx, reverie.TurnRequest{UserID: "u1", Message: "我最喜欢吃火锅"})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend used for replies and extraction scoring
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [MemoryStore] — scoped fragment persistence with vector search
//   - [UserManager], [SessionManager] — identity and conversation history
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible chat APIs).
// Embeddings: embedding/remote (hosted API), embedding/local (Ollama),
// embedding/simple (deterministic hash, development only).
// Storage: store/sqlite (local), store/postgres (pgvector).
// HTTP surface: server (Gin). Identity: identity (flat JSON files).
// Observability: observer (OpenTelemetry).
//
// See cmd/reverie for the service entrypoint.
package reverie
