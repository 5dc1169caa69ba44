// Command reverie runs the memory-augmented companion service over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reverie-ai/reverie"
	"github.com/reverie-ai/reverie/embedding/local"
	"github.com/reverie-ai/reverie/embedding/remote"
	"github.com/reverie-ai/reverie/embedding/simple"
	"github.com/reverie-ai/reverie/identity"
	"github.com/reverie-ai/reverie/internal/config"
	"github.com/reverie-ai/reverie/observer"
	"github.com/reverie-ai/reverie/provider/openaicompat"
	"github.com/reverie-ai/reverie/server"
	"github.com/reverie-ai/reverie/store/postgres"
	"github.com/reverie-ai/reverie/store/sqlite"
)

const version = "0.4.0"

func main() {
	configPath := flag.String("config", os.Getenv("REVERIE_CONFIG"), "path to reverie.toml")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load(*configPath)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("service exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability first so the LLM and embedding clients can be wrapped.
	var inst *observer.Instruments
	var obsShutdown func(context.Context) error
	if cfg.Observer.Enabled {
		var err error
		inst, obsShutdown, err = observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := obsShutdown(sctx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
	}

	embedder, err := buildEmbedding(cfg, logger)
	if err != nil {
		return err
	}
	embedder = reverie.WithEmbeddingRetry(embedder)
	if inst != nil {
		embedder = observer.WrapEmbedding(embedder, inst)
	}

	store, err := buildStore(ctx, cfg, embedder, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		var dim *reverie.ErrDimensionMismatch
		if errors.As(err, &dim) {
			return fmt.Errorf("embedding model changed since the store was created (stored %d dims, provider %q produces %d); migrate or clear the store: %w",
				dim.Want, embedder.Name(), dim.Got, err)
		}
		return fmt.Errorf("init store: %w", err)
	}

	users, err := identity.NewUsers(cfg.DataDir, identity.WithUsersLogger(logger))
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	sessions, err := identity.NewSessions(cfg.DataDir, identity.WithSessionsLogger(logger))
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	roles, err := reverie.LoadRoles(cfg.RolesDir, reverie.WithRegistryLogger(logger))
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}

	var replyLLM reverie.Provider = openaicompat.NewProvider(
		cfg.ReplyLLM.APIKey, cfg.ReplyLLM.Model, cfg.ReplyLLM.BaseURL,
		openaicompat.WithLogger(logger),
	)
	replyLLM = reverie.WithRetry(replyLLM)
	if inst != nil {
		replyLLM = observer.WrapProvider(replyLLM, cfg.ReplyLLM.Model, inst)
	}

	extractor := reverie.NewExtractor(replyLLM, reverie.WithExtractorLogger(logger))
	retriever := reverie.NewRetriever(store, reverie.WithRetrieverLogger(logger))

	orchOpts := []reverie.OrchestratorOption{
		reverie.WithUsers(users),
		reverie.WithSessions(sessions),
		reverie.WithMemoryStore(store),
		reverie.WithMemoryRetriever(retriever),
		reverie.WithExtractor(extractor),
		reverie.WithReplyProvider(replyLLM),
		reverie.WithRoles(roles),
		reverie.WithExtractThreshold(cfg.Memory.ExtractThreshold),
		reverie.WithMaxContextMemories(cfg.Memory.MaxContextMemories),
		reverie.WithWorkers(cfg.Server.Workers),
		reverie.WithOrchestratorLogger(logger),
	}
	if inst != nil {
		orchOpts = append(orchOpts, reverie.WithTurnMetrics(observer.NewMetrics(inst)))
	}
	orch, err := reverie.NewOrchestrator(orchOpts...)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	srv := server.New(server.Config{
		APIKey:        cfg.APIKey,
		Environment:   cfg.Environment,
		Version:       version,
		EmbeddingName: embedder.Name(),
	}, orch, users, sessions, store, roles, server.WithLogger(logger))

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", addr,
			"environment", cfg.Environment,
			"store", cfg.Store.Backend,
			"embedding", embedder.Name(),
			"version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Let queued extraction jobs finish so no memories are lost.
	orch.DrainExtractions()
	orch.Close()
	return nil
}

func buildEmbedding(cfg config.Config, logger *slog.Logger) (reverie.EmbeddingProvider, error) {
	switch cfg.Embedding.Variant {
	case config.EmbeddingRemote:
		opts := []remote.Option{remote.WithLogger(logger)}
		if cfg.Embedding.BaseURL != "" {
			opts = append(opts, remote.WithBaseURL(cfg.Embedding.BaseURL))
		}
		if cfg.Embedding.Model != "" {
			opts = append(opts, remote.WithModel(cfg.Embedding.Model))
		}
		return remote.NewProvider(cfg.Embedding.APIKey, opts...), nil
	case config.EmbeddingLocal:
		opts := []local.Option{local.WithLogger(logger)}
		if cfg.Embedding.BaseURL != "" {
			opts = append(opts, local.WithBaseURL(cfg.Embedding.BaseURL))
		}
		return local.NewProvider(opts...), nil
	case config.EmbeddingSimple:
		return simple.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown embedding variant %q", cfg.Embedding.Variant)
	}
}

func buildStore(ctx context.Context, cfg config.Config, embedder reverie.EmbeddingProvider, logger *slog.Logger) (reverie.MemoryStore, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		path := filepath.Join(cfg.DataDir, "reverie.db")
		return sqlite.New(path, embedder, sqlite.WithLogger(logger)), nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool, embedder, postgres.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
