// Package config loads service configuration in three layers:
// defaults, then an optional TOML file, then environment variables.
// Environment wins.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/reverie-ai/reverie"
)

// Embedding adapter variants.
const (
	EmbeddingRemote = "remote-llm"
	EmbeddingLocal  = "local-transformer"
	EmbeddingSimple = "simple"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Environment string          `toml:"environment"`
	APIKey      string          `toml:"api_key"`
	DataDir     string          `toml:"data_dir"`
	RolesDir    string          `toml:"roles_dir"`
	Server      ServerConfig    `toml:"server"`
	ReplyLLM    LLMConfig       `toml:"reply_llm"`
	Embedding   EmbeddingConfig `toml:"embedding"`
	Store       StoreConfig     `toml:"store"`
	Memory      MemoryConfig    `toml:"memory"`
	Observer    ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Workers int    `toml:"workers"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
}

type EmbeddingConfig struct {
	Variant string `toml:"variant"` // remote-llm, local-transformer, simple
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
}

type StoreConfig struct {
	Backend     string `toml:"backend"` // sqlite, postgres
	PostgresDSN string `toml:"postgres_dsn"`
}

type MemoryConfig struct {
	ExtractThreshold   int `toml:"extract_threshold"`
	MaxContextMemories int `toml:"max_context_memories"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Environment: EnvDevelopment,
		DataDir:     "./data",
		RolesDir:    "./roles",
		Server:      ServerConfig{Host: "0.0.0.0", Port: 8000, Workers: 4},
		ReplyLLM:    LLMConfig{BaseURL: "https://open.bigmodel.cn/api/paas/v4", Model: "glm-4-flash"},
		Embedding:   EmbeddingConfig{Variant: EmbeddingRemote, Model: "embedding-3"},
		Store:       StoreConfig{Backend: StoreSQLite},
		Memory:      MemoryConfig{ExtractThreshold: 3, MaxContextMemories: 5},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "reverie.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ROLES_DIR"); v != "" {
		cfg.RolesDir = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Workers = n
		}
	}
	if v := os.Getenv("REPLY_LLM_API_KEY"); v != "" {
		cfg.ReplyLLM.APIKey = v
	}
	if v := os.Getenv("REPLY_LLM_BASE_URL"); v != "" {
		cfg.ReplyLLM.BaseURL = v
	}
	if v := os.Getenv("REPLY_LLM_MODEL"); v != "" {
		cfg.ReplyLLM.Model = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Variant = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("MEMORY_EXTRACT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.ExtractThreshold = n
		}
	}
	if v := os.Getenv("MAX_CONTEXT_MEMORIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.MaxContextMemories = n
		}
	}
	if v := os.Getenv("OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.ReplyLLM.APIKey
	}

	return cfg
}

// Validate checks invariants that make the service unrunnable. It returns
// the first violation as an ErrConfig; cmd/reverie exits non-zero on it.
func (c Config) Validate() error {
	if c.ReplyLLM.APIKey == "" {
		return &reverie.ErrConfig{Field: "REPLY_LLM_API_KEY", Reason: "required"}
	}
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return &reverie.ErrConfig{Field: "ENVIRONMENT", Reason: fmt.Sprintf("unknown environment %q", c.Environment)}
	}
	switch c.Embedding.Variant {
	case EmbeddingRemote, EmbeddingLocal, EmbeddingSimple:
	default:
		return &reverie.ErrConfig{Field: "EMBEDDING_MODEL", Reason: fmt.Sprintf("unknown variant %q", c.Embedding.Variant)}
	}
	if c.Environment == EnvProduction {
		if c.APIKey == "" {
			return &reverie.ErrConfig{Field: "API_KEY", Reason: "required in production"}
		}
		if c.Embedding.Variant == EmbeddingSimple {
			return &reverie.ErrConfig{Field: "EMBEDDING_MODEL", Reason: "simple embedding is not allowed in production"}
		}
	}
	switch c.Store.Backend {
	case StoreSQLite:
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return &reverie.ErrConfig{Field: "POSTGRES_DSN", Reason: "required for postgres backend"}
		}
	default:
		return &reverie.ErrConfig{Field: "STORE_BACKEND", Reason: fmt.Sprintf("unknown backend %q", c.Store.Backend)}
	}
	if c.Memory.ExtractThreshold < 1 {
		return &reverie.ErrConfig{Field: "MEMORY_EXTRACT_THRESHOLD", Reason: "must be at least 1"}
	}
	if c.Memory.MaxContextMemories < 0 {
		return &reverie.ErrConfig{Field: "MAX_CONTEXT_MEMORIES", Reason: "must not be negative"}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &reverie.ErrConfig{Field: "PORT", Reason: "must be between 1 and 65535"}
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return &reverie.ErrConfig{Field: "DATA_DIR", Reason: fmt.Sprintf("not creatable: %v", err)}
	}
	return nil
}
