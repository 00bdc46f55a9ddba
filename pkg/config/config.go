// Copyright 2026 Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the typed configuration for the parley server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig           `yaml:"server,omitempty"`
	Log      LogConfig              `yaml:"log,omitempty"`
	Store    StoreConfig            `yaml:"store,omitempty"`
	LLMs     map[string]*LLMConfig  `yaml:"llms,omitempty"`
	Embedder EmbedderConfig         `yaml:"embedder,omitempty"`
	Vector   VectorConfig           `yaml:"vector,omitempty"`
	Runtime  RuntimeConfig          `yaml:"runtime,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	File   string `yaml:"file,omitempty"`
}

// StoreConfig configures the metadata store.
type StoreConfig struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver string `yaml:"driver,omitempty"`

	// DSN is the driver connection string. For sqlite this is a file path
	// or ":memory:".
	DSN string `yaml:"dsn,omitempty"`
}

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderOpenAI    LLMProvider = "openai"
	LLMProviderAnthropic LLMProvider = "anthropic"
	LLMProviderOllama    LLMProvider = "ollama"
)

// LLMConfig configures one LLM provider entry.
type LLMConfig struct {
	// Provider type (openai, anthropic, ollama).
	Provider LLMProvider `yaml:"provider,omitempty"`

	// Model name (e.g. "gpt-4o", "claude-sonnet-4-20250514").
	Model string `yaml:"model,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Temperature for generation.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// ContextLength is the model context window in tokens.
	ContextLength int `yaml:"context_length,omitempty"`

	// Timeout in seconds for provider HTTP requests.
	Timeout int `yaml:"timeout,omitempty"`

	// Default marks the config used when a request names no model.
	Default bool `yaml:"default,omitempty"`
}

// Embedder provider names.
const (
	EmbedderProviderOpenAI = "openai"
	EmbedderProviderOllama = "ollama"
)

// EmbedderConfig configures the embedding provider.
type EmbedderConfig struct {
	// Provider type (openai, ollama).
	Provider string `yaml:"provider,omitempty"`

	Model   string `yaml:"model,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`

	// Dimension of the embedding vectors.
	Dimension int `yaml:"dimension,omitempty"`

	// BatchSize caps the number of texts per embedding request.
	BatchSize int `yaml:"batch_size,omitempty"`

	Timeout int `yaml:"timeout,omitempty"`
}

// Vector backend names.
const (
	VectorTypeChromem  = "chromem"
	VectorTypeQdrant   = "qdrant"
	VectorTypePinecone = "pinecone"
)

// VectorConfig configures the vector store backend.
type VectorConfig struct {
	// Type is one of chromem, qdrant, pinecone.
	Type string `yaml:"type,omitempty"`

	// PersistPath enables file persistence for the chromem backend.
	PersistPath string `yaml:"persist_path,omitempty"`

	Host   string `yaml:"host,omitempty"`
	Port   int    `yaml:"port,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`

	// IndexHost is the pinecone index host URL.
	IndexHost string `yaml:"index_host,omitempty"`
}

// RuntimeConfig tunes the agent runtime and connection pool.
// All durations are in seconds unless noted.
type RuntimeConfig struct {
	PoolHealthInterval int `yaml:"pool_health_interval,omitempty"`
	PoolConnectTimeout int `yaml:"pool_connect_timeout,omitempty"`
	ToolCallTimeout    int `yaml:"tool_call_timeout,omitempty"`
	TurnTimeout        int `yaml:"turn_timeout,omitempty"`
	MaxReactSteps      int `yaml:"max_react_steps,omitempty"`

	// ChunkOverlap is a pointer so an explicit zero survives
	// defaulting and disables overlap.
	ChunkSize    int  `yaml:"chunk_size,omitempty"`
	ChunkOverlap *int `yaml:"chunk_overlap,omitempty"`

	TopK              int     `yaml:"top_k,omitempty"`
	MinRetrievalScore float64 `yaml:"min_retrieval_score,omitempty"`
}

// Load reads, expands and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields with defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "parley.db"
	}
	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMConfig)
	}
	for _, llm := range c.LLMs {
		llm.SetDefaults()
	}
	c.Embedder.SetDefaults()
	if c.Vector.Type == "" {
		c.Vector.Type = "chromem"
	}
	c.Runtime.SetDefaults()
}

// SetDefaults fills unset LLM fields with defaults.
func (c *LLMConfig) SetDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.ContextLength == 0 {
		c.ContextLength = 128000
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case LLMProviderOpenAI:
			c.BaseURL = "https://api.openai.com/v1"
		case LLMProviderAnthropic:
			c.BaseURL = "https://api.anthropic.com/v1"
		case LLMProviderOllama:
			c.BaseURL = "http://localhost:11434"
		}
	}
}

// SetDefaults fills unset embedder fields with defaults.
func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "ollama"
	}
	if c.Model == "" {
		switch c.Provider {
		case "openai":
			c.Model = "text-embedding-3-small"
		default:
			c.Model = "nomic-embed-text"
		}
	}
	if c.Dimension == 0 {
		switch c.Model {
		case "text-embedding-3-small", "text-embedding-ada-002":
			c.Dimension = 1536
		case "text-embedding-3-large":
			c.Dimension = 3072
		default:
			c.Dimension = 768
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case "openai":
			c.BaseURL = "https://api.openai.com/v1"
		default:
			c.BaseURL = "http://localhost:11434"
		}
	}
}

// SetDefaults fills unset runtime fields with defaults.
func (c *RuntimeConfig) SetDefaults() {
	if c.PoolHealthInterval == 0 {
		c.PoolHealthInterval = 30
	}
	if c.PoolConnectTimeout == 0 {
		c.PoolConnectTimeout = 10
	}
	if c.ToolCallTimeout == 0 {
		c.ToolCallTimeout = 30
	}
	if c.TurnTimeout == 0 {
		c.TurnTimeout = 120
	}
	if c.MaxReactSteps == 0 {
		c.MaxReactSteps = 6
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 800
	}
	if c.ChunkOverlap == nil {
		overlap := 100
		c.ChunkOverlap = &overlap
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.MinRetrievalScore == 0 {
		c.MinRetrievalScore = 0.3
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	defaults := 0
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
		if llm.Default {
			defaults++
		}
	}
	if len(c.LLMs) > 0 && defaults > 1 {
		return fmt.Errorf("at most one llm may be marked default, got %d", defaults)
	}

	switch c.Vector.Type {
	case "chromem", "qdrant", "pinecone":
	default:
		return fmt.Errorf("unsupported vector store type: %s", c.Vector.Type)
	}

	if c.Runtime.ChunkOverlap != nil && *c.Runtime.ChunkOverlap >= c.Runtime.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be less than chunk_size (%d)",
			*c.Runtime.ChunkOverlap, c.Runtime.ChunkSize)
	}

	return nil
}

// Validate checks an LLM entry.
func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case LLMProviderOpenAI, LLMProviderAnthropic, LLMProviderOllama:
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// DefaultLLM returns the default LLM config entry name, or "" if none.
func (c *Config) DefaultLLM() string {
	for name, llm := range c.LLMs {
		if llm.Default {
			return name
		}
	}
	// Single entry is implicitly the default.
	if len(c.LLMs) == 1 {
		for name := range c.LLMs {
			return name
		}
	}
	return ""
}
