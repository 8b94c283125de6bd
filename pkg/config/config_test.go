package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OLLAMA_BASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("RAGKIT_METRICS_FILE", "")

	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configData := `
llm:
  provider: "ollama"
  base_url: "http://localhost:11434"
  model: "llama3"
  max_tokens: 800
  temperature: 0.5
  language: "English"

database:
  url: "postgres://localhost:5432/test"
  table_name: "test_chunks"
  vector_dim: 768
  batch_size: 50

processor:
  chunk_size: 500
  chunk_overlap: 100

metrics:
  file: "/tmp/metrics.jsonl"

evaluation:
  rate_limit: 1.5

ui:
  streaming: true
`
	err := os.WriteFile(configPath, []byte(configData), 0644)
	require.NoError(t, err)

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "ollama", config.LLM.Provider)
	assert.Equal(t, "http://localhost:11434", config.LLM.BaseURL)
	assert.Equal(t, "llama3", config.LLM.Model)
	assert.Equal(t, 800, config.LLM.MaxTokens)
	assert.Equal(t, 0.5, config.LLM.Temperature)
	assert.Equal(t, "English", config.LLM.Language)
	assert.Equal(t, "postgres://localhost:5432/test", config.Database.URL)
	assert.Equal(t, 768, config.Database.VectorDim)
	assert.Equal(t, "pgvector", config.VectorStore.Type)
	assert.Equal(t, 500, config.Processor.ChunkSize)
	assert.Equal(t, 100, config.Processor.ChunkOverlap)
	assert.Equal(t, "/tmp/metrics.jsonl", config.Metrics.File)
	assert.Equal(t, 1.5, config.Evaluation.RateLimit)
	assert.True(t, config.UI.Streaming)

	// defaults inherited from the llm section
	assert.Equal(t, "ollama", config.Embedder.Provider)
	assert.Equal(t, "nomic-embed-text:latest", config.Embedder.Model)
	assert.Equal(t, "http://localhost:11434", config.Embedder.BaseURL)
	assert.Equal(t, "llama3", config.Evaluation.JudgeModel)
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DATABASE_URL", "")

	config, err := getDefaultConfig()
	require.NoError(t, err)

	assert.Equal(t, "openai", config.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", config.LLM.Model)
	assert.Equal(t, 1000, config.LLM.MaxTokens)
	assert.Equal(t, 0.3, config.LLM.Temperature)
	assert.Equal(t, "text-embedding-3-large", config.Embedder.Model)
	assert.Equal(t, "memory", config.VectorStore.Type)
	assert.Equal(t, 1000, config.Processor.ChunkSize)
	assert.Equal(t, 200, config.Processor.ChunkOverlap)
	assert.Equal(t, "cl100k_base", config.Processor.Encoding)
	assert.Equal(t, "metrics.jsonl", config.Metrics.File)
	assert.True(t, config.UI.Streaming)
	assert.Equal(t, "info", config.Log.Level)
	assert.Equal(t, 3, config.Scraper.MaxDepth)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigValidation(t *testing.T) {
	valid := func() Config {
		c := Config{}
		c.LLM.Provider = "openai"
		c.LLM.APIKey = "sk-test"
		applyDefaults(&c)
		return c
	}

	tests := []struct {
		name          string
		mutate        func(c *Config)
		errorMessages []string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name: "invalid config",
			mutate: func(c *Config) {
				c.LLM.APIKey = ""
				c.LLM.MaxTokens = 5000
				c.LLM.Temperature = 3.0
				c.VectorStore.Type = "pgvector"
				c.Database.VectorDim = -1
			},
			errorMessages: []string{
				"llm.api_key: API key is required for the openai provider",
				"llm.max_tokens: max_tokens must be between 1 and 4096",
				"llm.temperature: temperature must be between 0 and 2",
				"database.url: database URL is required for the pgvector store",
				"database.vector_dim: vector_dim must be positive",
			},
		},
		{
			name: "overlap not below chunk size",
			mutate: func(c *Config) {
				c.Processor.ChunkOverlap = c.Processor.ChunkSize
			},
			errorMessages: []string{
				"processor.chunk_overlap: chunk_overlap must be non-negative and less than chunk_size",
			},
		},
		{
			name: "unknown providers",
			mutate: func(c *Config) {
				c.LLM.Provider = "bard"
				c.Embedder.Provider = "bard"
			},
			errorMessages: []string{
				"llm.provider: unknown provider: bard",
				"embedder.provider: unknown provider: bard",
			},
		},
		{
			name: "bad database url scheme",
			mutate: func(c *Config) {
				c.VectorStore.Type = "pgvector"
				c.Database.URL = "mysql://localhost/db"
			},
			errorMessages: []string{
				"database.url: invalid database URL",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)

			errors := c.Validate()
			require.Len(t, errors, len(tt.errorMessages))
			for i, msg := range tt.errorMessages {
				assert.Contains(t, errors[i].Error(), msg)
			}
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("OLLAMA_BASE_URL", "http://env-ollama:11434")
	t.Setenv("DATABASE_URL", "postgres://env-db:5432/test")
	t.Setenv("RAGKIT_METRICS_FILE", "/var/log/ragkit.jsonl")

	config := &Config{}
	mergeWithEnv(config)

	assert.Equal(t, "sk-env", config.LLM.APIKey)
	assert.Equal(t, "http://env-ollama:11434", config.LLM.BaseURL)
	assert.Equal(t, "postgres://env-db:5432/test", config.Database.URL)
	assert.Equal(t, "/var/log/ragkit.jsonl", config.Metrics.File)
}
