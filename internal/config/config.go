// Package config loads service configuration from a JSON file backend
// at $XDG_CONFIG_HOME/scribo/config.json, with SCRIBO_* environment
// variables taking precedence. A .env file in the working directory is
// loaded first so local setups can keep everything in one place.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	LLM      LLMConfig
	Storage  StorageConfig
	Postgres PostgresConfig
	Qdrant   QdrantConfig
	Pipeline PipelineConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type LLMConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

// PostgresConfig points at the primary report store. An empty URL means
// reports live only in the local database.
type PostgresConfig struct {
	URL string
}

// QdrantConfig points at the primary vector store. An empty base URL
// means fragments live only in the local database.
type QdrantConfig struct {
	BaseURL    string
	Collection string
	Dimensions int
}

type PipelineConfig struct {
	TopK              int
	MaxConcurrentJobs int
	JobTimeout        string
	ReviewEnabled     bool
	ReviewTimeout     string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Qdrant: QdrantConfig{
			Collection: "scribo_fragments",
			Dimensions: 1536,
		},
		Pipeline: PipelineConfig{
			TopK:              5,
			MaxConcurrentJobs: 4,
			JobTimeout:        "10m",
			ReviewEnabled:     true,
			ReviewTimeout:     "60s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from .env, the file backend and SCRIBO_*
// environment variables, in increasing order of precedence.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: LLM API key. " +
			"Set it via environment variable SCRIBO_LLM_API_KEY or `scribo config set llm.api_key`")
	}
	if _, err := cfg.JobTimeout(); err != nil {
		return Config{}, fmt.Errorf("invalid pipeline.job_timeout: %w", err)
	}
	if _, err := cfg.ReviewTimeout(); err != nil {
		return Config{}, fmt.Errorf("invalid pipeline.review_timeout: %w", err)
	}
	return cfg, nil
}

// JobTimeout parses the wall-clock budget for one research job.
func (c Config) JobTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Pipeline.JobTimeout)
}

// ReviewTimeout parses the budget for the optional report review.
func (c Config) ReviewTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Pipeline.ReviewTimeout)
}
