// Package config loads ManualQA configuration from YAML files with
// environment-variable overrides.
//
// Precedence (lowest to highest):
//  1. Built-in defaults
//  2. User config (~/.config/manualqa/config.yaml)
//  3. Project config (./manualqa.yaml)
//  4. Environment variables (MANUALQA_*)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ManualQA configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Rerank     RerankConfig     `yaml:"rerank" json:"rerank"`
	Dense      DenseConfig      `yaml:"dense" json:"dense"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// PathsConfig configures on-disk locations.
type PathsConfig struct {
	// DataDir holds the chunk store and local indices (default: ~/.manualqa).
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// RetrievalConfig configures the hybrid retrieval pipeline.
type RetrievalConfig struct {
	// TopK is the candidate count fetched from each sub-retriever (default: 10).
	TopK int `yaml:"top_k" json:"top_k"`

	// RerankN is the final result count after cross-encoder reranking (default: 5).
	RerankN int `yaml:"rerank_n" json:"rerank_n"`

	// RRFConstant is the RRF fusion smoothing parameter k.
	// Default: 60, the standard choice from the original RRF paper.
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Endpoint is an OpenAI-compatible embeddings API base URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// APIKey authenticates against the endpoint. Usually set via
	// MANUALQA_EMBEDDINGS_API_KEY rather than the config file.
	APIKey string `yaml:"api_key" json:"api_key"`
	// Model is the embedding model (default: text-embedding-3-large).
	Model string `yaml:"model" json:"model"`
	// Dimensions is the embedding dimension (default: 3072).
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// BatchSize is the max inputs per embeddings call (default: 100).
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// CacheSize is the LRU query-embedding cache size (default: 512, 0 disables).
	CacheSize int `yaml:"cache_size" json:"cache_size"`
	// Timeout is the per-request timeout (default: 60s).
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// RerankConfig configures the cross-encoder rerank service.
type RerankConfig struct {
	// Endpoint is a Cohere-compatible rerank API base URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// APIKey authenticates against the endpoint.
	APIKey string `yaml:"api_key" json:"api_key"`
	// Model is the rerank model (default: rerank-v3).
	Model string `yaml:"model" json:"model"`
	// Timeout is the per-request timeout (default: 30s).
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DenseConfig selects and configures the dense index backend.
type DenseConfig struct {
	// Backend is "hnsw" (local, default) or "pgvector".
	Backend string `yaml:"backend" json:"backend"`
	// PostgresURL is the connection string for the pgvector backend.
	PostgresURL string `yaml:"postgres_url" json:"postgres_url"`
	// Table is the pgvector table name (default: manual_chunks).
	Table string `yaml:"table" json:"table"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// CurrentVersion is the config schema version.
const CurrentVersion = 1

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:        10,
			RerankN:     5,
			RRFConstant: 60,
		},
		Embeddings: EmbeddingsConfig{
			Endpoint:   "https://api.openai.com/v1",
			Model:      "text-embedding-3-large",
			Dimensions: 3072,
			BatchSize:  100,
			CacheSize:  512,
			Timeout:    60 * time.Second,
		},
		Rerank: RerankConfig{
			Endpoint: "https://api.cohere.com/v1",
			Model:    "rerank-v3",
			Timeout:  30 * time.Second,
		},
		Dense: DenseConfig{
			Backend: "hnsw",
			Table:   "manual_chunks",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration with full precedence handling.
func Load() (*Config, error) {
	cfg := NewConfig()

	for _, path := range []string{userConfigPath(), projectConfigPath()} {
		if path == "" {
			continue
		}
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from an explicit path over defaults,
// then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile overlays YAML from path onto cfg. Missing files are ignored.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides config fields from MANUALQA_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.Paths.DataDir, "MANUALQA_DATA_DIR")
	setInt(&c.Retrieval.TopK, "MANUALQA_TOP_K")
	setInt(&c.Retrieval.RerankN, "MANUALQA_RERANK_N")
	setInt(&c.Retrieval.RRFConstant, "MANUALQA_RRF_CONSTANT")
	setString(&c.Embeddings.Endpoint, "MANUALQA_EMBEDDINGS_ENDPOINT")
	setString(&c.Embeddings.APIKey, "MANUALQA_EMBEDDINGS_API_KEY")
	setString(&c.Embeddings.Model, "MANUALQA_EMBEDDINGS_MODEL")
	setInt(&c.Embeddings.Dimensions, "MANUALQA_EMBEDDINGS_DIMENSIONS")
	setString(&c.Rerank.Endpoint, "MANUALQA_RERANK_ENDPOINT")
	setString(&c.Rerank.APIKey, "MANUALQA_RERANK_API_KEY")
	setString(&c.Rerank.Model, "MANUALQA_RERANK_MODEL")
	setString(&c.Dense.Backend, "MANUALQA_DENSE_BACKEND")
	setString(&c.Dense.PostgresURL, "MANUALQA_POSTGRES_URL")
	setString(&c.Logging.Level, "MANUALQA_LOG_LEVEL")
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.RerankN <= 0 {
		return fmt.Errorf("retrieval.rerank_n must be positive, got %d", c.Retrieval.RerankN)
	}
	if c.Retrieval.RRFConstant <= 0 {
		return fmt.Errorf("retrieval.rrf_constant must be positive, got %d", c.Retrieval.RRFConstant)
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	switch c.Dense.Backend {
	case "hnsw", "pgvector":
	default:
		return fmt.Errorf("dense.backend must be hnsw or pgvector, got %q", c.Dense.Backend)
	}
	if c.Dense.Backend == "pgvector" && c.Dense.PostgresURL == "" {
		return fmt.Errorf("dense.postgres_url is required for the pgvector backend")
	}
	return nil
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".manualqa")
	}
	return filepath.Join(home, ".manualqa")
}

func userConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "manualqa", "config.yaml")
}

func projectConfigPath() string {
	return "manualqa.yaml"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
