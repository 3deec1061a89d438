// Package config loads and validates the Notedex YAML configuration.
// Configuration precedence: defaults < config file < NOTEDEX_* env vars.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	idxerrors "github.com/notedex/notedex/internal/errors"
)

// Config represents the complete Notedex configuration.
type Config struct {
	Version  int            `yaml:"version"`
	Paths    PathsConfig    `yaml:"paths"`
	Index    IndexConfig    `yaml:"index"`
	Model    ModelConfig    `yaml:"model"`
	Chunking ChunkingConfig `yaml:"chunking"`
	Search   SearchConfig   `yaml:"search"`
	Queue    QueueConfig    `yaml:"queue"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PathsConfig configures on-disk locations.
type PathsConfig struct {
	// DataDir holds the metadata database, vector index, and logs.
	DataDir string `yaml:"data_dir"`
	// DocsDir is the root of the indexed document tree.
	DocsDir string `yaml:"docs_dir"`
}

// IndexConfig selects store backends.
type IndexConfig struct {
	// FTSBackend is "sqlite" (default, FTS5 in the metadata db) or "bleve".
	FTSBackend string `yaml:"fts_backend"`
	// VectorBackend is "hnsw" (default, embedded) or "qdrant" (remote).
	VectorBackend string `yaml:"vector_backend"`
	// QdrantURL is the Qdrant HTTP endpoint when vector_backend is "qdrant".
	QdrantURL string `yaml:"qdrant_url"`
	// QdrantCollection is the collection name for chunk vectors.
	QdrantCollection string `yaml:"qdrant_collection"`
}

// ModelConfig configures the Summarize/Outline/Embed provider.
type ModelConfig struct {
	// Provider is "ollama" or "heuristic" (local, no network).
	Provider string `yaml:"provider"`
	// OllamaHost is the Ollama API endpoint.
	OllamaHost string `yaml:"ollama_host"`
	// GenerateModel is the model used for Summarize and Outline.
	GenerateModel string `yaml:"generate_model"`
	// EmbedModel is the model used for Embed.
	EmbedModel string `yaml:"embed_model"`
	// Dimensions is the fixed embedding dimension.
	Dimensions int `yaml:"dimensions"`
	// Timeout bounds a single provider call.
	Timeout time.Duration `yaml:"timeout"`
	// CacheSize is the number of embeddings kept in the LRU cache.
	CacheSize int `yaml:"cache_size"`
}

// ChunkingConfig configures the chunking engine.
type ChunkingConfig struct {
	// MaxChunkChars is the maximum content-chunk size in characters.
	MaxChunkChars int `yaml:"max_chunk_chars"`
	// OverlapChars is the overlap between adjacent content chunks.
	OverlapChars int `yaml:"overlap_chars"`
	// ContextWindowChars is the budget above which the long-document
	// map-reduce path is used.
	ContextWindowChars int `yaml:"context_window_chars"`
}

// SearchConfig configures the search aggregator.
type SearchConfig struct {
	// SimilarityThreshold is the minimum cosine similarity for semantic hits.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// MinQueryLength rejects shorter queries before any sub-search runs.
	MinQueryLength int `yaml:"min_query_length"`
	// MaxResults caps the result list per search.
	MaxResults int `yaml:"max_results"`
	// MixedBoost multiplies the score of documents found by both legs.
	MixedBoost float64 `yaml:"mixed_boost"`
}

// QueueConfig configures the task queue and worker.
type QueueConfig struct {
	// MaxRetries bounds automatic re-enqueue of failed tasks.
	MaxRetries int `yaml:"max_retries"`
	// PollInterval is the worker sleep when no task is pending.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	// ListenAddr is the operator API bind address.
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// File is the log file path; empty disables file logging.
	File string `yaml:"file"`
}

// CurrentVersion is the current config schema version.
const CurrentVersion = 1

// Default returns the default configuration rooted at dataDir.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Paths: PathsConfig{
			DataDir: ".notedex",
			DocsDir: "docs",
		},
		Index: IndexConfig{
			FTSBackend:       "sqlite",
			VectorBackend:    "hnsw",
			QdrantURL:        "http://localhost:6333",
			QdrantCollection: "notedex_chunks",
		},
		Model: ModelConfig{
			Provider:      "heuristic",
			OllamaHost:    "http://localhost:11434",
			GenerateModel: "qwen3:0.6b",
			EmbedModel:    "nomic-embed-text",
			Dimensions:    256,
			Timeout:       60 * time.Second,
			CacheSize:     1000,
		},
		Chunking: ChunkingConfig{
			MaxChunkChars:      2048,
			OverlapChars:       256,
			ContextWindowChars: 16384,
		},
		Search: SearchConfig{
			SimilarityThreshold: 0.25,
			MinQueryLength:      2,
			MaxResults:          20,
			MixedBoost:          1.15,
		},
		Queue: QueueConfig{
			MaxRetries:   3,
			PollInterval: 2 * time.Second,
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:7333",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, applying defaults and env overrides.
// A missing file is not an error; defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, idxerrors.Wrap(err, idxerrors.ErrCodeConfigNotFound, "cannot read config file")
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, idxerrors.Wrap(err, idxerrors.ErrCodeConfigInvalid, "cannot parse config file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies NOTEDEX_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NOTEDEX_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv("NOTEDEX_DOCS_DIR"); v != "" {
		cfg.Paths.DocsDir = v
	}
	if v := os.Getenv("NOTEDEX_FTS_BACKEND"); v != "" {
		cfg.Index.FTSBackend = v
	}
	if v := os.Getenv("NOTEDEX_VECTOR_BACKEND"); v != "" {
		cfg.Index.VectorBackend = v
	}
	if v := os.Getenv("NOTEDEX_QDRANT_URL"); v != "" {
		cfg.Index.QdrantURL = v
	}
	if v := os.Getenv("NOTEDEX_MODEL_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	if v := os.Getenv("NOTEDEX_OLLAMA_HOST"); v != "" {
		cfg.Model.OllamaHost = v
	}
	if v := os.Getenv("NOTEDEX_EMBED_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Model.Dimensions = n
		}
	}
	if v := os.Getenv("NOTEDEX_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("NOTEDEX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Index.FTSBackend {
	case "sqlite", "bleve":
	default:
		return idxerrors.Newf(idxerrors.ErrCodeConfigInvalid,
			"unknown fts_backend %q (valid: sqlite, bleve)", c.Index.FTSBackend)
	}
	switch c.Index.VectorBackend {
	case "hnsw", "qdrant":
	default:
		return idxerrors.Newf(idxerrors.ErrCodeConfigInvalid,
			"unknown vector_backend %q (valid: hnsw, qdrant)", c.Index.VectorBackend)
	}
	switch c.Model.Provider {
	case "ollama", "heuristic":
	default:
		return idxerrors.Newf(idxerrors.ErrCodeConfigInvalid,
			"unknown model provider %q (valid: ollama, heuristic)", c.Model.Provider)
	}
	if c.Model.Dimensions <= 0 {
		return idxerrors.Newf(idxerrors.ErrCodeConfigInvalid,
			"embedding dimensions must be positive, got %d", c.Model.Dimensions)
	}
	if c.Chunking.MaxChunkChars <= 0 {
		return idxerrors.Newf(idxerrors.ErrCodeConfigInvalid,
			"max_chunk_chars must be positive, got %d", c.Chunking.MaxChunkChars)
	}
	if c.Chunking.OverlapChars < 0 || c.Chunking.OverlapChars >= c.Chunking.MaxChunkChars {
		return idxerrors.Newf(idxerrors.ErrCodeConfigInvalid,
			"overlap_chars must be in [0, max_chunk_chars), got %d", c.Chunking.OverlapChars)
	}
	if c.Search.MinQueryLength < 1 {
		return idxerrors.Newf(idxerrors.ErrCodeConfigInvalid,
			"min_query_length must be at least 1, got %d", c.Search.MinQueryLength)
	}
	if c.Search.SimilarityThreshold < 0 || c.Search.SimilarityThreshold > 1 {
		return idxerrors.Newf(idxerrors.ErrCodeConfigInvalid,
			"similarity_threshold must be in [0,1], got %f", c.Search.SimilarityThreshold)
	}
	if c.Queue.MaxRetries < 0 {
		return idxerrors.Newf(idxerrors.ErrCodeConfigInvalid,
			"max_retries must be non-negative, got %d", c.Queue.MaxRetries)
	}
	return nil
}

// MetadataDBPath returns the SQLite metadata database path.
func (c *Config) MetadataDBPath() string {
	return filepath.Join(c.Paths.DataDir, "metadata.db")
}

// VectorIndexPath returns the embedded vector index path.
func (c *Config) VectorIndexPath() string {
	return filepath.Join(c.Paths.DataDir, "vectors.hnsw")
}

// BleveIndexPath returns the Bleve full-text index directory.
func (c *Config) BleveIndexPath() string {
	return filepath.Join(c.Paths.DataDir, "fts.bleve")
}

// LogFilePath returns the log file path, honoring an explicit override.
func (c *Config) LogFilePath() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(c.Paths.DataDir, "logs", "notedex.log")
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
