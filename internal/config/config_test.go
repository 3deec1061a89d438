package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idxerrors "github.com/notedex/notedex/internal/errors"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Index.FTSBackend)
	assert.Equal(t, "hnsw", cfg.Index.VectorBackend)
	assert.Equal(t, 2048, cfg.Chunking.MaxChunkChars)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
version: 1
index:
  fts_backend: bleve
search:
  min_query_length: 4
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bleve", cfg.Index.FTSBackend)
	assert.Equal(t, 4, cfg.Search.MinQueryLength)
	// Untouched fields keep defaults
	assert.Equal(t, "hnsw", cfg.Index.VectorBackend)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("NOTEDEX_VECTOR_BACKEND", "qdrant")
	t.Setenv("NOTEDEX_EMBED_DIMENSIONS", "768")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "qdrant", cfg.Index.VectorBackend)
	assert.Equal(t, 768, cfg.Model.Dimensions)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad fts backend", func(c *Config) { c.Index.FTSBackend = "lucene" }},
		{"bad vector backend", func(c *Config) { c.Index.VectorBackend = "pinecone" }},
		{"bad provider", func(c *Config) { c.Model.Provider = "gpt" }},
		{"zero dimensions", func(c *Config) { c.Model.Dimensions = 0 }},
		{"overlap exceeds chunk", func(c *Config) { c.Chunking.OverlapChars = c.Chunking.MaxChunkChars }},
		{"zero min query", func(c *Config) { c.Search.MinQueryLength = 0 }},
		{"threshold above one", func(c *Config) { c.Search.SimilarityThreshold = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, idxerrors.ErrCodeConfigInvalid, idxerrors.CodeOf(err))
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Paths.DocsDir = "/srv/docs"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/docs", loaded.Paths.DocsDir)
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.Paths.DataDir = "/var/lib/notedex"
	assert.Equal(t, "/var/lib/notedex/metadata.db", cfg.MetadataDBPath())
	assert.Equal(t, "/var/lib/notedex/vectors.hnsw", cfg.VectorIndexPath())
	assert.Equal(t, "/var/lib/notedex/fts.bleve", cfg.BleveIndexPath())
}
