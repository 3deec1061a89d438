package store

import (
	"fmt"
	"os"
)

// FTSBackend selects the full-text index backend.
type FTSBackend string

const (
	// FTSBackendSQLite keeps the full-text index inside the metadata
	// database (default).
	FTSBackendSQLite FTSBackend = "sqlite"

	// FTSBackendBleve keeps a separate Bleve index directory.
	// Single-process only due to the BoltDB lock.
	FTSBackendBleve FTSBackend = "bleve"
)

// NewFullTextIndex creates a FullTextIndex using the configured backend.
// metadata is required for the sqlite backend; blevePath for the bleve one.
func NewFullTextIndex(backend string, metadata *SQLiteStore, blevePath string) (FullTextIndex, error) {
	switch backend {
	case string(FTSBackendSQLite), "":
		if metadata == nil {
			return nil, fmt.Errorf("sqlite FTS backend requires a metadata store")
		}
		return NewSQLiteFTSIndex(metadata), nil

	case string(FTSBackendBleve):
		return NewBleveFTSIndex(blevePath)

	default:
		return nil, fmt.Errorf("unknown FTS backend: %s (valid options: sqlite, bleve)", backend)
	}
}

// DetectFTSBackend detects which backend an existing data directory uses.
// Returns an empty string if no index exists yet.
func DetectFTSBackend(blevePath string) FTSBackend {
	if info, err := os.Stat(blevePath); err == nil && info.IsDir() {
		return FTSBackendBleve
	}
	return ""
}
