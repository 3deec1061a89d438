package store

import (
	"context"
	"fmt"
	"os"
)

// VectorBackend identifies which vector store implementation to use.
type VectorBackend string

const (
	// VectorBackendHNSW is the embedded in-process HNSW graph (default).
	VectorBackendHNSW VectorBackend = "hnsw"
	// VectorBackendQdrant is a remote Qdrant server.
	VectorBackendQdrant VectorBackend = "qdrant"
)

// VectorFactoryOptions carries backend-specific settings.
type VectorFactoryOptions struct {
	// HNSWPath is the on-disk location of the HNSW graph. When the file
	// exists the store is loaded from it.
	HNSWPath string
	// QdrantURL is the HTTP endpoint of the Qdrant server.
	QdrantURL string
	// QdrantCollection is the collection name.
	QdrantCollection string
}

// NewVectorStore creates a vector store for the requested backend.
func NewVectorStore(ctx context.Context, backend VectorBackend, cfg VectorStoreConfig, opts VectorFactoryOptions) (VectorStore, error) {
	switch backend {
	case VectorBackendHNSW, "":
		s, err := NewHNSWStore(cfg)
		if err != nil {
			return nil, err
		}
		if opts.HNSWPath != "" {
			if _, statErr := os.Stat(opts.HNSWPath); statErr == nil {
				if err := s.Load(opts.HNSWPath); err != nil {
					_ = s.Close()
					return nil, err
				}
			}
		}
		return s, nil
	case VectorBackendQdrant:
		return NewQdrantStore(ctx, opts.QdrantURL, opts.QdrantCollection, cfg)
	default:
		return nil, fmt.Errorf("unknown vector backend: %q", backend)
	}
}
