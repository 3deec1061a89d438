// Package store provides the persistence layer for Notedex: the SQLite
// metadata store (documents, chunks, tasks, full-text index) and the
// vector store (embedded HNSW or remote Qdrant).
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ChunkLevel is the level of a chunk in the three-level document representation.
type ChunkLevel string

const (
	// LevelSummary is the single whole-document summary chunk.
	LevelSummary ChunkLevel = "summary"
	// LevelOutline is one chunk per detected heading.
	LevelOutline ChunkLevel = "outline"
	// LevelContent is a body chunk attributed to a section.
	LevelContent ChunkLevel = "content"
)

// Document is a tracked text document. Identity is the path; the content
// hash is the sole signal for deciding whether re-indexing is necessary.
type Document struct {
	ID          string
	Path        string
	Title       string
	Content     string
	ContentHash string
	Size        int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Deleted     bool
}

// Chunk is a unit of indexed text at one of three levels.
type Chunk struct {
	ID             string
	DocumentID     string
	Level          ChunkLevel
	Index          int
	Text           string
	TextHash       string
	ParentHeading  string // empty for Summary/Outline chunks and unattributed content
	SectionPath    string
	EmbeddingModel string
	CreatedAt      time.Time
}

// TaskType distinguishes the two index targets.
type TaskType string

const (
	TaskTypeVectorIndex   TaskType = "vector_index"
	TaskTypeFullTextIndex TaskType = "fts_index"
)

// TaskStatus is the lifecycle state of an IndexTask.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IndexTask is a unit of pending indexing work for one document.
type IndexTask struct {
	ID           string
	DocumentID   string
	DocumentPath string
	TaskType     TaskType
	Status       TaskStatus
	Priority     int
	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ProcessedAt  *time.Time
}

// TaskCounts is a per-status breakdown of queue contents.
type TaskCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// MetadataStore persists documents, chunks, and runtime state in SQLite.
type MetadataStore interface {
	// Document operations
	SaveDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	GetDocumentByPath(ctx context.Context, path string) (*Document, error)
	ListDocuments(ctx context.Context) ([]*Document, error)
	MarkDocumentDeleted(ctx context.Context, id string) error
	DeleteDocument(ctx context.Context, id string) error
	CountDocuments(ctx context.Context) (int, error)

	// Chunk operations
	SaveChunks(ctx context.Context, chunks []*Chunk) error
	GetChunksByDocument(ctx context.Context, documentID string) ([]*Chunk, error)
	DeleteChunksByDocument(ctx context.Context, documentID string) error
	CountChunks(ctx context.Context) (int, error)

	// State operations (key-value store for runtime state)
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// State keys recorded in the metadata store.
const (
	// StateKeyEmbeddingModel records the model that produced stored vectors.
	StateKeyEmbeddingModel = "embedding_model"
	// StateKeyEmbeddingDimensions records the vector dimension of the index.
	StateKeyEmbeddingDimensions = "embedding_dimensions"
)

// FTSDocument is a document projected for full-text indexing.
type FTSDocument struct {
	ID      string // Document ID
	Title   string
	Content string
}

// KeywordResult is a single full-text search hit.
type KeywordResult struct {
	DocID        string
	Score        float64
	MatchedTerms []string
}

// FullTextIndex provides keyword search over document title and content.
type FullTextIndex interface {
	// Index adds or replaces documents in the index.
	Index(ctx context.Context, docs []*FTSDocument) error

	// Search returns documents matching query, best first.
	Search(ctx context.Context, query string, limit int) ([]*KeywordResult, error)

	// Delete removes documents from the index.
	Delete(ctx context.Context, docIDs []string) error

	// AllIDs returns all document IDs in the index (for consistency checks).
	AllIDs() ([]string, error)

	// Count returns the number of indexed documents.
	Count() int

	Close() error
}

// VectorPayload is the chunk metadata attached to every stored vector,
// used to reconstruct section attribution at query time.
type VectorPayload struct {
	DocumentID     string `json:"document_id"`
	Level          string `json:"level"`
	Index          int    `json:"index"`
	ParentHeading  string `json:"parent_heading,omitempty"`
	SectionPath    string `json:"section_path"`
	ChunkHash      string `json:"chunk_hash"`
	EmbeddingModel string `json:"embedding_model"`
}

// VectorItem is a vector plus identity and payload, ready for storage.
type VectorItem struct {
	ID      string
	Vector  []float32
	Payload VectorPayload
}

// VectorResult is a single similarity search hit.
type VectorResult struct {
	ID      string
	Score   float32 // Normalized similarity (0-1, higher is closer)
	Payload VectorPayload
}

// VectorStore stores chunk embeddings keyed by chunk identity.
type VectorStore interface {
	// Add inserts vectors with their payloads. Existing IDs are replaced.
	Add(ctx context.Context, items []*VectorItem) error

	// Search finds the k nearest vectors to the query.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	// Delete removes vectors by ID.
	Delete(ctx context.Context, ids []string) error

	// DeleteByDocument removes every vector belonging to a document.
	DeleteByDocument(ctx context.Context, documentID string) error

	// AllIDs returns all vector IDs (for consistency checks).
	AllIDs(ctx context.Context) ([]string, error)

	// Count returns the number of stored vectors.
	Count(ctx context.Context) (int, error)

	// Healthy verifies the store answers a trivial query.
	Healthy(ctx context.Context) error

	// Persistence. Remote backends treat these as no-ops.
	Save(path string) error
	Load(path string) error

	Close() error
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the fixed vector dimension.
	Dimensions int

	// M is HNSW max connections per layer.
	M int

	// EfSearch is HNSW query-time search width.
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for the given dimension.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		M:          16,
		EfSearch:   32,
	}
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// NewDocument builds a Document from a relative path and its content.
// The title is the first markdown heading when present, otherwise the
// file name.
func NewDocument(path, content string) *Document {
	title := filepath.Base(path)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			title = strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
		}
		break
	}

	now := time.Now().UTC()
	return &Document{
		ID:          DocumentID(path),
		Path:        path,
		Title:       title,
		Content:     content,
		ContentHash: HashText(content),
		Size:        int64(len(content)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// DocumentID derives the stable document identifier from its path.
func DocumentID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}

// HashText returns the deterministic content hash used for documents and chunks.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID derives a deterministic chunk identifier. Re-chunking unchanged
// content reproduces identical IDs.
func ChunkID(documentID string, level ChunkLevel, index int, textHash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%s", documentID, level, index, textHash)))
	return hex.EncodeToString(sum[:])[:32]
}
