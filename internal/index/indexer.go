// Package index processes queued indexing tasks: it chunks documents and
// keeps the metadata, full-text, and vector stores in step with the
// source content. The Indexer is the only writer of chunk data.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/notedex/notedex/internal/chunk"
	idxerrors "github.com/notedex/notedex/internal/errors"
	"github.com/notedex/notedex/internal/model"
	"github.com/notedex/notedex/internal/store"
)

// Indexer turns one IndexTask into store writes.
type Indexer struct {
	metadata store.MetadataStore
	fts      store.FullTextIndex
	vectors  store.VectorStore
	engine   *chunk.Engine
	provider model.Provider
	logger   *slog.Logger
}

// NewIndexer wires the indexer to its stores and the chunking engine.
func NewIndexer(metadata store.MetadataStore, fts store.FullTextIndex, vectors store.VectorStore, engine *chunk.Engine, provider model.Provider, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		metadata: metadata,
		fts:      fts,
		vectors:  vectors,
		engine:   engine,
		provider: provider,
		logger:   logger,
	}
}

// ProcessTask executes one task to completion. A deleted document purges
// its traces from every store. A live one is fully re-indexed with
// delete-then-write: no diffing, so a partial write from an earlier
// failed attempt is overwritten wholesale by the next success.
func (ix *Indexer) ProcessTask(ctx context.Context, task *store.IndexTask) error {
	doc, err := ix.metadata.GetDocument(ctx, task.DocumentID)
	if err != nil {
		if idxerrors.Is(err, sql.ErrNoRows) {
			// Row gone entirely (rebuild raced us); treat like a delete
			return ix.purgeDocument(ctx, task.DocumentID)
		}
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to load document")
	}

	if doc.Deleted {
		if err := ix.purgeDocument(ctx, doc.ID); err != nil {
			return err
		}
		if err := ix.metadata.DeleteDocument(ctx, doc.ID); err != nil {
			return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to remove document row")
		}
		ix.logger.Info("document purged", "document_id", doc.ID, "path", doc.Path)
		return nil
	}

	switch task.TaskType {
	case store.TaskTypeFullTextIndex:
		return ix.indexFullText(ctx, doc)
	case store.TaskTypeVectorIndex:
		return ix.indexVectors(ctx, doc)
	default:
		return idxerrors.Newf(idxerrors.ErrCodeInvalidInput, "unknown task type %q", task.TaskType)
	}
}

// indexFullText replaces the document's full-text entry and chunk rows.
func (ix *Indexer) indexFullText(ctx context.Context, doc *store.Document) error {
	chunks, err := ix.engine.Chunk(ctx, doc)
	if err != nil {
		return err
	}

	if err := ix.metadata.DeleteChunksByDocument(ctx, doc.ID); err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to delete stale chunks")
	}
	if err := ix.metadata.SaveChunks(ctx, chunks); err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to save chunks")
	}

	if err := ix.fts.Index(ctx, []*store.FTSDocument{{
		ID:      doc.ID,
		Title:   doc.Title,
		Content: doc.Content,
	}}); err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to index document text")
	}

	ix.logger.Debug("full-text indexed", "document_id", doc.ID, "chunks", len(chunks))
	return nil
}

// indexVectors replaces the document's embeddings. Only content chunks
// are embedded; summary and outline chunks exist for retrieval context.
func (ix *Indexer) indexVectors(ctx context.Context, doc *store.Document) error {
	chunks, err := ix.engine.Chunk(ctx, doc)
	if err != nil {
		return err
	}

	var contentChunks []*store.Chunk
	var texts []string
	for _, c := range chunks {
		if c.Level == store.LevelContent {
			contentChunks = append(contentChunks, c)
			texts = append(texts, c.Text)
		}
	}

	if err := ix.vectors.DeleteByDocument(ctx, doc.ID); err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to delete stale vectors")
	}
	if len(contentChunks) == 0 {
		return nil
	}

	embeddings, err := ix.provider.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if len(embeddings) != len(contentChunks) {
		return idxerrors.Newf(idxerrors.ErrCodeInternal,
			"embedding count %d does not match chunk count %d", len(embeddings), len(contentChunks))
	}

	items := make([]*store.VectorItem, len(contentChunks))
	for i, c := range contentChunks {
		items[i] = &store.VectorItem{
			ID:     c.ID,
			Vector: embeddings[i],
			Payload: store.VectorPayload{
				DocumentID:     doc.ID,
				Level:          string(c.Level),
				Index:          c.Index,
				ParentHeading:  c.ParentHeading,
				SectionPath:    c.SectionPath,
				ChunkHash:      c.TextHash,
				EmbeddingModel: ix.provider.ModelName(),
			},
		}
	}
	if err := ix.vectors.Add(ctx, items); err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to store vectors")
	}

	ix.logger.Debug("vectors indexed", "document_id", doc.ID, "vectors", len(items))
	return nil
}

// purgeDocument removes every trace of a document from the chunk, FTS,
// and vector stores.
func (ix *Indexer) purgeDocument(ctx context.Context, documentID string) error {
	if err := ix.metadata.DeleteChunksByDocument(ctx, documentID); err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to delete chunks")
	}
	if err := ix.fts.Delete(ctx, []string{documentID}); err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to delete full-text entry")
	}
	if err := ix.vectors.DeleteByDocument(ctx, documentID); err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to delete vectors")
	}
	return nil
}

// Stats summarizes what is currently indexed.
type Stats struct {
	Documents  int `json:"total_documents"`
	Chunks     int `json:"total_chunks"`
	Embeddings int `json:"total_embeddings"`
}

// Stats counts documents, chunks, and embeddings across the stores.
func (ix *Indexer) Stats(ctx context.Context) (Stats, error) {
	docs, err := ix.metadata.CountDocuments(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count documents: %w", err)
	}
	chunks, err := ix.metadata.CountChunks(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count chunks: %w", err)
	}
	vectors, err := ix.vectors.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count vectors: %w", err)
	}
	return Stats{Documents: docs, Chunks: chunks, Embeddings: vectors}, nil
}
