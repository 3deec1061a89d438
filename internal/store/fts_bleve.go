package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// BleveFTSIndex implements FullTextIndex using Bleve v2. Unlike the SQLite
// backend it keeps its index in a separate directory, so it is only usable
// single-process (BoltDB holds an exclusive lock).
type BleveFTSIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var _ FullTextIndex = (*BleveFTSIndex)(nil)

// bleveDocument is the document structure for Bleve indexing.
type bleveDocument struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// NewBleveFTSIndex creates or opens a Bleve index at path.
// If path is empty, an in-memory index is created for testing.
func NewBleveFTSIndex(path string) (*BleveFTSIndex, error) {
	indexMapping := createDocumentMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if _, statErr := os.Stat(path); statErr == nil {
			idx, err = bleve.Open(path)
		} else {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bleve index: %w", err)
	}

	return &BleveFTSIndex{index: idx, path: path}, nil
}

// createDocumentMapping builds the index mapping for title/content documents.
func createDocumentMapping() mapping.IndexMapping {
	textField := bleve.NewTextFieldMapping()
	textField.Store = false
	textField.IncludeTermVectors = false

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("title", textField)
	docMapping.AddFieldMappingsAt("content", textField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Index adds or replaces documents in the index.
func (b *BleveFTSIndex) Index(ctx context.Context, docs []*FTSDocument) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, bleveDocument{Title: doc.Title, Content: doc.Content}); err != nil {
			return fmt.Errorf("failed to batch document %s: %w", doc.ID, err)
		}
	}
	return b.index.Batch(batch)
}

// Search returns documents matching query, best first.
// Title matches are boosted 2x over content matches.
func (b *BleveFTSIndex) Search(ctx context.Context, queryStr string, limit int) ([]*KeywordResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	terms := sanitizeQueryTerms(queryStr)
	if len(terms) == 0 {
		return []*KeywordResult{}, nil
	}

	titleQuery := bleve.NewMatchQuery(queryStr)
	titleQuery.SetField("title")
	titleQuery.SetBoost(2.0)

	contentQuery := bleve.NewMatchQuery(queryStr)
	contentQuery.SetField("content")

	disjunction := bleve.NewDisjunctionQuery(titleQuery, contentQuery)

	req := bleve.NewSearchRequestOptions(disjunction, limit, 0, false)
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*KeywordResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, &KeywordResult{
			DocID:        hit.ID,
			Score:        hit.Score,
			MatchedTerms: terms,
		})
	}
	return results, nil
}

// Delete removes documents from the index.
func (b *BleveFTSIndex) Delete(ctx context.Context, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range docIDs {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// AllIDs returns all document IDs via a match-all scan.
func (b *BleveFTSIndex) AllIDs() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	count, err := b.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	var matchAll query.Query = bleve.NewMatchAllQuery()
	req := bleve.NewSearchRequestOptions(matchAll, int(count), 0, false)
	res, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to scan IDs: %w", err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Count returns the number of indexed documents.
func (b *BleveFTSIndex) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	count, err := b.index.DocCount()
	if err != nil {
		return 0
	}
	return int(count)
}

// Close closes the index. Idempotent.
func (b *BleveFTSIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}
