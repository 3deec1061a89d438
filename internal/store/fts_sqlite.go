package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// SQLiteFTSIndex implements FullTextIndex using the FTS5 table inside the
// metadata database. Sharing the database keeps keyword search and document
// records under one write lock.
type SQLiteFTSIndex struct {
	mu    sync.RWMutex
	store *SQLiteStore
}

var _ FullTextIndex = (*SQLiteFTSIndex)(nil)

// NewSQLiteFTSIndex creates a full-text index over the given metadata store.
func NewSQLiteFTSIndex(store *SQLiteStore) *SQLiteFTSIndex {
	return &SQLiteFTSIndex{store: store}
}

// Index adds or replaces documents. FTS5 virtual tables don't support
// REPLACE, so existing rows are deleted first.
func (s *SQLiteFTSIndex) Index(ctx context.Context, docs []*FTSDocument) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM fts_documents WHERE doc_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}
	defer deleteStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_documents(doc_id, title, content) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer insertStmt.Close()

	for _, doc := range docs {
		if _, err := deleteStmt.ExecContext(ctx, doc.ID); err != nil {
			return fmt.Errorf("failed to delete existing document %s: %w", doc.ID, err)
		}
		if _, err := insertStmt.ExecContext(ctx, doc.ID, doc.Title, doc.Content); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

// Search returns documents matching query, best first.
// Title matches rank above content matches via FTS5 column weights.
func (s *SQLiteFTSIndex) Search(ctx context.Context, queryStr string, limit int) ([]*KeywordResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := sanitizeQueryTerms(queryStr)
	if len(terms) == 0 {
		return []*KeywordResult{}, nil
	}

	// Quote each term so FTS5 operators in user input stay literal
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	matchExpr := strings.Join(quoted, " ")

	// bm25() returns negative values where lower = better match.
	// Title weighted 2x over content.
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT doc_id, bm25(fts_documents, 0.0, 2.0, 1.0) AS score
		FROM fts_documents
		WHERE fts_documents MATCH ?
		ORDER BY score
		LIMIT ?`, matchExpr, limit)
	if err != nil {
		// FTS5 rejects some match expressions, treat as no results
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return []*KeywordResult{}, nil
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var results []*KeywordResult
	for rows.Next() {
		var docID string
		var score float64
		if err := rows.Scan(&docID, &score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, &KeywordResult{
			DocID:        docID,
			Score:        -score, // negate: higher positive = better match
			MatchedTerms: terms,
		})
	}
	return results, rows.Err()
}

// Delete removes documents from the index.
func (s *SQLiteFTSIndex) Delete(ctx context.Context, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(docIDs))
	args := make([]any, len(docIDs))
	for i, id := range docIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf("DELETE FROM fts_documents WHERE doc_id IN (%s)",
		strings.Join(placeholders, ","))
	if _, err := s.store.DB().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete from FTS: %w", err)
	}
	return nil
}

// AllIDs returns all document IDs in the index.
func (s *SQLiteFTSIndex) AllIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.store.DB().Query(`SELECT doc_id FROM fts_documents ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query IDs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of indexed documents.
func (s *SQLiteFTSIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.store.DB().QueryRow(`SELECT COUNT(*) FROM fts_documents`).Scan(&count); err != nil {
		return 0
	}
	return count
}

// Close is a no-op; the underlying database belongs to the metadata store.
func (s *SQLiteFTSIndex) Close() error {
	return nil
}

// sanitizeQueryTerms lowercases and splits a query into plain word terms,
// dropping anything that could be interpreted as an FTS5 operator.
func sanitizeQueryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r >= 0x80)
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			terms = append(terms, f)
		}
	}
	return terms
}
