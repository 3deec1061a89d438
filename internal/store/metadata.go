package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteStore implements MetadataStore backed by a single SQLite database.
// The same database holds the document full-text index and the task queue,
// so one write lock covers all metadata mutations.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteStore)(nil)

// requiredTables are the tables the startup health check expects.
var requiredTables = []string{"documents", "chunks", "index_tasks", "state", "fts_documents"}

// NewSQLiteStore opens (or creates) the metadata database at path.
// If path is empty, an in-memory database is used for testing.
// Uses WAL mode and a single connection to bound write contention.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenSQLiteStoreNoSchema opens the database without creating any tables.
// The health checker uses this to inspect an existing store as-is.
func OpenSQLiteStoreNoSchema(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database not usable: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// schema holds every table the store owns. The tasks table lives here so
// the health checker finds the whole schema in one place; task semantics
// live in the queue package.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	path         TEXT NOT NULL UNIQUE,
	title        TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	deleted      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chunks (
	id              TEXT PRIMARY KEY,
	document_id     TEXT NOT NULL,
	level           TEXT NOT NULL,
	idx             INTEGER NOT NULL,
	text            TEXT NOT NULL,
	text_hash       TEXT NOT NULL,
	parent_heading  TEXT NOT NULL DEFAULT '',
	section_path    TEXT NOT NULL DEFAULT '',
	embedding_model TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

CREATE TABLE IF NOT EXISTS index_tasks (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL,
	document_path TEXT NOT NULL,
	task_type     TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 0,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	processed_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON index_tasks(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_document ON index_tasks(document_id, task_type);

CREATE TABLE IF NOT EXISTS state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS fts_documents USING fts5(
	doc_id UNINDEXED,
	title,
	content,
	tokenize='unicode61'
);
`

// initSchema creates all tables if they do not exist.
func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for sibling persistence code
// (the task queue and the FTS index share this database).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Path returns the database file path (empty for in-memory stores).
func (s *SQLiteStore) Path() string {
	return s.path
}

// SchemaComplete reports whether every required table exists, returning
// the names of any missing tables.
func (s *SQLiteStore) SchemaComplete(ctx context.Context) (bool, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []string
	for _, table := range requiredTables {
		var count int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view') AND name = ?`,
			table).Scan(&count)
		if err != nil {
			return false, nil, fmt.Errorf("cannot query schema: %w", err)
		}
		if count == 0 {
			missing = append(missing, table)
		}
	}
	return len(missing) == 0, missing, nil
}

// CreateMissingTables creates any tables absent from the schema.
// Data in existing tables is untouched.
func (s *SQLiteStore) CreateMissingTables(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CheckIntegrity runs SQLite's integrity check against the database.
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// ReindexInPlace rebuilds all SQL indexes and regenerates the full-text
// table from the documents table. This is the repair action for integrity
// failures that does not discard row data.
func (s *SQLiteStore) ReindexInPlace(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "REINDEX"); err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fts_documents`); err != nil {
		return fmt.Errorf("failed to clear FTS table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fts_documents(doc_id, title, content)
		SELECT id, title, content FROM documents WHERE deleted = 0`); err != nil {
		return fmt.Errorf("failed to rebuild FTS table: %w", err)
	}
	return tx.Commit()
}

// DropSchema removes every table the store owns. Used by the rebuild path
// before recreating a fresh schema.
func (s *SQLiteStore) DropSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range requiredTables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}
	return nil
}

// RecreateSchema drops and recreates all tables.
func (s *SQLiteStore) RecreateSchema(ctx context.Context) error {
	if err := s.DropSchema(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveDocument inserts or replaces a document record.
func (s *SQLiteStore) SaveDocument(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, path, title, content, content_hash, size, created_at, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			title = excluded.title,
			content = excluded.content,
			content_hash = excluded.content_hash,
			size = excluded.size,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted`,
		doc.ID, doc.Path, doc.Title, doc.Content, doc.ContentHash, doc.Size,
		doc.CreatedAt, doc.UpdatedAt, boolToInt(doc.Deleted))
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", doc.Path, err)
	}
	return nil
}

// GetDocument retrieves a document by ID. Returns sql.ErrNoRows if absent.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, title, content, content_hash, size, created_at, updated_at, deleted
		FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// GetDocumentByPath retrieves a document by its path.
func (s *SQLiteStore) GetDocumentByPath(ctx context.Context, path string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, title, content, content_hash, size, created_at, updated_at, deleted
		FROM documents WHERE path = ?`, path)
	return scanDocument(row)
}

// ListDocuments returns all non-deleted documents ordered by path.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, title, content, content_hash, size, created_at, updated_at, deleted
		FROM documents WHERE deleted = 0 ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// MarkDocumentDeleted flags a document as deleted without removing the row.
// The indexer purges its chunks on the next task for that document.
func (s *SQLiteStore) MarkDocumentDeleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET deleted = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark document deleted: %w", err)
	}
	return nil
}

// DeleteDocument removes the document row entirely.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// CountDocuments returns the number of non-deleted documents.
func (s *SQLiteStore) CountDocuments(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE deleted = 0`).Scan(&count)
	return count, err
}

// SaveChunks stores chunks in a single transaction.
func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(id, document_id, level, idx, text, text_hash, parent_heading, section_path, embedding_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.DocumentID, string(c.Level), c.Index, c.Text, c.TextHash,
			c.ParentHeading, c.SectionPath, c.EmbeddingModel, c.CreatedAt); err != nil {
			return fmt.Errorf("failed to save chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetChunksByDocument returns a document's chunks ordered by level then index.
func (s *SQLiteStore) GetChunksByDocument(ctx context.Context, documentID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, level, idx, text, text_hash, parent_heading, section_path, embedding_model, created_at
		FROM chunks WHERE document_id = ?
		ORDER BY CASE level WHEN 'summary' THEN 0 WHEN 'outline' THEN 1 ELSE 2 END, idx`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var level string
		if err := rows.Scan(&c.ID, &c.DocumentID, &level, &c.Index, &c.Text, &c.TextHash,
			&c.ParentHeading, &c.SectionPath, &c.EmbeddingModel, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Level = ChunkLevel(level)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// DeleteChunksByDocument removes all chunks for a document.
func (s *SQLiteStore) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// CountChunks returns the total number of stored chunks.
func (s *SQLiteStore) CountChunks(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

// GetState retrieves a runtime state value. Missing keys return "".
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetState stores a runtime state value.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Close checkpoints and closes the database. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanDocument(row *sql.Row) (*Document, error) {
	var d Document
	var deleted int
	err := row.Scan(&d.ID, &d.Path, &d.Title, &d.Content, &d.ContentHash, &d.Size,
		&d.CreatedAt, &d.UpdatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	d.Deleted = deleted != 0
	return &d, nil
}

func scanDocumentRows(rows *sql.Rows) (*Document, error) {
	var d Document
	var deleted int
	err := rows.Scan(&d.ID, &d.Path, &d.Title, &d.Content, &d.ContentHash, &d.Size,
		&d.CreatedAt, &d.UpdatedAt, &deleted)
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	d.Deleted = deleted != 0
	return &d, nil
}
