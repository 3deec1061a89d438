package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDocument(path string) *Document {
	now := time.Now().UTC().Truncate(time.Second)
	content := "# " + path + "\n\nsome content for " + path
	return &Document{
		ID:          DocumentID(path),
		Path:        path,
		Title:       path,
		Content:     content,
		ContentHash: HashText(content),
		Size:        int64(len(content)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSaveAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDocument("notes/alpha.md")
	require.NoError(t, s.SaveDocument(ctx, doc))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Path, got.Path)
	assert.Equal(t, doc.ContentHash, got.ContentHash)
	assert.False(t, got.Deleted)

	byPath, err := s.GetDocumentByPath(ctx, doc.Path)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byPath.ID)
}

func TestGetDocumentNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDocument(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSaveDocumentUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDocument("notes/beta.md")
	require.NoError(t, s.SaveDocument(ctx, doc))

	doc.Content = "updated body"
	doc.ContentHash = HashText(doc.Content)
	require.NoError(t, s.SaveDocument(ctx, doc))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated body", got.Content)

	count, err := s.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMarkDocumentDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDocument("notes/gamma.md")
	require.NoError(t, s.SaveDocument(ctx, doc))
	require.NoError(t, s.MarkDocumentDeleted(ctx, doc.ID))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSaveAndGetChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDocument("notes/delta.md")
	require.NoError(t, s.SaveDocument(ctx, doc))

	now := time.Now().UTC()
	chunks := []*Chunk{
		{
			ID:         ChunkID(doc.ID, LevelContent, 0, HashText("body one")),
			DocumentID: doc.ID,
			Level:      LevelContent,
			Index:      0,
			Text:       "body one",
			TextHash:   HashText("body one"),
			CreatedAt:  now,
		},
		{
			ID:         ChunkID(doc.ID, LevelSummary, 0, HashText("the summary")),
			DocumentID: doc.ID,
			Level:      LevelSummary,
			Index:      0,
			Text:       "the summary",
			TextHash:   HashText("the summary"),
			CreatedAt:  now,
		},
		{
			ID:         ChunkID(doc.ID, LevelOutline, 0, HashText("Heading: gist")),
			DocumentID: doc.ID,
			Level:      LevelOutline,
			Index:      0,
			Text:       "Heading: gist",
			TextHash:   HashText("Heading: gist"),
			CreatedAt:  now,
		},
	}
	require.NoError(t, s.SaveChunks(ctx, chunks))

	got, err := s.GetChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Ordered summary, outline, content
	assert.Equal(t, LevelSummary, got[0].Level)
	assert.Equal(t, LevelOutline, got[1].Level)
	assert.Equal(t, LevelContent, got[2].Level)
}

func TestDeleteChunksByDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDocument("notes/epsilon.md")
	require.NoError(t, s.SaveDocument(ctx, doc))
	require.NoError(t, s.SaveChunks(ctx, []*Chunk{{
		ID:         ChunkID(doc.ID, LevelContent, 0, HashText("x")),
		DocumentID: doc.ID,
		Level:      LevelContent,
		Text:       "x",
		TextHash:   HashText("x"),
		CreatedAt:  time.Now(),
	}}))

	require.NoError(t, s.DeleteChunksByDocument(ctx, doc.ID))

	count, err := s.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	val, err := s.GetState(ctx, StateKeyEmbeddingModel)
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, s.SetState(ctx, StateKeyEmbeddingModel, "nomic-embed-text"))
	val, err = s.GetState(ctx, StateKeyEmbeddingModel)
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", val)

	require.NoError(t, s.SetState(ctx, StateKeyEmbeddingModel, "other"))
	val, err = s.GetState(ctx, StateKeyEmbeddingModel)
	require.NoError(t, err)
	assert.Equal(t, "other", val)
}

func TestSchemaComplete(t *testing.T) {
	s := newTestStore(t)

	complete, missing, err := s.SchemaComplete(context.Background())
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Empty(t, missing)
}

func TestSchemaCompleteDetectsMissingTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.DB().ExecContext(ctx, "DROP TABLE chunks")
	require.NoError(t, err)

	complete, missing, err := s.SchemaComplete(ctx)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Contains(t, missing, "chunks")

	// Repair by creating the missing table, then verify
	require.NoError(t, s.CreateMissingTables(ctx))
	complete, _, err = s.SchemaComplete(ctx)
	require.NoError(t, err)
	assert.True(t, complete)

	require.NoError(t, s.Close())
}

func TestCheckIntegrity(t *testing.T) {
	s := newTestStore(t)

	assert.NoError(t, s.CheckIntegrity(context.Background()))
}

func TestDropAndRecreateSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDocument(ctx, testDocument("notes/zeta.md")))

	require.NoError(t, s.DropSchema(ctx))
	require.NoError(t, s.RecreateSchema(ctx))

	count, err := s.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	complete, _, err := s.SchemaComplete(ctx)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestDocumentIDDeterministic(t *testing.T) {
	a := DocumentID("notes/a.md")
	b := DocumentID("notes/a.md")
	c := DocumentID("notes/b.md")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestChunkIDDeterministic(t *testing.T) {
	h := HashText("body")
	a := ChunkID("doc1", LevelContent, 0, h)
	b := ChunkID("doc1", LevelContent, 0, h)
	c := ChunkID("doc1", LevelContent, 1, h)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}
