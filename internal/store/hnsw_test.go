package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDims = 4

func newTestHNSW(t *testing.T) *HNSWStore {
	t.Helper()
	s, err := NewHNSWStore(VectorStoreConfig{Dimensions: testDims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func vecItem(id, docID string, vec []float32) *VectorItem {
	return &VectorItem{
		ID:     id,
		Vector: vec,
		Payload: VectorPayload{
			DocumentID: docID,
			Level:      string(LevelContent),
			ChunkHash:  HashText(id),
		},
	}
}

func TestHNSWAddAndSearch(t *testing.T) {
	s := newTestHNSW(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*VectorItem{
		vecItem("c1", "doc1", []float32{1, 0, 0, 0}),
		vecItem("c2", "doc1", []float32{0, 1, 0, 0}),
		vecItem("c3", "doc2", []float32{0.9, 0.1, 0, 0}),
	}))

	results, err := s.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "c1", results[0].ID)
	assert.Equal(t, "c3", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, "doc1", results[0].Payload.DocumentID)
}

func TestHNSWDimensionMismatch(t *testing.T) {
	s := newTestHNSW(t)
	ctx := context.Background()

	err := s.Add(ctx, []*VectorItem{vecItem("c1", "doc1", []float32{1, 0})})
	var dimErr ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, testDims, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)

	_, err = s.Search(ctx, []float32{1, 0}, 1)
	assert.ErrorAs(t, err, &dimErr)
}

func TestHNSWReplaceExisting(t *testing.T) {
	s := newTestHNSW(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*VectorItem{vecItem("c1", "doc1", []float32{1, 0, 0, 0})}))
	require.NoError(t, s.Add(ctx, []*VectorItem{vecItem("c1", "doc1", []float32{0, 0, 0, 1})}))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := s.Search(ctx, []float32{0, 0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 0.01)
}

func TestHNSWDelete(t *testing.T) {
	s := newTestHNSW(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*VectorItem{
		vecItem("c1", "doc1", []float32{1, 0, 0, 0}),
		vecItem("c2", "doc1", []float32{0, 1, 0, 0}),
	}))
	require.NoError(t, s.Delete(ctx, []string{"c1"}))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := s.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c2", results[0].ID)
}

func TestHNSWDeleteByDocument(t *testing.T) {
	s := newTestHNSW(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*VectorItem{
		vecItem("c1", "doc1", []float32{1, 0, 0, 0}),
		vecItem("c2", "doc1", []float32{0, 1, 0, 0}),
		vecItem("c3", "doc2", []float32{0, 0, 1, 0}),
	}))
	require.NoError(t, s.DeleteByDocument(ctx, "doc1"))

	ids, err := s.AllIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c3"}, ids)
}

func TestHNSWSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")
	ctx := context.Background()

	s := newTestHNSW(t)
	require.NoError(t, s.Add(ctx, []*VectorItem{
		vecItem("c1", "doc1", []float32{1, 0, 0, 0}),
		vecItem("c2", "doc2", []float32{0, 1, 0, 0}),
	}))
	require.NoError(t, s.Save(path))

	loaded, err := NewHNSWStore(VectorStoreConfig{Dimensions: testDims})
	require.NoError(t, err)
	defer loaded.Close()
	require.NoError(t, loaded.Load(path))

	count, err := loaded.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	results, err := loaded.Search(ctx, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ID)
	assert.Equal(t, "doc1", results[0].Payload.DocumentID)

	// Deletions still work after a reload
	require.NoError(t, loaded.DeleteByDocument(ctx, "doc2"))
	remaining, err := loaded.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestHNSWLoadDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")

	s := newTestHNSW(t)
	require.NoError(t, s.Add(context.Background(), []*VectorItem{
		vecItem("c1", "doc1", []float32{1, 0, 0, 0}),
	}))
	require.NoError(t, s.Save(path))

	other, err := NewHNSWStore(VectorStoreConfig{Dimensions: 8})
	require.NoError(t, err)
	defer other.Close()

	err = other.Load(path)
	var dimErr ErrDimensionMismatch
	assert.ErrorAs(t, err, &dimErr)
}

func TestHNSWSearchEmptyStore(t *testing.T) {
	s := newTestHNSW(t)

	results, err := s.Search(context.Background(), []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHNSWHealthy(t *testing.T) {
	s := newTestHNSW(t)
	require.NoError(t, s.Healthy(context.Background()))

	require.NoError(t, s.Close())
	assert.Error(t, s.Healthy(context.Background()))
}
