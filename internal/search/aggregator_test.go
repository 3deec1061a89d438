package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idxerrors "github.com/notedex/notedex/internal/errors"
	"github.com/notedex/notedex/internal/model"
	"github.com/notedex/notedex/internal/store"
)

const testDims = 32

type searchEnv struct {
	metadata   *store.SQLiteStore
	fts        *store.SQLiteFTSIndex
	vectors    *store.HNSWStore
	provider   model.Provider
	aggregator *Aggregator
}

func newSearchEnv(t *testing.T) *searchEnv {
	t.Helper()

	metadata, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { metadata.Close() })

	vectors, err := store.NewHNSWStore(store.VectorStoreConfig{Dimensions: testDims})
	require.NoError(t, err)
	t.Cleanup(func() { vectors.Close() })

	fts := store.NewSQLiteFTSIndex(metadata)
	provider := model.NewHeuristicProvider(testDims)

	return &searchEnv{
		metadata: metadata,
		fts:      fts,
		vectors:  vectors,
		provider: provider,
		aggregator: New(metadata, fts, vectors, provider, Options{
			SimilarityThreshold: 0.25,
			MinQueryLength:      2,
			MaxResults:          10,
			MixedBoost:          1.15,
		}),
	}
}

// addDocument indexes a document for keyword search and, when vectorText
// is non-empty, stores one embedded chunk for semantic search.
func (env *searchEnv) addDocument(t *testing.T, path, content, vectorText string) *store.Document {
	t.Helper()
	ctx := context.Background()

	doc := store.NewDocument(path, content)
	require.NoError(t, env.metadata.SaveDocument(ctx, doc))
	require.NoError(t, env.fts.Index(ctx, []*store.FTSDocument{{
		ID:      doc.ID,
		Title:   doc.Title,
		Content: doc.Content,
	}}))

	if vectorText != "" {
		vecs, err := env.provider.Embed(ctx, []string{vectorText})
		require.NoError(t, err)
		hash := store.HashText(vectorText)
		require.NoError(t, env.vectors.Add(ctx, []*store.VectorItem{{
			ID:     store.ChunkID(doc.ID, store.LevelContent, 1, hash),
			Vector: vecs[0],
			Payload: store.VectorPayload{
				DocumentID:    doc.ID,
				Level:         string(store.LevelContent),
				Index:         1,
				ParentHeading: "Overview",
				SectionPath:   "Overview/0",
				ChunkHash:     hash,
			},
		}}))
	}
	return doc
}

func TestSearchRejectsShortQuery(t *testing.T) {
	env := newSearchEnv(t)

	for _, mode := range []Mode{ModeKeyword, ModeSemantic, ModeMixed} {
		_, err := env.aggregator.Search(context.Background(), "a", mode, 10)
		require.Error(t, err)
		assert.Equal(t, idxerrors.ErrCodeQueryTooShort, idxerrors.CodeOf(err))
	}
}

func TestSearchKeywordMode(t *testing.T) {
	env := newSearchEnv(t)
	doc := env.addDocument(t, "notes/net.md", "# Network\n\nalpha bravo retries and backoff\n", "")
	env.addDocument(t, "notes/other.md", "# Cooking\n\nrecipes and spices\n", "")

	results, err := env.aggregator.Search(context.Background(), "alpha bravo", ModeKeyword, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, doc.ID, results[0].DocumentID)
	assert.Equal(t, "notes/net.md", results[0].Path)
	assert.Equal(t, string(ModeKeyword), results[0].Source)
	assert.NotEmpty(t, results[0].MatchedTerms)
}

func TestSearchSemanticModeThreshold(t *testing.T) {
	env := newSearchEnv(t)
	near := env.addDocument(t, "notes/near.md", "# Near\n\nquantum entanglement notes\n", "alpha bravo cached lookups")
	env.addDocument(t, "notes/far.md", "# Far\n\nother text\n", "zebra yak xylophone wombat")

	results, err := env.aggregator.Search(context.Background(), "alpha bravo", ModeSemantic, 10)
	require.NoError(t, err)
	require.Len(t, results, 1, "dissimilar document must fall below the threshold")
	assert.Equal(t, near.ID, results[0].DocumentID)
	assert.Equal(t, string(ModeSemantic), results[0].Source)
	require.NotNil(t, results[0].Section)
	assert.Equal(t, "Overview", results[0].Section.ParentHeading)
}

func TestSearchMixedMergesWithoutDuplicates(t *testing.T) {
	env := newSearchEnv(t)

	// In both legs: keyword terms in content, identical vector text
	both := env.addDocument(t, "notes/both.md", "# Both\n\nalpha bravo network retries\n", "alpha bravo network retries")
	// Keyword leg only
	kwOnly := env.addDocument(t, "notes/kw.md", "# Keyword\n\nalpha charlie delta\n", "")
	// Semantic leg only
	semOnly := env.addDocument(t, "notes/sem.md", "# Semantic\n\nquantum entanglement notes\n", "alpha bravo cached")

	results, err := env.aggregator.Search(context.Background(), "alpha bravo", ModeMixed, 10)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, r := range results {
		seen[r.DocumentID]++
	}
	assert.Equal(t, 1, seen[both.ID], "document in both legs appears exactly once")
	assert.Equal(t, 1, seen[kwOnly.ID])
	assert.Equal(t, 1, seen[semOnly.ID])

	// Top hit of both legs individually, so the merged rank must hold
	require.NotEmpty(t, results)
	assert.Equal(t, both.ID, results[0].DocumentID)
	assert.Equal(t, "both", results[0].Source)
	require.NotNil(t, results[0].Section)
}

func TestSearchSkipsDeletedDocuments(t *testing.T) {
	env := newSearchEnv(t)
	ctx := context.Background()

	doc := env.addDocument(t, "notes/gone.md", "# Gone\n\nalpha bravo content\n", "")
	require.NoError(t, env.metadata.MarkDocumentDeleted(ctx, doc.ID))

	results, err := env.aggregator.Search(ctx, "alpha bravo", ModeKeyword, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchLimit(t *testing.T) {
	env := newSearchEnv(t)
	env.addDocument(t, "notes/1.md", "# One\n\nalpha common words\n", "")
	env.addDocument(t, "notes/2.md", "# Two\n\nalpha common words\n", "")
	env.addDocument(t, "notes/3.md", "# Three\n\nalpha common words\n", "")

	results, err := env.aggregator.Search(context.Background(), "alpha common", ModeKeyword, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":         ModeMixed,
		"mixed":    ModeMixed,
		"keyword":  ModeKeyword,
		"Semantic": ModeSemantic,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseMode("fuzzy")
	require.Error(t, err)
	assert.Equal(t, idxerrors.ErrCodeInvalidInput, idxerrors.CodeOf(err))
}
