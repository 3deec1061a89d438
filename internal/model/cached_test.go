package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingProvider wraps HeuristicProvider and counts Embed calls.
type countingProvider struct {
	*HeuristicProvider
	embedCalls int
	embedTexts int
}

func (c *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.embedCalls++
	c.embedTexts += len(texts)
	return c.HeuristicProvider.Embed(ctx, texts)
}

func TestCachedProviderServesHits(t *testing.T) {
	inner := &countingProvider{HeuristicProvider: NewHeuristicProvider(32)}
	cached, err := NewCachedProvider(inner, 100)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.embedTexts)

	second, err := cached.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.embedTexts, "second call should be fully cached")
	assert.Equal(t, first, second)

	hits, misses := cached.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(2), misses)
}

func TestCachedProviderPartialMiss(t *testing.T) {
	inner := &countingProvider{HeuristicProvider: NewHeuristicProvider(32)}
	cached, err := NewCachedProvider(inner, 100)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.Embed(ctx, []string{"alpha"})
	require.NoError(t, err)

	vecs, err := cached.Embed(ctx, []string{"alpha", "gamma"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, 2, inner.embedTexts, "only gamma should reach the inner provider")

	direct, err := inner.HeuristicProvider.Embed(ctx, []string{"gamma"})
	require.NoError(t, err)
	assert.Equal(t, direct[0], vecs[1], "order must be preserved")
}

func TestCachedProviderPassesThroughMetadata(t *testing.T) {
	cached, err := NewCachedProvider(NewHeuristicProvider(48), 10)
	require.NoError(t, err)

	assert.Equal(t, 48, cached.Dimensions())
	assert.Equal(t, heuristicModelName, cached.ModelName())
}
