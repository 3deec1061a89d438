package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedProvider wraps a Provider with an LRU cache over embeddings.
// Summaries and outlines pass through uncached; they are called once per
// document version, while embeddings repeat whenever a document is
// re-indexed with mostly unchanged chunks.
type CachedProvider struct {
	inner Provider
	cache *lru.Cache[string, []float32]

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider wraps inner with a cache of up to size embeddings.
func NewCachedProvider(inner Provider, size int) (*CachedProvider, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedProvider{inner: inner, cache: cache}, nil
}

func (c *CachedProvider) Summarize(ctx context.Context, prior, text string) (string, error) {
	return c.inner.Summarize(ctx, prior, text)
}

func (c *CachedProvider) Outline(ctx context.Context, prior []Heading, text string) ([]Heading, error) {
	return c.inner.Outline(ctx, prior, text)
}

// Embed serves cached vectors where possible and forwards only the
// misses to the inner provider, preserving input order.
func (c *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, t := range texts {
		key := c.cacheKey(t)
		if vec, ok := c.cache.Get(key); ok {
			results[i] = vec
			c.hits.Add(1)
		} else {
			missTexts = append(missTexts, t)
			missIdx = append(missIdx, i)
			c.misses.Add(1)
		}
	}

	if len(missTexts) > 0 {
		vectors, err := c.inner.Embed(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec := range vectors {
			i := missIdx[j]
			results[i] = vec
			c.cache.Add(c.cacheKey(texts[i]), vec)
		}
	}
	return results, nil
}

// cacheKey binds the entry to both text and model so a model switch never
// serves stale vectors.
func (c *CachedProvider) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.inner.ModelName() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Stats returns cache hit and miss counts.
func (c *CachedProvider) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedProvider) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedProvider) ModelName() string { return c.inner.ModelName() }

func (c *CachedProvider) Close() error { return c.inner.Close() }
