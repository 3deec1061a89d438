// Package search merges keyword and semantic results into one ranked
// list. It reads both stores directly and never waits on the indexing
// pipeline: results reflect whatever is indexed right now.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	idxerrors "github.com/notedex/notedex/internal/errors"
	"github.com/notedex/notedex/internal/model"
	"github.com/notedex/notedex/internal/store"
)

// Mode selects which legs of the search run.
type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeMixed    Mode = "mixed"
)

// ParseMode maps a request string to a Mode, defaulting to mixed.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeMixed):
		return ModeMixed, nil
	case string(ModeKeyword):
		return ModeKeyword, nil
	case string(ModeSemantic):
		return ModeSemantic, nil
	default:
		return "", idxerrors.Newf(idxerrors.ErrCodeInvalidInput, "unknown search mode %q", s)
	}
}

// SectionRef points at the best-matching chunk of a semantic hit so the
// caller can attribute the match to a document section without
// re-deriving it.
type SectionRef struct {
	ChunkID       string `json:"chunk_id"`
	ParentHeading string `json:"parent_heading,omitempty"`
	SectionPath   string `json:"section_path,omitempty"`
}

// Result is one ranked document.
type Result struct {
	DocumentID   string      `json:"document_id"`
	Path         string      `json:"path"`
	Title        string      `json:"title"`
	Score        float64     `json:"score"`
	Source       string      `json:"source"` // keyword | semantic | both
	MatchedTerms []string    `json:"matched_terms,omitempty"`
	Section      *SectionRef `json:"section,omitempty"`
}

// Options tunes the aggregator.
type Options struct {
	// SimilarityThreshold drops semantic hits below this cosine score.
	SimilarityThreshold float64
	// MinQueryLength rejects shorter queries before any leg runs.
	MinQueryLength int
	// MaxResults caps the returned list when the caller passes limit <= 0.
	MaxResults int
	// MixedBoost multiplies the score of documents found by both legs.
	MixedBoost float64
	Logger     *slog.Logger
}

// Aggregator issues keyword and vector queries and merges the results.
type Aggregator struct {
	metadata  store.MetadataStore
	fts       store.FullTextIndex
	vectors   store.VectorStore
	provider  model.Provider
	threshold float64
	minQuery  int
	maxHits   int
	boost     float64
	logger    *slog.Logger
}

// New wires an aggregator to the stores and the embedding provider.
func New(metadata store.MetadataStore, fts store.FullTextIndex, vectors store.VectorStore, provider model.Provider, opts Options) *Aggregator {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = 0.25
	}
	if opts.MinQueryLength <= 0 {
		opts.MinQueryLength = 2
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}
	if opts.MixedBoost <= 1 {
		opts.MixedBoost = 1.15
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		metadata:  metadata,
		fts:       fts,
		vectors:   vectors,
		provider:  provider,
		threshold: opts.SimilarityThreshold,
		minQuery:  opts.MinQueryLength,
		maxHits:   opts.MaxResults,
		boost:     opts.MixedBoost,
		logger:    opts.Logger,
	}
}

// Search runs the legs selected by mode and returns up to limit ranked
// documents. Queries shorter than the configured minimum are rejected
// before either leg runs.
func (a *Aggregator) Search(ctx context.Context, query string, mode Mode, limit int) ([]*Result, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < a.minQuery {
		return nil, idxerrors.Newf(idxerrors.ErrCodeQueryTooShort,
			"query must be at least %d characters", a.minQuery)
	}
	if limit <= 0 {
		limit = a.maxHits
	}

	switch mode {
	case ModeKeyword:
		results, err := a.keywordLeg(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		return a.finalize(ctx, results, limit), nil
	case ModeSemantic:
		results, err := a.semanticLeg(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		return a.finalize(ctx, results, limit), nil
	case ModeMixed:
		return a.mixed(ctx, query, limit)
	default:
		return nil, idxerrors.Newf(idxerrors.ErrCodeInvalidInput, "unknown search mode %q", mode)
	}
}

// keywordLeg queries the full-text index. Scores are normalized to the
// best hit so they merge cleanly with cosine similarities.
func (a *Aggregator) keywordLeg(ctx context.Context, query string, limit int) ([]*Result, error) {
	hits, err := a.fts.Search(ctx, query, limit)
	if err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "keyword search failed")
	}
	if len(hits) == 0 {
		return nil, nil
	}

	top := hits[0].Score
	if top <= 0 {
		top = 1
	}
	results := make([]*Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, &Result{
			DocumentID:   h.DocID,
			Score:        h.Score / top,
			Source:       string(ModeKeyword),
			MatchedTerms: h.MatchedTerms,
		})
	}
	return results, nil
}

// semanticLeg embeds the query and searches chunk vectors, keeping the
// best chunk per document at or above the similarity threshold.
func (a *Aggregator) semanticLeg(ctx context.Context, query string, limit int) ([]*Result, error) {
	vecs, err := a.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	// Over-fetch: several chunks of one document may outrank the best
	// chunk of another, and the threshold trims more below.
	hits, err := a.vectors.Search(ctx, vecs[0], limit*4)
	if err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "vector search failed")
	}

	best := make(map[string]*Result)
	var order []string
	for _, h := range hits {
		score := float64(h.Score)
		if score < a.threshold {
			continue
		}
		docID := h.Payload.DocumentID
		if existing, ok := best[docID]; ok {
			if score <= existing.Score {
				continue
			}
		} else {
			order = append(order, docID)
		}
		best[docID] = &Result{
			DocumentID: docID,
			Score:      score,
			Source:     string(ModeSemantic),
			Section: &SectionRef{
				ChunkID:       h.ID,
				ParentHeading: h.Payload.ParentHeading,
				SectionPath:   h.Payload.SectionPath,
			},
		}
	}

	results := make([]*Result, 0, len(best))
	for _, docID := range order {
		results = append(results, best[docID])
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// mixed runs both legs in parallel and merges by document id. A leg
// failing is degraded to its empty result unless both fail.
func (a *Aggregator) mixed(ctx context.Context, query string, limit int) ([]*Result, error) {
	var (
		keyword, semantic  []*Result
		keywordErr, semErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		keyword, keywordErr = a.keywordLeg(gctx, query, limit)
		return nil
	})
	g.Go(func() error {
		semantic, semErr = a.semanticLeg(gctx, query, limit)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if keywordErr != nil && semErr != nil {
		return nil, keywordErr
	}
	if keywordErr != nil {
		a.logger.Warn("keyword leg failed, returning semantic results only", "error", keywordErr)
	}
	if semErr != nil {
		a.logger.Warn("semantic leg failed, returning keyword results only", "error", semErr)
	}

	merged := make(map[string]*Result, len(keyword)+len(semantic))
	var order []string
	for _, r := range keyword {
		merged[r.DocumentID] = r
		order = append(order, r.DocumentID)
	}
	for _, r := range semantic {
		existing, ok := merged[r.DocumentID]
		if !ok {
			merged[r.DocumentID] = r
			order = append(order, r.DocumentID)
			continue
		}
		// Found by both legs: keep the stronger score, boosted, and
		// carry metadata from each leg.
		score := existing.Score
		if r.Score > score {
			score = r.Score
		}
		existing.Score = score * a.boost
		existing.Source = "both"
		existing.Section = r.Section
	}

	results := make([]*Result, 0, len(merged))
	for _, docID := range order {
		results = append(results, merged[docID])
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return a.finalize(ctx, results, limit), nil
}

// finalize attaches document metadata, drops documents that vanished
// between the leg query and now, and applies the limit.
func (a *Aggregator) finalize(ctx context.Context, results []*Result, limit int) []*Result {
	out := make([]*Result, 0, len(results))
	for _, r := range results {
		if len(out) == limit {
			break
		}
		doc, err := a.metadata.GetDocument(ctx, r.DocumentID)
		if err != nil || doc.Deleted {
			continue
		}
		r.Path = doc.Path
		r.Title = doc.Title
		out = append(out, r)
	}
	return out
}
