package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/notedex/notedex/internal/model"
	"github.com/notedex/notedex/internal/store"
)

// Config controls chunk sizes and the long-document threshold.
type Config struct {
	// MaxChunkChars is the content chunk size limit in runes.
	MaxChunkChars int
	// OverlapChars is the overlap between adjacent content chunks.
	OverlapChars int
	// ContextWindowChars is the largest content processed with single
	// Summarize and Outline calls; longer documents go through the
	// segment-refinement path.
	ContextWindowChars int
}

// DefaultConfig returns the standard chunking parameters.
func DefaultConfig() Config {
	return Config{
		MaxChunkChars:      2048,
		OverlapChars:       256,
		ContextWindowChars: 16384,
	}
}

// Engine produces the chunk set for a document.
type Engine struct {
	provider model.Provider
	config   Config
	logger   *slog.Logger
}

// NewEngine creates a chunking engine using provider for summaries,
// outlines, and nothing else; embedding happens downstream.
func NewEngine(provider model.Provider, config Config, logger *slog.Logger) *Engine {
	if config.MaxChunkChars <= 0 {
		config.MaxChunkChars = 2048
	}
	if config.OverlapChars < 0 {
		config.OverlapChars = 0
	}
	if config.ContextWindowChars <= 0 {
		config.ContextWindowChars = 16384
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{provider: provider, config: config, logger: logger}
}

// section is a contiguous span of document content attributed to one
// heading. An empty heading marks unattributed content (preamble or the
// flat-split fallback).
type section struct {
	heading string
	text    string
}

// Chunk converts a document into one Summary chunk, one Outline chunk
// per heading, and Content chunks covering the full content.
//
// The result is deterministic for a given content: chunk text, hashes,
// and IDs reproduce exactly on re-runs with unchanged content.
func (e *Engine) Chunk(ctx context.Context, doc *store.Document) ([]*store.Chunk, error) {
	summary, outline, err := e.summarizeAndOutline(ctx, doc.Content)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var chunks []*store.Chunk

	chunks = append(chunks, e.newChunk(doc.ID, store.LevelSummary, 0, summary, "", "summary", now))

	for i, h := range outline {
		text := h.Title
		if h.Gist != "" {
			text = h.Title + ": " + h.Gist
		}
		chunks = append(chunks, e.newChunk(doc.ID, store.LevelOutline, i, text, "", h.Title, now))
	}

	sections := e.splitSections(doc.Content, outline)
	splitter := Splitter{MaxChars: e.config.MaxChunkChars, OverlapChars: e.config.OverlapChars}

	index := 0
	for _, sec := range sections {
		for local, piece := range splitter.Split(sec.text) {
			sectionPath := fmt.Sprintf("%s/%d", sec.heading, local)
			c := e.newChunk(doc.ID, store.LevelContent, index, piece, sec.heading, sectionPath, now)
			c.EmbeddingModel = e.provider.ModelName()
			chunks = append(chunks, c)
			index++
		}
	}

	return chunks, nil
}

func (e *Engine) newChunk(docID string, level store.ChunkLevel, index int, text, parentHeading, sectionPath string, now time.Time) *store.Chunk {
	hash := store.HashText(text)
	return &store.Chunk{
		ID:            store.ChunkID(docID, level, index, hash),
		DocumentID:    docID,
		Level:         level,
		Index:         index,
		Text:          text,
		TextHash:      hash,
		ParentHeading: parentHeading,
		SectionPath:   sectionPath,
		CreatedAt:     now,
	}
}

// summarizeAndOutline runs the short path (whole content at once) or the
// long path (segment refinement) depending on content size.
func (e *Engine) summarizeAndOutline(ctx context.Context, content string) (string, []model.Heading, error) {
	if len([]rune(content)) <= e.config.ContextWindowChars {
		summary, err := e.provider.Summarize(ctx, "", content)
		if err != nil {
			return "", nil, fmt.Errorf("summarize: %w", err)
		}
		outline, err := e.provider.Outline(ctx, nil, content)
		if err != nil {
			return "", nil, fmt.Errorf("outline: %w", err)
		}
		return summary, outline, nil
	}

	// Long path: refine a running summary and outline segment by
	// segment, with 10% overlap so sentences cut at a boundary still
	// appear whole in one segment. Model calls stay linear in the
	// number of segments.
	segmenter := Splitter{
		MaxChars:     e.config.ContextWindowChars,
		OverlapChars: e.config.ContextWindowChars / 10,
	}
	segments := segmenter.Split(content)
	e.logger.Debug("long document path", "segments", len(segments))

	var summary string
	var outline []model.Heading
	for i, segment := range segments {
		var err error
		summary, err = e.provider.Summarize(ctx, summary, segment)
		if err != nil {
			return "", nil, fmt.Errorf("summarize segment %d: %w", i, err)
		}
		outline, err = e.provider.Outline(ctx, outline, segment)
		if err != nil {
			return "", nil, fmt.Errorf("outline segment %d: %w", i, err)
		}
	}
	return summary, outline, nil
}

// splitSections carves content into heading-attributed spans. Each
// heading is located by its first literal occurrence at or after the
// previous heading's location; headings the model paraphrased (not
// findable verbatim) are skipped. When none locate, the whole content
// becomes a single unattributed section. Content before the first
// located heading stays unattributed so the spans always cover the
// entire content.
func (e *Engine) splitSections(content string, outline []model.Heading) []section {
	type located struct {
		heading string
		offset  int
	}

	var found []located
	searchFrom := 0
	for _, h := range outline {
		idx := strings.Index(content[searchFrom:], h.Title)
		if idx < 0 {
			e.logger.Debug("heading not located in content", "heading", h.Title)
			continue
		}
		offset := searchFrom + idx
		found = append(found, located{heading: h.Title, offset: offset})
		searchFrom = offset + len(h.Title)
	}

	if len(found) == 0 {
		if len(outline) > 0 {
			e.logger.Warn("no headings located, falling back to flat split")
		}
		return []section{{heading: "", text: content}}
	}

	var sections []section
	if found[0].offset > 0 {
		sections = append(sections, section{heading: "", text: content[:found[0].offset]})
	}
	for i, loc := range found {
		end := len(content)
		if i+1 < len(found) {
			end = found[i+1].offset
		}
		sections = append(sections, section{heading: loc.heading, text: content[loc.offset:end]})
	}
	return sections
}
