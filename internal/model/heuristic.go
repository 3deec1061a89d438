package model

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// HeuristicProvider generates summaries, outlines, and embeddings without
// a language model. Summaries are leading sentences, outlines come from
// markdown heading structure, and embeddings hash token features into a
// fixed-size vector. Deterministic, so useful for tests and for running
// without Ollama.
type HeuristicProvider struct {
	dims     int
	markdown goldmark.Markdown
}

var _ Provider = (*HeuristicProvider)(nil)

const heuristicModelName = "heuristic"

// NewHeuristicProvider creates a provider emitting dims-sized vectors.
func NewHeuristicProvider(dims int) *HeuristicProvider {
	if dims <= 0 {
		dims = 256
	}
	return &HeuristicProvider{
		dims:     dims,
		markdown: goldmark.New(),
	}
}

// Summarize returns the first few sentences of text. With a prior summary
// it appends sentences from the new text up to the same length cap, which
// keeps refinement over segments stable.
func (p *HeuristicProvider) Summarize(ctx context.Context, prior, text string) (string, error) {
	const maxChars = 400

	body := stripMarkdown(text)
	if prior != "" {
		remaining := maxChars - len(prior)
		if remaining <= 0 {
			return prior, nil
		}
		extra := leadingSentences(body, remaining)
		if extra == "" {
			return prior, nil
		}
		return prior + " " + extra, nil
	}
	return leadingSentences(body, maxChars), nil
}

// Outline walks the markdown AST and returns one Heading per markdown
// heading, in document order. The gist is the first sentence of the
// section body. With a prior outline, new headings extend it and
// duplicates from segment overlap are dropped.
func (p *HeuristicProvider) Outline(ctx context.Context, prior []Heading, input string) ([]Heading, error) {
	source := []byte(input)
	doc := p.markdown.Parser().Parse(text.NewReader(source))

	seen := make(map[string]bool, len(prior))
	for _, h := range prior {
		seen[h.Title] = true
	}

	headings := append([]Heading(nil), prior...)
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		title := strings.TrimSpace(string(nodeText(h, source)))
		if title == "" || seen[title] {
			return ast.WalkContinue, nil
		}
		seen[title] = true
		headings = append(headings, Heading{
			Title: title,
			Gist:  sectionGist(h, source),
		})
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return nil, err
	}
	return headings, nil
}

// sectionGist returns the first sentence of the paragraph following a
// heading, or empty when the section has no prose.
func sectionGist(h *ast.Heading, source []byte) string {
	for sib := h.NextSibling(); sib != nil; sib = sib.NextSibling() {
		if _, isHeading := sib.(*ast.Heading); isHeading {
			return ""
		}
		if para, ok := sib.(*ast.Paragraph); ok {
			return leadingSentences(string(nodeText(para, source)), 160)
		}
	}
	return ""
}

// nodeText collects the raw text under a node.
func nodeText(n ast.Node, source []byte) []byte {
	var buf []byte
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := child.(*ast.Text); ok {
			buf = append(buf, t.Segment.Value(source)...)
		}
		return ast.WalkContinue, nil
	})
	return buf
}

// Embed hashes word features into a normalized fixed-size vector.
// The same text always produces the same vector, and texts sharing
// vocabulary land closer together than unrelated ones.
func (p *HeuristicProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = p.embedOne(t)
	}
	return vectors, nil
}

func (p *HeuristicProvider) embedOne(input string) []float32 {
	vec := make([]float32, p.dims)

	words := strings.Fields(strings.ToLower(input))
	if len(words) == 0 {
		vec[0] = 1
		return vec
	}

	for _, word := range words {
		sum := sha256.Sum256([]byte(word))
		idx := binary.BigEndian.Uint32(sum[:4]) % uint32(p.dims)
		sign := float32(1)
		if sum[4]&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

func (p *HeuristicProvider) Dimensions() int { return p.dims }

func (p *HeuristicProvider) ModelName() string { return heuristicModelName }

func (p *HeuristicProvider) Close() error { return nil }

// leadingSentences returns whole sentences from the start of s, up to
// maxChars.
func leadingSentences(s string, maxChars int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxChars {
		return s
	}

	cut := 0
	for i := 0; i < maxChars; i++ {
		if s[i] == '.' || s[i] == '!' || s[i] == '?' {
			cut = i + 1
		}
	}
	if cut == 0 {
		// No sentence boundary; cut at the last word instead
		if idx := strings.LastIndexByte(s[:maxChars], ' '); idx > 0 {
			cut = idx
		} else {
			cut = maxChars
		}
	}
	return strings.TrimSpace(s[:cut])
}

// stripMarkdown removes common markdown markers so summaries read as prose.
func stripMarkdown(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "```") {
			continue
		}
		trimmed = strings.TrimLeft(trimmed, "#>-* ")
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, " ")
}
