// Package model abstracts the language model used for summarization,
// outlining, and embedding. Two providers exist: an Ollama-backed one and
// a deterministic heuristic one that needs no external service.
package model

import "context"

// Heading is one entry of a document outline.
type Heading struct {
	// Title is the heading text exactly as it appears in the document.
	Title string
	// Gist is a one-line description of the section under the heading.
	Gist string
}

// Provider generates summaries, outlines, and embeddings.
type Provider interface {
	// Summarize produces a short prose summary of text. When prior is
	// non-empty the result refines it with the new text (used when a
	// document is processed in segments).
	Summarize(ctx context.Context, prior, text string) (string, error)

	// Outline extracts the document's headings in order of appearance,
	// each with a one-line gist. When prior is non-empty the result
	// extends it with headings found in the new text.
	Outline(ctx context.Context, prior []Heading, text string) ([]Heading, error)

	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the embedding vector size.
	Dimensions() int

	// ModelName identifies the embedding model for index compatibility
	// checks.
	ModelName() string

	Close() error
}
