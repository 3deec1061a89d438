package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	idxerrors "github.com/notedex/notedex/internal/errors"
)

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	Host          string // e.g. "http://localhost:11434"
	GenerateModel string // e.g. "llama3.2"
	EmbedModel    string // e.g. "nomic-embed-text"
	Dimensions    int
	Timeout       time.Duration
}

// OllamaProvider talks to a local Ollama server over its HTTP API.
// Transient failures are retried with backoff before surfacing to the
// task queue's own retry machinery.
type OllamaProvider struct {
	config OllamaConfig
	client *http.Client
	retry  idxerrors.RetryConfig
}

var _ Provider = (*OllamaProvider)(nil)

// generateRequest is the Ollama /api/generate request body.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the Ollama /api/generate response body.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// embedRequest is the Ollama /api/embed request body.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the Ollama /api/embed response body.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaProvider creates a provider and verifies the server is reachable.
func NewOllamaProvider(ctx context.Context, cfg OllamaConfig) (*OllamaProvider, error) {
	if cfg.Host == "" {
		cfg.Host = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.Host = strings.TrimSuffix(cfg.Host, "/")

	p := &OllamaProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		retry: idxerrors.RetryConfig{
			MaxRetries:   2,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     4 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}

	if err := p.ping(ctx); err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeModelUnavailable,
			"ollama server unreachable").WithDetail("host", cfg.Host)
	}
	return p, nil
}

func (p *OllamaProvider) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Host+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

const summarizePrompt = `Summarize the following document in 2-4 sentences of plain prose. State what the document is about and what it covers. Do not add preamble.

Document:
%s

Summary:`

const refinePrompt = `Below is a running summary of a document, followed by the next part of that document. Update the summary to cover the new part as well. Keep it to 2-4 sentences of plain prose. Do not add preamble.

Current summary:
%s

Next part:
%s

Updated summary:`

const outlinePrompt = `List the section headings of the following document in the order they appear. For each heading output one line in the exact format:
HEADING<TAB>one-line description of the section

Use the heading text exactly as written. Output nothing else.

Document:
%s

Headings:`

const outlineRefinePrompt = `Below is the outline of a document so far, followed by the next part of that document. Output the complete updated outline covering both, one heading per line in the exact format:
HEADING<TAB>one-line description of the section

Use heading text exactly as written in the document. Output nothing else.

Outline so far:
%s

Next part:
%s

Headings:`

// Summarize produces a summary, refining prior when given.
func (p *OllamaProvider) Summarize(ctx context.Context, prior, text string) (string, error) {
	var prompt string
	if prior == "" {
		prompt = fmt.Sprintf(summarizePrompt, text)
	} else {
		prompt = fmt.Sprintf(refinePrompt, prior, text)
	}

	out, err := p.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Outline extracts headings with gists from the model output.
// Lines that do not match the expected format are skipped.
func (p *OllamaProvider) Outline(ctx context.Context, prior []Heading, text string) ([]Heading, error) {
	var prompt string
	if len(prior) == 0 {
		prompt = fmt.Sprintf(outlinePrompt, text)
	} else {
		var sb strings.Builder
		for _, h := range prior {
			sb.WriteString(h.Title)
			sb.WriteString("\t")
			sb.WriteString(h.Gist)
			sb.WriteString("\n")
		}
		prompt = fmt.Sprintf(outlineRefinePrompt, sb.String(), text)
	}

	out, err := p.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var headings []Heading
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		title, gist, found := strings.Cut(line, "\t")
		if !found {
			// Some models substitute " - " for the tab
			title, gist, found = strings.Cut(line, " - ")
		}
		if !found || strings.TrimSpace(title) == "" {
			continue
		}
		headings = append(headings, Heading{
			Title: strings.TrimSpace(title),
			Gist:  strings.TrimSpace(gist),
		})
	}
	return headings, nil
}

func (p *OllamaProvider) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  p.config.GenerateModel,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", idxerrors.Wrap(err, idxerrors.ErrCodeInternal, "failed to marshal generate request")
	}

	return idxerrors.RetryWithResult(ctx, p.retry, func() (string, error) {
		return p.generateOnce(ctx, body)
	})
}

func (p *OllamaProvider) generateOnce(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", idxerrors.Wrap(err, idxerrors.ErrCodeInternal, "failed to build generate request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", idxerrors.Wrap(err, idxerrors.ErrCodeModelTimeout, "generate request cancelled")
		}
		return "", idxerrors.Wrap(err, idxerrors.ErrCodeModelUnavailable, "generate request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", idxerrors.New(idxerrors.ErrCodeModelUnavailable,
			"generate request failed", nil).
			WithDetail("status", strconv.Itoa(resp.StatusCode)).
			WithDetail("body", string(respBody))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", idxerrors.Wrap(err, idxerrors.ErrCodeModelUnavailable, "failed to decode generate response")
	}
	return result.Response, nil
}

// Embed returns one vector per input text.
func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{
		Model: p.config.EmbedModel,
		Input: texts,
	})
	if err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeInternal, "failed to marshal embed request")
	}

	return idxerrors.RetryWithResult(ctx, p.retry, func() ([][]float32, error) {
		return p.embedOnce(ctx, body, len(texts))
	})
}

func (p *OllamaProvider) embedOnce(ctx context.Context, body []byte, count int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeInternal, "failed to build embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, idxerrors.Wrap(err, idxerrors.ErrCodeModelTimeout, "embed request cancelled")
		}
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeModelUnavailable, "embed request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, idxerrors.New(idxerrors.ErrCodeModelUnavailable,
			"embed request failed", nil).
			WithDetail("status", strconv.Itoa(resp.StatusCode)).
			WithDetail("body", string(respBody))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeModelUnavailable, "failed to decode embed response")
	}

	if len(result.Embeddings) != count {
		return nil, idxerrors.New(idxerrors.ErrCodeModelUnavailable,
			"embedding count mismatch", nil).
			WithDetail("expected", strconv.Itoa(count)).
			WithDetail("got", strconv.Itoa(len(result.Embeddings)))
	}
	for _, emb := range result.Embeddings {
		if len(emb) != p.config.Dimensions {
			return nil, idxerrors.New(idxerrors.ErrCodeDimensionMismatch,
				"embedding dimension mismatch", nil).
				WithDetail("expected", strconv.Itoa(p.config.Dimensions)).
				WithDetail("got", strconv.Itoa(len(emb)))
		}
	}
	return result.Embeddings, nil
}

func (p *OllamaProvider) Dimensions() int { return p.config.Dimensions }

func (p *OllamaProvider) ModelName() string { return p.config.EmbedModel }

func (p *OllamaProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
