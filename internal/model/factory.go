package model

import (
	"context"
	"fmt"
	"time"
)

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	// Provider is "ollama" or "heuristic".
	Provider      string
	OllamaHost    string
	GenerateModel string
	EmbedModel    string
	Dimensions    int
	Timeout       time.Duration
	// CacheSize is the embedding LRU capacity; zero uses the default.
	CacheSize int
}

// NewProvider builds the configured provider wrapped in the embedding cache.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	var inner Provider
	switch cfg.Provider {
	case "ollama":
		p, err := NewOllamaProvider(ctx, OllamaConfig{
			Host:          cfg.OllamaHost,
			GenerateModel: cfg.GenerateModel,
			EmbedModel:    cfg.EmbedModel,
			Dimensions:    cfg.Dimensions,
			Timeout:       cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		inner = p
	case "heuristic", "":
		inner = NewHeuristicProvider(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown model provider: %q", cfg.Provider)
	}

	return NewCachedProvider(inner, cfg.CacheSize)
}
