// Package embedder produces segment embeddings through a local Ollama
// instance or the OpenAI API. Storage and query paths never depend on it;
// only text-query search and embedding backfill need a configured provider.
package embedder

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Embedder turns text into a vector. Implementations must return vectors of
// a stable dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// Options selects and configures a provider.
type Options struct {
	Provider      string // "ollama", "openai", or "" for none
	OllamaBaseURL string
	OllamaModel   string
	OpenAIModel   string
	OpenAIAPIKey  string
}

// New builds the configured Embedder, or nil when no provider is set.
func New(opts Options) (Embedder, error) {
	switch opts.Provider {
	case "":
		return nil, nil
	case "ollama":
		return NewOllama(opts.OllamaBaseURL, opts.OllamaModel), nil
	case "openai":
		return NewOpenAI(opts.OpenAIAPIKey, opts.OpenAIModel)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
}

// embedConcurrency bounds in-flight requests per batch; local Ollama
// saturates quickly and remote APIs rate-limit.
const embedConcurrency = 4

// EmbedBatch embeds texts concurrently, preserving order. The first failure
// cancels the rest.
func EmbedBatch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(ctx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
