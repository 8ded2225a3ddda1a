package embedder

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI embeds text through the OpenAI embeddings API.
type OpenAI struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

const defaultOpenAIModel = openai.SmallEmbedding3

// NewOpenAI creates an OpenAI embedder. The API key is required; an empty
// model falls back to text-embedding-3-small.
func NewOpenAI(apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embedder: API key is required")
	}
	m := defaultOpenAIModel
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAI{
		client: openai.NewClient(apiKey),
		model:  m,
	}, nil
}

// Name identifies the provider and model.
func (o *OpenAI) Name() string {
	return "openai/" + string(o.model)
}

// Embed returns the embedding vector for the given text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed: empty embedding for model %s", o.model)
	}
	return resp.Data[0].Embedding, nil
}
