package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend embeds through an OpenAI-compatible /embeddings endpoint.
type OpenAIBackend struct {
	client *openai.Client
	model  string
	hasKey bool
}

// NewOpenAIBackend creates a backend. baseURL may be empty for the public API.
func NewOpenAIBackend(apiKey, baseURL, model string, timeout time.Duration) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		hasKey: apiKey != "",
	}
}

func (b *OpenAIBackend) Model() string { return b.model }

func (b *OpenAIBackend) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if !b.hasKey {
		return nil, ErrNotConfigured
	}
	resp, err := b.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(b.model),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(resp.Data))
	}
	return resp.Data[0].Embedding, nil
}
