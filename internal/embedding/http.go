package embedding

import (
	"context"

	"github.com/kalambet/deflect/internal/httpjson"
)

type httpRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type httpResponse struct {
	Vector []float32 `json:"vector"`
}

// HTTPBackend calls a JSON endpoint taking {model, text} and returning
// {vector}.
type HTTPBackend struct {
	client   *httpjson.Client
	endpoint string
	model    string
}

// NewHTTPBackend creates a backend posting to endpoint. Credentials, if any,
// are applied by client.
func NewHTTPBackend(client *httpjson.Client, endpoint, model string) *HTTPBackend {
	return &HTTPBackend{client: client, endpoint: endpoint, model: model}
}

func (b *HTTPBackend) Model() string { return b.model }

func (b *HTTPBackend) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if b.endpoint == "" {
		return nil, ErrNotConfigured
	}
	var resp httpResponse
	if err := b.client.PostJSON(ctx, b.endpoint, httpRequest{Model: b.model, Text: text}, &resp); err != nil {
		return nil, err
	}
	return resp.Vector, nil
}
