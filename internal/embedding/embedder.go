// Package embedding turns text into fixed-width vectors tagged with the model
// that produced them.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/deflect/internal/textutil"
)

// MaxInputChars is the provider-safe input length. Longer text is truncated.
const MaxInputChars = 30000

var (
	// ErrNotConfigured is wrapped in *Error when a provider lacks its
	// endpoint or key.
	ErrNotConfigured = errors.New("embedding provider not configured")
	// ErrEmptyInput is wrapped in *Error when nothing is left after trimming.
	ErrEmptyInput = errors.New("empty embedding input")
)

// Embedding is a vector plus the model that produced it. Vectors from
// different models must never be compared.
type Embedding struct {
	Vector []float32
	Model  string
}

// Error is the embedding failure type. Callers treat it as "cannot search",
// never as zero similarity.
type Error struct {
	Model string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedding with %s: %v", e.Model, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Backend is one external embedding API.
type Backend interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Embedder prepares input, calls a Backend and pads results to the store width.
type Embedder struct {
	backend    Backend
	dimensions int
}

// NewEmbedder wraps backend. dimensions is the fixed vector width of the
// store; shorter vectors are zero-padded.
func NewEmbedder(backend Backend, dimensions int) *Embedder {
	return &Embedder{backend: backend, dimensions: dimensions}
}

// Model returns the backend model name stored alongside every embedding.
func (e *Embedder) Model() string {
	return e.backend.Model()
}

// Embed returns the embedding for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) (Embedding, error) {
	model := e.backend.Model()
	input := Prepare(text)
	if input == "" {
		return Embedding{}, &Error{Model: model, Err: ErrEmptyInput}
	}

	vec, err := e.backend.EmbedText(ctx, input)
	if err != nil {
		return Embedding{}, &Error{Model: model, Err: err}
	}
	if len(vec) == 0 {
		return Embedding{}, &Error{Model: model, Err: errors.New("provider returned an empty vector")}
	}

	padded, err := Pad(vec, e.dimensions)
	if err != nil {
		return Embedding{}, &Error{Model: model, Err: err}
	}
	return Embedding{Vector: padded, Model: model}, nil
}

// EmbedBatch embeds several texts concurrently. Any failure fails the batch.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([]Embedding, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			emb, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = emb
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Prepare trims text and truncates it to MaxInputChars runes.
func Prepare(text string) string {
	return textutil.Truncate(strings.TrimSpace(text), MaxInputChars)
}

// Pad zero-pads vec to width. Padding keeps direction, so cosine similarity
// between padded vectors of the same model is unchanged. A vector wider than
// the store is an error.
func Pad(vec []float32, width int) ([]float32, error) {
	if width <= 0 || len(vec) == width {
		return vec, nil
	}
	if len(vec) > width {
		return nil, fmt.Errorf("vector has %d dimensions, store holds %d", len(vec), width)
	}
	out := make([]float32, width)
	copy(out, vec)
	return out, nil
}
