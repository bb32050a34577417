// Package completion calls the external text-generation API.
package completion

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyResponse is wrapped in *Error when the provider answers 2xx with no text.
var ErrEmptyResponse = errors.New("completion returned no text")

// Role identifies the author of a Message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type Message struct {
	Role Role
	Text string
}

// Prompt is a provider-neutral request. System is sent as the provider's
// system instruction; Messages are in chronological order and end with the
// user turn being answered.
type Prompt struct {
	System   string
	Messages []Message
}

// Usage mirrors the token counters of the provider response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Result struct {
	Text  string
	Usage Usage
}

// Completer is implemented by every provider.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (Result, error)
}

// Options are the generation parameters shared by all providers.
type Options struct {
	Model           string
	Temperature     float64
	TopP            float64
	MaxOutputTokens int
}

// Error is the completion failure type. Status is the upstream HTTP status,
// or zero for transport failures and empty answers.
type Error struct {
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s completion failed (HTTP %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s completion failed: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, p Prompt) (Result, error)

func (f CompleterFunc) Complete(ctx context.Context, p Prompt) (Result, error) {
	return f(ctx, p)
}
