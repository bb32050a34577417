package completion

import (
	"context"
	"errors"
	"strings"

	"github.com/kalambet/deflect/internal/httpjson"
)

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SafetySettings    []safetySetting  `json:"safetySettings"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

var defaultSafety = []safetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
}

// Gemini calls the generateContent endpoint.
type Gemini struct {
	client  *httpjson.Client
	baseURL string
	opts    Options
}

// NewGemini creates a client. The API key travels in the x-goog-api-key
// header, which the caller configures on client.
func NewGemini(client *httpjson.Client, baseURL string, opts Options) *Gemini {
	return &Gemini{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
	}
}

func (g *Gemini) endpoint() string {
	return g.baseURL + "/models/" + g.opts.Model + ":generateContent"
}

func (g *Gemini) Complete(ctx context.Context, p Prompt) (Result, error) {
	req := geminiRequest{
		GenerationConfig: generationConfig{
			Temperature:     g.opts.Temperature,
			TopP:            g.opts.TopP,
			MaxOutputTokens: g.opts.MaxOutputTokens,
		},
		SafetySettings: defaultSafety,
	}
	if p.System != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: p.System}}}
	}
	for _, m := range p.Messages {
		req.Contents = append(req.Contents, geminiContent{
			Role:  string(m.Role),
			Parts: []geminiPart{{Text: m.Text}},
		})
	}

	var resp geminiResponse
	if err := g.client.PostJSON(ctx, g.endpoint(), req, &resp); err != nil {
		return Result{}, wrapError("gemini", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return Result{}, &Error{Provider: "gemini", Err: ErrEmptyResponse}
	}
	text := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return Result{}, &Error{Provider: "gemini", Err: ErrEmptyResponse}
	}

	return Result{
		Text: text,
		Usage: Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func wrapError(provider string, err error) error {
	e := &Error{Provider: provider, Err: err}
	var se *httpjson.StatusError
	if errors.As(err, &se) {
		e.Status = se.Code
	}
	return e
}
