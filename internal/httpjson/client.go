// Package httpjson is the JSON-over-HTTP client shared by the embedding and
// completion providers. It makes exactly one attempt per call.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxErrorBody = 64 << 10

// Auth decorates an outgoing request with credentials.
type Auth interface {
	Apply(req *http.Request)
}

// BearerAuth sends "Authorization: Bearer <token>".
type BearerAuth string

func (a BearerAuth) Apply(req *http.Request) {
	if a != "" {
		req.Header.Set("Authorization", "Bearer "+string(a))
	}
}

// HeaderAuth sends the key in a named header, e.g. x-goog-api-key.
type HeaderAuth struct {
	Name  string
	Value string
}

func (a HeaderAuth) Apply(req *http.Request) {
	if a.Value != "" {
		req.Header.Set(a.Name, a.Value)
	}
}

// QueryAuth appends the key as a query parameter.
type QueryAuth struct {
	Param string
	Value string
}

func (a QueryAuth) Apply(req *http.Request) {
	if a.Value == "" {
		return
	}
	q := req.URL.Query()
	q.Set(a.Param, a.Value)
	req.URL.RawQuery = q.Encode()
}

// StatusError is returned for any non-2xx response. Message holds the
// upstream {"error":{"message"}} text when present, else the raw body.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Client posts JSON bodies and decodes JSON replies.
type Client struct {
	httpClient *http.Client
	auth       Auth
	timeout    time.Duration
}

// New creates a Client. A zero timeout leaves deadlines to the caller's context.
func New(auth Auth, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{},
		auth:       auth,
		timeout:    timeout,
	}
}

// WithHTTPClient swaps the underlying transport client (for tests).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// PostJSON marshals in, posts it to rawURL, and decodes a 2xx body into out.
func (c *Client) PostJSON(ctx context.Context, rawURL string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		c.auth.Apply(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return string(bytes.TrimSpace(raw))
}
