package config

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a missing or invalid setting that disables a
// stage of the pipeline. It is detected once at startup and reported as a
// persistent "not ready" status.
type ConfigurationError struct {
	Key    string
	Env    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Env != "" {
		return fmt.Sprintf("%s: %s (set %s)", e.Key, e.Reason, e.Env)
	}
	return fmt.Sprintf("%s: %s", e.Key, e.Reason)
}

// Readiness lists configuration problems. An empty result means every stage
// can run.
func (c Config) Readiness() []*ConfigurationError {
	var errs []*ConfigurationError

	switch c.Embedding.Provider {
	case "http":
		if c.Embedding.BaseURL == "" {
			errs = append(errs, &ConfigurationError{Key: "embedding.base_url", Env: "DEFLECT_EMBEDDING_BASE_URL", Reason: "embedding endpoint is not configured"})
		}
	case "openai":
		if c.Embedding.APIKey == "" {
			errs = append(errs, &ConfigurationError{Key: "embedding.api_key", Env: "DEFLECT_EMBEDDING_API_KEY", Reason: "openai embeddings need an API key"})
		}
	default:
		errs = append(errs, &ConfigurationError{Key: "embedding.provider", Reason: fmt.Sprintf("unknown provider %q", c.Embedding.Provider)})
	}
	if c.Embedding.Model == "" {
		errs = append(errs, &ConfigurationError{Key: "embedding.model", Env: "DEFLECT_EMBEDDING_MODEL", Reason: "embedding model is required"})
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, &ConfigurationError{Key: "embedding.dimensions", Reason: "must be positive"})
	}

	switch c.Completion.Provider {
	case "gemini", "openai":
		if c.Completion.APIKey == "" {
			errs = append(errs, &ConfigurationError{Key: "completion.api_key", Env: "DEFLECT_COMPLETION_API_KEY", Reason: "completion API key is missing"})
		}
	default:
		errs = append(errs, &ConfigurationError{Key: "completion.provider", Reason: fmt.Sprintf("unknown provider %q", c.Completion.Provider)})
	}
	// A completion may not outlast the conversation lock it runs under.
	if c.Completion.Timeout >= c.Conversation.LockTTL {
		errs = append(errs, &ConfigurationError{
			Key:    "completion.timeout",
			Env:    "DEFLECT_COMPLETION_TIMEOUT",
			Reason: fmt.Sprintf("must be shorter than conversation.lock_ttl (%s)", c.Conversation.LockTTL),
		})
	}

	return errs
}

// EmbeddingReady reports whether no problem blocks the embedding stage.
func (c Config) EmbeddingReady() bool {
	return !hasPrefix(c.Readiness(), "embedding.")
}

// CompletionReady reports whether no problem blocks the completion stage.
func (c Config) CompletionReady() bool {
	return !hasPrefix(c.Readiness(), "completion.")
}

func hasPrefix(errs []*ConfigurationError, prefix string) bool {
	for _, e := range errs {
		if strings.HasPrefix(e.Key, prefix) {
			return true
		}
	}
	return false
}
