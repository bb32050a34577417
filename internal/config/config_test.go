package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mapSecrets is an in-memory SecretStore.
type mapSecrets map[string]string

func (m mapSecrets) Get(name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m mapSecrets) Set(name, value string) error {
	m[name] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) *jsonFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return openJSONFile(path)
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(writeTempConfig(t, `{}`), mapSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Embedding.Timeout != 30*time.Second {
		t.Errorf("Embedding.Timeout = %v, want 30s", cfg.Embedding.Timeout)
	}
	if cfg.Embedding.Dimensions != 1536 {
		t.Errorf("Embedding.Dimensions = %d, want 1536", cfg.Embedding.Dimensions)
	}
	if cfg.Conversation.LockTTL != 60*time.Second {
		t.Errorf("Conversation.LockTTL = %v, want 60s", cfg.Conversation.LockTTL)
	}
	if cfg.Conversation.IdempotencyWindow != 5*time.Minute {
		t.Errorf("Conversation.IdempotencyWindow = %v, want 5m", cfg.Conversation.IdempotencyWindow)
	}
	if cfg.Feedback.NegativeThreshold != 5 {
		t.Errorf("Feedback.NegativeThreshold = %d, want 5", cfg.Feedback.NegativeThreshold)
	}
	if cfg.Feedback.RateLimit != 3 {
		t.Errorf("Feedback.RateLimit = %d, want 3", cfg.Feedback.RateLimit)
	}
	if cfg.Feedback.RateWindow != 24*time.Hour {
		t.Errorf("Feedback.RateWindow = %v, want 24h", cfg.Feedback.RateWindow)
	}
}

func TestFileBackendValues(t *testing.T) {
	b := writeTempConfig(t, `{
		"server.port": 5000,
		"embedding.provider": "openai",
		"embedding.timeout": "10s",
		"search.threshold": "0.55",
		"feedback.rate_limit": "7"
	}`)

	cfg, err := loadWith(b, mapSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Embedding.Provider != "openai" {
		t.Errorf("Embedding.Provider = %q, want openai", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Timeout != 10*time.Second {
		t.Errorf("Embedding.Timeout = %v, want 10s", cfg.Embedding.Timeout)
	}
	if cfg.Search.Threshold != 0.55 {
		t.Errorf("Search.Threshold = %v, want 0.55", cfg.Search.Threshold)
	}
	if cfg.Feedback.RateLimit != 7 {
		t.Errorf("Feedback.RateLimit = %d, want 7", cfg.Feedback.RateLimit)
	}
}

func TestInvalidValueKeepsDefault(t *testing.T) {
	b := writeTempConfig(t, `{"completion.timeout": "soon"}`)

	cfg, err := loadWith(b, mapSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Completion.Timeout != 45*time.Second {
		t.Errorf("Completion.Timeout = %v, want default 45s", cfg.Completion.Timeout)
	}
}

func TestEnvOverride(t *testing.T) {
	b := writeTempConfig(t, `{"server.port": 5000}`)

	t.Setenv("DEFLECT_SERVER_PORT", "6000")
	t.Setenv("DEFLECT_COMPLETION_API_KEY", "env-key")

	cfg, err := loadWith(b, mapSecrets{"completion.api_key": "file-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Completion.APIKey != "env-key" {
		t.Errorf("Completion.APIKey = %q, want env-key", cfg.Completion.APIKey)
	}
}

func TestSecretsFallback(t *testing.T) {
	t.Setenv("DEFLECT_COMPLETION_API_KEY", "")

	cfg, err := loadWith(writeTempConfig(t, `{}`), mapSecrets{"completion.api_key": "secret-file-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Completion.APIKey != "secret-file-key" {
		t.Errorf("Completion.APIKey = %q, want secret-file-key", cfg.Completion.APIKey)
	}
}

func TestSecretsNotReadFromConfigFile(t *testing.T) {
	t.Setenv("DEFLECT_COMPLETION_API_KEY", "")

	b := writeTempConfig(t, `{"completion.api_key": "leaked"}`)
	cfg, err := loadWith(b, mapSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Completion.APIKey != "" {
		t.Errorf("Completion.APIKey = %q, want empty", cfg.Completion.APIKey)
	}
}

func TestReadinessReportsMissingKeys(t *testing.T) {
	cfg := defaults()
	cfg.Completion.APIKey = ""

	errs := cfg.Readiness()
	if len(errs) != 1 {
		t.Fatalf("got %d problems, want 1: %v", len(errs), errs)
	}
	if errs[0].Key != "completion.api_key" {
		t.Errorf("Key = %q, want completion.api_key", errs[0].Key)
	}
	if !strings.Contains(errs[0].Error(), "DEFLECT_COMPLETION_API_KEY") {
		t.Errorf("error %q should name the env var", errs[0].Error())
	}
	if cfg.CompletionReady() {
		t.Error("CompletionReady() = true, want false")
	}
	if !cfg.EmbeddingReady() {
		t.Error("EmbeddingReady() = false, want true")
	}
}

func TestReadinessOpenAIEmbeddingNeedsKey(t *testing.T) {
	cfg := defaults()
	cfg.Completion.APIKey = "k"
	cfg.Embedding.Provider = "openai"

	if cfg.EmbeddingReady() {
		t.Error("EmbeddingReady() = true without api key")
	}
	cfg.Embedding.APIKey = "k"
	if !cfg.EmbeddingReady() {
		t.Errorf("EmbeddingReady() = false, problems: %v", cfg.Readiness())
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "embedding.timeout", "forever"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, "completion.api_key", "x"); err == nil {
		t.Error("expected error when setting a secret")
	}
	if err := setKey(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKey(b, "conversation.lock_wait", "3s"); err != nil {
		t.Fatalf("setKey: %v", err)
	}

	cfg, err := loadWith(openJSONFile(b.path), mapSecrets{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Conversation.LockWait != 3*time.Second {
		t.Errorf("LockWait = %v, want 3s", cfg.Conversation.LockWait)
	}
}

func TestEnsureAPITokenGeneratesOnce(t *testing.T) {
	secrets := mapSecrets{}
	cfg := defaults()

	first, err := EnsureAPIToken(cfg, secrets)
	if err != nil {
		t.Fatalf("EnsureAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}
	second, err := EnsureAPIToken(cfg, secrets)
	if err != nil {
		t.Fatalf("EnsureAPIToken: %v", err)
	}
	if first != second {
		t.Errorf("token changed between calls: %q != %q", first, second)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Completion.APIKey = "hidden"
	seen := map[string]string{}
	for _, k := range ShowAll(cfg) {
		if k.Value == "hidden" {
			t.Errorf("ShowAll leaked secret %s", k.Key)
		}
		seen[k.Key] = k.Value
	}
	if seen["completion.api_key"] != "(set)" || seen["embedding.api_key"] != "(not set)" {
		t.Errorf("secret states = %q, %q", seen["completion.api_key"], seen["embedding.api_key"])
	}
	if seen["server.port"] != "4100" {
		t.Errorf("server.port = %q", seen["server.port"])
	}
}

func TestSetKey_UnknownListsValidKeys(t *testing.T) {
	err := setKey(writeTempConfig(t, `{}`), "server.prot", "1")
	if err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Errorf("err = %v, want valid keys listed", err)
	}
}

func TestNonScalarValueFailsLoad(t *testing.T) {
	b := writeTempConfig(t, `{"server.port": {"value": 1}}`)
	if _, err := loadWith(b, mapSecrets{}); err == nil {
		t.Error("expected error for object-valued key")
	}
}

func TestReadiness_CompletionTimeoutWithinLockTTL(t *testing.T) {
	cfg := defaults()
	cfg.Completion.APIKey = "k"
	if !cfg.CompletionReady() {
		t.Fatalf("default timeouts should be ready, problems: %v", cfg.Readiness())
	}

	cfg.Completion.Timeout = 2 * time.Minute
	if cfg.CompletionReady() {
		t.Error("CompletionReady() = true with completion.timeout above conversation.lock_ttl")
	}
	cfg.Completion.Timeout = cfg.Conversation.LockTTL
	if cfg.CompletionReady() {
		t.Error("CompletionReady() = true with completion.timeout equal to conversation.lock_ttl")
	}
}
