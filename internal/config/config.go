package config

import (
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Log          LogConfig
	Embedding    EmbeddingConfig
	Completion   CompletionConfig
	Redis        RedisConfig
	Search       SearchConfig
	Conversation ConversationConfig
	Gaps         GapsConfig
	Feedback     FeedbackConfig
	Router       RouterConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	APIToken       string
	AllowedOrigins string // comma-separated, "*" allows any origin
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type EmbeddingConfig struct {
	Provider   string // "http" or "openai"
	BaseURL    string
	Model      string
	APIKey     string
	Dimensions int
	Timeout    time.Duration
}

type CompletionConfig struct {
	Provider        string // "gemini" or "openai"
	BaseURL         string
	Model           string
	APIKey          string
	Timeout         time.Duration
	Temperature     float64
	TopP            float64
	MaxOutputTokens int
	MaxPromptChars  int
}

type RedisConfig struct {
	Addr     string // empty selects the in-process conversation store
	Password string
	DB       int
}

type SearchConfig struct {
	Threshold float64
	Limit     int
}

type ConversationConfig struct {
	LockTTL           time.Duration
	LockWait          time.Duration
	IdempotencyWindow time.Duration
	HistoryTurns      int
	HistoryTTL        time.Duration
}

type GapsConfig struct {
	ClusterSchedule string
	ClusterBatch    int
}

type FeedbackConfig struct {
	NegativeThreshold int
	RateLimit         int
	RateWindow        time.Duration
}

type RouterConfig struct {
	RulesFile    string
	ContactEmail string
	SupportURL   string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Embedding: EmbeddingConfig{
			Provider:   "http",
			BaseURL:    "http://127.0.0.1:8081/v1/embed",
			Model:      "nomic-embed-text",
			Dimensions: 1536,
			Timeout:    30 * time.Second,
		},
		Completion: CompletionConfig{
			Provider:        "gemini",
			BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
			Model:           "gemini-2.0-flash",
			Timeout:         45 * time.Second,
			Temperature:     0.4,
			TopP:            0.9,
			MaxOutputTokens: 1024,
			MaxPromptChars:  12000,
		},
		Search: SearchConfig{
			Threshold: 0.3,
			Limit:     5,
		},
		Conversation: ConversationConfig{
			LockTTL:           60 * time.Second,
			LockWait:          10 * time.Second,
			IdempotencyWindow: 5 * time.Minute,
			HistoryTurns:      10,
			HistoryTTL:        24 * time.Hour,
		},
		Gaps: GapsConfig{
			ClusterSchedule: "@every 6h",
			ClusterBatch:    50,
		},
		Feedback: FeedbackConfig{
			NegativeThreshold: 5,
			RateLimit:         3,
			RateWindow:        24 * time.Hour,
		},
		Router: RouterConfig{
			ContactEmail: "support@example.com",
		},
	}
}

// Load reads configuration from the JSON file backend, environment variables
// and the secrets file, in that order of increasing precedence for non-secret
// keys. Secrets are read from the environment first, then the secrets file.
//
// The file backend lives at $XDG_CONFIG_HOME/deflect/config.json and the
// secrets file at $XDG_DATA_HOME/deflect/secrets.json.
//
// Load does not fail on missing credentials; use Readiness to report them.
func Load() (Config, error) {
	return loadWith(openJSONFile(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// SecretStore abstracts the secrets file for testing.
type SecretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

func loadWith(b Backend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	return cfg, nil
}

// Origins splits AllowedOrigins into a trimmed list.
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
