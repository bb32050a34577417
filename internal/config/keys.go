package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "DEFLECT_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "DEFLECT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DEFLECT_API_TOKEN", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.allowed_origins", typ: kString, env: "DEFLECT_SERVER_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.AllowedOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AllowedOrigins },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DEFLECT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DEFLECT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "DEFLECT_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "embedding.provider", typ: kString, env: "DEFLECT_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.base_url", typ: kString, env: "DEFLECT_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "DEFLECT_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.api_key", typ: kString, env: "DEFLECT_EMBEDDING_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.dimensions", typ: kInt, env: "DEFLECT_EMBEDDING_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "embedding.timeout", typ: kDuration, env: "DEFLECT_EMBEDDING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.Timeout },
	},
	{
		key: "completion.provider", typ: kString, env: "DEFLECT_COMPLETION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Completion.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Provider },
	},
	{
		key: "completion.base_url", typ: kString, env: "DEFLECT_COMPLETION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Completion.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.BaseURL },
	},
	{
		key: "completion.model", typ: kString, env: "DEFLECT_COMPLETION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Completion.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Model },
	},
	{
		key: "completion.api_key", typ: kString, env: "DEFLECT_COMPLETION_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Completion.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.APIKey },
	},
	{
		key: "completion.timeout", typ: kDuration, env: "DEFLECT_COMPLETION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Completion.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Completion.Timeout },
	},
	{
		key: "completion.temperature", typ: kFloat, env: "DEFLECT_COMPLETION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Completion.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Completion.Temperature },
	},
	{
		key: "completion.top_p", typ: kFloat, env: "DEFLECT_COMPLETION_TOP_P",
		apply:   func(cfg *Config, v any) { cfg.Completion.TopP = v.(float64) },
		extract: func(cfg Config) any { return cfg.Completion.TopP },
	},
	{
		key: "completion.max_output_tokens", typ: kInt, env: "DEFLECT_COMPLETION_MAX_OUTPUT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Completion.MaxOutputTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Completion.MaxOutputTokens },
	},
	{
		key: "completion.max_prompt_chars", typ: kInt, env: "DEFLECT_COMPLETION_MAX_PROMPT_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Completion.MaxPromptChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Completion.MaxPromptChars },
	},
	{
		key: "redis.addr", typ: kString, env: "DEFLECT_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.password", typ: kString, env: "DEFLECT_REDIS_PASSWORD", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Redis.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Password },
	},
	{
		key: "redis.db", typ: kInt, env: "DEFLECT_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Redis.DB = v.(int) },
		extract: func(cfg Config) any { return cfg.Redis.DB },
	},
	{
		key: "search.threshold", typ: kFloat, env: "DEFLECT_SEARCH_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Search.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.Threshold },
	},
	{
		key: "search.limit", typ: kInt, env: "DEFLECT_SEARCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Search.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.Limit },
	},
	{
		key: "conversation.lock_ttl", typ: kDuration, env: "DEFLECT_CONVERSATION_LOCK_TTL",
		apply:   func(cfg *Config, v any) { cfg.Conversation.LockTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Conversation.LockTTL },
	},
	{
		key: "conversation.lock_wait", typ: kDuration, env: "DEFLECT_CONVERSATION_LOCK_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Conversation.LockWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Conversation.LockWait },
	},
	{
		key: "conversation.idempotency_window", typ: kDuration, env: "DEFLECT_CONVERSATION_IDEMPOTENCY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Conversation.IdempotencyWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Conversation.IdempotencyWindow },
	},
	{
		key: "conversation.history_turns", typ: kInt, env: "DEFLECT_CONVERSATION_HISTORY_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Conversation.HistoryTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Conversation.HistoryTurns },
	},
	{
		key: "conversation.history_ttl", typ: kDuration, env: "DEFLECT_CONVERSATION_HISTORY_TTL",
		apply:   func(cfg *Config, v any) { cfg.Conversation.HistoryTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Conversation.HistoryTTL },
	},
	{
		key: "gaps.cluster_schedule", typ: kString, env: "DEFLECT_GAPS_CLUSTER_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Gaps.ClusterSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Gaps.ClusterSchedule },
	},
	{
		key: "gaps.cluster_batch", typ: kInt, env: "DEFLECT_GAPS_CLUSTER_BATCH",
		apply:   func(cfg *Config, v any) { cfg.Gaps.ClusterBatch = v.(int) },
		extract: func(cfg Config) any { return cfg.Gaps.ClusterBatch },
	},
	{
		key: "feedback.negative_threshold", typ: kInt, env: "DEFLECT_FEEDBACK_NEGATIVE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Feedback.NegativeThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Feedback.NegativeThreshold },
	},
	{
		key: "feedback.rate_limit", typ: kInt, env: "DEFLECT_FEEDBACK_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Feedback.RateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Feedback.RateLimit },
	},
	{
		key: "feedback.rate_window", typ: kDuration, env: "DEFLECT_FEEDBACK_RATE_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Feedback.RateWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Feedback.RateWindow },
	},
	{
		key: "router.rules_file", typ: kString, env: "DEFLECT_ROUTER_RULES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Router.RulesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Router.RulesFile },
	},
	{
		key: "router.contact_email", typ: kString, env: "DEFLECT_ROUTER_CONTACT_EMAIL",
		apply:   func(cfg *Config, v any) { cfg.Router.ContactEmail = v.(string) },
		extract: func(cfg Config) any { return cfg.Router.ContactEmail },
	},
	{
		key: "router.support_url", typ: kString, env: "DEFLECT_ROUTER_SUPPORT_URL",
		apply:   func(cfg *Config, v any) { cfg.Router.SupportURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Router.SupportURL },
	},
}

// parseValue converts a raw string into the Go value expected by a key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unsupported key type %d", typ)
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring invalid config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring invalid environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secret keys left empty by the environment from the
// secrets file.
func applySecrets(cfg *Config, secrets SecretStore) {
	if secrets == nil {
		return
	}
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
