package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EscalationRule routes every message containing one of Patterns to a human.
type EscalationRule struct {
	Category string   `yaml:"category"`
	Patterns []string `yaml:"patterns"`
}

// Rules are the routing tables. Substring lists match the normalized
// message; Greetings, Generic and FollowUps are regular expressions.
type Rules struct {
	OffTopic       []string         `yaml:"off_topic"`
	Escalation     []EscalationRule `yaml:"escalation"`
	Greetings      []string         `yaml:"greetings"`
	Generic        []string         `yaml:"generic"`
	FollowUps      []string         `yaml:"follow_ups"`
	DomainKeywords []string         `yaml:"domain_keywords"`
	// MaxVagueWords is the word count at or below which a message without
	// any domain keyword is treated as vague.
	MaxVagueWords int `yaml:"max_vague_words"`
}

// DefaultRules returns the built-in tables.
func DefaultRules() Rules {
	return Rules{
		OffTopic: []string{
			"bitcoin", "crypto", "ethereum", "stock tip", "forex",
			"politics", "election", "president", "religion", "god exists",
			"football score", "sports", "lottery", "horoscope",
		},
		Escalation: []EscalationRule{
			{Category: "billing", Patterns: []string{"billing", "invoice", "charged", "double charge", "refund my", "payment failed", "credit card"}},
			{Category: "account", Patterns: []string{"my account", "delete account", "account locked", "account suspended", "change my email"}},
			{Category: "login", Patterns: []string{"can't log in", "cannot log in", "can't login", "login problem", "reset password", "forgot password", "two-factor", "2fa"}},
			{Category: "cancel", Patterns: []string{"cancel my", "cancel subscription", "cancellation", "unsubscribe me", "terminate contract"}},
		},
		Greetings: []string{
			`^(hi|hello|hey|hiya|howdy|greetings|yo)( there| all| team)?[!.,? ]*$`,
			`^good (morning|afternoon|evening|day)[!.,? ]*$`,
			`^(hola|buenos d[ií]as|buenas tardes|buenas noches)[!.,? ]*$`,
			`^(hallo|guten (morgen|tag|abend)|servus|moin)[!.,? ]*$`,
			`^(bonjour|bonsoir|salut|coucou)[!.,? ]*$`,
		},
		Generic: []string{
			`^(help|help me|help please|please help|support)[!.? ]*$`,
			`^(ok|okay|yes|no|yep|nope|sure|thanks|thank you|thx|cool|great|hmm+|what|\?+)[!.? ]*$`,
			`^(i have a question|question|can you help( me)?|i need help)[!.? ]*$`,
		},
		FollowUps: []string{
			`^(why|how|when|where) (that|so|not|them|this|is that)\??$`,
			`^what about\b`,
			`^(and|but|so) (what|why|how|if|then)\b`,
			`^(tell me more|more details|explain( that| more)?|elaborate|go on)[!.? ]*$`,
			`\b(that|this|the same) one\b`,
		},
		DomainKeywords: []string{
			"hours", "open", "opening", "close", "price", "pricing", "cost", "shipping", "delivery",
			"order", "return", "returns", "refund", "warranty", "product", "size", "stock", "contact",
			"address", "location", "plan", "trial", "discount", "coupon", "download", "install",
		},
		MaxVagueWords: 3,
	}
}

// LoadRules reads a YAML rules file and overlays it on DefaultRules. Any
// list present in the file replaces the built-in list.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading router rules: %w", err)
	}

	var override Rules
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Rules{}, fmt.Errorf("parsing router rules %s: %w", path, err)
	}

	if override.OffTopic != nil {
		rules.OffTopic = override.OffTopic
	}
	if override.Escalation != nil {
		rules.Escalation = override.Escalation
	}
	if override.Greetings != nil {
		rules.Greetings = override.Greetings
	}
	if override.Generic != nil {
		rules.Generic = override.Generic
	}
	if override.FollowUps != nil {
		rules.FollowUps = override.FollowUps
	}
	if override.DomainKeywords != nil {
		rules.DomainKeywords = override.DomainKeywords
	}
	if override.MaxVagueWords > 0 {
		rules.MaxVagueWords = override.MaxVagueWords
	}
	return rules, nil
}
