package router

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(DefaultRules(), Contact{Email: "help@shop.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRoute(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name   string
		msg    string
		action Action
		rule   string
	}{
		{"off topic", "bitcoin price today", Decline, "bitcoin"},
		{"off topic wins over escalation", "Can I pay my invoice in crypto?", Decline, "crypto"},
		{"billing", "I was charged twice this month", Escalate, "billing"},
		{"login", "I  forgot   PASSWORD again", Escalate, "login"},
		{"cancel", "please cancel my subscription", Escalate, "cancel"},
		{"greeting", "  Hello there!  ", Greet, ""},
		{"greeting es", "hola", Greet, ""},
		{"generic help", "help", DirectAI, "generic"},
		{"single word", "pricing?", Continue, ""},
		{"vague", "tell me something", DirectAI, "vague"},
		{"follow up", "why that?", DirectAI, "follow_up"},
		{"what about", "what about the blue ones in size 10", DirectAI, "follow_up"},
		{"normal question", "what are your opening hours on sunday", Continue, ""},
		{"short domain question", "shipping cost", Continue, ""},
		{"empty", "   ", DirectAI, "vague"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Route(tt.msg, "en")
			if d.Action != tt.action {
				t.Fatalf("Route(%q).Action = %s, want %s", tt.msg, d.Action, tt.action)
			}
			if tt.rule != "" && d.Rule != tt.rule {
				t.Errorf("Rule = %q, want %q", d.Rule, tt.rule)
			}
		})
	}
}

func TestDecisionFlags(t *testing.T) {
	r := newTestRouter(t)

	greet := r.Route("hi", "en")
	if !greet.ShortCircuit() || !greet.ResetHistory() || !greet.SkipSearch() {
		t.Errorf("greeting flags = %+v", greet)
	}
	direct := r.Route("help", "en")
	if direct.ShortCircuit() || !direct.SkipSearch() || direct.Reply != "" {
		t.Errorf("direct flags = %+v", direct)
	}
	cont := r.Route("what are your opening hours", "en")
	if cont.ShortCircuit() || cont.SkipSearch() {
		t.Errorf("continue flags = %+v", cont)
	}
}

func TestEscalationReplyIncludesContact(t *testing.T) {
	r, _ := New(DefaultRules(), Contact{Email: "help@shop.test", URL: "https://shop.test/support"})
	d := r.Route("my account is locked", "en")
	if !strings.Contains(d.Reply, "help@shop.test") || !strings.Contains(d.Reply, "https://shop.test/support") {
		t.Errorf("reply = %q", d.Reply)
	}
}

func TestLocalizedReplies(t *testing.T) {
	r := newTestRouter(t)
	en := r.Route("bitcoin", "en").Reply
	for _, loc := range []string{"es", "de-DE", "fr_CA"} {
		if got := r.Route("bitcoin", loc).Reply; got == en {
			t.Errorf("locale %s fell back to English", loc)
		}
	}
	if got := r.Route("bitcoin", "pt-BR").Reply; got != en {
		t.Errorf("unknown locale should fall back to English, got %q", got)
	}
}

func TestLocale(t *testing.T) {
	for in, want := range map[string]string{"": "en", "EN-us": "en", "es": "es", "de_AT": "de", "fr": "fr", "ja": "en"} {
		if got := Locale(in); got != want {
			t.Errorf("Locale(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadRules_OverridesLists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	yaml := `
off_topic: ["weather"]
escalation:
  - category: legal
    patterns: ["lawyer", "lawsuit"]
max_vague_words: 1
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules.Greetings) == 0 {
		t.Error("greetings should keep defaults")
	}

	r, err := New(rules, Contact{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d := r.Route("bitcoin", "en"); d.Action == Decline {
		t.Error("default off-topic list should be replaced")
	}
	if d := r.Route("what's the weather", "en"); d.Action != Decline {
		t.Errorf("weather = %s, want off_topic", d.Action)
	}
	if d := r.Route("I will call my lawyer", "en"); d.Action != Escalate || d.Rule != "legal" {
		t.Errorf("lawyer = %+v", d)
	}
	if d := r.Route("tell me something", "en"); d.Action != Continue {
		t.Errorf("three words with max_vague_words=1 = %s, want continue", d.Action)
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	rules := DefaultRules()
	rules.Generic = []string{"("}
	if _, err := New(rules, Contact{}); err == nil {
		t.Error("expected error for invalid regexp")
	}
}
