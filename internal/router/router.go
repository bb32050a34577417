// Package router applies the free, deterministic checks that run before any
// embedding or completion call.
package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/deflect/internal/textutil"
)

// Action is the routing outcome.
type Action string

const (
	// Continue runs the full search and answer flow.
	Continue Action = "continue"
	// Decline answers an off-topic message with a fixed redirect.
	Decline Action = "off_topic"
	// Escalate answers with the human contact message; no FAQ, no AI.
	Escalate Action = "escalate"
	// Greet clears the conversation history and answers with a greeting.
	Greet Action = "greeting"
	// DirectAI skips FAQ search and answers from conversation history.
	DirectAI Action = "skip_search"
)

type Decision struct {
	Action Action
	// Reply is set for actions that answer without search or AI.
	Reply string
	// Rule names what matched: the keyword, escalation category or pattern.
	Rule string
}

// ShortCircuit reports whether Reply is the final answer.
func (d Decision) ShortCircuit() bool {
	return d.Action == Decline || d.Action == Escalate || d.Action == Greet
}

// ResetHistory reports whether the conversation history must be cleared.
func (d Decision) ResetHistory() bool {
	return d.Action == Greet
}

// SkipSearch reports whether FAQ search must not run.
func (d Decision) SkipSearch() bool {
	return d.Action != Continue
}

type Router struct {
	offTopic       []string
	escalation     []EscalationRule
	greetings      []*regexp.Regexp
	generic        []*regexp.Regexp
	followUps      []*regexp.Regexp
	domainKeywords map[string]bool
	maxVagueWords  int
	contact        Contact
}

// New compiles rules. An invalid regular expression is an error.
func New(rules Rules, contact Contact) (*Router, error) {
	r := &Router{
		offTopic:       lowerAll(rules.OffTopic),
		domainKeywords: make(map[string]bool, len(rules.DomainKeywords)),
		maxVagueWords:  rules.MaxVagueWords,
		contact:        contact,
	}
	for _, e := range rules.Escalation {
		r.escalation = append(r.escalation, EscalationRule{Category: e.Category, Patterns: lowerAll(e.Patterns)})
	}
	for _, k := range rules.DomainKeywords {
		r.domainKeywords[strings.ToLower(k)] = true
	}

	var err error
	if r.greetings, err = compileAll("greetings", rules.Greetings); err != nil {
		return nil, err
	}
	if r.generic, err = compileAll("generic", rules.Generic); err != nil {
		return nil, err
	}
	if r.followUps, err = compileAll("follow_ups", rules.FollowUps); err != nil {
		return nil, err
	}
	return r, nil
}

// Route classifies message. Checks run in fixed order: off-topic,
// escalation, greeting, vague or follow-up. locale selects reply language.
func (r *Router) Route(message, locale string) Decision {
	norm := textutil.Normalize(message)
	replies := repliesFor(locale)

	for _, kw := range r.offTopic {
		if kw != "" && strings.Contains(norm, kw) {
			return Decision{Action: Decline, Reply: replies.decline, Rule: kw}
		}
	}

	for _, e := range r.escalation {
		for _, p := range e.Patterns {
			if p != "" && strings.Contains(norm, p) {
				return Decision{Action: Escalate, Reply: replies.escalation(r.contact), Rule: e.Category}
			}
		}
	}

	for _, re := range r.greetings {
		if re.MatchString(norm) {
			return Decision{Action: Greet, Reply: replies.greeting, Rule: re.String()}
		}
	}

	for _, re := range r.followUps {
		if re.MatchString(norm) {
			return Decision{Action: DirectAI, Rule: "follow_up"}
		}
	}
	for _, re := range r.generic {
		if re.MatchString(norm) {
			return Decision{Action: DirectAI, Rule: "generic"}
		}
	}
	if r.vague(norm) {
		return Decision{Action: DirectAI, Rule: "vague"}
	}

	return Decision{Action: Continue}
}

// vague reports a short message with no domain keyword. Empty input is vague.
func (r *Router) vague(norm string) bool {
	words := textutil.Words(norm)
	if len(words) > r.maxVagueWords {
		return false
	}
	for _, w := range words {
		if r.domainKeywords[w] {
			return false
		}
	}
	return true
}

func compileAll(name string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling %s pattern %q: %w", name, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
