// Package composer builds completion prompts from FAQ context, a tier
// instruction and the rolling conversation history.
package composer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/deflect/internal/completion"
	"github.com/kalambet/deflect/internal/confidence"
	"github.com/kalambet/deflect/internal/conversation"
	"github.com/kalambet/deflect/internal/textutil"
)

const defaultMaxPromptChars = 12000

const baseInstruction = "You are a customer support assistant. Be concise and accurate. " +
	"Never invent prices, policies or account details. " +
	"Reply in the language of the user's latest message."

var strategyInstructions = map[confidence.Strategy]string{
	confidence.Rephrase: "A knowledge base entry closely matches the question. Answer using it, " +
		"rephrased to fit how the user asked. Do not add facts the entry does not contain.",
	confidence.Compose: "The knowledge base entries below are related to the question. Compose an answer " +
		"from them. If they do not fully cover the question, say what they do cover.",
	confidence.Background: "The knowledge base entries below are only loosely related. Use them as background. " +
		"Where they do not apply, answer generally and suggest contacting support for specifics.",
	confidence.PureAI: "No knowledge base entry matched. Answer from the conversation so far. " +
		"If the question needs product-specific facts you do not have, suggest contacting support.",
}

// Context is one FAQ entry offered to the model.
type Context struct {
	Question string
	Answer   string
	Score    float64
}

type Input struct {
	Message  string
	Strategy confidence.Strategy
	// FAQs are ordered best first.
	FAQs    []Context
	History []conversation.Turn
}

// Composer assembles prompts within a hard character budget. The budget
// covers the system text, the history and the message together.
type Composer struct {
	MaxPromptChars int
	boilerplate    []string
}

// New creates a Composer. If maxPromptChars <= 0, the default (12000) is used.
// Boilerplate strings are removed from history before it is reused.
func New(maxPromptChars int, boilerplate ...string) *Composer {
	if maxPromptChars <= 0 {
		maxPromptChars = defaultMaxPromptChars
	}
	var bp []string
	for _, b := range boilerplate {
		if b = strings.TrimSpace(b); b != "" {
			bp = append(bp, b)
		}
	}
	return &Composer{MaxPromptChars: maxPromptChars, boilerplate: bp}
}

// Compose builds the prompt. History is dropped oldest first until the
// prompt fits; FAQ context is trimmed only when no history is left.
func (c *Composer) Compose(in Input) completion.Prompt {
	message := textutil.Truncate(strings.TrimSpace(in.Message), c.MaxPromptChars/2)
	history := c.Sanitize(in.History)

	faqs := in.FAQs
	if !in.Strategy.UsesFAQ() {
		faqs = nil
	}
	system := buildSystem(in.Strategy, faqs)

	budget := c.MaxPromptChars - runeLen(message)
	for len(history) > 0 && runeLen(system)+historyLen(history) > budget {
		history = history[1:]
	}
	// Providers expect the conversation to open with a user turn.
	for len(history) > 0 && history[0].Role != conversation.RoleUser {
		history = history[1:]
	}

	for len(faqs) > 1 && runeLen(system) > budget {
		faqs = faqs[:len(faqs)-1]
		system = buildSystem(in.Strategy, faqs)
	}
	if runeLen(system) > budget {
		system = textutil.Truncate(system, max(budget, 0))
	}

	msgs := make([]completion.Message, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, completion.Message{Role: toRole(t.Role), Text: t.Text})
	}
	msgs = append(msgs, completion.Message{Role: completion.RoleUser, Text: message})

	return completion.Prompt{System: system, Messages: msgs}
}

// Sanitize returns history with boilerplate removed. Turns left empty are
// dropped.
func (c *Composer) Sanitize(history []conversation.Turn) []conversation.Turn {
	out := make([]conversation.Turn, 0, len(history))
	for _, t := range history {
		text := t.Text
		for _, b := range c.boilerplate {
			text = strings.ReplaceAll(text, b, "")
		}
		text = textutil.CollapseSpace(text)
		if text == "" {
			continue
		}
		out = append(out, conversation.Turn{Role: t.Role, Text: text})
	}
	return out
}

func buildSystem(strategy confidence.Strategy, faqs []Context) string {
	var sb strings.Builder
	sb.WriteString(baseInstruction)
	if instr, ok := strategyInstructions[strategy]; ok {
		sb.WriteString("\n\n")
		sb.WriteString(instr)
	}
	if len(faqs) > 0 {
		sb.WriteString("\n\n[Knowledge Base]\n")
		for i, f := range faqs {
			fmt.Fprintf(&sb, "%d. (relevance %.2f)\nQ: %s\nA: %s\n", i+1, f.Score,
				textutil.CollapseSpace(f.Question), textutil.StripHTML(f.Answer))
		}
	}
	return sb.String()
}

func toRole(r conversation.Role) completion.Role {
	if r == conversation.RoleAssistant {
		return completion.RoleModel
	}
	return completion.RoleUser
}

func historyLen(h []conversation.Turn) int {
	n := 0
	for _, t := range h {
		n += runeLen(t.Text)
	}
	return n
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
