// Package orchestrator answers one chat message: routing, tiered FAQ
// search, the confidence-selected answer path, gap logging and the
// interaction log, serialized per conversation.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/deflect/internal/completion"
	"github.com/kalambet/deflect/internal/composer"
	"github.com/kalambet/deflect/internal/confidence"
	"github.com/kalambet/deflect/internal/conversation"
	"github.com/kalambet/deflect/internal/embedding"
	"github.com/kalambet/deflect/internal/gaps"
	"github.com/kalambet/deflect/internal/metrics"
	"github.com/kalambet/deflect/internal/router"
	"github.com/kalambet/deflect/internal/search"
	"github.com/kalambet/deflect/internal/storage"
)

// maxContextFAQs bounds the FAQ entries given to the model.
const maxContextFAQs = 3

// ErrEmptyMessage is returned for a blank message.
var ErrEmptyMessage = errors.New("message is empty")

// Source is where a reply came from.
type Source string

const (
	SourceFAQ       Source = "faq"
	SourceAI        Source = "ai"
	SourceRouter    Source = "router"
	SourceFallback  Source = "fallback"
	SourceDuplicate Source = "duplicate"
	SourceBusy      Source = "busy"
)

type Router interface {
	Route(message, locale string) router.Decision
}

type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) (search.Result, error)
}

type GapLogger interface {
	LogGap(ctx context.Context, g gaps.Gap) (bool, error)
}

type InteractionStore interface {
	SaveInteraction(ctx context.Context, i storage.Interaction) error
}

// Conversation is the per-conversation state backend.
type Conversation interface {
	conversation.Locker
	conversation.IdempotencyStore
	conversation.History
}

type Request struct {
	Message         string `json:"message"`
	AssistantID     string `json:"assistant_id"`
	UserID          string `json:"user_id"`
	PageID          string `json:"page_id"`
	SessionID       string `json:"session_id"`
	ClientMessageID string `json:"client_message_id"`
	Locale          string `json:"locale"`
	Category        string `json:"category"`
}

type Response struct {
	Reply        string           `json:"reply"`
	Source       Source           `json:"source"`
	Tier         confidence.Tier  `json:"tier"`
	Strategy     string           `json:"strategy,omitempty"`
	Score        float64          `json:"score"`
	FAQID        string           `json:"faq_id,omitempty"`
	SearchSource search.Source    `json:"search_source,omitempty"`
	RouterAction router.Action    `json:"router_action,omitempty"`
	Usage        completion.Usage `json:"usage"`
	CostSaved    bool             `json:"cost_saved"`
	Fallback     bool             `json:"fallback"`
	Duplicate    bool             `json:"duplicate"`
	Busy         bool             `json:"busy"`
	MessageID    string           `json:"message_id"`
}

type Options struct {
	SearchThreshold float64
	SearchLimit     int
	// LockTTL bounds a resolution. It must match the conversation lock TTL
	// so that no work continues after the lock could have expired.
	LockTTL time.Duration
}

type Orchestrator struct {
	router       Router
	searcher     Searcher
	completer    completion.Completer
	composer     *composer.Composer
	conv         Conversation
	gaps         GapLogger
	interactions InteractionStore
	opts         Options
	logger       *slog.Logger
}

// New wires an Orchestrator. searcher and completer may be nil when the
// stage is not configured; requests then degrade to the next cheaper path.
func New(r Router, searcher Searcher, completer completion.Completer, comp *composer.Composer,
	conv Conversation, gapLogger GapLogger, interactions InteractionStore, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 5
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 60 * time.Second
	}
	return &Orchestrator{
		router:       r,
		searcher:     searcher,
		completer:    completer,
		composer:     comp,
		conv:         conv,
		gaps:         gapLogger,
		interactions: interactions,
		opts:         opts,
		logger:       logger,
	}
}

// Respond answers req. Only a blank message is an error; every other
// failure is folded into the response.
func (o *Orchestrator) Respond(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return Response{}, ErrEmptyMessage
	}

	key := conversation.Identity{
		AssistantID: req.AssistantID,
		UserID:      req.UserID,
		PageID:      req.PageID,
		SessionID:   req.SessionID,
	}.Key()
	msgID := req.ClientMessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	log := o.logger.With("conversation", key, "message_id", msgID)
	replies := cannedFor(req.Locale)

	release, err := o.conv.Acquire(ctx, key)
	if err != nil {
		if !errors.Is(err, conversation.ErrBusy) {
			log.Error("conversation lock failed", "error", err)
		}
		resp := Response{Reply: replies.busy, Source: SourceBusy, Busy: true, MessageID: msgID}
		o.finish(ctx, log, key, message, resp, start)
		return resp, nil
	}
	defer release()

	// The message ID is claimed only once the lock is held, so a busy reply
	// leaves it free for the client's retry.
	claimed, err := o.conv.Claim(ctx, key+":"+msgID)
	if err != nil {
		log.Warn("idempotency claim failed, answering anyway", "error", err)
		claimed = true
	}
	if !claimed {
		log.Debug("duplicate message")
		resp := Response{Reply: replies.duplicate, Source: SourceDuplicate, Duplicate: true, MessageID: msgID}
		o.finish(ctx, log, key, message, resp, start)
		return resp, nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, o.opts.LockTTL)
	resp := o.resolve(resolveCtx, log, key, msgID, message, req)
	cancel()
	o.finish(ctx, log, key, message, resp, start)
	return resp, nil
}

// resolve runs under the conversation lock.
func (o *Orchestrator) resolve(ctx context.Context, log *slog.Logger, key, msgID, message string, req Request) Response {
	resp := Response{MessageID: msgID, Tier: confidence.None}

	decision := o.router.Route(message, req.Locale)
	metrics.ObserveRouter(string(decision.Action))
	if decision.Action != router.Continue {
		resp.RouterAction = decision.Action
		log.Debug("router decision", "action", decision.Action, "rule", decision.Rule)
	}
	if decision.ResetHistory() {
		if err := o.conv.Reset(ctx, key); err != nil {
			log.Warn("resetting history failed", "error", err)
		}
	}
	if decision.ShortCircuit() {
		resp.Reply = decision.Reply
		resp.Source = SourceRouter
		return resp
	}

	history, err := o.conv.Load(ctx, key)
	if err != nil {
		log.Warn("loading history failed", "error", err)
		history = nil
	}

	var result search.Result
	searched := false
	if !decision.SkipSearch() {
		result, searched = o.search(ctx, log, message, req.Category)
	}

	strategy := confidence.PureAI
	if searched {
		resp.Tier = result.Tier()
		resp.Score = result.BestScore()
		resp.SearchSource = result.Source
		if result.Best != nil {
			resp.FAQID = result.Best.FAQ.ID
		}
		strategy = resp.Tier.Strategy()
		metrics.ObserveTier(resp.Tier.String())
		metrics.ObserveSearchPass(string(result.Source))

		if result.Best == nil || !confidence.Usable(resp.Score) {
			o.logGap(ctx, log, key, msgID, message, req, resp, history)
		}
	}
	resp.Strategy = strategy.String()

	if !strategy.CallsAI() {
		resp.Reply = result.Best.FAQ.Answer
		resp.Source = SourceFAQ
		resp.CostSaved = true
		o.appendHistory(ctx, log, key, message, resp.Reply)
		return resp
	}

	if o.completer == nil {
		log.Warn("completion not configured")
		metrics.ObserveDegraded("completion")
		return o.fallback(resp, req.Locale, key+msgID)
	}

	var faqs []composer.Context
	if strategy.UsesFAQ() {
		for i, h := range result.Hits {
			if i == maxContextFAQs {
				break
			}
			faqs = append(faqs, composer.Context{Question: h.FAQ.Question, Answer: h.FAQ.Answer, Score: h.Score})
		}
	}
	prompt := o.composer.Compose(composer.Input{
		Message:  message,
		Strategy: strategy,
		FAQs:     faqs,
		History:  history,
	})

	out, err := o.completer.Complete(ctx, prompt)
	if err == nil && strings.TrimSpace(out.Text) == "" {
		err = &completion.Error{Provider: "unknown", Err: completion.ErrEmptyResponse}
	}
	if err != nil {
		log.Warn("completion failed, using fallback", "error", err, "tier", resp.Tier.String())
		metrics.ObserveDegraded("completion")
		return o.fallback(resp, req.Locale, key+msgID)
	}

	resp.Reply = strings.TrimSpace(out.Text)
	resp.Source = SourceAI
	resp.Usage = out.Usage
	metrics.AddTokens(out.Usage.PromptTokens, out.Usage.CompletionTokens)
	o.appendHistory(ctx, log, key, message, resp.Reply)
	return resp
}

// search returns false when searching was not possible; the caller then
// answers without FAQ context.
func (o *Orchestrator) search(ctx context.Context, log *slog.Logger, message, category string) (search.Result, bool) {
	if o.searcher == nil {
		metrics.ObserveDegraded("embedding")
		return search.Result{}, false
	}
	res, err := o.searcher.Search(ctx, message, search.Options{
		Threshold: o.opts.SearchThreshold,
		Limit:     o.opts.SearchLimit,
		Category:  category,
	})
	if err != nil {
		var embErr *embedding.Error
		reason := "search"
		if errors.As(err, &embErr) {
			reason = "embedding"
		}
		log.Warn("faq search unavailable, answering without it", "reason", reason, "error", err)
		metrics.ObserveDegraded(reason)
		return search.Result{}, false
	}
	return res, true
}

func (o *Orchestrator) logGap(ctx context.Context, log *slog.Logger, key, msgID, message string, req Request, resp Response, history []conversation.Turn) {
	if o.gaps == nil {
		return
	}
	inserted, err := o.gaps.LogGap(context.WithoutCancel(ctx), gaps.Gap{
		Text:         message,
		MatchedFAQID: resp.FAQID,
		Score:        resp.Score,
		Confidence:   resp.Tier,
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		PageID:       req.PageID,
		Context:      gaps.EncodeContext(history),
		DedupKey:     key + ":" + msgID,
	})
	if err != nil {
		log.Error("logging gap failed", "error", err)
		return
	}
	if inserted {
		metrics.ObserveGap()
	}
}

func (o *Orchestrator) fallback(resp Response, locale, seed string) Response {
	resp.Reply = fallbackReply(locale, seed)
	resp.Source = SourceFallback
	resp.Fallback = true
	resp.Usage = completion.Usage{}
	return resp
}

func (o *Orchestrator) appendHistory(ctx context.Context, log *slog.Logger, key, message, reply string) {
	err := o.conv.Append(context.WithoutCancel(ctx), key,
		conversation.Turn{Role: conversation.RoleUser, Text: message},
		conversation.Turn{Role: conversation.RoleAssistant, Text: reply},
	)
	if err != nil {
		log.Warn("appending history failed", "error", err)
	}
}

// finish records the interaction. It outlives a cancelled request.
func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, key, message string, resp Response, start time.Time) {
	metrics.ObserveResponse(string(resp.Source), time.Since(start))
	log.Info("response",
		"source", string(resp.Source),
		"tier", resp.Tier.String(),
		"faq_id", resp.FAQID,
		"score", resp.Score,
		"tokens", resp.Usage.TotalTokens,
	)
	if o.interactions == nil {
		return
	}
	err := o.interactions.SaveInteraction(context.WithoutCancel(ctx), storage.Interaction{
		ID:               uuid.NewString(),
		ConversationKey:  key,
		Message:          message,
		Reply:            resp.Reply,
		Source:           string(resp.Source),
		Tier:             resp.Tier.String(),
		Score:            resp.Score,
		FAQID:            resp.FAQID,
		SearchSource:     string(resp.SearchSource),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostSaved:        resp.CostSaved,
		Fallback:         resp.Fallback,
	})
	if err != nil {
		log.Error("saving interaction failed", "error", err)
	}
}
