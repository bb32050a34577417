package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/deflect/internal/completion"
	"github.com/kalambet/deflect/internal/composer"
	"github.com/kalambet/deflect/internal/confidence"
	"github.com/kalambet/deflect/internal/conversation"
	"github.com/kalambet/deflect/internal/embedding"
	"github.com/kalambet/deflect/internal/gaps"
	"github.com/kalambet/deflect/internal/retrieval"
	"github.com/kalambet/deflect/internal/router"
	"github.com/kalambet/deflect/internal/search"
	"github.com/kalambet/deflect/internal/storage"
)

type mockSearcher struct {
	calls    int
	searchFn func(ctx context.Context, query string, opts search.Options) (search.Result, error)
}

func (m *mockSearcher) Search(ctx context.Context, query string, opts search.Options) (search.Result, error) {
	m.calls++
	return m.searchFn(ctx, query, opts)
}

type mockGaps struct {
	mu     sync.Mutex
	logged []gaps.Gap
}

func (m *mockGaps) LogGap(_ context.Context, g gaps.Gap) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logged = append(m.logged, g)
	return true, nil
}

type mockInteractions struct {
	mu    sync.Mutex
	saved []storage.Interaction
}

func (m *mockInteractions) SaveInteraction(_ context.Context, i storage.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, i)
	return nil
}

type fixture struct {
	orch         *Orchestrator
	searcher     *mockSearcher
	conv         *conversation.Memory
	gaps         *mockGaps
	interactions *mockInteractions
	prompts      []completion.Prompt
	completeErr  error
	reply        string
	// onComplete, when set, runs inside the model call.
	onComplete func(ctx context.Context) error

	router    *router.Router
	completer completion.Completer
}

// rebuild swaps the conversation store and options.
func (f *fixture) rebuild(conv *conversation.Memory, opts Options) {
	f.conv = conv
	f.orch = New(f.router, f.searcher, f.completer, composer.New(4000, Boilerplate()...), conv, f.gaps, f.interactions, opts, nil)
}

// resultWith builds a search result whose best hit scores score.
func resultWith(score float64) search.Result {
	hit := search.Hit{
		Match: retrieval.Match{
			FAQ:   storage.FAQ{ID: "f1", Question: "Opening hours?", Answer: "We are open 9 to 5."},
			Score: score,
		},
		Tier:   confidence.Classify(score),
		Source: search.SourceQuestion,
	}
	res := search.Result{Hits: []search.Hit{hit}, Source: search.SourceQuestion, QuestionTop: score}
	res.Best = &res.Hits[0]
	return res
}

func newFixture(t *testing.T, score float64) *fixture {
	t.Helper()
	r, err := router.New(router.DefaultRules(), router.Contact{Email: "help@example.com"})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	f := &fixture{
		searcher: &mockSearcher{searchFn: func(context.Context, string, search.Options) (search.Result, error) {
			if score < 0 {
				return search.Result{}, nil
			}
			return resultWith(score), nil
		}},
		conv:         conversation.NewMemory(conversation.Options{LockWait: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}),
		gaps:         &mockGaps{},
		interactions: &mockInteractions{},
		reply:        "Generated reply.",
	}
	completer := completion.CompleterFunc(func(ctx context.Context, p completion.Prompt) (completion.Result, error) {
		f.prompts = append(f.prompts, p)
		if f.onComplete != nil {
			if err := f.onComplete(ctx); err != nil {
				return completion.Result{}, err
			}
		}
		if f.completeErr != nil {
			return completion.Result{}, f.completeErr
		}
		return completion.Result{Text: f.reply, Usage: completion.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}}, nil
	})
	f.router = r
	f.completer = completer
	f.rebuild(f.conv, Options{})
	return f
}

func (f *fixture) history(t *testing.T, req Request) []conversation.Turn {
	t.Helper()
	key := conversation.Identity{AssistantID: req.AssistantID, UserID: req.UserID, PageID: req.PageID, SessionID: req.SessionID}.Key()
	h, err := f.conv.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return h
}

var question = Request{Message: "What are your opening hours today?", SessionID: "s1", UserID: "u1"}

func TestRespond_VeryHighAnswersFromFAQ(t *testing.T) {
	f := newFixture(t, 0.9)

	resp, err := f.orch.Respond(context.Background(), question)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Source != SourceFAQ || resp.Reply != "We are open 9 to 5." || !resp.CostSaved {
		t.Errorf("resp = %+v", resp)
	}
	if len(f.prompts) != 0 {
		t.Error("very high confidence must not call the model")
	}
	if resp.Tier != confidence.VeryHigh || resp.FAQID != "f1" {
		t.Errorf("tier = %v faq = %q", resp.Tier, resp.FAQID)
	}
	if h := f.history(t, question); len(h) != 2 {
		t.Errorf("history = %d turns, want 2", len(h))
	}
	if len(f.gaps.logged) != 0 {
		t.Error("confident answer must not be logged as a gap")
	}
	if len(f.interactions.saved) != 1 || !f.interactions.saved[0].CostSaved {
		t.Errorf("interactions = %+v", f.interactions.saved)
	}
}

func TestRespond_MediumComposesWithFAQ(t *testing.T) {
	f := newFixture(t, 0.7)

	resp, err := f.orch.Respond(context.Background(), question)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Source != SourceAI || resp.Reply != "Generated reply." {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Strategy != confidence.Compose.String() {
		t.Errorf("strategy = %q", resp.Strategy)
	}
	if len(f.prompts) != 1 || !strings.Contains(f.prompts[0].System, "We are open 9 to 5.") {
		t.Fatalf("prompt missing FAQ context: %+v", f.prompts)
	}
	if resp.Usage.TotalTokens != 120 || f.interactions.saved[0].TotalTokens != 120 {
		t.Errorf("usage not recorded: %+v", resp.Usage)
	}
	if len(f.gaps.logged) != 0 {
		t.Error("score 0.7 is usable and must not be a gap")
	}
}

func TestRespond_LowScoreLogsGap(t *testing.T) {
	f := newFixture(t, 0.55)

	resp, _ := f.orch.Respond(context.Background(), question)
	if resp.Strategy != confidence.Background.String() {
		t.Errorf("strategy = %q", resp.Strategy)
	}
	if len(f.gaps.logged) != 1 {
		t.Fatalf("gaps = %d, want 1", len(f.gaps.logged))
	}
	g := f.gaps.logged[0]
	if g.Score != 0.55 || g.MatchedFAQID != "f1" || g.Confidence != confidence.Low || g.DedupKey == "" {
		t.Errorf("gap = %+v", g)
	}
}

func TestRespond_NoMatchIsPureAIAndGap(t *testing.T) {
	f := newFixture(t, -1)

	resp, _ := f.orch.Respond(context.Background(), question)
	if resp.Source != SourceAI || resp.Tier != confidence.None {
		t.Errorf("resp = %+v", resp)
	}
	if strings.Contains(f.prompts[0].System, "[Knowledge Base]") {
		t.Error("pure AI prompt should carry no FAQ context")
	}
	if len(f.gaps.logged) != 1 {
		t.Errorf("gaps = %d, want 1", len(f.gaps.logged))
	}
}

func TestRespond_SearchFailureDegradesWithoutGap(t *testing.T) {
	f := newFixture(t, 0.9)
	f.searcher.searchFn = func(context.Context, string, search.Options) (search.Result, error) {
		return search.Result{}, &embedding.Error{Model: "m", Err: embedding.ErrNotConfigured}
	}

	resp, err := f.orch.Respond(context.Background(), question)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Source != SourceAI || resp.Strategy != confidence.PureAI.String() {
		t.Errorf("resp = %+v", resp)
	}
	if len(f.gaps.logged) != 0 {
		t.Error("a failed search must not be logged as a gap")
	}
}

func TestRespond_CompletionFailureFallsBack(t *testing.T) {
	f := newFixture(t, 0.7)
	f.completeErr = &completion.Error{Provider: "gemini", Status: 500, Err: errors.New("boom")}

	req := question
	req.ClientMessageID = "m-1"
	resp, err := f.orch.Respond(context.Background(), req)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Source != SourceFallback || !resp.Fallback {
		t.Fatalf("resp = %+v", resp)
	}
	if h := f.history(t, req); len(h) != 0 {
		t.Errorf("history advanced on failure: %+v", h)
	}

	// Same conversation and message ID give the same fallback.
	key := conversation.Identity{UserID: "u1", SessionID: "s1"}.Key()
	if resp.Reply != fallbackReply("en", key+"m-1") {
		t.Error("fallback not deterministic")
	}
}

func TestRespond_EmptyCompletionFallsBack(t *testing.T) {
	f := newFixture(t, 0.7)
	f.reply = "   "
	resp, _ := f.orch.Respond(context.Background(), question)
	if resp.Source != SourceFallback {
		t.Errorf("source = %q, want fallback", resp.Source)
	}
}

func TestRespond_DuplicateMessageID(t *testing.T) {
	f := newFixture(t, 0.7)
	req := question
	req.ClientMessageID = "m-1"

	f.orch.Respond(context.Background(), req)
	resp, err := f.orch.Respond(context.Background(), req)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !resp.Duplicate || resp.Source != SourceDuplicate {
		t.Errorf("resp = %+v", resp)
	}
	if len(f.prompts) != 1 {
		t.Errorf("model called %d times, want 1", len(f.prompts))
	}
	if h := f.history(t, req); len(h) != 2 {
		t.Errorf("history = %d turns, duplicate must not append", len(h))
	}
}

func TestRespond_BusyConversation(t *testing.T) {
	f := newFixture(t, 0.7)
	key := conversation.Identity{UserID: "u1", SessionID: "s1"}.Key()
	release, err := f.conv.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	resp, err := f.orch.Respond(context.Background(), question)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !resp.Busy || resp.Source != SourceBusy {
		t.Errorf("resp = %+v", resp)
	}
	if f.searcher.calls != 0 || len(f.prompts) != 0 {
		t.Error("busy response must not search or call the model")
	}
}

func TestRespond_BusyLeavesMessageIDForRetry(t *testing.T) {
	f := newFixture(t, 0.7)
	ctx := context.Background()
	req := question
	req.ClientMessageID = "m-1"

	key := conversation.Identity{UserID: "u1", SessionID: "s1"}.Key()
	release, err := f.conv.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	first, _ := f.orch.Respond(ctx, req)
	release()
	if !first.Busy {
		t.Fatalf("first = %+v, want busy", first)
	}

	retry, err := f.orch.Respond(ctx, req)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if retry.Duplicate || retry.Source != SourceAI {
		t.Errorf("retry = %+v, want an answer", retry)
	}
	if len(f.prompts) != 1 {
		t.Errorf("model called %d times, want 1", len(f.prompts))
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRespond_SlowCompletionKeepsConversationLocked(t *testing.T) {
	f := newFixture(t, 0.7)
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.rebuild(conversation.NewMemoryWithClock(conversation.Options{
		LockTTL:      time.Minute,
		LockWait:     20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, clock), Options{LockTTL: time.Minute})

	var inner Response
	nested := false
	f.onComplete = func(ctx context.Context) error {
		if nested {
			return nil
		}
		nested = true
		clock.Advance(90 * time.Second)
		second := question
		second.Message = "And on Sundays?"
		inner, _ = f.orch.Respond(ctx, second)
		return nil
	}

	outer, err := f.orch.Respond(context.Background(), question)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !inner.Busy {
		t.Errorf("second message = %+v, want busy while the first is resolving", inner)
	}
	if outer.Source != SourceAI {
		t.Errorf("first message = %+v", outer)
	}
	if len(f.prompts) != 1 {
		t.Errorf("model called %d times, want 1", len(f.prompts))
	}
}

func TestRespond_ResolutionBoundedByLockTTL(t *testing.T) {
	f := newFixture(t, 0.7)
	f.rebuild(f.conv, Options{LockTTL: 30 * time.Millisecond})
	f.onComplete = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan Response, 1)
	go func() {
		resp, _ := f.orch.Respond(context.Background(), question)
		done <- resp
	}()
	select {
	case resp := <-done:
		if !resp.Fallback || resp.Source != SourceFallback {
			t.Errorf("resp = %+v, want fallback after the lock TTL", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Respond did not return after the lock TTL")
	}
}

func TestRespond_OffTopicNeverSearches(t *testing.T) {
	f := newFixture(t, 0.9)
	req := question
	req.Message = "bitcoin price today"
	resp, err := f.orch.Respond(context.Background(), req)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.RouterAction != router.Decline || resp.Source != SourceRouter {
		t.Errorf("resp = %+v", resp)
	}
	if !strings.HasPrefix(resp.Reply, "I can only help with questions about our products") {
		t.Errorf("reply = %q", resp.Reply)
	}
	if f.searcher.calls != 0 || len(f.prompts) != 0 {
		t.Errorf("search calls = %d, model calls = %d, want none", f.searcher.calls, len(f.prompts))
	}
}

func TestRespond_GreetingResetsHistory(t *testing.T) {
	f := newFixture(t, 0.9)
	ctx := context.Background()
	f.orch.Respond(ctx, question)

	req := question
	req.Message = "Hello!"
	req.Locale = "fr-CA"
	resp, _ := f.orch.Respond(ctx, req)
	if resp.Source != SourceRouter || resp.RouterAction != router.Greet {
		t.Errorf("resp = %+v", resp)
	}
	if !strings.HasPrefix(resp.Reply, "Bonjour") {
		t.Errorf("reply = %q, want French greeting", resp.Reply)
	}
	if h := f.history(t, req); len(h) != 0 {
		t.Errorf("history = %+v, want reset", h)
	}
	if f.searcher.calls != 1 {
		t.Errorf("search calls = %d, greeting must not search", f.searcher.calls)
	}
}

func TestRespond_EscalationBypassesEverything(t *testing.T) {
	f := newFixture(t, 0.9)
	req := question
	req.Message = "I was double charged on my invoice"
	resp, _ := f.orch.Respond(context.Background(), req)

	if resp.RouterAction != router.Escalate || !strings.Contains(resp.Reply, "help@example.com") {
		t.Errorf("resp = %+v", resp)
	}
	if f.searcher.calls != 0 || len(f.prompts) != 0 {
		t.Error("escalation must bypass search and AI")
	}
}

func TestRespond_FollowUpSkipsSearch(t *testing.T) {
	f := newFixture(t, 0.7)
	ctx := context.Background()
	f.orch.Respond(ctx, question)

	req := question
	req.Message = "why that?"
	resp, _ := f.orch.Respond(ctx, req)
	if resp.RouterAction != router.DirectAI || resp.Source != SourceAI {
		t.Errorf("resp = %+v", resp)
	}
	if f.searcher.calls != 1 {
		t.Errorf("search calls = %d, follow-up must skip search", f.searcher.calls)
	}
	last := f.prompts[len(f.prompts)-1]
	if len(last.Messages) != 3 {
		t.Errorf("follow-up prompt has %d messages, want history plus message", len(last.Messages))
	}
}

func TestRespond_EmptyMessage(t *testing.T) {
	f := newFixture(t, 0.9)
	if _, err := f.orch.Respond(context.Background(), Request{Message: "  "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestRespond_FallbackStrippedFromHistory(t *testing.T) {
	f := newFixture(t, 0.7)
	ctx := context.Background()
	key := conversation.Identity{UserID: "u1", SessionID: "s1"}.Key()
	f.conv.Append(ctx, key,
		conversation.Turn{Role: conversation.RoleUser, Text: "earlier question about shipping"},
		conversation.Turn{Role: conversation.RoleAssistant, Text: canned["en"].fallbacks[0]},
	)

	f.orch.Respond(ctx, question)
	for _, m := range f.prompts[0].Messages {
		if m.Text == canned["en"].fallbacks[0] {
			t.Error("fallback text leaked into the prompt")
		}
	}
}
