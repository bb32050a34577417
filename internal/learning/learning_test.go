package learning

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/deflect/internal/storage"
)

// memFAQs keeps answers in a map.
type memFAQs struct {
	answers  map[string]string
	updateFn func(id, answer string) error
}

func (m *memFAQs) Get(_ context.Context, id string) (storage.FAQ, error) {
	a, ok := m.answers[id]
	if !ok {
		return storage.FAQ{}, storage.ErrNotFound
	}
	return storage.FAQ{ID: id, Answer: a}, nil
}

func (m *memFAQs) UpdateAnswer(_ context.Context, id, answer string) (storage.FAQ, error) {
	if m.updateFn != nil {
		if err := m.updateFn(id, answer); err != nil {
			return storage.FAQ{}, err
		}
	}
	if _, ok := m.answers[id]; !ok {
		return storage.FAQ{}, storage.ErrNotFound
	}
	m.answers[id] = answer
	return storage.FAQ{ID: id, Answer: answer}, nil
}

func setup(t *testing.T) (*Service, *storage.Store, *memFAQs, string) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	faqs := &memFAQs{answers: map[string]string{"f1": "old answer"}}
	review, _, err := store.UpsertPendingReview(context.Background(), storage.ReviewItem{
		ID: "r1", FAQID: "f1", Question: "q", CurrentAnswer: "old answer", NegativeCount: 5,
	})
	if err != nil {
		t.Fatalf("UpsertPendingReview: %v", err)
	}
	return NewService(store, faqs, nil), store, faqs, review.ID
}

func TestApprove_AppliesAnswer(t *testing.T) {
	svc, store, faqs, id := setup(t)
	ctx := context.Background()

	entry, err := svc.Approve(ctx, id, "  new answer ")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if faqs.answers["f1"] != "new answer" {
		t.Errorf("answer = %q", faqs.answers["f1"])
	}
	if !entry.CanRollback || !entry.AnswerApplied || entry.PreviousAnswer != "old answer" {
		t.Errorf("entry = %+v", entry)
	}

	r, _ := store.GetReview(ctx, id)
	if r.Status != StatusApproved {
		t.Errorf("status = %q", r.Status)
	}
	if _, err := svc.Approve(ctx, id, ""); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("second approve err = %v, want ErrConflict", err)
	}
}

func TestApprove_WithoutAnswerLeavesFAQ(t *testing.T) {
	svc, _, faqs, id := setup(t)
	entry, err := svc.Approve(context.Background(), id, "")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if entry.AnswerApplied || faqs.answers["f1"] != "old answer" {
		t.Errorf("entry = %+v, answer = %q", entry, faqs.answers["f1"])
	}
}

func TestApprove_AnswerFailureKeepsReviewPending(t *testing.T) {
	svc, store, faqs, id := setup(t)
	faqs.updateFn = func(string, string) error { return errors.New("embedding down") }

	if _, err := svc.Approve(context.Background(), id, "new"); err == nil {
		t.Fatal("expected error")
	}
	r, _ := store.GetReview(context.Background(), id)
	if r.Status != StatusPending {
		t.Errorf("status = %q, want pending", r.Status)
	}
}

func TestRollback_RestoresAndReopens(t *testing.T) {
	svc, store, faqs, id := setup(t)
	ctx := context.Background()

	approved, _ := svc.Approve(ctx, id, "new answer")
	res, err := svc.Rollback(ctx, approved.ID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if !res.AnswerRestored || !res.Reopened {
		t.Errorf("res = %+v", res)
	}
	if faqs.answers["f1"] != "old answer" {
		t.Errorf("answer = %q, want restored", faqs.answers["f1"])
	}
	if res.Entry.Action != ActionRollback || res.Entry.RevertsID != approved.ID {
		t.Errorf("rollback entry = %+v", res.Entry)
	}

	orig, err := store.GetHistoryEntry(ctx, approved.ID)
	if err != nil {
		t.Fatalf("original entry must be kept: %v", err)
	}
	if orig.CanRollback {
		t.Error("original entry should no longer be rollbackable")
	}
	r, _ := store.GetReview(ctx, id)
	if r.Status != StatusPending {
		t.Errorf("review status = %q, want pending", r.Status)
	}

	if _, err := svc.Rollback(ctx, approved.ID); !errors.Is(err, ErrNotRollbackable) {
		t.Errorf("second rollback err = %v, want ErrNotRollbackable", err)
	}
	if _, err := svc.Rollback(ctx, res.Entry.ID); !errors.Is(err, ErrNotRollbackable) {
		t.Errorf("rolling back a rollback err = %v, want ErrNotRollbackable", err)
	}
}

func TestRollback_RejectDoesNotTouchFAQ(t *testing.T) {
	svc, _, faqs, id := setup(t)
	ctx := context.Background()

	rejected, err := svc.Reject(ctx, id, "answer is fine")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	calls := 0
	faqs.updateFn = func(string, string) error { calls++; return nil }

	res, err := svc.Rollback(ctx, rejected.ID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if res.AnswerRestored || calls != 0 {
		t.Errorf("rejected rollback touched the FAQ: %+v calls=%d", res, calls)
	}
}

func TestRollback_Missing(t *testing.T) {
	svc, _, _, _ := setup(t)
	if _, err := svc.Rollback(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResetAll(t *testing.T) {
	svc, _, _, id := setup(t)
	ctx := context.Background()
	svc.Approve(ctx, id, "")

	cleared, err := svc.ResetAll(ctx)
	if err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}
	reviews, _ := svc.List(ctx, "", 10)
	if len(reviews) != 0 {
		t.Errorf("reviews left: %d", len(reviews))
	}
	history, _ := svc.History(ctx, 10)
	if len(history) != 1 || history[0].Action != ActionFullReset {
		t.Errorf("history = %+v", history)
	}
}
