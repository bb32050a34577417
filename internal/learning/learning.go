// Package learning is the human review workflow for FAQs that collected
// negative feedback. Every decision is recorded and can be rolled back.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/deflect/internal/storage"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"

	ActionApproved  = "approved"
	ActionRejected  = "rejected"
	ActionRollback  = "rollback"
	ActionFullReset = "full_reset"
)

// ErrNotRollbackable is returned for history entries that were already
// rolled back or are not decisions.
var ErrNotRollbackable = errors.New("history entry cannot be rolled back")

type Store interface {
	GetReview(ctx context.Context, id string) (storage.ReviewItem, error)
	ListReviews(ctx context.Context, status string, limit int) ([]storage.ReviewItem, error)
	DecideReview(ctx context.Context, id, status string, entry storage.HistoryEntry) error
	GetHistoryEntry(ctx context.Context, id string) (storage.HistoryEntry, error)
	ListHistory(ctx context.Context, limit int) ([]storage.HistoryEntry, error)
	RollbackHistory(ctx context.Context, originalID string, rb storage.HistoryEntry) (bool, error)
	ResetLearning(ctx context.Context, marker storage.HistoryEntry) (int, error)
}

// FAQs reads and rewrites FAQ answers. Writes re-embed the FAQ.
type FAQs interface {
	Get(ctx context.Context, id string) (storage.FAQ, error)
	UpdateAnswer(ctx context.Context, id, answer string) (storage.FAQ, error)
}

type Service struct {
	store  Store
	faqs   FAQs
	logger *slog.Logger

	// mu orders answer writes with the history rows that describe them.
	mu sync.Mutex
}

func NewService(store Store, faqs FAQs, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, faqs: faqs, logger: logger}
}

func (s *Service) List(ctx context.Context, status string, limit int) ([]storage.ReviewItem, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := s.store.ListReviews(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []storage.ReviewItem{}
	}
	return items, nil
}

func (s *Service) History(ctx context.Context, limit int) ([]storage.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := s.store.ListHistory(ctx, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []storage.HistoryEntry{}
	}
	return entries, nil
}

// Approve accepts a pending review. A non-blank newAnswer replaces the FAQ
// answer and the previous answer is kept in the history entry.
func (s *Service) Approve(ctx context.Context, id, newAnswer string) (storage.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	review, err := s.pending(ctx, id)
	if err != nil {
		return storage.HistoryEntry{}, err
	}

	entry := storage.HistoryEntry{
		ID:          uuid.NewString(),
		ReviewID:    review.ID,
		FAQID:       review.FAQID,
		Action:      ActionApproved,
		CanRollback: true,
		CreatedAt:   time.Now().UTC(),
	}

	newAnswer = strings.TrimSpace(newAnswer)
	if newAnswer != "" {
		current, err := s.faqs.Get(ctx, review.FAQID)
		if err != nil {
			return storage.HistoryEntry{}, fmt.Errorf("loading faq %s: %w", review.FAQID, err)
		}
		if _, err := s.faqs.UpdateAnswer(ctx, review.FAQID, newAnswer); err != nil {
			return storage.HistoryEntry{}, fmt.Errorf("applying new answer: %w", err)
		}
		entry.PreviousAnswer = current.Answer
		entry.NewAnswer = newAnswer
		entry.AnswerApplied = true
	}

	if err := s.store.DecideReview(ctx, review.ID, StatusApproved, entry); err != nil {
		if entry.AnswerApplied {
			s.restore(ctx, review.FAQID, entry.PreviousAnswer)
		}
		return storage.HistoryEntry{}, err
	}

	s.logger.Info("review approved", "review_id", review.ID, "faq_id", review.FAQID, "answer_applied", entry.AnswerApplied)
	return entry, nil
}

// Reject declines a pending review without touching the FAQ.
func (s *Service) Reject(ctx context.Context, id, note string) (storage.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	review, err := s.pending(ctx, id)
	if err != nil {
		return storage.HistoryEntry{}, err
	}
	entry := storage.HistoryEntry{
		ID:          uuid.NewString(),
		ReviewID:    review.ID,
		FAQID:       review.FAQID,
		Action:      ActionRejected,
		CanRollback: true,
		Note:        strings.TrimSpace(note),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.DecideReview(ctx, review.ID, StatusRejected, entry); err != nil {
		return storage.HistoryEntry{}, err
	}
	s.logger.Info("review rejected", "review_id", review.ID, "faq_id", review.FAQID)
	return entry, nil
}

type RollbackResult struct {
	Entry storage.HistoryEntry `json:"entry"`
	// AnswerRestored is set when the FAQ answer was put back.
	AnswerRestored bool `json:"answer_restored"`
	// Reopened is false when another pending review for the FAQ already
	// existed, so the original stays decided.
	Reopened bool `json:"reopened"`
}

// Rollback reverts a decision. The original history entry is kept and
// marked as no longer rollbackable; a rollback entry is appended.
func (s *Service) Rollback(ctx context.Context, historyID string) (RollbackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orig, err := s.store.GetHistoryEntry(ctx, historyID)
	if err != nil {
		return RollbackResult{}, err
	}
	if !orig.CanRollback || (orig.Action != ActionApproved && orig.Action != ActionRejected) {
		return RollbackResult{}, ErrNotRollbackable
	}

	if orig.AnswerApplied {
		if _, err := s.faqs.UpdateAnswer(ctx, orig.FAQID, orig.PreviousAnswer); err != nil {
			return RollbackResult{}, fmt.Errorf("restoring previous answer: %w", err)
		}
	}

	rb := storage.HistoryEntry{
		ID:             uuid.NewString(),
		ReviewID:       orig.ReviewID,
		FAQID:          orig.FAQID,
		Action:         ActionRollback,
		PreviousAnswer: orig.NewAnswer,
		NewAnswer:      orig.PreviousAnswer,
		AnswerApplied:  orig.AnswerApplied,
		RevertsID:      orig.ID,
		CreatedAt:      time.Now().UTC(),
	}
	reopened, err := s.store.RollbackHistory(ctx, orig.ID, rb)
	if err != nil {
		if orig.AnswerApplied {
			s.restore(ctx, orig.FAQID, orig.NewAnswer)
		}
		if errors.Is(err, storage.ErrConflict) {
			return RollbackResult{}, ErrNotRollbackable
		}
		return RollbackResult{}, err
	}

	s.logger.Info("decision rolled back", "history_id", orig.ID, "faq_id", orig.FAQID, "reopened", reopened)
	return RollbackResult{Entry: rb, AnswerRestored: orig.AnswerApplied, Reopened: reopened}, nil
}

// ResetAll clears the review queue and history, leaving one full_reset
// marker. Callers are responsible for confirming the intent.
func (s *Service) ResetAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared, err := s.store.ResetLearning(ctx, storage.HistoryEntry{
		ID:        uuid.NewString(),
		Action:    ActionFullReset,
		Note:      "learning data reset",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	s.logger.Warn("learning data reset", "reviews_cleared", cleared)
	return cleared, nil
}

func (s *Service) pending(ctx context.Context, id string) (storage.ReviewItem, error) {
	review, err := s.store.GetReview(ctx, id)
	if err != nil {
		return storage.ReviewItem{}, err
	}
	if review.Status != StatusPending {
		return storage.ReviewItem{}, storage.ErrConflict
	}
	return review, nil
}

// restore puts answer back after a failed history write.
func (s *Service) restore(ctx context.Context, faqID, answer string) {
	if _, err := s.faqs.UpdateAnswer(ctx, faqID, answer); err != nil {
		s.logger.Error("restoring faq answer failed", "faq_id", faqID, "error", err)
	}
}
