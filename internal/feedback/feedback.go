// Package feedback records thumbs up/down on answers and opens a learning
// review once a FAQ collects enough negative feedback.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kalambet/deflect/internal/faq"
	"github.com/kalambet/deflect/internal/storage"
)

const (
	DefaultNegativeThreshold = 5
	DefaultRateLimit         = 3
	DefaultRateWindow        = 24 * time.Hour
)

// ErrRateLimited is returned when a session exceeded its feedback quota.
var ErrRateLimited = errors.New("feedback rate limit exceeded")

type Store interface {
	InsertFeedbackLimited(ctx context.Context, f storage.Feedback, limit int, since time.Time) error
	CountNegativeFeedback(ctx context.Context, faqID string, after time.Time) (int, error)
	MeanConfidence(ctx context.Context, faqID string) (float64, error)
	FeedbackStatsSince(ctx context.Context, since time.Time) (storage.FeedbackStats, error)
	LastDecisionAt(ctx context.Context, faqID string) (time.Time, error)
	UpsertPendingReview(ctx context.Context, r storage.ReviewItem) (storage.ReviewItem, bool, error)
}

// FAQReader loads the FAQ a review is opened for.
type FAQReader interface {
	Get(ctx context.Context, id string) (storage.FAQ, error)
}

type Submission struct {
	Feedback        string  `json:"feedback" validate:"required,oneof=yes no"`
	Question        string  `json:"question" validate:"max=2000"`
	Answer          string  `json:"answer" validate:"max=20000"`
	Comment         string  `json:"comment" validate:"max=2000"`
	ConfidenceScore float64 `json:"confidence_score" validate:"gte=0,lte=1"`
	FAQID           string  `json:"faq_id"`
	SessionID       string  `json:"session_id" validate:"required,max=200"`
	UserID          string  `json:"user_id"`
	PageID          string  `json:"page_id"`
}

type Summary struct {
	CSATScore      float64 `json:"csat_score"`
	TotalResponses int     `json:"total_responses"`
}

type Stats struct {
	CSATScore float64 `json:"csat_score"`
	Total     int     `json:"total"`
	Positive  int     `json:"positive"`
	Negative  int     `json:"negative"`
}

type Options struct {
	NegativeThreshold int
	RateLimit         int
	RateWindow        time.Duration
}

type Monitor struct {
	store    Store
	faqs     FAQReader
	opts     Options
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

func NewMonitor(store Store, faqs FAQReader, opts Options, logger *slog.Logger) *Monitor {
	if opts.NegativeThreshold <= 0 {
		opts.NegativeThreshold = DefaultNegativeThreshold
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:    store,
		faqs:     faqs,
		opts:     opts,
		validate: faq.NewValidator(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Submit records one feedback. The rate limit is checked atomically with
// the insert; a limited submission changes nothing.
func (m *Monitor) Submit(ctx context.Context, sub Submission) (Summary, error) {
	sub.Feedback = strings.ToLower(strings.TrimSpace(sub.Feedback))
	sub.SessionID = strings.TrimSpace(sub.SessionID)
	if err := faq.ValidateStruct(m.validate, sub); err != nil {
		return Summary{}, err
	}

	now := m.now()
	err := m.store.InsertFeedbackLimited(ctx, storage.Feedback{
		ID:              uuid.NewString(),
		Feedback:        sub.Feedback,
		Question:        sub.Question,
		Answer:          sub.Answer,
		Comment:         sub.Comment,
		ConfidenceScore: sub.ConfidenceScore,
		FAQID:           sub.FAQID,
		SessionID:       sub.SessionID,
		UserID:          sub.UserID,
		PageID:          sub.PageID,
		CreatedAt:       now,
	}, m.opts.RateLimit, now.Add(-m.opts.RateWindow))
	if errors.Is(err, storage.ErrLimitExceeded) {
		m.logger.Debug("feedback rate limited", "session", sub.SessionID)
		return Summary{}, ErrRateLimited
	}
	if err != nil {
		return Summary{}, err
	}

	if sub.Feedback == "no" && sub.FAQID != "" {
		if err := m.checkThreshold(ctx, sub.FAQID); err != nil {
			// The feedback itself is stored; the next negative retries.
			m.logger.Error("negative feedback threshold check failed", "faq_id", sub.FAQID, "error", err)
		}
	}

	st, err := m.store.FeedbackStatsSince(ctx, time.Time{})
	if err != nil {
		return Summary{}, err
	}
	return Summary{CSATScore: csat(st), TotalResponses: st.Total}, nil
}

// checkThreshold recounts negatives since the last decision on faqID and
// opens or refreshes its pending review once the threshold is reached.
func (m *Monitor) checkThreshold(ctx context.Context, faqID string) error {
	since, err := m.store.LastDecisionAt(ctx, faqID)
	if err != nil {
		return fmt.Errorf("loading last decision: %w", err)
	}
	n, err := m.store.CountNegativeFeedback(ctx, faqID, since)
	if err != nil {
		return err
	}
	if n < m.opts.NegativeThreshold {
		return nil
	}

	f, err := m.faqs.Get(ctx, faqID)
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("negative feedback for unknown faq", "faq_id", faqID)
		return nil
	}
	if err != nil {
		return err
	}
	mean, err := m.store.MeanConfidence(ctx, faqID)
	if err != nil {
		return err
	}

	review, created, err := m.store.UpsertPendingReview(ctx, storage.ReviewItem{
		ID:                uuid.NewString(),
		FAQID:             faqID,
		Question:          f.Question,
		CurrentAnswer:     f.Answer,
		NegativeCount:     n,
		CurrentConfidence: mean,
		UpdatedAt:         m.now(),
	})
	if err != nil {
		return err
	}
	if created {
		m.logger.Info("review opened", "review_id", review.ID, "faq_id", faqID, "negatives", n)
	}
	return nil
}

// Stats aggregates feedback from the last days (all time when days <= 0).
func (m *Monitor) Stats(ctx context.Context, days int) (Stats, error) {
	var since time.Time
	if days > 0 {
		since = m.now().AddDate(0, 0, -days)
	}
	st, err := m.store.FeedbackStatsSince(ctx, since)
	if err != nil {
		return Stats{}, err
	}
	return Stats{CSATScore: csat(st), Total: st.Total, Positive: st.Positive, Negative: st.Negative}, nil
}

// csat is the positive share as a percentage with one decimal.
func csat(st storage.FeedbackStats) float64 {
	if st.Total == 0 {
		return 0
	}
	return math.Round(float64(st.Positive)/float64(st.Total)*1000) / 10
}
