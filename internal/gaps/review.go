package gaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kalambet/deflect/internal/faq"
	"github.com/kalambet/deflect/internal/storage"
)

// ErrNoAnswer is returned when a cluster is applied without any answer text.
var ErrNoAnswer = errors.New("cluster has no answer to apply")

// ReviewStore is the cluster persistence used by reviewers.
type ReviewStore interface {
	GetCluster(ctx context.Context, id string) (storage.GapCluster, error)
	ListClusters(ctx context.Context, status string, limit int) ([]storage.GapCluster, error)
	CloseCluster(ctx context.Context, id, status string, resolveGaps bool) error
}

// FAQWriter applies an accepted proposal to the knowledge base.
type FAQWriter interface {
	Add(ctx context.Context, in faq.Input, force bool) (faq.AddResult, error)
	UpdateAnswer(ctx context.Context, id, answer string) (storage.FAQ, error)
}

// Reviewer closes clusters. Closing is serialized so that a cluster's
// suggestion is written to the knowledge base at most once.
type Reviewer struct {
	store  ReviewStore
	faqs   FAQWriter
	logger *slog.Logger

	mu sync.Mutex
}

func NewReviewer(store ReviewStore, faqs FAQWriter, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{store: store, faqs: faqs, logger: logger}
}

// List returns clusters with status, highest priority first. An empty
// status means pending.
func (r *Reviewer) List(ctx context.Context, status string, limit int) ([]storage.GapCluster, error) {
	if status == "" {
		status = "pending"
	}
	if limit <= 0 {
		limit = 50
	}
	out, err := r.store.ListClusters(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []storage.GapCluster{}
	}
	return out, nil
}

func (r *Reviewer) Get(ctx context.Context, id string) (storage.GapCluster, error) {
	return r.store.GetCluster(ctx, id)
}

// Resolve closes a cluster handled outside deflect and resolves its gaps.
func (r *Reviewer) Resolve(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.CloseCluster(ctx, id, "resolved", true); err != nil {
		return err
	}
	r.logger.Info("cluster resolved", "cluster_id", id)
	return nil
}

// Dismiss closes a cluster without acting on it. Its gaps stay unresolved.
func (r *Reviewer) Dismiss(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.CloseCluster(ctx, id, "dismissed", false); err != nil {
		return err
	}
	r.logger.Info("cluster dismissed", "cluster_id", id)
	return nil
}

// ApplyResult names the FAQ written by Apply.
type ApplyResult struct {
	ClusterID string `json:"cluster_id"`
	Action    string `json:"action"`
	FAQID     string `json:"faq_id"`
}

// Apply writes the cluster suggestion to the knowledge base and resolves the
// cluster. editedAnswer, if not blank, replaces the suggested answer. A
// create proposal is added even if similar FAQs exist since a reviewer
// accepted it.
func (r *Reviewer) Apply(ctx context.Context, id, editedAnswer string) (ApplyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.store.GetCluster(ctx, id)
	if err != nil {
		return ApplyResult{}, err
	}
	if c.Status != "pending" {
		return ApplyResult{}, storage.ErrConflict
	}

	answer := strings.TrimSpace(editedAnswer)
	if answer == "" {
		answer = c.SuggestedAnswer
	}
	if answer == "" {
		return ApplyResult{}, ErrNoAnswer
	}

	res := ApplyResult{ClusterID: c.ID, Action: c.ActionType}
	switch c.ActionType {
	case ActionImprove:
		f, err := r.faqs.UpdateAnswer(ctx, c.ExistingFAQID, answer)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("improving faq %s: %w", c.ExistingFAQID, err)
		}
		res.FAQID = f.ID
	default:
		question := c.SuggestedQuestion
		if question == "" && len(c.SampleQuestions) > 0 {
			question = c.SampleQuestions[0]
		}
		added, err := r.faqs.Add(ctx, faq.Input{Question: question, Answer: answer}, true)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("creating faq from cluster: %w", err)
		}
		res.FAQID = added.FAQ.ID
	}

	if err := r.store.CloseCluster(ctx, c.ID, "resolved", true); err != nil {
		return res, err
	}
	r.logger.Info("cluster applied", "cluster_id", c.ID, "action", res.Action, "faq_id", res.FAQID)
	return res, nil
}
