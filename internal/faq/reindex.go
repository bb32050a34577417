package faq

import (
	"context"
	"errors"

	"github.com/kalambet/deflect/internal/storage"
)

// Reindex re-embeds up to limit FAQs whose embeddings are missing or come
// from a model other than the current one. FAQs edited while being
// re-embedded are skipped; the edit already wrote fresh embeddings.
func (s *Service) Reindex(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	model := s.embedder.Model()
	stale, err := s.store.ListStaleFAQs(ctx, model, limit)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, f := range stale {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		questionEmb, combinedEmb, err := s.embedPair(ctx, f.Question, f.Answer)
		if err != nil {
			return done, err
		}
		f.QuestionEmbedding = questionEmb.Vector
		f.CombinedEmbedding = combinedEmb.Vector
		f.EmbeddingModel = questionEmb.Model

		err = s.store.UpdateFAQEmbeddings(ctx, f)
		if errors.Is(err, storage.ErrConflict) {
			s.logger.Debug("faq changed during reindex", "faq_id", f.ID)
			continue
		}
		if err != nil {
			return done, err
		}
		done++
	}

	if done > 0 {
		s.logger.Info("faqs reindexed", "count", done, "model", model)
	}
	return done, nil
}

// Model returns the embedding model new writes are tagged with.
func (s *Service) Model() string {
	return s.embedder.Model()
}
