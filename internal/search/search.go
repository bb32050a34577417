// Package search runs the two-pass semantic FAQ search: question embeddings
// first, question+answer embeddings only when the first pass is weak.
package search

import (
	"context"
	"log/slog"

	"github.com/kalambet/deflect/internal/confidence"
	"github.com/kalambet/deflect/internal/embedding"
	"github.com/kalambet/deflect/internal/retrieval"
)

// Source tags which pass produced a result.
type Source string

const (
	SourceQuestion Source = "tiered_question"
	SourceCombined Source = "tiered_combined"
)

// Embedder produces query embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) (embedding.Embedding, error)
}

type Options struct {
	Threshold float64
	Limit     int
	Category  string
}

// Hit is a match annotated with its confidence tier and the pass that found it.
type Hit struct {
	retrieval.Match
	Tier   confidence.Tier
	Source Source
}

type Result struct {
	Hits   []Hit
	Best   *Hit
	Source Source
	// QuestionTop and CombinedTop are the rank-1 scores of each pass; a pass
	// that did not run or found nothing reports 0.
	QuestionTop float64
	CombinedTop float64
	CombinedRan bool
}

// BestScore returns the rank-1 score of the chosen pass, or 0.
func (r Result) BestScore() float64 {
	if r.Best == nil {
		return 0
	}
	return r.Best.Score
}

// Tier returns the tier of the best hit, or None.
func (r Result) Tier() confidence.Tier {
	if r.Best == nil {
		return confidence.None
	}
	return r.Best.Tier
}

type Searcher struct {
	embedder Embedder
	store    retrieval.VectorStore
	logger   *slog.Logger
}

func New(embedder Embedder, store retrieval.VectorStore, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{embedder: embedder, store: store, logger: logger}
}

// Search embeds query once and runs the tiered search. Embedding failures
// are returned as *embedding.Error and first-pass datastore failures as
// *retrieval.SearchError.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) (Result, error) {
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return Result{}, err
	}
	return s.SearchEmbedding(ctx, emb, opts)
}

// SearchEmbedding runs the tiered search with a precomputed embedding.
func (s *Searcher) SearchEmbedding(ctx context.Context, emb embedding.Embedding, opts Options) (Result, error) {
	questionMatches, err := s.store.Search(ctx, emb, retrieval.SearchOptions{
		Threshold: opts.Threshold,
		Limit:     opts.Limit,
		Category:  opts.Category,
		Field:     retrieval.FieldQuestion,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{QuestionTop: topScore(questionMatches)}
	chosen, source := questionMatches, SourceQuestion

	if res.QuestionTop < confidence.FallbackThreshold {
		combinedMatches, err := s.store.Search(ctx, emb, retrieval.SearchOptions{
			Threshold: opts.Threshold,
			Limit:     opts.Limit,
			Category:  opts.Category,
			Field:     retrieval.FieldCombined,
		})
		if err != nil {
			s.logger.Warn("combined search failed, keeping question results", "error", err)
		} else {
			res.CombinedRan = true
			res.CombinedTop = topScore(combinedMatches)
			if res.CombinedTop > res.QuestionTop {
				chosen, source = combinedMatches, SourceCombined
			}
		}
	}

	res.Source = source
	res.Hits = make([]Hit, len(chosen))
	for i, m := range chosen {
		res.Hits[i] = Hit{Match: m, Tier: confidence.Classify(m.Score), Source: source}
	}
	if len(res.Hits) > 0 {
		res.Best = &res.Hits[0]
	}

	s.logger.Debug("tiered search",
		"source", string(source),
		"question_top", res.QuestionTop,
		"combined_top", res.CombinedTop,
		"hits", len(res.Hits),
	)
	return res, nil
}

func topScore(ms []retrieval.Match) float64 {
	if len(ms) == 0 {
		return 0
	}
	return ms[0].Score
}
