package retrieval

import (
	"container/heap"
	"context"
	"log/slog"
	"math"

	"github.com/kalambet/deflect/internal/embedding"
	"github.com/kalambet/deflect/internal/storage"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore runs brute-force cosine similarity over the faqs table.
// Rows without the selected embedding are never scored, and rows embedded by
// a different model than the query are skipped rather than compared.
type SQLiteStore struct {
	store  *storage.Store
	logger *slog.Logger
}

func NewSQLiteStore(store *storage.Store, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{store: store, logger: logger}
}

// idScore holds only the ID and score during the scan phase of Search.
// Full FAQ rows are fetched only for the top-K winners.
type idScore struct {
	ID    string
	Score float64
}

func (s *SQLiteStore) Search(ctx context.Context, query embedding.Embedding, opts SearchOptions) ([]Match, error) {
	if query.Model == "" {
		return nil, &SearchError{Field: opts.Field, Err: ErrUnknownModel}
	}
	if opts.Limit <= 0 {
		return nil, nil
	}
	column, err := opts.Field.column()
	if err != nil {
		return nil, &SearchError{Field: opts.Field, Err: err}
	}
	queryNorm := norm(query.Vector)
	if queryNorm == 0 {
		return nil, nil
	}

	sqlText := `SELECT id, embedding_model, ` + column + ` FROM faqs WHERE ` + column + ` IS NOT NULL`
	var args []any
	if opts.Category != "" {
		sqlText += ` AND category = ?`
		args = append(args, opts.Category)
	}
	if opts.ExcludeID != "" {
		sqlText += ` AND id != ?`
		args = append(args, opts.ExcludeID)
	}

	rows, err := s.store.DB().QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, &SearchError{Field: opts.Field, Err: err}
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)
	var buf []float32
	skipped := 0

	for rows.Next() {
		var id, model string
		var blob []byte
		if err := rows.Scan(&id, &model, &blob); err != nil {
			return nil, &SearchError{Field: opts.Field, Err: err}
		}
		if model != query.Model {
			skipped++
			continue
		}

		buf, err = storage.DecodeVectorInto(buf, blob)
		if err != nil {
			s.logger.Warn("skipping faq with corrupt embedding", "faq_id", id, "error", err)
			continue
		}

		// Scores stay float64 so tier boundaries are compared exactly.
		score := cosine(query.Vector, buf, queryNorm)
		if score < opts.Threshold {
			continue
		}
		if h.Len() < opts.Limit {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &SearchError{Field: opts.Field, Err: err}
	}

	if skipped > 0 {
		s.logger.Warn("skipped faqs embedded by another model; reindex required",
			"skipped", skipped, "query_model", query.Model, "field", string(opts.Field))
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Pop yields ascending scores; fill from the back for best-first order.
	top := make([]idScore, h.Len())
	for i := len(top) - 1; i >= 0; i-- {
		top[i] = heap.Pop(h).(idScore)
	}
	ids := make([]string, len(top))
	for i, t := range top {
		ids[i] = t.ID
	}

	faqs, err := s.store.GetFAQsByIDs(ctx, ids)
	if err != nil {
		return nil, &SearchError{Field: opts.Field, Err: err}
	}

	matches := make([]Match, 0, len(top))
	for _, t := range top {
		f, ok := faqs[t.ID]
		if !ok {
			// Deleted between scan and fetch.
			continue
		}
		matches = append(matches, Match{FAQ: f, Score: clamp01(t.Score)})
	}
	return matches, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine is dot(a,b) / (aNorm * |b|), with aNorm precomputed for the query.
// Vectors of different width score 0.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	if bSq == 0 {
		return 0
	}
	return dot / (aNorm * math.Sqrt(bSq))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
