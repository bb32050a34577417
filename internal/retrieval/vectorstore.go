package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/deflect/internal/embedding"
	"github.com/kalambet/deflect/internal/storage"
)

// Field selects which stored embedding a search compares against.
type Field string

const (
	// FieldQuestion is the question-only embedding: precise phrasing matches.
	FieldQuestion Field = "question"
	// FieldCombined is the question+answer embedding: broader recall.
	FieldCombined Field = "combined"
)

func (f Field) column() (string, error) {
	switch f {
	case FieldQuestion, "":
		return "question_embedding", nil
	case FieldCombined:
		return "combined_embedding", nil
	}
	return "", fmt.Errorf("unknown embedding field %q", f)
}

// ErrUnknownModel is returned for a query embedding that does not name the
// model that produced it.
var ErrUnknownModel = errors.New("query embedding has no model")

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	Threshold float64
	Limit     int
	Category  string
	Field     Field
	ExcludeID string
}

// Match is one FAQ scored against the query. FAQ carries no embeddings.
type Match struct {
	FAQ   storage.FAQ
	Score float64
}

// VectorStore finds the FAQs nearest to a query embedding.
type VectorStore interface {
	// Search returns matches with Score >= Threshold, best first, at most Limit.
	Search(ctx context.Context, query embedding.Embedding, opts SearchOptions) ([]Match, error)
}

// SearchError reports a datastore failure during search. Callers degrade
// the request instead of treating it as "no match".
type SearchError struct {
	Field Field
	Err   error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("searching %s embeddings: %v", e.Field, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }
