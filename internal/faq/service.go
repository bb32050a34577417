// Package faq manages the knowledge base: validated writes with embedding
// regeneration, duplicate detection, import and reindexing.
package faq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kalambet/deflect/internal/confidence"
	"github.com/kalambet/deflect/internal/embedding"
	"github.com/kalambet/deflect/internal/retrieval"
	"github.com/kalambet/deflect/internal/storage"
	"github.com/kalambet/deflect/internal/textutil"
)

const similarLimit = 5

// Store is the FAQ persistence the service needs.
type Store interface {
	CreateFAQ(ctx context.Context, f storage.FAQ) error
	UpdateFAQ(ctx context.Context, f storage.FAQ) error
	UpdateFAQEmbeddings(ctx context.Context, f storage.FAQ) error
	GetFAQ(ctx context.Context, id string) (storage.FAQ, error)
	DeleteFAQ(ctx context.Context, id string) error
	ListFAQs(ctx context.Context, filter storage.FAQFilter) ([]storage.FAQ, int, error)
	ListStaleFAQs(ctx context.Context, model string, limit int) ([]storage.FAQ, error)
}

// Embedder produces the question and combined embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) (embedding.Embedding, error)
	EmbedBatch(ctx context.Context, texts []string) ([]embedding.Embedding, error)
	Model() string
}

type Input struct {
	Question string `json:"question" yaml:"question" validate:"required,max=1000"`
	Answer   string `json:"answer" yaml:"answer" validate:"required,max=20000"`
	Category string `json:"category" yaml:"category" validate:"max=100"`
	Keywords string `json:"keywords" yaml:"keywords" validate:"max=500"`
}

// Patch changes only the non-nil fields of a FAQ.
type Patch struct {
	Question *string `json:"question,omitempty" validate:"omitnil,min=1,max=1000"`
	Answer   *string `json:"answer,omitempty" validate:"omitnil,min=1,max=20000"`
	Category *string `json:"category,omitempty" validate:"omitnil,max=100"`
	Keywords *string `json:"keywords,omitempty" validate:"omitnil,max=500"`
}

// trimmed returns a copy with every set field trimmed, so that validation
// sees what will be stored.
func (p Patch) trimmed() Patch {
	trim := func(v *string) *string {
		if v == nil {
			return nil
		}
		t := strings.TrimSpace(*v)
		return &t
	}
	return Patch{
		Question: trim(p.Question),
		Answer:   trim(p.Answer),
		Category: trim(p.Category),
		Keywords: trim(p.Keywords),
	}
}

// Candidate is an existing FAQ similar to a proposed question.
type Candidate struct {
	FAQ   storage.FAQ `json:"faq"`
	Score float64     `json:"score"`
}

// AddResult reports either the created FAQ or, when Duplicate is set, the
// existing FAQs that blocked the insert.
type AddResult struct {
	FAQ        *storage.FAQ `json:"faq,omitempty"`
	Duplicate  bool         `json:"duplicate"`
	Candidates []Candidate  `json:"candidates,omitempty"`
}

// ValidationError maps input fields to what is wrong with them.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

type Page struct {
	Items   []storage.FAQ `json:"items"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

type Service struct {
	store    Store
	embedder Embedder
	vectors  retrieval.VectorStore
	validate *validator.Validate
	logger   *slog.Logger

	// mu serializes the duplicate check with the insert that follows it.
	mu sync.Mutex
}

func NewService(store Store, embedder Embedder, vectors retrieval.VectorStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		validate: NewValidator(),
		logger:   logger,
	}
}

// Add creates a FAQ. Unless force is set, an existing FAQ whose question
// scores at or above the duplicate threshold blocks the insert and is
// returned as a candidate.
func (s *Service) Add(ctx context.Context, in Input, force bool) (AddResult, error) {
	in = trimInput(in)
	if err := s.check(in); err != nil {
		return AddResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	questionEmb, combinedEmb, err := s.embedPair(ctx, in.Question, in.Answer)
	if err != nil {
		return AddResult{}, err
	}

	if !force {
		candidates, err := s.similar(ctx, questionEmb, confidence.DuplicateThreshold, "")
		if err != nil {
			return AddResult{}, err
		}
		if len(candidates) > 0 {
			s.logger.Debug("duplicate faq rejected", "question", in.Question, "best", candidates[0].FAQ.ID, "score", candidates[0].Score)
			return AddResult{Duplicate: true, Candidates: candidates}, nil
		}
	}

	now := time.Now().UTC()
	f := storage.FAQ{
		ID:                uuid.NewString(),
		Question:          in.Question,
		Answer:            in.Answer,
		Category:          in.Category,
		Keywords:          in.Keywords,
		QuestionEmbedding: questionEmb.Vector,
		CombinedEmbedding: combinedEmb.Vector,
		EmbeddingModel:    questionEmb.Model,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateFAQ(ctx, f); err != nil {
		return AddResult{}, err
	}
	s.logger.Info("faq added", "faq_id", f.ID, "forced", force)
	return AddResult{FAQ: stripVectors(f)}, nil
}

// Update applies patch. Any text change regenerates both embeddings and is
// written together with them.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (storage.FAQ, error) {
	patch = patch.trimmed()
	if err := s.check(patch); err != nil {
		return storage.FAQ{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.store.GetFAQ(ctx, id)
	if err != nil {
		return storage.FAQ{}, err
	}

	textChanged := false
	if patch.Question != nil {
		if *patch.Question != f.Question {
			f.Question, textChanged = *patch.Question, true
		}
	}
	if patch.Answer != nil {
		if *patch.Answer != f.Answer {
			f.Answer, textChanged = *patch.Answer, true
		}
	}
	if patch.Category != nil {
		f.Category = *patch.Category
	}
	if patch.Keywords != nil {
		f.Keywords = *patch.Keywords
	}

	if textChanged || f.EmbeddingModel != s.embedder.Model() {
		questionEmb, combinedEmb, err := s.embedPair(ctx, f.Question, f.Answer)
		if err != nil {
			return storage.FAQ{}, err
		}
		f.QuestionEmbedding = questionEmb.Vector
		f.CombinedEmbedding = combinedEmb.Vector
		f.EmbeddingModel = questionEmb.Model
	}
	f.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateFAQ(ctx, f); err != nil {
		return storage.FAQ{}, err
	}
	s.logger.Info("faq updated", "faq_id", f.ID, "reembedded", textChanged)
	return *stripVectors(f), nil
}

// UpdateAnswer replaces the answer text of a FAQ.
func (s *Service) UpdateAnswer(ctx context.Context, id, answer string) (storage.FAQ, error) {
	return s.Update(ctx, id, Patch{Answer: &answer})
}

func (s *Service) Get(ctx context.Context, id string) (storage.FAQ, error) {
	f, err := s.store.GetFAQ(ctx, id)
	if err != nil {
		return storage.FAQ{}, err
	}
	return *stripVectors(f), nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeleteFAQ(ctx, id); err != nil {
		return err
	}
	s.logger.Info("faq deleted", "faq_id", id)
	return nil
}

// List returns one page of FAQs. Pages start at 1.
func (s *Service) List(ctx context.Context, page, perPage int, category string) (Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	items, total, err := s.store.ListFAQs(ctx, storage.FAQFilter{
		Category: category,
		Offset:   (page - 1) * perPage,
		Limit:    perPage,
	})
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []storage.FAQ{}
	}
	return Page{Items: items, Total: total, Page: page, PerPage: perPage}, nil
}

// FindSimilar ranks existing FAQs by question similarity. A threshold <= 0
// means the duplicate threshold.
func (s *Service) FindSimilar(ctx context.Context, question string, threshold float64, excludeID string) ([]Candidate, error) {
	if threshold <= 0 {
		threshold = confidence.DuplicateThreshold
	}
	emb, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}
	return s.similar(ctx, emb, threshold, excludeID)
}

func (s *Service) similar(ctx context.Context, emb embedding.Embedding, threshold float64, excludeID string) ([]Candidate, error) {
	matches, err := s.vectors.Search(ctx, emb, retrieval.SearchOptions{
		Threshold: threshold,
		Limit:     similarLimit,
		Field:     retrieval.FieldQuestion,
		ExcludeID: excludeID,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(matches))
	for i, m := range matches {
		out[i] = Candidate{FAQ: m.FAQ, Score: m.Score}
	}
	return out, nil
}

// embedPair embeds the question alone and question plus answer.
func (s *Service) embedPair(ctx context.Context, question, answer string) (embedding.Embedding, embedding.Embedding, error) {
	embs, err := s.embedder.EmbedBatch(ctx, []string{question, CombinedText(question, answer)})
	if err != nil {
		return embedding.Embedding{}, embedding.Embedding{}, err
	}
	return embs[0], embs[1], nil
}

// CombinedText is the text behind the combined embedding.
func CombinedText(question, answer string) string {
	return question + "\n\n" + textutil.StripHTML(answer)
}

func (s *Service) check(v any) error {
	return ValidateStruct(s.validate, v)
}

// NewValidator returns a validator that reports fields by their JSON name.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return strings.ToLower(fld.Name)
		}
		return name
	})
	return v
}

// ValidateStruct runs validate on v and converts field failures into a
// *ValidationError keyed by JSON field name.
func ValidateStruct(validate *validator.Validate, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating input: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return &ValidationError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must not be empty"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "failed " + fe.Tag()
}

func trimInput(in Input) Input {
	return Input{
		Question: strings.TrimSpace(in.Question),
		Answer:   strings.TrimSpace(in.Answer),
		Category: strings.TrimSpace(in.Category),
		Keywords: strings.TrimSpace(in.Keywords),
	}
}

func stripVectors(f storage.FAQ) *storage.FAQ {
	f.QuestionEmbedding = nil
	f.CombinedEmbedding = nil
	return &f
}
