package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFAQRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := FAQ{
		ID:                "faq-1",
		Question:          "What are your hours?",
		Answer:            "9 to 5.",
		Category:          "general",
		Keywords:          "hours,open",
		QuestionEmbedding: []float32{1, 0},
		CombinedEmbedding: []float32{0.5, 0.5},
		EmbeddingModel:    "m1",
	}
	if err := s.CreateFAQ(ctx, f); err != nil {
		t.Fatalf("CreateFAQ: %v", err)
	}

	got, err := s.GetFAQ(ctx, "faq-1")
	if err != nil {
		t.Fatalf("GetFAQ: %v", err)
	}
	if got.Question != f.Question || got.Answer != f.Answer || got.Category != f.Category || got.EmbeddingModel != "m1" {
		t.Errorf("got %+v", got)
	}
	if len(got.CombinedEmbedding) != 2 || got.CombinedEmbedding[1] != 0.5 {
		t.Errorf("CombinedEmbedding = %v", got.CombinedEmbedding)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	f.Answer = "8 to 6."
	f.CombinedEmbedding = []float32{0.1, 0.9}
	if err := s.UpdateFAQ(ctx, f); err != nil {
		t.Fatalf("UpdateFAQ: %v", err)
	}
	got, _ = s.GetFAQ(ctx, "faq-1")
	if got.Answer != "8 to 6." || got.CombinedEmbedding[1] != 0.9 {
		t.Errorf("after update: %+v", got)
	}

	if err := s.DeleteFAQ(ctx, "faq-1"); err != nil {
		t.Fatalf("DeleteFAQ: %v", err)
	}
	if _, err := s.GetFAQ(ctx, "faq-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFAQ after delete = %v, want ErrNotFound", err)
	}
	if err := s.UpdateFAQ(ctx, f); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateFAQ missing = %v, want ErrNotFound", err)
	}
}

func TestListFAQs_PagesAndFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, cat := range []string{"a", "b", "a", "a"} {
		s.CreateFAQ(ctx, FAQ{
			ID: string(rune('w' + i)), Question: "q", Answer: "a", Category: cat,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	page, total, err := s.ListFAQs(ctx, FAQFilter{Category: "a", Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("ListFAQs: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(page) != 1 || page[0].ID != "y" {
		t.Errorf("page = %+v, want [y]", page)
	}

	all, total, _ := s.ListFAQs(ctx, FAQFilter{})
	if total != 4 || len(all) != 4 {
		t.Errorf("unfiltered: %d rows, total %d", len(all), total)
	}
}

func TestListStaleFAQs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.CreateFAQ(ctx, FAQ{ID: "fresh", Question: "q", Answer: "a", QuestionEmbedding: []float32{1}, CombinedEmbedding: []float32{1}, EmbeddingModel: "new"})
	s.CreateFAQ(ctx, FAQ{ID: "old", Question: "q", Answer: "a", QuestionEmbedding: []float32{1}, CombinedEmbedding: []float32{1}, EmbeddingModel: "old"})
	s.CreateFAQ(ctx, FAQ{ID: "bare", Question: "q", Answer: "a", EmbeddingModel: "new"})

	stale, err := s.ListStaleFAQs(ctx, "new", 10)
	if err != nil {
		t.Fatalf("ListStaleFAQs: %v", err)
	}
	ids := map[string]bool{}
	for _, f := range stale {
		ids[f.ID] = true
	}
	if len(stale) != 2 || !ids["old"] || !ids["bare"] {
		t.Errorf("stale = %v, want old and bare", ids)
	}
}

func TestUpdateFAQEmbeddings_SkipsChangedText(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := FAQ{ID: "f", Question: "q", Answer: "a", EmbeddingModel: "old"}
	s.CreateFAQ(ctx, f)

	edited := f
	edited.Answer = "edited"
	s.UpdateFAQ(ctx, edited)

	f.QuestionEmbedding = []float32{1}
	f.CombinedEmbedding = []float32{1}
	f.EmbeddingModel = "new"
	if err := s.UpdateFAQEmbeddings(ctx, f); !errors.Is(err, ErrConflict) {
		t.Errorf("UpdateFAQEmbeddings = %v, want ErrConflict", err)
	}
}
