package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/deflect/internal/confidence"
	"github.com/kalambet/deflect/internal/faq"
	"github.com/kalambet/deflect/internal/jobs"
	"github.com/kalambet/deflect/internal/search"
	"github.com/kalambet/deflect/internal/storage"
)

const (
	maxImportBodySize  = 20 << 20 // 20MB
	maxAIContextFAQs   = 3
	defaultSearchLimit = 5
)

var validate = faq.NewValidator()

type addFAQRequest struct {
	faq.Input
	ForceAdd bool `json:"force_add"`
}

func (h *handlers) addFAQ(w http.ResponseWriter, r *http.Request) {
	var req addFAQRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.deps.FAQs.Add(r.Context(), req.Input, req.ForceAdd)
	if err != nil {
		serviceError(w, h.log, "faq", err)
		return
	}
	if res.Duplicate {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) getFAQ(w http.ResponseWriter, r *http.Request) {
	f, err := h.deps.FAQs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, h.log, "faq", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *handlers) updateFAQ(w http.ResponseWriter, r *http.Request) {
	var patch faq.Patch
	if !decodeJSON(w, r, &patch) {
		return
	}
	f, err := h.deps.FAQs.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		serviceError(w, h.log, "faq", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *handlers) deleteFAQ(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.FAQs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		serviceError(w, h.log, "faq", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *handlers) listFAQs(w http.ResponseWriter, r *http.Request) {
	page, err := h.deps.FAQs.List(r.Context(),
		parseIntParam(r, "page", 1, 0),
		parseIntParam(r, "per_page", 20, 100),
		r.URL.Query().Get("category"),
	)
	if err != nil {
		serviceError(w, h.log, "faqs", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type searchRequest struct {
	Query          string  `json:"query" validate:"required,max=2000"`
	Threshold      float64 `json:"threshold" validate:"gte=0,lte=1"`
	Limit          int     `json:"limit" validate:"gte=0,lte=50"`
	Category       string  `json:"category"`
	IncludeRelated bool    `json:"include_related"`
}

type searchHit struct {
	FAQ    storage.FAQ     `json:"faq"`
	Score  float64         `json:"score"`
	Tier   confidence.Tier `json:"tier"`
	Source search.Source   `json:"source"`
}

type searchResponse struct {
	BestMatch    *searchHit      `json:"best_match"`
	AllResults   []searchHit     `json:"all_results"`
	UseAI        bool            `json:"use_ai"`
	AIContext    string          `json:"ai_context,omitempty"`
	Tier         confidence.Tier `json:"tier"`
	Strategy     string          `json:"strategy"`
	SearchSource search.Source   `json:"search_source,omitempty"`
}

// searchFAQs runs the same tiered search the chat path uses. Without
// include_related only the best match is listed in all_results.
func (h *handlers) searchFAQs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Search == nil {
		httpError(w, http.StatusServiceUnavailable, "not_ready", "search unavailable: embedding is not configured")
		return
	}
	var req searchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if err := faq.ValidateStruct(validate, req); err != nil {
		serviceError(w, h.log, "search", err)
		return
	}
	if req.Limit == 0 {
		req.Limit = defaultSearchLimit
	}

	res, err := h.deps.Search.Search(r.Context(), req.Query, search.Options{
		Threshold: req.Threshold,
		Limit:     req.Limit,
		Category:  req.Category,
	})
	if err != nil {
		serviceError(w, h.log, "search", err)
		return
	}

	tier := res.Tier()
	strategy := tier.Strategy()
	resp := searchResponse{
		AllResults:   []searchHit{},
		UseAI:        strategy.CallsAI(),
		Tier:         tier,
		Strategy:     strategy.String(),
		SearchSource: res.Source,
	}
	for i, hit := range res.Hits {
		if i > 0 && !req.IncludeRelated {
			break
		}
		resp.AllResults = append(resp.AllResults, searchHit{FAQ: hit.FAQ, Score: hit.Score, Tier: hit.Tier, Source: hit.Source})
	}
	if res.Best != nil {
		resp.BestMatch = &searchHit{FAQ: res.Best.FAQ, Score: res.Best.Score, Tier: res.Best.Tier, Source: res.Best.Source}
	}
	if resp.UseAI && strategy.UsesFAQ() {
		resp.AIContext = aiContext(res.Hits)
	}
	writeJSON(w, http.StatusOK, resp)
}

func aiContext(hits []search.Hit) string {
	var b strings.Builder
	for i, hit := range hits {
		if i == maxAIContextFAQs {
			break
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Q: " + hit.FAQ.Question + "\nA: " + hit.FAQ.Answer)
	}
	return b.String()
}

type similarRequest struct {
	Question  string  `json:"question" validate:"required,max=1000"`
	Threshold float64 `json:"threshold" validate:"gte=0,lte=1"`
	ExcludeID string  `json:"exclude_id"`
}

func (h *handlers) similarFAQs(w http.ResponseWriter, r *http.Request) {
	var req similarRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := faq.ValidateStruct(validate, req); err != nil {
		serviceError(w, h.log, "similar", err)
		return
	}
	candidates, err := h.deps.FAQs.FindSimilar(r.Context(), req.Question, req.Threshold, req.ExcludeID)
	if err != nil {
		serviceError(w, h.log, "similar", err)
		return
	}
	if candidates == nil {
		candidates = []faq.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

// importFAQs takes the raw document as the body: ?format=yaml|pdf,
// optional category (pdf only) and force.
func (h *handlers) importFAQs(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
	defer r.Body.Close()

	q := r.URL.Query()
	force, _ := strconv.ParseBool(q.Get("force"))

	var (
		report faq.ImportReport
		err    error
	)
	switch format := q.Get("format"); format {
	case "", "yaml", "yml":
		report, err = h.deps.FAQs.ImportYAML(r.Context(), r.Body, force)
	case "pdf":
		report, err = h.deps.FAQs.ImportPDF(r.Context(), r.Body, q.Get("category"), force)
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported format %q", format)
		return
	}
	if errors.Is(err, faq.ErrInvalidDocument) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	if err != nil {
		serviceError(w, h.log, "import", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) reindexFAQs(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, jobs.TypeFAQReindex)
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request, jobType string) {
	id, err := h.deps.Jobs.Enqueue(r.Context(), jobType, nil)
	if err != nil {
		serviceError(w, h.log, jobType, err)
		return
	}
	if id == "" {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "already_queued"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job_id": id})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
