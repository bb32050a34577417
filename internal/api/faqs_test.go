package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/deflect/internal/confidence"
	"github.com/kalambet/deflect/internal/faq"
	"github.com/kalambet/deflect/internal/storage"
)

func TestAddFAQ_DuplicateAndForce(t *testing.T) {
	env := setup(t)

	rr := env.do(t, http.MethodPost, "/faqs", `{"question":"What are your opening hours?","answer":"9 to 5"}`, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	first := decode[faq.AddResult](t, rr)

	rr = env.do(t, http.MethodPost, "/faqs", `{"question":"When are your hours?","answer":"Nine to five"}`, true)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	dup := decode[faq.AddResult](t, rr)
	if !dup.Duplicate || len(dup.Candidates) != 1 || dup.Candidates[0].FAQ.ID != first.FAQ.ID {
		t.Errorf("duplicate result = %+v", dup)
	}

	rr = env.do(t, http.MethodPost, "/faqs", `{"question":"When are your hours?","answer":"Nine to five","force_add":true}`, true)
	if rr.Code != http.StatusCreated {
		t.Errorf("forced add status = %d", rr.Code)
	}
}

func TestAddFAQ_ValidationFields(t *testing.T) {
	env := setup(t)
	rr := env.do(t, http.MethodPost, "/faqs", `{"question":"","answer":"x"}`, true)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if got := decode[errorBody](t, rr); got.Error.Fields["question"] == "" {
		t.Errorf("fields = %v", got.Error.Fields)
	}
}

func TestFAQ_GetUpdateDelete(t *testing.T) {
	env := setup(t)
	id := env.addFAQ(t, "Refund policy?", "30 days")

	rr := env.do(t, http.MethodGet, "/faqs/"+id, "", true)
	if rr.Code != http.StatusOK || decode[storage.FAQ](t, rr).Answer != "30 days" {
		t.Fatalf("get: status = %d body = %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPatch, "/faqs/"+id, `{"answer":"60 days"}`, true)
	if rr.Code != http.StatusOK || decode[storage.FAQ](t, rr).Answer != "60 days" {
		t.Fatalf("patch: status = %d body = %s", rr.Code, rr.Body.String())
	}

	if rr = env.do(t, http.MethodDelete, "/faqs/"+id, "", true); rr.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/faqs/"+id, "", true)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rr.Code)
	}
	if got := decode[errorBody](t, rr); got.Error.Type != "not_found" {
		t.Errorf("type = %q", got.Error.Type)
	}
}

func TestListFAQs_Pagination(t *testing.T) {
	env := setup(t)
	env.addFAQ(t, "Opening hours?", "9 to 5")
	env.addFAQ(t, "Refunds?", "30 days")
	env.addFAQ(t, "Shipping time?", "3 days")

	rr := env.do(t, http.MethodGet, "/faqs?page=2&per_page=2", "", true)
	page := decode[faq.Page](t, rr)
	if page.Total != 3 || len(page.Items) != 1 || page.Page != 2 {
		t.Errorf("page = %+v", page)
	}
}

func TestSearchFAQs(t *testing.T) {
	env := setup(t)
	env.addFAQ(t, "What are your opening hours?", "9 to 5")
	env.addFAQ(t, "Are your weekend hours different?", "Closed on Sunday")

	rr := env.do(t, http.MethodPost, "/faqs/search", `{"query":"hours please"}`, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decode[searchResponse](t, rr)
	if got.BestMatch == nil || got.Tier != confidence.VeryHigh || got.UseAI {
		t.Fatalf("response = %+v", got)
	}
	if len(got.AllResults) != 1 {
		t.Fatalf("all_results = %d, want best only", len(got.AllResults))
	}
	if got.AllResults[0].FAQ.ID != got.BestMatch.FAQ.ID {
		t.Errorf("all_results[0] = %s, want best match %s", got.AllResults[0].FAQ.ID, got.BestMatch.FAQ.ID)
	}

	rr = env.do(t, http.MethodPost, "/faqs/search", `{"query":"hours please","include_related":true}`, true)
	if got := decode[searchResponse](t, rr); len(got.AllResults) != 2 {
		t.Errorf("include_related: all_results = %d, want 2", len(got.AllResults))
	}
}

func TestSearchFAQs_NoMatchUsesAI(t *testing.T) {
	env := setup(t)
	env.addFAQ(t, "What are your opening hours?", "9 to 5")

	rr := env.do(t, http.MethodPost, "/faqs/search", `{"query":"tell me a joke"}`, true)
	got := decode[searchResponse](t, rr)
	if got.BestMatch != nil || !got.UseAI || got.AIContext != "" || got.Strategy != "pure_ai" {
		t.Errorf("response = %+v", got)
	}
}

func TestSearchFAQs_Unconfigured(t *testing.T) {
	env := &testEnv{handler: NewHandler(Deps{Token: testToken}, nil)}
	rr := env.do(t, http.MethodPost, "/faqs/search", `{"query":"hours"}`, true)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestSimilarFAQs(t *testing.T) {
	env := setup(t)
	id := env.addFAQ(t, "Shipping cost?", "Free over $50")

	rr := env.do(t, http.MethodPost, "/faqs/similar", `{"question":"how much is shipping"}`, true)
	got := decode[struct {
		Candidates []faq.Candidate `json:"candidates"`
	}](t, rr)
	if len(got.Candidates) != 1 || got.Candidates[0].FAQ.ID != id {
		t.Errorf("candidates = %+v", got.Candidates)
	}

	rr = env.do(t, http.MethodPost, "/faqs/similar", `{"question":"how much is shipping","exclude_id":"`+id+`"}`, true)
	got = decode[struct {
		Candidates []faq.Candidate `json:"candidates"`
	}](t, rr)
	if len(got.Candidates) != 0 {
		t.Errorf("excluded candidate returned: %+v", got.Candidates)
	}
}

func TestImportFAQs_YAML(t *testing.T) {
	env := setup(t)
	env.addFAQ(t, "Refund window?", "30 days")

	body := `
- question: What are your hours?
  answer: 9 to 5
- question: Can I get a refund?
  answer: Within 30 days
`
	req := httptest.NewRequest(http.MethodPost, "/faqs/import?format=yaml", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	report := decode[faq.ImportReport](t, rr)
	if report.Added != 1 || len(report.Skipped) != 1 || report.Skipped[0].Reason != "duplicate" {
		t.Errorf("report = %+v", report)
	}
}

func TestImportFAQs_BadDocument(t *testing.T) {
	env := setup(t)
	rr := env.do(t, http.MethodPost, "/faqs/import?format=pdf", "not a pdf", true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/faqs/import?format=docx", "x", true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown format status = %d, want 400", rr.Code)
	}
}

func TestReindexFAQs_Queues(t *testing.T) {
	env := setup(t)
	rr := env.do(t, http.MethodPost, "/faqs/reindex", "", true)
	if rr.Code != http.StatusAccepted || decode[map[string]string](t, rr)["status"] != "queued" {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPost, "/faqs/reindex", "", true)
	if decode[map[string]string](t, rr)["status"] != "already_queued" {
		t.Errorf("second reindex body = %s", rr.Body.String())
	}
}
