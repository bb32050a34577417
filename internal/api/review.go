package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/deflect/internal/jobs"
	"github.com/kalambet/deflect/internal/storage"
)

func (h *handlers) listGaps(w http.ResponseWriter, r *http.Request) {
	out, err := h.deps.Gaps.ListUnresolved(r.Context(), parseIntParam(r, "limit", 100, 500))
	if err != nil {
		serviceError(w, h.log, "gaps", err)
		return
	}
	if out == nil {
		out = []storage.GapQuestion{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) listClusters(w http.ResponseWriter, r *http.Request) {
	out, err := h.deps.Clusters.List(r.Context(), r.URL.Query().Get("status"), parseIntParam(r, "limit", 50, 200))
	if err != nil {
		serviceError(w, h.log, "clusters", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getCluster(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Clusters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, h.log, "cluster", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handlers) runClustering(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, jobs.TypeGapCluster)
}

type applyRequest struct {
	EditedAnswer string `json:"edited_answer"`
}

func (h *handlers) applyCluster(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.deps.Clusters.Apply(r.Context(), chi.URLParam(r, "id"), req.EditedAnswer)
	if err != nil {
		serviceError(w, h.log, "cluster", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) dismissCluster(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Clusters.Dismiss(r.Context(), chi.URLParam(r, "id")); err != nil {
		serviceError(w, h.log, "cluster", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (h *handlers) resolveCluster(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Clusters.Resolve(r.Context(), chi.URLParam(r, "id")); err != nil {
		serviceError(w, h.log, "cluster", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *handlers) listReviews(w http.ResponseWriter, r *http.Request) {
	out, err := h.deps.Learning.List(r.Context(), r.URL.Query().Get("status"), parseIntParam(r, "limit", 50, 200))
	if err != nil {
		serviceError(w, h.log, "reviews", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type decisionRequest struct {
	NewAnswer string `json:"new_answer"`
	Note      string `json:"note"`
}

func (h *handlers) approveReview(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.deps.Learning.Approve(r.Context(), chi.URLParam(r, "id"), req.NewAnswer)
	if err != nil {
		serviceError(w, h.log, "review", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) rejectReview(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.deps.Learning.Reject(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		serviceError(w, h.log, "review", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) listHistory(w http.ResponseWriter, r *http.Request) {
	out, err := h.deps.Learning.History(r.Context(), parseIntParam(r, "limit", 50, 500))
	if err != nil {
		serviceError(w, h.log, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) rollback(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Learning.Rollback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, h.log, "history entry", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resetRequest struct {
	Confirm   bool `json:"confirm"`
	YesReally bool `json:"yes_really"`
}

// resetReviews wipes the learning queue and history. Both confirmations
// must be set.
func (h *handlers) resetReviews(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Confirm || !req.YesReally {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reset requires confirm and yes_really")
		return
	}
	n, err := h.deps.Learning.ResetAll(r.Context())
	if err != nil {
		serviceError(w, h.log, "reset", err)
		return
	}
	h.log.Warn("learning data reset", "rows", n)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "removed": n})
}
