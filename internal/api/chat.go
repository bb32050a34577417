package api

import (
	"net/http"

	"github.com/kalambet/deflect/internal/feedback"
	"github.com/kalambet/deflect/internal/orchestrator"
)

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Locale == "" {
		req.Locale = r.Header.Get("Accept-Language")
	}
	resp, err := h.deps.Chat.Respond(r.Context(), req)
	if err != nil {
		serviceError(w, h.log, "chat", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var sub feedback.Submission
	if !decodeJSON(w, r, &sub) {
		return
	}
	summary, err := h.deps.Feedback.Submit(r.Context(), sub)
	if err != nil {
		serviceError(w, h.log, "feedback", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
