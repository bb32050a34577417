package api

import (
	"net/http"
	"time"

	"github.com/kalambet/deflect/internal/storage"
)

func (h *handlers) feedbackStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Feedback.Stats(r.Context(), parseIntParam(r, "days", 30, 3650))
	if err != nil {
		serviceError(w, h.log, "feedback stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) listInteractions(w http.ResponseWriter, r *http.Request) {
	out, err := h.deps.Stats.RecentInteractions(r.Context(), parseIntParam(r, "limit", 20, 100))
	if err != nil {
		serviceError(w, h.log, "interactions", err)
		return
	}
	if out == nil {
		out = []storage.Interaction{}
	}
	writeJSON(w, http.StatusOK, out)
}

type statsResponse struct {
	Days           int                      `json:"days"`
	Interactions   storage.InteractionStats `json:"interactions"`
	DeflectionRate float64                  `json:"deflection_rate"`
	OpenGaps       int                      `json:"open_gaps"`
}

// stats reports answers served without an AI call as a share of all
// answered messages.
func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	days := parseIntParam(r, "days", 30, 3650)
	if days == 0 {
		days = 30
	}
	ctx := r.Context()
	is, err := h.deps.Stats.InteractionStatsSince(ctx, time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		serviceError(w, h.log, "stats", err)
		return
	}
	open, err := h.deps.Stats.CountOpenGaps(ctx)
	if err != nil {
		serviceError(w, h.log, "stats", err)
		return
	}

	resp := statsResponse{Days: days, Interactions: is, OpenGaps: open}
	if answered := is.FromFAQ + is.FromAI + is.FromRouter + is.Fallbacks; answered > 0 {
		resp.DeflectionRate = float64(is.FromFAQ+is.FromRouter) / float64(answered)
	}
	writeJSON(w, http.StatusOK, resp)
}
