package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/deflect/internal/embedding"
	"github.com/kalambet/deflect/internal/faq"
	"github.com/kalambet/deflect/internal/feedback"
	"github.com/kalambet/deflect/internal/gaps"
	"github.com/kalambet/deflect/internal/learning"
	"github.com/kalambet/deflect/internal/orchestrator"
	"github.com/kalambet/deflect/internal/retrieval"
	"github.com/kalambet/deflect/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a size-limited JSON body into v and answers 400 itself
// when that fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// serviceError maps a domain error onto the error envelope. Unknown errors
// are logged and reported as 500.
func serviceError(w http.ResponseWriter, logger *slog.Logger, what string, err error) {
	var validation *faq.ValidationError
	var embErr *embedding.Error
	var searchErr *retrieval.SearchError

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{
				"message": validation.Error(),
				"type":    "invalid_request_error",
				"fields":  validation.Fields,
			},
		})
	case errors.Is(err, orchestrator.ErrEmptyMessage), errors.Is(err, gaps.ErrNoAnswer):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, storage.ErrConflict), errors.Is(err, learning.ErrNotRollbackable):
		httpError(w, http.StatusConflict, "conflict", "%s: %v", what, err)
	case errors.Is(err, feedback.ErrRateLimited):
		httpError(w, http.StatusTooManyRequests, "rate_limit_error", "%v", err)
	case errors.As(err, &embErr), errors.As(err, &searchErr):
		logger.Warn("dependency unavailable", "op", what, "error", err)
		httpError(w, http.StatusServiceUnavailable, "not_ready", "%s unavailable: %v", what, err)
	default:
		logger.Error("request failed", "op", what, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s failed", what)
	}
}
