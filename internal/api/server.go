// Package api is the HTTP surface: the public chat and feedback endpoints
// used by the widget, and the bearer-authenticated admin API used by the
// CLI and MCP clients.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/kalambet/deflect/internal/config"
	"github.com/kalambet/deflect/internal/faq"
	"github.com/kalambet/deflect/internal/feedback"
	"github.com/kalambet/deflect/internal/gaps"
	"github.com/kalambet/deflect/internal/learning"
	"github.com/kalambet/deflect/internal/orchestrator"
	"github.com/kalambet/deflect/internal/search"
	"github.com/kalambet/deflect/internal/storage"
)

type Responder interface {
	Respond(ctx context.Context, req orchestrator.Request) (orchestrator.Response, error)
}

type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) (search.Result, error)
}

// JobQueue enqueues background work; "" means an equivalent job is already queued.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
}

type StatsStore interface {
	RecentInteractions(ctx context.Context, limit int) ([]storage.Interaction, error)
	InteractionStatsSince(ctx context.Context, since time.Time) (storage.InteractionStats, error)
	CountOpenGaps(ctx context.Context) (int, error)
}

type Deps struct {
	Chat     Responder
	Search   Searcher // nil when embedding is not configured
	FAQs     *faq.Service
	Gaps     *gaps.Tracker
	Clusters *gaps.Reviewer
	Learning *learning.Service
	Feedback *feedback.Monitor
	Stats    StatsStore
	Jobs     JobQueue

	// Problems are the configuration errors found at startup.
	Problems       []*config.ConfigurationError
	Token          string
	AllowedOrigins []string
	Version        string
	Logger         *slog.Logger
}

// NewHandler builds the full HTTP handler. mcpSrv may be nil.
func NewHandler(deps Deps, mcpSrv *server.MCPServer) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{deps: deps, log: deps.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	widget := cors.New(cors.Options{
		AllowedOrigins: deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	r.Group(func(r chi.Router) {
		r.Use(widget.Handler)
		r.Post("/chat", h.chat)
		r.Post("/feedback", h.submitFeedback)
		// Preflight requests are answered by the CORS handler.
		r.Options("/chat", noContent)
		r.Options("/feedback", noContent)
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/faqs", func(r chi.Router) {
			r.Get("/", h.listFAQs)
			r.Post("/", h.addFAQ)
			r.Post("/search", h.searchFAQs)
			r.Post("/similar", h.similarFAQs)
			r.Post("/import", h.importFAQs)
			r.Post("/reindex", h.reindexFAQs)
			r.Get("/{id}", h.getFAQ)
			r.Patch("/{id}", h.updateFAQ)
			r.Delete("/{id}", h.deleteFAQ)
		})

		r.Get("/gaps", h.listGaps)
		r.Route("/clusters", func(r chi.Router) {
			r.Get("/", h.listClusters)
			r.Post("/run", h.runClustering)
			r.Get("/{id}", h.getCluster)
			r.Post("/{id}/apply", h.applyCluster)
			r.Post("/{id}/dismiss", h.dismissCluster)
			r.Post("/{id}/resolve", h.resolveCluster)
		})

		r.Route("/reviews", func(r chi.Router) {
			r.Get("/", h.listReviews)
			r.Post("/reset", h.resetReviews)
			r.Post("/{id}/approve", h.approveReview)
			r.Post("/{id}/reject", h.rejectReview)
		})
		r.Get("/history", h.listHistory)
		r.Post("/history/{id}/rollback", h.rollback)

		r.Get("/feedback/stats", h.feedbackStats)
		r.Get("/interactions", h.listInteractions)
		r.Get("/stats", h.stats)

		if mcpSrv != nil {
			r.Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))
		}
	})

	return r
}

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

type handlers struct {
	deps Deps
	log  *slog.Logger
}

type healthResponse struct {
	Status   string   `json:"status"`
	Version  string   `json:"version,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

// health answers 200 even when not ready; the body says which stages are off.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ready", Version: h.deps.Version}
	for _, p := range h.deps.Problems {
		resp.Problems = append(resp.Problems, p.Error())
	}
	if len(resp.Problems) > 0 {
		resp.Status = "not_ready"
	}
	writeJSON(w, http.StatusOK, resp)
}
