// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deflect"

var (
	responsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "responses_total",
		Help:      "Responses by answer source (faq, ai, router, fallback, duplicate, busy)",
	}, []string{"source"})

	tierTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "confidence_tier_total",
		Help:      "Searched questions by confidence tier of the best match",
	}, []string{"tier"})

	searchPassTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "search_pass_total",
		Help:      "Tiered searches by the pass whose results were kept",
	}, []string{"pass"})

	routerTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "router_decisions_total",
		Help:      "Pre-processing router decisions by action",
	}, []string{"action"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "completion_tokens_total",
		Help:      "Completion tokens consumed by kind (prompt, completion)",
	}, []string{"kind"})

	degradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "degraded_total",
		Help:      "Requests that lost a stage by reason (embedding, search, completion)",
	}, []string{"reason"})

	gapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gaps_logged_total",
		Help:      "Gap questions logged",
	})

	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feedback_total",
		Help:      "Feedback submissions by outcome (yes, no, rate_limited)",
	}, []string{"outcome"})

	responseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "response_latency_seconds",
		Help:      "End-to-end latency of chat responses by source",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"source"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Background jobs by type and result",
	}, []string{"type", "result"})
)

// ObserveResponse records one chat response.
func ObserveResponse(source string, elapsed time.Duration) {
	responsesTotal.WithLabelValues(source).Inc()
	responseLatency.WithLabelValues(source).Observe(elapsed.Seconds())
}

func ObserveTier(tier string) {
	tierTotal.WithLabelValues(tier).Inc()
}

func ObserveSearchPass(pass string) {
	searchPassTotal.WithLabelValues(pass).Inc()
}

func ObserveRouter(action string) {
	routerTotal.WithLabelValues(action).Inc()
}

func AddTokens(prompt, completion int) {
	tokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	tokensTotal.WithLabelValues("completion").Add(float64(completion))
}

func ObserveDegraded(reason string) {
	degradedTotal.WithLabelValues(reason).Inc()
}

func ObserveGap() {
	gapsTotal.Inc()
}

func ObserveFeedback(outcome string) {
	feedbackTotal.WithLabelValues(outcome).Inc()
}

func ObserveJob(jobType, result string) {
	jobsTotal.WithLabelValues(jobType, result).Inc()
}
