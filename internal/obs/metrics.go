package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the llm_* series scraped by the collector. Several series
// carry a user label; the identity string is free-form, so series
// cardinality grows with the number of distinct users seen. That is a
// capacity concern for deployments with many short-lived identities, not
// something this layer caps.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestLatency    *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	InputTokens       *prometheus.CounterVec
	OutputTokens      *prometheus.CounterVec
	TokensPerSecond   *prometheus.GaugeVec
	ModelInfo         *prometheus.GaugeVec
	RateLimitExceeded *prometheus.CounterVec
	UserRequests      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total LLM requests",
			},
			[]string{"backend", "user", "status", "model"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_latency_seconds",
				Help:    "Request processing time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "model"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "llm_active_requests",
				Help: "Currently processing requests",
			},
		),
		InputTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_input_tokens_total",
				Help: "Total input tokens processed",
			},
			[]string{"backend", "user", "model"},
		),
		OutputTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_output_tokens_total",
				Help: "Total output tokens generated",
			},
			[]string{"backend", "user", "model"},
		),
		TokensPerSecond: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llm_tokens_per_second",
				Help: "Current token generation rate",
			},
			[]string{"backend", "model"},
		),
		ModelInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llm_model_info",
				Help: "Information about the deployed model",
			},
			[]string{"model_name", "backend", "version"},
		),
		RateLimitExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_rate_limit_exceeded_total",
				Help: "Rate limit violations",
			},
			[]string{"user"},
		),
		UserRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_user_requests_total",
				Help: "Requests per user",
			},
			[]string{"user"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestLatency,
		m.ActiveRequests,
		m.InputTokens,
		m.OutputTokens,
		m.TokensPerSecond,
		m.ModelInfo,
		m.RateLimitExceeded,
		m.UserRequests,
	)
	return m
}

// SetModelInfo publishes the deployed model identity as a constant series.
func (m *Metrics) SetModelInfo(model, backend, version string) {
	m.ModelInfo.WithLabelValues(model, backend, version).Set(1)
}

// RecordRequest records the metrics for one completed backend request.
func (m *Metrics) RecordRequest(backend, user, model, status string, latency time.Duration, tokensIn, tokensOut int) {
	m.RequestsTotal.WithLabelValues(backend, user, status, model).Inc()
	m.RequestLatency.WithLabelValues(backend, model).Observe(latency.Seconds())

	if tokensIn > 0 {
		m.InputTokens.WithLabelValues(backend, user, model).Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		m.OutputTokens.WithLabelValues(backend, user, model).Add(float64(tokensOut))
	}

	m.UserRequests.WithLabelValues(user).Inc()

	total := tokensIn + tokensOut
	if latency > 0 && total > 0 {
		m.TokensPerSecond.WithLabelValues(backend, model).Set(float64(total) / latency.Seconds())
	}
}
