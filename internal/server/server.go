// Package server is the HTTP boundary: it parses generation requests,
// runs them through admission control, forwards admitted work to the
// model backend and exposes stats, health and metrics endpoints.
package server

import (
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/llmgate/llmgate/internal/backend"
	"github.com/llmgate/llmgate/internal/governance"
	"github.com/llmgate/llmgate/internal/obs"
	"github.com/llmgate/llmgate/internal/tokenizer"
)

const Version = "2.0.0"

type Server struct {
	logger  zerolog.Logger
	limiter *governance.Limiter
	metrics *obs.Metrics
	tokens  *tokenizer.Counter
	backend *backend.Client

	// inflight mirrors the llm_active_requests gauge so /health can
	// report a readable count.
	inflight atomic.Int64
}

func New(logger zerolog.Logger, limiter *governance.Limiter, metrics *obs.Metrics, tokens *tokenizer.Counter, client *backend.Client) *Server {
	return &Server{
		logger:  logger,
		limiter: limiter,
		metrics: metrics,
		tokens:  tokens,
		backend: client,
	}
}

// Router builds the full handler chain. gatherer feeds /metrics; maxBody
// caps request bodies before JSON decoding.
func (s *Server) Router(gatherer prometheus.Gatherer, maxBody int64) http.Handler {
	r := chi.NewRouter()

	r.Use(obs.Logger(s.logger))
	r.Use(bodyLimit(maxBody))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Get("/users/{user}/stats", s.handleUserStats)
	r.Post("/generate", s.handleGenerate)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func bodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
