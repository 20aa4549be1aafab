package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/llmgate/llmgate/internal/backend"
)

const (
	defaultMaxTokens = 50
	maxMaxTokens     = 200
	defaultTemp      = 0.7
)

type generateRequest struct {
	User        string   `json:"user"`
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
}

type generateMetrics struct {
	LatencySeconds     float64 `json:"latency_seconds"`
	InputTokens        int     `json:"input_tokens"`
	OutputTokens       int     `json:"output_tokens"`
	TotalTokens        int     `json:"total_tokens"`
	TokensPerSecond    float64 `json:"tokens_per_second"`
	Temperature        float64 `json:"temperature"`
	MaxTokensRequested int     `json:"max_tokens_requested"`
}

type generateResponse struct {
	Backend       string          `json:"backend"`
	Model         string          `json:"model"`
	User          string          `json:"user"`
	GeneratedText string          `json:"generated_text"`
	Metrics       generateMetrics `json:"metrics"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be a JSON object")
		return
	}

	user := req.User
	if user == "" {
		user = "anonymous"
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "empty_prompt", "Prompt cannot be empty")
		return
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = min(*req.MaxTokens, maxMaxTokens)
	}
	temperature := defaultTemp
	if req.Temperature != nil {
		temperature = math.Max(0.0, math.Min(2.0, *req.Temperature))
	}

	// Admission control: denied requests never reach the backend and
	// consume no token accounting.
	dec := s.limiter.TryAdmit(user)
	if !dec.Allowed {
		writeError(w, http.StatusTooManyRequests, "rate_limited",
			fmt.Sprintf("Rate limit exceeded: %d/%d requests per minute", dec.Current, dec.Limit))
		return
	}

	s.metrics.ActiveRequests.Inc()
	s.inflight.Add(1)
	defer func() {
		s.metrics.ActiveRequests.Dec()
		s.inflight.Add(-1)
	}()

	logger := hlog.FromRequest(r)
	logger.Info().Str("user", user).Msg("forwarding request to backend")

	start := time.Now()
	text, err := s.backend.Generate(r.Context(), backend.GenerateRequest{
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	latency := time.Since(start)

	if err != nil {
		if errors.Is(err, backend.ErrUnavailable) {
			logger.Error().Err(err).Str("user", user).Msg("backend request failed")
			s.metrics.RecordRequest(backend.Provider, user, s.backend.Model(), "503", latency, 0, 0)
			writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "Model service unavailable: "+err.Error())
			return
		}
		logger.Error().Err(err).Str("user", user).Msg("backend returned unusable response")
		s.metrics.RecordRequest(backend.Provider, user, s.backend.Model(), "500", latency, 0, 0)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error: "+err.Error())
		return
	}

	inputTokens := s.tokens.Count(prompt)
	outputTokens := s.tokens.Count(text)
	totalTokens := inputTokens + outputTokens

	s.metrics.RecordRequest(backend.Provider, user, s.backend.Model(), "200", latency, inputTokens, outputTokens)

	logger.Info().
		Str("user", user).
		Dur("latency", latency).
		Int("tokens", totalTokens).
		Msg("request completed")

	tps := 0.0
	if latency > 0 {
		tps = float64(totalTokens) / latency.Seconds()
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Backend:       backend.Provider,
		Model:         s.backend.Model(),
		User:          user,
		GeneratedText: text,
		Metrics: generateMetrics{
			LatencySeconds:     round(latency.Seconds(), 3),
			InputTokens:        inputTokens,
			OutputTokens:       outputTokens,
			TotalTokens:        totalTokens,
			TokensPerSecond:    round(tps, 2),
			Temperature:        temperature,
			MaxTokensRequested: maxTokens,
		},
	})
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	writeJSON(w, http.StatusOK, s.limiter.Snapshot(user))
}

type healthResponse struct {
	Status         string  `json:"status"`
	OllamaBackend  bool    `json:"ollama_backend"`
	Model          string  `json:"model"`
	ActiveRequests int64   `json:"active_requests"`
	Timestamp      float64 `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy := s.backend.Healthy(ctx)
	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:         status,
		OllamaBackend:  healthy,
		Model:          s.backend.Model(),
		ActiveRequests: s.inflight.Load(),
		Timestamp:      float64(time.Now().UnixMilli()) / 1000,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "llmgate",
		"version": Version,
		"backend": backend.Provider,
		"model":   s.backend.Model(),
		"endpoints": map[string]string{
			"generate":   "/generate",
			"health":     "/health",
			"metrics":    "/metrics",
			"user_stats": "/users/{user}/stats",
		},
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte(Version))
}

func round(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
