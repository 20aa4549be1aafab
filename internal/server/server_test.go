package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgate/llmgate/internal/backend"
	"github.com/llmgate/llmgate/internal/governance"
	"github.com/llmgate/llmgate/internal/obs"
	"github.com/llmgate/llmgate/internal/tokenizer"
)

type testEnv struct {
	handler      http.Handler
	metrics      *obs.Metrics
	backendCalls atomic.Int64
	lastPayload  atomic.Pointer[map[string]any]
}

// newTestEnv wires a Server against a stubbed Ollama backend. backendFn may
// be nil for a backend that always answers {"response":"generated text"}.
func newTestEnv(t *testing.T, users map[string]int, backendFn http.HandlerFunc) *testEnv {
	t.Helper()

	env := &testEnv{}

	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/generate" {
			env.backendCalls.Add(1)
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			env.lastPayload.Store(&payload)
		}
		if backendFn != nil {
			backendFn(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"response":"generated text"}`))
	}))
	t.Cleanup(stub.Close)

	reg := prometheus.NewRegistry()
	env.metrics = obs.NewMetrics(reg)

	limits, err := governance.NewLimits(users, 10)
	require.NoError(t, err)
	limiter := governance.NewLimiter(limits, governance.NewLedger(governance.Window), func(user string) {
		env.metrics.RateLimitExceeded.WithLabelValues(user).Inc()
	})

	srv := New(
		zerolog.Nop(),
		limiter,
		env.metrics,
		new(tokenizer.Counter),
		backend.NewClient(stub.URL, "tinyllama", 5*time.Second),
	)
	env.handler = srv.Router(reg, 1<<20)
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestGenerate_Success(t *testing.T) {
	env := newTestEnv(t, map[string]int{"alice": 30}, nil)

	rec := env.do(http.MethodPost, "/generate", `{"user":"alice","prompt":"tell me a story"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ollama", resp.Backend)
	assert.Equal(t, "tinyllama", resp.Model)
	assert.Equal(t, "alice", resp.User)
	assert.Equal(t, "generated text", resp.GeneratedText)
	assert.Equal(t, 4, resp.Metrics.InputTokens)
	assert.Equal(t, 2, resp.Metrics.OutputTokens)
	assert.Equal(t, 6, resp.Metrics.TotalTokens)
	assert.Equal(t, defaultMaxTokens, resp.Metrics.MaxTokensRequested)
	assert.InDelta(t, defaultTemp, resp.Metrics.Temperature, 1e-9)

	assert.Equal(t, int64(1), env.backendCalls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RequestsTotal.WithLabelValues("ollama", "alice", "200", "tinyllama")))
	assert.Equal(t, 4.0, testutil.ToFloat64(env.metrics.InputTokens.WithLabelValues("ollama", "alice", "tinyllama")))
}

func TestGenerate_DefaultsAnonymousUser(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(http.MethodPost, "/generate", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "anonymous", resp.User)
}

func TestGenerate_EmptyPrompt(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	for _, body := range []string{`{"user":"alice"}`, `{"user":"alice","prompt":"   "}`} {
		rec := env.do(http.MethodPost, "/generate", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	assert.Equal(t, int64(0), env.backendCalls.Load())
}

func TestGenerate_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(http.MethodPost, "/generate", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerate_ClampsParameters(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(http.MethodPost, "/generate", `{"prompt":"hi","max_tokens":500,"temperature":9.5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	payload := *env.lastPayload.Load()
	assert.Equal(t, float64(maxMaxTokens), payload["max_tokens"])
	assert.Equal(t, 2.0, payload["temperature"])
}

func TestGenerate_RateLimited(t *testing.T) {
	env := newTestEnv(t, map[string]int{"bob": 1}, nil)

	rec := env.do(http.MethodPost, "/generate", `{"user":"bob","prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/generate", `{"user":"bob","prompt":"hi again"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "rate_limited", envelope.Error.Code)
	assert.Equal(t, "Rate limit exceeded: 1/1 requests per minute", envelope.Error.Message)

	// The denied request must not reach the backend.
	assert.Equal(t, int64(1), env.backendCalls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RateLimitExceeded.WithLabelValues("bob")))
}

func TestGenerate_BackendUnavailable(t *testing.T) {
	env := newTestEnv(t, nil, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	rec := env.do(http.MethodPost, "/generate", `{"user":"alice","prompt":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RequestsTotal.WithLabelValues("ollama", "alice", "503", "tinyllama")))
}

func TestGenerate_BackendGarbage(t *testing.T) {
	env := newTestEnv(t, nil, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"response":""}`))
	})

	rec := env.do(http.MethodPost, "/generate", `{"user":"alice","prompt":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RequestsTotal.WithLabelValues("ollama", "alice", "500", "tinyllama")))
}

func TestUserStats(t *testing.T) {
	env := newTestEnv(t, map[string]int{"alice": 30}, nil)

	rec := env.do(http.MethodGet, "/users/ghost/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap governance.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, governance.Snapshot{User: "ghost", RequestsLastMinute: 0, RateLimit: 10, Remaining: 10}, snap)

	env.do(http.MethodPost, "/generate", `{"user":"alice","prompt":"hi"}`)
	rec = env.do(http.MethodGet, "/users/alice/stats", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.RequestsLastMinute)
	assert.Equal(t, 30, snap.RateLimit)
	assert.Equal(t, 29, snap.Remaining)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.OllamaBackend)
	assert.Equal(t, "tinyllama", health.Model)

	down := newTestEnv(t, nil, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	rec = down.do(http.MethodGet, "/health", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.False(t, health.OllamaBackend)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, map[string]int{"bob": 1}, nil)

	env.do(http.MethodPost, "/generate", `{"user":"bob","prompt":"hi"}`)
	env.do(http.MethodPost, "/generate", `{"user":"bob","prompt":"hi"}`)

	rec := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `llm_rate_limit_exceeded_total{user="bob"} 1`)
	assert.Contains(t, body, `llm_requests_total{backend="ollama",model="tinyllama",status="200",user="bob"} 1`)
}

func TestRootAndVersion(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "llmgate", info["service"])

	rec = env.do(http.MethodGet, "/version", "")
	assert.Equal(t, Version, rec.Body.String())
}
