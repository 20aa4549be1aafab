// Package backend is the client for the Ollama model service that actually
// generates text. Admission control happens before any call into this
// package; a denied request never reaches the backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Provider is the backend label reported in responses and metrics.
const Provider = "ollama"

// ErrUnavailable marks transport-level failures reaching the model service.
// Callers translate it into a 503; anything else from Generate is an
// internal error.
var ErrUnavailable = errors.New("model service unavailable")

type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func NewClient(baseURL, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		http: &http.Client{
			Transport: NewHTTPTransport(),
			Timeout:   timeout,
		},
	}
}

func (c *Client) Model() string { return c.model }

// GenerateRequest carries the already-validated generation parameters.
type GenerateRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

type generatePayload struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Stream      bool    `json:"stream"`
}

type generateResult struct {
	Response    string `json:"response"`
	Completions []struct {
		Text string `json:"text"`
	} `json:"completions"`
}

// Generate calls /api/generate and returns the generated text. Transport
// and HTTP-level failures are wrapped in ErrUnavailable; a reachable
// backend returning an unusable payload is reported as a plain error.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	body, err := json.Marshal(generatePayload{
		Model:       c.model,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      false,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: backend returned status %d", ErrUnavailable, resp.StatusCode)
	}

	text, err := extractText(raw)
	if err != nil {
		return "", err
	}
	return text, nil
}

// extractText decodes the backend payload. Ollama occasionally appends
// trailing log lines after the JSON document, so on a decode failure the
// first line is retried on its own.
func extractText(raw []byte) (string, error) {
	trimmed := strings.TrimSpace(string(raw))

	var result generateResult
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		firstLine, _, _ := strings.Cut(trimmed, "\n")
		if err := json.Unmarshal([]byte(firstLine), &result); err != nil {
			return "", fmt.Errorf("decode backend response: %w", err)
		}
	}

	if text := strings.TrimSpace(result.Response); text != "" {
		return text, nil
	}
	if len(result.Completions) > 0 {
		if text := strings.TrimSpace(result.Completions[0].Text); text != "" {
			return text, nil
		}
	}
	return "", errors.New("no valid response returned from model")
}

// Healthy probes /api/version and reports whether the backend answered.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
