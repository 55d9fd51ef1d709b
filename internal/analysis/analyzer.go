package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scan-engine/internal/circuitbreaker"
	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/types"
)

const providerName = "analysis provider"

// Request is one batch sent to the analysis provider
type Request struct {
	Model       string
	Selectivity types.Selectivity
	Prompt      string
	Items       []models.ContentItem
}

// Analyzer returns the provider's raw text output for a batch
type Analyzer interface {
	Analyze(ctx context.Context, req *Request) (string, error)
}

// FormatBatch renders a batch as the provider's input text
func FormatBatch(items []models.ContentItem) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "[%s] %s\n", it.Account, it.URL)
		if it.Title != "" {
			b.WriteString(it.Title)
			b.WriteByte('\n')
		}
		if !it.PublishedAt.IsZero() {
			b.WriteString(it.PublishedAt.UTC().Format(time.RFC3339))
			b.WriteByte('\n')
		}
		b.WriteString(it.Text)
	}
	return b.String()
}

// HTTPAnalyzer calls the analysis provider's HTTP API through a circuit
// breaker. Only transient failures count against the breaker.
type HTTPAnalyzer struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewHTTPAnalyzer creates an analyzer. A nil breaker gets a default one.
func NewHTTPAnalyzer(baseURL, apiKey string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker) *HTTPAnalyzer {
	if breaker == nil {
		cfg := circuitbreaker.DefaultConfig("analysis")
		cfg.IsFailure = apperrors.IsRetryable
		breaker = circuitbreaker.New(cfg)
	}
	return &HTTPAnalyzer{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

type analyzeRequest struct {
	Model        string `json:"model"`
	Selectivity  string `json:"selectivity,omitempty"`
	Instructions string `json:"instructions"`
	Input        string `json:"input"`
}

type analyzeResponse struct {
	Output string `json:"output"`
}

// Analyze implements Analyzer
func (a *HTTPAnalyzer) Analyze(ctx context.Context, req *Request) (string, error) {
	var output string
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		out, err := a.call(ctx, req)
		output = out
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return "", apperrors.NewUpstreamTransientError(providerName, err)
	}
	return output, err
}

func (a *HTTPAnalyzer) call(ctx context.Context, req *Request) (string, error) {
	body, err := json.Marshal(analyzeRequest{
		Model:        req.Model,
		Selectivity:  string(req.Selectivity),
		Instructions: req.Prompt,
		Input:        FormatBatch(req.Items),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.NewUpstreamPermanentError(providerName, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", apperrors.NewUpstreamTransientError(providerName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", apperrors.NewUpstreamTransientError(providerName, err)
	}

	switch status := resp.StatusCode; {
	case status >= 200 && status < 300:
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return "", apperrors.NewUpstreamTransientError(providerName, fmt.Errorf("status %d", status))
	default:
		return "", apperrors.NewUpstreamPermanentError(providerName, status, fmt.Errorf("status %d: %s", status, data))
	}

	var parsed analyzeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", apperrors.NewUpstreamTransientError(providerName, fmt.Errorf("decode response: %w", err))
	}
	return parsed.Output, nil
}
