// Package content fetches account content from the upstream provider and
// caches it in time buckets.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/models"
)

const providerName = "content provider"

// Page is one page of an account's content, newest first
type Page struct {
	Items      []models.ContentItem `json:"items"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

// PageSource fetches a single page of content for an account.
// An empty cursor requests the newest page.
type PageSource interface {
	FetchPage(ctx context.Context, account, cursor string) (*Page, error)
}

// Quota is a request allowance shared with other processes.
// ratelimit.Quota implements it.
type Quota interface {
	Wait(ctx context.Context, units int) error
}

// HTTPSource fetches pages from the content provider's HTTP API
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	quota   Quota
}

// NewHTTPSource creates a client limited to requestsPerSec outbound requests
func NewHTTPSource(baseURL, apiKey string, requestsPerSec float64, timeout time.Duration) *HTTPSource {
	if requestsPerSec <= 0 {
		requestsPerSec = 5
	}
	burst := int(requestsPerSec)
	if burst < 1 {
		burst = 1
	}
	return &HTTPSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), burst),
	}
}

// WithQuota makes every request also draw from a fleet-wide quota
func (s *HTTPSource) WithQuota(q Quota) *HTTPSource {
	s.quota = q
	return s
}

// FetchPage implements PageSource. Rate limits, timeouts and 5xx responses
// are transient; auth and request errors are permanent.
func (s *HTTPSource) FetchPage(ctx context.Context, account, cursor string) (*Page, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if s.quota != nil {
		if err := s.quota.Wait(ctx, 1); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, apperrors.NewUpstreamTransientError(providerName, err)
		}
	}

	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/posts", s.baseURL, url.PathEscape(account))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.NewUpstreamPermanentError(providerName, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperrors.NewUpstreamTransientError(providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperrors.NewUpstreamTransientError(providerName, err)
	}

	if err := classifyStatus(resp, body); err != nil {
		return nil, err
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, apperrors.NewUpstreamTransientError(providerName, fmt.Errorf("decode page: %w", err))
	}
	for i := range page.Items {
		if page.Items[i].Account == "" {
			page.Items[i].Account = account
		}
	}
	return &page, nil
}

func classifyStatus(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return apperrors.NewUpstreamRateLimitError(providerName, retryAfter)
	case status == http.StatusRequestTimeout || status >= 500:
		return apperrors.NewUpstreamTransientError(providerName, fmt.Errorf("status %d: %s", status, truncate(body, 200)))
	default:
		return apperrors.NewUpstreamPermanentError(providerName, status, fmt.Errorf("status %d: %s", status, truncate(body, 200)))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
