// Package cloudflare implements the remote storage backend over Cloudflare
// REST APIs: D1 for the memory rows, Vectorize for the vector index, and
// optionally R2 for blob storage (database snapshots). It enforces the
// remote platform's hard limits locally — metadata size, index capacity,
// content length — failing fast before any network call would.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/scrypster/keepsake/internal/storage"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Config collects everything the adapter needs to reach the account.
type Config struct {
	AccountID      string
	APIToken       string
	D1DatabaseID   string
	VectorizeIndex string
	R2Bucket       string // optional; enables snapshot storage

	BaseURL           string        // override for tests
	Timeout           time.Duration // per-request, default 30s
	MaxRetryElapsed   time.Duration // total retry budget, default 60s
	RequestsPerSecond float64       // client-side pacing, default 20
	MaxContentLength  int           // advertised content cap, default 800
	MaxMetadataBytes  int           // vector metadata cap, default 10KB
	MaxVectors        int64         // index capacity, default 5M
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseURL == "" {
		out.BaseURL = defaultBaseURL
	}
	if out.Timeout == 0 {
		out.Timeout = 30 * time.Second
	}
	if out.MaxRetryElapsed == 0 {
		out.MaxRetryElapsed = 60 * time.Second
	}
	if out.RequestsPerSecond == 0 {
		out.RequestsPerSecond = 20
	}
	if out.MaxContentLength == 0 {
		out.MaxContentLength = 800
	}
	if out.MaxMetadataBytes == 0 {
		out.MaxMetadataBytes = 10 * 1024
	}
	if out.MaxVectors == 0 {
		out.MaxVectors = 5_000_000
	}
	return out
}

func (c *Config) validate() error {
	if c.AccountID == "" || c.APIToken == "" {
		return fmt.Errorf("%w: cloudflare account ID and API token are required", storage.ErrInvalidInput)
	}
	if c.D1DatabaseID == "" {
		return fmt.Errorf("%w: cloudflare D1 database ID is required", storage.ErrInvalidInput)
	}
	if c.VectorizeIndex == "" {
		return fmt.Errorf("%w: cloudflare Vectorize index name is required", storage.ErrInvalidInput)
	}
	return nil
}

// apiClient is the shared transport: auth, pacing, circuit breaking, and
// retry with transient/permanent classification.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxElapsed time.Duration
}

func newAPIClient(cfg Config) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.APIToken,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "cloudflare",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("WARNING: %s circuit breaker %s -> %s", name, from, to)
			},
		}),
		maxElapsed: cfg.MaxRetryElapsed,
	}
}

// apiEnvelope is the Cloudflare v4 response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// httpStatusError carries the status code through the retry classifier.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("cloudflare API status %d: %s", e.status, e.body)
}

// isPermanentStatus reports statuses that retrying can never fix: payload
// or storage limits, quota exhaustion, and client-side mistakes other than
// rate limiting.
func isPermanentStatus(status int) bool {
	switch status {
	case http.StatusRequestEntityTooLarge, http.StatusInsufficientStorage,
		http.StatusPaymentRequired, http.StatusForbidden,
		http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound:
		return true
	}
	return false
}

// isLimitStatus maps the statuses that should surface as ErrLimitExceeded
// so the hybrid engine stops enqueueing.
func isLimitStatus(status int) bool {
	return status == http.StatusRequestEntityTooLarge ||
		status == http.StatusInsufficientStorage ||
		status == http.StatusPaymentRequired
}

// doJSON performs a JSON request with pacing, circuit breaking and retry,
// decoding the v4 envelope's result into out (which may be nil).
func (c *apiClient) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	return c.do(ctx, method, path, body, "application/json", out)
}

// doNDJSON sends newline-delimited JSON, one line per record, as the
// Vectorize bulk endpoints require.
func (c *apiClient) doNDJSON(ctx context.Context, method, path string, lines []interface{}, out interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encode ndjson line: %w", err)
		}
	}
	return c.do(ctx, method, path, buf.Bytes(), "application/x-ndjson", out)
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, contentType string, out interface{}) error {
	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.roundTrip(ctx, method, path, body, contentType)
		})
		if err != nil {
			var statusErr *httpStatusError
			if se, ok := err.(*httpStatusError); ok {
				statusErr = se
			}
			switch {
			case statusErr == nil:
				// Breaker-open or transport error: retryable unless the
				// context is done.
				if ctx.Err() != nil {
					return backoff.Permanent(err)
				}
				return err
			case isLimitStatus(statusErr.status):
				return backoff.Permanent(fmt.Errorf("%w: %v", storage.ErrLimitExceeded, statusErr))
			case isPermanentStatus(statusErr.status):
				return backoff.Permanent(statusErr)
			default:
				return statusErr // 5xx, 429: retry
			}
		}

		raw := result.([]byte)
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode result: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.maxElapsed
	return backoff.Retry(attempt, backoff.WithContext(bo, ctx))
}

// roundTrip performs one HTTP exchange and unwraps the v4 envelope,
// returning the raw result bytes.
func (c *apiClient) roundTrip(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{status: resp.StatusCode, body: truncateBody(respBody)}
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !envelope.Success {
		msg := "unknown error"
		if len(envelope.Errors) > 0 {
			msg = fmt.Sprintf("code %d: %s", envelope.Errors[0].Code, envelope.Errors[0].Message)
		}
		if isQuotaMessage(msg) {
			return nil, &httpStatusError{status: http.StatusInsufficientStorage, body: msg}
		}
		return nil, &httpStatusError{status: http.StatusBadRequest, body: msg}
	}
	return envelope.Result, nil
}

// doRaw performs a request outside the v4 JSON envelope (R2 object bodies).
func (c *apiClient) doRaw(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &httpStatusError{status: resp.StatusCode, body: truncateBody(respBody)}
		}
		return respBody, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func isQuotaMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "limit exceeded")
}

func truncateBody(b []byte) string {
	const max = 300
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
