// Package cloud talks to the document backend and exposes it as a store adapter.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/store"
	"github.com/mdreader/mdsync/internal/version"
)

const (
	// HTTP client configuration.
	httpTimeout = 30 * time.Second

	// Rate limiting configuration (~10 requests/second).
	rateLimitInterval = 100 * time.Millisecond

	defaultMaxRetries     = 4
	defaultInitialBackoff = 500 * time.Millisecond

	// Circuit breaker configuration.
	breakerMaxRequests  = 3
	breakerInterval     = 10 * time.Second
	breakerTimeout      = 30 * time.Second
	breakerMinRequests  = 5
	breakerFailureRatio = 0.6
)

// Client is the backend API client. Requests are rate limited, retried with exponential
// backoff on 429 and 5xx answers, and guarded by a circuit breaker. A context made with
// store.WithoutRetry gets a single attempt, for callers running their own retry loop.
type Client struct {
	httpClient     *http.Client
	token          string
	rateLimiter    *rate.Limiter
	breaker        *gobreaker.CircuitBreaker
	baseURL        string
	logger         *slog.Logger
	maxRetries     int
	initialBackoff time.Duration
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = l
	}
}

// WithRetry sets the number of attempts and the first backoff delay.
func WithRetry(maxRetries int, initialBackoff time.Duration) ClientOption {
	return func(client *Client) {
		if maxRetries > 0 {
			client.maxRetries = maxRetries
		}
		client.initialBackoff = initialBackoff
	}
}

// WithRateLimit sets the minimum interval between two requests. Zero disables pacing.
func WithRateLimit(interval time.Duration) ClientOption {
	return func(client *Client) {
		if interval <= 0 {
			client.rateLimiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		client.rateLimiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// NewClient creates a backend client for baseURL authenticated by token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	client := &Client{
		httpClient:     &http.Client{Timeout: httpTimeout},
		token:          token,
		rateLimiter:    rate.NewLimiter(rate.Every(rateLimitInterval), 1),
		baseURL:        strings.TrimRight(baseURL, "/"),
		logger:         slog.Default(),
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
	}

	for _, opt := range opts {
		opt(client)
	}

	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cloud",
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && failureRatio >= breakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Client errors say nothing about the backend health.
			var httpErr *apperrors.HTTPError
			if errors.As(err, &httpErr) {
				return httpErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			client.logger.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return client
}

// HasToken reports whether the client carries credentials.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// do performs an HTTP request through the circuit breaker.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.doWithRetry(ctx, method, path, body, result)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", apperrors.ErrAdapterUnavailable, err)
	}
	return err
}

// doWithRetry performs an HTTP request with rate limiting and retries.
//
//nolint:funlen // HTTP client with retry logic and error handling
func (c *Client) doWithRetry(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	url := c.baseURL + path
	c.logger.DebugContext(ctx, "API request", "method", method, "path", path)
	startTime := time.Now()

	backoff := c.initialBackoff
	var lastErr error

	attempts := c.maxRetries
	if store.RetryDisabled(ctx) {
		attempts = 1
	}
	for attempt := range attempts {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", version.UserAgent())
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: do request: %w", apperrors.ErrAdapterUnavailable, err)
		}

		respBody, err := io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.WarnContext(ctx, "failed to close response body", "error", closeErr)
		}
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if retryable(resp.StatusCode) {
			lastErr = apperrors.NewHTTPError(resp.StatusCode, errorMessage(respBody))
			if attempt == attempts-1 {
				break
			}
			c.logger.WarnContext(ctx, "backend busy, backing off",
				"status", resp.StatusCode, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				continue
			}
		}

		if resp.StatusCode >= http.StatusBadRequest {
			return apperrors.NewHTTPError(resp.StatusCode, errorMessage(respBody))
		}

		if result != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, result); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
		}

		c.logger.DebugContext(ctx, "API response",
			"method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(startTime))
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrMaxRetriesExceeded, lastErr)
	}
	return apperrors.ErrMaxRetriesExceeded
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// errorMessage extracts the message of a backend error body, falling back to the raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if s, ok := payload.Detail.(string); ok && s != "" {
			return s
		}
	}
	return strings.TrimSpace(string(body))
}
