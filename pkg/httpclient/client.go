// Package httpclient provides the retrying HTTP transport shared by all
// protocol adapters: exponential backoff with jitter, rate-limit header
// awareness, and a closed classification of upstream outcomes.
package httpclient

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Class is the closed set of upstream outcome classifications.
type Class int

const (
	ClassSuccess Class = iota
	// ClassRetryable covers 408/429/502/503/504 and transient network errors.
	ClassRetryable
	// ClassAuth covers 401/403; the worker's credential must cool down.
	ClassAuth
	// ClassBadRequest covers 400/404; retrying cannot help.
	ClassBadRequest
	// ClassFatal covers the remaining 4xx/5xx (including 409 and 422).
	ClassFatal
)

// Classify maps an HTTP status code to its outcome class.
func Classify(statusCode int) Class {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ClassSuccess
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusGatewayTimeout:
		return ClassRetryable
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return ClassAuth
	case statusCode == http.StatusBadRequest, statusCode == http.StatusNotFound:
		return ClassBadRequest
	default:
		return ClassFatal
	}
}

// RateLimitInfo carries whatever the upstream told us about its limits.
type RateLimitInfo struct {
	RetryAfter            time.Duration
	ResetTime             int64
	RequestsRemaining     int
	InputTokensRemaining  int
	OutputTokensRemaining int
}

// RateLimitHeaderParser extracts RateLimitInfo from response headers.
type RateLimitHeaderParser func(http.Header) RateLimitInfo

// Client wraps http.Client with bounded retries. Only ClassRetryable
// outcomes are retried; everything else returns immediately so the adapter
// can classify it.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	headerParser RateLimitHeaderParser
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

func WithMaxDelay(delay time.Duration) Option {
	return func(c *Client) { c.maxDelay = delay }
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) { c.headerParser = parser }
}

func New(opts ...Option) *Client {
	client := &Client{
		client:     &http.Client{Timeout: 120 * time.Second},
		maxRetries: 3,
		baseDelay:  2 * time.Second,
		maxDelay:   60 * time.Second,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Do performs the request, retrying ClassRetryable outcomes up to maxRetries
// with exponential backoff and jitter. On exhaustion the last response is
// returned together with a RetryableError so the adapter can surface the
// rate-limit state.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastInfo RateLimitInfo

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// Transient network failure: retryable.
			if attempt >= c.maxRetries {
				return nil, &RetryableError{
					Message: fmt.Sprintf("request failed after %d attempts", attempt+1),
					Err:     err,
				}
			}
			if werr := c.wait(req.Context(), c.backoff(attempt, RateLimitInfo{})); werr != nil {
				return nil, werr
			}
			continue
		}

		if Classify(resp.StatusCode) != ClassRetryable {
			return resp, nil
		}

		if c.headerParser != nil {
			lastInfo = c.headerParser(resp.Header)
		}

		if attempt >= c.maxRetries {
			return resp, &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("max retries (%d) exceeded", c.maxRetries),
				RetryAfter: c.backoff(attempt, lastInfo),
			}
		}

		resp.Body.Close()
		delay := c.backoff(attempt, lastInfo)
		slog.Debug("Retrying upstream request",
			"status", resp.StatusCode, "attempt", attempt+1, "max", c.maxRetries, "delay", delay)
		if werr := c.wait(req.Context(), delay); werr != nil {
			return nil, werr
		}
	}
}

// backoff computes the next delay: Retry-After wins, then the reset header,
// then exponential backoff with 10% jitter, capped at maxDelay.
func (c *Client) backoff(attempt int, info RateLimitInfo) time.Duration {
	if info.RetryAfter > 0 {
		return info.RetryAfter
	}
	if info.ResetTime > 0 {
		if delay := time.Until(time.Unix(info.ResetTime, 0)); delay > 0 {
			return min(delay, c.maxDelay)
		}
	}

	exponential := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
	jitter := time.Duration(rand.Float64() * 0.1 * float64(exponential))
	delay := exponential + jitter
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func (c *Client) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
