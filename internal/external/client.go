// Package external is the anti-corruption layer between the coursedesk
// billing domain and the Stripe API. All outbound HTTP calls are routed
// through the BaseClient, which enforces consistent resilience patterns:
// circuit breaking, retries with exponential backoff, and error mapping.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"coursedesk/internal/types"
)

// Circuit breaker tuning. Stripe outages tend to be short; a 30s half-open
// probe window recovers quickly without hammering a struggling API.
const (
	breakerCountingWindow = 60 * time.Second
	breakerOpenTimeout    = 30 * time.Second
	breakerTripThreshold  = 5
)

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for Stripe API calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// BaseClient wraps an *http.Client and a circuit breaker to enforce
// consistent resilience patterns on all outbound HTTP calls.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	logger      *slog.Logger
	sleepFn     func(time.Duration)
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep function used between retries.
// This is intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// WithLogger sets the logger used for per-retry diagnostics.
func WithLogger(logger *slog.Logger) BaseClientOption {
	return func(c *BaseClient) {
		c.logger = logger
	}
}

// NewBaseClient creates a BaseClient with the given http client, circuit
// breaker name, retry policy, and user agent string.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	bc := &BaseClient{
		client: httpClient,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    breakerCountingWindow,
			Timeout:     breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > breakerTripThreshold
			},
		}),
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		logger:      slog.Default(),
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do executes the HTTP request with request-ID propagation, circuit breaker
// wrapping, retries on 429/5xx (respecting Retry-After), and error mapping
// to types.AppError.
//
// On success (any status other than 429/5xx), Do returns the response as-is;
// the caller is responsible for closing the body. On exhausted retries or an
// open circuit breaker, Do returns a types.AppError with the appropriate
// upstream error code.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if reqID := types.GetRequestID(req.Context()); reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	var failedResp *http.Response
	var failedErr error

	attempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		rewindBody(req, body)

		resp, sendErr := c.send(req)
		if sendErr == nil {
			return resp, nil
		}

		if failedResp != nil {
			failedResp.Body.Close()
		}
		failedResp, failedErr = resp, sendErr

		if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt == attempts {
			break
		}

		wait := c.nextWait(attempt, resp)
		c.logger.DebugContext(req.Context(), "retrying upstream request",
			"url", req.URL.String(),
			"attempt", attempt,
			"wait", wait,
		)
		c.sleepFn(wait)
	}

	if failedResp != nil {
		defer failedResp.Body.Close()
	}
	return nil, c.mapError(failedResp, failedErr)
}

// send runs one attempt through the circuit breaker. Responses the caller
// should never see (429 and 5xx) count as breaker failures.
func (c *BaseClient) send(req *http.Request) (*http.Response, error) {
	return c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resp, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return resp, nil
	})
}

// snapshotBody drains the request body so retries can replay it. Requests
// without a body (GET, DELETE) pass through untouched.
func snapshotBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to read request body for retry support",
			err,
		)
	}
	return body, nil
}

func rewindBody(req *http.Request, body []byte) {
	if body == nil {
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
}

// nextWait determines the pause before the next attempt. A Retry-After
// header wins; otherwise the wait is drawn uniformly between MinWait and
// the capped exponential bound for this attempt (full jitter).
func (c *BaseClient) nextWait(attempt int, resp *http.Response) time.Duration {
	if hint, ok := retryAfterHint(resp); ok {
		return min(hint, c.retryPolicy.MaxWait)
	}

	bound := c.retryPolicy.MinWait << (attempt - 1)
	bound = min(bound, c.retryPolicy.MaxWait)
	if bound <= c.retryPolicy.MinWait {
		return c.retryPolicy.MinWait
	}
	return c.retryPolicy.MinWait + rand.N(bound-c.retryPolicy.MinWait)
}

// retryAfterHint parses a delay-seconds Retry-After header. HTTP-date
// values are rare from Stripe and are ignored.
func retryAfterHint(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// mapError translates HTTP-level failures into domain-level AppErrors.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			"circuit breaker is open; upstream service unavailable",
			err,
		)
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(
				types.ErrCodeUpstreamRateLimited,
				"upstream rate limit exceeded",
				err,
			)
		case resp.StatusCode >= 500:
			return types.NewAppError(
				types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("upstream returned %d after retries", resp.StatusCode),
				err,
			)
		}
	}

	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		"upstream request failed",
		err,
	)
}
