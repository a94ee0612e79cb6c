package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// HttpClient is an interface for HTTP operations with optional retry logic.
// This allows mocking or custom transport layers in testing.
type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
	Get(url string) (*http.Response, error)
	Post(url, contentType string, body io.Reader) (*http.Response, error)
	Head(url string) (*http.Response, error)
	CloseIdleConnections()
	RetryWithExponentialBackoff(ctx context.Context, operation func() (interface{}, error)) (interface{}, error)
	SetRandAndSleepForTest(sleep func(d time.Duration), seed int64)
}

// HTTPError is a custom error that captures unexpected status codes and response bodies.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, string(e.Body))
}

// Retryable reports whether the status is a transient server failure.
func (e *HTTPError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// userAgentRoundTripper is a custom RoundTripper that adds a User-Agent header.
type userAgentRoundTripper struct {
	Wrapped   http.RoundTripper
	UserAgent string
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone request to avoid mutating the original
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", rt.UserAgent)
	return rt.Wrapped.RoundTrip(clone)
}

// Implementation of HttpClient that wraps a standard *http.Client with retry logic.
type httpClient struct {
	client    *http.Client
	sleepFunc func(d time.Duration)

	mu  sync.Mutex
	rnd *rand.Rand
}

// DefaultTimeout is applied when NewHttpClient is given no timeout.
const DefaultTimeout = 10 * time.Second

// NewHttpClient returns an HttpClient over base that sets userAgent on every
// request. base.Transport (http.DefaultTransport when nil) stays the inner
// transport, so a caching transport placed there sees every request.
func NewHttpClient(userAgent string, base *http.Client, timeout time.Duration) HttpClient {
	if base == nil {
		base = &http.Client{}
	}
	if base.Transport == nil {
		base.Transport = http.DefaultTransport
	}
	if userAgent != "" {
		base.Transport = &userAgentRoundTripper{
			Wrapped:   base.Transport,
			UserAgent: userAgent,
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base.Timeout = timeout

	return &httpClient{
		client:    base,
		sleepFunc: time.Sleep,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (h *httpClient) Do(req *http.Request) (*http.Response, error) {
	return h.client.Do(req)
}

func (h *httpClient) Get(url string) (*http.Response, error) {
	return h.client.Get(url)
}

func (h *httpClient) Post(url, contentType string, body io.Reader) (*http.Response, error) {
	return h.client.Post(url, contentType, body)
}

func (h *httpClient) Head(url string) (*http.Response, error) {
	return h.client.Head(url)
}

func (h *httpClient) CloseIdleConnections() {
	h.client.CloseIdleConnections()
}

// Exponential backoff constants
const (
	maxRetries = 5
	baseDelay  = 1 * time.Second
	maxDelay   = 32 * time.Second
)

// RetryWithExponentialBackoff runs operation until it succeeds, returns an
// error that is not a retryable *HTTPError, or maxRetries attempts are used.
// It stops early when ctx is done.
func (h *httpClient) RetryWithExponentialBackoff(ctx context.Context, operation func() (interface{}, error)) (interface{}, error) {
	var result interface{}
	var err error
	delay := baseDelay

	for i := 0; i < maxRetries; i++ {
		if result, err = operation(); err == nil {
			return result, nil
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !httpErr.Retryable() || i == maxRetries-1 {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		// apply jitter
		h.sleepFunc(delay + h.jitter(delay))
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, err
}

func (h *httpClient) jitter(d time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Duration(h.rnd.Int63n(int64(d)))
}

func (h *httpClient) SetRandAndSleepForTest(sleep func(d time.Duration), seed int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sleepFunc = sleep
	h.rnd = rand.New(rand.NewSource(seed))
}
