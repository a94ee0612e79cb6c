// Package api is a typed JSON client for a REST backend. Response caching and
// token refresh happen in the transport underneath (see httpcache); requests
// choose their caching behaviour with RequestOptions.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/guarzo/cachesync/common"
	"github.com/guarzo/cachesync/modules/httpcache"
)

// Client defines lower-level HTTP operations against the backend.
type Client interface {
	GetJSON(ctx context.Context, endpoint string, entity interface{}, params map[string]string, opts ...RequestOption) error
	GetBytes(ctx context.Context, endpoint string, params map[string]string, opts ...RequestOption) ([]byte, error)
	PostJSON(ctx context.Context, endpoint string, body io.Reader, expectedStatusCodes ...int) ([]byte, error)
	DeleteJSON(ctx context.Context, endpoint string, body io.Reader, expectedStatusCodes ...int) ([]byte, error)
	DoRequest(ctx context.Context, method, urlStr string, body io.Reader, expectedStatus ...int) ([]byte, error)
	CacheKey(endpoint string, params map[string]string) (string, error)
	Stats() Stats
}

// RequestOption adjusts how one request is cached.
type RequestOption func(context.Context) context.Context

// NoCache skips the cache for the request.
func NoCache() RequestOption { return httpcache.WithoutCache }

// Cached makes a non-GET request cacheable.
func Cached() RequestOption { return httpcache.WithCache }

// CacheTTL overrides how long the response is cached.
func CacheTTL(d time.Duration) RequestOption {
	return func(ctx context.Context) context.Context { return httpcache.WithTTL(ctx, d) }
}

// Stats counts completed requests by outcome.
type Stats struct {
	Total    int64
	Success  int64
	NotFound int64
	Failed   int64
}

type client struct {
	baseURL    string
	httpClient common.HttpClient

	totalCalls    atomic.Int64
	notFoundCount atomic.Int64
	successCount  atomic.Int64
	failCount     atomic.Int64
}

// NewClient creates a Client for baseURL. httpClient should be built over an
// httpcache.Transport for reads to be cached.
func NewClient(baseURL string, httpClient common.HttpClient) Client {
	return &client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// GetJSON retrieves JSON from an endpoint and unmarshals into entity.
func (c *client) GetJSON(ctx context.Context, endpoint string, entity interface{}, params map[string]string, opts ...RequestOption) error {
	data, err := c.GetBytes(ctx, endpoint, params, opts...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, entity); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// GetBytes retrieves raw bytes from an endpoint, retrying transient failures.
func (c *client) GetBytes(ctx context.Context, endpoint string, params map[string]string, opts ...RequestOption) ([]byte, error) {
	urlStr, err := c.buildURL(endpoint, params)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		ctx = opt(ctx)
	}

	operation := func() (interface{}, error) {
		return c.DoRequest(ctx, http.MethodGet, urlStr, nil)
	}
	result, err := c.httpClient.RetryWithExponentialBackoff(ctx, operation)
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// PostJSON sends a POST with optional expected status codes.
func (c *client) PostJSON(ctx context.Context, endpoint string, body io.Reader, expectedStatusCodes ...int) ([]byte, error) {
	urlStr, err := c.buildURL(endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.DoRequest(ctx, http.MethodPost, urlStr, body, expectedStatusCodes...)
}

// DeleteJSON sends a DELETE with optional expected status codes.
func (c *client) DeleteJSON(ctx context.Context, endpoint string, body io.Reader, expectedStatusCodes ...int) ([]byte, error) {
	urlStr, err := c.buildURL(endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.DoRequest(ctx, http.MethodDelete, urlStr, body, expectedStatusCodes...)
}

// DoRequest performs one request and checks the status. Statuses outside
// expectedStatus (200 by default) come back as *common.HTTPError.
func (c *client) DoRequest(ctx context.Context, method, urlStr string, body io.Reader, expectedStatus ...int) ([]byte, error) {
	if len(expectedStatus) == 0 {
		expectedStatus = []int{http.StatusOK}
	}

	var bodyBytes []byte
	if body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		bodyBytes = b
	}

	data, status, err := c.executeRequest(ctx, method, urlStr, bodyBytes)
	if err != nil {
		return nil, err
	}

	c.totalCalls.Add(1)
	switch {
	case status == http.StatusNotFound:
		c.notFoundCount.Add(1)
	case status >= 200 && status < 300:
		c.successCount.Add(1)
	default:
		c.failCount.Add(1)
	}

	if !statusMatches(status, expectedStatus) {
		return nil, &common.HTTPError{
			StatusCode: status,
			Body:       data,
		}
	}
	return data, nil
}

func (c *client) executeRequest(ctx context.Context, method, urlStr string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", readErr)
	}
	return data, resp.StatusCode, nil
}

// CacheKey returns the httpcache key a GET of endpoint with params is stored under.
func (c *client) CacheKey(endpoint string, params map[string]string) (string, error) {
	urlStr, err := c.buildURL(endpoint, params)
	if err != nil {
		return "", err
	}
	return httpcache.KeyFor(http.MethodGet, urlStr)
}

func (c *client) Stats() Stats {
	return Stats{
		Total:    c.totalCalls.Load(),
		Success:  c.successCount.Load(),
		NotFound: c.notFoundCount.Load(),
		Failed:   c.failCount.Load(),
	}
}

// buildURL merges baseURL + endpoint + params
func (c *client) buildURL(endpoint string, params map[string]string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	path, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}

	fullURL := base.ResolveReference(path)
	q := fullURL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	fullURL.RawQuery = q.Encode()
	return fullURL.String(), nil
}

func statusMatches(statusCode int, expected []int) bool {
	for _, s := range expected {
		if statusCode == s {
			return true
		}
	}
	return false
}
