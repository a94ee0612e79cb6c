// Package httpcache is an http.RoundTripper that serves repeated reads from a
// cache namespace and refreshes an expired OAuth2 session once per request.
//
// GET and HEAD requests are cacheable unless the request context carries
// WithoutCache; WithCache opts any other method in. A cacheable request is
// looked up before any network I/O and, on a hit, answered with a response
// built from the cached copy. Successful (2xx) responses to cacheable requests
// are stored for the WithTTL duration or the transport default.
//
// When a response is 401 and the session holds a refresh token, the transport
// refreshes the token and retries the request exactly once. If the refresh
// fails or the retry is still unauthorized, the session and the configured
// session namespaces are cleared and an *AuthExpiredError is returned. A 401
// to a request that carried a token but had no refresh token clears the same
// state and is passed through as is.
package httpcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/guarzo/cachesync/common"
	"github.com/guarzo/cachesync/modules/cachestore"
)

// DefaultTTL is how long responses are cached without a WithTTL override.
const DefaultTTL = 5 * time.Minute

const tracerName = "github.com/guarzo/cachesync/modules/httpcache"

// ErrStillUnauthorized is the cause of an AuthExpiredError when the retried
// request was rejected again.
var ErrStillUnauthorized = errors.New("request still unauthorized after token refresh")

// AuthExpiredError reports that the session could not be renewed.
type AuthExpiredError struct {
	StatusCode int
	Err        error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("authorization expired (status %d): %v", e.StatusCode, e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// Response is the cached form of an HTTP response.
type Response struct {
	StatusCode int         `json:"status" msgpack:"status"`
	Header     http.Header `json:"header" msgpack:"header"`
	Body       []byte      `json:"body" msgpack:"body"`
}

// toHTTP builds a live-looking response for req without any I/O.
func (r Response) toHTTP(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Transport is the caching, auth-refreshing RoundTripper.
type Transport struct {
	// Base performs the network round trip; http.DefaultTransport when nil.
	Base http.RoundTripper

	// Cache holds responses; a nil Cache disables caching.
	Cache *cachestore.Namespace[Response]

	// Session supplies the bearer token; nil sends no Authorization header.
	Session *Session

	// Auth refreshes the session token on a 401.
	Auth common.AuthClient

	// SessionNamespaces are cleared when the session cannot be renewed.
	SessionNamespaces []string

	// DefaultTTL applies without a WithTTL override; DefaultTTL (5m) when zero.
	DefaultTTL time.Duration

	Logger *zap.Logger
	Tracer trace.Tracer
}

var _ http.RoundTripper = (*Transport)(nil)

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *zap.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return zap.NewNop()
}

func (t *Transport) tracer() trace.Tracer {
	if t.Tracer != nil {
		return t.Tracer
	}
	return otel.Tracer(tracerName)
}

func (t *Transport) cacheable(req *http.Request) bool {
	if t.Cache == nil {
		return false
	}
	switch modeFrom(req.Context()) {
	case modeOff:
		return false
	case modeOn:
		return true
	}
	return req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == ""
}

func (t *Transport) ttl(req *http.Request) time.Duration {
	if d, ok := ttlFrom(req.Context()); ok {
		return d
	}
	if t.DefaultTTL > 0 {
		return t.DefaultTTL
	}
	return DefaultTTL
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.tracer().Start(req.Context(), "httpcache.RoundTrip",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		))
	defer span.End()

	cacheable := t.cacheable(req)
	var key string
	if cacheable {
		key = Key(req.Method, req.URL)
		if cached, ok := t.Cache.Get(key); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return cached.toHTTP(req), nil
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	body, err := readBody(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	tok := t.token()
	resp, err := t.send(req.WithContext(ctx), body, tok)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		switch {
		case t.canRefresh():
			discard(resp)
			resp, err = t.refreshAndRetry(req.WithContext(ctx), body)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
		case tok != nil:
			// rejected credential with nothing to refresh it from
			t.logger().Warn("request unauthorized without refresh token", zap.String("path", req.URL.Path))
			t.expireSession()
		}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if cacheable && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(data))
		t.Cache.Set(key, Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       data,
		}, t.ttl(req))
	}
	return resp, nil
}

func (t *Transport) refreshAndRetry(req *http.Request, body []byte) (*http.Response, error) {
	ctx := req.Context()
	old := t.Session.Token()
	tok, err := t.Auth.RefreshToken(ctx, old.RefreshToken)
	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = errors.New("refresh returned no access token")
	}
	if err != nil {
		t.logger().Warn("token refresh failed", zap.Error(err))
		t.expireSession()
		return nil, &AuthExpiredError{StatusCode: http.StatusUnauthorized, Err: err}
	}
	t.Session.SetToken(tok)

	resp, err := t.send(req, body, t.Session.Token())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		t.logger().Warn("request unauthorized after token refresh", zap.String("path", req.URL.Path))
		t.expireSession()
		return nil, &AuthExpiredError{StatusCode: http.StatusUnauthorized, Err: ErrStillUnauthorized}
	}
	return resp, nil
}

// expireSession drops the credential and every session-scoped cache namespace.
func (t *Transport) expireSession() {
	if t.Session != nil {
		t.Session.Clear()
	}
	if t.Cache == nil {
		return
	}
	store := t.Cache.Store()
	for _, ns := range t.SessionNamespaces {
		store.ClearNamespace(ns)
	}
}

func (t *Transport) token() *oauth2.Token {
	if t.Session == nil {
		return nil
	}
	return t.Session.Token()
}

func (t *Transport) canRefresh() bool {
	return t.Auth != nil && t.Session != nil && t.Session.CanRefresh()
}

// send issues a copy of req with a replayable body and the given token.
func (t *Transport) send(req *http.Request, body []byte, tok *oauth2.Token) (*http.Response, error) {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}
	if tok != nil && tok.AccessToken != "" {
		out.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}
	return t.base().RoundTrip(out)
}

// readBody buffers the request body so the request can be replayed.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return data, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// Invalidate deletes the cached response for method and rawURL.
func (t *Transport) Invalidate(method, rawURL string) error {
	if t.Cache == nil {
		return nil
	}
	key, err := KeyFor(method, rawURL)
	if err != nil {
		return err
	}
	t.Cache.Delete(key)
	return nil
}
