package httpcache

import (
	"net/http"
	"net/url"
)

// Key returns the cache key of a request: the method, the path and, when
// present, the query with its parameters sorted by name, e.g.
// "GET /tasks?page=2&sort=due". The host is not part of the key.
func Key(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	k := method + " " + u.EscapedPath()
	if q := u.Query(); len(q) > 0 {
		k += "?" + q.Encode()
	}
	return k
}

// KeyFor parses rawURL and returns its cache key for method.
func KeyFor(method, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return Key(method, u), nil
}
