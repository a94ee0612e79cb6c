package httpcache

import (
	"context"
	"time"
)

type ctxKey int

const (
	cacheModeKey ctxKey = iota
	cacheTTLKey
)

type cacheMode int

const (
	modeDefault cacheMode = iota
	modeOff
	modeOn
)

// WithoutCache marks requests made with ctx as not cacheable: they skip the
// cache lookup and their responses are not stored.
func WithoutCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheModeKey, modeOff)
}

// WithCache marks requests made with ctx as cacheable even when the method is
// not GET or HEAD.
func WithCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheModeKey, modeOn)
}

// WithTTL overrides how long responses to requests made with ctx are cached.
func WithTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, cacheTTLKey, ttl)
}

func modeFrom(ctx context.Context) cacheMode {
	m, _ := ctx.Value(cacheModeKey).(cacheMode)
	return m
}

func ttlFrom(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(cacheTTLKey).(time.Duration)
	return d, ok
}
