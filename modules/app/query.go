package app

import (
	"context"

	"github.com/guarzo/cachesync/modules/cachestore"
	"github.com/guarzo/cachesync/modules/query"
)

// NewQuery builds a query over the App's store. Zero stale and cache times
// come from the query section of the config, and a nil logger from the App.
func NewQuery[T any](a *App, opts query.Options[T]) *query.Query[T] {
	if opts.StaleTime <= 0 {
		opts.StaleTime = a.Config.Query.StaleTime
	}
	if opts.CacheTime <= 0 {
		opts.CacheTime = a.Config.Query.CacheTime
	}
	if opts.Logger == nil {
		opts.Logger = a.Logger.Named("query")
	}
	return query.New(a.Store, opts)
}

// Prefetch warms k with the configured cache time.
func Prefetch[T any](ctx context.Context, a *App, k cachestore.Key, fetcher func(context.Context) (T, error)) error {
	return query.Prefetch(ctx, a.Store, k, fetcher, a.Config.Query.CacheTime)
}
