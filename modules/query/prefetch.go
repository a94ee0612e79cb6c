package query

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guarzo/cachesync/modules/cachestore"
)

// Prefetcher warms one cache entry.
type Prefetcher interface {
	Prefetch(ctx context.Context) error
}

// PrefetchFunc adapts a function to Prefetcher.
type PrefetchFunc func(ctx context.Context) error

func (f PrefetchFunc) Prefetch(ctx context.Context) error { return f(ctx) }

// Prefetch fetches k into store unless it already holds a valid entry. A
// cacheTime of zero or less uses DefaultCacheTime. Fetch errors are returned
// and nothing is cached.
func Prefetch[T any](ctx context.Context, store *cachestore.Store, k cachestore.Key, fetcher func(context.Context) (T, error), cacheTime time.Duration) error {
	if store.Has(k.Namespace, k.Key) {
		return nil
	}
	if cacheTime <= 0 {
		cacheTime = DefaultCacheTime
	}
	data, err := fetcher(ctx)
	if err != nil {
		return err
	}
	store.Set(k.Namespace, k.Key, data, cacheTime)
	return nil
}

// PrefetchAll runs every prefetcher with at most limit in flight (unbounded
// when limit <= 0). The first error cancels the rest and is returned.
func PrefetchAll(ctx context.Context, limit int, ps ...Prefetcher) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, p := range ps {
		p := p
		g.Go(func() error { return p.Prefetch(ctx) })
	}
	return g.Wait()
}
