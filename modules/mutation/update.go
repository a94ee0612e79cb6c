package mutation

import (
	"time"

	"github.com/guarzo/cachesync/modules/cachestore"
)

// OptimisticUpdate writes a predicted value before the fetcher runs.
type OptimisticUpdate[V any] struct {
	Key   cachestore.Key
	apply func(vars V)
}

// Predict builds an OptimisticUpdate of key in ns. fn receives the current
// value (ok is false when absent) and returns the predicted one.
func Predict[T, V any](ns *cachestore.Namespace[T], key string, fn func(old T, ok bool, vars V) T, ttl ...time.Duration) OptimisticUpdate[V] {
	return OptimisticUpdate[V]{
		Key: ns.Key(key),
		apply: func(vars V) {
			ns.Update(key, func(old T, ok bool) T { return fn(old, ok, vars) }, ttl...)
		},
	}
}

// CacheUpdate folds the fetcher's result into a cached value after success.
type CacheUpdate[V, R any] struct {
	Key   cachestore.Key
	apply func(result R, vars V)
}

// Reconcile builds a CacheUpdate of key in ns.
func Reconcile[T, V, R any](ns *cachestore.Namespace[T], key string, fn func(old T, ok bool, result R, vars V) T, ttl ...time.Duration) CacheUpdate[V, R] {
	return CacheUpdate[V, R]{
		Key: ns.Key(key),
		apply: func(result R, vars V) {
			ns.Update(key, func(old T, ok bool) T { return fn(old, ok, result, vars) }, ttl...)
		},
	}
}

// ResourceKey names the cached copy of the resource a mutation touches.
// Returning a zero Key skips it.
type ResourceKey[V any] func(vars V) cachestore.Key

// Resource is a ResourceKey for "<prefix><id(vars)>" in namespace ns.
func Resource[V any](ns, prefix string, id func(vars V) string) ResourceKey[V] {
	return func(vars V) cachestore.Key {
		s := id(vars)
		if s == "" {
			return cachestore.Key{}
		}
		return cachestore.K(ns, prefix+s)
	}
}
