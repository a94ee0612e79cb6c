// Package memoize caches the results of expensive calls in a cache namespace,
// keyed on their arguments.
package memoize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guarzo/cachesync/modules/cachestore"
)

type settings struct {
	name string
	ttl  time.Duration
	key  any
}

// Option configures Func.
type Option func(*settings)

// WithName keeps functions memoized into the same namespace apart.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithTTL sets how long results are kept. Without it the store default applies.
func WithTTL(d time.Duration) Option {
	return func(s *settings) { s.ttl = d }
}

// WithKey replaces the default argument hashing. fn must take the memoized
// function's argument type.
func WithKey[A any](fn func(A) string) Option {
	return func(s *settings) { s.key = fn }
}

// Key returns the default cache key for args: "memo:" plus the name, if any,
// and the hex sha256 of the JSON encoding of args.
func Key(name string, args any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("memoize: encode args: %w", err)
	}
	sum := sha256.Sum256(b)
	if name == "" {
		return "memo:" + hex.EncodeToString(sum[:]), nil
	}
	return "memo:" + name + ":" + hex.EncodeToString(sum[:]), nil
}

// Func wraps fn so that calls with equal arguments return the cached result.
// Only successful results are cached; a call that fails is retried on the
// next invocation. Arguments that cannot be encoded bypass the cache.
//
// Concurrent calls that miss together all run fn.
func Func[A, R any](ns *cachestore.Namespace[R], fn func(context.Context, A) (R, error), opts ...Option) func(context.Context, A) (R, error) {
	s := settings{ttl: cachestore.UseDefault}
	for _, opt := range opts {
		opt(&s)
	}

	keyFn := func(args A) (string, error) { return Key(s.name, args) }
	if s.key != nil {
		custom, ok := s.key.(func(A) string)
		if !ok {
			panic(fmt.Sprintf("memoize: WithKey expects func(%T) string, got %T", *new(A), s.key))
		}
		keyFn = func(args A) (string, error) {
			if s.name == "" {
				return custom(args), nil
			}
			return s.name + ":" + custom(args), nil
		}
	}

	return func(ctx context.Context, args A) (R, error) {
		key, err := keyFn(args)
		if err != nil {
			return fn(ctx, args)
		}
		if cached, ok := ns.Get(key); ok {
			return cached, nil
		}
		result, err := fn(ctx, args)
		if err != nil {
			var zero R
			return zero, err
		}
		ns.Set(key, result, s.ttl)
		return result, nil
	}
}
