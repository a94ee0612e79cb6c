package cachestore

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Well-known namespaces.
const (
	NamespaceAPI       = "api"
	NamespaceUser      = "user"
	NamespaceResource  = "resource"
	NamespaceTemplates = "templates"
)

// Namespace is a typed view of one namespace of a Store. Views of the same
// name share entries; views of different names never see each other's keys.
type Namespace[T any] struct {
	store *Store
	name  string
}

// NewNamespace binds name on store.
func NewNamespace[T any](store *Store, name string) *Namespace[T] {
	return &Namespace[T]{store: store, name: name}
}

// Name returns the namespace name.
func (n *Namespace[T]) Name() string { return n.name }

// Store returns the underlying store.
func (n *Namespace[T]) Store() *Store { return n.store }

// Key returns the full key for key in this namespace.
func (n *Namespace[T]) Key(key string) Key { return Key{Namespace: n.name, Key: key} }

// Set stores data under key. With no ttl the store default applies; a ttl of
// zero never expires.
func (n *Namespace[T]) Set(key string, data T, ttl ...time.Duration) {
	n.store.Set(n.name, key, data, pickTTL(ttl))
}

// Get returns the value under key.
func (n *Namespace[T]) Get(key string) (T, bool) {
	e, ok := n.GetEntry(key)
	return e.Data, ok
}

// GetEntry returns the value under key with its timestamps. A payload that was
// hydrated from the durable tier is decoded into T here; if that fails the
// entry is deleted and reported absent.
func (n *Namespace[T]) GetEntry(key string) (Entry[T], bool) {
	k := n.Key(key)
	e, gen, ok := n.store.getItem(k)
	if !ok {
		return Entry[T]{}, false
	}
	switch v := e.Data.(type) {
	case Raw:
		var out T
		if err := n.store.codec.Unmarshal(v, &out); err != nil {
			n.store.readFailed(k.String(), fmt.Errorf("decode payload: %w", err))
			n.store.Delete(n.name, key)
			return Entry[T]{}, false
		}
		n.store.replaceData(k, gen, out)
		return Entry[T]{Data: out, CreatedAt: e.CreatedAt, TTL: e.TTL}, true
	case T:
		return Entry[T]{Data: v, CreatedAt: e.CreatedAt, TTL: e.TTL}, true
	default:
		n.store.logger.Warn("cached value has unexpected type",
			zap.String("key", k.String()),
			zap.String("type", fmt.Sprintf("%T", e.Data)))
		return Entry[T]{}, false
	}
}

// Has reports whether key holds a valid entry.
func (n *Namespace[T]) Has(key string) bool { return n.store.Has(n.name, key) }

// Delete removes key. Deleting a missing key is a no-op.
func (n *Namespace[T]) Delete(key string) { n.store.Delete(n.name, key) }

// Clear removes every entry in the namespace.
func (n *Namespace[T]) Clear() { n.store.ClearNamespace(n.name) }

// Keys lists the keys in the namespace.
func (n *Namespace[T]) Keys() []string { return n.store.Keys(n.name) }

// Update is a read-modify-write of key: fn receives the current value (ok is
// false when absent) and its result is stored.
func (n *Namespace[T]) Update(key string, fn func(old T, ok bool) T, ttl ...time.Duration) T {
	old, ok := n.Get(key)
	next := fn(old, ok)
	n.Set(key, next, ttl...)
	return next
}

func pickTTL(ttl []time.Duration) time.Duration {
	if len(ttl) == 0 {
		return UseDefault
	}
	return ttl[0]
}
