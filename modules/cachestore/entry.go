package cachestore

import (
	"strings"
	"time"
)

// Key addresses one entry. Namespaces partition the key space.
type Key struct {
	Namespace string
	Key       string
}

// K is shorthand for Key{Namespace: ns, Key: key}.
func K(ns, key string) Key { return Key{Namespace: ns, Key: key} }

// String returns the composite "<namespace>:<key>" form used by both tiers. A
// ":" or "%" in the namespace is percent-escaped, so the first colon always
// ends the namespace.
func (k Key) String() string { return nsPrefix(k.Namespace) + k.Key }

// ParseKey splits a composite key on its first colon.
func ParseKey(s string) (Key, bool) {
	ns, key, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, false
	}
	return Key{Namespace: unescapeNS(ns), Key: key}, true
}

var (
	nsEscaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	nsUnescaper = strings.NewReplacer("%25", "%", "%3A", ":")
)

// nsPrefix is the composite-key prefix shared by every key of ns.
func nsPrefix(ns string) string { return nsEscaper.Replace(ns) + ":" }

func unescapeNS(ns string) string { return nsUnescaper.Replace(ns) }

// Entry is a cached value with its creation time and TTL. A zero TTL never expires.
type Entry[T any] struct {
	Data      T
	CreatedAt time.Time
	TTL       time.Duration
}

// Valid reports whether the entry is still live at now.
func (e Entry[T]) Valid(now time.Time) bool {
	return e.TTL == 0 || now.Sub(e.CreatedAt) < e.TTL
}

// Age returns how long ago the entry was written.
func (e Entry[T]) Age(now time.Time) time.Duration { return now.Sub(e.CreatedAt) }

// Raw is a payload hydrated from the durable tier that has not been decoded
// into a concrete type yet. Namespace[T] decodes it on first read.
type Raw []byte
