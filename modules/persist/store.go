// Package persist defines the durable tier of the cache: a byte store that
// survives a restart of the process, plus the codecs used to encode records
// into it.
//
// The durable tier is best effort. Backends may fail, lose writes, or be
// shared with other processes without coordination; callers must treat every
// error as "absent" rather than propagate it.
package persist

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Load when the key has no record.
	ErrNotFound = errors.New("persist: key not found")

	// ErrUnsupported is returned when a backend cannot perform an operation (e.g. enumerating keys).
	ErrUnsupported = errors.New("persist: operation not supported")

	// ErrUnavailable is returned while a backend is being skipped after repeated failures.
	ErrUnavailable = errors.New("persist: store unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("persist: store closed")
)

// Store is the durable persistence port. Keys are composite "<namespace>:<key>"
// strings; values are opaque encoded records.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the record for key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save stores value under key, replacing any previous record.
	Save(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists stored keys starting with prefix ("" lists everything).
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}

// Record is the persisted shape of one cache entry. Data holds the payload
// already encoded by the same Codec that encodes the record.
type Record struct {
	Data      []byte
	CreatedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the record is past its TTL at now. A zero TTL never expires.
func (r Record) Expired(now time.Time) bool {
	return r.TTL > 0 && now.Sub(r.CreatedAt) >= r.TTL
}

// ExpiresAt returns the absolute expiry, or the zero time when the record never expires.
func (r Record) ExpiresAt() time.Time {
	if r.TTL <= 0 {
		return time.Time{}
	}
	return r.CreatedAt.Add(r.TTL)
}
