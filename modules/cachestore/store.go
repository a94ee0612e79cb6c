// Package cachestore is a namespaced key/value store with TTL expiry and two
// tiers: a volatile in-process tier and a durable tier that survives a restart.
//
// Every Set writes the volatile tier and mirrors the entry into the durable
// tier. Reads consult the durable tier only on a volatile miss and repopulate
// the volatile tier from it. Durable-tier failures never reach the caller:
// they are logged, counted, and treated as absent.
//
// An entry is valid while its TTL is zero or it is younger than its TTL. Every
// read path checks this, so an expired entry reads as absent even when its
// scheduled eviction has not fired yet.
//
// A Store is safe for concurrent use. Each operation holds the store lock for
// its full duration, including synchronous durable I/O, so operations are
// atomic with respect to each other.
package cachestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/guarzo/cachesync/modules/persist"
)

const (
	// DefaultTTL applies when Set is given a negative TTL.
	DefaultTTL = 5 * time.Minute

	// UseDefault as a TTL argument selects the store's default TTL.
	UseDefault time.Duration = -1

	// NoExpiry as a TTL argument keeps the entry until it is deleted.
	NoExpiry time.Duration = 0

	defaultDurableTimeout = 2 * time.Second
)

// WriteError describes a failed durable-tier write. It is logged, never returned.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string { return "cache write " + e.Key + ": " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }

// ReadError describes an unreadable durable-tier record. It is logged, never returned.
type ReadError struct {
	Key string
	Err error
}

func (e *ReadError) Error() string { return "cache read " + e.Key + ": " + e.Err.Error() }
func (e *ReadError) Unwrap() error { return e.Err }

// Option configures a Store.
type Option func(*Store)

// WithDefaultTTL sets the TTL used when Set is called with UseDefault.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.defaultTTL = d
		}
	}
}

// WithDurable sets the durable tier. The default is persist.NoopStore.
func WithDurable(d persist.Store) Option {
	return func(s *Store) {
		if d != nil {
			s.durable = d
		}
	}
}

// WithCodec sets the codec for durable records and payloads. The default is JSON.
func WithCodec(c persist.Codec) Option {
	return func(s *Store) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithClock replaces the wall clock, e.g. with clockwork.NewFakeClock() in tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger. nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDurableTimeout bounds each durable-tier call.
func WithDurableTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.durableTimeout = d
		}
	}
}

// Store is the two-tier cache. Construct one per application with New and
// share it by reference.
type Store struct {
	mu             sync.Mutex
	volatile       *volatileTier
	durable        persist.Store
	codec          persist.Codec
	clock          clockwork.Clock
	logger         *zap.Logger
	defaultTTL     time.Duration
	durableTimeout time.Duration
	gen            uint64
	closed         bool

	hits          atomic.Uint64
	misses        atomic.Uint64
	expired       atomic.Uint64
	evictions     atomic.Uint64
	durableHits   atomic.Uint64
	durableErrors atomic.Uint64
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		volatile:       newVolatileTier(),
		durable:        persist.NoopStore{},
		codec:          persist.JSONCodec{},
		clock:          clockwork.NewRealClock(),
		logger:         zap.NewNop(),
		defaultTTL:     DefaultTTL,
		durableTimeout: defaultDurableTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns the store's time source.
func (s *Store) Clock() clockwork.Clock { return s.clock }

// Codec returns the codec used for durable records.
func (s *Store) Codec() persist.Codec { return s.codec }

// DefaultTTL returns the TTL applied for UseDefault.
func (s *Store) DefaultTTL() time.Duration { return s.defaultTTL }

// Set stores data under (ns, key). A negative ttl selects the default TTL and a
// zero ttl never expires. Overwriting an entry resets its creation time and
// replaces its pending eviction.
func (s *Store) Set(ns, key string, data any, ttl time.Duration) {
	if ttl < 0 {
		ttl = s.defaultTTL
	}
	k := Key{Namespace: ns, Key: key}.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.put(k, data, now, ttl)
	s.persist(k, data, now, ttl)
}

// Get returns the entry under (ns, key). Payloads hydrated from the durable
// tier come back as Raw.
func (s *Store) Get(ns, key string) (Entry[any], bool) {
	e, _, ok := s.getItem(Key{Namespace: ns, Key: key})
	return e, ok
}

func (s *Store) getItem(k Key) (Entry[any], uint64, bool) {
	key := k.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lookup(key)
	if !ok {
		s.misses.Add(1)
		s.logger.Debug("cache miss", zap.String("key", key))
		return Entry[any]{}, 0, false
	}
	s.hits.Add(1)
	s.logger.Debug("cache hit", zap.String("key", key))
	return Entry[any]{Data: it.data, CreatedAt: it.createdAt, TTL: it.ttl}, it.gen, true
}

// Has reports whether (ns, key) holds a valid entry. Like Get, it removes an
// expired entry it finds.
func (s *Store) Has(ns, key string) bool {
	_, ok := s.Get(ns, key)
	return ok
}

// Delete removes (ns, key) from both tiers. Deleting a missing key is a no-op.
func (s *Store) Delete(ns, key string) {
	k := Key{Namespace: ns, Key: key}.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop(k)
}

// ClearNamespace removes every entry in ns from both tiers.
func (s *Store) ClearNamespace(ns string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearPrefix(nsPrefix(ns))
}

// ClearAll removes every entry from both tiers.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearPrefix("")
}

// ClearVolatile drops the volatile tier only, leaving durable records in
// place. It is what a process restart looks like to the durable tier.
func (s *Store) ClearVolatile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volatile.each("", func(_ string, it *item) { it.stopTimer() })
	s.volatile.flush()
}

// Keys lists the keys currently stored in ns across both tiers, sorted.
// Entries are not checked for validity.
func (s *Store) Keys(ns string) []string {
	prefix := nsPrefix(ns)
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]struct{})
	s.volatile.each(prefix, func(k string, _ *item) { set[k] = struct{}{} })
	if durable, err := s.durableKeys(prefix); err == nil {
		for _, k := range durable {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(keys)
	return keys
}

// Sweep removes every expired entry from both tiers and returns how many were
// removed. Expiry is otherwise lazy plus per-entry timers; Sweep is the hook
// for reclaiming memory on demand.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0

	seen := make(map[string]struct{})
	s.volatile.each("", func(k string, it *item) {
		seen[k] = struct{}{}
		if !it.valid(now) {
			s.drop(k)
			removed++
		}
	})

	keys, err := s.durableKeys("")
	if err != nil {
		return removed
	}
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		ctx, cancel := s.durableCtx()
		raw, err := s.durable.Load(ctx, k)
		cancel()
		if err != nil {
			continue
		}
		rec, err := s.codec.DecodeRecord(raw)
		if err != nil || rec.Expired(now) {
			s.removeDurable(k)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("cache sweep", zap.Int("removed", removed))
	}
	return removed
}

// Close stops pending evictions and closes the durable tier. The store keeps
// working as a volatile-only cache afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.volatile.each("", func(_ string, it *item) { it.stopTimer() })
	err := s.durable.Close()
	s.durable = persist.NoopStore{}
	return err
}

// lookup finds a valid item, hydrating from the durable tier on a volatile
// miss. Expired items are removed from both tiers. Callers hold s.mu.
func (s *Store) lookup(k string) (*item, bool) {
	now := s.clock.Now()
	it, ok := s.volatile.get(k)
	if !ok {
		if it, ok = s.hydrate(k, now); !ok {
			return nil, false
		}
	}
	if !it.valid(now) {
		s.drop(k)
		s.expired.Add(1)
		return nil, false
	}
	return it, true
}

func (s *Store) hydrate(k string, now time.Time) (*item, bool) {
	ctx, cancel := s.durableCtx()
	defer cancel()
	raw, err := s.durable.Load(ctx, k)
	if err != nil {
		if !errors.Is(err, persist.ErrNotFound) {
			s.readFailed(k, err)
		}
		return nil, false
	}
	rec, err := s.codec.DecodeRecord(raw)
	if err != nil {
		s.readFailed(k, err)
		s.removeDurable(k)
		return nil, false
	}
	if rec.Expired(now) {
		s.removeDurable(k)
		s.expired.Add(1)
		return nil, false
	}
	s.durableHits.Add(1)
	return s.put(k, Raw(rec.Data), rec.CreatedAt, rec.TTL), true
}

// put writes the volatile tier and schedules eviction for the time the entry
// has left. A previous eviction for k is cancelled. Callers hold s.mu.
func (s *Store) put(k string, data any, createdAt time.Time, ttl time.Duration) *item {
	if old, ok := s.volatile.get(k); ok {
		old.stopTimer()
	}
	s.gen++
	it := &item{data: data, createdAt: createdAt, ttl: ttl, gen: s.gen}
	if ttl > 0 && !s.closed {
		if remaining := ttl - s.clock.Since(createdAt); remaining > 0 {
			gen := it.gen
			it.timer = s.clock.AfterFunc(remaining, func() { s.evict(k, gen) })
		}
	}
	s.volatile.set(k, it)
	return it
}

// evict runs from an eviction timer. The generation check keeps a timer that
// lost a race with an overwrite from removing the newer entry.
func (s *Store) evict(k string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.volatile.get(k)
	if !ok || it.gen != gen {
		return
	}
	it.timer = nil
	s.volatile.delete(k)
	s.removeDurable(k)
	s.evictions.Add(1)
	s.logger.Debug("cache entry evicted", zap.String("key", k))
}

// replaceData swaps the payload of a live item without touching its
// timestamps, provided the item has not been overwritten since gen.
func (s *Store) replaceData(k Key, gen uint64, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.volatile.get(k.String()); ok && it.gen == gen {
		it.data = data
	}
}

func (s *Store) drop(k string) {
	if it, ok := s.volatile.get(k); ok {
		it.stopTimer()
		s.volatile.delete(k)
	}
	s.removeDurable(k)
}

func (s *Store) clearPrefix(prefix string) {
	keys := make(map[string]struct{})
	s.volatile.each(prefix, func(k string, it *item) {
		it.stopTimer()
		s.volatile.delete(k)
		keys[k] = struct{}{}
	})
	durable, err := s.durableKeys(prefix)
	if err != nil && !errors.Is(err, persist.ErrUnsupported) {
		s.writeFailed(prefix+"*", err)
	}
	for _, k := range durable {
		keys[k] = struct{}{}
	}
	for k := range keys {
		s.removeDurable(k)
	}
}

func (s *Store) persist(k string, data any, createdAt time.Time, ttl time.Duration) {
	var payload []byte
	var err error
	if raw, ok := data.(Raw); ok {
		payload = raw
	} else {
		payload, err = s.codec.Marshal(data)
	}
	var rec []byte
	if err == nil {
		rec, err = s.codec.EncodeRecord(persist.Record{Data: payload, CreatedAt: createdAt, TTL: ttl})
	}
	if err != nil {
		s.writeFailed(k, err)
		return
	}
	ctx, cancel := s.durableCtx()
	defer cancel()
	if err := s.durable.Save(ctx, k, rec); err != nil {
		s.writeFailed(k, err)
	}
}

func (s *Store) removeDurable(k string) {
	ctx, cancel := s.durableCtx()
	defer cancel()
	if err := s.durable.Remove(ctx, k); err != nil {
		s.writeFailed(k, err)
	}
}

func (s *Store) durableKeys(prefix string) ([]string, error) {
	ctx, cancel := s.durableCtx()
	defer cancel()
	return s.durable.Keys(ctx, prefix)
}

func (s *Store) durableCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.durableTimeout)
}

func (s *Store) writeFailed(k string, err error) {
	s.durableErrors.Add(1)
	werr := &WriteError{Key: k, Err: err}
	if errors.Is(err, persist.ErrUnavailable) {
		s.logger.Debug("durable tier unavailable", zap.Error(werr))
		return
	}
	s.logger.Warn("durable cache write failed", zap.String("key", k), zap.Error(werr))
}

func (s *Store) readFailed(k string, err error) {
	s.durableErrors.Add(1)
	rerr := &ReadError{Key: k, Err: err}
	if errors.Is(err, persist.ErrUnavailable) {
		s.logger.Debug("durable tier unavailable", zap.Error(rerr))
		return
	}
	s.logger.Warn("durable cache read failed", zap.String("key", k), zap.Error(rerr))
}
