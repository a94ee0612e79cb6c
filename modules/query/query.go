// Package query runs cache-first reads of one cache key.
//
// A Query serves its key from the store when a valid entry exists and calls
// its fetcher otherwise. Successful fetches are written back with CacheTime
// as the TTL. A hit older than StaleTime is returned immediately and
// revalidated in the background. Results that arrive after Deactivate or a
// key change are dropped.
//
// Concurrent activations on a miss each call the fetcher; requests are not
// deduplicated.
package query

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guarzo/cachesync/modules/cachestore"
)

const (
	DefaultStaleTime = 5 * time.Minute
	DefaultCacheTime = 10 * time.Minute
)

// Status is the lifecycle position of a query.
type Status int

const (
	Idle Status = iota
	Loading
	Success
	Error
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Success:
		return "success"
	case Error:
		return "error"
	}
	return "unknown"
}

// State is a point-in-time view of a query.
type State[T any] struct {
	Status Status
	Data   T
	Err    error
	// UpdatedAt is when Data was written to the cache.
	UpdatedAt time.Time
	// Fetching is set while a background revalidation runs.
	Fetching bool
}

// Options configures a Query. Zero StaleTime and CacheTime take the defaults.
type Options[T any] struct {
	Key     cachestore.Key
	Fetcher func(ctx context.Context) (T, error)
	// Enabled gates every fetch; nil means always enabled.
	Enabled        func() bool
	StaleTime      time.Duration
	CacheTime      time.Duration
	RefetchOnMount bool
	OnSuccess      func(data T)
	OnError        func(err error)
	Logger         *zap.Logger
}

// Query is a cache-first reader bound to one key at a time.
type Query[T any] struct {
	store  *cachestore.Store
	opts   Options[T]
	logger *zap.Logger

	mu       sync.Mutex
	key      cachestore.Key
	state    State[T]
	gen      uint64
	active   bool
	nextID   uint64
	inflight map[uint64]context.CancelFunc
	subs     map[uint64]func(State[T])
	bg       sync.WaitGroup
}

// New creates an idle query over store.
func New[T any](store *cachestore.Store, opts Options[T]) *Query[T] {
	if opts.StaleTime <= 0 {
		opts.StaleTime = DefaultStaleTime
	}
	if opts.CacheTime <= 0 {
		opts.CacheTime = DefaultCacheTime
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Query[T]{
		store:    store,
		opts:     opts,
		logger:   logger,
		key:      opts.Key,
		inflight: make(map[uint64]context.CancelFunc),
		subs:     make(map[uint64]func(State[T])),
	}
}

// Key returns the key the query currently reads.
func (q *Query[T]) Key() cachestore.Key {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.key
}

// State returns the current state.
func (q *Query[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Subscribe registers fn for every state change. The returned func removes it.
func (q *Query[T]) Subscribe(fn func(State[T])) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.subs[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}
}

// Activate starts a new activation and runs the query: from the cache when
// possible, otherwise by fetching. It blocks until the state settles; a
// background revalidation may continue afterwards.
func (q *Query[T]) Activate(ctx context.Context) State[T] {
	q.mu.Lock()
	q.active = true
	gen := q.bumpLocked()
	q.mu.Unlock()
	return q.run(ctx, gen, q.opts.RefetchOnMount)
}

// Deactivate ends the activation. In-flight fetches are cancelled and their
// results ignored.
func (q *Query[T]) Deactivate() {
	q.mu.Lock()
	q.active = false
	q.bumpLocked()
	q.mu.Unlock()
}

// Refetch fetches regardless of the cache.
func (q *Query[T]) Refetch(ctx context.Context) State[T] {
	q.mu.Lock()
	gen := q.gen
	q.mu.Unlock()
	return q.run(ctx, gen, true)
}

// SetKey switches the query to key. An active query re-runs against the new key.
func (q *Query[T]) SetKey(ctx context.Context, key cachestore.Key) State[T] {
	q.mu.Lock()
	if q.key == key {
		st := q.state
		q.mu.Unlock()
		return st
	}
	q.key = key
	gen := q.bumpLocked()
	active := q.active
	q.mu.Unlock()
	if !active {
		return q.State()
	}
	return q.run(ctx, gen, false)
}

// Invalidate deletes the cached entry. The current state is left as is.
func (q *Query[T]) Invalidate() {
	k := q.Key()
	q.store.Delete(k.Namespace, k.Key)
}

// IsStale reports whether the key has no valid cache entry.
func (q *Query[T]) IsStale() bool {
	k := q.Key()
	return !q.store.Has(k.Namespace, k.Key)
}

// Wait blocks until background revalidations have finished.
func (q *Query[T]) Wait() { q.bg.Wait() }

// Prefetch warms the cache for the current key without touching query state.
// A valid entry is left in place.
func (q *Query[T]) Prefetch(ctx context.Context) error {
	return Prefetch(ctx, q.store, q.Key(), q.opts.Fetcher, q.opts.CacheTime)
}

func (q *Query[T]) enabled() bool {
	return q.opts.Enabled == nil || q.opts.Enabled()
}

func (q *Query[T]) namespace(k cachestore.Key) *cachestore.Namespace[T] {
	return cachestore.NewNamespace[T](q.store, k.Namespace)
}

// bumpLocked starts a new generation and cancels every in-flight fetch.
func (q *Query[T]) bumpLocked() uint64 {
	q.gen++
	for id, cancel := range q.inflight {
		cancel()
		delete(q.inflight, id)
	}
	return q.gen
}

func (q *Query[T]) run(ctx context.Context, gen uint64, force bool) State[T] {
	if !q.enabled() {
		return q.State()
	}
	k := q.Key()
	if !force {
		if e, ok := q.namespace(k).GetEntry(k.Key); ok {
			q.logger.Debug("query cache hit", zap.Stringer("key", k))
			stale := e.Age(q.store.Clock().Now()) >= q.opts.StaleTime
			st, ok := q.commit(gen, func(s *State[T]) {
				*s = State[T]{Status: Success, Data: e.Data, UpdatedAt: e.CreatedAt, Fetching: stale}
			})
			if !ok {
				return st
			}
			if q.opts.OnSuccess != nil {
				q.opts.OnSuccess(e.Data)
			}
			if stale {
				q.bg.Add(1)
				go func() {
					defer q.bg.Done()
					q.fetch(context.WithoutCancel(ctx), gen, k, true)
				}()
			}
			return st
		}
		q.logger.Debug("query cache miss", zap.Stringer("key", k))
	}
	return q.fetch(ctx, gen, k, false)
}

func (q *Query[T]) fetch(ctx context.Context, gen uint64, k cachestore.Key, background bool) State[T] {
	q.mu.Lock()
	if gen != q.gen {
		st := q.state
		q.mu.Unlock()
		return st
	}
	ctx, cancel := context.WithCancel(ctx)
	id := q.nextID
	q.nextID++
	q.inflight[id] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.inflight, id)
		q.mu.Unlock()
		cancel()
	}()

	if !background {
		q.commit(gen, func(s *State[T]) {
			s.Status = Loading
			s.Err = nil
		})
	}

	data, err := q.opts.Fetcher(ctx)
	if err != nil {
		st, ok := q.commit(gen, func(s *State[T]) {
			s.Status = Error
			s.Err = err
			s.Fetching = false
		})
		if !ok {
			q.logger.Debug("dropping late query error", zap.Stringer("key", k), zap.Error(err))
			return st
		}
		q.logger.Debug("query fetch failed", zap.Stringer("key", k), zap.Error(err))
		if q.opts.OnError != nil {
			q.opts.OnError(err)
		}
		return st
	}

	alive := q.locked(gen, func() {
		q.namespace(k).Set(k.Key, data, q.opts.CacheTime)
	})
	if !alive {
		q.logger.Debug("dropping late query result", zap.Stringer("key", k))
		return q.State()
	}
	st, ok := q.commit(gen, func(s *State[T]) {
		*s = State[T]{Status: Success, Data: data, UpdatedAt: q.store.Clock().Now()}
	})
	if ok && q.opts.OnSuccess != nil {
		q.opts.OnSuccess(data)
	}
	return st
}

// locked runs fn under the query lock if gen is still current.
func (q *Query[T]) locked(gen uint64, fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		return false
	}
	fn()
	return true
}

// commit applies fn to the state if gen is current and notifies subscribers.
func (q *Query[T]) commit(gen uint64, fn func(*State[T])) (State[T], bool) {
	q.mu.Lock()
	if gen != q.gen {
		st := q.state
		q.mu.Unlock()
		return st, false
	}
	fn(&q.state)
	st := q.state
	subs := make([]func(State[T]), 0, len(q.subs))
	for _, s := range q.subs {
		subs = append(subs, s)
	}
	q.mu.Unlock()

	for _, s := range subs {
		s(st)
	}
	return st, true
}
