// Package mutation runs writes with optimistic cache updates.
//
// Mutate snapshots every key the mutation may touch, applies the optimistic
// predictions, and calls the fetcher. On success the invalidated and resource
// keys are deleted and the cache updates run against the result. On failure
// every snapshot is restored, so the cache looks as it did before the call.
package mutation

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guarzo/cachesync/modules/cachestore"
)

// Status is the lifecycle position of a mutation.
type Status int

const (
	Idle Status = iota
	Mutating
	Success
	Error
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Mutating:
		return "mutating"
	case Success:
		return "success"
	case Error:
		return "error"
	}
	return "unknown"
}

// State is the outcome of the latest Mutate call.
type State[R any] struct {
	Status Status
	Data   R
	Err    error
}

// Options configures a Mutation.
type Options[V, R any] struct {
	Fetcher        func(ctx context.Context, vars V) (R, error)
	InvalidateKeys []cachestore.Key
	UpdateCache    []CacheUpdate[V, R]
	Optimistic     []OptimisticUpdate[V]
	Resources      []ResourceKey[V]
	OnSuccess      func(result R, vars V)
	OnError        func(err error, vars V)
	Logger         *zap.Logger
}

// Mutation is a reusable write operation over store.
type Mutation[V, R any] struct {
	store  *cachestore.Store
	opts   Options[V, R]
	logger *zap.Logger

	mu     sync.Mutex
	state  State[R]
	closed bool
	nextID uint64
	subs   map[uint64]func(State[R])
}

// New creates an idle mutation over store.
func New[V, R any](store *cachestore.Store, opts Options[V, R]) *Mutation[V, R] {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mutation[V, R]{
		store:  store,
		opts:   opts,
		logger: logger,
		subs:   make(map[uint64]func(State[R])),
	}
}

// Mutate runs the mutation with vars. The fetcher's error is returned unchanged.
func (m *Mutation[V, R]) Mutate(ctx context.Context, vars V) (R, error) {
	log := m.logger.With(zap.String("mutation_id", uuid.NewString()))

	keys := m.keys(vars)
	snaps := make([]cachestore.Snapshot, 0, len(keys))
	for _, k := range keys {
		snaps = append(snaps, m.store.Snapshot(k))
	}

	m.setState(State[R]{Status: Mutating})
	for _, u := range m.opts.Optimistic {
		u.apply(vars)
	}
	log.Debug("mutation started", zap.Int("snapshots", len(snaps)), zap.Int("optimistic", len(m.opts.Optimistic)))

	result, err := m.opts.Fetcher(ctx, vars)
	if err != nil {
		for _, s := range snaps {
			m.store.Restore(s)
		}
		log.Debug("mutation failed, cache restored", zap.Error(err))
		if m.setState(State[R]{Status: Error, Err: err}) && m.opts.OnError != nil {
			m.opts.OnError(err, vars)
		}
		var zero R
		return zero, err
	}

	for _, k := range m.opts.InvalidateKeys {
		m.store.Delete(k.Namespace, k.Key)
	}
	for _, u := range m.opts.UpdateCache {
		u.apply(result, vars)
	}
	for _, rk := range m.opts.Resources {
		if k := rk(vars); k != (cachestore.Key{}) {
			m.store.Delete(k.Namespace, k.Key)
		}
	}
	log.Debug("mutation succeeded")
	if m.setState(State[R]{Status: Success, Data: result}) && m.opts.OnSuccess != nil {
		m.opts.OnSuccess(result, vars)
	}
	return result, nil
}

// keys lists every distinct key the mutation may touch for vars.
func (m *Mutation[V, R]) keys(vars V) []cachestore.Key {
	seen := make(map[cachestore.Key]struct{})
	var out []cachestore.Key
	add := func(k cachestore.Key) {
		if k == (cachestore.Key{}) {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range m.opts.InvalidateKeys {
		add(k)
	}
	for _, u := range m.opts.UpdateCache {
		add(u.Key)
	}
	for _, u := range m.opts.Optimistic {
		add(u.Key)
	}
	for _, rk := range m.opts.Resources {
		add(rk(vars))
	}
	return out
}

// State returns the current state.
func (m *Mutation[V, R]) State() State[R] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset returns the mutation to Idle.
func (m *Mutation[V, R]) Reset() { m.setState(State[R]{}) }

// Subscribe registers fn for every state change. The returned func removes it.
func (m *Mutation[V, R]) Subscribe(fn func(State[R])) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close detaches the mutation from its owner. Calls still in flight finish
// their cache work but no longer update state or run callbacks.
func (m *Mutation[V, R]) Close() {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[uint64]func(State[R]))
	m.mu.Unlock()
}

// setState reports false when the mutation is closed.
func (m *Mutation[V, R]) setState(st State[R]) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.state = st
	subs := make([]func(State[R]), 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s(st)
	}
	return true
}
