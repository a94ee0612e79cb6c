package persist_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/guarzo/cachesync/modules/persist"
)

// failingStore fails every call and counts them.
type failingStore struct {
	persist.NoopStore
	calls atomic.Int32
}

var errDisk = errors.New("disk on fire")

func (f *failingStore) Load(context.Context, string) ([]byte, error) {
	f.calls.Add(1)
	return nil, errDisk
}

func (f *failingStore) Save(context.Context, string, []byte) error {
	f.calls.Add(1)
	return errDisk
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.InfoLevel)
	next := &failingStore{}
	cfg := persist.DefaultBreakerConfig("test")
	cfg.MinRequests = 2
	cfg.Timeout = time.Hour
	store := persist.NewBreakerStore(next, cfg, zap.New(core))

	_, err := store.Load(ctx, "a")
	assert.ErrorIs(t, err, errDisk)
	assert.ErrorIs(t, store.Save(ctx, "a", []byte("v")), errDisk)
	assert.Equal(t, "open", store.State())

	_, err = store.Load(ctx, "a")
	assert.ErrorIs(t, err, persist.ErrUnavailable)
	assert.ErrorIs(t, store.Save(ctx, "a", []byte("v")), persist.ErrUnavailable)
	assert.Equal(t, int32(2), next.calls.Load(), "open breaker does not reach the backend")

	assert.Equal(t, 1, logs.FilterMessage("durable store breaker state changed").Len())
}

func TestBreakerTreatsMissAsSuccess(t *testing.T) {
	ctx := context.Background()
	cfg := persist.DefaultBreakerConfig("miss")
	cfg.MinRequests = 1
	store := persist.NewBreakerStore(persist.NewMemoryStore(), cfg, nil)

	for i := 0; i < 10; i++ {
		_, err := store.Load(ctx, "absent")
		require.ErrorIs(t, err, persist.ErrNotFound)
	}
	assert.Equal(t, "closed", store.State())
}

// gateStore blocks Save until released.
type gateStore struct {
	*persist.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gateStore) Save(ctx context.Context, key string, value []byte) error {
	g.entered <- struct{}{}
	<-g.release
	return g.MemoryStore.Save(ctx, key, value)
}

func TestWriteBackPreservesOrderAndReadsPending(t *testing.T) {
	ctx := context.Background()
	mem := persist.NewMemoryStore()
	store := persist.NewWriteBackStore(mem, 16, nil)

	require.NoError(t, store.Save(ctx, "api:a", []byte("1")))
	require.NoError(t, store.Save(ctx, "api:a", []byte("2")))
	require.NoError(t, store.Save(ctx, "api:b", []byte("x")))
	require.NoError(t, store.Remove(ctx, "api:b"))

	got, err := store.Load(ctx, "api:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
	_, err = store.Load(ctx, "api:b")
	assert.ErrorIs(t, err, persist.ErrNotFound)

	keys, err := store.Keys(ctx, "api:")
	require.NoError(t, err)
	assert.Equal(t, []string{"api:a"}, keys)

	require.NoError(t, store.Flush(ctx))
	direct, err := mem.Load(ctx, "api:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), direct)
	assert.Equal(t, 1, mem.Len())

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Save(ctx, "api:c", []byte("v")), persist.ErrClosed)
}

func TestWriteBackDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	gate := &gateStore{
		MemoryStore: persist.NewMemoryStore(),
		entered:     make(chan struct{}, 4),
		release:     make(chan struct{}),
	}
	store := persist.NewWriteBackStore(gate, 1, zap.New(core))

	require.NoError(t, store.Save(ctx, "k1", []byte("1")))
	<-gate.entered // worker is now blocked inside Save
	require.NoError(t, store.Save(ctx, "k2", []byte("2")))
	assert.ErrorIs(t, store.Save(ctx, "k3", []byte("3")), persist.ErrQueueFull)
	assert.Equal(t, uint64(1), store.Dropped())
	assert.Equal(t, 1, logs.FilterMessage("write-back queue full, dropping operation").Len())

	close(gate.release)
	require.NoError(t, store.Close())
	assert.Equal(t, 2, gate.Len())
}

func TestWriteBackRemoveWaitsForRoom(t *testing.T) {
	ctx := context.Background()
	gate := &gateStore{
		MemoryStore: persist.NewMemoryStore(),
		entered:     make(chan struct{}, 4),
		release:     make(chan struct{}),
	}
	store := persist.NewWriteBackStore(gate, 1, nil)

	require.NoError(t, store.Save(ctx, "k1", []byte("1")))
	<-gate.entered
	require.NoError(t, store.Save(ctx, "k2", []byte("2")))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, store.Remove(short, "k2"), context.DeadlineExceeded)
	got, err := store.Load(ctx, "k2")
	require.NoError(t, err, "a failed remove leaves the queued save visible")
	assert.Equal(t, []byte("2"), got)

	removed := make(chan error, 1)
	go func() { removed <- store.Remove(ctx, "k2") }()
	assert.Eventually(t, func() bool {
		_, err := store.Load(ctx, "k2")
		return errors.Is(err, persist.ErrNotFound)
	}, time.Second, 5*time.Millisecond, "pending remove hides the key")

	close(gate.release)
	require.NoError(t, <-removed)
	require.NoError(t, store.Close())

	_, err = gate.MemoryStore.Load(ctx, "k2")
	assert.ErrorIs(t, err, persist.ErrNotFound, "queued save did not outlive the remove")
	_, err = gate.MemoryStore.Load(ctx, "k1")
	assert.NoError(t, err)
}
