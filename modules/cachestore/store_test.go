package cachestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/guarzo/cachesync/modules/cachestore"
	"github.com/guarzo/cachesync/modules/persist"
)

type resume struct {
	Title string `json:"title"`
}

var epoch = time.UnixMilli(1_700_000_000_000)

func newStore(t *testing.T, opts ...cachestore.Option) (*cachestore.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	store := cachestore.New(append([]cachestore.Option{cachestore.WithClock(clock)}, opts...)...)
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func TestTTLExpiry(t *testing.T) {
	store, clock := newStore(t)
	resumes := cachestore.NewNamespace[resume](store, "resume")

	resumes.Set("resume_1", resume{Title: "X"}, 5000*time.Millisecond)

	got, ok := resumes.Get("resume_1")
	require.True(t, ok)
	assert.Equal(t, resume{Title: "X"}, got)

	clock.Advance(4000 * time.Millisecond)
	got, ok = resumes.Get("resume_1")
	require.True(t, ok, "still valid at 4000ms")
	assert.Equal(t, "X", got.Title)

	clock.Advance(2000 * time.Millisecond)
	_, ok = resumes.Get("resume_1")
	assert.False(t, ok, "expired at 6000ms")
}

func TestZeroTTLNeverExpires(t *testing.T) {
	store, clock := newStore(t)
	store.Set("templates", "base", "<html>", cachestore.NoExpiry)

	clock.Advance(1000 * time.Hour)
	e, ok := store.Get("templates", "base")
	require.True(t, ok)
	assert.Equal(t, "<html>", e.Data)

	store.Delete("templates", "base")
	assert.False(t, store.Has("templates", "base"))
}

func TestDefaultTTL(t *testing.T) {
	store, clock := newStore(t, cachestore.WithDefaultTTL(time.Minute))
	store.Set("api", "k", 1, cachestore.UseDefault)

	e, ok := store.Get("api", "k")
	require.True(t, ok)
	assert.Equal(t, time.Minute, e.TTL)

	clock.Advance(time.Minute)
	assert.False(t, store.Has("api", "k"))
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _ := newStore(t, cachestore.WithDurable(persist.NewMemoryStore()))
	assert.NotPanics(t, func() {
		store.Delete("api", "never-set")
		store.Set("api", "k", 1, 0)
		store.Delete("api", "k")
		store.Delete("api", "k")
	})
	assert.False(t, store.Has("api", "k"))
}

func TestNamespaceIsolation(t *testing.T) {
	store, _ := newStore(t)
	a := cachestore.NewNamespace[string](store, "a")
	b := cachestore.NewNamespace[string](store, "b")

	a.Set("key", "data", time.Minute)
	_, ok := b.Get("key")
	assert.False(t, ok)

	b.Set("key", "other", time.Minute)
	a.Clear()
	_, ok = a.Get("key")
	assert.False(t, ok)
	got, ok := b.Get("key")
	require.True(t, ok)
	assert.Equal(t, "other", got)
}

func TestDurableRecoveryAfterVolatileWipe(t *testing.T) {
	durable := persist.NewMemoryStore()
	store, clock := newStore(t, cachestore.WithDurable(durable))
	resumes := cachestore.NewNamespace[resume](store, "resume")

	resumes.Set("resume_1", resume{Title: "X"}, 5*time.Second)
	store.ClearVolatile()
	clock.Advance(3 * time.Second)

	got, ok := resumes.Get("resume_1")
	require.True(t, ok)
	assert.Equal(t, resume{Title: "X"}, got)
	assert.Equal(t, uint64(1), store.Stats().DurableHits)

	// the hydrated entry keeps its original creation time
	clock.Advance(2 * time.Second)
	_, ok = resumes.Get("resume_1")
	assert.False(t, ok)
	assert.Equal(t, 0, durable.Len(), "expired entry removed from the durable tier")
}

func TestOverwriteReplacesPendingEviction(t *testing.T) {
	store, clock := newStore(t)

	store.Set("api", "k", "v1", 5*time.Second)
	clock.Advance(3 * time.Second)
	store.Set("api", "k", "v2", 5*time.Second)

	// the first Set's eviction would have fired at 5s
	clock.Advance(3 * time.Second)
	e, ok := store.Get("api", "k")
	require.True(t, ok)
	assert.Equal(t, "v2", e.Data)

	clock.Advance(2 * time.Second)
	assert.Eventually(t, func() bool { return len(store.Keys("api")) == 0 },
		time.Second, 5*time.Millisecond, "eviction timer removes the entry")
	assert.Equal(t, uint64(1), store.Stats().Evictions)
}

// brokenStore fails every write.
type brokenStore struct{ *persist.MemoryStore }

func (b *brokenStore) Save(context.Context, string, []byte) error { return errors.New("quota exceeded") }

func TestDurableWriteFailureIsSwallowed(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store, _ := newStore(t,
		cachestore.WithDurable(&brokenStore{MemoryStore: persist.NewMemoryStore()}),
		cachestore.WithLogger(zap.New(core)))

	store.Set("user", "me", "profile", time.Minute)

	e, ok := store.Get("user", "me")
	require.True(t, ok, "volatile write succeeds")
	assert.Equal(t, "profile", e.Data)

	entries := logs.FilterMessage("durable cache write failed").All()
	require.Len(t, entries, 1)
	var werr *cachestore.WriteError
	require.ErrorAs(t, entries[0].Context[1].Interface.(error), &werr)
	assert.Equal(t, "user:me", werr.Key)
	assert.Equal(t, uint64(1), store.Stats().DurableErrors)
}

func TestUnencodableValueStaysVolatile(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	durable := persist.NewMemoryStore()
	store, _ := newStore(t, cachestore.WithDurable(durable), cachestore.WithLogger(zap.New(core)))

	store.Set("api", "fn", func() {}, time.Minute)

	assert.True(t, store.Has("api", "fn"))
	assert.Equal(t, 0, durable.Len())
	assert.Equal(t, 1, logs.FilterMessage("durable cache write failed").Len())
}

func TestCorruptDurableRecordIsAMiss(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	durable := persist.NewMemoryStore()
	require.NoError(t, durable.Save(ctx, "api:k", []byte("not a record")))
	store, _ := newStore(t, cachestore.WithDurable(durable), cachestore.WithLogger(zap.New(core)))

	_, ok := store.Get("api", "k")
	assert.False(t, ok)
	assert.Equal(t, 0, durable.Len(), "corrupt record removed")
	assert.Equal(t, 1, logs.FilterMessage("durable cache read failed").Len())
}

func TestUndecodablePayloadIsAMiss(t *testing.T) {
	durable := persist.NewMemoryStore()
	store, _ := newStore(t, cachestore.WithDurable(durable))
	store.Set("resume", "r", "just a string", time.Minute)
	store.ClearVolatile()

	resumes := cachestore.NewNamespace[resume](store, "resume")
	_, ok := resumes.Get("r")
	assert.False(t, ok)
	assert.False(t, store.Has("resume", "r"), "entry deleted after decode failure")
}

func TestExpiredDurableRecordIsRemoved(t *testing.T) {
	ctx := context.Background()
	durable := persist.NewMemoryStore()
	rec, err := persist.JSONCodec{}.EncodeRecord(persist.Record{
		Data:      []byte(`"old"`),
		CreatedAt: epoch.Add(-time.Hour),
		TTL:       time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, durable.Save(ctx, "api:old", rec))

	store, _ := newStore(t, cachestore.WithDurable(durable))
	assert.False(t, store.Has("api", "old"))
	assert.Equal(t, 0, durable.Len())
	assert.Equal(t, uint64(1), store.Stats().Expired)
}

func TestClearNamespaceClearsBothTiers(t *testing.T) {
	durable := persist.NewMemoryStore()
	store, _ := newStore(t, cachestore.WithDurable(durable))
	store.Set("api", "a", 1, 0)
	store.Set("api", "b", 2, 0)
	store.Set("user", "me", 3, 0)
	store.ClearVolatile()
	store.Set("api", "c", 4, 0)

	store.ClearNamespace("api")
	assert.Empty(t, store.Keys("api"))
	assert.Equal(t, []string{"me"}, store.Keys("user"))
	assert.Equal(t, 1, durable.Len())

	store.ClearAll()
	assert.Equal(t, 0, durable.Len())
	assert.False(t, store.Has("user", "me"))
}

// unlistableStore cannot enumerate keys.
type unlistableStore struct{ *persist.MemoryStore }

func (unlistableStore) Keys(context.Context, string) ([]string, error) {
	return nil, persist.ErrUnsupported
}

func TestClearWithUnlistableDurableTier(t *testing.T) {
	durable := unlistableStore{persist.NewMemoryStore()}
	store, _ := newStore(t, cachestore.WithDurable(durable))
	store.Set("api", "a", 1, 0)

	assert.NotPanics(t, store.ClearAll)
	assert.False(t, store.Has("api", "a"))
	assert.Equal(t, 0, durable.Len(), "known keys removed without listing")
	assert.Equal(t, -1, store.Stats().Durable)
}

func TestStats(t *testing.T) {
	durable := persist.NewMemoryStore()
	store, clock := newStore(t, cachestore.WithDurable(durable))
	store.Set("api", "a", 1, time.Second)
	store.Set("api", "b", 2, 0)
	store.Set("user", "me", 3, 0)
	store.Get("api", "b")
	store.Get("api", "missing")

	clock.Advance(2 * time.Second)
	st := store.Stats()
	assert.Equal(t, 2, st.Volatile)
	assert.Equal(t, 1, st.Namespaces["api"].Volatile)
	assert.Equal(t, 1, st.Namespaces["user"].Volatile)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	durable := persist.NewMemoryStore()
	store, clock := newStore(t, cachestore.WithDurable(durable))
	store.Set("api", "short", 1, time.Second)
	store.Set("api", "long", 2, time.Hour)
	require.NoError(t, durable.Save(ctx, "api:junk", []byte("junk")))

	clock.Advance(2 * time.Second)
	// the eviction timer for "short" may or may not have run yet
	removed := store.Sweep()
	assert.GreaterOrEqual(t, removed, 1)
	assert.Equal(t, []string{"long"}, store.Keys("api"))
}

func TestSnapshotRestore(t *testing.T) {
	store, clock := newStore(t)
	store.Set("api", "list", []string{"A", "B"}, time.Minute)

	present := store.Snapshot(cachestore.K("api", "list"))
	absent := store.Snapshot(cachestore.K("api", "none"))
	require.True(t, present.Present)
	assert.False(t, absent.Present)

	store.Set("api", "list", []string{"A"}, time.Minute)
	store.Set("api", "none", "x", time.Minute)
	clock.Advance(10 * time.Second)

	store.Restore(present)
	store.Restore(absent)

	e, ok := cachestore.NewNamespace[[]string](store, "api").GetEntry("list")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, e.Data)
	assert.True(t, e.CreatedAt.Equal(epoch), "original creation time kept")
	assert.False(t, store.Has("api", "none"))

	clock.Advance(time.Minute)
	store.Restore(present)
	assert.False(t, store.Has("api", "list"), "restoring an expired snapshot deletes")
}

func TestSnapshotIsDetachedFromLiveValue(t *testing.T) {
	store, _ := newStore(t)
	lists := cachestore.NewNamespace[[]string](store, "api")
	lists.Set("list", []string{"A", "B", "C"})

	snap := store.Snapshot(lists.Key("list"))
	live, _ := lists.Get("list")
	live[1] = "edited"
	lists.Set("list", live[:2])

	store.Restore(snap)
	got, ok := lists.Get("list")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B", "C"}, got)

	missing := store.Snapshot(cachestore.K("api", "missing"))
	assert.False(t, missing.Present)
	store.Set("api", "fn", func() {}, time.Minute)
	fnSnap := store.Snapshot(cachestore.K("api", "fn"))
	require.True(t, fnSnap.Present, "values the codec rejects are still captured")
}

func TestNamespacesWithColonsStayIsolated(t *testing.T) {
	store, _ := newStore(t, cachestore.WithDurable(persist.NewMemoryStore()))
	store.Set("user:profile", "1", "mine", time.Minute)
	store.Set("user", "profile:1", "other", time.Minute)

	a, _ := cachestore.NewNamespace[string](store, "user:profile").Get("1")
	b, _ := cachestore.NewNamespace[string](store, "user").Get("profile:1")
	assert.Equal(t, "mine", a)
	assert.Equal(t, "other", b)

	store.Set("tasks", "x", 1, time.Minute)
	store.Set("tasks:archived", "x", 2, time.Minute)
	store.ClearNamespace("tasks")
	assert.False(t, store.Has("tasks", "x"))
	assert.True(t, store.Has("tasks:archived", "x"))
	assert.Equal(t, []string{"x"}, store.Keys("tasks:archived"))

	st := store.Stats()
	assert.Equal(t, cachestore.NamespaceStats{Volatile: 1, Durable: 1}, st.Namespaces["tasks:archived"])
	assert.Equal(t, 1, st.Namespaces["user:profile"].Volatile)
	assert.NotContains(t, st.Namespaces, "tasks")

	k := cachestore.K("a%3A:b", "c:d")
	parsed, ok := cachestore.ParseKey(k.String())
	require.True(t, ok)
	assert.Equal(t, k, parsed)
}

func TestCloseKeepsVolatileTier(t *testing.T) {
	durable := persist.NewMemoryStore()
	store, _ := newStore(t, cachestore.WithDurable(durable))
	store.Set("api", "k", 1, time.Minute)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.True(t, store.Has("api", "k"))
	store.Set("api", "j", 2, time.Minute)
	assert.True(t, store.Has("api", "j"))
}

func TestParseKey(t *testing.T) {
	k, ok := cachestore.ParseKey("api:GET /a?b=c:d")
	require.True(t, ok)
	assert.Equal(t, cachestore.K("api", "GET /a?b=c:d"), k)
	assert.Equal(t, "api:GET /a?b=c:d", k.String())

	_, ok = cachestore.ParseKey("nocolon")
	assert.False(t, ok)
}
