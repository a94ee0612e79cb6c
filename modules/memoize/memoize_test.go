package memoize_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guarzo/cachesync/modules/cachestore"
	"github.com/guarzo/cachesync/modules/memoize"
)

type renderArgs struct {
	Template string
	Fields   map[string]string
}

func newNamespace(t *testing.T) (*cachestore.Namespace[string], *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := cachestore.New(cachestore.WithClock(clock))
	t.Cleanup(func() { _ = store.Close() })
	return cachestore.NewNamespace[string](store, cachestore.NamespaceTemplates), clock
}

func TestMemoizedFunctionRunsOncePerArgs(t *testing.T) {
	ns, _ := newNamespace(t)
	calls := 0
	render := memoize.Func(ns, func(_ context.Context, a renderArgs) (string, error) {
		calls++
		return fmt.Sprintf("%s:%s", a.Template, a.Fields["name"]), nil
	})

	ctx := context.Background()
	args := renderArgs{Template: "cover", Fields: map[string]string{"name": "Ada"}}
	for i := 0; i < 3; i++ {
		out, err := render(ctx, args)
		require.NoError(t, err)
		assert.Equal(t, "cover:Ada", out)
	}
	assert.Equal(t, 1, calls)

	_, err := render(ctx, renderArgs{Template: "cover", Fields: map[string]string{"name": "Bob"}})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestFailureIsNeverCached(t *testing.T) {
	ns, _ := newNamespace(t)
	calls := 0
	boom := errors.New("boom")
	fn := memoize.Func(ns, func(context.Context, int) (string, error) {
		calls++
		if calls == 1 {
			return "", boom
		}
		return "ok", nil
	})

	ctx := context.Background()
	_, err := fn(ctx, 7)
	assert.ErrorIs(t, err, boom)

	out, err := fn(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, calls, "failed call re-attempted")
}

func TestCustomKeyAndTTL(t *testing.T) {
	ns, clock := newNamespace(t)
	calls := 0
	fn := memoize.Func(ns, func(_ context.Context, id int) (string, error) {
		calls++
		return fmt.Sprint(id), nil
	}, memoize.WithName("byid"), memoize.WithKey(func(id int) string { return fmt.Sprint(id % 10) }), memoize.WithTTL(time.Minute))

	ctx := context.Background()
	_, _ = fn(ctx, 3)
	out, _ := fn(ctx, 13)
	assert.Equal(t, "3", out, "custom key folds 3 and 13 together")
	assert.Equal(t, 1, calls)
	assert.True(t, ns.Has("byid:3"))

	clock.Advance(time.Minute)
	_, _ = fn(ctx, 3)
	assert.Equal(t, 2, calls, "expired result recomputed")
}

func TestNamesKeepFunctionsApart(t *testing.T) {
	ns, _ := newNamespace(t)
	upper := memoize.Func(ns, func(_ context.Context, s string) (string, error) { return "U" + s, nil }, memoize.WithName("upper"))
	lower := memoize.Func(ns, func(_ context.Context, s string) (string, error) { return "l" + s, nil }, memoize.WithName("lower"))

	ctx := context.Background()
	a, _ := upper(ctx, "x")
	b, _ := lower(ctx, "x")
	assert.Equal(t, "Ux", a)
	assert.Equal(t, "lx", b)
}

func TestUnencodableArgsBypassCache(t *testing.T) {
	ns, _ := newNamespace(t)
	calls := 0
	fn := memoize.Func(ns, func(context.Context, chan int) (string, error) {
		calls++
		return "v", nil
	})
	ch := make(chan int)
	_, _ = fn(context.Background(), ch)
	_, _ = fn(context.Background(), ch)
	assert.Equal(t, 2, calls)
	assert.Empty(t, ns.Keys())
}

func TestWithKeyTypeMismatchPanics(t *testing.T) {
	ns, _ := newNamespace(t)
	assert.Panics(t, func() {
		memoize.Func(ns, func(context.Context, int) (string, error) { return "", nil },
			memoize.WithKey(func(s string) string { return s }))
	})
}

func TestKeyIsStable(t *testing.T) {
	a, err := memoize.Key("", map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := memoize.Key("", map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, len("memo:")+64)
}
