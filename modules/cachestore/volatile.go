package cachestore

import (
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
)

// item is what the volatile tier holds for one key.
type item struct {
	data      any
	createdAt time.Time
	ttl       time.Duration
	gen       uint64
	timer     clockwork.Timer
}

func (it *item) valid(now time.Time) bool {
	return it.ttl == 0 || now.Sub(it.createdAt) < it.ttl
}

func (it *item) stopTimer() {
	if it.timer != nil {
		it.timer.Stop()
		it.timer = nil
	}
}

// volatileTier is the in-process tier on top of go-cache. Expiry is tracked by
// the Store against its own clock, so go-cache runs with no default
// expiration and no janitor.
type volatileTier struct {
	cache *gocache.Cache
}

func newVolatileTier() *volatileTier {
	return &volatileTier{cache: gocache.New(gocache.NoExpiration, 0)}
}

func (v *volatileTier) get(k string) (*item, bool) {
	value, found := v.cache.Get(k)
	if !found {
		return nil, false
	}
	return value.(*item), true
}

func (v *volatileTier) set(k string, it *item) {
	v.cache.Set(k, it, gocache.NoExpiration)
}

func (v *volatileTier) delete(k string) {
	v.cache.Delete(k)
}

// each calls fn for every key with the given prefix ("" for all).
func (v *volatileTier) each(prefix string, fn func(k string, it *item)) {
	for k, entry := range v.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			fn(k, entry.Object.(*item))
		}
	}
}

func (v *volatileTier) len() int { return v.cache.ItemCount() }

func (v *volatileTier) flush() { v.cache.Flush() }
