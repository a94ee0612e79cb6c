package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcacheAPI is the subset of *memcache.Client used by MemcachedStore.
type MemcacheAPI interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Delete(key string) error
}

// MemcachedStore keeps records in memcached. Memcached cannot enumerate keys,
// so Keys answers from the set of keys this process has written.
type MemcachedStore struct {
	client MemcacheAPI
	prefix string

	mu    sync.Mutex
	index map[string]struct{}
}

// NewMemcachedStore dials the given servers, e.g. "localhost:11211".
func NewMemcachedStore(prefix string, servers ...string) *MemcachedStore {
	return NewMemcachedStoreWithClient(memcache.New(servers...), prefix)
}

// NewMemcachedStoreWithClient wraps an existing client.
func NewMemcachedStoreWithClient(client MemcacheAPI, prefix string) *MemcachedStore {
	return &MemcachedStore{
		client: client,
		prefix: prefix,
		index:  make(map[string]struct{}),
	}
}

// serverKey maps a cache key to a memcache-legal key. Keys longer than 250
// bytes or containing spaces/control characters are hashed.
func (m *MemcachedStore) serverKey(key string) string {
	k := m.prefix + key
	if len(k) <= 250 && !strings.ContainsFunc(k, func(r rune) bool { return r <= ' ' || r == 0x7f }) {
		return k
	}
	sum := sha256.Sum256([]byte(k))
	return m.prefix + "h:" + hex.EncodeToString(sum[:])
}

func (m *MemcachedStore) Load(_ context.Context, key string) ([]byte, error) {
	item, err := m.client.Get(m.serverKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("persist: memcached get %q: %w", key, err)
	}
	return item.Value, nil
}

func (m *MemcachedStore) Save(_ context.Context, key string, value []byte) error {
	if err := m.client.Set(&memcache.Item{Key: m.serverKey(key), Value: value}); err != nil {
		return fmt.Errorf("persist: memcached set %q: %w", key, err)
	}
	m.mu.Lock()
	m.index[key] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemcachedStore) Remove(_ context.Context, key string) error {
	err := m.client.Delete(m.serverKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("persist: memcached delete %q: %w", key, err)
	}
	m.mu.Lock()
	delete(m.index, key)
	m.mu.Unlock()
	return nil
}

func (m *MemcachedStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.index))
	for k := range m.index {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemcachedStore) Close() error {
	if c, ok := m.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
