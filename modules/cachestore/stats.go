package cachestore

import "strings"

// NamespaceStats counts live entries of one namespace. Durable is -1 when the
// durable backend cannot list its keys.
type NamespaceStats struct {
	Volatile int
	Durable  int
}

// Stats is a point-in-time view of the store for diagnostics. Nothing in the
// cache consults it.
type Stats struct {
	// live entries per tier; Durable is -1 when the backend cannot list keys
	Volatile int
	Durable  int

	Namespaces map[string]NamespaceStats

	Hits          uint64
	Misses        uint64
	Expired       uint64
	Evictions     uint64
	DurableHits   uint64
	DurableErrors uint64
}

// Stats counts live entries per tier and namespace and reports the counters.
// Expired volatile entries are not counted and not removed.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	st := Stats{Namespaces: make(map[string]NamespaceStats)}
	s.volatile.each("", func(k string, it *item) {
		if !it.valid(now) {
			return
		}
		st.Volatile++
		ns := namespaceOf(k)
		n := st.Namespaces[ns]
		n.Volatile++
		st.Namespaces[ns] = n
	})

	durable, err := s.durableKeys("")
	if err != nil {
		st.Durable = -1
		for ns, n := range st.Namespaces {
			n.Durable = -1
			st.Namespaces[ns] = n
		}
	} else {
		st.Durable = len(durable)
		for _, k := range durable {
			ns := namespaceOf(k)
			n := st.Namespaces[ns]
			n.Durable++
			st.Namespaces[ns] = n
		}
	}

	st.Hits = s.hits.Load()
	st.Misses = s.misses.Load()
	st.Expired = s.expired.Load()
	st.Evictions = s.evictions.Load()
	st.DurableHits = s.durableHits.Load()
	st.DurableErrors = s.durableErrors.Load()
	return st
}

func namespaceOf(k string) string {
	ns, _, _ := strings.Cut(k, ":")
	return unescapeNS(ns)
}
