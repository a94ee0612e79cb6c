package cachestore

import "go.uber.org/zap"

// Snapshot is the state of one key at a point in time, including absence.
// Entry.Data is a detached copy: the payload encoded with the store codec as
// Raw, or the live value itself when the codec cannot encode it.
type Snapshot struct {
	Key     Key
	Present bool
	Entry   Entry[any]
}

// Snapshot captures the current state of k. An expired entry is captured as absent.
func (s *Store) Snapshot(k Key) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lookup(k.String())
	if !ok {
		return Snapshot{Key: k}
	}
	return Snapshot{
		Key:     k,
		Present: true,
		Entry:   Entry[any]{Data: s.detach(it.data), CreatedAt: it.createdAt, TTL: it.ttl},
	}
}

// detach copies data so later in-place edits of the cached value do not
// reach the snapshot. Callers hold s.mu.
func (s *Store) detach(data any) any {
	if raw, ok := data.(Raw); ok {
		return append(Raw(nil), raw...)
	}
	b, err := s.codec.Marshal(data)
	if err != nil {
		s.logger.Debug("snapshot keeps live value", zap.Error(err))
		return data
	}
	return Raw(b)
}

// Restore puts k back into the captured state. A snapshot of an absent key
// deletes k. A restored entry keeps its original creation time and TTL, so it
// is deleted instead if it would already have expired.
func (s *Store) Restore(snap Snapshot) {
	k := snap.Key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !snap.Present || !snap.Entry.Valid(s.clock.Now()) {
		s.drop(k)
		return
	}
	e := snap.Entry
	s.put(k, e.Data, e.CreatedAt, e.TTL)
	s.persist(k, e.Data, e.CreatedAt, e.TTL)
}
