package memstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/latolukasz/beeorm-core/storage"
)

type stream struct {
	seq     uint64
	entries []storage.StreamEntry
	groups  map[string]map[string]struct{} // group -> acknowledged ids
}

func (s *Store) streamLocked(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]map[string]struct{})}
		s.streams[name] = st
	}
	return st
}

// Append implements storage.Stream.
func (s *Store) Append(_ context.Context, name string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamLocked(name)
	st.seq++
	id := fmt.Sprintf("%d-0", st.seq)
	st.entries = append(st.entries, storage.StreamEntry{ID: id, Payload: append([]byte(nil), payload...)})
	return id, nil
}

// CreateGroup implements storage.Stream.
func (s *Store) CreateGroup(_ context.Context, name, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamLocked(name)
	if _, ok := st.groups[group]; !ok {
		st.groups[group] = make(map[string]struct{})
	}
	return nil
}

// Read implements storage.Stream.
func (s *Store) Read(_ context.Context, name, group string, count int) ([]storage.StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamLocked(name)
	acked, ok := st.groups[group]
	if !ok {
		return nil, fmt.Errorf("memstore: stream %q has no group %q", name, group)
	}

	var out []storage.StreamEntry
	for _, e := range st.entries {
		if count > 0 && len(out) == count {
			break
		}
		if _, done := acked[e.ID]; done {
			continue
		}
		out = append(out, storage.StreamEntry{ID: e.ID, Payload: append([]byte(nil), e.Payload...)})
	}
	return out, nil
}

// Ack implements storage.Stream.
func (s *Store) Ack(_ context.Context, name, group string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamLocked(name)
	acked, ok := st.groups[group]
	if !ok {
		return fmt.Errorf("memstore: stream %q has no group %q", name, group)
	}
	for _, id := range ids {
		acked[id] = struct{}{}
	}
	return nil
}

// Range implements storage.Stream.
func (s *Store) Range(_ context.Context, name string, count int) ([]storage.StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.streamLocked(name).entries
	if count > 0 && len(entries) > count {
		entries = entries[:count]
	}
	out := make([]storage.StreamEntry, len(entries))
	for i, e := range entries {
		out[i] = storage.StreamEntry{ID: e.ID, Payload: append([]byte(nil), e.Payload...)}
	}
	return out, nil
}

// Remove implements storage.Stream.
func (s *Store) Remove(_ context.Context, name string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamLocked(name)
	st.entries = slices.DeleteFunc(st.entries, func(e storage.StreamEntry) bool {
		return slices.Contains(ids, e.ID)
	})
	return nil
}

// Len implements storage.Stream.
func (s *Store) Len(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.streamLocked(name).entries)), nil
}
