// Package memstore is an in-process implementation of the storage
// collaborator contracts. It provides the same atomicity the Redis
// implementation does within one process and is used by tests and
// single-process deployments.
package memstore

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/latolukasz/beeorm-core/storage"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	_ storage.KV         = (*Store)(nil)
	_ storage.IndexStore = (*Store)(nil)
	_ storage.Locker     = (*Store)(nil)
	_ storage.Stream     = (*Store)(nil)
)

type item struct {
	value   []byte
	expires time.Time
}

func (i item) live(now time.Time) bool {
	return i.expires.IsZero() || now.Before(i.expires)
}

// Store keeps keys in a concurrent map and streams in mutex-guarded logs.
type Store struct {
	items *xsync.MapOf[string, item]
	now   func() time.Time

	mu      sync.Mutex
	streams map[string]*stream
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, letting tests expire keys deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		items:   xsync.NewMapOf[string, item](),
		now:     time.Now,
		streams: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get implements storage.KV.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	it, ok := s.items.Load(key)
	if !ok || !it.live(s.now()) {
		return nil, false, nil
	}
	return append([]byte(nil), it.value...), true, nil
}

// Set implements storage.KV.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.items.Store(key, item{value: append([]byte(nil), value...), expires: s.expiry(ttl)})
	return nil
}

// Delete implements storage.KV.
func (s *Store) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.items.Delete(k)
	}
	return nil
}

// Incr implements storage.KV.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	var (
		n      int64
		parseE error
	)
	now := s.now()
	s.items.Compute(key, func(old item, loaded bool) (item, bool) {
		if loaded && old.live(now) {
			v, err := strconv.ParseInt(string(old.value), 10, 64)
			if err != nil {
				parseE = err
				return old, false
			}
			n = v
		}
		n++
		return item{value: []byte(strconv.FormatInt(n, 10)), expires: old.expires}, false
	})
	return n, parseE
}

// Keys implements storage.KV.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	now := s.now()
	var keys []string
	s.items.Range(func(k string, it item) bool {
		if strings.HasPrefix(k, prefix) && it.live(now) {
			keys = append(keys, k)
		}
		return true
	})
	return keys, nil
}

// Reserve implements storage.IndexStore.
func (s *Store) Reserve(_ context.Context, key, claim string, ttl time.Duration) (string, bool, error) {
	now := s.now()
	var (
		holder string
		ok     bool
	)
	s.items.Compute(key, func(old item, loaded bool) (item, bool) {
		if loaded && old.live(now) {
			holder = string(old.value)
			ok = holder == claim
			return old, false
		}
		ok = true
		return item{value: []byte(claim), expires: s.expiry(ttl)}, false
	})
	return holder, ok, nil
}

// Commit implements storage.IndexStore.
func (s *Store) Commit(_ context.Context, key, claim, owner string) error {
	now := s.now()
	s.items.Compute(key, func(old item, loaded bool) (item, bool) {
		if loaded && old.live(now) && string(old.value) != claim && string(old.value) != owner {
			return old, false
		}
		return item{value: []byte(owner)}, false
	})
	return nil
}

// Release implements storage.IndexStore.
func (s *Store) Release(_ context.Context, key, holder string) error {
	s.items.Compute(key, func(old item, loaded bool) (item, bool) {
		if !loaded {
			return old, true
		}
		return old, string(old.value) == holder
	})
	return nil
}

// Holder implements storage.IndexStore.
func (s *Store) Holder(ctx context.Context, key string) (string, bool, error) {
	v, found, err := s.Get(ctx, key)
	return string(v), found, err
}

// Obtain implements storage.Locker.
func (s *Store) Obtain(ctx context.Context, key string, ttl time.Duration) (storage.Lock, bool, error) {
	token := uuid.NewString()
	_, ok, err := s.Reserve(ctx, key, token, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return &lock{store: s, key: key, token: token}, true, nil
}

type lock struct {
	store *Store
	key   string
	token string
}

func (l *lock) Refresh(_ context.Context, ttl time.Duration) error {
	now := l.store.now()
	held := false
	l.store.items.Compute(l.key, func(old item, loaded bool) (item, bool) {
		if !loaded || !old.live(now) || string(old.value) != l.token {
			return old, !loaded
		}
		held = true
		return item{value: old.value, expires: l.store.expiry(ttl)}, false
	})
	if !held {
		return storage.ErrLockNotHeld
	}
	return nil
}

func (l *lock) Release(_ context.Context) error {
	now := l.store.now()
	held := false
	l.store.items.Compute(l.key, func(old item, loaded bool) (item, bool) {
		if !loaded {
			return old, true
		}
		held = old.live(now) && string(old.value) == l.token
		return old, held
	})
	if !held {
		return storage.ErrLockNotHeld
	}
	return nil
}
