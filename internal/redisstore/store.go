// Package redisstore implements the storage collaborator contracts on Redis:
// plain keys for cache entries and counters, Lua scripts for the atomic
// unique index and lock operations, and streams with consumer groups for the
// deferred operation queue.
package redisstore

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/latolukasz/beeorm-core/storage"
)

var (
	_ storage.KV         = (*Store)(nil)
	_ storage.IndexStore = (*Store)(nil)
	_ storage.Locker     = (*Store)(nil)
	_ storage.Stream     = (*Store)(nil)
)

// Options configures a Redis connection.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	PoolSize int
}

// Store talks to one Redis deployment.
type Store struct {
	client   redis.UniversalClient
	consumer string
}

// New wraps an existing client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client, consumer: "beeorm"}
}

// Open connects to a single Redis node and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, connectionError(err)
	}
	return New(client), nil
}

// Client returns the underlying client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func connectionError(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, redis.ErrClosed) {
		return &storage.DriverError{Kind: storage.KindConnection, Code: "redis", Err: err}
	}
	return err
}

// Get implements storage.KV.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, connectionError(err)
	}
	return v, true, nil
}

// Set implements storage.KV.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return connectionError(s.client.Set(ctx, key, value, ttl).Err())
}

// Delete implements storage.KV.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return connectionError(s.client.Del(ctx, keys...).Err())
}

// Incr implements storage.KV.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	return n, connectionError(err)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Keys implements storage.KV with SCAN, so it never blocks the server.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, globEscaper.Replace(prefix)+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, connectionError(iter.Err())
}

var (
	reserveScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	if tonumber(ARGV[2]) > 0 then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	else
		redis.call('SET', KEYS[1], ARGV[1])
	end
	return {1, ''}
end
if cur == ARGV[1] then
	return {1, cur}
end
return {0, cur}
`)

	commitScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] and cur ~= ARGV[2] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

	refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
)

// Reserve implements storage.IndexStore.
func (s *Store) Reserve(ctx context.Context, key, claim string, ttl time.Duration) (string, bool, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{key}, claim, ttl.Milliseconds()).Slice()
	if err != nil {
		return "", false, connectionError(err)
	}
	if len(res) != 2 {
		return "", false, errors.New("redisstore: unexpected reserve reply")
	}
	ok, _ := res[0].(int64)
	holder, _ := res[1].(string)
	return holder, ok == 1, nil
}

// Commit implements storage.IndexStore.
func (s *Store) Commit(ctx context.Context, key, claim, owner string) error {
	return connectionError(commitScript.Run(ctx, s.client, []string{key}, claim, owner).Err())
}

// Release implements storage.IndexStore.
func (s *Store) Release(ctx context.Context, key, holder string) error {
	return connectionError(releaseScript.Run(ctx, s.client, []string{key}, holder).Err())
}

// Holder implements storage.IndexStore.
func (s *Store) Holder(ctx context.Context, key string) (string, bool, error) {
	v, found, err := s.Get(ctx, key)
	return string(v), found, err
}

// Obtain implements storage.Locker.
func (s *Store) Obtain(ctx context.Context, key string, ttl time.Duration) (storage.Lock, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, connectionError(err)
	}
	if !ok {
		return nil, false, nil
	}
	return &lock{store: s, key: key, token: token}, true, nil
}

type lock struct {
	store *Store
	key   string
	token string
}

func (l *lock) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.store.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return connectionError(err)
	}
	if n == 0 {
		return storage.ErrLockNotHeld
	}
	return nil
}

func (l *lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.store.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return connectionError(err)
	}
	if n == 0 {
		return storage.ErrLockNotHeld
	}
	return nil
}
