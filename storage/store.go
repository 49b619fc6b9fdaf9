package storage

import (
	"context"
	"errors"
	"time"
)

// ErrLockNotHeld is returned by Lock.Refresh and Lock.Release once the lock
// expired or was taken over by another holder.
var ErrLockNotHeld = errors.New("storage: lock not held")

// KV is the simple get/set/delete surface of the cache collaborator.
type KV interface {
	// Get returns found=false for a missing key.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set stores value; ttl <= 0 keeps it until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments the integer at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Keys lists the keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// IndexStore holds the unique index entries: one key per index tuple whose
// value names the owning row. Owners are opaque strings; a claim is either a
// final owner or a temporary token held until the owning transaction commits.
type IndexStore interface {
	// Reserve stores claim under key with ttl when key is absent. It reports
	// ok=true when key was absent (holder is empty) or already held by claim
	// (holder equals claim). Otherwise ok=false and holder is the current holder.
	Reserve(ctx context.Context, key, claim string, ttl time.Duration) (holder string, ok bool, err error)
	// Commit replaces claim with owner and removes the expiry. It is a no-op
	// when key is held by someone else.
	Commit(ctx context.Context, key, claim, owner string) error
	// Release deletes key when it is held by holder.
	Release(ctx context.Context, key, holder string) error
	// Holder returns the current holder of key.
	Holder(ctx context.Context, key string) (holder string, found bool, err error)
}

// Lock is a held mutual-exclusion lease.
type Lock interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker obtains TTL-bound locks. Obtain never waits for the current holder:
// it returns obtained=false immediately when the lock is taken.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (lock Lock, obtained bool, err error)
}

// StreamEntry is one appended log entry.
type StreamEntry struct {
	ID      string
	Payload []byte
}

// Stream is an append-only ordered log with named consumer groups. Every group
// sees every entry, in append order, until the group acknowledges it.
type Stream interface {
	Append(ctx context.Context, stream string, payload []byte) (id string, err error)
	// CreateGroup is idempotent.
	CreateGroup(ctx context.Context, stream, group string) error
	// Read returns up to count entries not yet acknowledged by group, oldest first.
	Read(ctx context.Context, stream, group string, count int) ([]StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Range returns up to count entries from the start of the stream.
	Range(ctx context.Context, stream string, count int) ([]StreamEntry, error)
	// Remove deletes entries from the stream.
	Remove(ctx context.Context, stream string, ids ...string) error
	Len(ctx context.Context, stream string) (int64, error)
}
