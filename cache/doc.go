// Package cache defines the cache pool contract used by the write path and
// the key layout shared by every component that reads or invalidates
// cached rows.
//
// # Pools
//
// A Service is one pool: the process-local sturdyc pool or the shared Redis
// pool (see internal/cacheinfra). Entity types pick a pool in their schema.
// Entries are projections of relational rows that can always be rebuilt, so
// Delete and DeleteByPrefix are best-effort and callers log rather than fail
// on their errors.
//
//	user, err := cache.GetOrFetch(ctx, pool, cache.PrimaryKey("User", 7),
//		func(ctx context.Context) (Row, error) { return loadUser(ctx, 7) })
//
// # Keys
//
// Keys are built by the helpers in keys.go:
//
//   - PrimaryKey: one row, "e:<entity>:<id>"
//   - UniqueLookupKey: a cached "get by unique index" answer
//   - UniqueIndexKey: the authoritative unique index tuple in the index store
//   - QueryKey, QueryVersionKey: cached query entries and their version counters
//   - LeaseKey: the consumer lease of one queue cursor
//
// Unique index members are built with a KeySerializer so that every process
// renders the same column values into the same member string. The default
// serializer refuses to derive identity from functions or channels because
// their addresses are meaningless outside the current process.
package cache
