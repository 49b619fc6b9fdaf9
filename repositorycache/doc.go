// Package repositorycache serves read-through entity lookups from the cache
// pools the flush coordinator invalidates.
//
// # Lookups
//
// GetByID reads the primary-cache entry of a row (key cache.PrimaryKey) from
// the pool its entity type declares and falls back to the relational store
// on a miss. GetByUnique resolves a unique index tuple to its owner through
// a cached lookup entry (key cache.UniqueLookupKey) backed by the
// authoritative index store, then loads the owner by id.
//
// # Versions
//
// Entries are stored under cache.VersionedKey, at the version counter kept
// for the key in the shared KV store. The Repository is a flush observer:
// for every key listed in a committed change set it increments the counter
// and drops the entry of the previous version. A read that loaded the row
// before the commit stores its result under the old version, where no later
// read looks, so stale fills never outlive the commit:
//
//	repo := repositorycache.New(registry, db, index, versions,
//		repositorycache.WithCache(schema.PoolLocal, local),
//		repositorycache.WithCache(schema.PoolRedis, shared),
//	)
//	coordinator := flush.New(registry, db, index, flush.WithObserver(repo))
//	product, err := repo.GetByUnique(ctx, "Product", "name", "wheel")
//
// Counters are shared, so a commit in one process also retires the local pool
// entries of every other process.
//
// # Misses
//
// A missing or soft-deleted row and a tuple held by a pending insert all
// return ErrNotFound. Misses are not cached. Entity types whose pool has no
// configured service are read from the store every time.
package repositorycache
