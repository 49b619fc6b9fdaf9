package repositorycache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"go.uber.org/zap"

	"github.com/latolukasz/beeorm-core/cache"
	"github.com/latolukasz/beeorm-core/changeset"
	"github.com/latolukasz/beeorm-core/entity"
	"github.com/latolukasz/beeorm-core/metrics"
	"github.com/latolukasz/beeorm-core/schema"
	"github.com/latolukasz/beeorm-core/storage"
)

var (
	// ErrNotFound is returned when no live row matches a lookup.
	ErrNotFound = errors.New("repositorycache: entity not found")
	// ErrUnknownIndex is returned by GetByUnique for an index the entity type does not declare.
	ErrUnknownIndex = errors.New("repositorycache: unknown unique index")
)

// Repository reads entities through the cache pools.
type Repository struct {
	provider schema.Provider
	rows     storage.RowReader
	index    storage.IndexStore
	versions storage.KV
	pools    map[schema.CachePool]cache.Service
	keys     cache.KeySerializer
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Repository.
type Option func(*Repository)

// WithCache serves entity types declaring pool from svc.
func WithCache(pool schema.CachePool, svc cache.Service) Option {
	return func(r *Repository) {
		if svc != nil && pool != schema.PoolNone {
			r.pools[pool] = svc
		}
	}
}

// WithKeySerializer replaces the serializer used for unique index members. It
// must match the one the change set builder uses.
func WithKeySerializer(s cache.KeySerializer) Option {
	return func(r *Repository) {
		if s != nil {
			r.keys = s
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records lookup hits and misses on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// New builds a Repository reading rows from rows and unique tuple owners from
// index. Entry version counters live in versions, which must be shared by
// every process writing the same cache pools.
func New(provider schema.Provider, rows storage.RowReader, index storage.IndexStore, versions storage.KV, opts ...Option) *Repository {
	r := &Repository{
		provider: provider,
		rows:     rows,
		index:    index,
		versions: versions,
		pools:    make(map[schema.CachePool]cache.Service),
		keys:     cache.NewDefaultKeySerializer(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetByID returns the live row id of entityType as a fully loaded entity.
func (r *Repository) GetByID(ctx context.Context, entityType string, id uint64) (*entity.Entity, error) {
	s, err := r.provider.Entity(entityType)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, fmt.Errorf("%w: %s with id 0", ErrNotFound, s.Name)
	}

	row, err := lookup(ctx, r, s, cache.PrimaryKey(s.Name, id), func(ctx context.Context) (map[string]any, error) {
		row, found, err := r.rows.LoadRow(ctx, s.Table, s.PrimaryKey, id, s.Columns)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: %s %d", ErrNotFound, s.Name, id)
		}
		return row, nil
	})
	if err != nil {
		return nil, err
	}

	if s.SoftDelete != "" && !isZero(row[s.SoftDelete]) {
		return nil, fmt.Errorf("%w: %s %d is deleted", ErrNotFound, s.Name, id)
	}
	return entity.Load(s, id, row)
}

// GetByUnique returns the live owner of the tuple values on the unique index
// named index. values follow the index column order.
func (r *Repository) GetByUnique(ctx context.Context, entityType, index string, values ...any) (*entity.Entity, error) {
	s, err := r.provider.Entity(entityType)
	if err != nil {
		return nil, err
	}
	idx, ok := s.UniqueIndex(index)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, s.Name, index)
	}
	if len(values) != len(idx.Columns) {
		return nil, fmt.Errorf("repositorycache: index %s.%s has %d columns, got %d values",
			s.Name, idx.Name, len(idx.Columns), len(values))
	}

	member := cache.IndexMember(r.keys, values...)
	id, err := lookup(ctx, r, s, cache.UniqueLookupKey(s.Name, idx.Name, member), func(ctx context.Context) (uint64, error) {
		holder, found, err := r.index.Holder(ctx, cache.UniqueIndexKey(s.Name, idx.Name, member))
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, fmt.Errorf("%w: %s.%s %q", ErrNotFound, s.Name, idx.Name, member)
		}
		owner, err := strconv.ParseUint(holder, 10, 64)
		if err != nil {
			// Still held by an uncommitted insert.
			return 0, fmt.Errorf("%w: %s.%s %q is pending", ErrNotFound, s.Name, idx.Name, member)
		}
		return owner, nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, entityType, id)
}

func lookup[T any](ctx context.Context, r *Repository, s *schema.Entity, key string, fetch func(context.Context) (T, error)) (T, error) {
	svc, ok := r.pools[s.Cache]
	if !ok {
		return fetch(ctx)
	}

	version, err := r.version(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}

	fetched := false
	v, err := cache.GetOrFetch[T](ctx, svc, cache.VersionedKey(key, version), func(ctx context.Context) (T, error) {
		fetched = true
		return fetch(ctx)
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("cached lookup failed", zap.String("entity", s.Name), zap.String("key", key), zap.Error(err))
		}
		return v, err
	}
	r.metrics.EntityLookup(s.Name, !fetched)
	return v, nil
}

func (r *Repository) version(ctx context.Context, key string) (int64, error) {
	raw, found, err := r.versions.Get(ctx, cache.EntryVersionKey(key))
	if err != nil || !found {
		return 0, err
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repositorycache: corrupt version of %s: %w", key, err)
	}
	return v, nil
}

// OnCommit moves every key invalidated by a committed change set to a new
// version and drops the entry of the previous one. A fill racing with the
// commit lands under the old version and is never read. It satisfies the
// flush observer contract.
func (r *Repository) OnCommit(ctx context.Context, cs *changeset.ChangeSet) {
	for _, inv := range cs.Invalidate {
		svc, ok := r.pools[inv.Pool]
		if !ok {
			continue
		}
		stale := make([]string, 0, len(inv.Keys))
		for _, key := range inv.Keys {
			v, err := r.versions.Incr(ctx, cache.EntryVersionKey(key))
			if err != nil {
				r.metrics.InvalidationFailure(inv.Pool.String())
				r.logger.Warn("bumping entry version failed", zap.String("key", key), zap.Error(err))
				continue
			}
			stale = append(stale, cache.VersionedKey(key, v-1))
		}
		if len(stale) == 0 {
			continue
		}
		if err := svc.Delete(ctx, stale...); err != nil {
			r.metrics.InvalidationFailure(inv.Pool.String())
			r.logger.Warn("dropping stale entries failed", zap.Stringer("pool", inv.Pool), zap.Int("keys", len(stale)), zap.Error(err))
		}
	}
}

func isZero(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() == 0
	case reflect.String:
		return rv.String() == "" || rv.String() == "0"
	}
	return rv.IsZero()
}
