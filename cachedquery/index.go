// Package cachedquery caches the primary keys matched by parametrized
// predicates over one entity table.
//
// Entries are versioned: the entry key embeds a per-predicate counter kept in
// the shared KV store, so bumping the counter invalidates the entry for every
// process at once. Entries written by this process are deleted as well. The
// Index observes committed change sets and invalidates every predicate whose
// columns were written, and every predicate of a type whose row set changed.
package cachedquery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/latolukasz/beeorm-core/cache"
	"github.com/latolukasz/beeorm-core/changeset"
	"github.com/latolukasz/beeorm-core/metrics"
	"github.com/latolukasz/beeorm-core/schema"
	"github.com/latolukasz/beeorm-core/storage"
)

const (
	// MaxRows caps the number of ids one entry holds.
	MaxRows = 50000

	// DefaultTTL is the lifetime of cached entries.
	DefaultTTL = time.Hour
)

var (
	// ErrPagerOutOfBounds is returned for a page reaching past the row cap.
	ErrPagerOutOfBounds = errors.New("cachedquery: page exceeds the result cap")

	// ErrUnknownPredicate is returned when registering an undefined predicate.
	ErrUnknownPredicate = errors.New("cachedquery: unknown predicate")

	// ErrParams is returned when the parameter count does not match the
	// placeholders of the predicate.
	ErrParams = errors.New("cachedquery: parameter count mismatch")
)

// Predicate is a named filter over one entity table. Where is a SQL fragment
// with ? placeholders, and a literal question mark is written as `\?`.
// Columns lists every column it reads so writes to them invalidate the
// cached results.
type Predicate struct {
	Name    string
	Where   string
	Columns []string
	OrderBy string
}

// Entry is the cached result of one predicate and parameter set.
type Entry struct {
	IDs   []uint64 `msgpack:"ids"`
	Total int      `msgpack:"t"`
}

// Pager selects a 1-based page of Size ids.
type Pager struct {
	Page int
	Size int
}

// All returns a pager covering the whole capped result.
func All() Pager { return Pager{Page: 1, Size: MaxRows} }

func (p Pager) bounds() (int, int, error) {
	if p.Page < 1 || p.Size < 1 {
		return 0, 0, fmt.Errorf("%w: page %d size %d", ErrPagerOutOfBounds, p.Page, p.Size)
	}
	offset := (p.Page - 1) * p.Size
	if offset+p.Size > MaxRows {
		return 0, 0, fmt.Errorf("%w: rows %d-%d requested, cap is %d", ErrPagerOutOfBounds, offset+1, offset+p.Size, MaxRows)
	}
	return offset, offset + p.Size, nil
}

// Handle identifies one registered predicate and parameter set.
type Handle struct {
	entity      string
	predicate   string
	params      []any
	withDeleted bool
	digest      uint64
}

// Entity returns the entity type the handle queries.
func (h Handle) Entity() string { return h.entity }

// Predicate returns the predicate name.
func (h Handle) Predicate() string { return h.predicate }

// IncludeDeleted returns a handle whose results also contain soft-deleted rows.
func (h Handle) IncludeDeleted() Handle {
	h.withDeleted = true
	return h
}

func (h Handle) name() string {
	if h.withDeleted {
		return h.predicate + "+deleted"
	}
	return h.predicate
}

// Index resolves and invalidates cached predicate results.
type Index struct {
	provider   schema.Provider
	db         storage.Relational
	versions   storage.KV
	entries    cache.Service
	serializer cache.KeySerializer

	predicates *xsync.MapOf[string, Predicate]
	tracked    *xsync.MapOf[string, *xsync.MapOf[string, struct{}]]

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger for invalidation failures.
func WithLogger(l *zap.Logger) Option { return func(x *Index) { x.logger = l } }

// WithMetrics records cached query hits and misses on m.
func WithMetrics(m *metrics.Metrics) Option { return func(x *Index) { x.metrics = m } }

// WithKeySerializer replaces the serializer digesting handle parameters.
func WithKeySerializer(s cache.KeySerializer) Option { return func(x *Index) { x.serializer = s } }

// New returns an Index reading rows from db, keeping version counters in
// versions and entries in the entries pool.
func New(provider schema.Provider, db storage.Relational, versions storage.KV, entries cache.Service, opts ...Option) *Index {
	x := &Index{
		provider:   provider,
		db:         db,
		versions:   versions,
		entries:    entries,
		serializer: cache.NewDefaultKeySerializer(),
		predicates: xsync.NewMapOf[string, Predicate](),
		tracked:    xsync.NewMapOf[string, *xsync.MapOf[string, struct{}]](),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func predicateKey(entity, name string) string { return entity + cache.KeySeparator + name }

// Define adds predicate p for entityType. Redefining a name replaces it.
func (x *Index) Define(entityType string, p Predicate) error {
	s, err := x.provider.Entity(entityType)
	if err != nil {
		return err
	}
	err = validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required,
			validation.By(func(v any) error {
				if name, _ := v.(string); strings.ContainsAny(name, ":+") {
					return errors.New("must not contain ':' or '+'")
				}
				return nil
			})),
		validation.Field(&p.Where, validation.Required),
		validation.Field(&p.Columns, validation.Required, validation.Each(validation.By(func(v any) error {
			if c, _ := v.(string); !s.HasColumn(c) {
				return fmt.Errorf("unknown column %q", c)
			}
			return nil
		}))),
	)
	if err != nil {
		return fmt.Errorf("cachedquery: predicate %s.%s: %w", entityType, p.Name, err)
	}
	p.Columns = slices.Clone(p.Columns)
	x.predicates.Store(predicateKey(entityType, p.Name), p)
	return nil
}

// Register binds params to a defined predicate.
func (x *Index) Register(entityType, predicate string, params ...any) (Handle, error) {
	p, ok := x.predicates.Load(predicateKey(entityType, predicate))
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s.%s", ErrUnknownPredicate, entityType, predicate)
	}
	if want := placeholders(p.Where); want != len(params) {
		return Handle{}, fmt.Errorf("%w: %s.%s takes %d, got %d", ErrParams, entityType, predicate, want, len(params))
	}
	return Handle{
		entity:    entityType,
		predicate: predicate,
		params:    slices.Clone(params),
		digest:    xxhash.Sum64String(x.serializer.SerializeKey(predicate, params...)),
	}, nil
}

// placeholders counts the positional parameters of where. A question mark
// escaped as `\?` is passed to the store as a literal "?", including inside
// quoted strings, and takes no parameter.
func placeholders(where string) int {
	n := 0
	for i := 0; i < len(where); i++ {
		if where[i] == '?' && (i == 0 || where[i-1] != '\\') {
			n++
		}
	}
	return n
}

// Resolve returns one page of ids matched by h and the total number of
// matching rows. A miss runs the query and caches the capped result. Entity
// types on schema.PoolNone are queried on every call.
func (x *Index) Resolve(ctx context.Context, h Handle, page Pager) ([]uint64, int, error) {
	from, to, err := page.bounds()
	if err != nil {
		return nil, 0, err
	}
	p, ok := x.predicates.Load(predicateKey(h.entity, h.predicate))
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s.%s", ErrUnknownPredicate, h.entity, h.predicate)
	}
	s, err := x.provider.Entity(h.entity)
	if err != nil {
		return nil, 0, err
	}

	entry, err := x.lookup(ctx, s, p, h)
	if err != nil {
		return nil, 0, err
	}

	ids := entry.IDs
	if from >= len(ids) {
		return []uint64{}, entry.Total, nil
	}
	return slices.Clone(ids[from:min(to, len(ids))]), entry.Total, nil
}

func (x *Index) lookup(ctx context.Context, s *schema.Entity, p Predicate, h Handle) (Entry, error) {
	if s.Cache == schema.PoolNone {
		x.metrics.QueryLookup(h.entity, false)
		return x.fetch(ctx, s, p, h)
	}

	version, err := x.version(ctx, h.entity, h.name())
	if err != nil {
		return Entry{}, err
	}
	key := cache.QueryKey(h.entity, h.name(), version, h.digest)

	fetched := false
	entry, err := cache.GetOrFetch[Entry](ctx, x.entries, key, func(ctx context.Context) (Entry, error) {
		fetched = true
		return x.fetch(ctx, s, p, h)
	})
	if err != nil {
		return Entry{}, err
	}
	x.metrics.QueryLookup(h.entity, !fetched)
	x.track(predicateKey(h.entity, h.name()), key)
	return entry, nil
}

func (x *Index) fetch(ctx context.Context, s *schema.Entity, p Predicate, h Handle) (Entry, error) {
	q := storage.Select{
		Table:      s.Table,
		PrimaryKey: s.PrimaryKey,
		Where:      p.Where,
		Args:       h.params,
		OrderBy:    p.OrderBy,
		Limit:      MaxRows,
	}
	if !h.withDeleted {
		q.NotDeleted = s.SoftDelete
	}

	ids, err := x.db.SelectIDs(ctx, q)
	if err != nil {
		return Entry{}, fmt.Errorf("cachedquery: %s.%s: %w", h.entity, h.predicate, err)
	}
	total := len(ids)
	if total == MaxRows {
		if total, err = x.db.Count(ctx, q); err != nil {
			return Entry{}, fmt.Errorf("cachedquery: count %s.%s: %w", h.entity, h.predicate, err)
		}
	}
	if ids == nil {
		ids = []uint64{}
	}
	return Entry{IDs: ids, Total: total}, nil
}

func (x *Index) version(ctx context.Context, entity, name string) (int64, error) {
	raw, found, err := x.versions.Get(ctx, cache.QueryVersionKey(entity, name))
	if err != nil || !found {
		return 0, err
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cachedquery: corrupt version of %s.%s: %w", entity, name, err)
	}
	return v, nil
}

func (x *Index) track(pk, key string) {
	keys, _ := x.tracked.LoadOrCompute(pk, func() *xsync.MapOf[string, struct{}] {
		return xsync.NewMapOf[string, struct{}]()
	})
	keys.Store(key, struct{}{})
}

// OnCommit invalidates the predicates affected by a committed change set.
// It satisfies the flush observer contract.
func (x *Index) OnCommit(ctx context.Context, cs *changeset.ChangeSet) {
	for entity, touch := range cs.Touched() {
		x.predicates.Range(func(k string, p Predicate) bool {
			if !strings.HasPrefix(k, entity+cache.KeySeparator) {
				return true
			}
			if touch.Membership || intersects(p.Columns, touch.Columns) {
				x.invalidate(ctx, entity, p.Name)
			}
			return true
		})
	}
}

// Purge drops every cached entry of entityType.
func (x *Index) Purge(ctx context.Context, entityType string) error {
	var errs []error
	x.predicates.Range(func(k string, p Predicate) bool {
		if strings.HasPrefix(k, entityType+cache.KeySeparator) {
			errs = append(errs, x.invalidate(ctx, entityType, p.Name))
		}
		return true
	})
	errs = append(errs, x.entries.DeleteByPrefix(ctx, cache.QueryPrefix(entityType)))
	return errors.Join(errs...)
}

// invalidate bumps the versions of the plain and include-deleted variants
// of one predicate and deletes the entries this process wrote for them.
func (x *Index) invalidate(ctx context.Context, entity, name string) error {
	var errs []error
	for _, variant := range []string{name, name + "+deleted"} {
		if _, err := x.versions.Incr(ctx, cache.QueryVersionKey(entity, variant)); err != nil {
			errs = append(errs, err)
		}
		if keys, ok := x.tracked.LoadAndDelete(predicateKey(entity, variant)); ok {
			var list []string
			keys.Range(func(k string, _ struct{}) bool {
				list = append(list, k)
				return true
			})
			if err := x.entries.Delete(ctx, list...); err != nil {
				errs = append(errs, err)
			}
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		x.metrics.InvalidationFailure("query")
		x.logger.Warn("cached query invalidation failed",
			zap.String("entity", entity), zap.String("predicate", name), zap.Error(err))
	}
	return err
}

func intersects(a, b []string) bool {
	for _, c := range a {
		if slices.Contains(b, c) {
			return true
		}
	}
	return false
}
