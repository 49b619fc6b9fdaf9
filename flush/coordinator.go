// Package flush executes change sets. In Sync mode it reserves unique index
// tuples, runs every operation inside one relational transaction and then
// applies the cache side effects. In Deferred mode it appends the change set
// to the deferred queue for a consumer to replay later.
package flush

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/latolukasz/beeorm-core/cache"
	"github.com/latolukasz/beeorm-core/changeset"
	"github.com/latolukasz/beeorm-core/entity"
	"github.com/latolukasz/beeorm-core/metrics"
	"github.com/latolukasz/beeorm-core/queue"
	"github.com/latolukasz/beeorm-core/schema"
	"github.com/latolukasz/beeorm-core/storage"
)

// Mode selects how a change set is executed.
type Mode int

const (
	// Sync executes the change set before Flush returns.
	Sync Mode = iota
	// Deferred appends the change set to the deferred queue.
	Deferred
)

func (m Mode) String() string {
	if m == Deferred {
		return "deferred"
	}
	return "sync"
}

// DefaultReservationTTL bounds how long an unfinished flush holds a unique
// index tuple.
const DefaultReservationTTL = 30 * time.Second

// Observer is notified after a change set committed, before the flush (or
// the replay of a deferred record) returns.
type Observer interface {
	OnCommit(ctx context.Context, cs *changeset.ChangeSet)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, cs *changeset.ChangeSet)

// OnCommit implements Observer.
func (f ObserverFunc) OnCommit(ctx context.Context, cs *changeset.ChangeSet) { f(ctx, cs) }

// Coordinator flushes change sets. It holds no per-flush state and is safe
// for concurrent use; the entities passed to one flush must not be shared
// with another running flush.
type Coordinator struct {
	provider schema.Provider
	builder  *changeset.Builder
	db       storage.Relational
	index    storage.IndexStore

	pools     map[schema.CachePool]cache.Service
	queue     *queue.Queue
	observers []Observer

	logger         *zap.Logger
	metrics        *metrics.Metrics
	queryTimeout   time.Duration
	reservationTTL time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCache sets the cache service backing pool.
func WithCache(pool schema.CachePool, svc cache.Service) Option {
	return func(c *Coordinator) { c.pools[pool] = svc }
}

// WithQueue enables Deferred mode.
func WithQueue(q *queue.Queue) Option {
	return func(c *Coordinator) { c.queue = q }
}

// WithObserver adds a commit observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

// WithBuilder replaces the change set builder used by FlushEntities.
func WithBuilder(b *changeset.Builder) Option {
	return func(c *Coordinator) { c.builder = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithQueryTimeout bounds every statement; zero disables the limit.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.queryTimeout = d }
}

// WithReservationTTL sets how long unique index reservations survive a flush
// that never finishes.
func WithReservationTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.reservationTTL = d }
}

// New returns a Coordinator.
func New(provider schema.Provider, db storage.Relational, index storage.IndexStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		provider:       provider,
		db:             db,
		index:          index,
		pools:          make(map[schema.CachePool]cache.Service),
		logger:         zap.NewNop(),
		reservationTTL: DefaultReservationTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.builder == nil {
		c.builder = changeset.NewBuilder(provider)
	}
	return c
}

// Builder returns the change set builder.
func (c *Coordinator) Builder() *changeset.Builder { return c.builder }

// FlushEntities builds the change set of entities and flushes it.
func (c *Coordinator) FlushEntities(ctx context.Context, mode Mode, entities ...*entity.Entity) error {
	cs, err := c.builder.Build(entities...)
	if err != nil {
		return err
	}
	return c.Flush(ctx, cs, mode)
}

// FlushLazy flushes entities in Deferred mode.
func (c *Coordinator) FlushLazy(ctx context.Context, entities ...*entity.Entity) error {
	return c.FlushEntities(ctx, Deferred, entities...)
}

// Flush executes cs. An empty change set does nothing. On success the
// entities behind cs are marked persisted with their final ids.
func (c *Coordinator) Flush(ctx context.Context, cs *changeset.ChangeSet, mode Mode) error {
	if cs.Empty() {
		return nil
	}

	start := time.Now()
	var err error
	if mode == Deferred {
		err = c.deferred(ctx, cs)
	} else {
		err = c.sync(ctx, cs, false)
	}
	c.metrics.Flush(mode.String(), err, time.Since(start))
	return err
}

// Replay executes a change set decoded from a deferred record. Replay is
// idempotent: inserts whose row already exists are skipped and unique index
// tuples already owned by the same row are accepted.
func (c *Coordinator) Replay(ctx context.Context, cs *changeset.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	start := time.Now()
	err := c.sync(ctx, cs, true)
	c.metrics.Flush("replay", err, time.Since(start))
	return err
}

func (c *Coordinator) deferred(ctx context.Context, cs *changeset.ChangeSet) error {
	if c.queue == nil {
		return ErrNoQueue
	}
	for _, op := range cs.Operations {
		if op.Upsert {
			return fmt.Errorf("%w: %s", ErrDeferredUpsert, op.Entity)
		}
		if op.Kind == storage.Insert && op.ID == 0 {
			return fmt.Errorf("%w: %s", ErrDeferredInsert, op.Entity)
		}
	}

	if _, err := c.queue.Enqueue(ctx, cs); err != nil {
		return err
	}
	c.metrics.QueueAppend()

	for i, op := range cs.Operations {
		if e := cs.Entity(i); e != nil {
			e.Persisted(op.ID)
		}
	}
	return nil
}

type reservation struct {
	key      string
	claim    string
	acquired bool
}

// plan is the mutable state of one sync flush.
type plan struct {
	ops      []changeset.Operation
	schemas  []*schema.Entity
	claims   []string
	reserved [][]reservation
	ids      []uint64
}

func (c *Coordinator) newPlan(cs *changeset.ChangeSet) (*plan, error) {
	n := len(cs.Operations)
	p := &plan{
		ops:      slices.Clone(cs.Operations),
		schemas:  make([]*schema.Entity, n),
		claims:   make([]string, n),
		reserved: make([][]reservation, n),
		ids:      make([]uint64, n),
	}
	for i, op := range p.ops {
		s, err := c.provider.Entity(op.Entity)
		if err != nil {
			return nil, err
		}
		p.schemas[i] = s
		if op.ID != 0 {
			p.claims[i] = owner(op.ID)
		} else {
			p.claims[i] = pendingPrefix + uuid.NewString()
		}
	}
	return p, nil
}

func (c *Coordinator) sync(ctx context.Context, cs *changeset.ChangeSet, replay bool) error {
	p, err := c.newPlan(cs)
	if err != nil {
		return err
	}

	for i := range p.ops {
		if err := c.reserve(ctx, p, i); err != nil {
			c.releaseAll(ctx, p)
			return err
		}
	}

	if err := c.execute(ctx, p, replay); err != nil {
		c.releaseAll(ctx, p)
		return err
	}

	c.committed(context.WithoutCancel(ctx), cs, p)
	return nil
}

// reserve claims the new unique tuples of operation i. An upsert that
// collides with a committed owner becomes an update of that owner.
func (c *Coordinator) reserve(ctx context.Context, p *plan, i int) error {
	op := &p.ops[i]
	claim := p.claims[i]

	for _, ic := range op.Indexes {
		if ic.New == "" {
			continue
		}
		key := cache.UniqueIndexKey(op.Entity, ic.Index, ic.New)
		holder, ok, err := c.index.Reserve(ctx, key, claim, c.reservationTTL)
		if err != nil {
			return fmt.Errorf("flush: reserve %s.%s: %w", op.Entity, ic.Index, err)
		}
		if ok {
			p.reserved[i] = append(p.reserved[i], reservation{key: key, claim: claim, acquired: holder == ""})
			continue
		}

		ownerID, pending := parseHolder(holder)
		if op.Upsert && op.Kind == storage.Insert && !pending && ownerID != 0 {
			c.release(ctx, p, i)
			op.Kind = storage.Update
			op.ID = ownerID
			op.ClientID = false
			op.Upsert = false
			p.claims[i] = owner(ownerID)
			c.logger.Debug("upsert resolved to existing row",
				zap.String("entity", op.Entity), zap.String("index", ic.Index), zap.Uint64("owner", ownerID))
			return c.reserve(ctx, p, i)
		}

		c.metrics.ReservationConflict(op.Entity, ic.Index)
		c.logger.Debug("unique index tuple taken",
			zap.String("entity", op.Entity), zap.String("index", ic.Index),
			zap.String("holder", holder))
		return &DuplicateKeyError{Entity: op.Entity, Index: ic.Index, OwnerID: ownerID, Pending: pending}
	}
	return nil
}

func (c *Coordinator) release(ctx context.Context, p *plan, i int) {
	for _, r := range p.reserved[i] {
		if !r.acquired {
			continue
		}
		if err := c.index.Release(ctx, r.key, r.claim); err != nil {
			c.logger.Warn("releasing unique reservation failed", zap.String("key", r.key), zap.Error(err))
		}
	}
	p.reserved[i] = nil
}

func (c *Coordinator) releaseAll(ctx context.Context, p *plan) {
	ctx = context.WithoutCancel(ctx)
	for i := range p.reserved {
		c.release(ctx, p, i)
	}
}

func (c *Coordinator) execute(ctx context.Context, p *plan, replay bool) (err error) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("flush: begin: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	for i, op := range p.ops {
		s := p.schemas[i]
		if replay && op.Kind == storage.Insert && op.ClientID {
			exists, err := c.exists(ctx, tx, s, op)
			if err != nil {
				return err
			}
			if exists {
				p.ids[i] = op.ID
				continue
			}
		}

		m, err := mutation(p, i)
		if err != nil {
			return err
		}
		res, err := c.apply(ctx, tx, m)
		if err != nil {
			return c.translate(op, err)
		}

		p.ids[i] = op.ID
		if op.Kind == storage.Insert && op.ID == 0 {
			if res.LastInsertID == 0 {
				return fmt.Errorf("flush: insert into %s returned no id", s.Table)
			}
			p.ids[i] = res.LastInsertID
		}
	}

	if err := tx.Commit(); err != nil {
		return c.translate(p.ops[len(p.ops)-1], err)
	}
	return nil
}

func (c *Coordinator) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.queryTimeout)
}

func (c *Coordinator) apply(ctx context.Context, tx storage.Tx, m storage.Mutation) (storage.Result, error) {
	qctx, cancel := c.queryContext(ctx)
	defer cancel()

	res, err := tx.Apply(qctx, m)
	if err != nil && c.timedOut(ctx, qctx) {
		return res, fmt.Errorf("%w (%s on %s): %w", ErrQueryTimeout, c.queryTimeout, m.Table, err)
	}
	return res, err
}

func (c *Coordinator) exists(ctx context.Context, tx storage.Tx, s *schema.Entity, op changeset.Operation) (bool, error) {
	qctx, cancel := c.queryContext(ctx)
	defer cancel()

	ok, err := tx.Exists(qctx, s.Table, s.PrimaryKey, op.ID)
	if err != nil && c.timedOut(ctx, qctx) {
		return false, fmt.Errorf("%w (%s on %s): %w", ErrQueryTimeout, c.queryTimeout, s.Table, err)
	}
	return ok, err
}

func (c *Coordinator) timedOut(parent, qctx context.Context) bool {
	return c.queryTimeout > 0 && parent.Err() == nil && errors.Is(qctx.Err(), context.DeadlineExceeded)
}

// mutation renders operation i, replacing references to earlier inserts
// with the ids they were given.
func mutation(p *plan, i int) (storage.Mutation, error) {
	op, s := p.ops[i], p.schemas[i]
	m := storage.Mutation{
		Kind:       op.Kind,
		Table:      s.Table,
		PrimaryKey: s.PrimaryKey,
		ID:         op.ID,
		Columns:    op.Columns,
		Values:     op.Values,
	}

	cloned := false
	for j, v := range op.Values {
		ref, ok := v.(changeset.Ref)
		if !ok {
			continue
		}
		if ref.Op < 0 || ref.Op >= i || p.ids[ref.Op] == 0 {
			return storage.Mutation{}, fmt.Errorf("%w: %s.%s", changeset.ErrUnresolvedReference, op.Entity, op.Columns[j])
		}
		if !cloned {
			m.Values = slices.Clone(op.Values)
			cloned = true
		}
		m.Values[j] = p.ids[ref.Op]
	}
	return m, nil
}

func (c *Coordinator) translate(op changeset.Operation, err error) error {
	if errors.Is(err, ErrQueryTimeout) {
		return err
	}

	var de *storage.DriverError
	errors.As(err, &de)

	switch storage.KindOf(err) {
	case storage.KindForeignKey:
		return &ForeignKeyError{Entity: op.Entity, Constraint: de.Constraint, Err: err}
	case storage.KindDuplicateKey:
		return &DuplicateKeyError{Entity: op.Entity, Index: de.Constraint, Err: err}
	}
	return fmt.Errorf("flush: %s %s: %w", op.Kind, op.Entity, err)
}

// committed applies the side effects of a committed plan. Failures are
// logged: the rows are already visible and cache entries are disposable.
func (c *Coordinator) committed(ctx context.Context, cs *changeset.ChangeSet, p *plan) {
	for i, op := range p.ops {
		rowOwner := owner(p.ids[i])
		for _, r := range p.reserved[i] {
			if err := c.index.Commit(ctx, r.key, r.claim, rowOwner); err != nil {
				c.logger.Error("committing unique reservation failed", zap.String("key", r.key), zap.Error(err))
			}
		}
		for _, ic := range op.Indexes {
			if ic.Old == "" {
				continue
			}
			key := cache.UniqueIndexKey(op.Entity, ic.Index, ic.Old)
			if err := c.index.Release(ctx, key, rowOwner); err != nil {
				c.logger.Warn("releasing old unique tuple failed", zap.String("key", key), zap.Error(err))
			}
		}
		cs.AddKeys(p.schemas[i].Cache, cache.PrimaryKey(op.Entity, p.ids[i]))
	}

	for _, inv := range cs.Invalidate {
		svc, ok := c.pools[inv.Pool]
		if !ok || len(inv.Keys) == 0 {
			continue
		}
		if err := svc.Delete(ctx, inv.Keys...); err != nil {
			c.metrics.InvalidationFailure(inv.Pool.String())
			c.logger.Warn("cache invalidation failed", zap.Stringer("pool", inv.Pool), zap.Int("keys", len(inv.Keys)), zap.Error(err))
		}
	}

	for i := range p.ops {
		if e := cs.Entity(i); e != nil {
			e.Persisted(p.ids[i])
		}
	}

	for _, o := range c.observers {
		o.OnCommit(ctx, cs)
	}
}

const pendingPrefix = "~"

func owner(id uint64) string { return strconv.FormatUint(id, 10) }

// parseHolder decodes an index store holder into the owning id. Pending
// holders belong to inserts that have not been assigned an id.
func parseHolder(holder string) (uint64, bool) {
	if strings.HasPrefix(holder, pendingPrefix) {
		return 0, true
	}
	id, _ := strconv.ParseUint(holder, 10, 64)
	return id, false
}
