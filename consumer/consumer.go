// Package consumer replays the deferred queue. A Consumer processes one
// batch per Process call while holding a TTL lease, so only one consumer
// works a cursor at a time; the polling loop belongs to the caller.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/latolukasz/beeorm-core/cache"
	"github.com/latolukasz/beeorm-core/changeset"
	"github.com/latolukasz/beeorm-core/metrics"
	"github.com/latolukasz/beeorm-core/queue"
	"github.com/latolukasz/beeorm-core/storage"
)

// ErrLeaseLost aborts a batch whose lease could not be extended.
var ErrLeaseLost = errors.New("consumer: lease lost")

// RetryableError stops a batch at a record that may succeed later. The
// record was not acknowledged.
type RetryableError struct {
	StreamID string
	RecordID string
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("consumer: record %s (%s) will be retried: %v", e.RecordID, e.StreamID, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Result tells the caller what one Process call achieved.
type Result int

const (
	// Empty means there was nothing to replay.
	Empty Result = iota
	// Progressed means at least one record was committed or quarantined.
	Progressed
	// LeaseUnavailable means another consumer holds the lease.
	LeaseUnavailable
)

func (r Result) String() string {
	switch r {
	case Progressed:
		return "progressed"
	case LeaseUnavailable:
		return "lease_unavailable"
	default:
		return "empty"
	}
}

// State is the lifecycle position of a Consumer.
type State int32

const (
	// Idle means no lease is held.
	Idle State = iota
	// Leased means the lease is held and the batch is being fetched.
	Leased
	// Processing means records of the fetched batch are being replayed.
	Processing
)

func (s State) String() string {
	switch s {
	case Leased:
		return "leased"
	case Processing:
		return "processing"
	default:
		return "idle"
	}
}

// Outcomes of one record, as counted by the metrics.
const (
	OutcomeCommitted   = "committed"
	OutcomeRetrying    = "retrying"
	OutcomeQuarantined = "quarantined"
)

// Replayer executes a decoded change set; *flush.Coordinator implements it.
type Replayer interface {
	Replay(ctx context.Context, cs *changeset.ChangeSet) error
}

// Defaults applied by New.
const (
	DefaultGroup        = "replay"
	DefaultBatchSize    = 100
	DefaultLeaseTTL     = 30 * time.Second
	DefaultLeaseRefresh = 10 * time.Second
)

// Consumer replays one cursor of a queue.
type Consumer struct {
	queue    *queue.Queue
	replayer Replayer
	locker   storage.Locker

	group        string
	batchSize    int
	leaseTTL     time.Duration
	leaseRefresh time.Duration
	resolvers    []Resolver
	now          func() time.Time

	logger  *zap.Logger
	metrics *metrics.Metrics

	state atomic.Int32
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithGroup sets the cursor group; consumers of one group share a lease.
func WithGroup(group string) Option { return func(c *Consumer) { c.group = group } }

// WithBatchSize caps the records fetched per Process call.
func WithBatchSize(n int) Option { return func(c *Consumer) { c.batchSize = n } }

// WithLeaseTTL sets how long the lease outlives its last refresh.
func WithLeaseTTL(d time.Duration) Option { return func(c *Consumer) { c.leaseTTL = d } }

// WithLeaseRefresh sets how often the lease is extended while a batch runs.
// It must be shorter than the lease TTL.
func WithLeaseRefresh(d time.Duration) Option { return func(c *Consumer) { c.leaseRefresh = d } }

// WithResolver registers resolvers consulted before DefaultResolver.
func WithResolver(r ...Resolver) Option {
	return func(c *Consumer) { c.resolvers = append(c.resolvers, r...) }
}

// WithClock replaces time.Now for lease refresh scheduling.
func WithClock(now func() time.Time) Option { return func(c *Consumer) { c.now = now } }

// WithLogger sets the logger for lease and replay failures.
func WithLogger(l *zap.Logger) Option { return func(c *Consumer) { c.logger = l } }

// WithMetrics records replay outcomes and lease contention on m.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Consumer) { c.metrics = m } }

// New returns a Consumer of q replaying through replayer. locker provides
// the lease.
func New(q *queue.Queue, replayer Replayer, locker storage.Locker, opts ...Option) *Consumer {
	c := &Consumer{
		queue:        q,
		replayer:     replayer,
		locker:       locker,
		group:        DefaultGroup,
		batchSize:    DefaultBatchSize,
		leaseTTL:     DefaultLeaseTTL,
		leaseRefresh: DefaultLeaseRefresh,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Consumer) State() State { return State(c.state.Load()) }

func (c *Consumer) setState(s State) { c.state.Store(int32(s)) }

// LeaseKey is the lock key guarding this consumer's cursor.
func (c *Consumer) LeaseKey() string { return cache.LeaseKey(c.queue.Name(), c.group) }

// Process replays up to one batch of records in queue order. It returns
// LeaseUnavailable without waiting when another consumer holds the lease.
//
// Processing stops early when ctx is cancelled (checked between records),
// when a record fails with a retryable error (*RetryableError) or when the
// lease cannot be extended (ErrLeaseLost). The lease is confirmed before
// every acknowledgment, so a record whose replay outlived the lease is left
// pending for the next holder. Records handled before the stop stay
// acknowledged. The lease is released before Process returns.
func (c *Consumer) Process(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Empty, err
	}

	lock, obtained, err := c.locker.Obtain(ctx, c.LeaseKey(), c.leaseTTL)
	if err != nil {
		return Empty, fmt.Errorf("consumer: obtain lease: %w", err)
	}
	if !obtained {
		c.metrics.LeaseUnavailable()
		return LeaseUnavailable, nil
	}
	c.setState(Leased)
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, storage.ErrLockNotHeld) {
			c.logger.Warn("releasing consumer lease failed", zap.String("lease", c.LeaseKey()), zap.Error(err))
		}
		c.setState(Idle)
	}()

	cursor, err := c.queue.Cursor(ctx, c.group)
	if err != nil {
		return Empty, err
	}
	entries, err := cursor.Fetch(ctx, c.batchSize)
	if err != nil {
		return Empty, err
	}
	if len(entries) == 0 {
		return Empty, nil
	}

	c.setState(Processing)
	b := &batch{lock: lock, cursor: cursor, renewed: c.now()}
	result := Empty
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if c.now().Sub(b.renewed) >= c.leaseRefresh {
			if err := c.renew(ctx, b); err != nil {
				return result, err
			}
		}

		if err := c.handle(ctx, b, e); err != nil {
			return result, err
		}
		result = Progressed
	}
	return result, nil
}

// batch is the lease and cursor one Process call works with.
type batch struct {
	lock    storage.Lock
	cursor  *queue.Cursor
	renewed time.Time
}

// renew extends the lease. It fails with ErrLeaseLost once another consumer
// may have taken over the cursor.
func (c *Consumer) renew(ctx context.Context, b *batch) error {
	if err := b.lock.Refresh(ctx, c.leaseTTL); err != nil {
		c.logger.Error("consumer lease lost", zap.String("lease", c.LeaseKey()), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLeaseLost, err)
	}
	b.renewed = c.now()
	return nil
}

// handle replays one entry. It returns nil once the entry is acknowledged.
// The replay itself runs to completion even if ctx is cancelled meanwhile.
func (c *Consumer) handle(ctx context.Context, b *batch, e queue.Entry) error {
	if e.Err != nil {
		return c.quarantine(ctx, b, e, e.Err)
	}

	err := c.replayer.Replay(context.WithoutCancel(ctx), e.Record.ChangeSet())
	if err == nil {
		if err := c.acknowledge(ctx, b, e); err != nil {
			return err
		}
		c.metrics.Replayed(OutcomeCommitted)
		return nil
	}

	if c.classify(err) == Retry {
		c.metrics.Replayed(OutcomeRetrying)
		c.logger.Warn("replay stopped on retryable error",
			zap.String("stream_id", e.StreamID),
			zap.String("record_id", e.Record.ID),
			zap.Error(err))
		return &RetryableError{StreamID: e.StreamID, RecordID: e.Record.ID, Err: err}
	}
	return c.quarantine(ctx, b, e, err)
}

// acknowledge confirms the lease is still held before moving the cursor
// past e. A record replayed after the lease expired stays pending.
func (c *Consumer) acknowledge(ctx context.Context, b *batch, e queue.Entry) error {
	ctx = context.WithoutCancel(ctx)
	if err := c.renew(ctx, b); err != nil {
		return err
	}
	return b.cursor.Acknowledge(ctx, e.StreamID)
}

func (c *Consumer) quarantine(ctx context.Context, b *batch, e queue.Entry, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := c.renew(ctx, b); err != nil {
		return err
	}
	if err := c.queue.Quarantine(ctx, e, cause); err != nil {
		return err
	}
	if err := b.cursor.Acknowledge(ctx, e.StreamID); err != nil {
		return err
	}
	c.metrics.Replayed(OutcomeQuarantined)
	return nil
}
