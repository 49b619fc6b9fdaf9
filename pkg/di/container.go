// Package di wires the write path from a config.Config: relational store,
// shared or in-process store, cache pools, metrics, deferred queue, flush
// coordinator, cached query index, entity reads and the replay consumer.
package di

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/latolukasz/beeorm-core/cache"
	"github.com/latolukasz/beeorm-core/cachedquery"
	"github.com/latolukasz/beeorm-core/config"
	"github.com/latolukasz/beeorm-core/consumer"
	"github.com/latolukasz/beeorm-core/flush"
	"github.com/latolukasz/beeorm-core/internal/cacheinfra"
	"github.com/latolukasz/beeorm-core/internal/memstore"
	"github.com/latolukasz/beeorm-core/internal/redisstore"
	"github.com/latolukasz/beeorm-core/internal/sqlexec"
	"github.com/latolukasz/beeorm-core/metrics"
	"github.com/latolukasz/beeorm-core/queue"
	"github.com/latolukasz/beeorm-core/repositorycache"
	"github.com/latolukasz/beeorm-core/schema"
	"github.com/latolukasz/beeorm-core/storage"
)

// Store is the shared store collaborator: cache pool values, unique index
// keys, the queue stream and the consumer lease.
type Store interface {
	storage.KV
	storage.IndexStore
	storage.Locker
	storage.Stream
}

// Container holds one instance of every component.
type Container struct {
	config   config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	keys     cache.KeySerializer
	db       *sqlexec.DB
	store    Store
	pools    map[schema.CachePool]cache.Service
	queue    *queue.Queue
	queries  *cachedquery.Index
	flush    *flush.Coordinator
	reader   *repositorycache.Repository
	consumer *consumer.Consumer

	closers []func() error
}

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	db         *sqlexec.DB
	redis      redis.UniversalClient
	resolvers  []consumer.Resolver
}

// Option overrides a component the container would otherwise build from config.
type Option func(*options)

// WithLogger replaces the logger built from config.Logging.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer registers the metrics on reg. Without it metrics are disabled.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithDB uses an already opened relational store. The container does not close it.
func WithDB(db *sqlexec.DB) Option { return func(o *options) { o.db = db } }

// WithRedisClient uses an existing Redis client instead of dialing config.Redis.
// The container does not close it.
func WithRedisClient(c redis.UniversalClient) Option { return func(o *options) { o.redis = c } }

// WithResolver adds replay error resolvers ahead of the default one.
func WithResolver(r ...consumer.Resolver) Option {
	return func(o *options) { o.resolvers = append(o.resolvers, r...) }
}

// NewContainer validates cfg and builds every component for the entity types
// of provider.
func NewContainer(ctx context.Context, cfg config.Config, provider schema.Provider, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("di: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container{config: cfg, keys: cache.NewDefaultKeySerializer()}
	if err := c.build(ctx, provider, o); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// NewContainerWithDefaults builds a container from config.DefaultConfig: an
// in-memory SQLite database and the in-process store.
func NewContainerWithDefaults(ctx context.Context, provider schema.Provider, opts ...Option) (*Container, error) {
	return NewContainer(ctx, config.DefaultConfig(), provider, opts...)
}

func (c *Container) build(ctx context.Context, provider schema.Provider, o options) error {
	cfg := c.config

	c.logger = o.logger
	if c.logger == nil {
		l, err := cfg.Logging.Logger()
		if err != nil {
			return fmt.Errorf("di: %w", err)
		}
		c.logger = l
	}
	if o.registerer != nil {
		c.metrics = metrics.New(o.registerer)
	}

	if err := c.openDB(cfg.Database, o.db); err != nil {
		return err
	}
	if err := c.openStore(ctx, cfg.Redis, o.redis); err != nil {
		return err
	}

	local, err := cacheinfra.NewSturdycService(cfg.Cache.Local())
	if err != nil {
		return fmt.Errorf("di: local cache pool: %w", err)
	}
	c.pools = map[schema.CachePool]cache.Service{
		schema.PoolLocal: local,
		schema.PoolRedis: cacheinfra.NewKVService(c.store, cfg.Cache.RedisTTL, c.logger.Named("cache")),
	}

	c.queue = queue.New(c.store,
		queue.WithStream(cfg.Queue.Stream),
		queue.WithRemoveOnAck(cfg.Queue.RemoveOnAck),
		queue.WithLogger(c.logger.Named("queue")),
	)

	c.queries = cachedquery.New(provider, c.db, c.store,
		cacheinfra.NewKVService(c.store, cfg.CachedQuery.TTL, c.logger.Named("cachedquery")),
		cachedquery.WithKeySerializer(c.keys),
		cachedquery.WithLogger(c.logger.Named("cachedquery")),
		cachedquery.WithMetrics(c.metrics),
	)

	c.reader = repositorycache.New(provider, c.db, c.store, c.store,
		repositorycache.WithCache(schema.PoolLocal, c.pools[schema.PoolLocal]),
		repositorycache.WithCache(schema.PoolRedis, c.pools[schema.PoolRedis]),
		repositorycache.WithKeySerializer(c.keys),
		repositorycache.WithLogger(c.logger.Named("repositorycache")),
		repositorycache.WithMetrics(c.metrics),
	)

	flushOpts := []flush.Option{
		flush.WithQueue(c.queue),
		flush.WithObserver(c.queries),
		flush.WithObserver(c.reader),
		flush.WithLogger(c.logger.Named("flush")),
		flush.WithMetrics(c.metrics),
		flush.WithQueryTimeout(cfg.Flush.QueryTimeout),
		flush.WithReservationTTL(cfg.Flush.ReservationTTL),
	}
	for pool, svc := range c.pools {
		flushOpts = append(flushOpts, flush.WithCache(pool, svc))
	}
	c.flush = flush.New(provider, c.db, c.store, flushOpts...)

	c.consumer = consumer.New(c.queue, c.flush, c.store,
		consumer.WithGroup(cfg.Consumer.Group),
		consumer.WithBatchSize(cfg.Consumer.BatchSize),
		consumer.WithLeaseTTL(cfg.Consumer.LeaseTTL),
		consumer.WithLeaseRefresh(cfg.Consumer.LeaseRefresh),
		consumer.WithResolver(o.resolvers...),
		consumer.WithLogger(c.logger.Named("consumer")),
		consumer.WithMetrics(c.metrics),
	)
	return nil
}

func (c *Container) openDB(cfg config.DatabaseConfig, db *sqlexec.DB) error {
	if db != nil {
		c.db = db
		return nil
	}

	var err error
	logger := c.logger.Named("sql")
	switch cfg.Driver {
	case config.DriverMySQL:
		c.db, err = sqlexec.OpenMySQL(cfg.DSN, sqlexec.PoolOptions{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, logger)
	default:
		c.db, err = sqlexec.OpenSQLite(cfg.DSN, logger)
	}
	if err != nil {
		return fmt.Errorf("di: open %s: %w", cfg.Driver, err)
	}
	c.closers = append(c.closers, c.db.Close)
	return nil
}

func (c *Container) openStore(ctx context.Context, cfg config.RedisConfig, client redis.UniversalClient) error {
	switch {
	case client != nil:
		c.store = redisstore.New(client)
	case cfg.Enabled():
		rs, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("di: redis %s: %w", cfg.Addr, err)
		}
		c.store = rs
		c.closers = append(c.closers, rs.Close)
	default:
		c.store = memstore.New()
	}
	return nil
}

// Close releases the connections the container opened itself.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	return errors.Join(errs...)
}

// Config returns the configuration the container was built from.
func (c *Container) Config() config.Config { return c.config }

// Logger returns the root logger.
func (c *Container) Logger() *zap.Logger { return c.logger }

// Metrics returns the instruments, nil when no registerer was given.
func (c *Container) Metrics() *metrics.Metrics { return c.metrics }

// KeySerializer returns the serializer shared by every component.
func (c *Container) KeySerializer() cache.KeySerializer { return c.keys }

// DB returns the relational store.
func (c *Container) DB() *sqlexec.DB { return c.db }

// Store returns the shared store.
func (c *Container) Store() Store { return c.store }

// CachePool returns the service of pool, nil for schema.PoolNone.
func (c *Container) CachePool(pool schema.CachePool) cache.Service { return c.pools[pool] }

// Queue returns the deferred operation queue.
func (c *Container) Queue() *queue.Queue { return c.queue }

// Flush returns the flush coordinator.
func (c *Container) Flush() *flush.Coordinator { return c.flush }

// Queries returns the cached query index.
func (c *Container) Queries() *cachedquery.Index { return c.queries }

// Reader returns the cached entity reader.
func (c *Container) Reader() *repositorycache.Repository { return c.reader }

// Consumer returns the replay consumer.
func (c *Container) Consumer() *consumer.Consumer { return c.consumer }
