// Package config holds the typed configuration of the write path, its
// defaults and validation, and loads it from YAML plus BEEORM_* environment
// variables.
package config

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/latolukasz/beeorm-core/cache"
	"github.com/latolukasz/beeorm-core/cachedquery"
	"github.com/latolukasz/beeorm-core/consumer"
	"github.com/latolukasz/beeorm-core/flush"
	"github.com/latolukasz/beeorm-core/queue"
)

// Config is the root configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Flush       FlushConfig       `mapstructure:"flush"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Consumer    ConsumerConfig    `mapstructure:"consumer"`
	CachedQuery CachedQueryConfig `mapstructure:"cached_query"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// Relational drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the shared store. An empty Addr selects the
// in-process store instead.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// CacheConfig sizes the local pool and sets the lifetime of Redis pool entries.
type CacheConfig struct {
	Capacity           int           `mapstructure:"capacity"`
	NumShards          int           `mapstructure:"num_shards"`
	TTL                time.Duration `mapstructure:"ttl"`
	EvictionPercentage int           `mapstructure:"eviction_percentage"`
	EvictionInterval   time.Duration `mapstructure:"eviction_interval"`
	RedisTTL           time.Duration `mapstructure:"redis_ttl"`
}

// Local returns the local pool configuration.
func (c CacheConfig) Local() cache.Config {
	return cache.Config{
		Capacity:           c.Capacity,
		NumShards:          c.NumShards,
		TTL:                c.TTL,
		EvictionPercentage: c.EvictionPercentage,
		EvictionInterval:   c.EvictionInterval,
	}
}

// FlushConfig tunes the flush coordinator. A zero QueryTimeout disables the
// per-statement limit.
type FlushConfig struct {
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
}

// QueueConfig names the deferred queue stream.
type QueueConfig struct {
	Stream      string `mapstructure:"stream"`
	RemoveOnAck bool   `mapstructure:"remove_on_ack"`
}

// ConsumerConfig tunes replay.
type ConsumerConfig struct {
	Group        string        `mapstructure:"group"`
	BatchSize    int           `mapstructure:"batch_size"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	LeaseRefresh time.Duration `mapstructure:"lease_refresh"`
}

// CachedQueryConfig sets the lifetime of cached query entries.
type CachedQueryConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// LoggingConfig selects the zap logger built by Logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DefaultConfig returns the defaults: SQLite in memory, the in-process
// store and the package defaults of every component.
func DefaultConfig() Config {
	local := cache.DefaultConfig()
	return Config{
		Database: DatabaseConfig{Driver: DriverSQLite, DSN: ":memory:"},
		Cache: CacheConfig{
			Capacity:           local.Capacity,
			NumShards:          local.NumShards,
			TTL:                local.TTL,
			EvictionPercentage: local.EvictionPercentage,
			RedisTTL:           local.TTL,
		},
		Flush:    FlushConfig{ReservationTTL: flush.DefaultReservationTTL},
		Queue:    QueueConfig{Stream: queue.DefaultStream},
		Consumer: ConsumerConfig{
			Group:        consumer.DefaultGroup,
			BatchSize:    consumer.DefaultBatchSize,
			LeaseTTL:     consumer.DefaultLeaseTTL,
			LeaseRefresh: consumer.DefaultLeaseRefresh,
		},
		CachedQuery: CachedQueryConfig{TTL: cachedquery.DefaultTTL},
		Logging:     LoggingConfig{Level: "info"},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Database),
		validation.Field(&c.Redis),
		validation.Field(&c.Cache),
		validation.Field(&c.Flush),
		validation.Field(&c.Queue),
		validation.Field(&c.Consumer),
		validation.Field(&c.CachedQuery),
		validation.Field(&c.Logging),
	)
}

// Validate requires a supported driver and a DSN.
func (d DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.Required, validation.In(DriverSQLite, DriverMySQL)),
		validation.Field(&d.DSN, validation.Required),
		validation.Field(&d.MaxOpenConns, validation.Min(0)),
		validation.Field(&d.MaxIdleConns, validation.Min(0)),
		validation.Field(&d.ConnMaxLifetime, validation.Min(time.Duration(0))),
	)
}

// Validate rejects negative database numbers and pool sizes.
func (r RedisConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DB, validation.Min(0)),
		validation.Field(&r.PoolSize, validation.Min(0)),
	)
}

// Validate checks the local pool settings and requires a Redis entry TTL.
func (c CacheConfig) Validate() error {
	if err := c.Local().Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.RedisTTL, validation.Required, validation.Min(time.Second)),
	)
}

// Validate requires a reservation TTL of at least one second.
func (f FlushConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.QueryTimeout, validation.Min(time.Duration(0))),
		validation.Field(&f.ReservationTTL, validation.Required, validation.Min(time.Second)),
	)
}

// Validate requires a stream name.
func (q QueueConfig) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.Stream, validation.Required),
	)
}

// Validate requires a group, a positive batch size and a lease refresh
// interval shorter than the lease TTL.
func (c ConsumerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Group, validation.Required),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.LeaseTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.LeaseRefresh, validation.Required, validation.By(func(any) error {
			if c.LeaseRefresh >= c.LeaseTTL {
				return errors.New("must be shorter than the lease TTL")
			}
			return nil
		})),
	)
}

// Validate requires an entry TTL of at least one second.
func (c CachedQueryConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.TTL, validation.Required, validation.Min(time.Second)),
	)
}

// Validate accepts the levels debug, info, warn and error.
func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.Required, validation.In("debug", "info", "warn", "error")),
	)
}
