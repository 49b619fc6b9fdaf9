package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment overrides, e.g. BEEORM_REDIS_ADDR.
const EnvPrefix = "BEEORM"

// Load reads configuration from the YAML file at path, when path is not
// empty, then applies environment overrides and validates the result. A
// named file that cannot be read is an error.
// Durations are written as strings such as "30s".
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables can override
// keys absent from the file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.username", d.Redis.Username)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)

	v.SetDefault("cache.capacity", d.Cache.Capacity)
	v.SetDefault("cache.num_shards", d.Cache.NumShards)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.eviction_percentage", d.Cache.EvictionPercentage)
	v.SetDefault("cache.eviction_interval", d.Cache.EvictionInterval)
	v.SetDefault("cache.redis_ttl", d.Cache.RedisTTL)

	v.SetDefault("flush.query_timeout", d.Flush.QueryTimeout)
	v.SetDefault("flush.reservation_ttl", d.Flush.ReservationTTL)

	v.SetDefault("queue.stream", d.Queue.Stream)
	v.SetDefault("queue.remove_on_ack", d.Queue.RemoveOnAck)

	v.SetDefault("consumer.group", d.Consumer.Group)
	v.SetDefault("consumer.batch_size", d.Consumer.BatchSize)
	v.SetDefault("consumer.lease_ttl", d.Consumer.LeaseTTL)
	v.SetDefault("consumer.lease_refresh", d.Consumer.LeaseRefresh)

	v.SetDefault("cached_query.ttl", d.CachedQuery.TTL)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
}
