package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/latolukasz/beeorm-core/pkg/testsupport"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.False(t, cfg.Redis.Enabled())
	require.Equal(t, "beeorm:lazy", cfg.Queue.Stream)
	require.Equal(t, "replay", cfg.Consumer.Group)
	require.Equal(t, 100, cfg.Consumer.BatchSize)
	require.Equal(t, 30*time.Second, cfg.Flush.ReservationTTL)
	require.Zero(t, cfg.Flush.QueryTimeout)
	require.Equal(t, time.Hour, cfg.CachedQuery.TTL)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := testsupport.TempFile(t, "beeorm.yaml", []byte(`
database:
  driver: mysql
  dsn: "root:secret@tcp(127.0.0.1:3306)/shop"
  conn_max_lifetime: 5m
redis:
  addr: "127.0.0.1:6379"
  db: 2
flush:
  query_timeout: 2s
consumer:
  batch_size: 25
  lease_ttl: 1m
  lease_refresh: 20s
logging:
  level: debug
  development: true
`))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DriverMySQL, cfg.Database.Driver)
	require.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
	require.True(t, cfg.Redis.Enabled())
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, 2*time.Second, cfg.Flush.QueryTimeout)
	require.Equal(t, 25, cfg.Consumer.BatchSize)
	require.Equal(t, time.Minute, cfg.Consumer.LeaseTTL)
	require.Equal(t, 20*time.Second, cfg.Consumer.LeaseRefresh)
	require.Equal(t, "debug", cfg.Logging.Level)

	// Keys missing from the file keep their defaults.
	require.Equal(t, "replay", cfg.Consumer.Group)
	require.Equal(t, DefaultConfig().Cache, cfg.Cache)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := testsupport.TempFile(t, "beeorm.yaml", []byte("queue:\n  stream: from-file\n"))
	t.Setenv("BEEORM_QUEUE_STREAM", "from-env")
	t.Setenv("BEEORM_CONSUMER_BATCH_SIZE", "7")
	t.Setenv("BEEORM_CACHED_QUERY_TTL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Queue.Stream)
	require.Equal(t, 7, cfg.Consumer.BatchSize)
	require.Equal(t, 90*time.Second, cfg.CachedQuery.TTL)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(t.TempDir() + "/missing.yaml")
	require.Error(t, err)

	path := testsupport.TempFile(t, "bad.yaml", []byte("consumer:\n  batch_size: 0\n"))
	_, err = Load(path)
	require.ErrorContains(t, err, "BatchSize")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"negative redis db", func(c *Config) { c.Redis.DB = -1 }},
		{"zero cache capacity", func(c *Config) { c.Cache.Capacity = 0 }},
		{"zero redis ttl", func(c *Config) { c.Cache.RedisTTL = 0 }},
		{"negative query timeout", func(c *Config) { c.Flush.QueryTimeout = -time.Second }},
		{"zero reservation ttl", func(c *Config) { c.Flush.ReservationTTL = 0 }},
		{"empty stream", func(c *Config) { c.Queue.Stream = "" }},
		{"empty group", func(c *Config) { c.Consumer.Group = "" }},
		{"refresh not shorter than lease", func(c *Config) { c.Consumer.LeaseRefresh = c.Consumer.LeaseTTL }},
		{"zero cached query ttl", func(c *Config) { c.CachedQuery.TTL = 0 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoggingConfigLogger(t *testing.T) {
	logger, err := LoggingConfig{Level: "warn"}.Logger()
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	dev, err := LoggingConfig{Level: "debug", Development: true}.Logger()
	require.NoError(t, err)
	require.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	_, err = LoggingConfig{Level: "loud"}.Logger()
	require.Error(t, err)
}
