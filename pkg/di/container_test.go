package di

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latolukasz/beeorm-core/config"
	"github.com/latolukasz/beeorm-core/internal/memstore"
	"github.com/latolukasz/beeorm-core/internal/redisstore"
	"github.com/latolukasz/beeorm-core/pkg/testsupport"
	"github.com/latolukasz/beeorm-core/schema"
)

func shopRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry(testsupport.ShopEntities()...)
	require.NoError(t, err)
	return reg
}

func TestNewContainerWithDefaults(t *testing.T) {
	c, err := NewContainerWithDefaults(context.Background(), shopRegistry(t), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	require.NotNil(t, c.DB())
	require.IsType(t, &memstore.Store{}, c.Store())
	require.NotNil(t, c.CachePool(schema.PoolLocal))
	require.NotNil(t, c.CachePool(schema.PoolRedis))
	require.Nil(t, c.CachePool(schema.PoolNone))
	require.NotNil(t, c.Queue())
	require.NotNil(t, c.Flush())
	require.NotNil(t, c.Queries())
	require.NotNil(t, c.Reader())
	require.NotNil(t, c.Consumer())
	require.NotNil(t, c.KeySerializer())
	require.Nil(t, c.Metrics(), "metrics are off without a registerer")

	require.Equal(t, config.DefaultConfig(), c.Config())
	require.Equal(t, "beeorm:lazy", c.Queue().Name())
	require.Equal(t, "lease:beeorm:lazy:replay", c.Consumer().LeaseKey())
}

func TestNewContainerRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Consumer.BatchSize = 0

	_, err := NewContainer(context.Background(), cfg, shopRegistry(t))
	require.Error(t, err)
}

func TestNewContainerWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Redis.Addr = mr.Addr()
	cfg.Queue.Stream = "shop:lazy"

	c, err := NewContainer(context.Background(), cfg, shopRegistry(t),
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	require.IsType(t, &redisstore.Store{}, c.Store())
	require.NotNil(t, c.Metrics())
	require.Equal(t, "shop:lazy", c.Queue().Name())
	require.NoError(t, c.Close())
}

func TestNewContainerRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.DefaultConfig()
	cfg.Redis.Addr = addr

	_, err := NewContainer(context.Background(), cfg, shopRegistry(t), WithLogger(zap.NewNop()))
	require.Error(t, err)
}

func TestNewContainerUsesInjectedStores(t *testing.T) {
	shop := testsupport.NewShop(t)
	mr := miniredis.RunT(t)
	opts := redisstore.Options{Addr: mr.Addr()}

	rs, err := redisstore.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	c, err := NewContainerWithDefaults(context.Background(), shop.Registry,
		WithLogger(zap.NewNop()),
		WithDB(shop.DB),
		WithRedisClient(rs.Client()),
	)
	require.NoError(t, err)
	require.Same(t, shop.DB, c.DB())
	require.IsType(t, &redisstore.Store{}, c.Store())

	// Injected connections stay open after Close.
	require.NoError(t, c.Close())
	require.Equal(t, 0, shop.Count(t, "category", ""))
	require.NoError(t, rs.Client().Ping(context.Background()).Err())
}
