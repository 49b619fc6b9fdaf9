package repositorycache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latolukasz/beeorm-core/cache"
	"github.com/latolukasz/beeorm-core/entity"
	"github.com/latolukasz/beeorm-core/flush"
	"github.com/latolukasz/beeorm-core/internal/cacheinfra"
	"github.com/latolukasz/beeorm-core/pkg/testsupport"
	"github.com/latolukasz/beeorm-core/schema"
	"github.com/latolukasz/beeorm-core/storage"
)

// countingRows counts row loads reaching the relational store. afterLoad,
// when set, runs once between reading a row and handing it to the cache.
type countingRows struct {
	storage.RowReader
	loads     atomic.Int64
	afterLoad func()
}

func (c *countingRows) LoadRow(ctx context.Context, table, primaryKey string, id uint64, columns []string) (map[string]any, bool, error) {
	c.loads.Add(1)
	row, found, err := c.RowReader.LoadRow(ctx, table, primaryKey, id, columns)
	if hook := c.afterLoad; hook != nil {
		c.afterLoad = nil
		hook()
	}
	return row, found, err
}

type env struct {
	shop  *testsupport.Shop
	rows  *countingRows
	flush *flush.Coordinator
	repo  *Repository
}

func newEnv(t *testing.T) *env {
	t.Helper()
	shop := testsupport.NewShop(t)

	local, err := cacheinfra.NewSturdycService(cache.DefaultConfig())
	require.NoError(t, err)
	shared := cacheinfra.NewKVService(shop.Store, time.Minute, nil)

	rows := &countingRows{RowReader: shop.DB}
	repo := New(shop.Registry, rows, shop.Store, shop.Store,
		WithCache(schema.PoolLocal, local),
		WithCache(schema.PoolRedis, shared),
	)
	return &env{
		shop: shop,
		rows: rows,
		flush: flush.New(shop.Registry, shop.DB, shop.Store,
			flush.WithCache(schema.PoolLocal, local),
			flush.WithCache(schema.PoolRedis, shared),
			flush.WithObserver(repo),
		),
		repo: repo,
	}
}

func get(t *testing.T, e *entity.Entity, column string) any {
	t.Helper()
	v, err := e.Get(column)
	require.NoError(t, err)
	return v
}

func TestGetByID_CachesUntilFlushed(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	cat := entity.New(env.shop.Category)
	require.NoError(t, cat.Set("Code", "cars"))
	require.NoError(t, cat.Set("Name", "Cars"))
	require.NoError(t, env.flush.FlushEntities(ctx, flush.Sync, cat))

	for i := 0; i < 3; i++ {
		got, err := env.repo.GetByID(ctx, "Category", cat.ID())
		require.NoError(t, err)
		require.Equal(t, entity.FullyLoaded, got.State())
		require.Equal(t, "Cars", get(t, got, "Name"))
	}
	require.EqualValues(t, 1, env.rows.loads.Load())

	require.NoError(t, cat.Set("Name", "Autos"))
	require.NoError(t, env.flush.FlushEntities(ctx, flush.Sync, cat))

	got, err := env.repo.GetByID(ctx, "Category", cat.ID())
	require.NoError(t, err)
	require.Equal(t, "Autos", get(t, got, "Name"))
	require.EqualValues(t, 2, env.rows.loads.Load())
}

func TestGetByID_FillRacingCommitIsNotServed(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	p := entity.New(env.shop.Product)
	require.NoError(t, p.Set("Name", "wheel"))
	require.NoError(t, p.Set("Price", 10))
	require.NoError(t, env.flush.FlushEntities(ctx, flush.Sync, p))

	// The row is read, then a commit lands before the fill is stored.
	env.rows.afterLoad = func() {
		require.NoError(t, p.Set("Price", 20))
		require.NoError(t, env.flush.FlushEntities(ctx, flush.Sync, p))
	}
	got, err := env.repo.GetByID(ctx, "Product", p.ID())
	require.NoError(t, err)
	require.EqualValues(t, 10, get(t, got, "Price"))

	got, err = env.repo.GetByID(ctx, "Product", p.ID())
	require.NoError(t, err)
	require.EqualValues(t, 20, get(t, got, "Price"))
	require.EqualValues(t, 2, env.rows.loads.Load())

	raw, found, err := env.shop.Store.Get(ctx, cache.EntryVersionKey(cache.PrimaryKey("Product", p.ID())))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(raw))
}

func TestGetByUnique_ResolvesOwnerThroughSharedPool(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	p := entity.New(env.shop.Product)
	require.NoError(t, p.Set("Name", "wheel"))
	require.NoError(t, p.Set("Price", 10))
	require.NoError(t, env.flush.FlushEntities(ctx, flush.Sync, p))

	got, err := env.repo.GetByUnique(ctx, "Product", "name", "wheel")
	require.NoError(t, err)
	require.Equal(t, p.ID(), got.ID())
	require.EqualValues(t, 10, get(t, got, "Price"))

	_, err = env.repo.GetByUnique(ctx, "Product", "name", "wheel")
	require.NoError(t, err)
	require.EqualValues(t, 1, env.rows.loads.Load())

	p.Delete()
	require.NoError(t, env.flush.FlushEntities(ctx, flush.Sync, p))

	_, err = env.repo.GetByUnique(ctx, "Product", "name", "wheel")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = env.repo.GetByID(ctx, "Product", p.ID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetByUnique_PendingClaimIsNotFound(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	key := cache.UniqueIndexKey("Product", "name", cache.IndexMember(cache.NewDefaultKeySerializer(), "tyre"))
	_, ok, err := env.shop.Store.Reserve(ctx, key, "~in-flight", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.repo.GetByUnique(ctx, "Product", "name", "tyre")
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, env.rows.loads.Load())
}

func TestLookupErrors(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.repo.GetByID(ctx, "Order", 1)
	require.ErrorIs(t, err, schema.ErrUnknownEntity)

	_, err = env.repo.GetByID(ctx, "Category", 0)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = env.repo.GetByUnique(ctx, "Category", "missing", "x")
	require.ErrorIs(t, err, ErrUnknownIndex)

	_, err = env.repo.GetByUnique(ctx, "Category", "code", "a", "b")
	require.Error(t, err)

	// Misses are not cached.
	for i := 0; i < 2; i++ {
		_, err = env.repo.GetByID(ctx, "Category", 999)
		require.ErrorIs(t, err, ErrNotFound)
	}
	require.EqualValues(t, 2, env.rows.loads.Load())
}

func TestGetByID_WithoutPoolReadsThrough(t *testing.T) {
	shop := testsupport.NewShop(t)
	rows := &countingRows{RowReader: shop.DB}
	repo := New(shop.Registry, rows, shop.Store, shop.Store)
	shop.Exec(t, `INSERT INTO category ("ID", "Code") VALUES (4, 'bikes')`)

	for i := 0; i < 2; i++ {
		got, err := repo.GetByID(context.Background(), "Category", 4)
		require.NoError(t, err)
		require.Equal(t, "bikes", get(t, got, "Code"))
		require.Nil(t, get(t, got, "Name"))
	}
	require.EqualValues(t, 2, rows.loads.Load())
}

func TestIsZero(t *testing.T) {
	for _, v := range []any{nil, 0, int8(0), uint64(0), 0.0, "", "0"} {
		require.True(t, isZero(v), "%#v", v)
	}
	for _, v := range []any{1, uint8(3), "101", 2.5} {
		require.False(t, isZero(v), "%#v", v)
	}
}
