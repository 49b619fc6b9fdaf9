// Package testsupport provides the fixtures shared by the package tests: a
// two-entity shop schema backed by an in-memory SQLite database and an
// in-process store, plus small file helpers.
package testsupport

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latolukasz/beeorm-core/internal/memstore"
	"github.com/latolukasz/beeorm-core/internal/sqlexec"
	"github.com/latolukasz/beeorm-core/schema"
	"github.com/latolukasz/beeorm-core/storage"
)

//go:embed testdata/shop.sql
var shopSchema string

// ShopSchema returns the DDL of the shop tables.
func ShopSchema() string { return shopSchema }

// Sequence returns an id generator yielding start+1, start+2, ...
func Sequence(start uint64) schema.IDGenerator {
	var n atomic.Uint64
	n.Store(start)
	return schema.IDGeneratorFunc(func() uint64 { return n.Add(1) })
}

// ShopEntities describes the shop tables. Category ids are assigned by the
// database; Product ids come from a generator starting after 100.
func ShopEntities() []schema.Entity {
	return []schema.Entity{
		{
			Name:    "Category",
			Columns: []string{"Code", "Name"},
			Unique:  []schema.UniqueIndex{{Name: "code", Columns: []string{"Code"}}},
			Cache:   schema.PoolLocal,
		},
		{
			Name:        "Product",
			Columns:     []string{"Category", "Name", "Price", "Deleted"},
			Unique:      []schema.UniqueIndex{{Name: "name", Columns: []string{"Name"}}},
			References:  []schema.Reference{{Column: "Category", Entity: "Category"}},
			SoftDelete:  "Deleted",
			Cache:       schema.PoolRedis,
			IDGenerator: Sequence(100),
		},
	}
}

// Shop bundles the shop schema with its backing stores.
type Shop struct {
	Registry *schema.Registry
	Category *schema.Entity
	Product  *schema.Entity

	DB    *sqlexec.DB
	Store *memstore.Store
}

// NewShop opens a fresh in-memory database with the shop tables. Everything
// is closed when the test ends.
func NewShop(t testing.TB, opts ...memstore.Option) *Shop {
	t.Helper()

	reg, err := schema.NewRegistry(ShopEntities()...)
	require.NoError(t, err)

	db, err := sqlexec.OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Bun().ExecContext(context.Background(), shopSchema)
	require.NoError(t, err)

	s := &Shop{Registry: reg, DB: db, Store: memstore.New(opts...)}
	s.Category, _ = reg.Entity("Category")
	s.Product, _ = reg.Entity("Product")
	return s
}

// Count returns the number of rows of table matching where.
func (s *Shop) Count(t testing.TB, table, where string, args ...any) int {
	t.Helper()
	n, err := s.DB.Count(context.Background(), storage.Select{Table: table, Where: where, Args: args})
	require.NoError(t, err)
	return n
}

// Exec runs a raw statement, for seeding rows behind the write path's back.
func (s *Shop) Exec(t testing.TB, query string, args ...any) {
	t.Helper()
	_, err := s.DB.Bun().ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

// CountingDB counts the transactions opened and the id queries run on a
// relational store.
type CountingDB struct {
	storage.Relational
	begins  atomic.Int64
	selects atomic.Int64
}

// NewCountingDB wraps db.
func NewCountingDB(db storage.Relational) *CountingDB {
	return &CountingDB{Relational: db}
}

// Begin implements storage.Relational.
func (c *CountingDB) Begin(ctx context.Context) (storage.Tx, error) {
	c.begins.Add(1)
	return c.Relational.Begin(ctx)
}

// Begins returns how many transactions were opened.
func (c *CountingDB) Begins() int64 { return c.begins.Load() }

// SelectIDs implements storage.Relational.
func (c *CountingDB) SelectIDs(ctx context.Context, q storage.Select) ([]uint64, error) {
	c.selects.Add(1)
	return c.Relational.SelectIDs(ctx, q)
}

// Selects returns how many id queries ran.
func (c *CountingDB) Selects() int64 { return c.selects.Load() }

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(t testing.TB, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}
	return data
}

// TempFile writes content to a file named name inside a per-test directory
// and returns its path.
func TempFile(t testing.TB, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}
