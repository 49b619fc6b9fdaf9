package testsupport

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/latolukasz/beeorm-core/storage"
)

func TestLoadFixture(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.txt")
	testContent := []byte("test fixture content")

	if err := os.WriteFile(testFile, testContent, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	result := LoadFixture(t, testFile)
	if string(result) != string(testContent) {
		t.Errorf("expected %q, got %q", testContent, result)
	}
}

func TestLoadFixture_ShopSchema(t *testing.T) {
	data := LoadFixture(t, FixturePath("shop.sql"))
	if string(data) != ShopSchema() {
		t.Error("embedded schema differs from testdata/shop.sql")
	}
}

func TestTempFile(t *testing.T) {
	path := TempFile(t, "config.yaml", []byte("a: 1"))
	if !strings.HasSuffix(path, "config.yaml") {
		t.Errorf("unexpected path %q", path)
	}
	if got := LoadFixture(t, path); string(got) != "a: 1" {
		t.Errorf("TempFile content = %q", got)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence(100)
	if a, b := gen.NextID(), gen.NextID(); a != 101 || b != 102 {
		t.Errorf("Sequence(100) yielded %d, %d", a, b)
	}
}

func TestNewShop(t *testing.T) {
	shop := NewShop(t)
	if shop.Category == nil || shop.Product == nil {
		t.Fatal("shop entities not registered")
	}
	if shop.Category.Table != "category" || shop.Product.PrimaryKey != "ID" {
		t.Errorf("unexpected table metadata: %q %q", shop.Category.Table, shop.Product.PrimaryKey)
	}

	shop.Exec(t, `INSERT INTO category ("Code") VALUES (?)`, "cars")
	if n := shop.Count(t, "category", `"Code" = ?`, "cars"); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	// Every shop is a separate database.
	if n := NewShop(t).Count(t, "category", ""); n != 0 {
		t.Errorf("second shop sees %d rows", n)
	}
}

func TestCountingDB(t *testing.T) {
	shop := NewShop(t)
	db := NewCountingDB(shop.DB)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		tx, err := db.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() failed: %v", err)
		}
		_ = tx.Rollback()
	}
	if _, err := db.Count(ctx, storage.Select{Table: "product"}); err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if _, err := db.SelectIDs(ctx, storage.Select{Table: "product", PrimaryKey: "ID"}); err != nil {
		t.Fatalf("SelectIDs() failed: %v", err)
	}
	if db.Begins() != 2 || db.Selects() != 1 {
		t.Errorf("Begins() = %d, Selects() = %d, want 2 and 1", db.Begins(), db.Selects())
	}
}
