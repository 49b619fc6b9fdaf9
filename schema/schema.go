package schema

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownEntity is returned by a Provider for an entity type that was never registered.
var ErrUnknownEntity = errors.New("schema: unknown entity type")

// DefaultPrimaryKey is the primary key column used when an Entity does not declare one.
const DefaultPrimaryKey = "ID"

// CachePool selects where primary-cache and cached query entries of an entity type live.
type CachePool int

const (
	// PoolNone disables entity caching; cached queries always hit the relational store.
	PoolNone CachePool = iota
	// PoolLocal keeps entries in an in-process cache owned by each worker.
	PoolLocal
	// PoolRedis keeps entries in the shared Redis pool.
	PoolRedis
)

// String returns the pool name used in cache keys and metrics labels.
func (p CachePool) String() string {
	switch p {
	case PoolLocal:
		return "local"
	case PoolRedis:
		return "redis"
	default:
		return "none"
	}
}

// UniqueIndex is a named, ordered list of columns whose combined value is unique
// among live rows.
type UniqueIndex struct {
	Name    string
	Columns []string
}

// Reference marks a column as holding the primary key of another entity type.
type Reference struct {
	Column string
	Entity string
}

// Entity is the precomputed metadata of one entity type. It is populated once at
// startup and treated as read-only afterwards.
type Entity struct {
	// Name is the entity type identifier used in cache keys and lookups.
	Name string

	// Table defaults to the snake_case form of Name.
	Table string

	// PrimaryKey defaults to DefaultPrimaryKey. It is not listed in Columns.
	PrimaryKey string

	// Columns lists the persisted columns in statement order.
	Columns []string

	Unique     []UniqueIndex
	References []Reference

	// SoftDelete names the column set to the row's own primary key when the row
	// is deleted. Zero means "not deleted". Empty disables soft deletes.
	SoftDelete string

	Cache CachePool

	// IDGenerator, when set, assigns primary keys before the row is written.
	// Entity types without a generator rely on the store to assign ids.
	IDGenerator IDGenerator
}

// HasColumn reports whether column is persisted for this entity type. The
// primary key counts as a column.
func (e *Entity) HasColumn(column string) bool {
	return column == e.PrimaryKey || slices.Contains(e.Columns, column)
}

// Reference returns the reference declared for column.
func (e *Entity) Reference(column string) (Reference, bool) {
	for _, ref := range e.References {
		if ref.Column == column {
			return ref, true
		}
	}
	return Reference{}, false
}

// UniqueIndex returns the unique index registered under name.
func (e *Entity) UniqueIndex(name string) (UniqueIndex, bool) {
	for _, idx := range e.Unique {
		if idx.Name == name {
			return idx, true
		}
	}
	return UniqueIndex{}, false
}

// IndexesTouching returns the unique indexes with at least one column in columns.
func (e *Entity) IndexesTouching(columns []string) []UniqueIndex {
	var out []UniqueIndex
	for _, idx := range e.Unique {
		for _, c := range idx.Columns {
			if slices.Contains(columns, c) {
				out = append(out, idx)
				break
			}
		}
	}
	return out
}

// ClientIDs reports whether primary keys are generated before the row is written.
func (e *Entity) ClientIDs() bool {
	return e.IDGenerator != nil
}

func (e *Entity) normalize() {
	if e.Table == "" {
		e.Table = tableName(e.Name)
	}
	if e.PrimaryKey == "" {
		e.PrimaryKey = DefaultPrimaryKey
	}
}

// Provider is the read-only metadata lookup consumed by the core.
type Provider interface {
	Entity(name string) (*Entity, error)
}

func unknown(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownEntity, name)
}
