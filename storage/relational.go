package storage

import "context"

// MutationKind is the row-level statement a Mutation renders to.
type MutationKind uint8

const (
	Insert MutationKind = iota + 1
	Update
	Delete
)

func (k MutationKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is one parameterized row statement. Drivers render it in their own
// dialect: Insert writes Columns/Values (PrimaryKey included when ID is
// non-zero), Update sets Columns/Values on the row with ID, Delete removes the
// row with ID.
type Mutation struct {
	Kind       MutationKind
	Table      string
	PrimaryKey string
	ID         uint64
	Columns    []string
	Values     []any
}

// Result reports the outcome of one Mutation.
type Result struct {
	// LastInsertID is the store-generated primary key of an Insert without ID.
	LastInsertID uint64
	RowsAffected int64
}

// Select describes a primary key query over one table. Where is a raw
// predicate fragment with ? placeholders bound to Args in order. A non-empty
// NotDeleted names a soft-delete column that must be zero.
type Select struct {
	Table      string
	PrimaryKey string
	Where      string
	Args       []any
	NotDeleted string
	OrderBy    string
	Limit      int
}

// Tx is one open relational transaction.
type Tx interface {
	Apply(ctx context.Context, m Mutation) (Result, error)
	Exists(ctx context.Context, table, primaryKey string, id uint64) (bool, error)
	Commit() error
	Rollback() error
}

// Relational is the relational store collaborator.
type Relational interface {
	Begin(ctx context.Context) (Tx, error)
	SelectIDs(ctx context.Context, q Select) ([]uint64, error)
	Count(ctx context.Context, q Select) (int, error)
}

// RowReader loads single rows for read-through caches. Text columns are
// returned as strings.
type RowReader interface {
	LoadRow(ctx context.Context, table, primaryKey string, id uint64, columns []string) (map[string]any, bool, error)
}
