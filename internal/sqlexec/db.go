// Package sqlexec implements storage.Relational on top of bun. Statements are
// rendered with bun's placeholder formatting so identifiers are quoted and
// values are escaped by the dialect in use.
package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/zap"

	"github.com/latolukasz/beeorm-core/storage"
)

var (
	_ storage.Relational = (*DB)(nil)
	_ storage.RowReader  = (*DB)(nil)
)

// PoolOptions tunes the database/sql connection pool.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (o PoolOptions) apply(db *sql.DB) {
	if o.MaxOpenConns > 0 {
		db.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.MaxIdleConns > 0 {
		db.SetMaxIdleConns(o.MaxIdleConns)
	}
	if o.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.ConnMaxLifetime)
	}
}

// DB is a relational store backed by a bun.DB.
type DB struct {
	db *bun.DB
}

// New wraps an existing bun.DB. A non-nil logger receives every statement at
// debug level.
func New(db *bun.DB, logger *zap.Logger) *DB {
	if logger != nil {
		db.AddQueryHook(&queryLogger{logger: logger})
	}
	return &DB{db: db}
}

// OpenMySQL connects to MySQL. The DSN uses the go-sql-driver format.
func OpenMySQL(dsn string, pool PoolOptions, logger *zap.Logger) (*DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	sqldb := sql.OpenDB(connector)
	pool.apply(sqldb)

	return New(bun.NewDB(sqldb, mysqldialect.New()), logger), nil
}

// OpenSQLite opens a SQLite database with foreign keys enforced. In-memory
// databases are pinned to a single connection so every statement sees the
// same database.
func OpenSQLite(dsn string, logger *zap.Logger) (*DB, error) {
	if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "_fk") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_foreign_keys=1"
	}

	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		sqldb.SetMaxOpenConns(1)
	}
	if err := sqldb.Ping(); err != nil {
		_ = sqldb.Close()
		return nil, Classify(err)
	}

	return New(bun.NewDB(sqldb, sqlitedialect.New()), logger), nil
}

// Bun exposes the underlying bun.DB for schema setup and reads outside the
// write path.
func (d *DB) Bun() *bun.DB { return d.db }

// Close closes the connection pool.
func (d *DB) Close() error { return d.db.Close() }

// Begin implements storage.Relational.
func (d *DB) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Classify(err)
	}
	return &Tx{tx: tx}, nil
}

// SelectIDs implements storage.Relational.
func (d *DB) SelectIDs(ctx context.Context, q storage.Select) ([]uint64, error) {
	query, args := renderSelect("SELECT ? FROM ?", []any{bun.Ident(q.PrimaryKey), bun.Ident(q.Table)}, q, true)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, Classify(err)
		}
		ids = append(ids, id)
	}
	return ids, Classify(rows.Err())
}

// Count implements storage.Relational.
func (d *DB) Count(ctx context.Context, q storage.Select) (int, error) {
	query, args := renderSelect("SELECT COUNT(*) FROM ?", []any{bun.Ident(q.Table)}, q, false)

	var n int
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

// LoadRow implements storage.RowReader.
func (d *DB) LoadRow(ctx context.Context, table, primaryKey string, id uint64, columns []string) (map[string]any, bool, error) {
	if len(columns) == 0 {
		return nil, false, errors.New("sqlexec: no columns to load")
	}
	args := make([]any, 0, len(columns)+3)
	for _, c := range columns {
		args = append(args, bun.Ident(c))
	}
	args = append(args, bun.Ident(table), bun.Ident(primaryKey), id)
	query := "SELECT " + placeholders(len(columns)) + " FROM ? WHERE ? = ? LIMIT 1"

	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	err := d.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, Classify(err)
	}

	row := make(map[string]any, len(columns))
	for i, c := range columns {
		if b, ok := values[i].([]byte); ok {
			row[c] = string(b)
			continue
		}
		row[c] = values[i]
	}
	return row, true, nil
}

func renderSelect(head string, args []any, q storage.Select, paged bool) (string, []any) {
	var b strings.Builder
	b.WriteString(head)
	switch {
	case q.Where != "" && q.NotDeleted != "":
		b.WriteString(" WHERE (")
		b.WriteString(q.Where)
		b.WriteString(") AND ? = 0")
		args = append(args, q.Args...)
		args = append(args, bun.Ident(q.NotDeleted))
	case q.Where != "":
		b.WriteString(" WHERE ")
		b.WriteString(q.Where)
		args = append(args, q.Args...)
	case q.NotDeleted != "":
		b.WriteString(" WHERE ? = 0")
		args = append(args, bun.Ident(q.NotDeleted))
	}
	if !paged {
		return b.String(), args
	}
	if q.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.OrderBy)
	} else {
		b.WriteString(" ORDER BY ?")
		args = append(args, bun.Ident(q.PrimaryKey))
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args
}

// Tx is one open bun transaction.
type Tx struct {
	tx bun.Tx
}

// Apply implements storage.Tx.
func (t *Tx) Apply(ctx context.Context, m storage.Mutation) (storage.Result, error) {
	query, args, err := renderMutation(m)
	if err != nil {
		return storage.Result{}, err
	}

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return storage.Result{}, Classify(err)
	}

	var out storage.Result
	if out.RowsAffected, err = res.RowsAffected(); err != nil {
		return storage.Result{}, Classify(err)
	}
	if m.Kind == storage.Insert && m.ID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return storage.Result{}, Classify(err)
		}
		out.LastInsertID = uint64(id)
	}
	return out, nil
}

// Exists implements storage.Tx.
func (t *Tx) Exists(ctx context.Context, table, primaryKey string, id uint64) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, "SELECT 1 FROM ? WHERE ? = ? LIMIT 1",
		bun.Ident(table), bun.Ident(primaryKey), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, Classify(err)
	}
	return true, nil
}

// Commit implements storage.Tx.
func (t *Tx) Commit() error { return Classify(t.tx.Commit()) }

// Rollback implements storage.Tx. Rolling back a finished transaction is not an error.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return Classify(err)
	}
	return nil
}

// ErrEmptyMutation is returned for an Update without columns or an Insert
// without any value.
var ErrEmptyMutation = errors.New("sqlexec: mutation has no columns")

func renderMutation(m storage.Mutation) (string, []any, error) {
	if len(m.Columns) != len(m.Values) {
		return "", nil, errors.New("sqlexec: columns and values differ in length")
	}

	switch m.Kind {
	case storage.Insert:
		cols := make([]any, 0, len(m.Columns)+1)
		vals := make([]any, 0, len(m.Values)+1)
		if m.ID != 0 {
			cols = append(cols, bun.Ident(m.PrimaryKey))
			vals = append(vals, m.ID)
		}
		for i, c := range m.Columns {
			if c == m.PrimaryKey {
				continue
			}
			cols = append(cols, bun.Ident(c))
			vals = append(vals, m.Values[i])
		}
		if len(cols) == 0 {
			return "", nil, ErrEmptyMutation
		}
		marks := placeholders(len(cols))
		args := append([]any{bun.Ident(m.Table)}, cols...)
		args = append(args, vals...)
		return "INSERT INTO ? (" + marks + ") VALUES (" + marks + ")", args, nil

	case storage.Update:
		if len(m.Columns) == 0 {
			return "", nil, ErrEmptyMutation
		}
		sets := make([]string, len(m.Columns))
		args := []any{bun.Ident(m.Table)}
		for i, c := range m.Columns {
			sets[i] = "? = ?"
			args = append(args, bun.Ident(c), m.Values[i])
		}
		args = append(args, bun.Ident(m.PrimaryKey), m.ID)
		return "UPDATE ? SET " + strings.Join(sets, ", ") + " WHERE ? = ?", args, nil

	case storage.Delete:
		return "DELETE FROM ? WHERE ? = ?", []any{bun.Ident(m.Table), bun.Ident(m.PrimaryKey), m.ID}, nil
	}
	return "", nil, errors.New("sqlexec: unknown mutation kind " + m.Kind.String())
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
