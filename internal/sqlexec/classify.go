package sqlexec

import (
	"database/sql/driver"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/latolukasz/beeorm-core/storage"
)

var (
	mysqlDuplicateKey = regexp.MustCompile(`for key '([^']+)'`)
	mysqlConstraint   = regexp.MustCompile("CONSTRAINT `([^`]+)`")
)

var mysqlKinds = map[uint16]storage.Kind{
	1062: storage.KindDuplicateKey,
	1451: storage.KindForeignKey,
	1452: storage.KindForeignKey,
	1213: storage.KindDeadlock,
	1205: storage.KindLockTimeout,
	1040: storage.KindTooManyConnections,
	1203: storage.KindTooManyConnections,
	2002: storage.KindConnection,
	2003: storage.KindConnection,
	2006: storage.KindConnection,
	2013: storage.KindConnection,
	1021: storage.KindDiskFull,
	1114: storage.KindDiskFull,
	1146: storage.KindUnknownTable,
	1054: storage.KindUnknownColumn,
	1064: storage.KindSyntax,
}

var pqKinds = map[pq.ErrorCode]storage.Kind{
	"23505": storage.KindDuplicateKey,
	"23503": storage.KindForeignKey,
	"40P01": storage.KindDeadlock,
	"55P03": storage.KindLockTimeout,
	"53300": storage.KindTooManyConnections,
	"53100": storage.KindDiskFull,
	"42P01": storage.KindUnknownTable,
	"42703": storage.KindUnknownColumn,
	"42601": storage.KindSyntax,
}

// Classify wraps a raw driver error in a *storage.DriverError. Errors that no
// driver recognises are returned unchanged; nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var de *storage.DriverError
	if errors.As(err, &de) {
		return err
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return classifyMySQL(myErr)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(pqErr)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return classifySQLite(liteErr)
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return &storage.DriverError{Kind: storage.KindConnection, Err: err}
	}
	return err
}

func classifyMySQL(err *mysql.MySQLError) error {
	out := &storage.DriverError{
		Kind: mysqlKinds[err.Number],
		Code: strconv.Itoa(int(err.Number)),
		Err:  err,
	}
	switch out.Kind {
	case storage.KindDuplicateKey:
		if m := mysqlDuplicateKey.FindStringSubmatch(err.Message); m != nil {
			// MySQL 8 reports "table.index".
			out.Constraint = m[1][strings.LastIndex(m[1], ".")+1:]
		}
	case storage.KindForeignKey:
		if m := mysqlConstraint.FindStringSubmatch(err.Message); m != nil {
			out.Constraint = m[1]
		}
	}
	return out
}

func classifyPostgres(err *pq.Error) error {
	kind, ok := pqKinds[err.Code]
	if !ok && err.Code.Class() == "08" {
		kind = storage.KindConnection
	}
	return &storage.DriverError{
		Kind:       kind,
		Code:       string(err.Code),
		Constraint: err.Constraint,
		Err:        err,
	}
}

func classifySQLite(err sqlite3.Error) error {
	out := &storage.DriverError{
		Code: strconv.Itoa(int(err.ExtendedCode)),
		Err:  err,
	}
	msg := err.Error()

	switch {
	case err.ExtendedCode == sqlite3.ErrConstraintUnique, err.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		out.Kind = storage.KindDuplicateKey
		if i := strings.Index(msg, "failed: "); i >= 0 {
			out.Constraint = msg[i+len("failed: "):]
		}
	case err.ExtendedCode == sqlite3.ErrConstraintForeignKey:
		out.Kind = storage.KindForeignKey
	case err.Code == sqlite3.ErrBusy, err.Code == sqlite3.ErrLocked:
		out.Kind = storage.KindLockTimeout
	case err.Code == sqlite3.ErrFull:
		out.Kind = storage.KindDiskFull
	case err.Code == sqlite3.ErrCantOpen:
		out.Kind = storage.KindConnection
	case strings.Contains(msg, "no such table"):
		out.Kind = storage.KindUnknownTable
	case strings.Contains(msg, "no such column"), strings.Contains(msg, "has no column named"):
		out.Kind = storage.KindUnknownColumn
	case strings.Contains(msg, "syntax error"):
		out.Kind = storage.KindSyntax
	}
	return out
}
