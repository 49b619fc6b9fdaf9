package storage

import (
	"errors"
	"fmt"
)

// Kind is the driver-independent class of a store error.
type Kind int

const (
	// KindUnknown is any error the driver mapping does not recognize.
	KindUnknown Kind = iota
	// KindDuplicateKey is a unique constraint violation.
	KindDuplicateKey
	// KindForeignKey is a foreign key constraint violation.
	KindForeignKey
	// KindConnection means the store could not be reached.
	KindConnection
	// KindTooManyConnections means the store refused a new connection.
	KindTooManyConnections
	// KindDeadlock means the transaction was chosen as a deadlock victim.
	KindDeadlock
	// KindLockTimeout means a row lock wait timed out.
	KindLockTimeout
	// KindDiskFull means the store ran out of space.
	KindDiskFull
	// KindUnknownTable names a table the store does not have.
	KindUnknownTable
	// KindUnknownColumn names a column the store does not have.
	KindUnknownColumn
	// KindSyntax is a statement the store could not parse.
	KindSyntax
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindDuplicateKey:       "duplicate_key",
	KindForeignKey:         "foreign_key",
	KindConnection:         "connection",
	KindTooManyConnections: "too_many_connections",
	KindDeadlock:           "deadlock",
	KindLockTimeout:        "lock_timeout",
	KindDiskFull:           "disk_full",
	KindUnknownTable:       "unknown_table",
	KindUnknownColumn:      "unknown_column",
	KindSyntax:             "syntax",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DriverError wraps a raw driver error with its classification. Code is the
// driver's own code ("1062", "23505", "2067") and Constraint the offending
// index or constraint name when the driver reports one.
type DriverError struct {
	Kind       Kind
	Code       string
	Constraint string
	Err        error
}

func (e *DriverError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("%s (%s, constraint %s): %v", e.Kind, e.Code, e.Constraint, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Code, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first DriverError in err's chain.
func KindOf(err error) Kind {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
