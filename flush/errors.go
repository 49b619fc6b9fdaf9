package flush

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateKey is returned when a unique index tuple is owned by another row.
	ErrDuplicateKey = errors.New("flush: duplicate unique key")

	// ErrForeignKey is returned when the relational store rejects a reference.
	ErrForeignKey = errors.New("flush: foreign key violation")

	// ErrQueryTimeout is returned when a statement exceeds the configured query timeout.
	ErrQueryTimeout = errors.New("flush: query exceeded time limit")

	// ErrDeferredUpsert is returned when a deferred flush contains an upsert.
	ErrDeferredUpsert = errors.New("flush: upsert cannot be deferred")

	// ErrDeferredInsert is returned when a deferred flush contains an insert
	// whose primary key only the store can assign.
	ErrDeferredInsert = errors.New("flush: insert without pre-generated id cannot be deferred")

	// ErrNoQueue is returned for a deferred flush on a coordinator built without a queue.
	ErrNoQueue = errors.New("flush: no deferred queue configured")
)

// DuplicateKeyError reports the index and the current owner of a taken tuple.
// Pending is set when the owner is another writer's unfinished insert, whose
// id is not known yet.
type DuplicateKeyError struct {
	Entity  string
	Index   string
	OwnerID uint64
	Pending bool
	Err     error
}

func (e *DuplicateKeyError) Error() string {
	switch {
	case e.Pending:
		return fmt.Sprintf("%s: %s.%s is reserved by a pending insert", ErrDuplicateKey, e.Entity, e.Index)
	case e.OwnerID != 0:
		return fmt.Sprintf("%s: %s.%s is owned by %d", ErrDuplicateKey, e.Entity, e.Index, e.OwnerID)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s.%s: %v", ErrDuplicateKey, e.Entity, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %s.%s", ErrDuplicateKey, e.Entity, e.Index)
}

func (e *DuplicateKeyError) Is(target error) bool { return target == ErrDuplicateKey }

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// ForeignKeyError carries the constraint reported by the store.
type ForeignKeyError struct {
	Entity     string
	Constraint string
	Err        error
}

func (e *ForeignKeyError) Error() string {
	if e.Constraint == "" {
		return fmt.Sprintf("%s on %s: %v", ErrForeignKey, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s on %s (%s): %v", ErrForeignKey, e.Entity, e.Constraint, e.Err)
}

func (e *ForeignKeyError) Is(target error) bool { return target == ErrForeignKey }

func (e *ForeignKeyError) Unwrap() error { return e.Err }
