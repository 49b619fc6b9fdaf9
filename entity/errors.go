package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLoaded is returned when an operation needs the persisted state of an
	// entity that was never loaded.
	ErrNotLoaded = errors.New("entity: not loaded")

	// ErrFieldNotLoaded is returned when a field outside the loaded set of a
	// partially loaded entity is read.
	ErrFieldNotLoaded = errors.New("entity: field not loaded")

	// ErrUnknownColumn is returned for a column the entity type does not persist.
	ErrUnknownColumn = errors.New("entity: unknown column")

	// ErrImmutableID is returned when the primary key of a persisted entity is changed.
	ErrImmutableID = errors.New("entity: primary key is immutable once assigned")
)

// FieldError carries the entity type and column an access failed on.
type FieldError struct {
	Entity string
	Column string
	Err    error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s.%s", e.Err, e.Entity, e.Column)
}

func (e *FieldError) Unwrap() error { return e.Err }
