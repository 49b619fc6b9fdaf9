package changeset

import (
	"errors"
	"strings"
)

var (
	// ErrCyclicReference is returned when new entities reference each other in
	// a cycle, so no insert order can satisfy every reference.
	ErrCyclicReference = errors.New("changeset: cyclic reference between new entities")

	// ErrUnresolvedReference is returned when a reference column points at an
	// entity that will not have a primary key when the statement runs.
	ErrUnresolvedReference = errors.New("changeset: unresolved reference")
)

// CyclicReferenceError names the entities forming the cycle, first entity repeated last.
type CyclicReferenceError struct {
	Path []string
}

func (e *CyclicReferenceError) Error() string {
	return ErrCyclicReference.Error() + ": " + strings.Join(e.Path, " -> ")
}

func (e *CyclicReferenceError) Is(target error) bool { return target == ErrCyclicReference }
