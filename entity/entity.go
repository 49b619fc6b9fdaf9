package entity

import (
	"maps"

	"github.com/latolukasz/beeorm-core/schema"
)

// LoadState tells how much of an entity's persisted state is known.
type LoadState int

const (
	// Unloaded entities only know their primary key.
	Unloaded LoadState = iota
	// PartiallyLoaded entities know the columns listed by Available.
	PartiallyLoaded
	// FullyLoaded entities know every persisted column.
	FullyLoaded
)

func (s LoadState) String() string {
	switch s {
	case PartiallyLoaded:
		return "partially_loaded"
	case FullyLoaded:
		return "fully_loaded"
	default:
		return "unloaded"
	}
}

type deleteMode int

const (
	keep deleteMode = iota
	softOrHard
	forced
)

// Entity is a tracked record of one entity type: current column values plus a
// snapshot of the last persisted state used to compute its Delta.
//
// An Entity is not safe for concurrent use.
type Entity struct {
	schema *schema.Entity

	id    uint64
	isNew bool
	state LoadState

	values    map[string]any
	snapshot  map[string]any
	available map[string]struct{}

	del     deleteMode
	upsert  bool
	deleted bool
}

// New returns an entity that has never been persisted. Unset columns read as nil.
func New(s *schema.Entity) *Entity {
	return &Entity{
		schema:   s,
		isNew:    true,
		state:    FullyLoaded,
		values:   make(map[string]any),
		snapshot: make(map[string]any),
	}
}

// Load returns a fully loaded entity. row must hold every persisted column.
func Load(s *schema.Entity, id uint64, row map[string]any) (*Entity, error) {
	for _, c := range s.Columns {
		if _, ok := row[c]; !ok {
			return nil, &FieldError{Entity: s.Name, Column: c, Err: ErrFieldNotLoaded}
		}
	}
	e, err := load(s, id, row)
	if err != nil {
		return nil, err
	}
	e.state = FullyLoaded
	return e, nil
}

// LoadPartial returns an entity that knows only the columns present in row.
// Reading any other column fails with ErrFieldNotLoaded.
func LoadPartial(s *schema.Entity, id uint64, row map[string]any) (*Entity, error) {
	e, err := load(s, id, row)
	if err != nil {
		return nil, err
	}
	e.state = PartiallyLoaded
	e.available = make(map[string]struct{}, len(row))
	for c := range row {
		e.available[c] = struct{}{}
	}
	return e, nil
}

// Ref returns an unloaded entity that only knows its primary key, for example
// a reference target or a row scheduled for deletion by id.
func Ref(s *schema.Entity, id uint64) *Entity {
	return &Entity{
		schema:   s,
		id:       id,
		state:    Unloaded,
		values:   make(map[string]any),
		snapshot: make(map[string]any),
	}
}

func load(s *schema.Entity, id uint64, row map[string]any) (*Entity, error) {
	values := make(map[string]any, len(row))
	for c, v := range row {
		if c == s.PrimaryKey {
			continue
		}
		if !s.HasColumn(c) {
			return nil, &FieldError{Entity: s.Name, Column: c, Err: ErrUnknownColumn}
		}
		values[c] = v
	}
	return &Entity{
		schema:   s,
		id:       id,
		values:   values,
		snapshot: maps.Clone(values),
	}, nil
}

// Schema returns the metadata of the entity type.
func (e *Entity) Schema() *schema.Entity { return e.schema }

// ID returns the primary key, zero when not yet assigned.
func (e *Entity) ID() uint64 { return e.id }

// State returns the load state.
func (e *Entity) State() LoadState { return e.state }

// Available returns the known columns of a partially loaded entity in schema
// order. It is nil for the other states.
func (e *Entity) Available() []string {
	if e.state != PartiallyLoaded {
		return nil
	}
	out := make([]string, 0, len(e.available))
	for _, c := range e.schema.Columns {
		if _, ok := e.available[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// IsNew reports whether the entity has never been persisted.
func (e *Entity) IsNew() bool { return e.isNew }

// IsLoaded reports whether the persisted state of the entity is (at least
// partially) known.
func (e *Entity) IsLoaded() bool { return !e.isNew && e.state != Unloaded }

// IsDeleted reports whether a delete of this entity has been flushed.
func (e *Entity) IsDeleted() bool { return e.deleted }

// SetID assigns a client-supplied primary key to a new entity. Persisted
// entities keep their key for their whole lifetime.
func (e *Entity) SetID(id uint64) error {
	if !e.isNew && id != e.id {
		return &FieldError{Entity: e.schema.Name, Column: e.schema.PrimaryKey, Err: ErrImmutableID}
	}
	e.id = id
	return nil
}

// Get returns the current value of column.
func (e *Entity) Get(column string) (any, error) {
	if column == e.schema.PrimaryKey {
		return e.id, nil
	}
	if !e.schema.HasColumn(column) {
		return nil, &FieldError{Entity: e.schema.Name, Column: column, Err: ErrUnknownColumn}
	}
	if v, ok := e.values[column]; ok {
		return v, nil
	}
	switch e.state {
	case Unloaded:
		return nil, &FieldError{Entity: e.schema.Name, Column: column, Err: ErrNotLoaded}
	case PartiallyLoaded:
		return nil, &FieldError{Entity: e.schema.Name, Column: column, Err: ErrFieldNotLoaded}
	}
	return nil, nil
}

// Set changes the value of column. Values may be plain column values or, for
// reference columns, a *Entity of the referenced type.
func (e *Entity) Set(column string, value any) error {
	if column == e.schema.PrimaryKey {
		id, _ := value.(uint64)
		return e.SetID(id)
	}
	if !e.schema.HasColumn(column) {
		return &FieldError{Entity: e.schema.Name, Column: column, Err: ErrUnknownColumn}
	}
	e.values[column] = value
	return nil
}

// Old returns the last persisted value of column.
func (e *Entity) Old(column string) (any, bool) {
	v, ok := e.snapshot[column]
	return v, ok
}

// Delete schedules the entity for deletion. Entity types with a soft-delete
// column are soft deleted.
func (e *Entity) Delete() { e.del = softOrHard }

// ForceDelete schedules a hard delete even when the entity type soft deletes.
func (e *Entity) ForceDelete() { e.del = forced }

// DeleteRequested reports whether Delete or ForceDelete was called.
func (e *Entity) DeleteRequested() bool { return e.del != keep }

// ForceDeleteRequested reports whether ForceDelete was called.
func (e *Entity) ForceDeleteRequested() bool { return e.del == forced }

// Upsert marks a new entity to be updated in place when one of its unique
// index values is already owned by another row.
func (e *Entity) Upsert() { e.upsert = true }

// UpsertRequested reports whether Upsert was called.
func (e *Entity) UpsertRequested() bool { return e.upsert }

// Delta returns the columns whose current value differs from the last
// persisted state. New entities report every column that was set.
func (e *Entity) Delta() Delta {
	d := make(Delta)
	for c, v := range e.values {
		if old, ok := e.snapshot[c]; ok && !e.isNew && equal(old, v) {
			continue
		}
		d[c] = v
	}
	return d
}

// Persisted records a successful flush: id is the primary key the row was
// written with, the snapshot catches up with the current values and pending
// delete or upsert requests are cleared.
func (e *Entity) Persisted(id uint64) {
	if id != 0 {
		e.id = id
	}
	switch {
	case e.del == forced, e.del == softOrHard && e.schema.SoftDelete == "":
		e.deleted = true
	case e.del == softOrHard:
		e.values[e.schema.SoftDelete] = e.id
		e.deleted = true
	}

	if e.state == Unloaded && len(e.values) > 0 {
		e.state = PartiallyLoaded
		e.available = make(map[string]struct{}, len(e.values))
	}
	for c, v := range e.values {
		e.snapshot[c] = refValue(v)
		if e.available != nil {
			e.available[c] = struct{}{}
		}
	}

	e.isNew = false
	e.del = keep
	e.upsert = false
}
