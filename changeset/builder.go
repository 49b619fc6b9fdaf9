package changeset

import (
	"fmt"

	"github.com/latolukasz/beeorm-core/cache"
	"github.com/latolukasz/beeorm-core/entity"
	"github.com/latolukasz/beeorm-core/schema"
	"github.com/latolukasz/beeorm-core/storage"
)

// Builder derives change sets from tracked entities. It does not modify the
// entities it is given; the flush coordinator records the outcome on them.
type Builder struct {
	provider schema.Provider
	keys     cache.KeySerializer
}

// Option configures a Builder.
type Option func(*Builder)

// WithKeySerializer replaces the serializer used for unique index members.
// Every process sharing an index store must use the same serializer.
func WithKeySerializer(s cache.KeySerializer) Option {
	return func(b *Builder) { b.keys = s }
}

// NewBuilder returns a Builder reading metadata from provider.
func NewBuilder(provider schema.Provider, opts ...Option) *Builder {
	b := &Builder{provider: provider, keys: cache.NewDefaultKeySerializer()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Member renders the unique index tuple for values.
func (b *Builder) Member(values ...any) string {
	return cache.IndexMember(b.keys, values...)
}

type mark int

const (
	white mark = iota
	grey
	black
)

type build struct {
	b *Builder

	order []*entity.Entity
	marks map[*entity.Entity]mark
	stack []*entity.Entity

	// position of the insert operation of each new entity
	inserts map[*entity.Entity]int
	// ids chosen before the write
	ids map[*entity.Entity]uint64
}

// Build computes the change set for entities. Entities with an empty delta
// contribute nothing. New entities referenced by a tracked entity are
// inserted too, before the entity that references them.
func (b *Builder) Build(entities ...*entity.Entity) (*ChangeSet, error) {
	st := &build{
		b:       b,
		marks:   make(map[*entity.Entity]mark),
		inserts: make(map[*entity.Entity]int),
		ids:     make(map[*entity.Entity]uint64),
	}
	for _, e := range entities {
		if e == nil {
			continue
		}
		if err := st.visit(e); err != nil {
			return nil, err
		}
	}

	cs := &ChangeSet{}
	for _, e := range st.order {
		op, ok, err := st.operation(e)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if op.Kind == storage.Insert {
			st.inserts[e] = len(cs.Operations)
		}
		cs.Operations = append(cs.Operations, op)
		cs.entities = append(cs.entities, e)
		st.invalidate(cs, e.Schema(), op)
	}
	return cs, nil
}

// visit orders e after every new entity it references (depth-first, grey
// nodes on the stack detect cycles).
func (st *build) visit(e *entity.Entity) error {
	switch st.marks[e] {
	case black:
		return nil
	case grey:
		return st.cycle(e)
	}

	st.marks[e] = grey
	st.stack = append(st.stack, e)
	for _, dep := range newReferences(e) {
		if err := st.visit(dep); err != nil {
			return err
		}
	}
	st.stack = st.stack[:len(st.stack)-1]
	st.marks[e] = black
	st.order = append(st.order, e)
	return nil
}

func (st *build) cycle(e *entity.Entity) error {
	start := 0
	for i, s := range st.stack {
		if s == e {
			start = i
			break
		}
	}
	path := make([]string, 0, len(st.stack)-start+1)
	for _, s := range st.stack[start:] {
		path = append(path, s.Schema().Name)
	}
	path = append(path, e.Schema().Name)
	return &CyclicReferenceError{Path: path}
}

// newReferences lists the unsaved entities e's pending values point at.
func newReferences(e *entity.Entity) []*entity.Entity {
	if e.DeleteRequested() {
		return nil
	}
	delta := e.Delta()
	var out []*entity.Entity
	for _, c := range delta.Columns(e.Schema().Columns) {
		if ref, ok := delta[c].(*entity.Entity); ok && ref != nil && ref.IsNew() {
			out = append(out, ref)
		}
	}
	return out
}

func (st *build) operation(e *entity.Entity) (Operation, bool, error) {
	s := e.Schema()

	switch {
	case e.IsDeleted():
		return Operation{}, false, nil
	case e.IsNew() && e.DeleteRequested():
		return Operation{}, false, nil
	case e.IsNew():
		return st.insert(e)
	case e.DeleteRequested() && (e.ForceDeleteRequested() || s.SoftDelete == ""):
		return st.hardDelete(e)
	case e.DeleteRequested():
		return st.softDelete(e)
	}

	delta := e.Delta()
	if delta.Empty() {
		return Operation{}, false, nil
	}
	if !e.IsLoaded() {
		return Operation{}, false, fmt.Errorf("update %s %d: %w", s.Name, e.ID(), entity.ErrNotLoaded)
	}
	return st.update(e, delta, false)
}

func (st *build) insert(e *entity.Entity) (Operation, bool, error) {
	s := e.Schema()
	op := Operation{
		Kind:   storage.Insert,
		Entity: s.Name,
		ID:     e.ID(),
		Upsert: e.UpsertRequested(),
	}
	if op.ID == 0 && s.IDGenerator != nil {
		op.ID = s.IDGenerator.NextID()
	}
	op.ClientID = op.ID != 0
	if op.ClientID {
		st.ids[e] = op.ID
	}

	delta := e.Delta()
	if err := st.values(&op, s, delta); err != nil {
		return Operation{}, false, err
	}

	for _, idx := range s.Unique {
		member, err := st.tuple(e, idx, func(c string) (any, bool) { v, ok := delta[c]; return v, ok })
		if err != nil {
			return Operation{}, false, err
		}
		if member != "" {
			op.Indexes = append(op.Indexes, IndexChange{Index: idx.Name, New: member})
		}
	}
	return op, true, nil
}

func (st *build) update(e *entity.Entity, delta entity.Delta, soft bool) (Operation, bool, error) {
	s := e.Schema()
	op := Operation{Kind: storage.Update, Entity: s.Name, ID: e.ID(), SoftDelete: soft}
	if err := st.values(&op, s, delta); err != nil {
		return Operation{}, false, err
	}

	indexes := s.IndexesTouching(delta.Columns(s.Columns))
	if soft {
		indexes = s.Unique
	}
	for _, idx := range indexes {
		old, err := st.tuple(e, idx, e.Old)
		if err != nil {
			return Operation{}, false, err
		}
		change := IndexChange{Index: idx.Name, Old: old}
		if !soft {
			change.New, err = st.tuple(e, idx, func(c string) (any, bool) {
				if v, ok := delta[c]; ok {
					return v, true
				}
				return e.Old(c)
			})
			if err != nil {
				return Operation{}, false, err
			}
		}
		if change.Old != change.New {
			op.Indexes = append(op.Indexes, change)
		}
	}
	return op, true, nil
}

func (st *build) softDelete(e *entity.Entity) (Operation, bool, error) {
	s := e.Schema()
	if len(s.Unique) > 0 && !e.IsLoaded() {
		return Operation{}, false, fmt.Errorf("delete %s %d: %w", s.Name, e.ID(), entity.ErrNotLoaded)
	}
	delta := e.Delta()
	delta[s.SoftDelete] = e.ID()
	return st.update(e, delta, true)
}

func (st *build) hardDelete(e *entity.Entity) (Operation, bool, error) {
	s := e.Schema()
	if len(s.Unique) > 0 && !e.IsLoaded() {
		return Operation{}, false, fmt.Errorf("delete %s %d: %w", s.Name, e.ID(), entity.ErrNotLoaded)
	}
	op := Operation{Kind: storage.Delete, Entity: s.Name, ID: e.ID()}
	for _, idx := range s.Unique {
		old, err := st.tuple(e, idx, e.Old)
		if err != nil {
			return Operation{}, false, err
		}
		if old != "" {
			op.Indexes = append(op.Indexes, IndexChange{Index: idx.Name, Old: old})
		}
	}
	return op, true, nil
}

// values fills Columns and Values from delta in schema column order.
func (st *build) values(op *Operation, s *schema.Entity, delta entity.Delta) error {
	for _, c := range delta.Columns(s.Columns) {
		if c == s.PrimaryKey {
			continue
		}
		v, err := st.resolve(s, c, delta[c])
		if err != nil {
			return err
		}
		op.Columns = append(op.Columns, c)
		op.Values = append(op.Values, v)
	}
	return nil
}

// resolve replaces entity references with their primary key, or with a Ref
// to the insert that will produce it.
func (st *build) resolve(s *schema.Entity, column string, v any) (any, error) {
	ref, ok := v.(*entity.Entity)
	if !ok {
		return v, nil
	}
	if ref == nil {
		return nil, nil
	}
	if decl, declared := s.Reference(column); declared && decl.Entity != ref.Schema().Name {
		return nil, fmt.Errorf("%w: %s.%s expects %s, got %s",
			ErrUnresolvedReference, s.Name, column, decl.Entity, ref.Schema().Name)
	}
	if !ref.IsNew() {
		return ref.ID(), nil
	}
	if id, ok := st.ids[ref]; ok {
		return id, nil
	}
	if pos, ok := st.inserts[ref]; ok {
		return Ref{Op: pos}, nil
	}
	return nil, fmt.Errorf("%w: %s.%s points at a new %s that is not inserted",
		ErrUnresolvedReference, s.Name, column, ref.Schema().Name)
}

// tuple renders the member of idx from the values returned by get. It
// returns "" when any column is NULL.
func (st *build) tuple(e *entity.Entity, idx schema.UniqueIndex, get func(string) (any, bool)) (string, error) {
	s := e.Schema()
	values := make([]any, len(idx.Columns))
	for i, c := range idx.Columns {
		v, ok := get(c)
		if !ok {
			if e.IsNew() {
				return "", nil
			}
			return "", &entity.FieldError{Entity: s.Name, Column: c, Err: entity.ErrFieldNotLoaded}
		}
		if v == nil {
			return "", nil
		}
		resolved, err := st.resolve(s, c, v)
		if err != nil {
			return "", err
		}
		if _, pending := resolved.(Ref); pending {
			return "", fmt.Errorf("%w: unique index %s.%s includes a reference to an entity without id",
				ErrUnresolvedReference, s.Name, idx.Name)
		}
		values[i] = resolved
	}
	return st.b.Member(values...), nil
}

func (st *build) invalidate(cs *ChangeSet, s *schema.Entity, op Operation) {
	if s.Cache == schema.PoolNone {
		return
	}
	if op.ID != 0 {
		cs.AddKeys(s.Cache, cache.PrimaryKey(s.Name, op.ID))
	}
	for _, ic := range op.Indexes {
		if ic.Old != "" {
			cs.AddKeys(s.Cache, cache.UniqueLookupKey(s.Name, ic.Index, ic.Old))
		}
		if ic.New != "" {
			cs.AddKeys(s.Cache, cache.UniqueLookupKey(s.Name, ic.Index, ic.New))
		}
	}
}
