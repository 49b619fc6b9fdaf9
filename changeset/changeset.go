// Package changeset turns tracked entities into an ordered list of row
// operations plus the cache keys those operations invalidate.
package changeset

import (
	"slices"

	"github.com/latolukasz/beeorm-core/entity"
	"github.com/latolukasz/beeorm-core/schema"
	"github.com/latolukasz/beeorm-core/storage"
)

// Ref stands for the primary key the store assigns to the insert at
// position Op of the same change set. It only appears in values of entity
// types without an id generator.
type Ref struct {
	Op int
}

// IndexChange moves one unique index from the Old tuple to the New tuple.
// Tuples are index members as built by cache.IndexMember; an empty string
// means there is no tuple (a new row, a deleted row or a NULL column).
type IndexChange struct {
	Index string
	Old   string
	New   string
}

// Operation is one row statement.
type Operation struct {
	Kind   storage.MutationKind
	Entity string

	// ID is zero only for inserts whose id the store generates.
	ID uint64

	// ClientID marks an insert whose ID was chosen before the row was written.
	ClientID bool

	// Upsert marks an insert that becomes an update of the current owner when
	// one of its unique tuples is taken.
	Upsert bool

	// SoftDelete marks the update that sets the soft-delete column.
	SoftDelete bool

	Columns []string
	Values  []any
	Indexes []IndexChange
}

// Invalidation lists the cache keys to delete from one pool.
type Invalidation struct {
	Pool schema.CachePool
	Keys []string
}

// ChangeSet is the ordered result of Builder.Build. Inserts of referenced
// entities come before the operations that reference them.
type ChangeSet struct {
	Operations []Operation
	Invalidate []Invalidation

	entities []*entity.Entity
}

// Empty reports whether the change set has nothing to do.
func (cs *ChangeSet) Empty() bool { return cs == nil || len(cs.Operations) == 0 }

// Entity returns the tracked entity that produced operation i. Change sets
// rebuilt from a deferred record have no entities.
func (cs *ChangeSet) Entity(i int) *entity.Entity {
	if i < 0 || i >= len(cs.entities) {
		return nil
	}
	return cs.entities[i]
}

// Keys returns the invalidation keys of pool.
func (cs *ChangeSet) Keys(pool schema.CachePool) []string {
	for _, inv := range cs.Invalidate {
		if inv.Pool == pool {
			return inv.Keys
		}
	}
	return nil
}

// AddKeys appends keys to the invalidation list of pool, skipping duplicates.
func (cs *ChangeSet) AddKeys(pool schema.CachePool, keys ...string) {
	if pool == schema.PoolNone || len(keys) == 0 {
		return
	}
	for i := range cs.Invalidate {
		if cs.Invalidate[i].Pool == pool {
			for _, k := range keys {
				if !slices.Contains(cs.Invalidate[i].Keys, k) {
					cs.Invalidate[i].Keys = append(cs.Invalidate[i].Keys, k)
				}
			}
			return
		}
	}
	cs.Invalidate = append(cs.Invalidate, Invalidation{Pool: pool})
	cs.AddKeys(pool, keys...)
}

// Touched reports the entity types and columns written by the change set.
// Inserts and deletes report membership=true because they change which rows
// exist for the type.
func (cs *ChangeSet) Touched() map[string]Touch {
	out := make(map[string]Touch)
	for _, op := range cs.Operations {
		t := out[op.Entity]
		if op.Kind != storage.Update || op.SoftDelete {
			t.Membership = true
		}
		for _, c := range op.Columns {
			if !slices.Contains(t.Columns, c) {
				t.Columns = append(t.Columns, c)
			}
		}
		out[op.Entity] = t
	}
	return out
}

// Touch summarises how one entity type is affected by a change set.
type Touch struct {
	Columns    []string
	Membership bool
}

// Replayed builds a change set from operations decoded from a deferred record.
func Replayed(ops []Operation, invalidate []Invalidation) *ChangeSet {
	return &ChangeSet{Operations: ops, Invalidate: invalidate}
}
