package queue

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/latolukasz/beeorm-core/changeset"
	"github.com/latolukasz/beeorm-core/schema"
	"github.com/latolukasz/beeorm-core/storage"
)

// Record is a replayable change set. It never changes once appended.
type Record struct {
	ID         string
	CreatedAt  time.Time
	Operations []changeset.Operation
	Invalidate []changeset.Invalidation
}

// NewRecord captures cs. The record shares no memory with cs.
func NewRecord(cs *changeset.ChangeSet) *Record {
	rec := &Record{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		Operations: make([]changeset.Operation, len(cs.Operations)),
	}
	for i, op := range cs.Operations {
		op.Columns = append([]string(nil), op.Columns...)
		op.Values = append([]any(nil), op.Values...)
		op.Indexes = append([]changeset.IndexChange(nil), op.Indexes...)
		rec.Operations[i] = op
	}
	for _, inv := range cs.Invalidate {
		rec.Invalidate = append(rec.Invalidate, changeset.Invalidation{
			Pool: inv.Pool,
			Keys: append([]string(nil), inv.Keys...),
		})
	}
	return rec
}

// ChangeSet rebuilds the change set to replay.
func (r *Record) ChangeSet() *changeset.ChangeSet {
	return changeset.Replayed(r.Operations, r.Invalidate)
}

// wire types keep the encoded layout independent of the Go structs.
type wireRecord struct {
	Version    uint8            `msgpack:"v"`
	ID         string           `msgpack:"id"`
	CreatedAt  time.Time        `msgpack:"at"`
	Operations []wireOperation  `msgpack:"ops"`
	Invalidate []wireInvalidate `msgpack:"inv,omitempty"`
}

type wireOperation struct {
	Kind       uint8       `msgpack:"k"`
	Entity     string      `msgpack:"e"`
	ID         uint64      `msgpack:"id"`
	ClientID   bool        `msgpack:"cid,omitempty"`
	SoftDelete bool        `msgpack:"sd,omitempty"`
	Columns    []string    `msgpack:"c,omitempty"`
	Values     []any       `msgpack:"val,omitempty"`
	Indexes    []wireIndex `msgpack:"idx,omitempty"`
}

type wireIndex struct {
	Index string `msgpack:"i"`
	Old   string `msgpack:"o,omitempty"`
	New   string `msgpack:"n,omitempty"`
}

type wireInvalidate struct {
	Pool int      `msgpack:"p"`
	Keys []string `msgpack:"k"`
}

const recordVersion = 1

// Encode serializes the record with msgpack.
func (r *Record) Encode() ([]byte, error) {
	w := wireRecord{Version: recordVersion, ID: r.ID, CreatedAt: r.CreatedAt}
	for _, op := range r.Operations {
		if op.Upsert {
			return nil, fmt.Errorf("queue: record %s holds an upsert", r.ID)
		}
		for _, v := range op.Values {
			if _, ok := v.(changeset.Ref); ok {
				return nil, fmt.Errorf("queue: record %s holds an unresolved reference", r.ID)
			}
		}
		wo := wireOperation{
			Kind:       uint8(op.Kind),
			Entity:     op.Entity,
			ID:         op.ID,
			ClientID:   op.ClientID,
			SoftDelete: op.SoftDelete,
			Columns:    op.Columns,
			Values:     op.Values,
		}
		for _, ic := range op.Indexes {
			wo.Indexes = append(wo.Indexes, wireIndex{Index: ic.Index, Old: ic.Old, New: ic.New})
		}
		w.Operations = append(w.Operations, wo)
	}
	for _, inv := range r.Invalidate {
		w.Invalidate = append(w.Invalidate, wireInvalidate{Pool: int(inv.Pool), Keys: inv.Keys})
	}
	return msgpack.Marshal(&w)
}

// DecodeRecord parses a payload produced by Record.Encode. Integer values
// decode as int64 or uint64 and floats as float64.
func DecodeRecord(payload []byte) (*Record, error) {
	var w wireRecord
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("queue: decode record: %w", err)
	}
	if w.Version != recordVersion {
		return nil, fmt.Errorf("queue: unsupported record version %d", w.Version)
	}

	r := &Record{ID: w.ID, CreatedAt: w.CreatedAt}
	for _, wo := range w.Operations {
		kind := storage.MutationKind(wo.Kind)
		if kind < storage.Insert || kind > storage.Delete {
			return nil, fmt.Errorf("queue: record %s has unknown operation kind %d", w.ID, wo.Kind)
		}
		op := changeset.Operation{
			Kind:       kind,
			Entity:     wo.Entity,
			ID:         wo.ID,
			ClientID:   wo.ClientID,
			SoftDelete: wo.SoftDelete,
			Columns:    wo.Columns,
			Values:     wo.Values,
		}
		if len(op.Columns) != len(op.Values) {
			return nil, fmt.Errorf("queue: record %s has %d columns and %d values", w.ID, len(op.Columns), len(op.Values))
		}
		for _, wi := range wo.Indexes {
			op.Indexes = append(op.Indexes, changeset.IndexChange{Index: wi.Index, Old: wi.Old, New: wi.New})
		}
		r.Operations = append(r.Operations, op)
	}
	for _, wi := range w.Invalidate {
		r.Invalidate = append(r.Invalidate, changeset.Invalidation{Pool: schema.CachePool(wi.Pool), Keys: wi.Keys})
	}
	return r, nil
}
