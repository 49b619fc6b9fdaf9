package schema

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// IDGenerator assigns primary keys on the client side. Generated ids must be
// non-zero and unique for the entity type.
type IDGenerator interface {
	NextID() uint64
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() uint64

// NextID implements IDGenerator.
func (f IDGeneratorFunc) NextID() uint64 { return f() }

// UUIDGenerator derives 63-bit ids from random (version 4) UUIDs. The top bit
// is cleared so ids fit signed BIGINT columns as well as unsigned ones.
type UUIDGenerator struct{}

// NextID implements IDGenerator.
func (UUIDGenerator) NextID() uint64 {
	for {
		u := uuid.New()
		id := binary.BigEndian.Uint64(u[:8]) &^ (1 << 63)
		if id != 0 {
			return id
		}
	}
}
