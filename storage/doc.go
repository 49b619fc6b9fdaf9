// Package storage defines the contracts the write-path core requires from its
// collaborators: a relational store executing row mutations inside
// transactions, and a cache/store collaborator offering key-value access,
// unique index entries with set-if-absent semantics, TTL locks and an
// append-only stream with consumer groups.
//
// Implementations live in internal/sqlexec (bun over MySQL or SQLite),
// internal/redisstore (go-redis) and internal/memstore (in-process). Driver
// errors are reported as *DriverError so callers branch on Kind instead of
// matching driver messages.
package storage
