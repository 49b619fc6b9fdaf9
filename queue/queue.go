// Package queue is the deferred operation queue: an append-only log of
// change set records with independent named cursors and a quarantine log
// for records that can never be replayed.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/latolukasz/beeorm-core/changeset"
	"github.com/latolukasz/beeorm-core/storage"
)

// DefaultStream is the stream name used when none is configured.
const DefaultStream = "beeorm:lazy"

// Queue appends records to a stream. It is safe for concurrent use by any
// number of producers.
type Queue struct {
	stream      storage.Stream
	name        string
	quarantine  string
	removeOnAck bool
	logger      *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithStream sets the stream name. The quarantine log is "<name>:quarantine".
func WithStream(name string) Option {
	return func(q *Queue) {
		q.name = name
		q.quarantine = name + ":quarantine"
	}
}

// WithRemoveOnAck deletes records from the stream once a cursor acknowledges
// them. Only enable it when a single cursor reads the stream.
func WithRemoveOnAck(on bool) Option {
	return func(q *Queue) { q.removeOnAck = on }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New returns a Queue over stream.
func New(stream storage.Stream, opts ...Option) *Queue {
	q := &Queue{stream: stream, logger: zap.NewNop()}
	WithStream(DefaultStream)(q)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the stream name.
func (q *Queue) Name() string { return q.name }

// Append stores rec and returns its stream id.
func (q *Queue) Append(ctx context.Context, rec *Record) (string, error) {
	payload, err := rec.Encode()
	if err != nil {
		return "", err
	}
	id, err := q.stream.Append(ctx, q.name, payload)
	if err != nil {
		return "", fmt.Errorf("queue: append %s: %w", rec.ID, err)
	}
	return id, nil
}

// Enqueue appends a record of cs.
func (q *Queue) Enqueue(ctx context.Context, cs *changeset.ChangeSet) (string, error) {
	return q.Append(ctx, NewRecord(cs))
}

// Len returns the number of records in the stream.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.stream.Len(ctx, q.name)
}

// Cursor opens the named cursor, creating it at the start of the stream the
// first time.
func (q *Queue) Cursor(ctx context.Context, group string) (*Cursor, error) {
	if err := q.stream.CreateGroup(ctx, q.name, group); err != nil {
		return nil, fmt.Errorf("queue: create cursor %s: %w", group, err)
	}
	return &Cursor{queue: q, group: group}, nil
}

// Entry is one fetched record. Err is set, and Record is nil, when the payload
// cannot be decoded.
type Entry struct {
	StreamID string
	Record   *Record
	Payload  []byte
	Err      error
}

// Cursor reads the queue for one consumer group.
type Cursor struct {
	queue *Queue
	group string
}

// Group returns the cursor name.
func (c *Cursor) Group() string { return c.group }

// Fetch returns up to max records the cursor has not acknowledged, oldest first.
func (c *Cursor) Fetch(ctx context.Context, max int) ([]Entry, error) {
	raw, err := c.queue.stream.Read(ctx, c.queue.name, c.group, max)
	if err != nil {
		return nil, fmt.Errorf("queue: fetch %s: %w", c.group, err)
	}
	entries := make([]Entry, len(raw))
	for i, se := range raw {
		rec, err := DecodeRecord(se.Payload)
		entries[i] = Entry{StreamID: se.ID, Record: rec, Payload: se.Payload, Err: err}
	}
	return entries, nil
}

// Acknowledge marks records as processed by this cursor.
func (c *Cursor) Acknowledge(ctx context.Context, streamIDs ...string) error {
	if err := c.queue.stream.Ack(ctx, c.queue.name, c.group, streamIDs...); err != nil {
		return fmt.Errorf("queue: acknowledge %v: %w", streamIDs, err)
	}
	if c.queue.removeOnAck {
		return c.queue.stream.Remove(ctx, c.queue.name, streamIDs...)
	}
	return nil
}

// QuarantinedRecord is a record set aside because replaying it failed with a
// terminal error.
type QuarantinedRecord struct {
	ID        string
	StreamID  string
	RecordID  string
	Error     string
	At        time.Time
	Payload   []byte
	Record    *Record
	DecodeErr error
}
