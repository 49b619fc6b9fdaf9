package redisstore

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/latolukasz/beeorm-core/storage"
)

const payloadField = "p"

// Append implements storage.Stream.
func (s *Store) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
	return id, connectionError(err)
}

// CreateGroup implements storage.Stream. The group starts at the beginning
// of the stream so records appended before it existed are replayed too.
func (s *Store) CreateGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return connectionError(err)
}

// Read implements storage.Stream. Entries already delivered to this store's
// consumer but not acknowledged come first, then new entries. Every process
// uses the same consumer name, which is safe because a lease keeps one
// active reader per group.
func (s *Store) Read(ctx context.Context, stream, group string, count int) ([]storage.StreamEntry, error) {
	pending, err := s.readGroup(ctx, stream, group, "0", count)
	if err != nil {
		return nil, err
	}
	if count > 0 && len(pending) >= count {
		return pending, nil
	}

	limit := 0
	if count > 0 {
		limit = count - len(pending)
	}
	fresh, err := s.readGroup(ctx, stream, group, ">", limit)
	if err != nil {
		return nil, err
	}
	return append(pending, fresh...), nil
}

func (s *Store) readGroup(ctx context.Context, stream, group, from string, count int) ([]storage.StreamEntry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: s.consumer,
		Streams:  []string{stream, from},
		Count:    int64(count),
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, connectionError(err)
	}

	var (
		out     []storage.StreamEntry
		removed []string
	)
	for _, xs := range res {
		for _, msg := range xs.Messages {
			payload, ok := msg.Values[payloadField].(string)
			if !ok {
				// Deleted while pending.
				removed = append(removed, msg.ID)
				continue
			}
			out = append(out, storage.StreamEntry{ID: msg.ID, Payload: []byte(payload)})
		}
	}
	if len(removed) > 0 {
		if err := s.Ack(ctx, stream, group, removed...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Ack implements storage.Stream.
func (s *Store) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return connectionError(s.client.XAck(ctx, stream, group, ids...).Err())
}

// Range implements storage.Stream.
func (s *Store) Range(ctx context.Context, stream string, count int) ([]storage.StreamEntry, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, stream, "-", "+", int64(count)).Result()
	} else {
		msgs, err = s.client.XRange(ctx, stream, "-", "+").Result()
	}
	if err != nil {
		return nil, connectionError(err)
	}

	out := make([]storage.StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		payload, _ := msg.Values[payloadField].(string)
		out = append(out, storage.StreamEntry{ID: msg.ID, Payload: []byte(payload)})
	}
	return out, nil
}

// Remove implements storage.Stream.
func (s *Store) Remove(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return connectionError(s.client.XDel(ctx, stream, ids...).Err())
}

// Len implements storage.Stream.
func (s *Store) Len(ctx context.Context, stream string) (int64, error) {
	n, err := s.client.XLen(ctx, stream).Result()
	return n, connectionError(err)
}
