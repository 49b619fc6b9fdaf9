package cacheinfra

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/latolukasz/beeorm-core/cache"
	"github.com/latolukasz/beeorm-core/storage"
)

// KVService is a cache pool on top of a shared storage.KV, normally Redis.
// Values are stored msgpack-encoded and decoded back into the result type of
// the fetch function, so every process sharing the pool must agree on it.
type KVService struct {
	kv     storage.KV
	ttl    time.Duration
	logger *zap.Logger
}

var _ cache.Service = (*KVService)(nil)

// NewKVService builds a shared pool. A nil logger disables logging.
func NewKVService(kv storage.KV, ttl time.Duration, logger *zap.Logger) *KVService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVService{kv: kv, ttl: ttl, logger: logger}
}

// GetOrFetch implements cache.Service. A corrupt or undecodable entry is
// treated as a miss and overwritten.
func (s *KVService) GetOrFetch(ctx context.Context, key string, fetchFn any) (any, error) {
	resultType, err := validateFetchFn(fetchFn)
	if err != nil {
		return nil, err
	}

	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed, falling back to source", zap.String("key", key), zap.Error(err))
	}
	if found {
		target := reflect.New(resultType)
		decodeErr := msgpack.Unmarshal(raw, target.Interface())
		if decodeErr == nil {
			return target.Elem().Interface(), nil
		}
		s.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(decodeErr))
	}

	value, err := callFetchFn(ctx, fetchFn)
	if err != nil {
		return nil, err
	}

	encoded, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cacheinfra: encode %q: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, encoded, s.ttl); err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

// Delete implements cache.Service.
func (s *KVService) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.kv.Delete(ctx, keys...)
}

// DeleteByPrefix implements cache.Service.
func (s *KVService) DeleteByPrefix(ctx context.Context, prefix string) error {
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	return s.Delete(ctx, keys...)
}
