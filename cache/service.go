package cache

import (
	"context"
	"errors"
)

// ErrInvalidResultType is returned by GetOrFetch when a cached value does not
// have the type the caller asked for.
var ErrInvalidResultType = errors.New("cache: cached value has an unexpected type")

// KeySerializer builds a cache key from a namespace and arbitrary values.
// Keys must be stable across calls and across processes sharing a pool.
type KeySerializer interface {
	SerializeKey(namespace string, args ...any) string
}

// FetchFn is the function signature Service expects when fetching from the source of truth.
type FetchFn[T any] func(ctx context.Context) (T, error)

// Service is one cache pool. Entries are disposable projections of relational
// rows: losing one only costs a refetch, so invalidation is best-effort.
type Service interface {
	// GetOrFetch returns the cached value for key or calls fetchFn, which must
	// be a func(context.Context) (T, error), and caches its result.
	GetOrFetch(ctx context.Context, key string, fetchFn any) (any, error)
	Delete(ctx context.Context, keys ...string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// GetOrFetch is a type-safe wrapper around Service.GetOrFetch.
func GetOrFetch[T any](ctx context.Context, service Service, key string, fetchFn FetchFn[T]) (T, error) {
	var zero T

	result, err := service.GetOrFetch(ctx, key, fetchFn)
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}

	typed, ok := result.(T)
	if !ok {
		return zero, ErrInvalidResultType
	}
	return typed, nil
}
