package cacheinfra

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/latolukasz/beeorm-core/cache"
)

func testCacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Capacity = 100
	cfg.NumShards = 2
	cfg.TTL = time.Minute
	return cfg
}

func TestSturdycOptions(t *testing.T) {
	cfg := testCacheConfig()
	if got := len(sturdycOptions(cfg)); got != 0 {
		t.Errorf("expected no options for defaults, got %d", got)
	}

	cfg.MissingRecordStorage = true
	cfg.EvictionInterval = time.Second
	cfg.EarlyRefresh = &cache.EarlyRefreshConfig{
		MinAsyncRefreshTime: time.Second,
		MaxAsyncRefreshTime: 2 * time.Second,
		SyncRefreshTime:     3 * time.Second,
		RetryBaseDelay:      time.Millisecond,
	}
	if got := len(sturdycOptions(cfg)); got != 3 {
		t.Errorf("expected 3 options, got %d", got)
	}
}

func TestNewSturdycService(t *testing.T) {
	if _, err := NewSturdycService(testCacheConfig()); err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}

	bad := testCacheConfig()
	bad.Capacity = 0
	service, err := NewSturdycService(bad)
	if err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if service != nil {
		t.Error("expected service to be nil when error occurs")
	}
}

func TestValidateFetchFn(t *testing.T) {
	tests := []struct {
		name    string
		fn      any
		wantErr bool
	}{
		{name: "nil", fn: nil, wantErr: true},
		{name: "not a function", fn: 42, wantErr: true},
		{name: "wrong arity", fn: func() (int, error) { return 0, nil }, wantErr: true},
		{name: "no context", fn: func(string) (int, error) { return 0, nil }, wantErr: true},
		{name: "no error", fn: func(context.Context) (int, string) { return 0, "" }, wantErr: true},
		{name: "typed", fn: func(context.Context) (int, error) { return 0, nil }},
		{name: "generic FetchFn", fn: cache.FetchFn[string](func(context.Context) (string, error) { return "", nil })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateFetchFn(tt.fn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateFetchFn() error = %v, wantErr %v", err, tt.wantErr)
			}
			var fnErr *FetchFnError
			if tt.wantErr && !errors.As(err, &fnErr) {
				t.Errorf("expected *FetchFnError, got %T", err)
			}
		})
	}
}

func TestSturdycService_GetOrFetch(t *testing.T) {
	service, err := NewSturdycService(testCacheConfig())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		return "row", nil
	}

	for i := 0; i < 3; i++ {
		got, err := cache.GetOrFetch(ctx, service, "e:User:1", fetch)
		if err != nil || got != "row" {
			t.Fatalf("GetOrFetch() = (%v, %v)", got, err)
		}
	}
	if calls != 1 {
		t.Errorf("expected one fetch, got %d", calls)
	}

	boom := errors.New("fetch failed")
	if _, err := service.GetOrFetch(ctx, "e:User:2", func(ctx context.Context) (string, error) {
		return "", boom
	}); !errors.Is(err, boom) {
		t.Errorf("expected fetch error, got %v", err)
	}

	if _, err := service.GetOrFetch(ctx, "e:User:3", "not a func"); err == nil {
		t.Error("expected error for invalid fetchFn")
	}
}

func TestSturdycService_Delete(t *testing.T) {
	service, _ := NewSturdycService(testCacheConfig())
	ctx := context.Background()

	seed := func(key string) {
		_, _ = service.GetOrFetch(ctx, key, func(ctx context.Context) (int, error) { return 1, nil })
	}
	for _, k := range []string{"e:User:1", "e:User:2", "q:User:ByAge:1:a", "q:User:ByAge:1:b", "q:Post:All:1:a"} {
		seed(k)
	}
	if service.Size() != 5 {
		t.Fatalf("Size() = %d, want 5", service.Size())
	}

	_ = service.Delete(ctx, "e:User:1", "e:User:2")
	if service.Size() != 3 {
		t.Fatalf("Size() after Delete = %d, want 3", service.Size())
	}

	_ = service.DeleteByPrefix(ctx, cache.QueryPrefix("User"))
	if service.Size() != 1 {
		t.Fatalf("Size() after DeleteByPrefix = %d, want 1", service.Size())
	}

	refetched := false
	_, _ = service.GetOrFetch(ctx, "e:User:1", func(ctx context.Context) (int, error) {
		refetched = true
		return 1, nil
	})
	if !refetched {
		t.Error("deleted key must be refetched")
	}
}
