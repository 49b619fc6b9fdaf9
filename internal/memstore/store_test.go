package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/latolukasz/beeorm-core/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestKV_SetGetExpire(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	v, found, _ := s.Get(ctx, "k")
	if !found || string(v) != "v" {
		t.Fatalf("Get() = (%q, %v), want (v, true)", v, found)
	}

	clock.Advance(2 * time.Second)
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Error("expected key to expire")
	}
}

func TestKV_IncrAndKeys(t *testing.T) {
	s := New()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "ver:a")
		if err != nil || n != want {
			t.Fatalf("Incr() = (%d, %v), want %d", n, err, want)
		}
	}
	_ = s.Set(ctx, "ver:b", []byte("x"), 0)
	_ = s.Set(ctx, "other", []byte("x"), 0)

	keys, _ := s.Keys(ctx, "ver:")
	if len(keys) != 2 {
		t.Errorf("Keys(ver:) = %v, want 2 keys", keys)
	}

	if _, err := s.Incr(ctx, "other"); err == nil {
		t.Error("expected Incr on non-integer value to fail")
	}
}

func TestIndexStore_ReserveCommitRelease(t *testing.T) {
	s := New()
	ctx := context.Background()

	holder, ok, _ := s.Reserve(ctx, "u", "~tok", time.Minute)
	if !ok || holder != "" {
		t.Fatalf("first Reserve() = (%q, %v)", holder, ok)
	}

	holder, ok, _ = s.Reserve(ctx, "u", "~other", time.Minute)
	if ok || holder != "~tok" {
		t.Fatalf("competing Reserve() = (%q, %v), want (~tok, false)", holder, ok)
	}

	// Same claim again is accepted and reports itself as the previous holder.
	if holder, ok, _ := s.Reserve(ctx, "u", "~tok", time.Minute); !ok || holder != "~tok" {
		t.Fatalf("re-reserving with the same claim = (%q, %v), want (~tok, true)", holder, ok)
	}

	_ = s.Commit(ctx, "u", "~tok", "42")
	holder, _, _ = s.Holder(ctx, "u")
	if holder != "42" {
		t.Fatalf("Holder() after commit = %q, want 42", holder)
	}

	// Release by a different holder is ignored.
	_ = s.Release(ctx, "u", "43")
	if _, found, _ := s.Holder(ctx, "u"); !found {
		t.Fatal("release by non-holder removed the entry")
	}
	_ = s.Release(ctx, "u", "42")
	if _, found, _ := s.Holder(ctx, "u"); found {
		t.Fatal("release by holder kept the entry")
	}
}

func TestIndexStore_ClaimExpires(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	_, _, _ = s.Reserve(ctx, "u", "~a", time.Second)
	clock.Advance(2 * time.Second)

	holder, ok, _ := s.Reserve(ctx, "u", "~b", time.Second)
	if !ok || holder != "" {
		t.Fatalf("Reserve() after expiry = (%q, %v), want (\"\", true)", holder, ok)
	}

	// A committed owner never expires.
	_ = s.Commit(ctx, "u", "~b", "7")
	clock.Advance(time.Hour)
	if holder, found, _ := s.Holder(ctx, "u"); !found || holder != "7" {
		t.Fatalf("Holder() = (%q, %v), want (7, true)", holder, found)
	}
}

func TestLocker(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	a, ok, err := s.Obtain(ctx, "lease", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Obtain() = (%v, %v)", ok, err)
	}
	if _, ok, _ := s.Obtain(ctx, "lease", 10*time.Second); ok {
		t.Fatal("second Obtain() must not succeed while the lease is held")
	}

	clock.Advance(8 * time.Second)
	if err := a.Refresh(ctx, 10*time.Second); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	clock.Advance(8 * time.Second)
	if _, ok, _ := s.Obtain(ctx, "lease", 10*time.Second); ok {
		t.Fatal("refreshed lease was taken over")
	}

	clock.Advance(3 * time.Second)
	if err := a.Refresh(ctx, 10*time.Second); !errors.Is(err, storage.ErrLockNotHeld) {
		t.Fatalf("Refresh() after expiry = %v, want ErrLockNotHeld", err)
	}

	b, ok, _ := s.Obtain(ctx, "lease", 10*time.Second)
	if !ok {
		t.Fatal("Obtain() after expiry failed")
	}
	if err := a.Release(ctx); !errors.Is(err, storage.ErrLockNotHeld) {
		t.Errorf("stale Release() = %v, want ErrLockNotHeld", err)
	}
	if err := b.Release(ctx); err != nil {
		t.Errorf("Release() failed: %v", err)
	}
}

func TestStream_GroupsAdvanceIndependently(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		if _, err := s.Append(ctx, "q", []byte(p)); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	_ = s.CreateGroup(ctx, "q", "g1")
	_ = s.CreateGroup(ctx, "q", "g2")
	_ = s.CreateGroup(ctx, "q", "g1")

	got, _ := s.Read(ctx, "q", "g1", 2)
	if len(got) != 2 || string(got[0].Payload) != "a" || string(got[1].Payload) != "b" {
		t.Fatalf("Read(g1) = %+v", got)
	}

	// Unacknowledged entries stay visible.
	again, _ := s.Read(ctx, "q", "g1", 2)
	if again[0].ID != got[0].ID {
		t.Fatal("unacknowledged entry disappeared")
	}

	_ = s.Ack(ctx, "q", "g1", got[0].ID)
	next, _ := s.Read(ctx, "q", "g1", 10)
	if len(next) != 2 || string(next[0].Payload) != "b" {
		t.Fatalf("Read(g1) after ack = %+v", next)
	}

	other, _ := s.Read(ctx, "q", "g2", 10)
	if len(other) != 3 {
		t.Fatalf("Read(g2) returned %d entries, want 3", len(other))
	}

	if _, err := s.Read(ctx, "q", "missing", 1); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestStream_RangeRemoveLen(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, _ := s.Append(ctx, "q", []byte("a"))
	_, _ = s.Append(ctx, "q", []byte("b"))

	_ = s.Remove(ctx, "q", id1)
	n, _ := s.Len(ctx, "q")
	if n != 1 {
		t.Fatalf("Len() = %d, want 1", n)
	}
	entries, _ := s.Range(ctx, "q", 0)
	if len(entries) != 1 || string(entries[0].Payload) != "b" {
		t.Fatalf("Range() = %+v", entries)
	}
}
