// Package segtest provides a shared behavioural test suite for storage
// engines built on the seg package, together with a manual clock.
package segtest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/twitter/pelikan-sub003/lib/seg"
)

// --------------------------------------------------------------------------
// Clock
// --------------------------------------------------------------------------

// Clock is a manually advanced clock
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to a fixed instant
func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0)}
}

// Now returns the current clock time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --------------------------------------------------------------------------
// Suite
// --------------------------------------------------------------------------

// Factory builds a fresh cache driven by the given clock
type Factory func(t testing.TB, clock *Clock) *seg.Seg

// RunStorageTests runs the behavioural suite against caches built by factory
func RunStorageTests(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		build := func(t *testing.T) (*seg.Seg, *Clock) {
			clock := NewClock()
			cache := factory(t, clock)
			t.Cleanup(func() { _ = cache.Close() })
			return cache, clock
		}

		t.Run("RoundTrip", func(t *testing.T) {
			cache, _ := build(t)
			testRoundTrip(t, cache)
		})

		t.Run("Overwrite", func(t *testing.T) {
			cache, _ := build(t)
			testOverwrite(t, cache)
		})

		t.Run("Delete", func(t *testing.T) {
			cache, _ := build(t)
			testDelete(t, cache)
		})

		t.Run("Cas", func(t *testing.T) {
			cache, _ := build(t)
			testCas(t, cache)
		})

		t.Run("AddReplace", func(t *testing.T) {
			cache, _ := build(t)
			testAddReplace(t, cache)
		})

		t.Run("IncrDecr", func(t *testing.T) {
			cache, _ := build(t)
			testIncrDecr(t, cache)
		})

		t.Run("Expire", func(t *testing.T) {
			cache, clock := build(t)
			testExpire(t, cache, clock)
		})

		t.Run("Clear", func(t *testing.T) {
			cache, _ := build(t)
			testClear(t, cache)
		})

		t.Run("EdgeCases", func(t *testing.T) {
			cache, _ := build(t)
			testEdgeCases(t, cache)
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

var flags7 = []byte{0, 0, 0, 7}

func mustGet(t *testing.T, cache *seg.Seg, key string) seg.Entry {
	t.Helper()
	entries := cache.Get([]byte(key))
	if len(entries) != 1 {
		t.Fatalf("expected one entry for %q, got %d", key, len(entries))
	}
	return entries[0]
}

func testRoundTrip(t *testing.T, cache *seg.Seg) {
	if err := cache.Insert([]byte("foo"), []byte("bar"), flags7, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	e := mustGet(t, cache, "foo")
	want := seg.Entry{Key: []byte("foo"), Value: []byte("bar"), Optional: flags7, Cas: e.Cas}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}

	if got := cache.Get([]byte("missing"), []byte("foo"), []byte("other")); len(got) != 1 {
		t.Errorf("misses must be absent, got %d entries", len(got))
	}

	if err := cache.Insert([]byte("ttl"), []byte("v"), nil, 100*time.Second); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if e := mustGet(t, cache, "ttl"); e.TTL <= 0 || e.TTL > 100*time.Second {
		t.Errorf("expected remaining ttl in (0, 100s], got %v", e.TTL)
	}
}

func testOverwrite(t *testing.T, cache *seg.Seg) {
	for i := 0; i < 10; i++ {
		v := []byte(fmt.Sprintf("value-%d", i))
		if err := cache.Insert([]byte("key"), v, nil, 0); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		if e := mustGet(t, cache, "key"); !bytes.Equal(e.Value, v) {
			t.Fatalf("expected %q, got %q", v, e.Value)
		}
	}
	if n := cache.Items(); n != 1 {
		t.Errorf("expected one live item after overwrites, got %d", n)
	}
}

func testDelete(t *testing.T, cache *seg.Seg) {
	if err := cache.Insert([]byte("foo"), []byte("bar"), flags7, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := cache.Delete([]byte("foo")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := cache.Get([]byte("foo")); len(got) != 0 {
		t.Errorf("deleted key still present")
	}
	if err := cache.Delete([]byte("foo")); !errors.Is(err, seg.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := cache.Cas([]byte("foo"), []byte("baz"), nil, 0, 0); !errors.Is(err, seg.ErrNotFound) {
		t.Errorf("expected ErrNotFound from cas on deleted key, got %v", err)
	}
}

func testCas(t *testing.T, cache *seg.Seg) {
	if err := cache.Cas([]byte("never"), []byte("v"), nil, 0, 0); !errors.Is(err, seg.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := cache.Insert([]byte("k"), []byte("v1"), nil, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	cas := mustGet(t, cache, "k").Cas

	if err := cache.Cas([]byte("k"), []byte("v2"), nil, 0, cas+1); !errors.Is(err, seg.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if err := cache.Cas([]byte("k"), []byte("v2"), nil, 0, cas); err != nil {
		t.Fatalf("Cas: %v", err)
	}

	e := mustGet(t, cache, "k")
	if string(e.Value) != "v2" {
		t.Errorf("expected v2, got %q", e.Value)
	}
	if e.Cas <= cas {
		t.Errorf("cas must increase: before %d, after %d", cas, e.Cas)
	}
	if err := cache.Cas([]byte("k"), []byte("v3"), nil, 0, cas); !errors.Is(err, seg.ErrExists) {
		t.Errorf("stale cas must fail, got %v", err)
	}
}

func testAddReplace(t *testing.T, cache *seg.Seg) {
	if err := cache.Replace([]byte("k"), []byte("v"), nil, 0); !errors.Is(err, seg.ErrNotStored) {
		t.Errorf("replace of missing key: expected ErrNotStored, got %v", err)
	}
	if err := cache.Add([]byte("k"), []byte("v"), nil, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := cache.Add([]byte("k"), []byte("w"), nil, 0); !errors.Is(err, seg.ErrNotStored) {
		t.Errorf("add of present key: expected ErrNotStored, got %v", err)
	}
	if err := cache.Replace([]byte("k"), []byte("w"), nil, 0); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if e := mustGet(t, cache, "k"); string(e.Value) != "w" {
		t.Errorf("expected w, got %q", e.Value)
	}
}

func testIncrDecr(t *testing.T, cache *seg.Seg) {
	if _, err := cache.Incr([]byte("n"), 1); !errors.Is(err, seg.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := cache.Insert([]byte("n"), []byte("41"), flags7, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if n, err := cache.Incr([]byte("n"), 1); err != nil || n != 42 {
		t.Fatalf("Incr = (%d, %v), want 42", n, err)
	}

	e := mustGet(t, cache, "n")
	if !e.Numeric || e.Number != 42 || !bytes.Equal(e.Optional, flags7) {
		t.Errorf("unexpected entry %+v", e)
	}

	if n, err := cache.Decr([]byte("n"), 100); err != nil || n != 0 {
		t.Errorf("Decr must saturate at zero, got (%d, %v)", n, err)
	}

	if err := cache.Insert([]byte("s"), []byte("abc"), nil, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := cache.Incr([]byte("s"), 1); !errors.Is(err, seg.ErrNotNumeric) {
		t.Errorf("expected ErrNotNumeric, got %v", err)
	}
}

func testExpire(t *testing.T, cache *seg.Seg, clock *Clock) {
	if err := cache.Insert([]byte("short"), []byte("v"), nil, 10*time.Second); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := cache.Insert([]byte("forever"), []byte("v"), nil, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	clock.Advance(5 * time.Second)
	if len(cache.Get([]byte("short"))) != 1 {
		t.Fatal("short lived key expired too early")
	}

	clock.Advance(10 * time.Second)
	if len(cache.Get([]byte("short"))) != 0 {
		t.Error("expired key is still visible")
	}
	if n := cache.Expire(); n != 1 {
		t.Errorf("expected one expired segment, got %d", n)
	}
	if len(cache.Get([]byte("forever"))) != 1 {
		t.Error("key without ttl must not expire")
	}
	if n := cache.Items(); n != 1 {
		t.Errorf("expected one live item, got %d", n)
	}

	if err := cache.Insert([]byte("gone"), []byte("v"), nil, -time.Second); err != nil {
		t.Fatalf("Insert with negative ttl: %v", err)
	}
	if len(cache.Get([]byte("gone"))) != 0 {
		t.Error("negative ttl must not store the key")
	}
}

func testClear(t *testing.T, cache *seg.Seg) {
	for i := 0; i < 100; i++ {
		if err := cache.Insert([]byte(fmt.Sprintf("key-%d", i)), []byte("v"), nil, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	cache.Clear()
	if n := cache.Items(); n != 0 {
		t.Errorf("expected empty cache, got %d items", n)
	}
	if len(cache.Get([]byte("key-1"))) != 0 {
		t.Error("cleared key still present")
	}
	info := cache.Info(false)
	if info.FreeSegments != info.Segments {
		t.Errorf("expected all %d segments free, got %d", info.Segments, info.FreeSegments)
	}
	if err := cache.Insert([]byte("key-1"), []byte("again"), nil, 0); err != nil {
		t.Fatalf("Insert after clear: %v", err)
	}
}

func testEdgeCases(t *testing.T, cache *seg.Seg) {
	if err := cache.Insert(nil, []byte("v"), nil, 0); !errors.Is(err, seg.ErrNotStored) {
		t.Errorf("empty key: expected ErrNotStored, got %v", err)
	}
	if err := cache.Insert(bytes.Repeat([]byte("k"), seg.MaxKeyLen+1), []byte("v"), nil, 0); !errors.Is(err, seg.ErrNotStored) {
		t.Errorf("long key: expected ErrNotStored, got %v", err)
	}

	info := cache.Info(false)
	huge := make([]byte, info.SegmentSize)
	if err := cache.Insert([]byte("huge"), huge, nil, 0); !errors.Is(err, seg.ErrItemOversized) {
		t.Errorf("value larger than a segment: expected ErrItemOversized, got %v", err)
	}

	if err := cache.Insert([]byte("empty"), nil, nil, 0); err != nil {
		t.Fatalf("empty value: %v", err)
	}
	if e := mustGet(t, cache, "empty"); len(e.Value) != 0 {
		t.Errorf("expected empty value, got %q", e.Value)
	}

	key := bytes.Repeat([]byte("x"), seg.MaxKeyLen)
	if err := cache.Insert(key, []byte("max"), nil, 0); err != nil {
		t.Fatalf("max key: %v", err)
	}
	if got := cache.Get(key); len(got) != 1 || !bytes.Equal(got[0].Key, key) {
		t.Error("max length key not found")
	}
}
