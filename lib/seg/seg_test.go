package seg_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/twitter/pelikan-sub003/lib/seg"
	"github.com/twitter/pelikan-sub003/lib/seg/datapool"
	"github.com/twitter/pelikan-sub003/lib/seg/segtest"
)

func factory(policy seg.Policy) segtest.Factory {
	return func(t testing.TB, clock *segtest.Clock) *seg.Seg {
		b := seg.NewBuilder().
			HeapSize(16 * 4096).
			SegmentSize(4096).
			HashPower(8).
			Clock(clock.Now).
			Seed(42)
		if policy == seg.PolicyMerge {
			b.Merge(seg.MergeOptions{Max: 4, Merge: 3, Compact: 2})
		} else {
			b.Eviction(policy)
		}
		cache, err := b.Build()
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		return cache
	}
}

var policies = []seg.Policy{
	seg.PolicyNone, seg.PolicyRandom, seg.PolicyRandomFifo,
	seg.PolicyFifo, seg.PolicyCte, seg.PolicyUtil, seg.PolicyMerge,
}

// Test runs the storage suite for every eviction policy
func Test(t *testing.T) {
	for _, p := range policies {
		segtest.RunStorageTests(t, p.String(), factory(p))
	}
}

// TestEvictionLiveness tests that a full cache keeps accepting writes for every policy except none
func TestEvictionLiveness(t *testing.T) {
	for _, p := range policies {
		t.Run(p.String(), func(t *testing.T) {
			cache := factory(p)(t, segtest.NewClock())
			defer cache.Close()

			value := make([]byte, 200)
			var failed error
			for i := 0; i < 2000; i++ {
				if err := cache.Insert([]byte(fmt.Sprintf("key-%d", i)), value, nil, 0); err != nil {
					failed = err
					break
				}
			}

			if p == seg.PolicyNone {
				if !errors.Is(failed, seg.ErrNotStored) {
					t.Errorf("expected ErrNotStored without eviction, got %v", failed)
				}
				return
			}
			if failed != nil {
				t.Fatalf("insert failed under %s: %v", p, failed)
			}
			if len(cache.Get([]byte("key-1999"))) != 1 {
				t.Error("latest key must be present")
			}
		})
	}
}

// TestFifoScenario tests that the oldest of three large items is evicted from a two segment heap
func TestFifoScenario(t *testing.T) {
	clock := segtest.NewClock()
	cache, err := seg.NewBuilder().
		HeapSize(2 * 1024).
		SegmentSize(1024).
		HashPower(4).
		Eviction(seg.PolicyFifo).
		Clock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer cache.Close()

	value := make([]byte, 700)
	for _, k := range []string{"A", "B", "C"} {
		if err := cache.Insert([]byte(k), value, nil, 0); err != nil {
			t.Fatalf("Insert %s: %v", k, err)
		}
	}

	if len(cache.Get([]byte("A"))) != 0 {
		t.Error("A should have been evicted")
	}
	for _, k := range []string{"B", "C"} {
		if len(cache.Get([]byte(k))) != 1 {
			t.Errorf("%s should be present", k)
		}
	}
}

// TestDatapoolFile tests a cache backed by a memory mapped file
func TestDatapoolFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap")

	cache, err := seg.NewBuilder().HeapSize(8 * 4096).SegmentSize(4096).HashPower(6).Datapool(path, false).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := cache.Insert([]byte("k"), []byte("v"), nil, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = seg.NewBuilder().HeapSize(16 * 4096).SegmentSize(4096).HashPower(6).Datapool(path, false).Build()
	if !errors.Is(err, datapool.ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
}

// TestBuilderValidation tests that inconsistent options are rejected
func TestBuilderValidation(t *testing.T) {
	cases := map[string]*seg.Builder{
		"unaligned segment": seg.NewBuilder().SegmentSize(1001),
		"huge segment":      seg.NewBuilder().SegmentSize(16 << 20).HeapSize(32 << 20),
		"tiny heap":         seg.NewBuilder().HeapSize(1024).SegmentSize(4096),
		"hash power":        seg.NewBuilder().HashPower(40),
		"merge":             seg.NewBuilder().Merge(seg.MergeOptions{Max: 1, Merge: 4}),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := b.Build(); !errors.Is(err, seg.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	if _, err := seg.ParsePolicy("Merge"); err != nil {
		t.Errorf("ParsePolicy: %v", err)
	}
	if _, err := seg.ParsePolicy("lru"); !errors.Is(err, seg.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown policy, got %v", err)
	}
}

func BenchmarkInsert(b *testing.B) {
	cache, err := seg.NewBuilder().HeapSize(64 << 20).Eviction(seg.PolicyRandom).Build()
	if err != nil {
		b.Fatalf("Build: %v", err)
	}
	defer cache.Close()

	keys := make([][]byte, 1<<16)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
	}
	value := make([]byte, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cache.Insert(keys[i&(len(keys)-1)], value, nil, 0)
	}
}

func BenchmarkGet(b *testing.B) {
	cache, err := seg.NewBuilder().HeapSize(64 << 20).Build()
	if err != nil {
		b.Fatalf("Build: %v", err)
	}
	defer cache.Close()

	keys := make([][]byte, 1<<16)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		_ = cache.Insert(keys[i], []byte("value"), nil, 0)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cache.Get(keys[i&(len(keys)-1)])
	}
}

// TestTimeType tests the conversion of client expiration times
func TestTimeType(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		typ     seg.TimeType
		exptime int64
		want    time.Duration
	}{
		{"zero never expires", seg.TimeMemcache, 0, 0},
		{"negative is expired", seg.TimeDelta, -1, -1},
		{"delta", seg.TimeDelta, 100, 100 * time.Second},
		{"delta above 30 days", seg.TimeDelta, seg.MaxDeltaExptime + 10, (seg.MaxDeltaExptime + 10) * time.Second},
		{"unix future", seg.TimeUnix, now.Unix() + 50, 50 * time.Second},
		{"unix past", seg.TimeUnix, now.Unix() - 50, -1},
		{"memcache relative", seg.TimeMemcache, seg.MaxDeltaExptime, seg.MaxDeltaExptime * time.Second},
		{"memcache absolute", seg.TimeMemcache, now.Unix() + 60, 60 * time.Second},
		{"memcache absolute past", seg.TimeMemcache, seg.MaxDeltaExptime + 1, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.typ.TTL(tt.exptime, now); got != tt.want {
				t.Errorf("TTL(%d) = %v, want %v", tt.exptime, got, tt.want)
			}
		})
	}

	if _, err := seg.ParseTimeType("relative"); !errors.Is(err, seg.ErrInvalidConfig) {
		t.Errorf("ParseTimeType(relative) = %v, want ErrInvalidConfig", err)
	}
}
