package seg

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestSeg(t *testing.T, b *Builder) *Seg {
	t.Helper()
	clock := time.Unix(1_700_000_000, 0)
	s, err := b.Clock(func() time.Time { return clock }).Seed(7).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// put writes an item into the arena without linking it
func (s *Seg) put(t *testing.T, key, value []byte) location {
	t.Helper()
	size := itemSize(len(key), len(value), 0)
	id, off, err := s.buckets.reserve(0, size, s.now())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	writeItem(s.segs.bytes(id)[off:], key, value, nil, 0, false)
	return location{seg: id, offset: off}
}

// TestItemLayout tests the item header codec
func TestItemLayout(t *testing.T) {
	buf := make([]byte, 256)
	it := writeItem(buf, []byte("key"), []byte("value"), []byte{1, 2}, 0, false)

	if it.klen() != 3 || it.vlen() != 5 || it.olen() != 2 {
		t.Fatalf("unexpected lengths %d/%d/%d", it.klen(), it.vlen(), it.olen())
	}
	if !bytes.Equal(it.key(), []byte("key")) || !bytes.Equal(it.value(), []byte("value")) ||
		!bytes.Equal(it.optional(), []byte{1, 2}) {
		t.Error("item fields do not round trip")
	}
	if it.size()%itemAlign != 0 || it.size() < headerSize+10 {
		t.Errorf("unexpected aligned size %d", it.size())
	}
	if it.deleted() || it.numeric() {
		t.Error("fresh item must be live and non numeric")
	}
	it.setDeleted()
	if !it.deleted() || it.olen() != 2 {
		t.Error("tombstone must only flip the deleted bit")
	}

	num := writeItem(make([]byte, 64), []byte("n"), nil, nil, 1<<40, true)
	if !num.numeric() || num.number() != 1<<40 || num.vlen() != numericLen {
		t.Error("numeric item does not round trip")
	}

	big := writeItem(make([]byte, itemSize(MaxKeyLen, 1<<20, MaxOptionalLen)), bytes.Repeat([]byte("k"), MaxKeyLen),
		make([]byte, 1<<20), make([]byte, MaxOptionalLen), 0, false)
	if big.klen() != MaxKeyLen || big.vlen() != 1<<20 || big.olen() != MaxOptionalLen {
		t.Error("maximum field lengths do not round trip")
	}
}

// TestBucketFor tests the ttl to bucket mapping
func TestBucketFor(t *testing.T) {
	cases := map[int64]int{
		0:       noExpiryBucket,
		-5:      noExpiryBucket,
		1:       0,
		8:       1,
		2047:    255,
		2048:    272,
		32768:   528,
		524288:  784,
		1 << 40: noExpiryBucket - 1,
	}
	for ttl, want := range cases {
		if got := bucketFor(ttl); got != want {
			t.Errorf("bucketFor(%d) = %d, want %d", ttl, got, want)
		}
	}
	if bucketWidth(0) != 8*time.Second || bucketWidth(300) != 128*time.Second {
		t.Error("unexpected bucket widths")
	}
}

// TestHashtableFull tests that the table reports exhaustion instead of dropping entries
func TestHashtableFull(t *testing.T) {
	for _, overflow := range []float64{0, 1} {
		t.Run(fmt.Sprintf("overflow=%v", overflow), func(t *testing.T) {
			s := newTestSeg(t, NewBuilder().HeapSize(64*4096).SegmentSize(4096).HashPower(3).OverflowFactor(overflow).Eviction(PolicyNone))

			var keys [][]byte
			var err error
			for i := 0; i < 1000; i++ {
				key := []byte(fmt.Sprintf("key-%d", i))
				if _, _, err = s.ht.insert(key, s.put(t, key, []byte("v"))); err != nil {
					break
				}
				keys = append(keys, key)
			}
			if !errors.Is(err, ErrHashTableFull) {
				t.Fatalf("expected ErrHashTableFull, got %v", err)
			}

			primarySlots := 8 * (slotsPerBucket - 1)
			if overflow == 0 && len(keys) > primarySlots {
				t.Errorf("stored %d keys in %d primary slots", len(keys), primarySlots)
			}
			if overflow == 1 && len(keys) <= primarySlots {
				t.Errorf("overflow region unused: %d keys", len(keys))
			}
			for _, k := range keys {
				if _, _, ok := s.ht.get(k, false); !ok {
					t.Fatalf("key %s lost", k)
				}
			}
		})
	}
}

// TestHashtableRelink tests overwrite, relink, evict and frequency counting
func TestHashtableRelink(t *testing.T) {
	s := newTestSeg(t, NewBuilder().HeapSize(8*4096).SegmentSize(4096).HashPower(4).Eviction(PolicyNone))
	key := []byte("key")

	first := s.put(t, key, []byte("one"))
	if _, replaced, err := s.ht.insert(key, first); err != nil || replaced {
		t.Fatalf("insert: %v %v", replaced, err)
	}
	_, cas1, _ := s.ht.get(key, false)

	second := s.put(t, key, []byte("two"))
	old, replaced, err := s.ht.insert(key, second)
	if err != nil || !replaced || old != first {
		t.Fatalf("overwrite must return the previous location, got %v %v %v", old, replaced, err)
	}
	loc, cas2, _ := s.ht.get(key, false)
	if loc != second || cas2 <= cas1 {
		t.Errorf("expected new location and increased cas, got %v cas %d -> %d", loc, cas1, cas2)
	}

	for i := 0; i < 20; i++ {
		s.ht.get(key, true)
	}
	if freq, ok := s.ht.freq(key, second); !ok || freq < freqLinear || freq > 20 {
		t.Errorf("unexpected frequency %d", freq)
	}

	if s.ht.evict(key, first) {
		t.Error("evict with a stale location must not unlink the key")
	}
	third := s.put(t, key, []byte("two"))
	if !s.ht.relink(key, second, third, 3) {
		t.Fatal("relink failed")
	}
	if freq, _ := s.ht.freq(key, third); freq != 3 {
		t.Errorf("relink must set frequency 3, got %d", freq)
	}

	if err := s.ht.casCheck(key, cas2); err != nil {
		t.Errorf("casCheck: %v", err)
	}
	if err := s.ht.casCheck(key, cas2+1); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if !s.ht.evict(key, third) {
		t.Error("evict with the current location must unlink the key")
	}
	if err := s.ht.casCheck(key, cas2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestTTLPartition tests that every used segment is linked into exactly one chain
func TestTTLPartition(t *testing.T) {
	s := newTestSeg(t, NewBuilder().HeapSize(32*1024).SegmentSize(1024).HashPower(6).Eviction(PolicyFifo))

	value := make([]byte, 100)
	ttls := []time.Duration{0, 10 * time.Second, time.Hour, 48 * time.Hour}
	for i := 0; i < 400; i++ {
		if err := s.Insert([]byte(fmt.Sprintf("k%d", i)), value, nil, ttls[i%len(ttls)]); err != nil {
			t.Fatalf("Insert: %v", err)
		}

		seen := make(map[int32]int)
		for b := range s.buckets.buckets {
			prev := noSegment
			for id := s.buckets.buckets[b].head; id != noSegment; id = s.segs.headers[id].next {
				seen[id]++
				if s.segs.headers[id].prev != prev || int(s.segs.headers[id].bucket) != b {
					t.Fatalf("segment %d has broken chain links", id)
				}
				prev = id
			}
		}
		for id := range s.segs.headers {
			h := &s.segs.headers[id]
			if h.state == SegmentFree && seen[int32(id)] != 0 {
				t.Fatalf("free segment %d is linked", id)
			}
			if h.state != SegmentFree && seen[int32(id)] != 1 {
				t.Fatalf("segment %d is linked %d times", id, seen[int32(id)])
			}
		}
	}
}

// TestMergeBounds tests that a merge pass touches at most Max segments,
// never grows the live bytes and keeps frequently read items
func TestMergeBounds(t *testing.T) {
	opts := MergeOptions{Max: 3, Merge: 3, Compact: 0}
	s := newTestSeg(t, NewBuilder().HeapSize(16*4096).SegmentSize(4096).HashPower(8).Merge(opts))

	value := make([]byte, 200)
	n := 0
	for ; s.segs.free > 0; n++ {
		if err := s.Insert([]byte(fmt.Sprintf("key-%d", n)), value, nil, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	// make the last items of the first segments hot
	hot := [][]byte{[]byte("key-17"), []byte("key-30")}
	for i := 0; i < 50; i++ {
		s.Get(hot...)
	}

	before := s.Info(false)
	if err := s.mergeEvict(s.now()); err != nil {
		t.Fatalf("mergeEvict: %v", err)
	}
	after := s.Info(false)

	freed := after.FreeSegments - before.FreeSegments
	if freed < 1 || freed > opts.Max-1 {
		t.Errorf("merge freed %d segments, want 1..%d", freed, opts.Max-1)
	}
	if after.LiveBytes > before.LiveBytes {
		t.Errorf("live bytes grew from %d to %d", before.LiveBytes, after.LiveBytes)
	}
	for _, k := range hot {
		if len(s.Get(k)) != 1 {
			t.Errorf("hot key %s was evicted", k)
		}
	}
}

// TestCompaction tests that sparse neighbours are combined without losing items
func TestCompaction(t *testing.T) {
	s := newTestSeg(t, NewBuilder().HeapSize(16*4096).SegmentSize(4096).HashPower(8).Merge(DefaultMergeOptions))

	value := make([]byte, 200)
	var keys []string
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := s.Insert([]byte(key), value, nil, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		keys = append(keys, key)
	}

	var kept []string
	for i, key := range keys {
		if i%4 != 0 {
			_ = s.Delete([]byte(key))
			continue
		}
		kept = append(kept, key)
	}

	before := s.Info(false)
	if freed := s.Compact(); freed == 0 {
		t.Fatal("compaction freed nothing")
	}
	after := s.Info(false)

	if after.LiveBytes != before.LiveBytes || after.Items != before.Items {
		t.Errorf("compaction changed live data: %d/%d -> %d/%d",
			before.Items, before.LiveBytes, after.Items, after.LiveBytes)
	}
	for _, key := range kept {
		if got := s.Get([]byte(key)); len(got) != 1 || !bytes.Equal(got[0].Value, value) {
			t.Fatalf("key %s lost by compaction", key)
		}
	}
}

// TestRankedTieBreak tests that equally ranked segments are evicted lowest id first
func TestRankedTieBreak(t *testing.T) {
	s := newTestSeg(t, NewBuilder().HeapSize(4*1024).SegmentSize(1024).HashPower(4).Eviction(PolicyFifo))

	value := make([]byte, 700)
	for i := 0; i < 4; i++ {
		if err := s.Insert([]byte(fmt.Sprintf("k%d", i)), value, nil, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	id, err := s.evict.victim(s.segs, s.buckets, s.now())
	if err != nil || id != 0 {
		t.Errorf("expected segment 0, got %d (%v)", id, err)
	}
}
