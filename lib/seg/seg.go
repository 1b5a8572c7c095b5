package seg

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/twitter/pelikan-sub003/lib/seg/datapool"
	"github.com/twitter/pelikan-sub003/lib/util"
)

var Logger = logger.GetLogger("seg")

// Entry is a copy of a stored item
type Entry struct {
	Key      []byte
	Value    []byte // nil for numeric items
	Number   uint64
	Numeric  bool
	Optional []byte
	Cas      uint64
	// TTL is the remaining time to live, zero for items that never expire
	TTL time.Duration
}

// Seg is a segment-structured cache. It combines the hashtable, the
// segment arena, the TTL buckets and the eviction policy.
//
// Thread-safety: Seg is not safe for concurrent use. It must be owned by a
// single goroutine (a worker, or the storage goroutine in multi-worker mode).
type Seg struct {
	ht      *hashtable
	segs    *segments
	buckets *ttlBuckets
	evict   *evictor
	pool    datapool.Datapool
	clock   func() time.Time
	stats   *stats
	hist    *util.SizeHistogram
	scratch []byte
}

func (s *Seg) now() int64 { return s.clock().Unix() }

// ttlSeconds converts a TTL to whole seconds, rounding sub-second TTLs up
func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	secs := int64((ttl + time.Second - 1) / time.Second)
	return secs
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

// lookup resolves key to its live item, skipping items of expired segments
func (s *Seg) lookup(key []byte, countAccess bool, now int64) (location, rawItem, uint32, bool) {
	loc, cas, ok := s.ht.get(key, countAccess)
	if !ok {
		return location{}, nil, 0, false
	}
	if s.segs.headers[loc.seg].expired(now) {
		return location{}, nil, 0, false
	}
	return loc, s.segs.item(loc.seg, loc.offset), cas, true
}

func (s *Seg) entry(loc location, it rawItem, cas uint32, now int64) Entry {
	e := Entry{
		Key:      append([]byte(nil), it.key()...),
		Optional: append([]byte(nil), it.optional()...),
		Cas:      uint64(cas),
	}
	if it.numeric() {
		e.Numeric = true
		e.Number = it.number()
	} else {
		e.Value = append([]byte(nil), it.value()...)
	}
	if exp := s.segs.headers[loc.seg].expiresAt(); exp != 0 {
		e.TTL = time.Duration(exp-now) * time.Second
	}
	return e
}

// Get returns an entry for every key that is present. Missing keys are
// simply absent from the result.
func (s *Seg) Get(keys ...[]byte) []Entry {
	now := s.now()
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		if loc, it, cas, ok := s.lookup(key, true, now); ok {
			out = append(out, s.entry(loc, it, cas, now))
		}
	}
	return out
}

// GetNoFreqIncr returns the entry of key without counting the access
func (s *Seg) GetNoFreqIncr(key []byte) (Entry, bool) {
	now := s.now()
	loc, it, cas, ok := s.lookup(key, false, now)
	if !ok {
		return Entry{}, false
	}
	return s.entry(loc, it, cas, now), true
}

// ----------------------------------------------------------------------------
// Writes
// ----------------------------------------------------------------------------

// Insert stores value under key, replacing any previous item. A negative
// TTL removes the key, a zero TTL never expires.
func (s *Seg) Insert(key, value, optional []byte, ttl time.Duration) error {
	return s.store(key, value, 0, false, optional, ttl)
}

// InsertNumeric stores a number under key
func (s *Seg) InsertNumeric(key []byte, number uint64, optional []byte, ttl time.Duration) error {
	return s.store(key, nil, number, true, optional, ttl)
}

// Add stores key only if it is not present
func (s *Seg) Add(key, value, optional []byte, ttl time.Duration) error {
	if _, _, _, ok := s.lookup(key, false, s.now()); ok {
		return ErrNotStored
	}
	return s.store(key, value, 0, false, optional, ttl)
}

// Replace stores key only if it is present
func (s *Seg) Replace(key, value, optional []byte, ttl time.Duration) error {
	if _, _, _, ok := s.lookup(key, false, s.now()); !ok {
		return ErrNotStored
	}
	return s.store(key, value, 0, false, optional, ttl)
}

// Cas stores key only if its current cas value equals expected. It returns
// ErrNotFound for a missing key and ErrExists for a cas mismatch.
func (s *Seg) Cas(key, value, optional []byte, ttl time.Duration, expected uint64) error {
	_, _, cas, ok := s.lookup(key, false, s.now())
	switch {
	case !ok:
		return ErrNotFound
	case uint64(cas) != expected:
		return ErrExists
	}
	return s.store(key, value, 0, false, optional, ttl)
}

func (s *Seg) store(key, value []byte, number uint64, numeric bool, optional []byte, ttl time.Duration) error {
	switch {
	case len(key) == 0 || len(key) > MaxKeyLen:
		return fmt.Errorf("%w: key length %d", ErrNotStored, len(key))
	case len(value) > MaxValueLen || len(optional) > MaxOptionalLen:
		return fmt.Errorf("%w: %w", ErrNotStored, ErrItemOversized)
	}

	if ttl < 0 {
		_ = s.Delete(key)
		return nil
	}

	vlen := len(value)
	if numeric {
		vlen = numericLen
	}
	size := itemSize(len(key), vlen, len(optional))
	secs := ttlSeconds(ttl)

	for attempt := 0; ; attempt++ {
		now := s.now()
		id, off, err := s.buckets.reserve(secs, size, now)
		if err != nil {
			s.stats.itemAllocFailure.Add(1)
			if errors.Is(err, ErrNoFreeSegments) && attempt == 0 && s.evictOne(now) == nil {
				continue
			}
			return fmt.Errorf("%w: %w", ErrNotStored, err)
		}
		s.stats.itemAlloc.Add(1)

		it := writeItem(s.segs.bytes(id)[off:off+int32(size)], key, value, optional, number, numeric)
		old, replaced, err := s.ht.insert(key, location{seg: id, offset: off})
		if err != nil {
			it.setDeleted()
			s.stats.itemDead.Add(1)
			s.stats.itemDeadBytes.Add(size)
			if attempt == 0 && s.evictOne(now) == nil {
				continue
			}
			return fmt.Errorf("%w: %w", ErrNotStored, err)
		}

		s.segs.addLive(id, size)
		s.hist.AddSample(size)
		if replaced {
			if dead := s.segs.tombstone(old.seg, old.offset); dead > 0 {
				s.hist.RemoveSample(dead)
			}
		}
		return nil
	}
}

// Delete removes key
func (s *Seg) Delete(key []byte) error {
	loc, ok := s.ht.remove(key)
	if !ok {
		return ErrNotFound
	}
	if dead := s.segs.tombstone(loc.seg, loc.offset); dead > 0 {
		s.hist.RemoveSample(dead)
	}
	s.stats.itemDelete.Add(1)
	if s.segs.headers[loc.seg].expired(s.now()) {
		return ErrNotFound
	}
	return nil
}

// Incr adds delta to the number stored under key, wrapping on overflow.
// Text values made of decimal digits are accepted and stored as numbers.
func (s *Seg) Incr(key []byte, delta uint64) (uint64, error) {
	return s.modify(key, func(n uint64) uint64 { return n + delta })
}

// Decr subtracts delta from the number stored under key, stopping at zero
func (s *Seg) Decr(key []byte, delta uint64) (uint64, error) {
	return s.modify(key, func(n uint64) uint64 {
		if delta > n {
			return 0
		}
		return n - delta
	})
}

func (s *Seg) modify(key []byte, fn func(uint64) uint64) (uint64, error) {
	now := s.now()
	loc, it, _, ok := s.lookup(key, false, now)
	if !ok {
		return 0, ErrNotFound
	}

	var n uint64
	if it.numeric() {
		n = it.number()
	} else {
		parsed, err := strconv.ParseUint(string(it.value()), 10, 64)
		if err != nil {
			return 0, ErrNotNumeric
		}
		n = parsed
	}
	n = fn(n)

	var ttl time.Duration
	if exp := s.segs.headers[loc.seg].expiresAt(); exp != 0 {
		ttl = time.Duration(exp-now) * time.Second
	}
	optional := append([]byte(nil), it.optional()...)
	if err := s.store(key, nil, n, true, optional, ttl); err != nil {
		return 0, err
	}
	return n, nil
}

// ----------------------------------------------------------------------------
// Maintenance
// ----------------------------------------------------------------------------

// clearSegment unlinks every live item of id from the hashtable and returns their count
func (s *Seg) clearSegment(id int32) int {
	n := 0
	s.segs.each(id, func(off int32, it rawItem) {
		if it.deleted() {
			return
		}
		if s.ht.evict(it.key(), location{seg: id, offset: off}) {
			n++
		}
		s.segs.removeLive(id, len(it))
		s.hist.RemoveSample(len(it))
	})
	return n
}

// evictSegment drops a sealed segment with all its items
func (s *Seg) evictSegment(id int32) {
	s.buckets.unlink(id)
	s.segs.headers[id].state = SegmentEvicting
	n := s.clearSegment(id)
	s.segs.release(id)
	s.stats.segmentEvict.Add(1)
	s.stats.itemEvict.Add(n)
}

// evictOne reclaims at least one segment according to the policy
func (s *Seg) evictOne(now int64) error {
	var err error
	switch s.evict.policy {
	case PolicyNone:
		err = ErrNoVictim
	case PolicyMerge:
		err = s.mergeEvict(now)
	default:
		var id int32
		if id, err = s.evict.victim(s.segs, s.buckets, now); err == nil {
			s.evictSegment(id)
		}
	}
	if err != nil {
		s.stats.segmentEvictFailure.Add(1)
	}
	return err
}

// Expire frees every segment whose TTL has elapsed and returns their number
func (s *Seg) Expire() int {
	ids := s.buckets.expire(s.now())
	items := 0
	for _, id := range ids {
		items += s.clearSegment(id)
		s.segs.release(id)
	}
	if len(ids) > 0 {
		s.stats.segmentExpire.Add(len(ids))
		s.stats.itemExpire.Add(items)
		Logger.Debugf("expired %d segments, %d items", len(ids), items)
	}
	return len(ids)
}

// Compact runs a compaction pass under PolicyMerge and returns the number
// of freed segments. Other policies do not compact.
func (s *Seg) Compact() int {
	if s.evict.policy != PolicyMerge {
		return 0
	}
	return s.compact(s.now(), s.evict.merge.Max)
}

// Clear drops every item
func (s *Seg) Clear() {
	for i := range s.segs.headers {
		h := &s.segs.headers[i]
		if h.state == SegmentFree {
			continue
		}
		s.stats.itemCurrent.Add(-int64(h.liveItems))
		s.stats.itemCurrentBytes.Add(-int64(h.liveBytes))
		s.segs.release(h.id)
	}
	s.ht.reset()
	s.buckets.reset()
	s.evict.rank.Reset()
	s.evict.hasRank = false
	s.hist.Reset()
	s.stats.segmentClear.Add(1)
}

// Items returns the number of live items
func (s *Seg) Items() int {
	n := 0
	for i := range s.segs.headers {
		n += int(s.segs.headers[i].liveItems)
	}
	return n
}

// Close releases the arena. The Seg must not be used afterwards.
func (s *Seg) Close() error {
	if err := s.pool.Flush(); err != nil {
		return err
	}
	return s.pool.Close()
}

// ----------------------------------------------------------------------------
// Introspection
// ----------------------------------------------------------------------------

// Info is a snapshot of the engine state
type Info struct {
	Policy         string        `json:"policy"`
	SegmentSize    int           `json:"segment_size"`
	Segments       int           `json:"segments"`
	FreeSegments   int           `json:"free_segments"`
	Items          int           `json:"items"`
	LiveBytes      int           `json:"live_bytes"`
	WrittenBytes   int           `json:"written_bytes"`
	Utilization    util.Stats    `json:"utilization"`
	ItemSizes      []int         `json:"item_size_boundaries"`
	ItemSizeCounts []int64       `json:"item_size_counts"`
	MedianItemSize int           `json:"median_item_size"`
	Buckets        []BucketInfo  `json:"ttl_buckets"`
	SegmentsInUse  []SegmentInfo `json:"segments_in_use,omitempty"`
}

// Info returns a snapshot of the engine state. With detail, every used
// segment is listed.
func (s *Seg) Info(detail bool) Info {
	info := Info{
		Policy:       s.evict.policy.String(),
		SegmentSize:  int(s.segs.segSize),
		Segments:     s.segs.cap(),
		FreeSegments: s.segs.free,
		Buckets:      s.buckets.info(),
	}

	var utilization []float64
	for i := range s.segs.headers {
		h := &s.segs.headers[i]
		if h.state == SegmentFree {
			continue
		}
		info.Items += int(h.liveItems)
		info.LiveBytes += int(h.liveBytes)
		info.WrittenBytes += int(h.writeOffset)
		utilization = append(utilization, float64(h.liveBytes)/float64(s.segs.segSize))
		if detail {
			info.SegmentsInUse = append(info.SegmentsInUse, s.segs.info(h.id))
		}
	}
	info.Utilization = util.NewStats(utilization)
	info.ItemSizes, info.ItemSizeCounts = s.hist.SizeDistribution()
	info.MedianItemSize = s.hist.GetPercentileEstimate(50)
	return info
}
