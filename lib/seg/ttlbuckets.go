package seg

import "time"

// ----------------------------------------------------------------------------
// TTL buckets
// ----------------------------------------------------------------------------

// TTLs are grouped into 1024 buckets, four steps of 256 buckets each:
//
//	step 0: ttl < 2048s,    8s wide
//	step 1: ttl < 32768s,   128s wide
//	step 2: ttl < 524288s,  2048s wide
//	step 3: everything else, 32768s wide
//
// The last bucket holds items without expiry. Larger TTLs are clamped into
// the bucket before it.
const (
	nBucketPerStepBits = 8
	nBucketPerStep     = 1 << nBucketPerStepBits
	nBucket            = 4 * nBucketPerStep

	intervalBits1 = 3
	intervalBits2 = 7
	intervalBits3 = 11
	intervalBits4 = 15

	boundary1 = 1 << (intervalBits1 + nBucketPerStepBits)
	boundary2 = 1 << (intervalBits2 + nBucketPerStepBits)
	boundary3 = 1 << (intervalBits3 + nBucketPerStepBits)

	noExpiryBucket = nBucket - 1
)

// bucketFor maps a TTL in seconds to its bucket index
func bucketFor(ttl int64) int {
	switch {
	case ttl <= 0:
		return noExpiryBucket
	case ttl < boundary1:
		return int(ttl >> intervalBits1)
	case ttl < boundary2:
		return int(ttl>>intervalBits2) + nBucketPerStep
	case ttl < boundary3:
		return int(ttl>>intervalBits3) + 2*nBucketPerStep
	default:
		return min(int(ttl>>intervalBits4)+3*nBucketPerStep, noExpiryBucket-1)
	}
}

// bucketWidth returns the TTL range covered by one bucket in seconds
func bucketWidth(idx int) time.Duration {
	switch idx / nBucketPerStep {
	case 0:
		return 1 << intervalBits1 * time.Second
	case 1:
		return 1 << intervalBits2 * time.Second
	case 2:
		return 1 << intervalBits3 * time.Second
	default:
		return 1 << intervalBits4 * time.Second
	}
}

// ttlBucket is one chain of segments. The head is the oldest segment, the
// tail the one accepting writes.
type ttlBucket struct {
	head, tail  int32
	nseg        int
	nextToMerge int32
}

type ttlBuckets struct {
	buckets []ttlBucket
	segs    *segments
}

func newTTLBuckets(segs *segments) *ttlBuckets {
	b := &ttlBuckets{
		buckets: make([]ttlBucket, nBucket),
		segs:    segs,
	}
	b.reset()
	return b
}

func (b *ttlBuckets) reset() {
	for i := range b.buckets {
		b.buckets[i] = ttlBucket{head: noSegment, tail: noSegment, nextToMerge: noSegment}
	}
}

// reserve finds room for size bytes in the chain of the TTL. It appends to
// the accepting tail when possible, otherwise seals the tail and links a
// segment from the free list. It never evicts.
func (b *ttlBuckets) reserve(ttl int64, size int, now int64) (int32, int32, error) {
	if size > int(b.segs.segSize) {
		return 0, 0, ErrItemOversized
	}

	idx := bucketFor(ttl)
	bucket := &b.buckets[idx]

	if tail := bucket.tail; tail != noSegment && !b.segs.headers[tail].expired(now) {
		if off, ok := b.segs.alloc(tail, size); ok {
			return tail, off, nil
		}
	}

	id, ok := b.segs.pop(now, ttl)
	if !ok {
		b.segs.stats.segmentRequestFailure.Add(1)
		return 0, 0, ErrNoFreeSegments
	}
	b.segs.stats.segmentRequest.Add(1)

	if bucket.tail != noSegment {
		b.segs.seal(bucket.tail)
	}
	b.link(idx, id)

	off, _ := b.segs.alloc(id, size)
	return id, off, nil
}

// link appends id to the tail of bucket idx
func (b *ttlBuckets) link(idx int, id int32) {
	bucket := &b.buckets[idx]
	h := &b.segs.headers[id]
	h.bucket = int16(idx)
	h.prev = bucket.tail
	h.next = noSegment
	if bucket.tail != noSegment {
		b.segs.headers[bucket.tail].next = id
	} else {
		bucket.head = id
	}
	bucket.tail = id
	bucket.nseg++
}

// unlink removes id from its chain
func (b *ttlBuckets) unlink(id int32) {
	h := &b.segs.headers[id]
	if h.bucket < 0 {
		return
	}
	bucket := &b.buckets[h.bucket]

	if h.prev != noSegment {
		b.segs.headers[h.prev].next = h.next
	} else {
		bucket.head = h.next
	}
	if h.next != noSegment {
		b.segs.headers[h.next].prev = h.prev
	} else {
		bucket.tail = h.prev
	}
	if bucket.nextToMerge == id {
		bucket.nextToMerge = h.next
	}
	bucket.nseg--

	h.prev, h.next, h.bucket = noSegment, noSegment, -1
}

// expire unlinks every segment whose TTL has elapsed and returns their ids.
// Chains are walked from the head and only as far as segments are expired.
func (b *ttlBuckets) expire(now int64) []int32 {
	var expired []int32
	for i := range b.buckets {
		bucket := &b.buckets[i]
		for bucket.head != noSegment {
			id := bucket.head
			h := &b.segs.headers[id]
			if !h.expired(now) {
				break
			}
			b.unlink(id)
			h.state = SegmentEvicting
			expired = append(expired, id)
		}
	}
	return expired
}

// BucketInfo is a snapshot of one non-empty TTL bucket
type BucketInfo struct {
	Index    int           `json:"index"`
	Width    time.Duration `json:"width"`
	Segments []int         `json:"segments"`
}

func (b *ttlBuckets) info() []BucketInfo {
	var out []BucketInfo
	for i := range b.buckets {
		if b.buckets[i].nseg == 0 {
			continue
		}
		bi := BucketInfo{Index: i, Width: bucketWidth(i)}
		for id := b.buckets[i].head; id != noSegment; id = b.segs.headers[id].next {
			bi.Segments = append(bi.Segments, int(id))
		}
		out = append(out, bi)
	}
	return out
}
