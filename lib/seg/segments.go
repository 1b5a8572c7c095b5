package seg

import (
	"fmt"
)

// ----------------------------------------------------------------------------
// Segment headers
// ----------------------------------------------------------------------------

// SegmentState is the lifecycle state of a segment
type SegmentState uint8

const (
	// SegmentFree segments are on the free list
	SegmentFree SegmentState = iota
	// SegmentAccepting is the tail of a TTL chain and takes new items
	SegmentAccepting
	// SegmentSealed segments are full and are eviction or expiration candidates
	SegmentSealed
	// SegmentEvicting segments are being cleared, merged or compacted
	SegmentEvicting
)

func (s SegmentState) String() string {
	switch s {
	case SegmentFree:
		return "free"
	case SegmentAccepting:
		return "accepting"
	case SegmentSealed:
		return "sealed"
	case SegmentEvicting:
		return "evicting"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

const noSegment = int32(-1)

// header is the metadata of one segment. Headers live outside the arena.
type header struct {
	id          int32
	writeOffset int32
	liveBytes   int32
	liveItems   int32
	createAt    int64 // unix seconds
	mergeAt     int64
	ttl         int64 // seconds, 0 = never expires
	prev, next  int32
	bucket      int16
	state       SegmentState
}

func (h *header) expiresAt() int64 {
	if h.ttl == 0 {
		return 0
	}
	return h.createAt + h.ttl
}

func (h *header) expired(now int64) bool {
	return h.ttl != 0 && h.createAt+h.ttl <= now
}

// ----------------------------------------------------------------------------
// Segments
// ----------------------------------------------------------------------------

// segments owns the arena and the segment headers. Free segments form a
// list linked through header.next.
type segments struct {
	headers  []header
	data     []byte
	segSize  int32
	freeHead int32
	free     int
	stats    *stats
}

func newSegments(data []byte, segSize int, st *stats) *segments {
	n := len(data) / segSize
	s := &segments{
		headers:  make([]header, n),
		data:     data[:n*segSize],
		segSize:  int32(segSize),
		freeHead: noSegment,
		stats:    st,
	}
	for id := int32(n - 1); id >= 0; id-- {
		s.headers[id].id = id
		s.push(id)
	}
	st.segmentFree.Add(int64(n))
	return s
}

// cap returns the number of segments in the arena
func (s *segments) cap() int { return len(s.headers) }

// push resets id and puts it on the free list
func (s *segments) push(id int32) {
	h := &s.headers[id]
	*h = header{
		id:     id,
		prev:   noSegment,
		next:   s.freeHead,
		bucket: -1,
		state:  SegmentFree,
	}
	s.freeHead = id
	s.free++
}

// pop takes a segment off the free list and makes it accept writes
func (s *segments) pop(now, ttl int64) (int32, bool) {
	id := s.freeHead
	if id == noSegment {
		return noSegment, false
	}
	h := &s.headers[id]
	s.freeHead = h.next
	s.free--

	h.next = noSegment
	h.prev = noSegment
	h.createAt = now
	h.mergeAt = now
	h.ttl = ttl
	h.state = SegmentAccepting

	s.stats.segmentFree.Add(-1)
	s.stats.segmentCurrent.Add(1)
	return id, true
}

// release returns a segment to the free list. Callers have already dropped
// every hashtable reference into it.
func (s *segments) release(id int32) {
	s.push(id)
	s.stats.segmentFree.Add(1)
	s.stats.segmentCurrent.Add(-1)
}

// seal stops a segment from accepting writes
func (s *segments) seal(id int32) {
	if s.headers[id].state == SegmentAccepting {
		s.headers[id].state = SegmentSealed
	}
}

// alloc reserves size bytes in id and returns the offset, or false if the
// segment cannot hold them
func (s *segments) alloc(id int32, size int) (int32, bool) {
	h := &s.headers[id]
	if h.state != SegmentAccepting || h.writeOffset+int32(size) > s.segSize {
		return 0, false
	}
	off := h.writeOffset
	h.writeOffset += int32(size)
	return off, true
}

// bytes returns the arena slice of id
func (s *segments) bytes(id int32) []byte {
	start := int(id) * int(s.segSize)
	return s.data[start : start+int(s.segSize)]
}

// item returns the item at (id, offset)
func (s *segments) item(id, offset int32) rawItem {
	it := rawItem(s.bytes(id)[offset:])
	it.check()
	return it
}

// each calls fn for every item written to id, in write order, including dead ones
func (s *segments) each(id int32, fn func(offset int32, it rawItem)) {
	h := &s.headers[id]
	data := s.bytes(id)
	for off := int32(0); off < h.writeOffset; {
		it := rawItem(data[off:])
		it.check()
		size := int32(it.size())
		fn(off, it[:size])
		off += size
	}
}

// addLive accounts a newly linked item
func (s *segments) addLive(id int32, size int) {
	h := &s.headers[id]
	h.liveBytes += int32(size)
	h.liveItems++
	s.stats.itemCurrent.Add(1)
	s.stats.itemCurrentBytes.Add(int64(size))
}

// removeLive accounts an item that is no longer reachable
func (s *segments) removeLive(id int32, size int) {
	h := &s.headers[id]
	h.liveBytes -= int32(size)
	h.liveItems--
	s.stats.itemCurrent.Add(-1)
	s.stats.itemCurrentBytes.Add(-int64(size))
}

// tombstone marks the item at (id, offset) deleted and drops it from the live stats
func (s *segments) tombstone(id, offset int32) int {
	it := s.item(id, offset)
	if it.deleted() {
		return 0
	}
	it.setDeleted()
	size := it.size()
	s.removeLive(id, size)
	s.stats.itemDead.Add(1)
	s.stats.itemDeadBytes.Add(size)
	return size
}

// SegmentInfo is a snapshot of one segment header
type SegmentInfo struct {
	ID          int    `json:"id"`
	State       string `json:"state"`
	WriteOffset int    `json:"write_offset"`
	LiveBytes   int    `json:"live_bytes"`
	LiveItems   int    `json:"live_items"`
	CreateAt    int64  `json:"create_at"`
	TTL         int64  `json:"ttl"`
	Bucket      int    `json:"bucket"`
	Prev        int    `json:"prev"`
	Next        int    `json:"next"`
}

func (s *segments) info(id int32) SegmentInfo {
	h := s.headers[id]
	return SegmentInfo{
		ID:          int(h.id),
		State:       h.state.String(),
		WriteOffset: int(h.writeOffset),
		LiveBytes:   int(h.liveBytes),
		LiveItems:   int(h.liveItems),
		CreateAt:    h.createAt,
		TTL:         h.ttl,
		Bucket:      int(h.bucket),
		Prev:        int(h.prev),
		Next:        int(h.next),
	}
}
