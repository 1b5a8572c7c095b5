// Package seg implements a segment-structured cache with eager expiration.
//
// Items are appended to fixed-size segments. Segments are grouped into TTL
// buckets so that whole segments expire at once, and a compact hashtable
// maps keys to (segment, offset) locations. When the arena is full, an
// eviction policy reclaims whole segments, or merges neighbouring segments
// keeping the most frequently accessed items.
//
// A Seg has no internal locking. The server runtime gives each Seg a single
// owning goroutine and routes requests to it through queues.
//
// Example usage:
//
//	cache, err := seg.NewBuilder().
//		HeapSize(64 << 20).
//		SegmentSize(1 << 20).
//		Eviction(seg.PolicyFifo).
//		Build()
//	if err != nil {
//		return err
//	}
//	_ = cache.Insert([]byte("foo"), []byte("bar"), nil, 0)
//	entries := cache.Get([]byte("foo"))
package seg
