package seg

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/twitter/pelikan-sub003/lib/util"
)

// ----------------------------------------------------------------------------
// Victim selection
// ----------------------------------------------------------------------------

// evictor picks segments to reclaim. Only sealed segments are candidates,
// the accepting tail of a chain is never chosen.
type evictor struct {
	policy   Policy
	merge    MergeOptions
	rng      *rand.Rand
	rank     *util.MapHeap
	rankedAt int64
	hasRank  bool
	scratch  []int32
	cursor   int // next TTL bucket considered for merging
}

func newEvictor(policy Policy, merge MergeOptions, rng *rand.Rand) *evictor {
	return &evictor{
		policy: policy,
		merge:  merge,
		rng:    rng,
		rank:   util.NewMapHeap(),
	}
}

// priority returns the ranking value of a segment, lower is evicted first
func (e *evictor) priority(h *header) uint64 {
	switch e.policy {
	case PolicyCte:
		if h.ttl == 0 {
			return math.MaxUint64
		}
		return uint64(h.expiresAt())
	case PolicyUtil:
		return uint64(h.liveBytes)
	default:
		return uint64(h.createAt)
	}
}

func (e *evictor) rebuild(segs *segments, now int64) {
	e.rank.Reset()
	for i := range segs.headers {
		if h := &segs.headers[i]; h.state == SegmentSealed {
			e.rank.AddItem(uint64(h.id), e.priority(h))
		}
	}
	e.rankedAt = now
	e.hasRank = true
}

// victim selects the segment to evict for the ranking and random policies
func (e *evictor) victim(segs *segments, buckets *ttlBuckets, now int64) (int32, error) {
	switch e.policy {
	case PolicyRandom:
		return e.random(segs)
	case PolicyRandomFifo:
		return e.randomFifo(segs, buckets)
	case PolicyFifo, PolicyCte, PolicyUtil:
		return e.ranked(segs, now)
	default:
		return noSegment, ErrNoVictim
	}
}

func (e *evictor) random(segs *segments) (int32, error) {
	e.scratch = e.scratch[:0]
	for i := range segs.headers {
		if segs.headers[i].state == SegmentSealed {
			e.scratch = append(e.scratch, int32(i))
		}
	}
	if len(e.scratch) == 0 {
		return noSegment, ErrNoVictim
	}
	return e.scratch[e.rng.IntN(len(e.scratch))], nil
}

func (e *evictor) randomFifo(segs *segments, buckets *ttlBuckets) (int32, error) {
	e.scratch = e.scratch[:0]
	for i := range buckets.buckets {
		if head := buckets.buckets[i].head; head != noSegment && segs.headers[head].state == SegmentSealed {
			e.scratch = append(e.scratch, head)
		}
	}
	if len(e.scratch) == 0 {
		return noSegment, ErrNoVictim
	}
	return e.scratch[e.rng.IntN(len(e.scratch))], nil
}

// ranked pops the lowest ranked segment. The ranking is rebuilt when it is
// older than a second or drained. Entries whose segment changed since
// ranking are re-ranked before they are trusted.
func (e *evictor) ranked(segs *segments, now int64) (int32, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 || !e.hasRank || e.rank.Len() == 0 || now-e.rankedAt >= 1 {
			e.rebuild(segs, now)
		}
		for {
			key, prio, ok := e.rank.PopMin()
			if !ok {
				break
			}
			h := &segs.headers[key]
			if h.state != SegmentSealed {
				continue
			}
			if cur := e.priority(h); cur != prio {
				e.rank.AddItem(key, cur)
				continue
			}
			return int32(key), nil
		}
	}
	return noSegment, ErrNoVictim
}

// ----------------------------------------------------------------------------
// Merge and compaction
// ----------------------------------------------------------------------------

// mergeChain returns up to limit consecutive sealed segments of one TTL
// bucket, starting at the bucket's merge cursor. Buckets are visited round
// robin. If no bucket has two mergeable segments, a single sealed head is
// returned.
func (e *evictor) mergeChain(segs *segments, buckets *ttlBuckets, limit int) []int32 {
	collect := func(start int32) []int32 {
		e.scratch = e.scratch[:0]
		for id := start; id != noSegment && len(e.scratch) < limit; id = segs.headers[id].next {
			if segs.headers[id].state != SegmentSealed {
				break
			}
			e.scratch = append(e.scratch, id)
		}
		return e.scratch
	}

	single := noSegment
	for n := 0; n < nBucket; n++ {
		idx := (e.cursor + n) % nBucket
		bucket := &buckets.buckets[idx]
		if bucket.nseg == 0 {
			continue
		}

		if start := bucket.nextToMerge; start != noSegment {
			if chain := collect(start); len(chain) >= 2 {
				e.cursor = idx + 1
				return chain
			}
		}
		chain := collect(bucket.head)
		if len(chain) >= 2 {
			e.cursor = idx + 1
			return chain
		}
		if len(chain) == 1 && single == noSegment {
			single = chain[0]
		}
	}

	if single != noSegment {
		return append(e.scratch[:0], single)
	}
	return nil
}

// candidate is a live item considered for retention during a merge
type candidate struct {
	loc  location
	size int
	freq uint64
	keep bool
}

// consolidate rewrites the live items of chain into chain[0]. Items are
// retained by descending frequency (chain order within a frequency) as long
// as they fit into one segment, the rest is evicted. Retained items keep
// their frequency, halved if halve is set. All other segments of the chain
// are freed. It returns the number of evicted items.
func (s *Seg) consolidate(chain []int32, halve bool, now int64) int {
	dst := chain[0]
	var cands []candidate
	for _, id := range chain {
		s.segs.headers[id].state = SegmentEvicting
		s.segs.each(id, func(off int32, it rawItem) {
			if it.deleted() {
				return
			}
			loc := location{seg: id, offset: off}
			freq, ok := s.ht.freq(it.key(), loc)
			if !ok {
				return
			}
			cands = append(cands, candidate{loc: loc, size: len(it), freq: freq})
		})
	}

	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return cands[order[a]].freq > cands[order[b]].freq })

	used := 0
	for _, i := range order {
		if used+cands[i].size <= len(s.scratch) {
			cands[i].keep = true
			used += cands[i].size
		}
	}

	evicted := 0
	pos := int32(0)
	moved := make([]location, len(cands))
	for i := range cands {
		c := &cands[i]
		it := s.segs.item(c.loc.seg, c.loc.offset)[:c.size]
		if !c.keep {
			s.ht.evict(it.key(), c.loc)
			s.segs.removeLive(c.loc.seg, c.size)
			s.hist.RemoveSample(c.size)
			evicted++
			continue
		}
		copy(s.scratch[pos:], it)
		moved[i] = location{seg: dst, offset: pos}
		pos += int32(c.size)
	}

	copy(s.segs.bytes(dst), s.scratch[:pos])

	kept := 0
	for i := range cands {
		c := &cands[i]
		if !c.keep {
			continue
		}
		freq := c.freq
		if halve {
			freq /= 2
		}
		it := s.segs.item(dst, moved[i].offset)
		s.ht.relink(it.key(), c.loc, moved[i], freq)
		kept++
	}

	h := &s.segs.headers[dst]
	h.writeOffset = pos
	h.liveBytes = pos
	h.liveItems = int32(kept)
	h.mergeAt = now
	h.state = SegmentSealed

	for _, id := range chain[1:] {
		s.buckets.unlink(id)
		s.segs.release(id)
	}

	bucket := &s.buckets.buckets[h.bucket]
	bucket.nextToMerge = noSegment
	if next := h.next; next != noSegment && s.segs.headers[next].state == SegmentSealed {
		bucket.nextToMerge = next
	}

	s.stats.itemEvict.Add(evicted)
	return evicted
}

// mergeEvict reclaims at least one segment under PolicyMerge. Compaction is
// tried first; if it frees nothing, a merge eviction runs on the next chain.
func (s *Seg) mergeEvict(now int64) error {
	opts := s.evict.merge
	if opts.Compact > 0 && s.compact(now, opts.Max) > 0 {
		return nil
	}

	chain := s.evict.mergeChain(s.segs, s.buckets, min(opts.Merge, opts.Max))
	switch len(chain) {
	case 0:
		return ErrNoVictim
	case 1:
		s.evictSegment(chain[0])
		return nil
	}

	// chain aliases the evictor scratch space
	chain = append([]int32(nil), chain...)
	evicted := s.consolidate(chain, true, now)
	s.stats.segmentMerge.Add(1)
	s.stats.segmentEvict.Add(len(chain) - 1)
	Logger.Debugf("merged %d segments into %d, evicted %d items", len(chain), chain[0], evicted)
	return nil
}

// compact combines neighbouring sealed segments that are both below
// 1/Compact utilization and fit into one segment together. No live item is
// evicted. At most budget segments are touched. It returns the number of
// segments freed.
func (s *Seg) compact(now int64, budget int) int {
	opts := s.evict.merge
	if opts.Compact <= 0 {
		return 0
	}
	threshold := s.segs.segSize / int32(opts.Compact)
	freed, touched := 0, 0

	for i := range s.buckets.buckets {
		a := s.buckets.buckets[i].head
		for a != noSegment && touched+2 <= budget {
			ha := &s.segs.headers[a]
			b := ha.next
			if b == noSegment {
				break
			}
			hb := &s.segs.headers[b]
			if ha.state == SegmentSealed && hb.state == SegmentSealed &&
				ha.liveBytes < threshold && hb.liveBytes < threshold &&
				ha.liveBytes+hb.liveBytes <= s.segs.segSize {
				s.consolidate([]int32{a, b}, false, now)
				freed++
				touched += 2
				continue
			}
			a = b
		}
	}

	if freed > 0 {
		s.stats.segmentCompact.Add(freed)
		Logger.Debugf("compaction freed %d segments", freed)
	}
	return freed
}
