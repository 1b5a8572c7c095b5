package seg

import (
	"bytes"
	"math/rand/v2"

	"github.com/minio/highwayhash"
)

// ----------------------------------------------------------------------------
// Hashtable
// ----------------------------------------------------------------------------

// The table is an array of buckets of 8 slots (u64). Slot 0 of a primary
// bucket holds the bucket info, every other slot holds an item info:
//
//	bucket info: chain length (bits 0-7) | cas (bits 32-63)
//	item info:   tag (52-63) | freq (44-51) | segment id (20-43) | offset/8 (0-19)
//
// When a chain is extended, the last slot of its current last bucket is
// moved into the new overflow bucket and replaced with the index of that
// bucket. An empty slot is zero; tags are never zero.
const (
	slotsPerBucket = 8

	tagShift  = 52
	freqShift = 44
	freqMask  = 0xff
	segShift  = 20
	segMask   = 1<<24 - 1
	offMask   = 1<<20 - 1

	casShift     = 32
	chainLenMask = 0xff
	maxChainLen  = 0xff

	maxFreq     = 127
	freqLinear  = 16
	maxSegments = 1 << 24
	// MaxSegmentSize is the largest segment the item info can address
	MaxSegmentSize = (offMask + 1) * itemAlign
)

type location struct {
	seg    int32
	offset int32
}

func tagOf(hash uint64) uint64 {
	tag := hash >> tagShift
	if tag == 0 {
		tag = 1
	}
	return tag
}

func packInfo(tag uint64, freq uint64, loc location) uint64 {
	return tag<<tagShift | (freq&freqMask)<<freqShift | uint64(loc.seg)<<segShift | uint64(loc.offset)>>3
}

func infoTag(v uint64) uint64 { return v >> tagShift }

func infoFreq(v uint64) uint64 { return v >> freqShift & freqMask }

func infoLocation(v uint64) location {
	return location{
		seg:    int32(v >> segShift & segMask),
		offset: int32(v&offMask) << 3,
	}
}

type hashtable struct {
	slots        []uint64
	mask         uint64
	primary      int
	total        int
	nextOverflow int
	key          [32]byte
	rng          *rand.Rand
	segs         *segments
	stats        *stats
}

func newHashtable(power uint, overflowFactor float64, key [32]byte, rng *rand.Rand, segs *segments, st *stats) *hashtable {
	primary := 1 << power
	overflow := int(float64(primary)*overflowFactor + 0.999999)
	return &hashtable{
		slots:        make([]uint64, (primary+overflow)*slotsPerBucket),
		mask:         uint64(primary - 1),
		primary:      primary,
		total:        primary + overflow,
		nextOverflow: primary,
		key:          key,
		rng:          rng,
		segs:         segs,
		stats:        st,
	}
}

func (h *hashtable) hash(key []byte) uint64 {
	return highwayhash.Sum64(key, h.key[:])
}

// scan calls fn with the position of every item slot in the chain of the
// primary bucket until fn returns true
func (h *hashtable) scan(primary int, fn func(pos int) bool) {
	chainLen := int(h.slots[primary*slotsPerBucket] & chainLenMask)
	b := primary
	for i := 0; ; i++ {
		start, end := 0, slotsPerBucket
		if i == 0 {
			start = 1
		}
		if i < chainLen {
			end = slotsPerBucket - 1
		}
		for s := start; s < end; s++ {
			if fn(b*slotsPerBucket + s) {
				return
			}
		}
		if i == chainLen {
			return
		}
		b = int(h.slots[b*slotsPerBucket+slotsPerBucket-1])
	}
}

// find returns the slot position holding key
func (h *hashtable) find(key []byte, hash uint64) (int, bool) {
	tag := tagOf(hash)
	found := -1
	h.scan(int(hash&h.mask), func(pos int) bool {
		v := h.slots[pos]
		if v == 0 || infoTag(v) != tag {
			return false
		}
		loc := infoLocation(v)
		if !bytes.Equal(h.segs.item(loc.seg, loc.offset).key(), key) {
			h.stats.hashTagCollide.Add(1)
			return false
		}
		found = pos
		return true
	})
	return found, found >= 0
}

// findLocation returns the slot position pointing at loc
func (h *hashtable) findLocation(key []byte, loc location) (int, bool) {
	hash := h.hash(key)
	tag := tagOf(hash)
	found := -1
	h.scan(int(hash&h.mask), func(pos int) bool {
		v := h.slots[pos]
		if v != 0 && infoTag(v) == tag && infoLocation(v) == loc {
			found = pos
			return true
		}
		return false
	})
	return found, found >= 0
}

func (h *hashtable) cas(primary int) uint32 {
	return uint32(h.slots[primary*slotsPerBucket] >> casShift)
}

func (h *hashtable) bumpCas(primary int) {
	info := &h.slots[primary*slotsPerBucket]
	cas := uint32(*info>>casShift) + 1
	*info = *info&(1<<casShift-1) | uint64(cas)<<casShift
}

// get looks up key and optionally counts the access in its frequency
func (h *hashtable) get(key []byte, countAccess bool) (location, uint32, bool) {
	h.stats.hashLookup.Add(1)
	hash := h.hash(key)
	pos, ok := h.find(key, hash)
	if !ok {
		return location{}, 0, false
	}
	v := h.slots[pos]
	if countAccess {
		freq := infoFreq(v)
		if freq < maxFreq && (freq < freqLinear || h.rng.Uint64N(freq) == 0) {
			h.slots[pos] = v&^(freqMask<<freqShift) | (freq+1)<<freqShift
		}
	}
	return infoLocation(v), h.cas(int(hash & h.mask)), true
}

// insert links key to loc. If the key was linked before, the previous
// location is returned and the caller tombstones that item.
func (h *hashtable) insert(key []byte, loc location) (location, bool, error) {
	hash := h.hash(key)
	primary := int(hash & h.mask)
	tag := tagOf(hash)

	if pos, ok := h.find(key, hash); ok {
		old := h.slots[pos]
		h.slots[pos] = packInfo(tag, infoFreq(old), loc)
		h.bumpCas(primary)
		h.stats.hashInsert.Add(1)
		return infoLocation(old), true, nil
	}

	empty := -1
	h.scan(primary, func(pos int) bool {
		if h.slots[pos] == 0 {
			empty = pos
			return true
		}
		return false
	})

	if empty < 0 {
		var err error
		if empty, err = h.extend(primary); err != nil {
			h.stats.hashInsertFailure.Add(1)
			return location{}, false, err
		}
	}

	h.slots[empty] = packInfo(tag, 0, loc)
	h.bumpCas(primary)
	h.stats.hashInsert.Add(1)
	return location{}, false, nil
}

// extend chains a fresh overflow bucket to primary and returns a free slot in it
func (h *hashtable) extend(primary int) (int, error) {
	info := &h.slots[primary*slotsPerBucket]
	chainLen := int(*info & chainLenMask)
	if chainLen >= maxChainLen || h.nextOverflow >= h.total {
		return 0, ErrHashTableFull
	}

	last := primary
	for i := 0; i < chainLen; i++ {
		last = int(h.slots[last*slotsPerBucket+slotsPerBucket-1])
	}

	next := h.nextOverflow
	h.nextOverflow++
	clear(h.slots[next*slotsPerBucket : (next+1)*slotsPerBucket])

	tail := last*slotsPerBucket + slotsPerBucket - 1
	h.slots[next*slotsPerBucket] = h.slots[tail]
	h.slots[tail] = uint64(next)
	*info = *info&^chainLenMask | uint64(chainLen+1)

	return next*slotsPerBucket + 1, nil
}

// remove unlinks key and returns the location it pointed to
func (h *hashtable) remove(key []byte) (location, bool) {
	pos, ok := h.find(key, h.hash(key))
	if !ok {
		return location{}, false
	}
	loc := infoLocation(h.slots[pos])
	h.slots[pos] = 0
	h.stats.hashRemove.Add(1)
	return loc, true
}

// evict unlinks key only if it still points at loc
func (h *hashtable) evict(key []byte, loc location) bool {
	pos, ok := h.findLocation(key, loc)
	if ok {
		h.slots[pos] = 0
		h.stats.hashRemove.Add(1)
	}
	return ok
}

// freq returns the access frequency of the item at loc, if key still points there
func (h *hashtable) freq(key []byte, loc location) (uint64, bool) {
	pos, ok := h.findLocation(key, loc)
	if !ok {
		return 0, false
	}
	return infoFreq(h.slots[pos]), true
}

// relink moves key from old to loc with the given frequency, if key still points at old
func (h *hashtable) relink(key []byte, old, loc location, freq uint64) bool {
	pos, ok := h.findLocation(key, old)
	if !ok {
		return false
	}
	h.slots[pos] = packInfo(infoTag(h.slots[pos]), freq, loc)
	return true
}

// casCheck compares the cas value of key with expected
func (h *hashtable) casCheck(key []byte, expected uint32) error {
	_, cas, ok := h.get(key, false)
	switch {
	case !ok:
		return ErrNotFound
	case cas != expected:
		return ErrExists
	default:
		return nil
	}
}

// reset drops every entry and the overflow chains
func (h *hashtable) reset() {
	clear(h.slots)
	h.nextOverflow = h.primary
}
