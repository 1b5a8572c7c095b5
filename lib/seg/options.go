package seg

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/twitter/pelikan-sub003/lib/seg/datapool"
	"github.com/twitter/pelikan-sub003/lib/util"
)

// ----------------------------------------------------------------------------
// Eviction policies
// ----------------------------------------------------------------------------

// Policy selects how space is reclaimed when no free segment is left
type Policy uint8

const (
	// PolicyNone never evicts, writes fail instead
	PolicyNone Policy = iota
	// PolicyRandom evicts a uniformly chosen sealed segment
	PolicyRandom
	// PolicyRandomFifo evicts the oldest segment of a randomly chosen TTL bucket
	PolicyRandomFifo
	// PolicyFifo evicts the oldest sealed segment
	PolicyFifo
	// PolicyCte evicts the sealed segment closest to expiration
	PolicyCte
	// PolicyUtil evicts the sealed segment with the fewest live bytes
	PolicyUtil
	// PolicyMerge compacts and merges neighbouring segments of a TTL bucket
	PolicyMerge
)

var policyNames = map[Policy]string{
	PolicyNone:       "none",
	PolicyRandom:     "random",
	PolicyRandomFifo: "randomfifo",
	PolicyFifo:       "fifo",
	PolicyCte:        "cte",
	PolicyUtil:       "util",
	PolicyMerge:      "merge",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

// ParsePolicy parses a policy name as used in configuration files
func ParsePolicy(name string) (Policy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for p, n := range policyNames {
		if n == name {
			return p, nil
		}
	}
	return PolicyNone, fmt.Errorf("%w: unknown eviction policy %q", ErrInvalidConfig, name)
}

// MergeOptions tunes PolicyMerge
type MergeOptions struct {
	// Max is the largest number of segments touched by one eviction
	Max int
	// Merge is the number of consecutive segments combined by a merge eviction
	Merge int
	// Compact combines segments below 1/Compact utilization; 0 disables compaction
	Compact int
}

// DefaultMergeOptions are the merge settings used unless configured otherwise
var DefaultMergeOptions = MergeOptions{Max: 8, Merge: 4, Compact: 2}

// ----------------------------------------------------------------------------
// Builder
// ----------------------------------------------------------------------------

// Builder collects the settings of a Seg
type Builder struct {
	heapSize       int
	segmentSize    int
	hashPower      uint
	overflowFactor float64
	policy         Policy
	merge          MergeOptions
	datapoolPath   string
	prefault       bool
	clock          func() time.Time
	metrics        Metrics
	seed           uint64
	hashKey        *[32]byte
}

// NewBuilder returns a Builder with a 64MiB heap of 1MiB segments and merge eviction
func NewBuilder() *Builder {
	return &Builder{
		heapSize:       64 << 20,
		segmentSize:    1 << 20,
		hashPower:      16,
		overflowFactor: 1.0,
		policy:         PolicyMerge,
		merge:          DefaultMergeOptions,
		clock:          time.Now,
	}
}

// HeapSize sets the total size of the segment arena in bytes
func (b *Builder) HeapSize(n int) *Builder { b.heapSize = n; return b }

// SegmentSize sets the size of one segment in bytes
func (b *Builder) SegmentSize(n int) *Builder { b.segmentSize = n; return b }

// HashPower sets the number of primary hashtable buckets to 2^power
func (b *Builder) HashPower(power uint) *Builder { b.hashPower = power; return b }

// OverflowFactor sizes the overflow region relative to the primary buckets
func (b *Builder) OverflowFactor(f float64) *Builder { b.overflowFactor = f; return b }

// Eviction sets the eviction policy
func (b *Builder) Eviction(p Policy) *Builder { b.policy = p; return b }

// Merge sets PolicyMerge with the given options
func (b *Builder) Merge(opts MergeOptions) *Builder {
	b.policy = PolicyMerge
	b.merge = opts
	return b
}

// Datapool backs the arena with a memory mapped file at path
func (b *Builder) Datapool(path string, prefault bool) *Builder {
	b.datapoolPath = path
	b.prefault = prefault
	return b
}

// Clock replaces the wall clock, mainly for tests
func (b *Builder) Clock(clock func() time.Time) *Builder { b.clock = clock; return b }

// Metrics sets the metrics registry
func (b *Builder) Metrics(m Metrics) *Builder { b.metrics = m; return b }

// Seed makes random choices reproducible
func (b *Builder) Seed(seed uint64) *Builder { b.seed = seed; return b }

// HashKey fixes the key of the hash function
func (b *Builder) HashKey(key [32]byte) *Builder { b.hashKey = &key; return b }

func (b *Builder) validate() error {
	switch {
	case b.segmentSize < 64 || b.segmentSize%itemAlign != 0:
		return fmt.Errorf("%w: segment size %d must be a multiple of %d and at least 64 bytes", ErrInvalidConfig, b.segmentSize, itemAlign)
	case b.segmentSize > MaxSegmentSize:
		return fmt.Errorf("%w: segment size %s exceeds %s", ErrInvalidConfig,
			humanize.IBytes(uint64(b.segmentSize)), humanize.IBytes(MaxSegmentSize))
	case b.heapSize < b.segmentSize:
		return fmt.Errorf("%w: heap size %d is smaller than one segment", ErrInvalidConfig, b.heapSize)
	case b.heapSize/b.segmentSize >= maxSegments:
		return fmt.Errorf("%w: heap holds more than %d segments", ErrInvalidConfig, maxSegments)
	case b.hashPower < 3 || b.hashPower > 32:
		return fmt.Errorf("%w: hash power %d out of range [3, 32]", ErrInvalidConfig, b.hashPower)
	case b.overflowFactor < 0:
		return fmt.Errorf("%w: negative overflow factor", ErrInvalidConfig)
	case b.clock == nil:
		return fmt.Errorf("%w: missing clock", ErrInvalidConfig)
	}
	if _, ok := policyNames[b.policy]; !ok {
		return fmt.Errorf("%w: unknown policy %d", ErrInvalidConfig, b.policy)
	}
	if b.policy == PolicyMerge && (b.merge.Merge < 2 || b.merge.Max < b.merge.Merge || b.merge.Compact < 0) {
		return fmt.Errorf("%w: merge options %+v", ErrInvalidConfig, b.merge)
	}
	return nil
}

// Build allocates the arena and returns a ready Seg
func (b *Builder) Build() (*Seg, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	heap := b.heapSize / b.segmentSize * b.segmentSize
	pool, err := datapool.Open(b.datapoolPath, heap, b.prefault)
	if err != nil {
		return nil, err
	}

	seed := b.seed
	if seed == 0 {
		seed = util.GenerateSeed()
	}
	key := util.GenerateKey()
	if b.hashKey != nil {
		key = *b.hashKey
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	st := newStats(b.metrics)
	segs := newSegments(pool.Bytes(), b.segmentSize, st)

	s := &Seg{
		segs:    segs,
		ht:      newHashtable(b.hashPower, b.overflowFactor, key, rng, segs, st),
		buckets: newTTLBuckets(segs),
		evict:   newEvictor(b.policy, b.merge, rng),
		pool:    pool,
		clock:   b.clock,
		stats:   st,
		hist:    util.NewSizeHistogram(),
		scratch: make([]byte, b.segmentSize),
	}

	Logger.Infof("segcache ready: heap %s, %d segments of %s, hash power %d, eviction %s",
		humanize.IBytes(uint64(heap)), segs.cap(), humanize.IBytes(uint64(b.segmentSize)), b.hashPower, b.policy)
	return s, nil
}

// ----------------------------------------------------------------------------
// Expiration time interpretation
// ----------------------------------------------------------------------------

// TimeType selects how client supplied expiration times are read
type TimeType uint8

const (
	// TimeUnix treats expiration times as absolute unix timestamps
	TimeUnix TimeType = iota
	// TimeDelta treats expiration times as seconds from now
	TimeDelta
	// TimeMemcache is relative up to 30 days and absolute above
	TimeMemcache
)

// MaxDeltaExptime is the largest relative expiration time under TimeMemcache
const MaxDeltaExptime = 60 * 60 * 24 * 30

var timeTypeNames = map[TimeType]string{TimeUnix: "unix", TimeDelta: "delta", TimeMemcache: "memcache"}

func (t TimeType) String() string {
	if name, ok := timeTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("timetype(%d)", uint8(t))
}

// ParseTimeType parses unix, delta or memcache
func ParseTimeType(name string) (TimeType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range timeTypeNames {
		if n == name {
			return t, nil
		}
	}
	return TimeMemcache, fmt.Errorf("%w: unknown time type %q", ErrInvalidConfig, name)
}

// TTL converts an expiration time to a TTL relative to now. Zero means the
// item never expires and a negative result means it is already expired.
func (t TimeType) TTL(exptime int64, now time.Time) time.Duration {
	if exptime == 0 {
		return 0
	}
	if exptime < 0 {
		return -1
	}
	absolute := t == TimeUnix || (t == TimeMemcache && exptime > MaxDeltaExptime)
	if !absolute {
		return time.Duration(exptime) * time.Second
	}
	ttl := exptime - now.Unix()
	if ttl <= 0 {
		return -1
	}
	return time.Duration(ttl) * time.Second
}
