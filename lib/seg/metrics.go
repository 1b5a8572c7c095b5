package seg

// Counter is a monotonic counter owned by a metrics registry
type Counter interface {
	Add(n int)
}

// Gauge is an up/down value owned by a metrics registry
type Gauge interface {
	Add(n int64)
}

// Metrics resolves named counters and gauges. It is consulted once at build
// time; the engine keeps the returned handles.
type Metrics interface {
	Counter(name string) Counter
	Gauge(name string) Gauge
}

// Counter names
const (
	MetricSegmentRequest        = "segment_request"
	MetricSegmentRequestFailure = "segment_request_failure"
	MetricSegmentEvict          = "segment_evict"
	MetricSegmentEvictFailure   = "segment_evict_failure"
	MetricSegmentExpire         = "segment_expire"
	MetricSegmentMerge          = "segment_merge"
	MetricSegmentCompact        = "segment_compact"
	MetricSegmentClear          = "segment_clear"
	MetricHashInsert            = "hash_insert"
	MetricHashInsertFailure     = "hash_insert_failure"
	MetricHashRemove            = "hash_remove"
	MetricHashLookup            = "hash_lookup"
	MetricHashTagCollision      = "hash_tag_collision"
	MetricItemAlloc             = "item_alloc"
	MetricItemAllocFailure      = "item_alloc_failure"
	MetricItemExpire            = "item_expire"
	MetricItemEvict             = "item_evict"
	MetricItemDelete            = "item_delete"
	MetricItemDead              = "item_dead"
	MetricItemDeadBytes         = "item_dead_bytes"
)

// Gauge names
const (
	MetricSegmentFree      = "segment_free"
	MetricSegmentCurrent   = "segment_current"
	MetricItemCurrent      = "item_current"
	MetricItemCurrentBytes = "item_current_bytes"
)

// CounterNames lists every counter the engine reports
var CounterNames = []string{
	MetricSegmentRequest, MetricSegmentRequestFailure, MetricSegmentEvict, MetricSegmentEvictFailure,
	MetricSegmentExpire, MetricSegmentMerge, MetricSegmentCompact, MetricSegmentClear,
	MetricHashInsert, MetricHashInsertFailure, MetricHashRemove, MetricHashLookup, MetricHashTagCollision,
	MetricItemAlloc, MetricItemAllocFailure, MetricItemExpire, MetricItemEvict, MetricItemDelete,
	MetricItemDead, MetricItemDeadBytes,
}

// GaugeNames lists every gauge the engine reports
var GaugeNames = []string{MetricSegmentFree, MetricSegmentCurrent, MetricItemCurrent, MetricItemCurrentBytes}

type nopMetric struct{}

func (nopMetric) Add(int) {}

type nopGauge struct{}

func (nopGauge) Add(int64) {}

// stats holds the resolved metric handles
type stats struct {
	segmentRequest, segmentRequestFailure  Counter
	segmentEvict, segmentEvictFailure      Counter
	segmentExpire, segmentMerge            Counter
	segmentCompact, segmentClear           Counter
	hashInsert, hashInsertFailure          Counter
	hashRemove, hashLookup, hashTagCollide Counter
	itemAlloc, itemAllocFailure            Counter
	itemExpire, itemEvict, itemDelete      Counter
	itemDead, itemDeadBytes                Counter

	segmentFree, segmentCurrent   Gauge
	itemCurrent, itemCurrentBytes Gauge
}

func newStats(m Metrics) *stats {
	c := func(name string) Counter {
		if m == nil {
			return nopMetric{}
		}
		return m.Counter(name)
	}
	g := func(name string) Gauge {
		if m == nil {
			return nopGauge{}
		}
		return m.Gauge(name)
	}
	return &stats{
		segmentRequest:        c(MetricSegmentRequest),
		segmentRequestFailure: c(MetricSegmentRequestFailure),
		segmentEvict:          c(MetricSegmentEvict),
		segmentEvictFailure:   c(MetricSegmentEvictFailure),
		segmentExpire:         c(MetricSegmentExpire),
		segmentMerge:          c(MetricSegmentMerge),
		segmentCompact:        c(MetricSegmentCompact),
		segmentClear:          c(MetricSegmentClear),
		hashInsert:            c(MetricHashInsert),
		hashInsertFailure:     c(MetricHashInsertFailure),
		hashRemove:            c(MetricHashRemove),
		hashLookup:            c(MetricHashLookup),
		hashTagCollide:        c(MetricHashTagCollision),
		itemAlloc:             c(MetricItemAlloc),
		itemAllocFailure:      c(MetricItemAllocFailure),
		itemExpire:            c(MetricItemExpire),
		itemEvict:             c(MetricItemEvict),
		itemDelete:            c(MetricItemDelete),
		itemDead:              c(MetricItemDead),
		itemDeadBytes:         c(MetricItemDeadBytes),
		segmentFree:           g(MetricSegmentFree),
		segmentCurrent:        g(MetricSegmentCurrent),
		itemCurrent:           g(MetricItemCurrent),
		itemCurrentBytes:      g(MetricItemCurrentBytes),
	}
}
