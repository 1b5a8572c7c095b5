package common

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/twitter/pelikan-sub003/lib/seg"
)

// --------------------------------------------------------------------------
// Runtime metric names
// --------------------------------------------------------------------------

const (
	MetricListenerAccept        = "listener_accept"
	MetricListenerAcceptFailure = "listener_accept_failure"
	MetricListenerSessionDrop   = "listener_session_drop"
	MetricWorkerEventLoop       = "worker_event_loop"
	MetricWorkerRequest         = "worker_request"
	MetricWorkerResponse        = "worker_response"
	MetricWorkerQueueFull       = "worker_queue_full"
	MetricStorageEventLoop      = "storage_event_loop"
	MetricStorageRequest        = "storage_request"
	MetricStorageResponse       = "storage_response"
	MetricStorageQueueFull      = "storage_queue_full"
	MetricSessionRecv           = "session_recv"
	MetricSessionRecvByte       = "session_recv_byte"
	MetricSessionSend           = "session_send"
	MetricSessionSendByte       = "session_send_byte"
	MetricSessionClose          = "session_close"
	MetricRequestInvalid        = "request_invalid"
	MetricTLSHandshake          = "tls_handshake"
	MetricTLSHandshakeFailure   = "tls_handshake_failure"
	MetricProxyRequest          = "proxy_request"
	MetricProxyTimeout          = "proxy_timeout"
	MetricProxyError            = "proxy_error"

	MetricSessionCurrent = "session_current"

	TimerWorkerExecute = "worker_execute"
	TimerStorageWait   = "storage_wait"
	TimerProxyCall     = "proxy_call"
)

var runtimeCounters = []string{
	MetricListenerAccept, MetricListenerAcceptFailure, MetricListenerSessionDrop,
	MetricWorkerEventLoop, MetricWorkerRequest, MetricWorkerResponse, MetricWorkerQueueFull,
	MetricStorageEventLoop, MetricStorageRequest, MetricStorageResponse, MetricStorageQueueFull,
	MetricSessionRecv, MetricSessionRecvByte, MetricSessionSend, MetricSessionSendByte, MetricSessionClose,
	MetricRequestInvalid, MetricTLSHandshake, MetricTLSHandshakeFailure,
	MetricProxyRequest, MetricProxyTimeout, MetricProxyError,
}

var runtimeGauges = []string{MetricSessionCurrent}

var runtimeTimers = []string{TimerWorkerExecute, TimerStorageWait, TimerProxyCall}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// MetricType is the kind of a registered metric
type MetricType string

const (
	TypeCounter MetricType = "counter"
	TypeGauge   MetricType = "gauge"
	TypeTimer   MetricType = "timer"
)

// Description names one registered metric
type Description struct {
	Name string     `json:"name"`
	Type MetricType `json:"type"`
}

// Gauge is an up/down value exported as a Prometheus gauge
type Gauge struct {
	v atomic.Int64
}

// Add changes the gauge by n
func (g *Gauge) Add(n int64) { g.v.Add(n) }

// Set replaces the gauge value
func (g *Gauge) Set(n int64) { g.v.Store(n) }

// Value returns the current value
func (g *Gauge) Value() int64 { return g.v.Load() }

// Counter is a monotonic counter
type Counter struct {
	c *metrics.Counter
}

// Add increments the counter by n
func (c Counter) Add(n int) { c.c.Add(n) }

// Inc increments the counter by one
func (c Counter) Inc() { c.c.Inc() }

// Value returns the current count
func (c Counter) Value() uint64 { return c.c.Get() }

// Metrics is the process wide metrics registry. Counters and gauges are
// backed by a VictoriaMetrics set, latency timers by a go-metrics registry.
// One registry is created at startup and handed to every component.
//
// Thread-safety: all methods are safe for concurrent use.
type Metrics struct {
	set    *metrics.Set
	timers gometrics.Registry

	mu     sync.Mutex
	types  map[string]MetricType
	gauges map[string]*Gauge
}

// NewMetrics creates a registry with every engine and runtime metric registered
func NewMetrics() *Metrics {
	m := &Metrics{
		set:    metrics.NewSet(),
		timers: gometrics.NewRegistry(),
		types:  make(map[string]MetricType),
		gauges: make(map[string]*Gauge),
	}
	for _, name := range append(append([]string{}, seg.CounterNames...), runtimeCounters...) {
		m.counter(name)
	}
	for _, name := range append(append([]string{}, seg.GaugeNames...), runtimeGauges...) {
		m.gauge(name)
	}
	for _, name := range runtimeTimers {
		m.Timer(name)
	}
	return m
}

func (m *Metrics) counter(name string) Counter {
	m.mu.Lock()
	m.types[name] = TypeCounter
	m.mu.Unlock()
	return Counter{c: m.set.GetOrCreateCounter(name)}
}

func (m *Metrics) gauge(name string) *Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	m.gauges[name] = g
	m.types[name] = TypeGauge
	m.set.GetOrCreateGauge(name, func() float64 { return float64(g.Value()) })
	return g
}

// Counter returns the named counter, creating it if needed
func (m *Metrics) Counter(name string) seg.Counter { return m.counter(name) }

// Gauge returns the named gauge, creating it if needed
func (m *Metrics) Gauge(name string) seg.Gauge { return m.gauge(name) }

// RuntimeCounter returns the named counter with its concrete type
func (m *Metrics) RuntimeCounter(name string) Counter { return m.counter(name) }

// RuntimeGauge returns the named gauge with its concrete type
func (m *Metrics) RuntimeGauge(name string) *Gauge { return m.gauge(name) }

// Timer returns the named latency timer
func (m *Metrics) Timer(name string) gometrics.Timer {
	m.mu.Lock()
	m.types[name] = TypeTimer
	m.mu.Unlock()
	return gometrics.GetOrRegisterTimer(name, m.timers)
}

// Describe lists every registered metric sorted by name
func (m *Metrics) Describe() []Description {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Description, 0, len(m.types))
	for name, typ := range m.types {
		out = append(out, Description{Name: name, Type: typ})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Values returns the current value of every counter and gauge, and the
// count and mean (in nanoseconds) of every timer
func (m *Metrics) Values() map[string]float64 {
	out := make(map[string]float64)
	for _, d := range m.Describe() {
		switch d.Type {
		case TypeCounter:
			out[d.Name] = float64(m.set.GetOrCreateCounter(d.Name).Get())
		case TypeGauge:
			out[d.Name] = float64(m.gauge(d.Name).Value())
		case TypeTimer:
			snap := m.Timer(d.Name).Snapshot()
			out[d.Name+"_count"] = float64(snap.Count())
			out[d.Name+"_mean_ns"] = snap.Mean()
		}
	}
	return out
}

// WritePrometheus writes every metric in Prometheus text format
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)

	m.timers.Each(func(name string, i interface{}) {
		t, ok := i.(gometrics.Timer)
		if !ok {
			return
		}
		snap := t.Snapshot()
		ps := snap.Percentiles([]float64{0.5, 0.99, 0.999})
		fmt.Fprintf(w, "%s_count %d\n", name, snap.Count())
		fmt.Fprintf(w, "%s_seconds{quantile=\"0.5\"} %g\n", name, ps[0]/1e9)
		fmt.Fprintf(w, "%s_seconds{quantile=\"0.99\"} %g\n", name, ps[1]/1e9)
		fmt.Fprintf(w, "%s_seconds{quantile=\"0.999\"} %g\n", name, ps[2]/1e9)
	})
}
