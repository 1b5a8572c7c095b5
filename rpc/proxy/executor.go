package proxy

import (
	"context"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/twitter/pelikan-sub003/lib/seg"
	"github.com/twitter/pelikan-sub003/rpc/common"
	"github.com/twitter/pelikan-sub003/rpc/protocol"
)

// Executor answers memcache requests from a Backend. It is safe for use by
// several workers as long as the Backend is.
type Executor struct {
	backend Backend
	timeout time.Duration
	clock   func() time.Time

	requests, timeouts, failures common.Counter
	call                       gometrics.Timer
}

// NewExecutor wraps backend, every call is bounded by timeout
func NewExecutor(backend Backend, timeout time.Duration, m *common.Metrics) *Executor {
	return &Executor{
		backend:  backend,
		timeout:  timeout,
		clock:    time.Now,
		requests: m.RuntimeCounter(common.MetricProxyRequest),
		timeouts: m.RuntimeCounter(common.MetricProxyTimeout),
		failures: m.RuntimeCounter(common.MetricProxyError),
		call:     m.Timer(common.TimerProxyCall),
	}
}

// Execute forwards req to the backend
func (e *Executor) Execute(req *protocol.Request) protocol.Response {
	switch req.Kind {
	case protocol.KindVersion:
		return protocol.Response{Status: protocol.StatusVersion}
	case protocol.KindQuit:
		return protocol.Response{Status: protocol.StatusNone}
	}

	e.requests.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	start := time.Now()
	defer e.call.UpdateSince(start)

	switch req.Kind {
	case protocol.KindGet, protocol.KindGets:
		return e.get(ctx, req)

	case protocol.KindSet:
		ttl := seg.TimeMemcache.TTL(req.Exptime, e.clock())
		var err error
		if ttl < 0 {
			_, err = e.backend.Delete(ctx, string(req.Key()))
		} else {
			err = e.backend.Set(ctx, Item{Key: string(req.Key()), Value: req.Value, Flags: req.Flags}, ttl)
		}
		if err != nil {
			return e.failed(req, err)
		}
		return protocol.Response{Status: protocol.StatusStored}

	case protocol.KindDelete:
		found, err := e.backend.Delete(ctx, string(req.Key()))
		switch {
		case err != nil:
			return e.failed(req, err)
		case !found:
			return protocol.Response{Status: protocol.StatusNotFound}
		}
		return protocol.Response{Status: protocol.StatusDeleted}
	}
	return protocol.ClientError("command not supported by proxy")
}

func (e *Executor) get(ctx context.Context, req *protocol.Request) protocol.Response {
	resp := protocol.Response{Status: protocol.StatusValues, WithCas: req.Kind == protocol.KindGets}

	keys := make([]string, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = string(k)
	}
	found, err := e.backend.Get(ctx, keys)
	if err != nil {
		// a failed read is a miss
		e.failed(req, err)
		return resp
	}
	for _, k := range keys {
		it, ok := found[k]
		if !ok {
			continue
		}
		resp.Values = append(resp.Values, protocol.Value{Key: []byte(k), Data: it.Value, Flags: it.Flags})
	}
	return resp
}

func (e *Executor) failed(req *protocol.Request, err error) protocol.Response {
	if IsTimeout(err) {
		e.timeouts.Inc()
		Logger.Debugf("%s %q timed out: %v", req.Kind, req.Key(), err)
		return protocol.ServerError("upstream timeout")
	}
	e.failures.Inc()
	Logger.Debugf("%s %q failed: %v", req.Kind, req.Key(), err)
	return protocol.ServerError("upstream error")
}
