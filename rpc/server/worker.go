package server

import (
	"errors"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/twitter/pelikan-sub003/lib/queues"
	"github.com/twitter/pelikan-sub003/rpc/common"
	"github.com/twitter/pelikan-sub003/rpc/protocol"
	"github.com/twitter/pelikan-sub003/rpc/transport"
	"github.com/twitter/pelikan-sub003/rpc/transport/poll"
)

// workerSession is a session together with the worker's bookkeeping
type workerSession struct {
	*transport.Session
	interest poll.Interest
	// inflight counts requests sent to storage and not yet answered
	inflight int
	// closing is set after quit or an invalid request, the session is
	// closed once its replies are written
	closing bool
	full    bool
	// pending holds an error reply that waits for the replies in flight
	pending *protocol.Response
}

// worker owns a set of sessions. It parses requests, executes them locally
// or through the storage goroutine, and writes the replies.
type worker struct {
	id      int
	poller  *poll.Poller
	waker   *poll.Waker
	events  []poll.Event
	timeout time.Duration
	stop    atomic.Bool

	svc      service
	codec    protocol.Codec
	owner    *engineOwner
	sessions map[uint64]*workerSession
	blocked  map[uint64]struct{}
	registry *xsync.MapOf[uint64, SessionInfo]

	fromListener *queues.Queues[struct{}, *transport.Session]
	toStorage    *queues.Queues[storageRequest, storageResponse]
	responses    []queues.Tracked[storageResponse]

	klogSample, klogCount int

	eventLoop, request, response, queueFull, invalid common.Counter
	execute                                          gometrics.Timer
}

func newWorker(id int, cfg common.ServerConfig, svc service, m *common.Metrics, registry *xsync.MapOf[uint64, SessionInfo]) (*worker, error) {
	p, err := poll.New(cfg.Worker.Nevent)
	if err != nil {
		return nil, err
	}
	w, err := poll.NewWaker(p, wakerToken)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return &worker{
		id:         id,
		poller:     p,
		waker:      w,
		events:     make([]poll.Event, 0, cfg.Worker.Nevent),
		timeout:    cfg.Worker.Timeout,
		svc:        svc,
		codec:      svc.newCodec(),
		sessions:   make(map[uint64]*workerSession),
		blocked:    make(map[uint64]struct{}),
		registry:   registry,
		klogSample: cfg.Debug.KlogSample,
		eventLoop:  m.RuntimeCounter(common.MetricWorkerEventLoop),
		request:    m.RuntimeCounter(common.MetricWorkerRequest),
		response:   m.RuntimeCounter(common.MetricWorkerResponse),
		queueFull:  m.RuntimeCounter(common.MetricWorkerQueueFull),
		invalid:    m.RuntimeCounter(common.MetricRequestInvalid),
		execute:    m.Timer(common.TimerWorkerExecute),
	}, nil
}

func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for !w.stop.Load() {
		timeout := w.timeout
		if len(w.blocked) > 0 {
			timeout = 0
		}
		events, err := w.poller.Wait(w.events, timeout)
		if err != nil {
			Logger.Errorf("worker %d poll failed: %v", w.id, err)
			return
		}
		w.eventLoop.Inc()

		for _, ev := range events {
			if ev.Token == wakerToken {
				_ = w.waker.Reset()
				continue
			}
			ws, ok := w.sessions[ev.Token]
			if !ok {
				continue
			}
			if ev.Readable || ev.Hangup {
				w.read(ws)
			}
			if ev.Writable && ws.State() != transport.StateClosed {
				w.flush(ws)
			}
		}

		w.adopt()
		w.drainStorage()
		w.retryBlocked()
		w.owner.serve()
		w.owner.maintain(time.Now())
		if w.toStorage != nil {
			if err := w.toStorage.Wake(); err != nil {
				Logger.Warningf("worker %d failed to wake storage: %v", w.id, err)
			}
		}
	}
	w.shutdown()
}

// adopt registers sessions handed over by the listener
func (w *worker) adopt() {
	for {
		t, ok := w.fromListener.TryRecv()
		if !ok {
			return
		}
		s := t.Value
		ws := &workerSession{Session: s, interest: poll.Readable}
		if err := w.poller.Register(s.Fd(), s.ID(), poll.Readable); err != nil {
			Logger.Errorf("worker %d failed to register session %d: %v", w.id, s.ID(), err)
			w.registry.Delete(s.ID())
			_ = s.Close()
			continue
		}
		w.sessions[s.ID()] = ws
		// a TLS session may hold decrypted bytes already
		w.read(ws)
	}
}

func (w *worker) read(ws *workerSession) {
	_, err := ws.Fill()
	switch {
	case errors.Is(err, protocol.ErrBufferFull):
		ws.full = true
	case errors.Is(err, io.EOF):
	case err != nil:
		Logger.Debugf("session %d read failed: %v", ws.ID(), err)
		w.close(ws)
		return
	}
	w.process(ws)
}

// process parses and executes every complete request in the read buffer
func (w *worker) process(ws *workerSession) {
	for !ws.closing {
		input := ws.Input()
		if len(input) == 0 {
			break
		}
		req, n, err := w.codec.Parse(input)
		if errors.Is(err, protocol.ErrIncomplete) {
			if ws.full {
				Logger.Debugf("session %d request exceeds the buffer limit", ws.ID())
				w.reject(ws, protocol.ServerError("request too large"))
			}
			break
		}
		if err != nil {
			w.invalid.Inc()
			if w.svc.invalid != nil {
				w.reject(ws, w.svc.invalid(err))
			} else {
				ws.closing = true
			}
			break
		}
		if req.Kind == protocol.KindQuit {
			ws.Consume(n)
			ws.closing = true
			break
		}

		if w.toStorage != nil {
			msg := storageRequest{session: ws.ID(), req: req, sentAt: time.Now().UnixNano()}
			if err := w.toStorage.TrySendTo(0, msg); err != nil {
				w.queueFull.Inc()
				w.blocked[ws.ID()] = struct{}{}
				break
			}
			ws.Consume(n)
			ws.inflight++
			w.request.Inc()
			continue
		}

		ws.Consume(n)
		w.request.Inc()
		start := time.Now()
		resp := w.svc.executor.Execute(&req)
		w.execute.UpdateSince(start)
		w.respond(ws, &req, &resp)
	}
	ws.full = false
	w.flush(ws)
}

// reject answers with an error and closes the session. Replies still in
// flight are written first.
func (w *worker) reject(ws *workerSession, resp protocol.Response) {
	ws.closing = true
	if ws.inflight > 0 {
		ws.pending = &resp
		return
	}
	w.codec.Compose(ws.Output(), nil, &resp)
}

func (w *worker) respond(ws *workerSession, req *protocol.Request, resp *protocol.Response) {
	w.codec.Compose(ws.Output(), req, resp)
	w.response.Inc()
	if w.klogSample > 0 {
		w.klogCount++
		if w.klogCount%w.klogSample == 0 {
			Logger.Debugf("klog session %d: %s %q -> status %d", ws.ID(), req.Kind, req.Key(), resp.Status)
		}
	}
}

// flush writes pending output and updates the poller interest
func (w *worker) flush(ws *workerSession) {
	if err := ws.Flush(); err != nil {
		Logger.Debugf("session %d write failed: %v", ws.ID(), err)
		w.close(ws)
		return
	}
	done := ws.closing || ws.State() == transport.StateHalfClosed
	if done && ws.inflight == 0 && !ws.PendingWrite() {
		w.close(ws)
		return
	}
	interest := ws.Interest()
	if done && !ws.PendingWrite() {
		// parked until the replies in flight arrive
		interest = 0
	}
	if interest == ws.interest {
		return
	}
	var err error
	switch {
	case interest == 0:
		// a hung up fd reports EPOLLHUP whatever the mask
		err = w.poller.Deregister(ws.Fd())
	case ws.interest == 0:
		err = w.poller.Register(ws.Fd(), ws.ID(), interest)
	default:
		err = w.poller.Reregister(ws.Fd(), ws.ID(), interest)
	}
	if err != nil {
		Logger.Warningf("session %d reregister failed: %v", ws.ID(), err)
		w.close(ws)
		return
	}
	ws.interest = interest
}

// drainStorage writes the replies the storage goroutine sent back
func (w *worker) drainStorage() {
	if w.toStorage == nil {
		return
	}
	w.responses = w.toStorage.TryRecvAll(w.responses[:0], 1024)
	touched := make(map[uint64]*workerSession, len(w.responses))
	for i := range w.responses {
		msg := &w.responses[i].Value
		ws, ok := w.sessions[msg.session]
		if !ok {
			// session closed while the request was in flight
			continue
		}
		w.answer(ws, &msg.req, &msg.resp)
		touched[msg.session] = ws
	}
	for _, ws := range touched {
		w.flush(ws)
	}
}

// answer writes the reply of a request that was in flight
func (w *worker) answer(ws *workerSession, req *protocol.Request, resp *protocol.Response) {
	ws.inflight--
	w.respond(ws, req, resp)
	if ws.inflight == 0 && ws.pending != nil {
		w.codec.Compose(ws.Output(), nil, ws.pending)
		ws.pending = nil
	}
}

// retryBlocked resumes sessions that stopped on a full storage queue
func (w *worker) retryBlocked() {
	if len(w.blocked) == 0 {
		return
	}
	ids := make([]uint64, 0, len(w.blocked))
	for id := range w.blocked {
		ids = append(ids, id)
	}
	clear(w.blocked)
	for _, id := range ids {
		if ws, ok := w.sessions[id]; ok {
			w.process(ws)
		}
	}
}

func (w *worker) close(ws *workerSession) {
	if ws.interest != 0 {
		_ = w.poller.Deregister(ws.Fd())
	}
	_ = ws.Close()
	delete(w.sessions, ws.ID())
	delete(w.blocked, ws.ID())
	w.registry.Delete(ws.ID())
}

func (w *worker) shutdown() {
	for _, ws := range w.sessions {
		_ = ws.Flush()
		w.close(ws)
	}
	for {
		t, ok := w.fromListener.TryRecv()
		if !ok {
			break
		}
		w.registry.Delete(t.Value.ID())
		_ = t.Value.Close()
	}
	_ = w.waker.Close()
	_ = w.poller.Close()
}
