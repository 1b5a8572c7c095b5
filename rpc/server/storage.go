package server

import (
	"runtime"
	"sync/atomic"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/twitter/pelikan-sub003/lib/queues"
	"github.com/twitter/pelikan-sub003/rpc/common"
	"github.com/twitter/pelikan-sub003/rpc/protocol"
	"github.com/twitter/pelikan-sub003/rpc/transport/poll"
)

// storage is the goroutine owning the engine when several workers run.
// Requests from all workers are executed in arrival order per worker.
type storage struct {
	poller  *poll.Poller
	waker   *poll.Waker
	events  []poll.Event
	timeout time.Duration
	stop    atomic.Bool

	executor protocol.Executor
	owner    *engineOwner
	queue    *queues.Queues[storageResponse, storageRequest]
	requests []queues.Tracked[storageRequest]
	// backlog holds replies per worker that did not fit into its queue
	backlog [][]storageResponse

	eventLoop, request, response, queueFull common.Counter
	wait                                    gometrics.Timer
}

func newStorage(cfg common.ServerConfig, executor protocol.Executor, owner *engineOwner, m *common.Metrics) (*storage, error) {
	p, err := poll.New(cfg.Worker.Nevent)
	if err != nil {
		return nil, err
	}
	w, err := poll.NewWaker(p, wakerToken)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	owner.waker = w
	return &storage{
		poller:    p,
		waker:     w,
		events:    make([]poll.Event, 0, 8),
		timeout:   cfg.Worker.Timeout,
		executor:  executor,
		owner:     owner,
		backlog:   make([][]storageResponse, cfg.Worker.Threads),
		eventLoop: m.RuntimeCounter(common.MetricStorageEventLoop),
		request:   m.RuntimeCounter(common.MetricStorageRequest),
		response:  m.RuntimeCounter(common.MetricStorageResponse),
		queueFull: m.RuntimeCounter(common.MetricStorageQueueFull),
		wait:      m.Timer(common.TimerStorageWait),
	}, nil
}

func (s *storage) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for !s.stop.Load() {
		timeout := s.timeout
		if s.pending() {
			timeout = 0
		}
		events, err := s.poller.Wait(s.events, timeout)
		if err != nil {
			Logger.Errorf("storage poll failed: %v", err)
			return
		}
		s.eventLoop.Inc()
		if len(events) > 0 {
			_ = s.waker.Reset()
		}

		s.flushBacklog()
		s.requests = s.queue.TryRecvAll(s.requests[:0], 4096)
		now := time.Now()
		for i := range s.requests {
			t := &s.requests[i]
			s.request.Inc()
			s.wait.Update(now.Sub(time.Unix(0, t.Value.sentAt)))
			resp := s.executor.Execute(&t.Value.req)
			s.send(t.Sender, storageResponse{session: t.Value.session, req: t.Value.req, resp: resp})
		}
		if err := s.queue.Wake(); err != nil {
			Logger.Warningf("storage failed to wake workers: %v", err)
		}

		s.owner.serve()
		s.owner.maintain(now)
	}
	_ = s.waker.Close()
	_ = s.poller.Close()
}

func (s *storage) pending() bool {
	for _, b := range s.backlog {
		if len(b) > 0 {
			return true
		}
	}
	return false
}

// send replies to a worker, keeping order behind any backlog
func (s *storage) send(worker int, msg storageResponse) {
	if len(s.backlog[worker]) == 0 {
		if err := s.queue.TrySendTo(worker, msg); err == nil {
			s.response.Inc()
			return
		}
		s.queueFull.Inc()
	}
	s.backlog[worker] = append(s.backlog[worker], msg)
}

func (s *storage) flushBacklog() {
	for worker, pending := range s.backlog {
		sent := 0
		for _, msg := range pending {
			if s.queue.TrySendTo(worker, msg) != nil {
				break
			}
			s.response.Inc()
			sent++
		}
		s.backlog[worker] = pending[sent:]
	}
}
