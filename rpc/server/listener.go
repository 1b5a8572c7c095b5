package server

import (
	"crypto/tls"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/twitter/pelikan-sub003/lib/queues"
	"github.com/twitter/pelikan-sub003/rpc/common"
	"github.com/twitter/pelikan-sub003/rpc/transport"
	"github.com/twitter/pelikan-sub003/rpc/transport/poll"
)

type handshakeResult struct {
	fd     int
	stream transport.Stream
	err    error
}

// listener accepts connections, completes TLS handshakes on helper
// goroutines and hands established sessions to the workers
type listener struct {
	fd       int
	poller   *poll.Poller
	waker    *poll.Waker
	events   []poll.Event
	timeout  time.Duration
	tls      *tls.Config
	tlsLimit time.Duration

	toWorkers   *queues.Queues[*transport.Session, struct{}]
	factory     *transport.SessionFactory
	sessions    *xsync.MapOf[uint64, SessionInfo]
	handshakes  chan handshakeResult
	inHandshake sync.WaitGroup
	nextID      atomic.Uint64
	stop        atomic.Bool

	accept, acceptFailure, drop   common.Counter
	handshakeOk, handshakeFailure common.Counter
}

func newListener(cfg common.ServerConfig, tlsConfig *tls.Config, m *common.Metrics, sessions *xsync.MapOf[uint64, SessionInfo]) (*listener, error) {
	fd, err := transport.Listen(cfg.Server.Addr(), 1024)
	if err != nil {
		return nil, err
	}
	p, err := poll.New(cfg.Server.Nevent)
	if err != nil {
		_ = transport.CloseFd(fd)
		return nil, err
	}
	w, err := poll.NewWaker(p, wakerToken)
	if err != nil {
		_ = p.Close()
		_ = transport.CloseFd(fd)
		return nil, err
	}
	if err := p.Register(fd, listenerToken, poll.Readable); err != nil {
		_ = w.Close()
		_ = p.Close()
		_ = transport.CloseFd(fd)
		return nil, err
	}

	return &listener{
		fd:               fd,
		poller:           p,
		waker:            w,
		events:           make([]poll.Event, 0, cfg.Server.Nevent),
		timeout:          cfg.Server.Timeout,
		tls:              tlsConfig,
		tlsLimit:         cfg.TLS.HandshakeTimeout,
		factory:          transport.NewSessionFactory(cfg.Buf, m),
		sessions:         sessions,
		handshakes:       make(chan handshakeResult, 1024),
		accept:           m.RuntimeCounter(common.MetricListenerAccept),
		acceptFailure:    m.RuntimeCounter(common.MetricListenerAcceptFailure),
		drop:             m.RuntimeCounter(common.MetricListenerSessionDrop),
		handshakeOk:      m.RuntimeCounter(common.MetricTLSHandshake),
		handshakeFailure: m.RuntimeCounter(common.MetricTLSHandshakeFailure),
	}, nil
}

func (l *listener) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for !l.stop.Load() {
		events, err := l.poller.Wait(l.events, l.timeout)
		if err != nil {
			Logger.Errorf("listener poll failed: %v", err)
			return
		}
		for _, ev := range events {
			switch ev.Token {
			case wakerToken:
				_ = l.waker.Reset()
			case listenerToken:
				l.acceptAll()
			}
		}
		l.drainHandshakes()
		if err := l.toWorkers.Wake(); err != nil {
			Logger.Warningf("failed to wake workers: %v", err)
		}
	}
}

func (l *listener) acceptAll() {
	for {
		fd, err := transport.Accept(l.fd)
		if errors.Is(err, transport.ErrWouldBlock) {
			return
		}
		if err != nil {
			l.acceptFailure.Inc()
			Logger.Warningf("accept failed: %v", err)
			return
		}
		l.accept.Inc()

		if l.tls == nil {
			l.dispatch(transport.NewPlainStream(fd), false)
			continue
		}
		l.inHandshake.Add(1)
		go func() {
			defer l.inHandshake.Done()
			stream, err := transport.Handshake(fd, l.tls, l.tlsLimit)
			l.handshakes <- handshakeResult{fd: fd, stream: stream, err: err}
			_ = l.waker.Wake()
		}()
	}
}

func (l *listener) drainHandshakes() {
	for {
		select {
		case r := <-l.handshakes:
			if r.err != nil {
				l.handshakeFailure.Inc()
				Logger.Debugf("tls handshake failed: %v", r.err)
				_ = transport.CloseFd(r.fd)
				continue
			}
			l.handshakeOk.Inc()
			l.dispatch(r.stream, true)
		default:
			return
		}
	}
}

// dispatch hands a session to the next worker with room, closing it when every queue is full
func (l *listener) dispatch(stream transport.Stream, isTLS bool) {
	id := l.nextID.Add(1)
	s := l.factory.New(id, stream)
	l.sessions.Store(id, SessionInfo{ID: id, Worker: -1, TLS: isTLS, OpenedAt: time.Now().Unix()})

	worker, err := l.toWorkers.TrySendAny(s)
	if err != nil {
		l.drop.Inc()
		l.sessions.Delete(id)
		_ = s.Close()
		Logger.Warningf("all worker queues full, dropping session %d", id)
		return
	}
	l.sessions.Compute(id, func(info SessionInfo, loaded bool) (SessionInfo, bool) {
		if !loaded {
			return info, true
		}
		info.Worker = worker
		return info, false
	})
}

func (l *listener) close() {
	_ = l.poller.Deregister(l.fd)
	_ = transport.CloseFd(l.fd)

	// handshakes still running report back here, close what they hand over
	go func() {
		l.inHandshake.Wait()
		close(l.handshakes)
	}()
	for r := range l.handshakes {
		if r.stream != nil {
			_ = r.stream.Close()
		} else {
			_ = transport.CloseFd(r.fd)
		}
	}
	_ = l.waker.Close()
	_ = l.poller.Close()
}
