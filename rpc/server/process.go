package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/twitter/pelikan-sub003/lib/queues"
	"github.com/twitter/pelikan-sub003/lib/seg"
	"github.com/twitter/pelikan-sub003/rpc/common"
	"github.com/twitter/pelikan-sub003/rpc/protocol"
	"github.com/twitter/pelikan-sub003/rpc/protocol/memcache"
	"github.com/twitter/pelikan-sub003/rpc/protocol/ping"
	"github.com/twitter/pelikan-sub003/rpc/proxy"
	"github.com/twitter/pelikan-sub003/rpc/transport"
)

var Logger = logger.GetLogger("server")

// Version is reported by the memcache version command
var Version = "0.1.0"

// Process is a running server: one listener, the workers, an optional
// storage goroutine and the admin endpoint.
type Process struct {
	name     string
	cfg      common.ServerConfig
	metrics  *common.Metrics
	sessions *xsync.MapOf[uint64, SessionInfo]

	listener *listener
	workers  []*worker
	storage  *storage
	admin    *admin
	engine   *seg.Seg
	backend  proxy.Backend

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewSegcache builds a memcache compatible cache process. With one worker
// the worker owns the engine, with more a storage goroutine does.
func NewSegcache(cfg common.ServerConfig, m *common.Metrics) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = common.NewMetrics()
	}
	timeType, err := seg.ParseTimeType(cfg.Time.Type)
	if err != nil {
		return nil, err
	}
	b, err := cfg.SegBuilder()
	if err != nil {
		return nil, err
	}
	engine, err := b.Metrics(m).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build storage: %w", err)
	}

	st := memcache.NewStorage(engine, timeType, time.Now)
	owner := newEngineOwner(engine, cfg.Seg.ExpireInterval)
	maxValue := min(cfg.Buf.MaxSize, seg.MaxValueLen)

	svc := service{
		name:     "segcache",
		newCodec: func() protocol.Codec { return memcache.NewCodec(maxValue, Version) },
		invalid:  memcache.ErrorResponseFor,
	}
	if cfg.Worker.Threads == 1 {
		svc.executor = st
	}

	p, err := build(cfg, m, svc, st, owner)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	p.engine = engine
	return p, nil
}

// NewPingserver builds a process answering PING with PONG
func NewPingserver(cfg common.ServerConfig, m *common.Metrics) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = common.NewMetrics()
	}
	svc := service{
		name:     "pingserver",
		newCodec: func() protocol.Codec { return ping.Codec{} },
		executor: ping.Codec{},
	}
	return build(cfg, m, svc, nil, nil)
}

// NewProxy builds a memcache front end forwarding to an upstream cache
func NewProxy(cfg common.ServerConfig, m *common.Metrics) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = common.NewMetrics()
	}
	backend, err := proxy.NewBackend(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	svc := service{
		name:     "proxy",
		newCodec: func() protocol.Codec { return memcache.NewCodec(cfg.Buf.MaxSize, Version) },
		invalid:  memcache.ErrorResponseFor,
		executor: proxy.NewExecutor(backend, cfg.Proxy.Timeout, m),
	}
	p, err := build(cfg, m, svc, nil, nil)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	p.backend = backend
	return p, nil
}

// build creates the roles of a process. When svc has no executor the
// requests run on a storage goroutine through storageExec.
func build(cfg common.ServerConfig, m *common.Metrics, svc service, storageExec protocol.Executor, owner *engineOwner) (p *Process, err error) {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	tlsConfig, err := transport.NewTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	p = &Process{
		name:     svc.name,
		cfg:      cfg,
		metrics:  m,
		sessions: xsync.NewMapOf[uint64, SessionInfo](),
		done:     make(chan struct{}),
	}
	defer func() {
		if err != nil && p != nil {
			p.release()
		}
	}()

	for i := 0; i < cfg.Worker.Threads; i++ {
		w, err := newWorker(i, cfg, svc, m, p.sessions)
		if err != nil {
			return p, fmt.Errorf("failed to create worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}

	workerWakers := make([]queues.Waker, len(p.workers))
	for i, w := range p.workers {
		workerWakers[i] = w.waker
	}

	if svc.executor == nil {
		p.storage, err = newStorage(cfg, storageExec, owner, m)
		if err != nil {
			return p, fmt.Errorf("failed to create storage: %w", err)
		}
		toStorage, fromWorkers := queues.New[storageRequest, storageResponse](
			workerWakers, []queues.Waker{p.storage.waker}, cfg.Worker.QueueDepth)
		for i, w := range p.workers {
			w.toStorage = toStorage[i]
		}
		p.storage.queue = fromWorkers[0]
	} else if owner != nil {
		owner.waker = p.workers[0].waker
		p.workers[0].owner = owner
	}

	p.listener, err = newListener(cfg, tlsConfig, m, p.sessions)
	if err != nil {
		return p, fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr(), err)
	}
	toWorkers, fromListener := queues.New[*transport.Session, struct{}](
		[]queues.Waker{p.listener.waker}, workerWakers, cfg.Worker.QueueDepth)
	p.listener.toWorkers = toWorkers[0]
	for i, w := range p.workers {
		w.fromListener = fromListener[i]
	}

	if cfg.Admin.Enabled {
		p.admin, err = newAdmin(cfg.Admin, m, p.sessions, owner)
		if err != nil {
			return p, fmt.Errorf("failed to start admin on %s: %w", cfg.Admin.Addr(), err)
		}
	}
	return p, nil
}

// Addr returns the address clients connect to
func (p *Process) Addr() net.Addr {
	addr, err := transport.LocalAddr(p.listener.fd)
	if err != nil {
		return nil
	}
	return addr
}

// AdminAddr returns the admin address, nil when disabled
func (p *Process) AdminAddr() net.Addr {
	if p.admin == nil {
		return nil
	}
	return p.admin.Addr()
}

// Metrics returns the registry of this process
func (p *Process) Metrics() *common.Metrics { return p.metrics }

// Sessions returns a snapshot of the open sessions
func (p *Process) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, p.sessions.Size())
	p.sessions.Range(func(_ uint64, info SessionInfo) bool {
		out = append(out, info)
		return true
	})
	return out
}

// Run starts every role and blocks until ctx is done or Shutdown is called
func (p *Process) Run(ctx context.Context) error {
	Logger.Infof("starting %s on %s with %d workers", p.name, p.cfg.Server.Addr(), len(p.workers))
	Logger.Infof(p.cfg.String())

	if p.storage != nil {
		p.spawn(p.storage.run)
	}
	for _, w := range p.workers {
		p.spawn(w.run)
	}
	p.spawn(p.listener.run)
	if p.admin != nil {
		p.spawn(p.admin.run)
	}

	select {
	case <-ctx.Done():
	case <-p.done:
	}

	p.stop()
	p.wg.Wait()
	p.release()
	Logger.Infof("%s stopped", p.name)
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Shutdown makes Run return
func (p *Process) Shutdown() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Process) spawn(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// stop signals every role and wakes it
func (p *Process) stop() {
	p.Shutdown()
	if p.admin != nil {
		p.admin.shutdown()
	}
	p.listener.stop.Store(true)
	_ = p.listener.waker.Wake()
	for _, w := range p.workers {
		w.stop.Store(true)
		_ = w.waker.Wake()
	}
	if p.storage != nil {
		p.storage.stop.Store(true)
		_ = p.storage.waker.Wake()
	}
}

// release frees what the role goroutines do not own
func (p *Process) release() {
	if p.listener != nil {
		p.listener.close()
		p.listener = nil
	}
	if p.engine != nil {
		if err := p.engine.Close(); err != nil {
			Logger.Warningf("failed to close storage: %v", err)
		}
		p.engine = nil
	}
	if p.backend != nil {
		_ = p.backend.Close()
		p.backend = nil
	}
}
