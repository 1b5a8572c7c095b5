// Package server runs the cache processes: segcache, pingserver and proxy.
//
// A process is made of a fixed set of goroutines, each pinned to an OS
// thread and sleeping in its own poller:
//
//   - the listener accepts connections, completes TLS handshakes and hands
//     sessions to the workers round robin
//   - the workers own sessions, parse requests and write replies
//   - with more than one worker, a storage goroutine owns the engine and
//     executes the requests the workers forward to it
//
// The goroutines talk through bounded rings from the queues package. A
// sender wakes the receiving poller after it is done sending.
//
// Usage Example:
//
//	cfg := common.DefaultServerConfig()
//	cfg.Worker.Threads = 4
//
//	p, err := server.NewSegcache(cfg, nil)
//	if err != nil {
//	  panic(err)
//	}
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	if err := p.Run(ctx); err != nil {
//	  panic(err)
//	}
//
// An HTTP admin endpoint serves /metrics in the Prometheus text format,
// /vars as JSON, /seg with the engine state, /sessions and the pprof
// handlers.
package server
