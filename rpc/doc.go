// Package rpc holds the network side of the cache servers, everything
// between a client socket and the storage engine.
//
// The package is organized into several subpackages:
//
//   - common: server configuration, logging and the metrics registry.
//
//   - protocol: the request and response model, read and write buffers, and
//     the memcache and ping codecs.
//
//   - transport: epoll based readiness polling, plain and TLS streams, and
//     the Session type pairing a stream with its buffers.
//
//   - server: the listener, worker and storage goroutines, the admin
//     endpoint and the Process that wires them together.
//
//   - proxy: upstream memcache and redis backends for the proxy server.
package rpc
