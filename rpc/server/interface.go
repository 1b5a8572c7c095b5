package server

import (
	"github.com/twitter/pelikan-sub003/rpc/protocol"
)

// service describes what a process speaks and where requests execute
type service struct {
	name string

	// newCodec returns the codec of one worker
	newCodec func() protocol.Codec

	// invalid builds the reply sent before a session is closed for
	// unparseable input, nil closes without a reply
	invalid func(err error) protocol.Response

	// executor runs requests on the workers. It is nil when requests are
	// sent to the storage goroutine instead.
	executor protocol.Executor
}

// SessionInfo describes one open client session
type SessionInfo struct {
	ID       uint64 `json:"id"`
	Worker   int    `json:"worker"`
	TLS      bool   `json:"tls"`
	OpenedAt int64  `json:"opened_at"`
}

// storageRequest travels from a worker to the storage goroutine
type storageRequest struct {
	session uint64
	req     protocol.Request
	sentAt  int64
}

// storageResponse travels back to the worker owning the session
type storageResponse struct {
	session uint64
	req     protocol.Request
	resp    protocol.Response
}

const (
	wakerToken    = ^uint64(0)
	listenerToken = ^uint64(0) - 1
)
