package transport

import (
	"errors"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport")

// wouldBlock reports itself as a temporary net.Error so crypto/tls keeps
// the connection usable after it surfaces from a read
type wouldBlock struct{}

func (wouldBlock) Error() string   { return "operation would block" }
func (wouldBlock) Timeout() bool   { return true }
func (wouldBlock) Temporary() bool { return true }

var (
	// ErrWouldBlock means the socket is not ready, retry after the next readiness event
	ErrWouldBlock error = wouldBlock{}
	// ErrHandshakeTimeout is returned when a TLS handshake does not finish in time
	ErrHandshakeTimeout = errors.New("tls handshake timed out")
)

// Stream is a non-blocking byte stream.
//
// Read and Write return ErrWouldBlock instead of blocking. Write may accept
// bytes into an internal buffer; Flush drains it and Pending reports
// whether anything is left.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Pending() bool
	// Fd returns the socket to register in a poller
	Fd() int
	Close() error
}
