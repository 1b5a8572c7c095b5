// Package poll provides the readiness poller and the cross goroutine waker
// used by the listener, worker and storage event loops.
//
// A Poller watches file descriptors and reports readiness as events keyed
// by caller chosen tokens. Readiness is level triggered: an fd keeps being
// reported while it stays readable or writable. A Waker is registered in a
// poller under its own token and makes a blocked Wait return from any
// goroutine.
package poll

import (
	"errors"
	"time"
)

// ErrUnsupported is returned on platforms without an event poller
var ErrUnsupported = errors.New("poll: unsupported platform")

// Interest is the readiness a registration waits for
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable

	Both = Readable | Writable
)

// Event reports the readiness of one registration
type Event struct {
	Token    uint64
	Readable bool
	Writable bool
	// Hangup is set when the peer closed its side or the fd errored
	Hangup bool
}

// msec converts a poll timeout, negative means wait forever
func msec(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := int((timeout + time.Millisecond - 1) / time.Millisecond)
	return ms
}
