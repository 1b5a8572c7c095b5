//go:build !linux

package poll

import "time"

// Poller is unavailable on this platform
type Poller struct{}

// New always fails with ErrUnsupported
func New(int) (*Poller, error) { return nil, ErrUnsupported }

func (*Poller) Register(int, uint64, Interest) error   { return ErrUnsupported }
func (*Poller) Reregister(int, uint64, Interest) error { return ErrUnsupported }
func (*Poller) Deregister(int) error                   { return ErrUnsupported }
func (*Poller) Wait(out []Event, _ time.Duration) ([]Event, error) {
	return out[:0], ErrUnsupported
}
func (*Poller) Close() error { return nil }

// Waker is unavailable on this platform
type Waker struct{}

// NewWaker always fails with ErrUnsupported
func NewWaker(*Poller, uint64) (*Waker, error) { return nil, ErrUnsupported }

func (*Waker) Wake() error  { return ErrUnsupported }
func (*Waker) Reset() error { return ErrUnsupported }
func (*Waker) Close() error { return nil }
