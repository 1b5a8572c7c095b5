//go:build linux

package poll

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Poller is an epoll instance.
//
// Thread-safety: Register, Reregister and Deregister may be called from any
// goroutine, Wait only from the owning one.
type Poller struct {
	epfd   int
	events []unix.EpollEvent
}

// New creates a poller able to report up to nevent events per Wait
func New(nevent int) (*Poller, error) {
	if nevent <= 0 {
		nevent = 1024
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create: %w", err)
	}
	return &Poller{epfd: fd, events: make([]unix.EpollEvent, nevent)}, nil
}

func epollEvent(token uint64, interest Interest) unix.EpollEvent {
	ev := unix.EpollEvent{Fd: int32(token), Pad: int32(token >> 32)}
	if interest&Readable != 0 {
		ev.Events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	return ev
}

// Register starts watching fd
func (p *Poller) Register(fd int, token uint64, interest Interest) error {
	ev := epollEvent(token, interest)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Reregister changes the interest of a registered fd
func (p *Poller) Reregister(fd int, token uint64, interest Interest) error {
	ev := epollEvent(token, interest)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Deregister stops watching fd
func (p *Poller) Deregister(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one registration is ready or timeout passes.
// The returned events are valid until the next call.
func (p *Poller) Wait(out []Event, timeout time.Duration) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, msec(timeout))
	if errors.Is(err, unix.EINTR) {
		return out[:0], nil
	}
	if err != nil {
		return out[:0], fmt.Errorf("epoll_wait: %w", err)
	}
	out = out[:0]
	for _, ev := range p.events[:n] {
		out = append(out, Event{
			Token:    uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32,
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0,
		})
	}
	return out, nil
}

// Close releases the epoll instance
func (p *Poller) Close() error { return unix.Close(p.epfd) }

// Waker is an eventfd registered in a poller
type Waker struct {
	fd int
}

// NewWaker creates a waker and registers it in p under token
func NewWaker(p *Poller, token uint64) (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := p.Register(fd, token, Readable); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("register waker: %w", err)
	}
	return &Waker{fd: fd}, nil
}

// Wake makes the owning poller's Wait return
func (w *Waker) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	// a saturated counter is already pending
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

// Reset drains pending wakeups
func (w *Waker) Reset() error {
	var buf [8]byte
	_, err := unix.Read(w.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

// Close releases the eventfd
func (w *Waker) Close() error { return unix.Close(w.fd) }
