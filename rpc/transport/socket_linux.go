//go:build linux

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Listen opens a non-blocking listening socket. Addresses starting with a
// slash are unix socket paths, everything else is host:port.
func Listen(address string, backlog int) (int, error) {
	var (
		family int
		sa     unix.Sockaddr
	)
	if strings.HasPrefix(address, "/") {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return -1, fmt.Errorf("failed to remove stale socket: %w", err)
		}
		family, sa = unix.AF_UNIX, &unix.SockaddrUnix{Name: address}
	} else {
		addr, err := net.ResolveTCPAddr("tcp", address)
		if err != nil {
			return -1, err
		}
		if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
			in4 := &unix.SockaddrInet4{Port: addr.Port}
			copy(in4.Addr[:], ip4)
			family, sa = unix.AF_INET, in4
		} else {
			in6 := &unix.SockaddrInet6{Port: addr.Port}
			copy(in6.Addr[:], addr.IP.To16())
			family, sa = unix.AF_INET6, in6
		}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	fail := func(op string, err error) (int, error) {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("%s %s: %w", op, address, err)
	}
	unix.CloseOnExec(fd)
	if family != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fail("setsockopt", err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set nonblock", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}
	return fd, nil
}

// LocalAddr returns the bound address of a listening socket
func LocalAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}, nil
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: "unix"}, nil
	}
	return nil, fmt.Errorf("unexpected socket address %T", sa)
}

// Accept takes one pending connection off a listening socket. It returns
// ErrWouldBlock when none is pending. The new socket is non-blocking.
func Accept(listener int) (int, error) {
	for {
		fd, sa, err := unix.Accept(listener)
		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return -1, ErrWouldBlock
		case err != nil:
			return -1, err
		}
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
		if _, ok := sa.(*unix.SockaddrUnix); !ok {
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}
		return fd, nil
	}
}

// CloseFd closes a raw socket
func CloseFd(fd int) error { return unix.Close(fd) }

// readFd reads into p, mapping EAGAIN to ErrWouldBlock and a zero read to io.EOF
func readFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// writeFd writes p, mapping EAGAIN to ErrWouldBlock
func writeFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

// waitFd blocks until fd is ready for the given poll events or ms passes
func waitFd(fd int, events int16, ms int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n > 0, err
	}
}

const (
	pollIn  = unix.POLLIN
	pollOut = unix.POLLOUT
)

// --------------------------------------------------------------------------
// Plain stream
// --------------------------------------------------------------------------

type plainStream struct {
	fd int
}

// NewPlainStream wraps a non-blocking socket
func NewPlainStream(fd int) Stream { return &plainStream{fd: fd} }

func (s *plainStream) Read(p []byte) (int, error)  { return readFd(s.fd, p) }
func (s *plainStream) Write(p []byte) (int, error) { return writeFd(s.fd, p) }
func (s *plainStream) Flush() error                { return nil }
func (s *plainStream) Pending() bool               { return false }
func (s *plainStream) Fd() int                     { return s.fd }
func (s *plainStream) Close() error                { return unix.Close(s.fd) }
