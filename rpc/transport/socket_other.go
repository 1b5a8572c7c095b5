//go:build !linux

package transport

import (
	"errors"
	"net"
)

var errUnsupported = errors.New("transport: raw sockets are only supported on linux")

func Listen(string, int) (int, error)      { return -1, errUnsupported }
func LocalAddr(int) (net.Addr, error)      { return nil, errUnsupported }
func Accept(int) (int, error)              { return -1, errUnsupported }
func CloseFd(int) error                    { return errUnsupported }
func NewPlainStream(int) Stream            { return nil }
func readFd(int, []byte) (int, error)      { return 0, errUnsupported }
func writeFd(int, []byte) (int, error)     { return 0, errUnsupported }
func waitFd(int, int16, int) (bool, error) { return false, errUnsupported }

const (
	pollIn  = 0x1
	pollOut = 0x4
)
