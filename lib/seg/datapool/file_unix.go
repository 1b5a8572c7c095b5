//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package datapool

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type file struct {
	f    *os.File
	data []byte
}

// OpenFile maps path as a pool of size bytes. A missing file is created and
// truncated to size. With prefault every page is touched once so later
// writes do not fault.
func OpenFile(path string, size int, prefault bool) (Datapool, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("datapool: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("datapool: stat %s: %w", path, err)
	}

	switch {
	case info.Size() == 0:
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("datapool: truncate %s: %w", path, err)
		}
	case info.Size() != int64(size):
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, path, info.Size(), size)
	default:
		Logger.Infof("reusing datapool file %s (%d bytes)", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("datapool: mmap %s: %w", path, err)
	}

	if prefault {
		pageSize := os.Getpagesize()
		for i := 0; i < len(data); i += pageSize {
			data[i] |= 0
		}
	}

	return &file{f: f, data: data}, nil
}

func (p *file) Bytes() []byte { return p.data }

func (p *file) Flush() error {
	if p.data == nil {
		return nil
	}
	return unix.Msync(p.data, unix.MS_SYNC)
}

func (p *file) Close() error {
	if p.data == nil {
		return nil
	}
	err := unix.Munmap(p.data)
	p.data = nil
	if cerr := p.f.Close(); err == nil {
		err = cerr
	}
	return err
}
