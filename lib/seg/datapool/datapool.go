// Package datapool provides the raw byte arena backing the segment heap.
//
// A Datapool is either anonymous memory or a file mapped into memory. The
// file layout is simply the segment arena: no header, no metadata. A file
// is sized on creation; reopening it with a different size fails with
// ErrSizeMismatch.
package datapool

import (
	"errors"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("seg")

	// ErrSizeMismatch is returned when an existing pool file has a different size than requested
	ErrSizeMismatch = errors.New("datapool: size mismatch")
	// ErrUnsupported is returned on platforms without memory mapped files
	ErrUnsupported = errors.New("datapool: file backed pools are not supported on this platform")
	// ErrInvalidSize is returned for non-positive sizes
	ErrInvalidSize = errors.New("datapool: invalid size")
)

// Datapool is a fixed-size byte arena
type Datapool interface {
	// Bytes returns the whole arena. The slice is valid until Close.
	Bytes() []byte
	// Flush persists the arena if it is file backed
	Flush() error
	// Close releases the arena
	Close() error
}

// --------------------------------------------------------------------------
// Memory
// --------------------------------------------------------------------------

type memory struct {
	data []byte
}

// NewMemory allocates an anonymous pool of size bytes
func NewMemory(size int) (Datapool, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	return &memory{data: make([]byte, size)}, nil
}

func (m *memory) Bytes() []byte { return m.data }

func (m *memory) Flush() error { return nil }

func (m *memory) Close() error {
	m.data = nil
	return nil
}

// Open returns a file backed pool when path is set, otherwise an anonymous one
func Open(path string, size int, prefault bool) (Datapool, error) {
	if path == "" {
		return NewMemory(size)
	}
	return OpenFile(path, size, prefault)
}
