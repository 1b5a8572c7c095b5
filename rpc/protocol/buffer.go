package protocol

import (
	"errors"
)

// ErrBufferFull is returned when a buffer would have to grow past its limit
var ErrBufferFull = errors.New("buffer full")

// Buffer is a growable byte buffer with separate read and write positions.
// Data is appended at the tail and consumed from the head. The capacity
// doubles on demand up to a fixed maximum.
type Buffer struct {
	buf  []byte
	r, w int
	max  int
}

// NewBuffer creates a buffer with the given initial and maximum capacity
func NewBuffer(size, max int) *Buffer {
	if max < size {
		max = size
	}
	return &Buffer{buf: make([]byte, size), max: max}
}

// Len returns the number of unread bytes
func (b *Buffer) Len() int { return b.w - b.r }

// Cap returns the current capacity
func (b *Buffer) Cap() int { return len(b.buf) }

// Bytes returns the unread bytes. The slice is valid until the next write.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Consume marks n unread bytes as read
func (b *Buffer) Consume(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Reset drops all data
func (b *Buffer) Reset() { b.r, b.w = 0, 0 }

// Free returns writable space at the tail, making room for at least n bytes
// by compacting or growing. ErrBufferFull means n bytes can not be made
// available without exceeding the maximum.
func (b *Buffer) Free(n int) ([]byte, error) {
	if len(b.buf)-b.w >= n {
		return b.buf[b.w:], nil
	}
	if b.r > 0 {
		copy(b.buf, b.buf[b.r:b.w])
		b.w -= b.r
		b.r = 0
		if len(b.buf)-b.w >= n {
			return b.buf[b.w:], nil
		}
	}
	size := len(b.buf)
	if size == 0 {
		size = 64
	}
	for size-b.w < n {
		size *= 2
	}
	if size > b.max {
		if b.max-b.w < n {
			return nil, ErrBufferFull
		}
		size = b.max
	}
	grown := make([]byte, size)
	copy(grown, b.buf[:b.w])
	b.buf = grown
	return b.buf[b.w:], nil
}

// Commit marks n bytes of the slice returned by Free as written
func (b *Buffer) Commit(n int) { b.w += n }

// Write appends p. Writes are not bounded by the maximum: responses are
// composed in full and drained by the session.
func (b *Buffer) Write(p []byte) (int, error) {
	b.ensure(len(p))
	b.w += copy(b.buf[b.w:], p)
	return len(p), nil
}

// WriteString appends s
func (b *Buffer) WriteString(s string) (int, error) {
	b.ensure(len(s))
	b.w += copy(b.buf[b.w:], s)
	return len(s), nil
}

// WriteByte appends c
func (b *Buffer) WriteByte(c byte) error {
	b.ensure(1)
	b.buf[b.w] = c
	b.w++
	return nil
}

// ensure makes room for n bytes ignoring the maximum
func (b *Buffer) ensure(n int) {
	if _, err := b.Free(n); err == nil {
		return
	}
	grown := make([]byte, 2*(b.w+n))
	copy(grown, b.buf[:b.w])
	b.buf = grown
}

// Shrink returns an empty buffer to its initial size when it has grown
// beyond it
func (b *Buffer) Shrink(size int) {
	if b.Len() == 0 && len(b.buf) > size {
		b.buf = make([]byte, size)
		b.r, b.w = 0, 0
	}
}
