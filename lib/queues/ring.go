// Package queues provides the bounded lock-free channels connecting the
// listener, the workers and the storage goroutine.
//
// Features and Guarantees:
//
//   - Lock-Free: slots are claimed with a single CAS on a sequence counter
//   - Bounded: capacity is fixed at creation, a full ring rejects the push
//   - Non-Blocking: TryPush and TryPop never wait, callers decide what to do
//     on a full or empty ring
//   - FIFO per producer: values pushed by one goroutine are popped in order
package queues

import (
	"runtime"
	"sync/atomic"
)

type slot[T any] struct {
	seq   atomic.Uint64
	value T
}

// cache line padding between the producer and consumer counters
type pad [64]byte

// Ring is a bounded multi-producer multi-consumer queue. Every slot carries
// a sequence number telling producers and consumers whose turn it is.
type Ring[T any] struct {
	mask  uint64
	slots []slot[T]
	_     pad
	head  atomic.Uint64 // next position to pop
	_     pad
	tail  atomic.Uint64 // next position to push
	_     pad
}

// NewRing creates a ring holding at least capacity values. The capacity is
// rounded up to a power of two.
func NewRing[T any](capacity int) *Ring[T] {
	size := 1
	for size < capacity {
		size <<= 1
	}
	r := &Ring[T]{
		mask:  uint64(size - 1),
		slots: make([]slot[T], size),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Cap returns the capacity of the ring
func (r *Ring[T]) Cap() int { return len(r.slots) }

// TryPush appends value. It returns false if the ring is full.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (r *Ring[T]) TryPush(value T) bool {
	var backoff uint8
	pos := r.tail.Load()
	for {
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		switch diff := int64(seq) - int64(pos); {
		case diff == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				s.value = value
				s.seq.Store(pos + 1)
				return true
			}
		case diff < 0:
			return false
		}

		// another producer won the slot, back off before retrying
		if backoff < 6 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		pos = r.tail.Load()
	}
}

// TryPop removes the oldest value. It returns false if the ring is empty.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (r *Ring[T]) TryPop() (T, bool) {
	var zero T
	pos := r.head.Load()
	for {
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		switch diff := int64(seq) - int64(pos+1); {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				value := s.value
				s.value = zero
				s.seq.Store(pos + r.mask + 1)
				return value, true
			}
		case diff < 0:
			return zero, false
		}
		runtime.Gosched()
		pos = r.head.Load()
	}
}

// Len returns an approximate number of queued values
func (r *Ring[T]) Len() int {
	tail, head := r.tail.Load(), r.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}
