package queues

import (
	"errors"
	"fmt"
)

// ErrFull is returned when the ring towards a peer has no room
var ErrFull = errors.New("queues: full")

// Waker interrupts a peer that may be sleeping in its poller
type Waker interface {
	Wake() error
}

// Tracked is a received value together with the index of the peer that sent it
type Tracked[T any] struct {
	Sender int
	Value  T
}

// Queues is one endpoint of a set of rings between two groups of goroutines
// (for example listener and workers, or workers and storage). It sends S
// and receives R. Each pair of endpoints shares one ring per direction.
//
// Thread-safety: an endpoint is owned by a single goroutine.
type Queues[S, R any] struct {
	id      int
	send    []*Ring[S]
	recv    []*Ring[R]
	wakers  []Waker
	pending []bool
	nextTx  int
	nextRx  int
}

// New connects every endpoint of side A with every endpoint of side B.
// aWakers wake the A goroutines, bWakers the B goroutines. The returned
// slices are indexed like the wakers.
func New[A, B any](aWakers, bWakers []Waker, capacity int) ([]*Queues[A, B], []*Queues[B, A]) {
	aSide := make([]*Queues[A, B], len(aWakers))
	bSide := make([]*Queues[B, A], len(bWakers))

	for i := range aWakers {
		aSide[i] = &Queues[A, B]{
			id:      i,
			send:    make([]*Ring[A], len(bWakers)),
			recv:    make([]*Ring[B], len(bWakers)),
			wakers:  bWakers,
			pending: make([]bool, len(bWakers)),
		}
	}
	for j := range bWakers {
		bSide[j] = &Queues[B, A]{
			id:      j,
			send:    make([]*Ring[B], len(aWakers)),
			recv:    make([]*Ring[A], len(aWakers)),
			wakers:  aWakers,
			pending: make([]bool, len(aWakers)),
		}
	}

	for i := range aWakers {
		for j := range bWakers {
			ab := NewRing[A](capacity)
			ba := NewRing[B](capacity)
			aSide[i].send[j], bSide[j].recv[i] = ab, ab
			bSide[j].send[i], aSide[i].recv[j] = ba, ba
		}
	}
	return aSide, bSide
}

// ID returns the index of this endpoint within its group
func (q *Queues[S, R]) ID() int { return q.id }

// Peers returns the number of endpoints on the other side
func (q *Queues[S, R]) Peers() int { return len(q.send) }

// TrySendTo sends value to the given peer. The peer is woken on the next Wake.
func (q *Queues[S, R]) TrySendTo(peer int, value S) error {
	if peer < 0 || peer >= len(q.send) {
		return fmt.Errorf("queues: no peer %d", peer)
	}
	if !q.send[peer].TryPush(value) {
		return ErrFull
	}
	q.pending[peer] = true
	return nil
}

// TrySendAny sends value to the next peer with room, round robin
func (q *Queues[S, R]) TrySendAny(value S) (int, error) {
	for n := 0; n < len(q.send); n++ {
		peer := (q.nextTx + n) % len(q.send)
		if q.send[peer].TryPush(value) {
			q.pending[peer] = true
			q.nextTx = peer + 1
			return peer, nil
		}
	}
	return -1, ErrFull
}

// TryRecv returns the next value from any peer, round robin
func (q *Queues[S, R]) TryRecv() (Tracked[R], bool) {
	for n := 0; n < len(q.recv); n++ {
		peer := (q.nextRx + n) % len(q.recv)
		if value, ok := q.recv[peer].TryPop(); ok {
			q.nextRx = peer + 1
			return Tracked[R]{Sender: peer, Value: value}, true
		}
	}
	return Tracked[R]{}, false
}

// TryRecvAll appends up to max received values to buf
func (q *Queues[S, R]) TryRecvAll(buf []Tracked[R], max int) []Tracked[R] {
	for i := 0; i < max; i++ {
		t, ok := q.TryRecv()
		if !ok {
			break
		}
		buf = append(buf, t)
	}
	return buf
}

// Wake wakes every peer that was sent to since the last call
func (q *Queues[S, R]) Wake() error {
	var errs []error
	for peer, pending := range q.pending {
		if !pending {
			continue
		}
		q.pending[peer] = false
		if err := q.wakers[peer].Wake(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
