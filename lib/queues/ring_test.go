package queues

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestBasicOperations tests push and pop on a single goroutine
func TestBasicOperations(t *testing.T) {
	r := NewRing[int](5)
	if r.Cap() != 8 {
		t.Fatalf("capacity should round up to 8, got %d", r.Cap())
	}

	for i := 0; i < 8; i++ {
		if !r.TryPush(i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}
	if r.TryPush(99) {
		t.Fatal("push into a full ring must fail")
	}
	if r.Len() != 8 {
		t.Errorf("expected 8 queued values, got %d", r.Len())
	}

	for i := 0; i < 8; i++ {
		v, ok := r.TryPop()
		if !ok || v != i {
			t.Fatalf("expected %d, got %d (%v)", i, v, ok)
		}
	}
	if _, ok := r.TryPop(); ok {
		t.Error("pop from an empty ring must fail")
	}

	// wrap around
	for i := 0; i < 20; i++ {
		r.TryPush(i)
		if v, _ := r.TryPop(); v != i {
			t.Fatalf("expected %d after wrap, got %d", i, v)
		}
	}
}

// TestConcurrentProducers verifies that every pushed value is popped exactly once
// and that values of one producer keep their order
func TestConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 5000

	type msg struct{ producer, seq int }
	r := NewRing[msg](256)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; {
				if r.TryPush(msg{p, i}) {
					i++
				}
			}
		}(p)
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for n := 0; n < producers*perProducer; {
		m, ok := r.TryPop()
		if !ok {
			continue
		}
		if m.seq != last[m.producer]+1 {
			t.Fatalf("producer %d: expected %d, got %d", m.producer, last[m.producer]+1, m.seq)
		}
		last[m.producer] = m.seq
		n++
	}
	wg.Wait()

	if _, ok := r.TryPop(); ok {
		t.Error("ring should be empty")
	}
}

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() error {
	w.n.Add(1)
	return nil
}

// TestQueues tests endpoint wiring, round robin sends and wakeups
func TestQueues(t *testing.T) {
	workers := []*countingWaker{{}, {}, {}}
	storage := &countingWaker{}

	wWakers := []Waker{workers[0], workers[1], workers[2]}
	wq, sq := New[string, int](wWakers, []Waker{storage}, 2)

	if len(wq) != 3 || len(sq) != 1 || sq[0].Peers() != 3 {
		t.Fatalf("unexpected topology %d/%d", len(wq), len(sq))
	}

	// every worker sends to storage
	for i, q := range wq {
		if err := q.TrySendTo(0, "req"); err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
		if err := q.Wake(); err != nil {
			t.Fatal(err)
		}
	}
	if storage.n.Load() != 3 {
		t.Errorf("storage should be woken 3 times, got %d", storage.n.Load())
	}

	var senders []int
	for _, m := range sq[0].TryRecvAll(nil, 10) {
		senders = append(senders, m.Sender)
		if err := sq[0].TrySendTo(m.Sender, len(m.Value)); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]int{0, 1, 2}, senders); diff != "" {
		t.Errorf("senders (-want +got):\n%s", diff)
	}

	_ = sq[0].Wake()
	_ = sq[0].Wake() // nothing pending
	for i, w := range workers {
		if w.n.Load() != 1 {
			t.Errorf("worker %d woken %d times", i, w.n.Load())
		}
		if got, ok := wq[i].TryRecv(); !ok || got.Value != 3 || got.Sender != 0 {
			t.Errorf("worker %d: unexpected response %+v", i, got)
		}
	}

	t.Run("Backpressure", func(t *testing.T) {
		q := wq[0]
		for i := 0; i < 2; i++ {
			if err := q.TrySendTo(0, "x"); err != nil {
				t.Fatal(err)
			}
		}
		if err := q.TrySendTo(0, "x"); !errors.Is(err, ErrFull) {
			t.Errorf("expected ErrFull, got %v", err)
		}
		if _, err := q.TrySendAny("x"); !errors.Is(err, ErrFull) {
			t.Errorf("expected ErrFull, got %v", err)
		}
		if err := q.TrySendTo(5, "x"); err == nil {
			t.Error("sending to an unknown peer must fail")
		}
	})

	t.Run("SendAny", func(t *testing.T) {
		lq, _ := New[int, int]([]Waker{storage}, wWakers, 4)
		var peers []int
		for i := 0; i < 6; i++ {
			p, err := lq[0].TrySendAny(i)
			if err != nil {
				t.Fatal(err)
			}
			peers = append(peers, p)
		}
		if diff := cmp.Diff([]int{0, 1, 2, 0, 1, 2}, peers); diff != "" {
			t.Errorf("round robin (-want +got):\n%s", diff)
		}
	})
}

func BenchmarkRing(b *testing.B) {
	r := NewRing[int](1024)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if r.TryPush(1) {
				r.TryPop()
			}
		}
	})
}
