package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/twitter/pelikan-sub003/rpc/common"
	"github.com/twitter/pelikan-sub003/rpc/protocol"
	"github.com/twitter/pelikan-sub003/rpc/transport/poll"
)

// readChunk is the free space a fill asks for before each read
const readChunk = 4096

// State is the lifecycle state of a session
type State uint8

const (
	StateHandshaking State = iota
	StateEstablished
	// StateHalfClosed means the peer stopped sending, pending replies are still written
	StateHalfClosed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateHalfClosed:
		return "half-closed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// sessionCounters are the metric handles shared by all sessions
type sessionCounters struct {
	recv, recvByte common.Counter
	send, sendByte common.Counter
	close          common.Counter
	current        *common.Gauge
}

// SessionFactory creates sessions sharing buffer sizes and metrics
type SessionFactory struct {
	bufSize, maxSize int
	counters         sessionCounters
}

// NewSessionFactory creates a factory. m may be nil.
func NewSessionFactory(buf common.BufConfig, m *common.Metrics) *SessionFactory {
	if m == nil {
		m = common.NewMetrics()
	}
	return &SessionFactory{
		bufSize: buf.Size,
		maxSize: buf.MaxSize,
		counters: sessionCounters{
			recv:     m.RuntimeCounter(common.MetricSessionRecv),
			recvByte: m.RuntimeCounter(common.MetricSessionRecvByte),
			send:     m.RuntimeCounter(common.MetricSessionSend),
			sendByte: m.RuntimeCounter(common.MetricSessionSendByte),
			close:    m.RuntimeCounter(common.MetricSessionClose),
			current:  m.RuntimeGauge(common.MetricSessionCurrent),
		},
	}
}

// New wraps an established stream in a session
func (f *SessionFactory) New(id uint64, stream Stream) *Session {
	f.counters.current.Add(1)
	return &Session{
		id:       id,
		stream:   stream,
		read:     protocol.NewBuffer(f.bufSize, f.maxSize),
		write:    protocol.NewBuffer(f.bufSize, f.maxSize),
		state:    StateEstablished,
		bufSize:  f.bufSize,
		counters: &f.counters,
	}
}

// Session is one client connection.
//
// Thread-safety: a session is owned by one goroutine at a time; ownership
// moves from the listener to a worker through a queue.
type Session struct {
	id       uint64
	stream   Stream
	read     *protocol.Buffer
	write    *protocol.Buffer
	state    State
	bufSize  int
	counters *sessionCounters
}

// ID returns the session token
func (s *Session) ID() uint64 { return s.id }

// SetID changes the session token, used when a worker adopts the session
func (s *Session) SetID(id uint64) { s.id = id }

// Fd returns the socket to register in a poller
func (s *Session) Fd() int { return s.stream.Fd() }

// State returns the lifecycle state
func (s *Session) State() State { return s.state }

// Fill reads from the stream until it would block. It returns the number of
// bytes read, io.EOF once the peer closed its side, and ErrBufferFull when
// the read buffer is at its maximum and nothing could be read.
func (s *Session) Fill() (int, error) {
	total := 0
	for {
		space, err := s.read.Free(readChunk)
		if err != nil {
			if space, err = s.read.Free(1); err != nil {
				if total > 0 {
					return total, nil
				}
				return 0, fmt.Errorf("session %d: %w", s.id, protocol.ErrBufferFull)
			}
		}
		n, err := s.stream.Read(space)
		if n > 0 {
			s.read.Commit(n)
			total += n
			s.counters.recv.Inc()
			s.counters.recvByte.Add(n)
		}
		switch {
		case errors.Is(err, ErrWouldBlock), n == 0 && err == nil:
			return total, nil
		case errors.Is(err, io.EOF):
			s.state = StateHalfClosed
			return total, io.EOF
		case err != nil:
			return total, err
		}
	}
}

// Input returns the unparsed bytes
func (s *Session) Input() []byte { return s.read.Bytes() }

// Consume drops n parsed bytes
func (s *Session) Consume(n int) { s.read.Consume(n) }

// Output returns the buffer responses are composed into
func (s *Session) Output() *protocol.Buffer { return s.write }

// PendingWrite reports whether composed bytes still wait to be written
func (s *Session) PendingWrite() bool { return s.write.Len() > 0 || s.stream.Pending() }

// Flush writes buffered output until the stream would block
func (s *Session) Flush() error {
	for s.write.Len() > 0 {
		n, err := s.stream.Write(s.write.Bytes())
		if n > 0 {
			s.write.Consume(n)
			s.counters.send.Inc()
			s.counters.sendByte.Add(n)
		}
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := s.stream.Flush(); err != nil && !errors.Is(err, ErrWouldBlock) {
		return err
	}
	if s.write.Len() == 0 {
		s.write.Shrink(s.bufSize)
	}
	if s.read.Len() == 0 {
		s.read.Shrink(s.bufSize)
	}
	return nil
}

// Interest returns the readiness the session waits for
func (s *Session) Interest() poll.Interest {
	interest := poll.Readable
	if s.state == StateHalfClosed {
		interest = 0
	}
	if s.PendingWrite() {
		interest |= poll.Writable
	}
	if interest == 0 {
		return poll.Readable
	}
	return interest
}

// Close releases the socket
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.counters.close.Inc()
	s.counters.current.Add(-1)
	return s.stream.Close()
}
