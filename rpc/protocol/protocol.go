package protocol

import (
	"errors"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("protocol")

var (
	// ErrIncomplete means more bytes are needed before a request can be parsed
	ErrIncomplete = errors.New("incomplete request")
	// ErrInvalid means the input can never become a valid request
	ErrInvalid = errors.New("invalid request")
)

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Kind is the command of a request
type Kind uint8

const (
	KindGet Kind = iota
	KindGets
	KindSet
	KindAdd
	KindReplace
	KindCas
	KindDelete
	KindIncr
	KindDecr
	KindFlushAll
	KindVersion
	KindQuit
	KindPing
)

var kindNames = [...]string{
	KindGet:      "get",
	KindGets:     "gets",
	KindSet:      "set",
	KindAdd:      "add",
	KindReplace:  "replace",
	KindCas:      "cas",
	KindDelete:   "delete",
	KindIncr:     "incr",
	KindDecr:     "decr",
	KindFlushAll: "flush_all",
	KindVersion:  "version",
	KindQuit:     "quit",
	KindPing:     "ping",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// IsRead reports whether the command never modifies storage
func (k Kind) IsRead() bool { return k == KindGet || k == KindGets }

// NeedsStorage reports whether the command is executed by the storage owner
func (k Kind) NeedsStorage() bool {
	switch k {
	case KindVersion, KindQuit, KindPing:
		return false
	}
	return true
}

// Request is one parsed command. It owns its byte slices so it can cross
// goroutines after the session buffer has been reused.
type Request struct {
	Kind    Kind
	Keys    [][]byte
	Value   []byte
	Flags   uint32
	Exptime int64
	Cas     uint64
	Delta   uint64
	NoReply bool
}

// Key returns the first key, or nil
func (r *Request) Key() []byte {
	if len(r.Keys) == 0 {
		return nil
	}
	return r.Keys[0]
}

// --------------------------------------------------------------------------
// Responses
// --------------------------------------------------------------------------

// Status is the outcome of a request
type Status uint8

const (
	StatusValues Status = iota
	StatusStored
	StatusNotStored
	StatusExists
	StatusNotFound
	StatusDeleted
	StatusNumber
	StatusOk
	StatusVersion
	StatusPong
	StatusClientError
	StatusServerError
	StatusError
	// StatusNone produces no output, used for noreply and quit
	StatusNone
)

// Value is one hit of a retrieval command
type Value struct {
	Key   []byte
	Data  []byte
	Flags uint32
	Cas   uint64
}

// Response is the result of executing a request
type Response struct {
	Status Status
	Values []Value
	// WithCas includes cas values in retrieval replies
	WithCas bool
	Number  uint64
	Message string
}

// ClientError builds a CLIENT_ERROR response
func ClientError(msg string) Response { return Response{Status: StatusClientError, Message: msg} }

// ServerError builds a SERVER_ERROR response
func ServerError(msg string) Response { return Response{Status: StatusServerError, Message: msg} }

// --------------------------------------------------------------------------
// Codec interfaces
// --------------------------------------------------------------------------

// Parser decodes requests from a byte stream
type Parser interface {
	// Parse decodes one request from the start of buf and returns it with the
	// number of bytes consumed. It returns ErrIncomplete when buf holds only
	// a prefix of a request, and an error wrapping ErrInvalid when buf can
	// never be parsed. On ErrInvalid the consumed count skips the bad input
	// when that is possible, zero otherwise.
	Parse(buf []byte) (Request, int, error)
}

// Composer encodes responses
type Composer interface {
	// Compose appends the wire form of resp to dst
	Compose(dst *Buffer, req *Request, resp *Response)
}

// Codec pairs a parser with its composer
type Codec interface {
	Parser
	Composer
}

// Executor runs requests against a backend and produces responses
type Executor interface {
	Execute(req *Request) Response
}
