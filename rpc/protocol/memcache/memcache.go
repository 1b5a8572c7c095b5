// Package memcache implements the memcache ASCII protocol.
package memcache

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/twitter/pelikan-sub003/rpc/protocol"
)

const (
	MaxKeySize     = 250
	MaxCommandSize = 1 << 12

	Separator     = "\r\n"
	NoReplyOption = "noreply"

	ValueResponse       = "VALUE"
	EndResponse         = "END"
	StoredResponse      = "STORED"
	NotStoredResponse   = "NOT_STORED"
	ExistsResponse      = "EXISTS"
	NotFoundResponse    = "NOT_FOUND"
	DeletedResponse     = "DELETED"
	OkResponse          = "OK"
	VersionResponse     = "VERSION"
	ErrorResponse       = "ERROR"
	ClientErrorResponse = "CLIENT_ERROR"
	ServerErrorResponse = "SERVER_ERROR"
)

var (
	separatorBytes = []byte(Separator)

	commands = map[string]protocol.Kind{
		"get":       protocol.KindGet,
		"gets":      protocol.KindGets,
		"set":       protocol.KindSet,
		"add":       protocol.KindAdd,
		"replace":   protocol.KindReplace,
		"cas":       protocol.KindCas,
		"delete":    protocol.KindDelete,
		"incr":      protocol.KindIncr,
		"decr":      protocol.KindDecr,
		"flush_all": protocol.KindFlushAll,
		"version":   protocol.KindVersion,
		"quit":      protocol.KindQuit,
	}
)

// InvalidError describes input that can not be parsed. Unknown commands are
// answered with ERROR, everything else with CLIENT_ERROR.
type InvalidError struct {
	Unknown bool
	Msg     string
}

func (e *InvalidError) Error() string { return e.Msg }

// Unwrap makes errors.Is(err, protocol.ErrInvalid) hold
func (e *InvalidError) Unwrap() error { return protocol.ErrInvalid }

func invalid(format string, args ...interface{}) error {
	return &InvalidError{Msg: fmt.Sprintf(format, args...)}
}

// ErrorResponseFor maps a parse error to the reply sent before closing
func ErrorResponseFor(err error) protocol.Response {
	var ie *InvalidError
	if errors.As(err, &ie) {
		if ie.Unknown {
			return protocol.Response{Status: protocol.StatusError}
		}
		return protocol.ClientError(ie.Msg)
	}
	return protocol.ClientError("bad command line format")
}

// --------------------------------------------------------------------------
// Parser
// --------------------------------------------------------------------------

// Codec parses the memcache ASCII protocol and composes its replies
type Codec struct {
	maxValue int
	version  string
}

// NewCodec creates a codec accepting values up to maxValue bytes
func NewCodec(maxValue int, version string) *Codec {
	return &Codec{maxValue: maxValue, version: version}
}

func isInvalidFieldChar(b byte) bool {
	return b <= ' ' || b == 127
}

func checkKey(p []byte) error {
	if len(p) > MaxKeySize {
		return invalid("key too long")
	}
	for _, b := range p {
		if isInvalidFieldChar(b) {
			return invalid("key contains invalid characters")
		}
	}
	return nil
}

// Parse implements protocol.Parser
func (c *Codec) Parse(buf []byte) (protocol.Request, int, error) {
	var req protocol.Request

	eol := bytes.IndexByte(buf, '\n')
	if eol < 0 {
		if len(buf) > MaxCommandSize {
			return req, 0, invalid("command line too long")
		}
		return req, 0, protocol.ErrIncomplete
	}
	if eol == 0 || buf[eol-1] != '\r' {
		return req, 0, invalid("invalid line separator")
	}
	lineLen := eol + 1
	fields := bytes.Fields(buf[:eol-1])
	if len(fields) == 0 {
		return req, 0, invalid("empty command")
	}

	kind, ok := commands[string(fields[0])]
	if !ok {
		return req, 0, &InvalidError{Unknown: true, Msg: "unknown command"}
	}
	req.Kind = kind
	args := fields[1:]

	var err error
	switch kind {
	case protocol.KindGet, protocol.KindGets:
		err = parseRetrieval(&req, args)
	case protocol.KindSet, protocol.KindAdd, protocol.KindReplace, protocol.KindCas:
		return c.parseStorage(req, args, buf, lineLen)
	case protocol.KindDelete:
		err = parseDelete(&req, args)
	case protocol.KindIncr, protocol.KindDecr:
		err = parseArithmetic(&req, args)
	case protocol.KindFlushAll:
		err = parseFlush(&req, args)
	case protocol.KindVersion, protocol.KindQuit:
		if len(args) != 0 {
			err = invalid("too many fields")
		}
	}
	if err != nil {
		return protocol.Request{}, 0, err
	}
	return req, lineLen, nil
}

func parseRetrieval(req *protocol.Request, args [][]byte) error {
	if len(args) == 0 {
		return invalid("key required")
	}
	req.Keys = make([][]byte, 0, len(args))
	for _, key := range args {
		if err := checkKey(key); err != nil {
			return err
		}
		req.Keys = append(req.Keys, append([]byte(nil), key...))
	}
	return nil
}

// parseKeyFields splits key, the required fields and an optional noreply
func parseKeyFields(args [][]byte, extraRequired int) (key []byte, extra [][]byte, noreply bool, err error) {
	if len(args) < 1+extraRequired {
		return nil, nil, false, invalid("more fields required")
	}
	key = args[0]
	if err = checkKey(key); err != nil {
		return nil, nil, false, err
	}
	extra = args[1 : 1+extraRequired]
	options := args[1+extraRequired:]
	if len(options) > 1 {
		return nil, nil, false, invalid("too many fields")
	}
	if len(options) == 1 {
		if string(options[0]) != NoReplyOption {
			return nil, nil, false, invalid("invalid option")
		}
		noreply = true
	}
	return key, extra, noreply, nil
}

func (c *Codec) parseStorage(req protocol.Request, args [][]byte, buf []byte, lineLen int) (protocol.Request, int, error) {
	required := 3
	if req.Kind == protocol.KindCas {
		required = 4
	}
	key, extra, noreply, err := parseKeyFields(args, required)
	if err != nil {
		return protocol.Request{}, 0, err
	}

	flags, err := strconv.ParseUint(string(extra[0]), 10, 32)
	if err != nil {
		return protocol.Request{}, 0, invalid("bad flags")
	}
	exptime, err := strconv.ParseInt(string(extra[1]), 10, 64)
	if err != nil {
		return protocol.Request{}, 0, invalid("bad exptime")
	}
	size, err := strconv.ParseUint(string(extra[2]), 10, 32)
	if err != nil {
		return protocol.Request{}, 0, invalid("bad data chunk")
	}
	if int(size) > c.maxValue {
		return protocol.Request{}, 0, invalid("object too large for cache")
	}
	if req.Kind == protocol.KindCas {
		if req.Cas, err = strconv.ParseUint(string(extra[3]), 10, 64); err != nil {
			return protocol.Request{}, 0, invalid("bad cas value")
		}
	}

	total := lineLen + int(size) + len(Separator)
	if len(buf) < total {
		return protocol.Request{}, 0, protocol.ErrIncomplete
	}
	if !bytes.Equal(buf[total-len(Separator):total], separatorBytes) {
		return protocol.Request{}, 0, invalid("bad data chunk")
	}

	req.Keys = [][]byte{append([]byte(nil), key...)}
	req.Value = append([]byte(nil), buf[lineLen:lineLen+int(size)]...)
	req.Flags = uint32(flags)
	req.Exptime = exptime
	req.NoReply = noreply
	return req, total, nil
}

func parseDelete(req *protocol.Request, args [][]byte) error {
	// the legacy "delete <key> 0" form is accepted
	if len(args) >= 2 && string(args[1]) == "0" {
		args = append(args[:1:1], args[2:]...)
	}
	key, _, noreply, err := parseKeyFields(args, 0)
	if err != nil {
		return err
	}
	req.Keys = [][]byte{append([]byte(nil), key...)}
	req.NoReply = noreply
	return nil
}

func parseArithmetic(req *protocol.Request, args [][]byte) error {
	key, extra, noreply, err := parseKeyFields(args, 1)
	if err != nil {
		return err
	}
	delta, err := strconv.ParseUint(string(extra[0]), 10, 64)
	if err != nil {
		return invalid("invalid numeric delta argument")
	}
	req.Keys = [][]byte{append([]byte(nil), key...)}
	req.Delta = delta
	req.NoReply = noreply
	return nil
}

func parseFlush(req *protocol.Request, args [][]byte) error {
	for _, arg := range args {
		if string(arg) == NoReplyOption {
			req.NoReply = true
			continue
		}
		delay, err := strconv.ParseInt(string(arg), 10, 64)
		if err != nil || req.Exptime != 0 {
			return invalid("bad command line format")
		}
		req.Exptime = delay
	}
	return nil
}

// --------------------------------------------------------------------------
// Composer
// --------------------------------------------------------------------------

// Compose implements protocol.Composer
func (c *Codec) Compose(dst *protocol.Buffer, req *protocol.Request, resp *protocol.Response) {
	if resp.Status == protocol.StatusNone {
		return
	}
	if req != nil && req.NoReply && resp.Status != protocol.StatusClientError {
		return
	}

	var num [20]byte
	line := func(s string) {
		dst.WriteString(s)
		dst.WriteString(Separator)
	}

	switch resp.Status {
	case protocol.StatusValues:
		for _, v := range resp.Values {
			dst.WriteString(ValueResponse)
			dst.WriteByte(' ')
			dst.Write(v.Key)
			dst.WriteByte(' ')
			dst.Write(strconv.AppendUint(num[:0], uint64(v.Flags), 10))
			dst.WriteByte(' ')
			dst.Write(strconv.AppendUint(num[:0], uint64(len(v.Data)), 10))
			if resp.WithCas {
				dst.WriteByte(' ')
				dst.Write(strconv.AppendUint(num[:0], v.Cas, 10))
			}
			dst.WriteString(Separator)
			dst.Write(v.Data)
			dst.WriteString(Separator)
		}
		line(EndResponse)
	case protocol.StatusStored:
		line(StoredResponse)
	case protocol.StatusNotStored:
		line(NotStoredResponse)
	case protocol.StatusExists:
		line(ExistsResponse)
	case protocol.StatusNotFound:
		line(NotFoundResponse)
	case protocol.StatusDeleted:
		line(DeletedResponse)
	case protocol.StatusNumber:
		dst.Write(strconv.AppendUint(num[:0], resp.Number, 10))
		dst.WriteString(Separator)
	case protocol.StatusOk:
		line(OkResponse)
	case protocol.StatusVersion:
		line(VersionResponse + " " + c.version)
	case protocol.StatusClientError:
		line(ClientErrorResponse + " " + resp.Message)
	case protocol.StatusServerError:
		line(ServerErrorResponse + " " + resp.Message)
	default:
		line(ErrorResponse)
	}
}
