// Package ping implements a line protocol answering PING with PONG.
package ping

import (
	"bytes"

	"github.com/twitter/pelikan-sub003/rpc/protocol"
)

const (
	request  = "PING\r\n"
	response = "PONG\r\n"
)

var requestBytes = []byte(request)

// Codec parses PING requests and composes PONG replies
type Codec struct{}

// Parse implements protocol.Parser
func (Codec) Parse(buf []byte) (protocol.Request, int, error) {
	eol := bytes.IndexByte(buf, '\n')
	if eol < 0 {
		if !bytes.HasPrefix(requestBytes, buf) {
			return protocol.Request{}, 0, protocol.ErrInvalid
		}
		return protocol.Request{}, 0, protocol.ErrIncomplete
	}
	if !bytes.Equal(buf[:eol+1], requestBytes) {
		return protocol.Request{}, 0, protocol.ErrInvalid
	}
	return protocol.Request{Kind: protocol.KindPing}, eol + 1, nil
}

// Compose implements protocol.Composer
func (Codec) Compose(dst *protocol.Buffer, _ *protocol.Request, resp *protocol.Response) {
	if resp.Status == protocol.StatusPong {
		dst.WriteString(response)
	}
}

// Execute answers every request with PONG
func (Codec) Execute(*protocol.Request) protocol.Response {
	return protocol.Response{Status: protocol.StatusPong}
}
