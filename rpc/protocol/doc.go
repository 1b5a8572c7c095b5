// Package protocol defines the request and response model shared by the
// wire protocols, the Parser and Composer interfaces, and the Buffer used
// by sessions for reading and writing.
//
// A Parser never blocks: it either returns one complete Request and the
// number of bytes it consumed, ErrIncomplete when more input is needed, or
// an error wrapping ErrInvalid. Parsing the same stream split at any
// position yields the same requests.
//
// Sub packages:
//
//   - memcache: the memcache ASCII protocol and its execution against seg
//   - ping: the PING/PONG liveness protocol
package protocol
