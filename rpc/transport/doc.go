// Package transport moves bytes between client sockets and session buffers
// without blocking the event loops.
//
// Key Components:
//
//   - Stream: a non-blocking byte stream over a raw socket. There are two
//     implementations, a plain fd stream and a TLS stream whose ciphertext
//     is staged in an adapter buffer and drained on Flush.
//
//   - Session: one client connection with its read and write buffers. Fill
//     reads until the socket would block, Flush writes until it would block,
//     and Interest reports the readiness the owning poller should wait for.
//
//   - Listen / Accept: raw listening sockets for tcp and unix addresses.
//
//   - NewTLSConfig / Handshake: server TLS setup and the blocking handshake
//     run on a helper goroutine before a session is handed to a worker.
package transport
