package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/twitter/pelikan-sub003/rpc/common"
)

// NewTLSConfig builds the server side TLS configuration. It returns nil
// when TLS is disabled. A CA file enables client certificate verification.
func NewTLSConfig(c common.TLSConfig) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if c.Certificate == "" {
		return nil, fmt.Errorf("%w: private key without certificate", common.ErrConfig)
	}

	certPEM, err := os.ReadFile(c.Certificate)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	if c.CertificateChain != "" {
		chain, err := os.ReadFile(c.CertificateChain)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate chain: %w", err)
		}
		certPEM = append(append(certPEM, '\n'), chain...)
	}
	keyPEM, err := os.ReadFile(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.CAFile != "" {
		caPEM, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("%w: no certificates in %s", common.ErrConfig, c.CAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// --------------------------------------------------------------------------
// fd adapter
// --------------------------------------------------------------------------

// fdConn presents a raw socket as a net.Conn to crypto/tls. With a deadline
// set it blocks (used for the handshake), without one reads surface
// ErrWouldBlock and writes only stage ciphertext in out.
type fdConn struct {
	fd       int
	out      []byte
	deadline time.Time
}

func (c *fdConn) blocking() bool { return !c.deadline.IsZero() }

func (c *fdConn) wait(events int16) error {
	remaining := time.Until(c.deadline)
	if remaining <= 0 {
		return ErrHandshakeTimeout
	}
	ready, err := waitFd(c.fd, events, int(remaining/time.Millisecond)+1)
	if err != nil {
		return err
	}
	if !ready {
		return ErrHandshakeTimeout
	}
	return nil
}

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := readFd(c.fd, p)
		if errors.Is(err, ErrWouldBlock) && c.blocking() {
			if err := c.wait(pollIn); err != nil {
				return 0, err
			}
			continue
		}
		return n, err
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	c.out = append(c.out, p...)
	if c.blocking() {
		for len(c.out) > 0 {
			if err := c.flush(); err != nil {
				if !errors.Is(err, ErrWouldBlock) {
					return 0, err
				}
				if err := c.wait(pollOut); err != nil {
					return 0, err
				}
			}
		}
	}
	return len(p), nil
}

// flush writes staged ciphertext until the socket would block
func (c *fdConn) flush() error {
	for len(c.out) > 0 {
		n, err := writeFd(c.fd, c.out)
		c.out = c.out[n:]
		if err != nil {
			return err
		}
	}
	c.out = c.out[:0]
	return nil
}

func (c *fdConn) Close() error         { return CloseFd(c.fd) }
func (c *fdConn) LocalAddr() net.Addr  { return fdAddr{} }
func (c *fdConn) RemoteAddr() net.Addr { return fdAddr{} }

// deadlines set by crypto/tls are ignored, the handshake deadline is owned by Handshake
func (c *fdConn) SetDeadline(time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(time.Time) error { return nil }

type fdAddr struct{}

func (fdAddr) Network() string { return "fd" }
func (fdAddr) String() string  { return "fd" }

// --------------------------------------------------------------------------
// TLS stream
// --------------------------------------------------------------------------

type tlsStream struct {
	conn *tls.Conn
	raw  *fdConn
}

// Handshake performs a blocking server handshake on fd and returns the
// established stream. It must run on its own goroutine.
func Handshake(fd int, cfg *tls.Config, timeout time.Duration) (Stream, error) {
	raw := &fdConn{fd: fd, deadline: time.Now().Add(timeout)}
	conn := tls.Server(raw, cfg)
	if err := conn.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	raw.deadline = time.Time{}
	return &tlsStream{conn: conn, raw: raw}, nil
}

func (s *tlsStream) Read(p []byte) (int, error) { return s.conn.Read(p) }

func (s *tlsStream) Write(p []byte) (int, error) { return s.conn.Write(p) }

func (s *tlsStream) Flush() error {
	err := s.raw.flush()
	if errors.Is(err, ErrWouldBlock) {
		return nil
	}
	return err
}

func (s *tlsStream) Pending() bool { return len(s.raw.out) > 0 }

func (s *tlsStream) Fd() int { return s.raw.fd }

func (s *tlsStream) Close() error {
	// best effort close_notify
	_ = s.conn.CloseWrite()
	_ = s.raw.flush()
	return s.raw.Close()
}
