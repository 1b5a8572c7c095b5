//go:build linux

package transport

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/twitter/pelikan-sub003/rpc/common"
	"github.com/twitter/pelikan-sub003/rpc/protocol"
	"github.com/twitter/pelikan-sub003/rpc/protocol/memcache"
	"github.com/twitter/pelikan-sub003/rpc/transport/poll"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair failed: %v", err)
	}
	return fds[0], fds[1]
}

func newFactory(size, max int) *SessionFactory {
	return NewSessionFactory(common.BufConfig{Size: size, MaxSize: max}, common.NewMetrics())
}

// TestSessionPlain tests fill, flush and hangup over a plain stream
func TestSessionPlain(t *testing.T) {
	local, remote := socketPair(t)
	defer unix.Close(remote)

	s := newFactory(64, 1024).New(1, NewPlainStream(local))
	defer s.Close()

	if n, err := s.Fill(); n != 0 || err != nil {
		t.Fatalf("Fill() on idle socket = %d, %v", n, err)
	}

	unix.Write(remote, []byte("get foo\r\n"))
	n, err := s.Fill()
	if err != nil || n != 9 {
		t.Fatalf("Fill() = %d, %v, want 9 bytes", n, err)
	}
	if got := string(s.Input()); got != "get foo\r\n" {
		t.Errorf("Input() = %q", got)
	}
	s.Consume(4)
	if got := string(s.Input()); got != "foo\r\n" {
		t.Errorf("Input() after Consume = %q", got)
	}

	s.Output().WriteString("END\r\n")
	if s.Interest() != poll.Both {
		t.Errorf("Interest() = %v with pending output, want Both", s.Interest())
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if s.PendingWrite() || s.Interest() != poll.Readable {
		t.Errorf("output still pending after Flush")
	}
	buf := make([]byte, 16)
	n, _ = unix.Read(remote, buf)
	if got := string(buf[:n]); got != "END\r\n" {
		t.Errorf("peer read %q, want END", got)
	}

	unix.Close(remote)
	if _, err := s.Fill(); !errors.Is(err, io.EOF) {
		t.Errorf("Fill() after peer close = %v, want EOF", err)
	}
	if s.State() != StateHalfClosed {
		t.Errorf("State() = %v, want half-closed", s.State())
	}
}

// TestSessionPartialRequest tests a request arriving over two reads
func TestSessionPartialRequest(t *testing.T) {
	local, remote := socketPair(t)
	defer unix.Close(remote)

	s := newFactory(16, 1024).New(1, NewPlainStream(local))
	defer s.Close()
	codec := memcache.NewCodec(1<<20, "test")

	unix.Write(remote, []byte("set foo 0 0 3\r\nb"))
	if _, err := s.Fill(); err != nil {
		t.Fatalf("Fill() = %v", err)
	}
	if _, _, err := codec.Parse(s.Input()); !errors.Is(err, protocol.ErrIncomplete) {
		t.Fatalf("Parse() on half a request = %v, want ErrIncomplete", err)
	}

	unix.Write(remote, []byte("ar\r\n"))
	if _, err := s.Fill(); err != nil {
		t.Fatalf("Fill() = %v", err)
	}
	got, n, err := codec.Parse(s.Input())
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}

	whole := []byte("set foo 0 0 3\r\nbar\r\n")
	want, wantN, err := codec.Parse(whole)
	if err != nil {
		t.Fatalf("Parse() of the whole request = %v", err)
	}
	if n != wantN || n != len(whole) {
		t.Errorf("consumed %d bytes, want %d", n, len(whole))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	s.Consume(n)
	if len(s.Input()) != 0 {
		t.Errorf("Input() after Consume = %q, want empty", s.Input())
	}
}

// TestSessionBufferFull tests the read buffer limit
func TestSessionBufferFull(t *testing.T) {
	local, remote := socketPair(t)
	defer unix.Close(remote)

	s := newFactory(16, 32).New(1, NewPlainStream(local))
	defer s.Close()

	unix.Write(remote, bytes.Repeat([]byte("x"), 64))
	if n, err := s.Fill(); err != nil || n != 32 {
		t.Fatalf("Fill() = %d, %v, want 32 bytes up to the limit", n, err)
	}
	if _, err := s.Fill(); !errors.Is(err, protocol.ErrBufferFull) {
		t.Fatalf("Fill() on a full buffer = %v, want ErrBufferFull", err)
	}

	s.Consume(32)
	if n, err := s.Fill(); err != nil || n != 32 {
		t.Errorf("Fill() after consume = %d, %v, want remaining 32 bytes", n, err)
	}
}

// TestSessionWouldBlock tests that a full socket leaves output pending
func TestSessionWouldBlock(t *testing.T) {
	local, remote := socketPair(t)
	defer unix.Close(remote)
	unix.SetsockoptInt(local, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)

	s := newFactory(64, 1<<20).New(1, NewPlainStream(local))
	defer s.Close()

	s.Output().Write(bytes.Repeat([]byte("y"), 1<<20))
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if !s.PendingWrite() {
		t.Fatal("expected output to remain pending on a full socket")
	}
	if s.Interest()&poll.Writable == 0 {
		t.Error("pending session does not wait for writability")
	}
}

func writeTestCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate failed: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey failed: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600)
	os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600)
	return certFile, keyFile
}

// TestNewTLSConfig tests the TLS configuration builder
func TestNewTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir)

	t.Run("Disabled", func(t *testing.T) {
		cfg, err := NewTLSConfig(common.TLSConfig{})
		if cfg != nil || err != nil {
			t.Errorf("NewTLSConfig(empty) = %v, %v, want nil, nil", cfg, err)
		}
	})

	t.Run("KeyWithoutCert", func(t *testing.T) {
		_, err := NewTLSConfig(common.TLSConfig{PrivateKey: keyFile})
		if !errors.Is(err, common.ErrConfig) {
			t.Errorf("error = %v, want ErrConfig", err)
		}
	})

	t.Run("ClientAuth", func(t *testing.T) {
		cfg, err := NewTLSConfig(common.TLSConfig{Certificate: certFile, PrivateKey: keyFile, CAFile: certFile})
		if err != nil {
			t.Fatalf("NewTLSConfig failed: %v", err)
		}
		if cfg.ClientAuth != tls.RequireAndVerifyClientCert || cfg.ClientCAs == nil {
			t.Errorf("client verification not enabled")
		}
	})
}

// TestSessionTLS tests a handshake followed by a request round trip
func TestSessionTLS(t *testing.T) {
	certFile, keyFile := writeTestCert(t, t.TempDir())
	serverCfg, err := NewTLSConfig(common.TLSConfig{Certificate: certFile, PrivateKey: keyFile})
	if err != nil {
		t.Fatalf("NewTLSConfig failed: %v", err)
	}

	local, remote := socketPair(t)
	peer, err := net.FileConn(os.NewFile(uintptr(remote), "peer"))
	if err != nil {
		t.Fatalf("FileConn failed: %v", err)
	}
	unix.Close(remote)
	client := tls.Client(peer, &tls.Config{InsecureSkipVerify: true})
	defer client.Close()

	clientErr := make(chan error, 1)
	go func() { clientErr <- client.Handshake() }()

	stream, err := Handshake(local, serverCfg, 5*time.Second)
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if err := <-clientErr; err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}

	s := newFactory(64, 1024).New(1, stream)
	defer s.Close()

	if _, err := client.Write([]byte("PING\r\n")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(s.Input()) < 6 && time.Now().Before(deadline) {
		if _, err := s.Fill(); err != nil {
			t.Fatalf("Fill failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if got := string(s.Input()); got != "PING\r\n" {
		t.Fatalf("Input() = %q, want PING", got)
	}

	s.Output().WriteString("PONG\r\n")
	for s.PendingWrite() && time.Now().Before(deadline) {
		if err := s.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}

	client.SetReadDeadline(deadline)
	buf := make([]byte, 6)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if string(buf) != "PONG\r\n" {
		t.Errorf("client read %q, want PONG", buf)
	}
}

// TestHandshakeTimeout tests that a silent peer fails the handshake
func TestHandshakeTimeout(t *testing.T) {
	certFile, keyFile := writeTestCert(t, t.TempDir())
	cfg, err := NewTLSConfig(common.TLSConfig{Certificate: certFile, PrivateKey: keyFile})
	if err != nil {
		t.Fatalf("NewTLSConfig failed: %v", err)
	}

	local, remote := socketPair(t)
	defer unix.Close(remote)
	defer unix.Close(local)

	if _, err := Handshake(local, cfg, 50*time.Millisecond); !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("Handshake() = %v, want ErrHandshakeTimeout", err)
	}
}

// TestListenAccept tests the raw listener helpers
func TestListenAccept(t *testing.T) {
	fd, err := Listen("127.0.0.1:0", 16)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer CloseFd(fd)

	if _, err := Accept(fd); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Accept() with no client = %v, want ErrWouldBlock", err)
	}

	addr, err := LocalAddr(fd)
	if err != nil {
		t.Fatalf("LocalAddr failed: %v", err)
	}
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cfd, err := Accept(fd)
		if errors.Is(err, ErrWouldBlock) {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
		CloseFd(cfd)
		return
	}
	t.Fatal("connection never accepted")
}
