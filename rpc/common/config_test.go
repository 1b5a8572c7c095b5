package common

import (
	"errors"
	"strings"
	"testing"

	"github.com/twitter/pelikan-sub003/lib/seg"
)

// TestDefaultServerConfig tests that the defaults validate and build an engine
func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.Seg.HeapSize = 4 << 20
	b, err := cfg.SegBuilder()
	if err != nil {
		t.Fatalf("SegBuilder() failed: %v", err)
	}
	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	defer s.Close()

	if err := s.Insert([]byte("k"), []byte("v"), nil, 0); err != nil {
		t.Errorf("Insert failed: %v", err)
	}
}

// TestValidate tests that inconsistent configurations are rejected with ErrConfig
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *ServerConfig)
	}{
		{"bad port", func(c *ServerConfig) { c.Server.Port = 70000 }},
		{"no workers", func(c *ServerConfig) { c.Worker.Threads = 0 }},
		{"buffer max below size", func(c *ServerConfig) { c.Buf.MaxSize = c.Buf.Size - 1 }},
		{"key without cert", func(c *ServerConfig) { c.TLS.PrivateKey = "key.pem" }},
		{"unknown policy", func(c *ServerConfig) { c.Seg.Eviction = "lru" }},
		{"unknown time type", func(c *ServerConfig) { c.Time.Type = "relative" }},
		{"unknown backend", func(c *ServerConfig) { c.Proxy.Backend = "etcd" }},
		{"unknown log level", func(c *ServerConfig) { c.Debug.LogLevel = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrConfig) {
				t.Errorf("Validate() = %v, want ErrConfig", err)
			}
		})
	}
}

// TestSegBuilderPolicy tests that non-merge policies are passed through
func TestSegBuilderPolicy(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Seg.HeapSize = 4 << 20
	cfg.Seg.Eviction = seg.PolicyFifo.String()

	b, err := cfg.SegBuilder()
	if err != nil {
		t.Fatalf("SegBuilder() failed: %v", err)
	}
	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	defer s.Close()

	if got := s.Info(false).Policy; got != seg.PolicyFifo.String() {
		t.Errorf("policy = %q, want %q", got, seg.PolicyFifo.String())
	}
}

// TestConfigString tests the pretty printer
func TestConfigString(t *testing.T) {
	cfg := DefaultServerConfig()
	out := cfg.String()
	for _, want := range []string{"LISTENER", "STORAGE", "12321", "64 MiB"} {
		if !strings.Contains(out, want) {
			t.Errorf("String() missing %q:\n%s", want, out)
		}
	}
}

// TestListenerAddr tests tcp and unix socket addresses
func TestListenerAddr(t *testing.T) {
	if got := (ListenerConfig{Host: "127.0.0.1", Port: 11211}).Addr(); got != "127.0.0.1:11211" {
		t.Errorf("Addr() = %q", got)
	}
	if got := (ListenerConfig{Host: "/tmp/pelikan.sock", Port: 11211}).Addr(); got != "/tmp/pelikan.sock" {
		t.Errorf("Addr() = %q", got)
	}
}
