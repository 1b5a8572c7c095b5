package common

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/twitter/pelikan-sub003/lib/seg"
)

// ErrConfig is wrapped by every configuration validation error
var ErrConfig = errors.New("invalid configuration")

// --------------------------------------------------------------------------
// Server configuration structs
// --------------------------------------------------------------------------

// ListenerConfig configures the client facing listener
type ListenerConfig struct {
	Host    string
	Port    int
	Nevent  int
	Timeout time.Duration
}

// Addr returns host:port, or the host alone when it is a unix socket path
func (c ListenerConfig) Addr() string {
	if strings.HasPrefix(c.Host, "/") {
		return c.Host
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerConfig configures the worker goroutines
type WorkerConfig struct {
	// Threads is the number of workers, more than one enables the storage goroutine
	Threads    int
	Nevent     int
	Timeout    time.Duration
	QueueDepth int
}

// AdminConfig configures the admin HTTP endpoint
type AdminConfig struct {
	Host    string
	Port    int
	Enabled bool
}

// Addr returns host:port
func (c AdminConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// SegConfig configures the storage engine
type SegConfig struct {
	HeapSize         int
	SegmentSize      int
	HashPower        uint
	OverflowFactor   float64
	Eviction         string
	MergeMax         int
	MergeTarget      int
	CompactTarget    int
	DatapoolPath     string
	DatapoolPrefault bool
	ExpireInterval   time.Duration
}

// TimeConfig selects how protocol expiration times are interpreted
type TimeConfig struct {
	// Type is one of unix, delta or memcache
	Type string
}

// BufConfig sizes the session buffers
type BufConfig struct {
	Size    int
	MaxSize int
}

// TLSConfig holds the paths of the TLS material. TLS is disabled without a private key.
type TLSConfig struct {
	Certificate      string
	CertificateChain string
	PrivateKey       string
	CAFile           string
	HandshakeTimeout time.Duration
}

// Enabled reports whether TLS should be used
func (c TLSConfig) Enabled() bool { return c.PrivateKey != "" }

// ProxyConfig configures the upstream of the proxy server
type ProxyConfig struct {
	// Backend is memcache or redis
	Backend   string
	Endpoints []string
	Timeout   time.Duration
	PoolSize  int
}

// DebugConfig configures logging
type DebugConfig struct {
	LogLevel string
	// KlogSample logs every nth command at debug level, 0 disables command logging
	KlogSample int
}

// ServerConfig is the process wide configuration. It is loaded once at
// startup and passed by value afterwards.
type ServerConfig struct {
	Server ListenerConfig
	Worker WorkerConfig
	Admin  AdminConfig
	Seg    SegConfig
	Time   TimeConfig
	Buf    BufConfig
	TLS    TLSConfig
	Proxy  ProxyConfig
	Debug  DebugConfig
}

// DefaultServerConfig returns the configuration used when nothing is overridden
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Server: ListenerConfig{Host: "0.0.0.0", Port: 12321, Nevent: 1024, Timeout: 100 * time.Millisecond},
		Worker: WorkerConfig{Threads: 1, Nevent: 1024, Timeout: 100 * time.Millisecond, QueueDepth: 1024},
		Admin:  AdminConfig{Host: "0.0.0.0", Port: 9999, Enabled: true},
		Seg: SegConfig{
			HeapSize:       64 << 20,
			SegmentSize:    1 << 20,
			HashPower:      16,
			OverflowFactor: 1.0,
			Eviction:       seg.PolicyMerge.String(),
			MergeMax:       seg.DefaultMergeOptions.Max,
			MergeTarget:    seg.DefaultMergeOptions.Merge,
			CompactTarget:  seg.DefaultMergeOptions.Compact,
			ExpireInterval: time.Second,
		},
		Time:  TimeConfig{Type: "memcache"},
		Buf:   BufConfig{Size: 16 << 10, MaxSize: 1 << 20},
		TLS:   TLSConfig{HandshakeTimeout: 5 * time.Second},
		Proxy: ProxyConfig{Backend: "memcache", Endpoints: []string{"127.0.0.1:11211"}, Timeout: 200 * time.Millisecond, PoolSize: 16},
		Debug: DebugConfig{LogLevel: "info"},
	}
}

// Validate checks the configuration for inconsistencies
func (c *ServerConfig) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
	}

	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fail("listener port %d out of range", c.Server.Port)
	case c.Admin.Enabled && (c.Admin.Port < 0 || c.Admin.Port > 65535):
		return fail("admin port %d out of range", c.Admin.Port)
	case c.Worker.Threads < 1:
		return fail("at least one worker is required")
	case c.Worker.QueueDepth < 1:
		return fail("queue depth must be positive")
	case c.Buf.Size <= 0 || c.Buf.MaxSize < c.Buf.Size:
		return fail("buffer size %d / max %d", c.Buf.Size, c.Buf.MaxSize)
	case c.TLS.PrivateKey != "" && c.TLS.Certificate == "":
		return fail("tls private key given without a certificate")
	case c.Proxy.Timeout <= 0:
		return fail("proxy timeout must be positive")
	}

	if _, err := seg.ParsePolicy(c.Seg.Eviction); err != nil {
		return fail("%v", err)
	}
	if _, err := seg.ParseTimeType(c.Time.Type); err != nil {
		return fail("%v", err)
	}
	switch strings.ToLower(c.Proxy.Backend) {
	case "memcache", "redis":
	default:
		return fail("unknown proxy backend %q", c.Proxy.Backend)
	}
	if _, err := parseLogLevel(c.Debug.LogLevel); err != nil {
		return fail("%v", err)
	}
	return nil
}

// SegBuilder returns a storage engine builder for this configuration
func (c *ServerConfig) SegBuilder() (*seg.Builder, error) {
	policy, err := seg.ParsePolicy(c.Seg.Eviction)
	if err != nil {
		return nil, err
	}
	b := seg.NewBuilder().
		HeapSize(c.Seg.HeapSize).
		SegmentSize(c.Seg.SegmentSize).
		HashPower(c.Seg.HashPower).
		OverflowFactor(c.Seg.OverflowFactor).
		Datapool(c.Seg.DatapoolPath, c.Seg.DatapoolPrefault)
	if policy == seg.PolicyMerge {
		return b.Merge(seg.MergeOptions{Max: c.Seg.MergeMax, Merge: c.Seg.MergeTarget, Compact: c.Seg.CompactTarget}), nil
	}
	return b.Eviction(policy), nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	bytes := func(n int) string { return humanize.IBytes(uint64(n)) }

	addSection("Listener")
	addField("Address", c.Server.Addr())
	addField("Events", fmt.Sprintf("%d", c.Server.Nevent))
	addField("Poll Timeout", c.Server.Timeout.String())

	addSection("Workers")
	addField("Threads", fmt.Sprintf("%d", c.Worker.Threads))
	addField("Events", fmt.Sprintf("%d", c.Worker.Nevent))
	addField("Poll Timeout", c.Worker.Timeout.String())
	addField("Queue Depth", fmt.Sprintf("%d", c.Worker.QueueDepth))

	addSection("Admin")
	if c.Admin.Enabled {
		addField("Address", c.Admin.Addr())
	} else {
		addField("Address", "disabled")
	}

	addSection("Storage")
	addField("Heap Size", bytes(c.Seg.HeapSize))
	addField("Segment Size", bytes(c.Seg.SegmentSize))
	addField("Hash Power", fmt.Sprintf("%d", c.Seg.HashPower))
	addField("Overflow Factor", fmt.Sprintf("%.2f", c.Seg.OverflowFactor))
	addField("Eviction", c.Seg.Eviction)
	if strings.EqualFold(c.Seg.Eviction, seg.PolicyMerge.String()) {
		addField("Merge Max", fmt.Sprintf("%d", c.Seg.MergeMax))
		addField("Merge Target", fmt.Sprintf("%d", c.Seg.MergeTarget))
		addField("Compact Target", fmt.Sprintf("%d", c.Seg.CompactTarget))
	}
	if c.Seg.DatapoolPath != "" {
		addField("Datapool", c.Seg.DatapoolPath)
		addField("Prefault", fmt.Sprintf("%t", c.Seg.DatapoolPrefault))
	}
	addField("Expire Interval", c.Seg.ExpireInterval.String())
	addField("Time Type", c.Time.Type)

	addSection("Buffers")
	addField("Size", bytes(c.Buf.Size))
	addField("Max Size", bytes(c.Buf.MaxSize))

	addSection("TLS")
	if c.TLS.Enabled() {
		addField("Certificate", c.TLS.Certificate)
		addField("Chain", c.TLS.CertificateChain)
		addField("Private Key", c.TLS.PrivateKey)
		addField("CA File", c.TLS.CAFile)
	} else {
		addField("Enabled", "false")
	}

	addSection("Proxy")
	addField("Backend", c.Proxy.Backend)
	addField("Endpoints", strings.Join(c.Proxy.Endpoints, ","))
	addField("Timeout", c.Proxy.Timeout.String())
	addField("Pool Size", fmt.Sprintf("%d", c.Proxy.PoolSize))

	addSection("Logging")
	addField("Log Level", c.Debug.LogLevel)
	addField("Command Log Sample", fmt.Sprintf("%d", c.Debug.KlogSample))

	return sb.String()
}
