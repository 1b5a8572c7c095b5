package util

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/twitter/pelikan-sub003/rpc/common"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix prefixes every environment variable, e.g. PELIKAN_SEG_HEAP_SIZE
	EnvPrefix = "pelikan"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		if lineWidth > 0 && lineWidth+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += len(word)
	}
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}
	return strings.Join(wrappedLines, "\n")
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"host":            "server.host",
	"port":            "server.port",
	"workers":         "worker.threads",
	"admin":           "admin.enabled",
	"admin-host":      "admin.host",
	"admin-port":      "admin.port",
	"heap-size":       "seg.heap_size",
	"segment-size":    "seg.segment_size",
	"hash-power":      "seg.hash_power",
	"eviction":        "seg.eviction",
	"datapool":        "seg.datapool_path",
	"time-type":       "time.time_type",
	"tls-cert":        "tls.certificate",
	"tls-key":         "tls.private_key",
	"tls-ca":          "tls.ca_file",
	"proxy-backend":   "proxy.backend",
	"proxy-endpoints": "proxy.endpoints",
	"log-level":       "debug.log_level",
}

// SetupServerFlags adds the flags shared by every server command
func SetupServerFlags(cmd *cobra.Command) {
	d := common.DefaultServerConfig()
	f := cmd.Flags()

	f.String("host", d.Server.Host, WrapString("Address to listen on, a path starting with / listens on a unix socket"))
	f.Int("port", d.Server.Port, WrapString("Port to listen on"))
	f.Int("workers", d.Worker.Threads, WrapString("Number of worker threads, more than one moves the storage to its own thread"))
	f.Bool("admin", d.Admin.Enabled, WrapString("Serve the admin HTTP endpoint"))
	f.String("admin-host", d.Admin.Host, WrapString("Address of the admin endpoint"))
	f.Int("admin-port", d.Admin.Port, WrapString("Port of the admin endpoint"))
	f.String("heap-size", humanize.IBytes(uint64(d.Seg.HeapSize)), WrapString("Total size of the segment heap (e.g. 64MiB)"))
	f.String("segment-size", humanize.IBytes(uint64(d.Seg.SegmentSize)), WrapString("Size of one segment, a power of two"))
	f.Uint("hash-power", d.Seg.HashPower, WrapString("The hashtable has 2^hash-power buckets"))
	f.String("eviction", d.Seg.Eviction, WrapString("Eviction policy (none, random, randomfifo, fifo, cte, util, merge)"))
	f.String("datapool", d.Seg.DatapoolPath, WrapString("Back the segment heap with this file instead of memory"))
	f.String("time-type", d.Time.Type, WrapString("How expiration times are read (unix, delta, memcache)"))
	f.String("tls-cert", "", WrapString("PEM certificate, TLS is enabled when a key is given"))
	f.String("tls-key", "", WrapString("PEM private key"))
	f.String("tls-ca", "", WrapString("PEM CA bundle, when set clients must present a certificate"))
	f.String("proxy-backend", d.Proxy.Backend, WrapString("(proxy) Upstream type (memcache, redis)"))
	f.StringSlice("proxy-endpoints", d.Proxy.Endpoints, WrapString("(proxy) Comma-separated list of upstream addresses"))
	f.String("log-level", d.Debug.LogLevel, WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitEnv loads the env files and makes v read PELIKAN_* variables
func InitEnv(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

func setDefaults(v *viper.Viper, d common.ServerConfig) {
	defaults := map[string]interface{}{
		"server.host":           d.Server.Host,
		"server.port":           d.Server.Port,
		"server.nevent":         d.Server.Nevent,
		"server.timeout":        d.Server.Timeout,
		"worker.threads":        d.Worker.Threads,
		"worker.nevent":         d.Worker.Nevent,
		"worker.timeout":        d.Worker.Timeout,
		"worker.queue_depth":    d.Worker.QueueDepth,
		"admin.host":            d.Admin.Host,
		"admin.port":            d.Admin.Port,
		"admin.enabled":         d.Admin.Enabled,
		"seg.heap_size":         d.Seg.HeapSize,
		"seg.segment_size":      d.Seg.SegmentSize,
		"seg.hash_power":        d.Seg.HashPower,
		"seg.overflow_factor":   d.Seg.OverflowFactor,
		"seg.eviction":          d.Seg.Eviction,
		"seg.merge_max":         d.Seg.MergeMax,
		"seg.merge_target":      d.Seg.MergeTarget,
		"seg.compact_target":    d.Seg.CompactTarget,
		"seg.datapool_path":     d.Seg.DatapoolPath,
		"seg.datapool_prefault": d.Seg.DatapoolPrefault,
		"seg.expire_interval":   d.Seg.ExpireInterval,
		"time.time_type":        d.Time.Type,
		"buf.size":              d.Buf.Size,
		"buf.max_size":          d.Buf.MaxSize,
		"tls.certificate":       d.TLS.Certificate,
		"tls.certificate_chain": d.TLS.CertificateChain,
		"tls.private_key":       d.TLS.PrivateKey,
		"tls.ca_file":           d.TLS.CAFile,
		"tls.handshake_timeout": d.TLS.HandshakeTimeout,
		"proxy.backend":         d.Proxy.Backend,
		"proxy.endpoints":       d.Proxy.Endpoints,
		"proxy.timeout":         d.Proxy.Timeout,
		"proxy.pool_size":       d.Proxy.PoolSize,
		"debug.log_level":       d.Debug.LogLevel,
		"debug.klog_sample":     d.Debug.KlogSample,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// LoadServerConfig builds the configuration from defaults, the config file
// given as first argument, the environment and the command line flags, in
// increasing order of precedence
func LoadServerConfig(cmd *cobra.Command, args []string) (common.ServerConfig, error) {
	v := viper.New()
	InitEnv(v)
	setDefaults(v, common.DefaultServerConfig())

	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return common.ServerConfig{}, err
			}
		}
	}
	if len(args) > 0 {
		v.SetConfigFile(args[0])
		if err := v.ReadInConfig(); err != nil {
			return common.ServerConfig{}, fmt.Errorf("failed to read config file %s: %w", args[0], err)
		}
	}
	return FromViper(v)
}

// FromViper reads a ServerConfig from v and validates it
func FromViper(v *viper.Viper) (common.ServerConfig, error) {
	var errs []error
	bytes := func(key string) int {
		n, err := humanize.ParseBytes(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return int(n)
	}

	cfg := common.ServerConfig{
		Server: common.ListenerConfig{
			Host:    v.GetString("server.host"),
			Port:    v.GetInt("server.port"),
			Nevent:  v.GetInt("server.nevent"),
			Timeout: v.GetDuration("server.timeout"),
		},
		Worker: common.WorkerConfig{
			Threads:    v.GetInt("worker.threads"),
			Nevent:     v.GetInt("worker.nevent"),
			Timeout:    v.GetDuration("worker.timeout"),
			QueueDepth: v.GetInt("worker.queue_depth"),
		},
		Admin: common.AdminConfig{
			Host:    v.GetString("admin.host"),
			Port:    v.GetInt("admin.port"),
			Enabled: v.GetBool("admin.enabled"),
		},
		Seg: common.SegConfig{
			HeapSize:         bytes("seg.heap_size"),
			SegmentSize:      bytes("seg.segment_size"),
			HashPower:        v.GetUint("seg.hash_power"),
			OverflowFactor:   v.GetFloat64("seg.overflow_factor"),
			Eviction:         v.GetString("seg.eviction"),
			MergeMax:         v.GetInt("seg.merge_max"),
			MergeTarget:      v.GetInt("seg.merge_target"),
			CompactTarget:    v.GetInt("seg.compact_target"),
			DatapoolPath:     v.GetString("seg.datapool_path"),
			DatapoolPrefault: v.GetBool("seg.datapool_prefault"),
			ExpireInterval:   v.GetDuration("seg.expire_interval"),
		},
		Time: common.TimeConfig{Type: v.GetString("time.time_type")},
		Buf: common.BufConfig{
			Size:    bytes("buf.size"),
			MaxSize: bytes("buf.max_size"),
		},
		TLS: common.TLSConfig{
			Certificate:      v.GetString("tls.certificate"),
			CertificateChain: v.GetString("tls.certificate_chain"),
			PrivateKey:       v.GetString("tls.private_key"),
			CAFile:           v.GetString("tls.ca_file"),
			HandshakeTimeout: v.GetDuration("tls.handshake_timeout"),
		},
		Proxy: common.ProxyConfig{
			Backend:   v.GetString("proxy.backend"),
			Endpoints: v.GetStringSlice("proxy.endpoints"),
			Timeout:   v.GetDuration("proxy.timeout"),
			PoolSize:  v.GetInt("proxy.pool_size"),
		},
		Debug: common.DebugConfig{
			LogLevel:   v.GetString("debug.log_level"),
			KlogSample: v.GetInt("debug.klog_sample"),
		},
	}
	if len(errs) > 0 {
		return cfg, fmt.Errorf("%w: %v", common.ErrConfig, errs[0])
	}
	if cfg.Seg.ExpireInterval <= 0 {
		cfg.Seg.ExpireInterval = time.Second
	}
	return cfg, cfg.Validate()
}
