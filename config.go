package linesearchd

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// DefaultHost is the interface the server binds to.
	DefaultHost = "localhost"
	// DefaultPort is the default TCP listening port.
	DefaultPort = 44445
	// DefaultBacklog is the kernel listen queue depth.
	DefaultBacklog = 128
	// DefaultMaxWorkers caps concurrently served connections.
	DefaultMaxWorkers = 100
	// DefaultCacheCapacity is the number of LRU lookup-cache entries.
	DefaultCacheCapacity = 10000
	// DefaultBufferSize is the read buffer for sockets and file scans.
	DefaultBufferSize = 1 << 20
	// DefaultMaxQueryBytes is the hard upper bound on one request line.
	DefaultMaxQueryBytes = int64(1 << 20)
	// DefaultReadTimeout bounds the wait for a full request line.
	DefaultReadTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds writing the response line.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultShutdownGrace is how long in-flight requests may drain.
	DefaultShutdownGrace = 10 * time.Second
	// DefaultRequestsPerMinute is the per-IP sliding-window limit.
	DefaultRequestsPerMinute = 1000
	// DefaultSweeperInterval controls how often idle rate-limit buckets
	// are pruned.
	DefaultSweeperInterval = 5 * time.Minute
	// DefaultConfigFileName is the config file searched for when --config
	// is omitted.
	DefaultConfigFileName = "linesearchd.ini"
	// minBufferSize rejects buffers too small to be useful.
	minBufferSize = 1024
)

// Config captures the tunables for a linesearchd.Server instance.
type Config struct {
	// DataPath is the text file whose lines form the membership set.
	DataPath string
	// RereadOnQuery disables the in-memory index and lookup cache; each
	// query re-scans the data file so external file swaps are observed.
	RereadOnQuery bool
	// Host is the bind address (name or IP).
	Host string
	// Port is the TCP listening port; 0 asks the kernel for an ephemeral
	// port (useful when embedding).
	Port int
	// Backlog is the kernel listen queue depth.
	Backlog int
	// MaxWorkers caps concurrently served connections; connections beyond
	// the cap are closed immediately.
	MaxWorkers int
	// CacheCapacity is the LRU lookup-cache entry count; 0 disables the
	// cache. Ignored in reread mode.
	CacheCapacity int
	// CacheCapacitySet reports whether CacheCapacity was explicitly set by
	// caller/flags/env, so an explicit 0 is honoured rather than defaulted.
	CacheCapacitySet bool
	// BufferSize is the read/write buffer size for sockets and file scans.
	BufferSize int
	// MaxQueryBytes is the hard upper bound on one request line.
	MaxQueryBytes int64
	// ReadTimeout bounds the wait for a full request line.
	ReadTimeout time.Duration
	// WriteTimeout bounds writing the response line.
	WriteTimeout time.Duration
	// ShutdownGrace is how long in-flight requests may drain on shutdown.
	ShutdownGrace time.Duration
	// SweeperInterval controls idle rate-limit bucket pruning; 0 uses the
	// default, negative disables the sweeper.
	SweeperInterval time.Duration
	// TLSEnabled wraps every accepted connection in TLS.
	TLSEnabled bool
	// TLSCertPath is the PEM server certificate.
	TLSCertPath string
	// TLSKeyPath is the PEM server private key.
	TLSKeyPath string
	// TLSClientCAPath optionally enables client certificate verification
	// against this PEM CA bundle.
	TLSClientCAPath string
	// RateLimitEnabled toggles the per-IP sliding-window limiter.
	RateLimitEnabled bool
	// RequestsPerMinute caps admitted requests per client IP per minute.
	RequestsPerMinute int
	// MetricsListen is the Prometheus scrape endpoint bind address; empty
	// disables metrics.
	MetricsListen string
	// PprofListen is the pprof debug endpoint bind address; empty disables.
	PprofListen string
}

// Addr returns the host:port endpoint the server binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("config: data path is required")
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port must be within 0-65535, got %d", c.Port)
	}
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.CacheCapacity < 0 {
		return fmt.Errorf("config: cache capacity must be >= 0")
	}
	if c.CacheCapacity == 0 && !c.CacheCapacitySet {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BufferSize < minBufferSize {
		return fmt.Errorf("config: buffer size must be >= %d", minBufferSize)
	}
	if c.MaxQueryBytes <= 0 {
		c.MaxQueryBytes = DefaultMaxQueryBytes
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("config: read timeout must be >= 0")
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("config: write timeout must be >= 0")
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("config: shutdown grace must be >= 0")
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.TLSEnabled {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return fmt.Errorf("config: tls requires both certificate and key paths")
		}
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = DefaultRequestsPerMinute
	}
	return nil
}
