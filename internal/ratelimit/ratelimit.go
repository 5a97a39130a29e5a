// Package ratelimit enforces a per-client-IP sliding-window request limit.
package ratelimit

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/MachariaP/linesearchd/internal/clock"
	"github.com/MachariaP/linesearchd/internal/svcfields"
)

// Window is the sliding interval requests are counted over.
const Window = time.Minute

// Config controls limiter behaviour.
type Config struct {
	// Enabled toggles enforcement; a disabled limiter admits everything.
	Enabled bool
	// RequestsPerMinute caps admitted requests per client IP per Window.
	RequestsPerMinute int
}

// Limiter tracks request timestamps per client IP. Clients behind NAT share
// a bucket; IPv6 addresses are distinct keys.
type Limiter struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// New constructs a limiter. A nil logger logs nowhere; a nil clock uses the
// real one.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Limiter {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.RequestsPerMinute < 1 {
		cfg.RequestsPerMinute = 1
	}
	return &Limiter{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "server.ratelimit"),
		clock:   clk,
		buckets: make(map[string][]time.Time),
	}
}

// Allow records one request from remote and reports whether it is admitted.
// Timestamps older than Window are pruned first; admission appends the
// current time, so insertion order stays time order.
func (l *Limiter) Allow(remote string) bool {
	if l == nil || !l.cfg.Enabled {
		return true
	}
	key := clientKey(remote)
	if key == "" {
		return true
	}
	now := l.clock.Now()
	cutoff := now.Add(-Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.buckets[key]
	keep := 0
	for keep < len(times) && !times[keep].After(cutoff) {
		keep++
	}
	times = times[keep:]

	if len(times) >= l.cfg.RequestsPerMinute {
		l.buckets[key] = times
		l.logger.Debug("linesearchd.ratelimit.exceeded",
			"client", key,
			"limit", l.cfg.RequestsPerMinute)
		return false
	}
	l.buckets[key] = append(times, now)
	return true
}

// Prune drops buckets whose every timestamp has aged out of the window.
// The server runs this on its sweeper cadence so idle IPs do not accumulate.
func (l *Limiter) Prune() int {
	if l == nil {
		return 0
	}
	cutoff := l.clock.Now().Add(-Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, times := range l.buckets {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// ActiveBuckets returns the number of IPs currently tracked.
func (l *Limiter) ActiveBuckets() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// clientKey reduces a remote address to its host component so every port a
// client connects from shares one bucket.
func clientKey(remote string) string {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
