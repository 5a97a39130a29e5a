package linesearchd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"github.com/MachariaP/linesearchd/internal/clock"
	"github.com/MachariaP/linesearchd/internal/datasource"
	"github.com/MachariaP/linesearchd/internal/index"
	"github.com/MachariaP/linesearchd/internal/lookupcache"
	"github.com/MachariaP/linesearchd/internal/protocol"
	"github.com/MachariaP/linesearchd/internal/ratelimit"
	"github.com/MachariaP/linesearchd/internal/svcfields"
	"github.com/MachariaP/linesearchd/tlsutil"
)

// Server answers exact full-line membership queries over TCP, one query per
// connection.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	baseLog   pslog.Logger
	clock     clock.Clock
	index     *index.Index
	source    datasource.Source
	cache     *lookupcache.Cache
	limiter   *ratelimit.Limiter
	handler   *protocol.Handler
	metrics   *serverMetrics
	tlsConfig *tls.Config
	counters  counters

	baseCtx context.Context
	cancel  context.CancelFunc

	metricsSrv *http.Server
	metricsLn  net.Listener
	pprofSrv   *http.Server
	pprofLn    net.Listener

	mu           sync.Mutex
	listener     net.Listener
	conns        map[net.Conn]struct{}
	shutdown     bool
	sweeperStop  chan struct{}
	lastServeErr error

	workers     sync.WaitGroup
	sweeperDone sync.WaitGroup
	sem         chan struct{}

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs a linesearchd server according to cfg. In fast mode
// the data file is read and indexed here; a missing or unreadable file, or
// invalid TLS material, fails construction and no listener is opened.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	var tlsConfig *tls.Config
	if cfg.TLSEnabled {
		cert, err := loadTLSMaterial(cfg)
		if err != nil {
			return nil, err
		}
		tlsConfig = cert
	}

	if _, err := os.Stat(cfg.DataPath); err != nil {
		return nil, fmt.Errorf("config: data path %s: %w", cfg.DataPath, err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server.lifecycle"),
		baseLog:   logger,
		clock:     serverClock,
		tlsConfig: tlsConfig,
		metrics:   newServerMetrics(),
		baseCtx:   baseCtx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
		sem:       make(chan struct{}, cfg.MaxWorkers),
		readyCh:   make(chan struct{}),
	}

	if cfg.RereadOnQuery {
		s.source = datasource.NewReread(cfg.DataPath, cfg.BufferSize)
		s.logger.Info("reread mode enabled",
			"data", cfg.DataPath,
			"impact", "every query scans the file; lookup cache disabled")
	} else {
		idx, err := index.Build(cfg.DataPath, cfg.BufferSize)
		if err != nil {
			cancel()
			return nil, err
		}
		s.index = idx
		s.source = datasource.NewIndexed(idx)
		s.metrics.indexedLines.Set(float64(idx.Len()))
		cache, err := lookupcache.New(cfg.CacheCapacity)
		if err != nil {
			cancel()
			return nil, err
		}
		s.cache = cache
		s.logStartupStats(idx.Stats())
	}

	s.limiter = ratelimit.New(ratelimit.Config{
		Enabled:           cfg.RateLimitEnabled,
		RequestsPerMinute: cfg.RequestsPerMinute,
	}, logger, serverClock)

	s.handler = protocol.New(protocol.Config{
		MaxQueryBytes: cfg.MaxQueryBytes,
		BufferSize:    cfg.BufferSize,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		CacheLookups:  !cfg.RereadOnQuery && s.cache != nil,
	}, s.source, s.limiter, s.cache, logger, s)

	return s, nil
}

// logStartupStats reports what the index build produced, including process
// memory the way operators compare against the data file size.
func (s *Server) logStartupStats(stats index.BuildStats) {
	fields := []any{
		"data", stats.Path,
		"lines", stats.Lines,
		"line_bytes", humanize.Bytes(uint64(stats.LineBytes)),
		"file_size", humanize.Bytes(uint64(stats.FileSize)),
		"build_duration", stats.Duration,
		"cache_capacity", s.cfg.CacheCapacity,
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			fields = append(fields, "rss", humanize.Bytes(mem.RSS))
		}
	}
	s.logger.Info("index built", fields...)
}

func loadTLSMaterial(cfg Config) (*tls.Config, error) {
	cert, err := tlsutil.LoadKeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		return nil, fmt.Errorf("config: tls material: %w", err)
	}
	var clientCAs *x509.CertPool
	if cfg.TLSClientCAPath != "" {
		clientCAs, err = tlsutil.LoadClientCAs(cfg.TLSClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("config: tls client ca: %w", err)
		}
	}
	return tlsutil.ServerConfig(cert, clientCAs), nil
}

// Start binds the listener and serves until Shutdown. It blocks for the
// lifetime of the server and returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := listenBacklog(s.cfg.Host, s.cfg.Port, s.cfg.Backlog)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	if s.cfg.MetricsListen != "" {
		srv, mln, err := startMetricsServer(s.cfg.MetricsListen, s.metrics.registry, s.baseLog)
		if err != nil {
			_ = ln.Close()
			return err
		}
		s.metricsSrv, s.metricsLn = srv, mln
		s.logger.Info("metrics listening", "address", mln.Addr().String())
	}
	if s.cfg.PprofListen != "" {
		srv, pln, err := startPprofServer(s.cfg.PprofListen, s.baseLog)
		if err != nil {
			_ = ln.Close()
			s.closeAuxListeners()
			return err
		}
		s.pprofSrv, s.pprofLn = srv, pln
		s.logger.Info("pprof listening", "address", pln.Addr().String())
	}

	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"tls", s.cfg.TLSEnabled,
		"reread_on_query", s.cfg.RereadOnQuery,
		"max_workers", s.cfg.MaxWorkers,
		"rate_limit", s.cfg.RateLimitEnabled)
	s.startSweeper()
	defer s.stopSweeper()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShutdown() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.recordServeErr(err)
			return fmt.Errorf("accept: %w", err)
		}
		select {
		case s.sem <- struct{}{}:
		default:
			// Admission cap reached: close immediately, no handshake.
			s.counters.droppedConnections.Add(1)
			s.metrics.droppedConnections.Inc()
			_ = conn.Close()
			continue
		}
		s.trackConn(conn, true)
		s.workers.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.workers.Done()
	defer func() { <-s.sem }()
	defer s.trackConn(conn, false)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			// A panicking worker must not take the server down.
			s.logger.Error("linesearchd.conn.panic", "panic", r)
		}
	}()

	s.counters.activeConnections.Add(1)
	s.metrics.activeConnections.Inc()
	defer func() {
		s.counters.activeConnections.Add(-1)
		s.metrics.activeConnections.Dec()
	}()

	connID := xid.New().String()
	work := conn
	if s.tlsConfig != nil {
		tlsConn := tls.Server(conn, s.tlsConfig)
		if s.cfg.ReadTimeout > 0 {
			_ = tlsConn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		if err := tlsConn.HandshakeContext(s.baseCtx); err != nil {
			// Handshake failures never count against rate limits.
			s.counters.handshakeFailures.Add(1)
			s.metrics.handshakeFailures.Inc()
			s.logger.Debug("linesearchd.tls.handshake_failed",
				"conn", connID,
				"remote", conn.RemoteAddr().String(),
				"error", err)
			return
		}
		_ = tlsConn.SetReadDeadline(time.Time{})
		work = tlsConn
	}

	s.handler.Handle(s.baseCtx, work, connID)
}

// QueryHandled implements protocol.Observer.
func (s *Server) QueryHandled(result protocol.Result, duration time.Duration) {
	s.counters.queries.Add(1)
	s.metrics.queries.WithLabelValues(string(result)).Inc()
	s.metrics.queryDuration.Observe(duration.Seconds())
	switch result {
	case protocol.ResultExists:
		s.counters.exists.Add(1)
	case protocol.ResultNotFound:
		s.counters.notFound.Add(1)
	case protocol.ResultRateLimited:
		s.counters.rateLimited.Add(1)
	case protocol.ResultError:
		s.counters.errors.Add(1)
	}
}

// CacheHit implements protocol.Observer.
func (s *Server) CacheHit() {
	s.counters.cacheHits.Add(1)
	s.metrics.cacheHits.Inc()
}

// CacheMiss implements protocol.Observer.
func (s *Server) CacheMiss() {
	s.counters.cacheMisses.Add(1)
	s.metrics.cacheMisses.Inc()
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return s.counters.snapshot()
}

// Shutdown stops accepting, drains in-flight requests up to the configured
// grace period, then force-closes the remainder.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.stopSweeper()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.forceCloseConns()
		<-done
	case <-s.clock.After(s.cfg.ShutdownGrace):
		s.forceCloseConns()
		<-done
	}
	s.cancel()
	s.closeAuxListeners()

	if err := s.LastServeError(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) closeAuxListeners() {
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Close()
		s.metricsSrv = nil
	}
	if s.pprofSrv != nil {
		_ = s.pprofSrv.Close()
		s.pprofSrv = nil
	}
}

func (s *Server) forceCloseConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.SetDeadline(time.Now())
		_ = conn.Close()
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// Ready reports whether the listener has been bound.
func (s *Server) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// WaitUntilReady blocks until the server listener is initialized or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MetricsAddr returns the bound metrics listener address, nil when metrics
// are disabled or not yet started.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsLn != nil {
		return s.metricsLn.Addr()
	}
	return nil
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.SweeperInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil || s.shutdown {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	s.sweeperStop = stopCh
	s.sweeperDone.Add(1)
	interval := s.cfg.SweeperInterval
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				if removed := s.limiter.Prune(); removed > 0 {
					s.logger.Debug("linesearchd.ratelimit.pruned", "buckets", removed)
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	s.sweeperStop = nil
	s.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent fatal error from the accept loop.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// accepts connections. It returns the running server alongside a stop
// function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
