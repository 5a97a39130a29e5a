// Package protocol implements the per-connection request handler: read one
// newline-terminated query, consult the rate limiter and data source, write
// one response line, close.
package protocol

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"pkt.systems/pslog"

	"github.com/MachariaP/linesearchd/internal/datasource"
	"github.com/MachariaP/linesearchd/internal/index"
	"github.com/MachariaP/linesearchd/internal/lookupcache"
	"github.com/MachariaP/linesearchd/internal/ratelimit"
	"github.com/MachariaP/linesearchd/internal/svcfields"
)

// Wire responses, each written as a single ASCII line.
const (
	ResponseExists      = "STRING EXISTS"
	ResponseNotFound    = "STRING NOT FOUND"
	ResponseRateLimited = "RATE LIMIT EXCEEDED"
	ResponseError       = "ERROR"
)

// Result classifies how a connection concluded.
type Result string

// Connection outcomes reported to the Observer.
const (
	ResultExists      Result = "exists"
	ResultNotFound    Result = "not_found"
	ResultRateLimited Result = "rate_limited"
	ResultError       Result = "error"
	ResultOversize    Result = "oversize"
	ResultTimeout     Result = "timeout"
	ResultClosed      Result = "closed"
)

// Observer receives handler outcome notifications. Implementations must be
// safe for concurrent callers. A nil Observer is valid.
type Observer interface {
	QueryHandled(result Result, duration time.Duration)
	CacheHit()
	CacheMiss()
}

// Config bounds one request.
type Config struct {
	// MaxQueryBytes caps the query length excluding the terminating '\n'.
	MaxQueryBytes int64
	// BufferSize is the socket read buffer size.
	BufferSize int
	// ReadTimeout bounds the wait for the full request line.
	ReadTimeout time.Duration
	// WriteTimeout bounds writing the response line.
	WriteTimeout time.Duration
	// CacheLookups must be false in reread mode; the cache is then never
	// consulted nor populated.
	CacheLookups bool
}

// Handler serves one query per accepted connection.
type Handler struct {
	cfg      Config
	logger   pslog.Logger
	limiter  *ratelimit.Limiter
	cache    *lookupcache.Cache
	source   datasource.Source
	observer Observer
}

// New constructs a handler. limiter, cache, and observer may be nil.
func New(cfg Config, source datasource.Source, limiter *ratelimit.Limiter, cache *lookupcache.Cache, logger pslog.Logger, observer Observer) *Handler {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(logger, "server.handler"),
		limiter:  limiter,
		cache:    cache,
		source:   source,
		observer: observer,
	}
}

// errOversize aborts the read loop when the query exceeds MaxQueryBytes.
var errOversize = errors.New("protocol: query exceeds limit")

// writeCloser is satisfied by *net.TCPConn and *tls.Conn; the response is
// half-closed on the write side before the connection is torn down.
type writeCloser interface {
	CloseWrite() error
}

// Handle runs the request state machine for one connection. The caller owns
// conn and closes it after Handle returns.
func (h *Handler) Handle(ctx context.Context, conn net.Conn, connID string) Result {
	start := time.Now()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	logger := h.logger.With("conn", connID, "remote", remote)

	if h.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}
	line, err := h.readLine(conn)
	if err != nil {
		result := h.classifyReadError(err, len(line) > 0)
		switch result {
		case ResultOversize:
			// Documented choice: oversize queries get an ERROR response
			// before the connection is closed.
			h.writeResponse(conn, logger, ResponseError)
			logger.Warn("linesearchd.query.oversize", "limit", h.cfg.MaxQueryBytes)
		case ResultTimeout:
			logger.Debug("linesearchd.query.read_timeout")
		default:
			logger.Debug("linesearchd.conn.closed_before_query")
		}
		return h.finish(result, start)
	}

	query := index.Normalize(line)

	if !h.limiter.Allow(remote) {
		h.writeResponse(conn, logger, ResponseRateLimited)
		return h.finish(ResultRateLimited, start)
	}

	exists, result := h.lookup(ctx, query, logger)
	response := ResponseNotFound
	switch {
	case result == ResultError:
		response = ResponseError
	case exists:
		response = ResponseExists
	}
	h.writeResponse(conn, logger, response)
	logger.Debug("linesearchd.query.served",
		"result", string(result),
		"bytes", len(query),
		"duration", time.Since(start))
	return h.finish(result, start)
}

// lookup resolves the query through cache and data source.
func (h *Handler) lookup(ctx context.Context, query []byte, logger pslog.Logger) (bool, Result) {
	if h.cfg.CacheLookups {
		if exists, ok := h.cache.Get(query); ok {
			if h.observer != nil {
				h.observer.CacheHit()
			}
			return exists, resultFor(exists)
		}
		if h.observer != nil {
			h.observer.CacheMiss()
		}
	}
	exists, err := h.source.Contains(ctx, query)
	if err != nil {
		logger.Error("linesearchd.query.lookup_failed", "error", err)
		return false, ResultError
	}
	if h.cfg.CacheLookups {
		h.cache.Put(query, exists)
	}
	return exists, resultFor(exists)
}

func resultFor(exists bool) Result {
	if exists {
		return ResultExists
	}
	return ResultNotFound
}

// readLine accumulates bytes up to and including the first '\n'. It fails
// with errOversize once the query portion can no longer fit MaxQueryBytes.
func (h *Handler) readLine(conn net.Conn) ([]byte, error) {
	size := h.cfg.BufferSize
	if size <= 0 {
		size = 64 << 10
	}
	br := bufio.NewReaderSize(conn, size)
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if h.cfg.MaxQueryBytes > 0 && int64(len(line)) > h.cfg.MaxQueryBytes+1 {
			return line, errOversize
		}
		switch {
		case err == nil:
			if h.cfg.MaxQueryBytes > 0 && int64(len(line)-1) > h.cfg.MaxQueryBytes {
				return line, errOversize
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return line, err
		}
	}
}

func (h *Handler) classifyReadError(err error, partial bool) Result {
	switch {
	case errors.Is(err, errOversize):
		return ResultOversize
	case isTimeout(err):
		return ResultTimeout
	case errors.Is(err, io.EOF) && !partial:
		return ResultClosed
	default:
		// Partial line without terminator, reset, or any other transport
		// failure: malformed framing, close without response.
		return ResultClosed
	}
}

func (h *Handler) writeResponse(conn net.Conn, logger pslog.Logger, response string) {
	if h.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	}
	if _, err := io.WriteString(conn, response+"\n"); err != nil {
		logger.Debug("linesearchd.query.write_failed", "error", err)
		return
	}
	if cw, ok := conn.(writeCloser); ok {
		_ = cw.CloseWrite()
	}
}

func (h *Handler) finish(result Result, start time.Time) Result {
	if h.observer != nil {
		h.observer.QueryHandled(result, time.Since(start))
	}
	return result
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
