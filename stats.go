package linesearchd

import "sync/atomic"

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	Queries            uint64
	Exists             uint64
	NotFound           uint64
	RateLimited        uint64
	Errors             uint64
	CacheHits          uint64
	CacheMisses        uint64
	DroppedConnections uint64
	HandshakeFailures  uint64
	ActiveConnections  int64
}

// counters mirrors the Prometheus collectors with plain atomics so tests
// and diagnostics can read them without scraping.
type counters struct {
	queries            atomic.Uint64
	exists             atomic.Uint64
	notFound           atomic.Uint64
	rateLimited        atomic.Uint64
	errors             atomic.Uint64
	cacheHits          atomic.Uint64
	cacheMisses        atomic.Uint64
	droppedConnections atomic.Uint64
	handshakeFailures  atomic.Uint64
	activeConnections  atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Queries:            c.queries.Load(),
		Exists:             c.exists.Load(),
		NotFound:           c.notFound.Load(),
		RateLimited:        c.rateLimited.Load(),
		Errors:             c.errors.Load(),
		CacheHits:          c.cacheHits.Load(),
		CacheMisses:        c.cacheMisses.Load(),
		DroppedConnections: c.droppedConnections.Load(),
		HandshakeFailures:  c.handshakeFailures.Load(),
		ActiveConnections:  c.activeConnections.Load(),
	}
}
