package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/MachariaP/linesearchd/internal/clock"
)

func newTestLimiter(limit int) (*Limiter, *clock.Manual) {
	manual := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	l := New(Config{Enabled: true, RequestsPerMinute: limit}, pslog.NoopLogger(), manual)
	return l, manual
}

func TestLimiterAllowsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(3)
	remote := "10.0.0.1:50000"
	for i := 0; i < 3; i++ {
		if !l.Allow(remote) {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	if l.Allow(remote) {
		t.Fatal("request beyond the limit must be rejected")
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l, manual := newTestLimiter(2)
	remote := "10.0.0.1:50000"
	if !l.Allow(remote) || !l.Allow(remote) {
		t.Fatal("first two requests should be admitted")
	}
	if l.Allow(remote) {
		t.Fatal("third request should be rejected")
	}
	manual.Advance(61 * time.Second)
	if !l.Allow(remote) {
		t.Fatal("request after the window should be admitted")
	}
}

func TestLimiterSharesBucketAcrossPorts(t *testing.T) {
	l, _ := newTestLimiter(2)
	if !l.Allow("10.0.0.1:1111") || !l.Allow("10.0.0.1:2222") {
		t.Fatal("expected admissions from different ports")
	}
	if l.Allow("10.0.0.1:3333") {
		t.Fatal("ports must share one bucket per IP")
	}
	if l.ActiveBuckets() != 1 {
		t.Fatalf("expected a single bucket, got %d", l.ActiveBuckets())
	}
}

func TestLimiterIsolatesClients(t *testing.T) {
	l, _ := newTestLimiter(1)
	if !l.Allow("10.0.0.1:1") {
		t.Fatal("first client should be admitted")
	}
	if !l.Allow("10.0.0.2:1") {
		t.Fatal("second client must not inherit the first client's count")
	}
	if !l.Allow("[2001:db8::1]:1") {
		t.Fatal("IPv6 client is a distinct key")
	}
	if l.Allow("[2001:db8::1]:2") {
		t.Fatal("IPv6 client beyond limit must be rejected")
	}
}

func TestLimiterDisabledAdmitsEverything(t *testing.T) {
	manual := clock.NewManual(time.Now())
	l := New(Config{Enabled: false, RequestsPerMinute: 1}, pslog.NoopLogger(), manual)
	for i := 0; i < 100; i++ {
		if !l.Allow("10.0.0.1:1") {
			t.Fatal("disabled limiter must admit everything")
		}
	}
	if l.ActiveBuckets() != 0 {
		t.Fatal("disabled limiter must not track buckets")
	}
}

func TestLimiterMonotonicWindow(t *testing.T) {
	// Any 60-second window admits at most the configured limit.
	const limit = 10
	l, manual := newTestLimiter(limit)
	remote := "10.0.0.9:4242"
	admitted := 0
	for i := 0; i < 300; i++ {
		if l.Allow(remote) {
			admitted++
		}
		manual.Advance(100 * time.Millisecond)
	}
	// 30 seconds elapsed in total; a single window spans it all.
	elapsed := 30 * time.Second
	if elapsed < Window && admitted > limit {
		t.Fatalf("admitted %d requests inside one window, limit %d", admitted, limit)
	}
}

func TestLimiterPruneRemovesIdleBuckets(t *testing.T) {
	l, manual := newTestLimiter(5)
	for i := 0; i < 4; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d:1", i))
	}
	if l.ActiveBuckets() != 4 {
		t.Fatalf("expected 4 buckets, got %d", l.ActiveBuckets())
	}
	manual.Advance(30 * time.Second)
	l.Allow("10.0.0.0:1")
	manual.Advance(31 * time.Second)
	if removed := l.Prune(); removed != 3 {
		t.Fatalf("expected 3 pruned buckets, got %d", removed)
	}
	if l.ActiveBuckets() != 1 {
		t.Fatalf("expected the refreshed bucket to survive, got %d", l.ActiveBuckets())
	}
}
