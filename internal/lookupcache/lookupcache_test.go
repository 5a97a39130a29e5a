package lookupcache

import (
	"fmt"
	"sync"
	"testing"
)

func TestCacheGetPut(t *testing.T) {
	c, err := New(8)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := c.Get([]byte("missing")); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Put([]byte("hello"), true)
	c.Put([]byte("absent"), false)

	exists, ok := c.Get([]byte("hello"))
	if !ok || !exists {
		t.Fatalf("expected cached true, got exists=%v ok=%v", exists, ok)
	}
	exists, ok = c.Get([]byte("absent"))
	if !ok || exists {
		t.Fatalf("expected cached false, got exists=%v ok=%v", exists, ok)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Put([]byte("a"), true)
	c.Put([]byte("b"), true)
	// Touch a so b becomes the eviction candidate.
	if _, ok := c.Get([]byte("a")); !ok {
		t.Fatal("expected a cached")
	}
	c.Put([]byte("c"), true)

	if _, ok := c.Get([]byte("b")); ok {
		t.Fatal("expected b evicted")
	}
	if _, ok := c.Get([]byte("a")); !ok {
		t.Fatal("expected a retained")
	}
	if _, ok := c.Get([]byte("c")); !ok {
		t.Fatal("expected c retained")
	}
	if c.Len() != 2 {
		t.Fatalf("expected len 2, got %d", c.Len())
	}
}

func TestCacheZeroCapacityDisabled(t *testing.T) {
	c, err := New(0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c != nil {
		t.Fatal("expected nil cache for capacity 0")
	}
	c.Put([]byte("x"), true)
	if _, ok := c.Get([]byte("x")); ok {
		t.Fatal("disabled cache must never hit")
	}
	if c.Len() != 0 {
		t.Fatal("disabled cache must report length 0")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c, err := New(128)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				key := []byte(fmt.Sprintf("key-%d", i%64))
				c.Put(key, i%2 == 0)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	if c.Len() == 0 {
		t.Fatal("expected entries after concurrent writes")
	}
}
