package cache_test

import (
	"testing"
	"time"

	"github.com/basket/activematrix/internal/cache"
)

func TestLRU_SetGet(t *testing.T) {
	c := cache.NewLRU[string, int](10)
	c.Set("a", 1, 0)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("expected (1, true), got (%d, %v)", v, ok)
	}
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := cache.NewLRU[string, int](2)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Get("a") // touch a, making b the LRU entry
	c.Set("c", 3, 0)

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to be present")
	}
	if c.Len() != 2 {
		t.Fatalf("expected len 2, got %d", c.Len())
	}
}

func TestLRU_TTLExpiry(t *testing.T) {
	c := cache.NewLRU[string, string](10)
	c.Set("k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected expired entry to be absent")
	}
}

func TestLRU_Delete(t *testing.T) {
	c := cache.NewLRU[string, int](10)
	c.Set("a", 1, 0)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected deleted entry to be absent")
	}
}
