package idemcache

import "testing"

func TestGetPutRoundTrip(t *testing.T) {
	t.Parallel()
	c := New(2)
	c.Put("a", 1)
	v, ok := c.Get("a")
	if !ok || v.(int) != 1 {
		t.Fatalf("got %v, %v, want 1, true", v, ok)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	c := New(2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // touch a, making b the LRU entry
	c.Put("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected c to be present")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	t.Parallel()
	c := New(2)
	c.Put("a", 1)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a to be deleted")
	}
	if c.Len() != 0 {
		t.Fatalf("want len 0, got %d", c.Len())
	}
}

func TestPutOverwritesInPlace(t *testing.T) {
	t.Parallel()
	c := New(2)
	c.Put("a", 1)
	c.Put("a", 2)
	if c.Len() != 1 {
		t.Fatalf("want len 1, got %d", c.Len())
	}
	v, _ := c.Get("a")
	if v.(int) != 2 {
		t.Fatalf("want 2, got %v", v)
	}
}
