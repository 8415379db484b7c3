package cacheutil

import (
	"testing"
	"time"
)

func TestBlobCacheHitMiss(t *testing.T) {
	c := NewBlobCache(1024, time.Minute)
	fetches := 0
	fetch := func(b byte) func() ([]byte, error) {
		return func() ([]byte, error) {
			fetches++
			return []byte{b}, nil
		}
	}

	data, err := c.Get(0, fetch(1))
	if err != nil || data[0] != 1 {
		t.Fatalf("got %v, %v", data, err)
	}
	data, err = c.Get(0, fetch(2))
	if err != nil || data[0] != 1 {
		t.Fatalf("expected cached value, got %v, %v", data, err)
	}
	if fetches != 1 {
		t.Fatalf("expected one fetch, got %d", fetches)
	}
}

func TestBlobCacheEvictsBySize(t *testing.T) {
	c := NewBlobCache(10, time.Minute)
	mustGet := func(key int64, size int) {
		t.Helper()
		_, err := c.Get(key, func() ([]byte, error) { return make([]byte, size), nil })
		if err != nil {
			t.Fatal(err)
		}
	}

	mustGet(0, 6)
	mustGet(4096, 6) // total would be 12 > 10, evicts key 0

	if c.Bytes() > 10 {
		t.Fatalf("cache exceeded maxBytes: %d", c.Bytes())
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", c.Len())
	}
}

func TestBlobCacheOversizedValueNotCached(t *testing.T) {
	c := NewBlobCache(4, time.Minute)
	_, err := c.Get(0, func() ([]byte, error) { return make([]byte, 100), nil })
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Fatal("oversized value must not be cached, must not error")
	}
}

func TestBlobCacheExpire(t *testing.T) {
	c := NewBlobCache(1024, time.Millisecond)
	fake := time.Now()
	c.now = func() time.Time { return fake }

	_, err := c.Get(0, func() ([]byte, error) { return []byte{1}, nil })
	if err != nil {
		t.Fatal(err)
	}
	fake = fake.Add(time.Second)
	c.Expire()
	if c.Len() != 0 {
		t.Fatal("expected expired entry to be evicted")
	}
}
