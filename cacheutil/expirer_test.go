package cacheutil

import (
	"sync"
	"testing"
	"time"
)

func TestExpirerSweepsExpiredEntries(t *testing.T) {
	c := NewBlobCache(1024, time.Millisecond)
	c.insert(1, []byte("stale"))

	e := NewExpirer(c, time.Millisecond, &sync.Mutex{})
	e.Start()
	defer e.Stop()

	deadline := time.Now().Add(time.Second)
	for c.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.Len() != 0 {
		t.Fatalf("expected expirer to evict the stale entry, Len() = %d", c.Len())
	}
}

func TestExpirerStopIsIdempotent(t *testing.T) {
	c := NewBlobCache(1024, time.Minute)
	e := NewExpirer(c, time.Hour, nil)
	e.Start()
	e.Stop()
	e.Stop() // must not panic or hang
}
