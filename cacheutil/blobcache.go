package cacheutil

import (
	"sync"
	"time"
)

// blobEntry is a BlobCache node: the same intrusive list shape as LRU's
// entry, plus a byte size and absolute expiry used for TTL+size eviction.
type blobEntry struct {
	key        int64
	value      []byte
	expiresAt  time.Time
	next, prev *blobEntry
}

// BlobCache is the payload Reconstructor's blob cache: bounded by summed
// value byte length (not entry count) and by a per-entry TTL, mirroring the
// original's cachetools.TTLCache(maxsize=bytes, ttl=seconds) usage in
// image.py's BlockCache. Oversized values (bigger than the whole cache) are
// silently not cached rather than rejected as an error, matching image.py's
// swallowed ValueError("value too large").
type BlobCache struct {
	mu       sync.Mutex
	root     blobEntry
	byKey    map[int64]*blobEntry
	maxBytes int64
	curBytes int64
	ttl      time.Duration
	now      func() time.Time
}

// NewBlobCache creates a cache bounded to maxBytes total value size, with
// entries expiring ttl after insertion.
func NewBlobCache(maxBytes int64, ttl time.Duration) *BlobCache {
	c := &BlobCache{
		byKey:    make(map[int64]*blobEntry),
		maxBytes: maxBytes,
		ttl:      ttl,
		now:      time.Now,
	}
	c.root.next = &c.root
	c.root.prev = &c.root
	return c
}

func (c *BlobCache) push(e *blobEntry) {
	e.prev = c.root.prev
	e.next = &c.root
	c.root.prev.next = e
	c.root.prev = e
}

func (c *BlobCache) unlink(e *blobEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
}

// Get returns the cached blob for key, fetching and inserting it on a miss.
func (c *BlobCache) Get(key int64, fetch func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	if e, ok := c.byKey[key]; ok && c.now().Before(e.expiresAt) {
		c.unlink(e)
		c.push(e)
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	value, err := fetch()
	if err != nil {
		return nil, err
	}
	c.insert(key, value)
	return value, nil
}

func (c *BlobCache) insert(key int64, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(value))
	if size > c.maxBytes {
		// oversized: skip caching silently, per image.py's BlockCache.
		return
	}
	if old, ok := c.byKey[key]; ok {
		c.unlink(old)
		c.curBytes -= int64(len(old.value))
		delete(c.byKey, key)
	}

	for c.curBytes+size > c.maxBytes && c.root.next != &c.root {
		oldest := c.root.next
		c.unlink(oldest)
		c.curBytes -= int64(len(oldest.value))
		delete(c.byKey, oldest.key)
	}

	e := &blobEntry{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	c.push(e)
	c.byKey[key] = e
	c.curBytes += size
}

// Expire evicts all entries past their TTL. Intended to be called
// periodically by the background cache expirer and after each enumeration
// of install operations, matching image.py's _blobs property calling
// self.expire() after iterating.
func (c *BlobCache) Expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := c.root.next
	for e != &c.root {
		next := e.next
		if !now.Before(e.expiresAt) {
			c.unlink(e)
			c.curBytes -= int64(len(e.value))
			delete(c.byKey, e.key)
		}
		e = next
	}
}

// Len returns the number of cached entries.
func (c *BlobCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// Bytes returns the current summed size of cached values.
func (c *BlobCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}
