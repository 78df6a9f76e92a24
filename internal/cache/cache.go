// Package cache is the response cache for identical sanitized
// requests. Keys are derived from the anonymized request body, so the
// cache never stores a key computed from raw PII, and cached bodies
// are sanitized wire forms restored per request on the way out.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a bounded LRU with per-entry TTL. Concurrent misses for
// the same key are collapsed into one upstream call via singleflight.
type Cache struct {
	mu      sync.Mutex
	ll      *list.List
	items   map[string]*list.Element
	ttl     time.Duration
	maxSize int

	hits   int64
	misses int64

	group singleflight.Group
}

type entry struct {
	key       string
	body      []byte
	expiresAt time.Time
	hits      int64
}

// New creates a cache holding at most maxSize entries for ttl each.
func New(maxSize int, ttl time.Duration) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Key derives the cache key from the tenant and the sanitized request.
// Only fields that change the completion participate; map marshaling
// sorts keys, so the digest is stable across field order.
func Key(tenant string, req map[string]any) string {
	fields := map[string]any{
		"tenant":   tenant,
		"model":    req["model"],
		"messages": req["messages"],
	}
	for _, f := range []string{"temperature", "top_p", "max_tokens", "presence_penalty", "frequency_penalty"} {
		if v, ok := req[f]; ok {
			fields[f] = v
		}
	}
	data, _ := json.Marshal(fields)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached body for key, if present and fresh.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	e.hits++
	c.hits++
	return e.body, true
}

// Put stores body under key, evicting the least recently used entry
// when full.
func (c *Cache) Put(key string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.body = body
		e.expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry{key: key, body: body, expiresAt: time.Now().Add(c.ttl)})
	c.items[key] = el
	for c.ll.Len() > c.maxSize {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
}

// GetOrFill returns the cached body, or calls fill exactly once across
// concurrent callers with the same key and caches its result. The
// bool reports whether the body came from cache.
func (c *Cache) GetOrFill(key string, fill func() ([]byte, error)) ([]byte, bool, error) {
	if body, ok := c.Get(key); ok {
		return body, true, nil
	}
	v, err, shared := c.group.Do(key, func() (any, error) {
		body, err := fill()
		if err != nil {
			return nil, err
		}
		c.Put(key, body)
		return body, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), shared, nil
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
