package anonymize

import (
	"container/list"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ValueCache stores original PII value -> synthetic value pairs across
// requests, so a recurring original keeps a stable fake even after a
// restart. Implementations are safe for concurrent use.
type ValueCache interface {
	Get(key string) (synthetic string, ok bool)
	Set(key, synthetic string)
	Delete(key string)
	Close() error
}

// NewValueCache returns a bbolt-backed cache with an S3-FIFO in-memory
// layer when path is non-empty, and a plain in-memory cache otherwise.
func NewValueCache(path string, capacity int, log *zap.Logger) (ValueCache, error) {
	if path == "" {
		return newMemValueCache(), nil
	}
	backing, err := newBoltValueCache(path, log)
	if err != nil {
		return nil, err
	}
	return newFIFOValueCache(backing, capacity), nil
}

type memValueCache struct {
	mu    sync.RWMutex
	store map[string]string
}

func newMemValueCache() *memValueCache {
	return &memValueCache{store: make(map[string]string)}
}

func (c *memValueCache) Get(key string) (string, bool) {
	c.mu.RLock()
	v, ok := c.store[key]
	c.mu.RUnlock()
	return v, ok
}

func (c *memValueCache) Set(key, synthetic string) {
	c.mu.Lock()
	c.store[key] = synthetic
	c.mu.Unlock()
}

func (c *memValueCache) Delete(key string) {
	c.mu.Lock()
	delete(c.store, key)
	c.mu.Unlock()
}

func (c *memValueCache) Close() error { return nil }

const valueBucket = "synthetic_values"

// boltValueCache persists pairs in an embedded bbolt file so synthetic
// values survive restarts.
type boltValueCache struct {
	db  *bolt.DB
	log *zap.Logger
}

func newBoltValueCache(path string, log *zap.Logger) (*boltValueCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open value cache %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(valueBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create value cache bucket: %w", err)
	}
	log.Info("synthetic value cache opened", zap.String("path", path))
	return &boltValueCache{db: db, log: log}, nil
}

func (c *boltValueCache) Get(key string) (string, bool) {
	var synthetic string
	if err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(valueBucket)).Get([]byte(key)); v != nil {
			synthetic = string(v)
		}
		return nil
	}); err != nil {
		c.log.Warn("value cache read failed", zap.Error(err))
		return "", false
	}
	return synthetic, synthetic != ""
}

func (c *boltValueCache) Set(key, synthetic string) {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(valueBucket)).Put([]byte(key), []byte(synthetic))
	}); err != nil {
		c.log.Warn("value cache write failed", zap.Error(err))
	}
}

func (c *boltValueCache) Delete(key string) {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(valueBucket)).Delete([]byte(key))
	}); err != nil {
		c.log.Warn("value cache delete failed", zap.Error(err))
	}
}

func (c *boltValueCache) Close() error { return c.db.Close() }

// fifoValueCache bounds the hot in-memory footprint and the on-disk
// store with S3-FIFO eviction: a small probationary queue, a main
// queue for keys re-accessed at least once, and a bounded ghost set of
// recent probationary evictions that fast-tracks returning keys into
// the main queue.
type fifoValueCache struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*fifoEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	backing ValueCache
}

type fifoEntry struct {
	value string
	freq  uint8 // saturating counter in [0, 3]
	elem  *list.Element
	inM   bool
}

func newFIFOValueCache(backing ValueCache, capacity int) *fifoValueCache {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &fifoValueCache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*fifoEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
		backing:  backing,
	}
}

func (c *fifoValueCache) Get(key string) (string, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.freq < 3 {
			e.freq++
		}
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	// cold path: fall back to the backing store and re-warm
	synthetic, ok := c.backing.Get(key)
	if !ok {
		return "", false
	}
	c.insert(key, synthetic)
	return synthetic, true
}

func (c *fifoValueCache) Set(key, synthetic string) {
	c.insert(key, synthetic)
	c.backing.Set(key, synthetic)
}

func (c *fifoValueCache) Delete(key string) {
	c.mu.Lock()
	c.removeResident(key)
	c.mu.Unlock()
	c.backing.Delete(key)
}

func (c *fifoValueCache) Close() error { return c.backing.Close() }

func (c *fifoValueCache) insert(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	// keys seen in the ghost set skip probation
	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &fifoEntry{value: value, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		if c.sQueue.Len() > 0 {
			c.evictFromS()
		} else {
			c.evictFromM()
		}
	}
}

func (c *fifoValueCache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		if c.mQueue.Len() > c.capacity-c.sTarget {
			c.evictFromM()
		}
		return
	}
	delete(c.entries, key)
	c.ghostAdd(key)
	go c.backing.Delete(key)
}

func (c *fifoValueCache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.mQueue.Remove(front)
	delete(c.entries, key)
	go c.backing.Delete(key)
}

func (c *fifoValueCache) removeResident(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	delete(c.entries, key)
}

func (c *fifoValueCache) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *fifoValueCache) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
