package mem_cache

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/maps"

	"github.com/nestalert/edgecache/pkg/cache"
	"github.com/nestalert/edgecache/pkg/lru"
)

const (
	shardSize              = 64
	defaultCleanerInterval = time.Minute
)

var _ cache.Backend = (*MemCache)(nil)

// MemCache is an in-memory cache.Backend. Every generation gets its
// own sharded LRU so DeleteGeneration is a single map delete.
type MemCache struct {
	sizePerGen int
	maxAge     time.Duration

	closed           uint32
	closeCleanerChan chan struct{}

	mu   sync.RWMutex
	gens map[string]*lru.Sharded[*cache.Entry]
}

// NewMemCache creates a MemCache that holds up to size entries per
// generation. If maxAge > 0, entries older than maxAge are removed by
// a background cleaner running every cleanerInterval. A
// cleanerInterval <= 0 with maxAge > 0 uses a one minute default.
func NewMemCache(size int, maxAge, cleanerInterval time.Duration) *MemCache {
	c := &MemCache{
		sizePerGen:       size,
		maxAge:           maxAge,
		closeCleanerChan: make(chan struct{}),
		gens:             make(map[string]*lru.Sharded[*cache.Entry]),
	}

	if maxAge > 0 {
		if cleanerInterval <= 0 {
			cleanerInterval = defaultCleanerInterval
		}
		go c.startCleaner(cleanerInterval)
	}
	return c
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeCleanerChan)
	}
	return nil
}

func (c *MemCache) Get(key cache.Key) (*cache.Entry, bool) {
	if c.isClosed() {
		return nil, false
	}

	c.mu.RLock()
	g := c.gens[key.Generation]
	c.mu.RUnlock()
	if g == nil {
		return nil, false
	}

	e, ok := g.Get(key.URL)
	if !ok {
		return nil, false
	}
	if c.maxAge > 0 && time.Since(e.StoredAt) > c.maxAge {
		g.Del(key.URL)
		return nil, false
	}
	return e, true
}

func (c *MemCache) Store(key cache.Key, e *cache.Entry) {
	if c.isClosed() {
		return
	}
	c.generation(key.Generation).Add(key.URL, e)
}

func (c *MemCache) Delete(key cache.Key) {
	if c.isClosed() {
		return
	}

	c.mu.RLock()
	g := c.gens[key.Generation]
	c.mu.RUnlock()
	if g != nil {
		g.Del(key.URL)
	}
}

func (c *MemCache) Generations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Keys(c.gens)
}

func (c *MemCache) DeleteGeneration(generation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.gens[generation]
	if g == nil {
		return 0
	}
	n := g.Len()
	delete(c.gens, generation)
	return n
}

func (c *MemCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sum := 0
	for _, g := range c.gens {
		sum += g.Len()
	}
	return sum
}

func (c *MemCache) generation(name string) *lru.Sharded[*cache.Entry] {
	c.mu.RLock()
	g := c.gens[name]
	c.mu.RUnlock()
	if g != nil {
		return g
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g = c.gens[name]; g == nil {
		sizePerShard := c.sizePerGen / shardSize
		if sizePerShard < 16 {
			sizePerShard = 16
		}
		g = lru.NewSharded[*cache.Entry](shardSize, sizePerShard, nil)
		c.gens[name] = g
	}
	return g
}

func (c *MemCache) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			deadline := time.Now().Add(-c.maxAge)
			c.mu.RLock()
			gens := maps.Values(c.gens)
			c.mu.RUnlock()
			for _, g := range gens {
				g.Clean(func(_ string, e *cache.Entry) bool {
					return e.StoredAt.Before(deadline)
				})
			}
		}
	}
}
