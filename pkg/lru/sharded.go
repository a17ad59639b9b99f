package lru

import (
	"hash/maphash"
	"sync"
)

// Concurrent wraps an LRU with a mutex.
type Concurrent[K comparable, V any] struct {
	mu  sync.Mutex
	lru *LRU[K, V]
}

func NewConcurrent[K comparable, V any](maxSize int, onEvict func(key K, v V)) *Concurrent[K, V] {
	return &Concurrent[K, V]{
		lru: New[K, V](maxSize, onEvict),
	}
}

func (c *Concurrent[K, V]) Add(key K, v V) {
	c.mu.Lock()
	c.lru.Add(key, v)
	c.mu.Unlock()
}

func (c *Concurrent[K, V]) Get(key K) (v V, ok bool) {
	c.mu.Lock()
	v, ok = c.lru.Get(key)
	c.mu.Unlock()
	return
}

func (c *Concurrent[K, V]) Del(key K) {
	c.mu.Lock()
	c.lru.Del(key)
	c.mu.Unlock()
}

func (c *Concurrent[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	c.mu.Lock()
	removed = c.lru.Clean(f)
	c.mu.Unlock()
	return
}

func (c *Concurrent[K, V]) Range(f func(key K, v V)) {
	c.mu.Lock()
	c.lru.Range(f)
	c.mu.Unlock()
}

func (c *Concurrent[K, V]) Len() int {
	c.mu.Lock()
	n := c.lru.Len()
	c.mu.Unlock()
	return n
}

// Sharded spreads string keys over multiple Concurrent shards to
// reduce lock contention.
type Sharded[V any] struct {
	seed maphash.Seed
	l    []*Concurrent[string, V]
	mask uint64 // shardNum - 1, shardNum must be a power of 2
}

func NewSharded[V any](shardNum, maxSizePerShard int, onEvict func(key string, v V)) *Sharded[V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("lru: shardNum must be a power of 2 and > 0")
	}

	s := &Sharded[V]{
		seed: maphash.MakeSeed(),
		l:    make([]*Concurrent[string, V], shardNum),
		mask: uint64(shardNum - 1),
	}
	for i := range s.l {
		s.l[i] = NewConcurrent[string, V](maxSizePerShard, onEvict)
	}
	return s
}

func (s *Sharded[V]) shard(key string) *Concurrent[string, V] {
	h := maphash.String(s.seed, key)
	return s.l[int(h&s.mask)]
}

func (s *Sharded[V]) Add(key string, v V) {
	s.shard(key).Add(key, v)
}

func (s *Sharded[V]) Get(key string) (v V, ok bool) {
	return s.shard(key).Get(key)
}

func (s *Sharded[V]) Del(key string) {
	s.shard(key).Del(key)
}

func (s *Sharded[V]) Clean(f func(key string, v V) bool) (removed int) {
	for _, shard := range s.l {
		removed += shard.Clean(f)
	}
	return removed
}

func (s *Sharded[V]) Range(f func(key string, v V)) {
	for _, shard := range s.l {
		shard.Range(f)
	}
}

func (s *Sharded[V]) Len() int {
	sum := 0
	for _, shard := range s.l {
		sum += shard.Len()
	}
	return sum
}
