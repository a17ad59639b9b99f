package lru

import "fmt"

// node is an intrusive doubly-linked list node. The list is ordered
// from least recently used (head) to most recently used (tail).
type node[K comparable, V any] struct {
	key        K
	v          V
	prev, next *node[K, V]
}

// LRU is a fixed-capacity least-recently-used map. It is not safe for
// concurrent use.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	m          map[K]*node[K, V]
	head, tail *node[K, V]
}

func New[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("lru: invalid max size %d", maxSize))
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*node[K, V], maxSize),
	}
}

// Add inserts or overwrites key. If the map is full, the least
// recently used entry is evicted and its node reused.
func (q *LRU[K, V]) Add(key K, v V) {
	if n, ok := q.m[key]; ok {
		n.v = v
		q.moveToTail(n)
		return
	}

	if len(q.m) >= q.maxSize {
		n := q.head
		if q.onEvict != nil {
			q.onEvict(n.key, n.v)
		}
		delete(q.m, n.key)
		n.key = key
		n.v = v
		q.m[key] = n
		q.moveToTail(n)
		return
	}

	n := &node[K, V]{key: key, v: v}
	q.m[key] = n
	q.pushTail(n)
}

func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	n, ok := q.m[key]
	if !ok {
		return
	}
	q.moveToTail(n)
	return n.v, true
}

func (q *LRU[K, V]) Del(key K) {
	if n, ok := q.m[key]; ok {
		q.remove(n, true)
	}
}

// Clean walks all entries from oldest to newest and removes those for
// which f returns true.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	n := q.head
	for n != nil {
		next := n.next
		if f(n.key, n.v) {
			q.remove(n, true)
			removed++
		}
		n = next
	}
	return removed
}

// Range calls f for every entry from oldest to newest. f must not
// modify the LRU.
func (q *LRU[K, V]) Range(f func(key K, v V)) {
	for n := q.head; n != nil; n = n.next {
		f(n.key, n.v)
	}
}

func (q *LRU[K, V]) Len() int {
	return len(q.m)
}

func (q *LRU[K, V]) pushTail(n *node[K, V]) {
	if q.tail == nil {
		q.head, q.tail = n, n
		return
	}
	n.prev = q.tail
	q.tail.next = n
	q.tail = n
}

func (q *LRU[K, V]) moveToTail(n *node[K, V]) {
	if q.tail == n {
		return
	}
	q.unlink(n)
	q.pushTail(n)
}

func (q *LRU[K, V]) unlink(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		q.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (q *LRU[K, V]) remove(n *node[K, V], evict bool) {
	q.unlink(n)
	delete(q.m, n.key)
	if evict && q.onEvict != nil {
		q.onEvict(n.key, n.v)
	}
}
