package lru

import (
	"fmt"
	"sync"
	"testing"
)

func Test_LRU(t *testing.T) {
	q := New[string, int](8, nil)
	for i := 0; i < 8; i++ {
		q.Add(fmt.Sprintf("k%d", i), i)
	}
	if q.Len() != 8 {
		t.Fatalf("want len 8, got %d", q.Len())
	}

	// k0 becomes most recently used, k1 is evicted next.
	if v, ok := q.Get("k0"); !ok || v != 0 {
		t.Fatal("lost k0")
	}
	q.Add("k8", 8)
	if _, ok := q.Get("k1"); ok {
		t.Fatal("k1 should have been evicted")
	}
	if _, ok := q.Get("k0"); !ok {
		t.Fatal("k0 should survive")
	}

	// Overwrite keeps length.
	q.Add("k0", 100)
	if v, _ := q.Get("k0"); v != 100 {
		t.Fatal("overwrite failed")
	}
	if q.Len() != 8 {
		t.Fatalf("want len 8, got %d", q.Len())
	}
}

func Test_LRU_onEvict(t *testing.T) {
	evicted := make(map[string]int)
	q := New[string, int](4, func(key string, v int) {
		evicted[key] = v
	})
	for i := 0; i < 8; i++ {
		q.Add(fmt.Sprintf("k%d", i), i)
	}
	if len(evicted) != 4 {
		t.Fatalf("want 4 evictions, got %d", len(evicted))
	}
	for i := 0; i < 4; i++ {
		if v, ok := evicted[fmt.Sprintf("k%d", i)]; !ok || v != i {
			t.Fatalf("k%d missing from evicted set", i)
		}
	}
}

func Test_LRU_clean(t *testing.T) {
	q := New[int, int](64, nil)
	for i := 0; i < 64; i++ {
		q.Add(i, i)
	}
	removed := q.Clean(func(key, v int) bool { return key%2 == 0 })
	if removed != 32 {
		t.Fatalf("want 32 removed, got %d", removed)
	}
	if q.Len() != 32 {
		t.Fatalf("want len 32, got %d", q.Len())
	}
	if _, ok := q.Get(2); ok {
		t.Fatal("key 2 should be gone")
	}
	if _, ok := q.Get(3); !ok {
		t.Fatal("key 3 should survive")
	}
}

func Test_Sharded_race(t *testing.T) {
	s := NewSharded[int](16, 64, nil)
	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 256; j++ {
				key := fmt.Sprintf("k%d", j)
				s.Add(key, j)
				_, _ = s.Get(key)
				s.Clean(func(_ string, _ int) bool { return false })
			}
		}()
	}
	wg.Wait()
}
