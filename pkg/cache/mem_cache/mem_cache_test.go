package mem_cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nestalert/edgecache/pkg/cache"
)

func entry(body string) *cache.Entry {
	return &cache.Entry{
		StatusCode: 200,
		Body:       []byte(body),
		StoredAt:   time.Now(),
	}
}

func Test_memCache(t *testing.T) {
	c := NewMemCache(1024, 0, 0)
	defer c.Close()

	for i := 0; i < 128; i++ {
		key := cache.Key{Generation: "static-v1", URL: fmt.Sprintf("/a/%d", i)}
		c.Store(key, entry(fmt.Sprint(i)))
		e, ok := c.Get(key)
		if !ok || string(e.Body) != fmt.Sprint(i) {
			t.Fatal("cache kv mismatched")
		}
	}

	// Overwrite keeps one entry per URL.
	key := cache.Key{Generation: "static-v1", URL: "/a/0"}
	c.Store(key, entry("new"))
	e, _ := c.Get(key)
	if string(e.Body) != "new" {
		t.Fatal("store should overwrite")
	}
	if c.Len() != 128 {
		t.Fatalf("want 128 entries, got %d", c.Len())
	}
}

func Test_memCache_generations(t *testing.T) {
	c := NewMemCache(1024, 0, 0)
	defer c.Close()

	c.Store(cache.Key{Generation: "static-v1", URL: "/"}, entry("a"))
	c.Store(cache.Key{Generation: "static-v2", URL: "/"}, entry("b"))
	c.Store(cache.Key{Generation: "dynamic-v2", URL: "/x"}, entry("c"))

	if n := len(c.Generations()); n != 3 {
		t.Fatalf("want 3 generations, got %d", n)
	}

	if n := c.DeleteGeneration("static-v1"); n != 1 {
		t.Fatalf("want 1 removed, got %d", n)
	}
	if _, ok := c.Get(cache.Key{Generation: "static-v1", URL: "/"}); ok {
		t.Fatal("deleted generation still readable")
	}
	if _, ok := c.Get(cache.Key{Generation: "static-v2", URL: "/"}); !ok {
		t.Fatal("other generation lost")
	}
	if n := c.DeleteGeneration("static-v1"); n != 0 {
		t.Fatal("deleting a missing generation should be a no-op")
	}
}

func Test_memCache_cleaner(t *testing.T) {
	c := NewMemCache(1024, time.Millisecond, time.Millisecond*10)
	defer c.Close()

	for i := 0; i < 64; i++ {
		key := cache.Key{Generation: "dynamic-v1", URL: fmt.Sprintf("/%d", i)}
		c.Store(key, &cache.Entry{StoredAt: time.Now().Add(-time.Minute)})
	}

	time.Sleep(time.Millisecond * 100)
	if c.Len() != 0 {
		t.Fatal()
	}
}

func Test_memCache_race(t *testing.T) {
	c := NewMemCache(1024, 0, 0)
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				key := cache.Key{Generation: "dynamic-v1", URL: fmt.Sprintf("/%d", i)}
				c.Store(key, entry(""))
				_, _ = c.Get(key)
				_ = c.Generations()
			}
		}()
	}
	wg.Wait()
}
