package disk_cache

import (
	"net/http"
	"testing"
	"time"

	"github.com/nestalert/edgecache/pkg/cache"
)

func Test_diskCache_roundTrip(t *testing.T) {
	d, err := NewDiskCache(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	key := cache.Key{Generation: "static-v1", URL: "https://example.com/script.js"}
	e := &cache.Entry{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"application/javascript"}},
		Body:       []byte("console.log(1)"),
		StoredAt:   time.Unix(1700000000, 0),
	}
	d.Store(key, e)

	got, ok := d.Get(key)
	if !ok {
		t.Fatal("miss after store")
	}
	if string(got.Body) != string(e.Body) || got.StatusCode != 200 {
		t.Fatal("entry mismatch")
	}
	if got.Header.Get("Content-Type") != "application/javascript" {
		t.Fatal("header lost")
	}

	if _, ok := d.Get(cache.Key{Generation: "static-v1", URL: "https://example.com/other"}); ok {
		t.Fatal("unexpected hit")
	}
}

func Test_diskCache_generations(t *testing.T) {
	d, err := NewDiskCache(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	d.Store(cache.Key{Generation: "static-v1", URL: "/a"}, &cache.Entry{})
	d.Store(cache.Key{Generation: "static-v1", URL: "/b"}, &cache.Entry{})
	d.Store(cache.Key{Generation: "dynamic-v1", URL: "/c"}, &cache.Entry{})

	if n := len(d.Generations()); n != 2 {
		t.Fatalf("want 2 generations, got %d", n)
	}
	if d.Len() != 3 {
		t.Fatalf("want 3 entries, got %d", d.Len())
	}

	if n := d.DeleteGeneration("static-v1"); n != 2 {
		t.Fatalf("want 2 removed, got %d", n)
	}
	if _, ok := d.Get(cache.Key{Generation: "static-v1", URL: "/a"}); ok {
		t.Fatal("entry survived generation delete")
	}
	if d.Len() != 1 {
		t.Fatalf("want 1 entry, got %d", d.Len())
	}
}

func Test_diskCache_overwrite(t *testing.T) {
	d, err := NewDiskCache(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	key := cache.Key{Generation: "dynamic-v1", URL: "/"}
	d.Store(key, &cache.Entry{Body: []byte("old")})
	d.Store(key, &cache.Entry{Body: []byte("new")})

	got, ok := d.Get(key)
	if !ok || string(got.Body) != "new" {
		t.Fatal("overwrite failed")
	}
	if d.Len() != 1 {
		t.Fatalf("want 1 entry, got %d", d.Len())
	}
}
