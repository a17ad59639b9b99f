package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestalert/edgecache/pkg/cache"
	"github.com/nestalert/edgecache/pkg/cache/mem_cache"
	"github.com/nestalert/edgecache/pkg/generation"
	"github.com/nestalert/edgecache/pkg/policy"
	"github.com/nestalert/edgecache/pkg/upstream"
)

func originHandler() http.Handler {
	mux := http.NewServeMux()
	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(body))
		}
	}
	mux.Handle("/", page("<html>home</html>"))
	mux.Handle("/index.html", page("<html>index</html>"))
	mux.Handle("/offline.html", page("<html>offline</html>"))
	mux.HandleFunc("/script.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte("console.log('hi')"))
	})
	return mux
}

// newManager builds a manager over a fresh mem backend. cfg controls
// CDN recognition; origin is the site upstream.
func newManager(t *testing.T, origin string, cfg policy.Config, precache []string) (*Manager, *mem_cache.MemCache) {
	t.Helper()

	backend := mem_cache.NewMemCache(1024, 0, 0)
	t.Cleanup(func() { backend.Close() })

	up, err := upstream.NewUpstream(upstream.Opts{Origin: origin})
	require.NoError(t, err)
	t.Cleanup(func() { up.Close() })

	if cfg.Origin == "" {
		cfg.Origin = origin
	}
	classifier := policy.NewClassifier(cfg)
	rules, err := policy.ParseRules(nil, nil, classifier, nil)
	require.NoError(t, err)

	m, err := NewManager(Opts{
		Backend:  backend,
		Upstream: up,
		Rules:    rules,
		Version:  "v1",
		Precache: precache,
	})
	require.NoError(t, err)
	return m, backend
}

func Test_install_populatesStaticGeneration(t *testing.T) {
	srv := httptest.NewServer(originHandler())
	defer srv.Close()

	manifest := []string{"/", "/index.html", "/script.js"}
	m, backend := newManager(t, srv.URL, policy.Config{}, manifest)

	require.NoError(t, m.Startup(context.Background()))
	require.Equal(t, StateActive, m.State())

	// Every manifest URL plus the offline page has an entry in the
	// static generation.
	for _, u := range []string{"/", "/index.html", "/script.js", "/offline.html"} {
		_, ok := backend.Get(cache.Key{Generation: "static-v1", URL: u})
		require.True(t, ok, "missing static entry for %s", u)
	}
	require.Equal(t, len(manifest)+1, backend.Len())
}

func Test_install_failFast(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/broken.css", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, _ := newManager(t, srv.URL, policy.Config{}, []string{"/", "/broken.css"})

	err := m.Startup(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "/broken.css")
	require.NotEqual(t, StateActive, m.State())
}

func Test_activate_deletesStaleGenerations(t *testing.T) {
	srv := httptest.NewServer(originHandler())
	defer srv.Close()

	m, backend := newManager(t, srv.URL, policy.Config{}, []string{"/"})

	// Leftovers from a previous version.
	backend.Store(cache.Key{Generation: "static-v0", URL: "/"}, &cache.Entry{})
	backend.Store(cache.Key{Generation: "dynamic-v0", URL: "/x"}, &cache.Entry{})

	require.NoError(t, m.Startup(context.Background()))

	gens := backend.Generations()
	for _, g := range gens {
		require.True(t, generation.NewPair("v1").Contains(g), "stale generation %s survived activation", g)
	}
}

func Test_networkFirst_roundTripCaching(t *testing.T) {
	srv := httptest.NewServer(originHandler())
	m, backend := newManager(t, srv.URL, policy.Config{}, nil)

	// Online: response comes from the network and is written back to
	// the dynamic generation.
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/index.html", nil))
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "<html>index</html>", rec.Body.String())

	_, ok := backend.Get(cache.Key{Generation: "dynamic-v1", URL: "/index.html"})
	require.True(t, ok, "network-first must write back to the dynamic generation")

	// Offline: the identical URL is served from cache.
	srv.Close()
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/index.html", nil))
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "<html>index</html>", rec.Body.String())
}

func Test_networkFirst_offlineFallback(t *testing.T) {
	srv := httptest.NewServer(originHandler())
	m, backend := newManager(t, srv.URL, policy.Config{}, nil)

	backend.Store(cache.Key{Generation: "static-v1", URL: "/offline.html"}, &cache.Entry{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte("<html>offline</html>"),
	})

	// No cached entry for the URL and no network: the offline page is
	// the answer.
	srv.Close()
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/never-seen.html", nil))
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "<html>offline</html>", rec.Body.String())
}

func Test_cacheFirst_neverHitsNetworkOnHit(t *testing.T) {
	var cdnCalls atomic.Int64
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cdnCalls.Add(1)
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{margin:0}"))
	}))
	defer cdn.Close()

	origin := httptest.NewServer(originHandler())
	defer origin.Close()

	// The CDN host (127.0.0.1) is recognized as the style framework.
	m, backend := newManager(t, origin.URL, policy.Config{
		StyleHosts: []string{"127.0.0.1"},
		FontHosts:  []string{"unused.invalid"},
		IconHosts:  []string{"unused.invalid"},
	}, nil)

	cssURL := cdn.URL + "/framework.css"
	backend.Store(cache.Key{Generation: "static-v1", URL: cssURL}, &cache.Entry{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/css"}},
		Body:       []byte("body{margin:0}"),
	})

	// The request goes out exactly as a client sends it: absolute URL,
	// Host derived from it. The configured origin decides same-origin.
	req := httptest.NewRequest("GET", cssURL, nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "body{margin:0}", rec.Body.String())
	require.Equal(t, int64(0), cdnCalls.Load(), "cache-first hit must not reach the network")
}

func Test_cacheFirst_missFetchesAndStores(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte(".a{}"))
	}))
	defer cdn.Close()

	origin := httptest.NewServer(originHandler())
	defer origin.Close()

	m, backend := newManager(t, origin.URL, policy.Config{
		StyleHosts: []string{"127.0.0.1"},
		FontHosts:  []string{"unused.invalid"},
		IconHosts:  []string{"unused.invalid"},
	}, nil)

	cssURL := cdn.URL + "/framework.css"
	req := httptest.NewRequest("GET", cssURL, nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, ".a{}", rec.Body.String())

	_, ok := backend.Get(cache.Key{Generation: "static-v1", URL: cssURL})
	require.True(t, ok, "cache-first miss must write back to the static generation")
}

func Test_styleCDN_degradesToEmptyStylesheet(t *testing.T) {
	origin := httptest.NewServer(originHandler())
	defer origin.Close()

	m, _ := newManager(t, origin.URL, policy.Config{
		StyleHosts: []string{"127.0.0.1"},
		FontHosts:  []string{"unused.invalid"},
		IconHosts:  []string{"unused.invalid"},
	}, nil)

	// Dead port: no cache entry, no network.
	req := httptest.NewRequest("GET", "http://127.0.0.1:1/framework.css", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "text/css; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Empty(t, rec.Body.String(), "fallback stylesheet must be empty, not an error")
}

func Test_unrecognizedExternal_failsWith503(t *testing.T) {
	origin := httptest.NewServer(originHandler())
	defer origin.Close()

	m, _ := newManager(t, origin.URL, policy.Config{
		StyleHosts: []string{"unused.invalid"},
		FontHosts:  []string{"unused.invalid"},
		IconHosts:  []string{"unused.invalid"},
	}, nil)

	req := httptest.NewRequest("GET", "http://127.0.0.1:1/beacon.js", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func Test_update_waitingUntilSkipWaitingMessage(t *testing.T) {
	srv := httptest.NewServer(originHandler())
	defer srv.Close()

	backend := mem_cache.NewMemCache(1024, 0, 0)
	defer backend.Close()
	up, err := upstream.NewUpstream(upstream.Opts{Origin: srv.URL})
	require.NoError(t, err)
	defer up.Close()
	classifier := policy.NewClassifier(policy.Config{})
	rules, err := policy.ParseRules(nil, nil, classifier, nil)
	require.NoError(t, err)

	manual := false
	m, err := NewManager(Opts{
		Backend:      backend,
		Upstream:     up,
		Rules:        rules,
		Version:      "v1",
		Precache:     []string{"/"},
		AutoActivate: &manual,
	})
	require.NoError(t, err)

	require.NoError(t, m.Install(context.Background(), generation.NewPair("v1")))
	require.NoError(t, m.Activate())

	// New version installs but stays parked.
	require.NoError(t, m.Update(context.Background(), "v2"))
	require.Equal(t, StateWaiting, m.State())
	require.Equal(t, generation.NewPair("v1"), m.Active())

	// Skip-waiting promotes it and cleans up v1.
	require.NoError(t, m.HandleMessage(context.Background(), Message{Type: MessageSkipWaiting}))
	require.Equal(t, StateActive, m.State())
	require.Equal(t, generation.NewPair("v2"), m.Active())

	for _, g := range backend.Generations() {
		require.True(t, generation.NewPair("v2").Contains(g))
	}

	// A second skip-waiting with nothing parked is a no-op.
	require.NoError(t, m.HandleMessage(context.Background(), Message{Type: MessageSkipWaiting}))
}

func Test_message_cacheURLs(t *testing.T) {
	srv := httptest.NewServer(originHandler())
	defer srv.Close()

	m, backend := newManager(t, srv.URL, policy.Config{}, nil)

	err := m.HandleMessage(context.Background(), Message{
		Type: MessageCacheURLs,
		URLs: []string{"/", "/script.js"},
	})
	require.NoError(t, err)

	for _, u := range []string{"/", "/script.js"} {
		_, ok := backend.Get(cache.Key{Generation: "dynamic-v1", URL: u})
		require.True(t, ok, "missing dynamic entry for %s", u)
	}
}

func Test_message_unknownKind(t *testing.T) {
	srv := httptest.NewServer(originHandler())
	defer srv.Close()

	m, _ := newManager(t, srv.URL, policy.Config{}, nil)
	err := m.HandleMessage(context.Background(), Message{Type: "REFRESH_EVERYTHING"})
	require.Error(t, err)
}

func Test_nonGET_passesThrough(t *testing.T) {
	var sawMethod atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawMethod.Store(r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, backend := newManager(t, srv.URL, policy.Config{}, nil)

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("DELETE", "/whatever", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "DELETE", sawMethod.Load())
	require.Equal(t, 0, backend.Len(), "pass-through must not cache")
}
