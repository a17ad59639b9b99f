package formsync

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestalert/edgecache/pkg/cache/mem_cache"
	"github.com/nestalert/edgecache/pkg/generation"
)

func newTestSyncer(t *testing.T, endpoint string) *Syncer {
	t.Helper()
	backend := mem_cache.NewMemCache(64, 0, 0)
	t.Cleanup(func() { backend.Close() })

	s, err := NewSyncer(Opts{
		Backend:  backend,
		Active:   generation.NewActive(generation.NewPair("v1")),
		Endpoint: endpoint,
	})
	require.NoError(t, err)
	return s
}

func Test_flush_success_deletesPending(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.Store(string(b))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSyncer(t, srv.URL+"/api/signup")
	s.SetPending([]byte(`{"email":"a@b.c"}`))

	_, pending := s.Pending()
	require.True(t, pending)

	require.NoError(t, s.Flush(context.Background()))
	require.Equal(t, `{"email":"a@b.c"}`, got.Load())

	_, pending = s.Pending()
	require.False(t, pending, "pending entry must be deleted after 2xx")
}

func Test_flush_failure_keepsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newTestSyncer(t, srv.URL+"/api/signup")
	s.SetPending([]byte(`{"email":"a@b.c"}`))

	require.Error(t, s.Flush(context.Background()))

	body, pending := s.Pending()
	require.True(t, pending, "failed POST must leave the entry for the next signal")
	require.Equal(t, `{"email":"a@b.c"}`, string(body))

	// A later successful signal then clears it.
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv2.Close()
	s.opts.Endpoint = srv2.URL + "/api/signup"

	require.NoError(t, s.Flush(context.Background()))
	_, pending = s.Pending()
	require.False(t, pending)
}

func Test_setPending_lastWriteWins(t *testing.T) {
	s := newTestSyncer(t, "http://127.0.0.1:0/api/signup")
	s.SetPending([]byte(`{"email":"first@x.y"}`))
	s.SetPending([]byte(`{"email":"second@x.y"}`))

	body, ok := s.Pending()
	require.True(t, ok)
	require.Equal(t, `{"email":"second@x.y"}`, string(body))
}

func Test_flush_noPending_isNoop(t *testing.T) {
	s := newTestSyncer(t, "http://127.0.0.1:0/api/signup")
	require.NoError(t, s.Flush(context.Background()))
}
