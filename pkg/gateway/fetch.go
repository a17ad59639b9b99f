package gateway

import (
	"bytes"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/nestalert/edgecache/pkg/cache"
	"github.com/nestalert/edgecache/pkg/policy"
)

const maxSignupBodySize = 64 << 10 // 64 KiB

// ServeHTTP is the fetch interception pipeline. A panic in any route
// handler is logged and answered with a 500; it must never take the
// pipeline down.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if v := recover(); v != nil {
			m.logger.Error("panic in fetch handler",
				zap.Any("panic", v),
				zap.String("url", r.URL.String()))
			writeUnavailable(w)
		}
	}()

	d := m.opts.Rules.Decide(r)
	m.metrics.fetches.WithLabelValues(d.Route.String()).Inc()

	switch d.Route {
	case policy.RoutePassThrough:
		m.passThrough(w, r)
	case policy.RouteNetworkFirst:
		m.networkFirst(w, r, d)
	case policy.RouteCacheFirst:
		m.cacheFirst(w, r, d)
	default:
		m.networkOnly(w, r, d)
	}
}

func (m *Manager) cacheKey(r *http.Request, bucket policy.Bucket) cache.Key {
	pair := m.active.Load()
	gen := pair.Dynamic
	if bucket == policy.BucketStatic {
		gen = pair.Static
	}
	return cache.Key{Generation: gen, URL: m.canonicalKeyURL(r.URL)}
}

// networkFirst favors freshness: network, then dynamic cache, then
// the offline page.
func (m *Manager) networkFirst(w http.ResponseWriter, r *http.Request, d policy.Decision) {
	key := m.cacheKey(r, d.Bucket)

	resp, body, err := m.opts.Upstream.FetchRequest(r)
	if err == nil {
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			m.opts.Backend.Store(key, cache.NewEntry(resp, body))
		}
		writeResponse(w, resp, body)
		return
	}

	m.logger.Debug("network failed, falling back to cache",
		zap.String("url", r.URL.String()), zap.Error(err))

	if e, ok := m.opts.Backend.Get(key); ok {
		m.metrics.hits.WithLabelValues(d.Bucket.String()).Inc()
		m.writeEntry(w, e)
		return
	}
	m.metrics.misses.WithLabelValues(d.Bucket.String()).Inc()
	m.fail(w, d.Failure, err)
}

// cacheFirst favors speed: cache, then network with write-back.
// Concurrent misses for the same key are collapsed to one fetch.
func (m *Manager) cacheFirst(w http.ResponseWriter, r *http.Request, d policy.Decision) {
	key := m.cacheKey(r, d.Bucket)

	if e, ok := m.opts.Backend.Get(key); ok {
		m.metrics.hits.WithLabelValues(d.Bucket.String()).Inc()
		m.writeEntry(w, e)
		return
	}
	m.metrics.misses.WithLabelValues(d.Bucket.String()).Inc()

	v, err, _ := m.fetchSF.Do(key.Generation+"|"+key.URL, func() (interface{}, error) {
		resp, body, err := m.opts.Upstream.FetchRequest(r)
		if err != nil {
			return nil, err
		}
		e := cache.NewEntry(resp, body)
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			m.opts.Backend.Store(key, e)
		}
		return e, nil
	})
	if err != nil {
		m.fail(w, d.Failure, err)
		return
	}
	m.writeEntry(w, v.(*cache.Entry))
}

// networkOnly never touches the cache.
func (m *Manager) networkOnly(w http.ResponseWriter, r *http.Request, d policy.Decision) {
	resp, body, err := m.opts.Upstream.FetchRequest(r)
	if err != nil {
		m.fail(w, d.Failure, err)
		return
	}
	writeResponse(w, resp, body)
}

// passThrough forwards the request as-is. The signup endpoint is the
// one exception: a submission that cannot reach the webhook is parked
// for background sync and acknowledged with 202.
func (m *Manager) passThrough(w http.ResponseWriter, r *http.Request) {
	if m.opts.Syncer != nil && r.Method == http.MethodPost && r.URL.Path == m.opts.SignupPath {
		m.signupPassThrough(w, r)
		return
	}

	resp, err := m.opts.Upstream.RoundTrip(r)
	if err != nil {
		m.logger.Warn("pass-through failed", zap.String("url", r.URL.String()), zap.Error(err))
		writeBadGateway(w, err)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		m.logger.Debug("pass-through body copy failed", zap.Error(err))
	}
}

func (m *Manager) signupPassThrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignupBodySize+1))
	if err != nil || len(body) > maxSignupBodySize {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	out := r.Clone(r.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))

	resp, err := m.opts.Upstream.RoundTrip(out)
	if err != nil {
		// Webhook unreachable: park the submission, background sync
		// will deliver it once connectivity returns.
		m.opts.Syncer.SetPending(body)
		m.metrics.syncAttempts.WithLabelValues("queued").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"queued":true}`))
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// fail executes the terminal fallback of a decision.
func (m *Manager) fail(w http.ResponseWriter, f policy.Failure, cause error) {
	m.metrics.fallbacks.WithLabelValues(f.String()).Inc()

	switch f {
	case policy.FailOffline:
		key := cache.Key{
			Generation: m.active.Load().Static,
			URL:        m.canonicalKey(m.opts.OfflineURL),
		}
		if e, ok := m.opts.Backend.Get(key); ok {
			m.writeEntry(w, e)
			return
		}
		// Offline page missing from the static generation; nothing
		// left to serve.
		writeUnavailable(w)

	case policy.FailEmptyCSS:
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.WriteHeader(http.StatusOK)

	case policy.FailUnavailable:
		writeUnavailable(w)

	default: // policy.FailPropagate
		writeBadGateway(w, cause)
	}
}

func (m *Manager) writeEntry(w http.ResponseWriter, e *cache.Entry) {
	if err := e.Write(w); err != nil {
		m.logger.Debug("failed to write cached response", zap.Error(err))
	}
}

func writeResponse(w http.ResponseWriter, resp *http.Response, body []byte) {
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Retry-After", "30")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("service unavailable\n"))
}

func writeBadGateway(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	if err != nil {
		_, _ = w.Write([]byte(err.Error() + "\n"))
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	// The client sees one response regardless of how many hops it
	// crossed.
	dst.Del("Transfer-Encoding")
	dst.Del("Connection")
}
