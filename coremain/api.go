package coremain

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"

	"go.uber.org/zap"
	"go4.org/netipx"

	"github.com/nestalert/edgecache/pkg/gateway"
)

const maxAPIBodySize = 256 << 10

// registerAPIHandlers mounts the control endpoints on the api mux.
func (m *Edgecache) registerAPIHandlers() {
	m.httpAPIMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	m.httpAPIMux.HandleFunc("/api/v1/status", m.apiStatus)
	m.httpAPIMux.HandleFunc("/api/v1/message", m.apiMessage)
	m.httpAPIMux.HandleFunc("/api/v1/update", m.apiUpdate)
	m.httpAPIMux.HandleFunc("/api/v1/sync", m.apiSync)
	m.httpAPIMux.HandleFunc("/api/v1/push", m.apiPush)
	m.httpAPIMux.HandleFunc("/api/v1/notifications", m.apiNotifications)
}

func (m *Edgecache) apiStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pair := m.manager.Active()
	status := struct {
		State       string `json:"state"`
		Static      string `json:"static_generation"`
		Dynamic     string `json:"dynamic_generation"`
		Entries     int    `json:"cache_entries"`
		PendingSync bool   `json:"pending_sync"`
	}{
		State:   m.manager.State().String(),
		Static:  pair.Static,
		Dynamic: pair.Dynamic,
		Entries: m.backend.Len(),
	}
	if m.syncer != nil {
		_, status.PendingSync = m.syncer.Pending()
	}
	writeJSON(w, status)
}

// apiMessage accepts the client message protocol: SKIP_WAITING and
// CACHE_URLS.
func (m *Edgecache) apiMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg gateway.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAPIBodySize)).Decode(&msg); err != nil {
		http.Error(w, fmt.Sprintf("invalid message: %v", err), http.StatusBadRequest)
		return
	}
	if err := m.manager.HandleMessage(r.Context(), msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Edgecache) apiUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAPIBodySize)).Decode(&req); err != nil || len(req.Version) == 0 {
		http.Error(w, "invalid update request", http.StatusBadRequest)
		return
	}
	if err := m.manager.Update(r.Context(), req.Version); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, struct {
		State string `json:"state"`
	}{State: m.manager.State().String()})
}

// apiSync is the connectivity-restored trigger: it retries the pending
// signup submission right away.
func (m *Edgecache) apiSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.manager.HandleSync(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Edgecache) apiPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBodySize))
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	n, err := m.manager.HandlePush(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, n)
}

// apiNotifications streams notifications as server-sent events until
// the client goes away.
func (m *Edgecache) apiNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := m.notifier.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(n)
			if err != nil {
				m.logger.Warn("failed to encode notification", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: notification\ndata: %s\n\n", b)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// newAPIGuard restricts the api to clients inside the allowed CIDRs.
// An empty allow list leaves the api open, for setups that bind it to
// localhost or a unix socket instead.
func newAPIGuard(next http.Handler, allow []string) (http.Handler, error) {
	if len(allow) == 0 {
		return next, nil
	}

	var b netipx.IPSetBuilder
	for _, s := range allow {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid api allow entry %q: %w", s, err)
		}
		b.AddPrefix(p)
	}
	allowed, err := b.IPSet()
	if err != nil {
		return nil, err
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil || !allowed.Contains(addr.Unmap()) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}), nil
}
