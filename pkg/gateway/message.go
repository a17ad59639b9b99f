package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nestalert/edgecache/pkg/cache"
)

// MessageKind is the closed set of control messages the manager
// understands.
type MessageKind string

const (
	// MessageSkipWaiting promotes a waiting version immediately.
	MessageSkipWaiting MessageKind = "SKIP_WAITING"

	// MessageCacheURLs adds the given URLs to the dynamic generation
	// on demand.
	MessageCacheURLs MessageKind = "CACHE_URLS"
)

type Message struct {
	Type MessageKind `json:"type"`
	URLs []string    `json:"urls,omitempty"`
}

// HandleMessage dispatches one control message.
func (m *Manager) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		m.mu.Lock()
		waiting := m.waiting != nil
		m.mu.Unlock()
		if !waiting {
			// Nothing parked; matches the no-op skip-waiting of an
			// already-active version.
			return nil
		}
		return m.Activate()

	case MessageCacheURLs:
		return m.cacheURLs(ctx, msg.URLs)

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// cacheURLs fetches every URL and stores it in the dynamic
// generation. Unlike install this is best-effort per URL: one bad URL
// does not abandon the rest.
func (m *Manager) cacheURLs(ctx context.Context, urls []string) error {
	gen := m.active.Load().Dynamic
	var firstErr error
	for _, rawURL := range urls {
		resp, body, err := m.opts.Upstream.Fetch(ctx, rawURL)
		if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
			err = fmt.Errorf("http %d", resp.StatusCode)
		}
		if err != nil {
			m.logger.Warn("cache-urls fetch failed", zap.String("url", rawURL), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to cache %s: %w", rawURL, err)
			}
			continue
		}
		m.opts.Backend.Store(cache.Key{
			Generation: gen,
			URL:        m.canonicalKey(rawURL),
		}, cache.NewEntry(resp, body))
	}
	return firstErr
}
