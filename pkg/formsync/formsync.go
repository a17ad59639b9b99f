package formsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/nestalert/edgecache/pkg/cache"
	"github.com/nestalert/edgecache/pkg/generation"
)

var nopLogger = zap.NewNop()

// PendingKeyURL is the reserved dynamic-generation key that holds the
// single pending submission. Reserved scheme, can never collide with
// a real request URL.
const PendingKeyURL = "edgecache:pending-signup"

const (
	defaultProbeInterval = time.Second * 30
	defaultPostTimeout   = time.Second * 10
)

type Opts struct {
	// Backend stores the pending submission (in the active dynamic
	// generation). Cannot be nil.
	Backend cache.Backend

	// Active resolves the current dynamic generation key. Cannot be
	// nil.
	Active *generation.Active

	// Endpoint is the signup webhook the pending submission is
	// re-POSTed to. Cannot be empty.
	Endpoint string

	// ProbeInterval is how often connectivity is probed while a
	// submission is pending. Default 30s.
	ProbeInterval time.Duration

	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Backend == nil {
		return errors.New("nil backend")
	}
	if opts.Active == nil {
		return errors.New("nil active generation")
	}
	if len(opts.Endpoint) == 0 {
		return errors.New("empty sync endpoint")
	}
	if _, err := url.Parse(opts.Endpoint); err != nil {
		return fmt.Errorf("invalid sync endpoint: %w", err)
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Syncer keeps at most one pending signup submission and retries it
// whenever connectivity to the webhook comes back. Retries are driven
// purely by restore signals, there is no attempt limit: the entry
// stays until a POST succeeds or a newer submission overwrites it.
type Syncer struct {
	opts   Opts
	client *http.Client

	// signal coalesces manual connectivity-restored triggers.
	signal chan struct{}
}

func NewSyncer(opts Opts) (*Syncer, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Syncer{
		opts:   opts,
		client: &http.Client{Timeout: defaultPostTimeout},
		signal: make(chan struct{}, 1),
	}, nil
}

func (s *Syncer) pendingKey() cache.Key {
	return cache.Key{
		Generation: s.opts.Active.Load().Dynamic,
		URL:        PendingKeyURL,
	}
}

// SetPending records body as the pending submission, replacing any
// previous one (last-write-wins, no queue).
func (s *Syncer) SetPending(body []byte) {
	e := &cache.Entry{
		StatusCode: http.StatusAccepted,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       append([]byte(nil), body...),
		StoredAt:   time.Now(),
	}
	s.opts.Backend.Store(s.pendingKey(), e)
	s.opts.Logger.Info("signup submission stored for retry")
}

// Pending returns the stored submission, if any.
func (s *Syncer) Pending() ([]byte, bool) {
	e, ok := s.opts.Backend.Get(s.pendingKey())
	if !ok {
		return nil, false
	}
	return e.Body, true
}

// Signal simulates the platform's connectivity-restored event: the
// next loop iteration flushes immediately.
func (s *Syncer) Signal() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Flush re-POSTs the pending submission. The entry is deleted only on
// a 2xx response; any failure leaves it in place for the next signal.
func (s *Syncer) Flush(ctx context.Context) error {
	body, ok := s.Pending()
	if !ok {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("signup webhook unreachable: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("signup webhook returned http %d", resp.StatusCode)
	}

	s.opts.Backend.Delete(s.pendingKey())
	s.opts.Logger.Info("pending signup submission delivered")
	return nil
}

// Run is the retry loop, meant for safe_close.Attach. It probes the
// webhook while a submission is pending and flushes on the
// offline-to-online transition or on an explicit Signal.
func (s *Syncer) Run(done func(), closeSignal <-chan struct{}) {
	defer done()

	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closeSignal:
			return
		case <-s.signal:
			s.tryFlush()
		case <-ticker.C:
			if _, pending := s.Pending(); !pending {
				continue
			}
			if s.probe() {
				s.tryFlush()
			}
		}
	}
}

func (s *Syncer) tryFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPostTimeout)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.opts.Logger.Warn("signup sync failed, will retry on next signal", zap.Error(err))
	}
}

// probe checks whether the webhook host answers at all. Any HTTP
// response counts as connectivity, status does not matter here.
func (s *Syncer) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.opts.Endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
