package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nestalert/edgecache/pkg/cache"
	"github.com/nestalert/edgecache/pkg/formsync"
	"github.com/nestalert/edgecache/pkg/generation"
	"github.com/nestalert/edgecache/pkg/notify"
	"github.com/nestalert/edgecache/pkg/policy"
	"github.com/nestalert/edgecache/pkg/upstream"
)

var nopLogger = zap.NewNop()

const defaultOfflineURL = "/offline.html"

// State is the lifecycle phase of a gateway version.
type State uint8

const (
	StateNew State = iota
	StateInstalling
	StateWaiting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	}
	return "unknown"
}

type Opts struct {
	// Backend stores all generations. Cannot be nil.
	Backend cache.Backend

	// Upstream fetches from the site origin and external hosts.
	// Cannot be nil.
	Upstream *upstream.Upstream

	// Rules decides the route per request. Cannot be nil.
	Rules *policy.Rules

	// Version names the generation pair, e.g. "v1". Cannot be empty.
	Version string

	// Active is the shared active-pair holder. Components that need to
	// resolve the current generation without going through the manager
	// (the background syncer does) pass the same holder here. A nil
	// Active gets a private holder seeded from Version.
	Active *generation.Active

	// Precache is the manifest of URLs installed into the static
	// generation. The offline page is always appended.
	Precache []string

	// OfflineURL is the same-origin URL of the offline fallback
	// document. Default "/offline.html".
	OfflineURL string

	// SignupPath is the POST endpoint whose failed submissions are
	// parked for background sync. Default "/api/signup". Empty after
	// Init only if Syncer is nil.
	SignupPath string

	// Syncer holds the pending signup submission. Optional.
	Syncer *formsync.Syncer

	// Notifier turns push payloads into notifications. Optional.
	Notifier *notify.Notifier

	// AutoActivate promotes a freshly installed version immediately
	// instead of parking it as waiting. Default true.
	AutoActivate *bool

	Logger *zap.Logger

	// MetricsReg registers the gateway metrics. Optional.
	MetricsReg prometheus.Registerer
}

func (opts *Opts) Init() error {
	if opts.Backend == nil {
		return errors.New("nil cache backend")
	}
	if opts.Upstream == nil {
		return errors.New("nil upstream")
	}
	if opts.Rules == nil {
		return errors.New("nil routing rules")
	}
	if len(opts.Version) == 0 {
		return errors.New("empty version")
	}
	if opts.Active == nil {
		opts.Active = generation.NewActive(generation.NewPair(opts.Version))
	}
	if len(opts.OfflineURL) == 0 {
		opts.OfflineURL = defaultOfflineURL
	}
	if len(opts.SignupPath) == 0 {
		opts.SignupPath = "/api/signup"
	}
	if opts.AutoActivate == nil {
		t := true
		opts.AutoActivate = &t
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Manager is the offline cache manager: it owns the cache generations
// and implements the install/activate/fetch/message/sync/push
// handlers. Fetch interception is its http.Handler interface.
type Manager struct {
	opts   Opts
	logger *zap.Logger

	active *generation.Active

	mu      sync.Mutex // guards lifecycle transitions
	state   State
	waiting *generation.Pair

	fetchSF singleflight.Group
	metrics *metrics
}

func NewManager(opts Opts) (*Manager, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Manager{
		opts:    opts,
		logger:  opts.Logger,
		active:  opts.Active,
		state:   StateNew,
		metrics: newMetrics(opts.MetricsReg),
	}, nil
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns the generation pair fetch handlers currently use.
func (m *Manager) Active() generation.Pair {
	return m.active.Load()
}

// Install precaches the manifest into pair's static generation. Any
// failed fetch or non-2xx response fails the whole install and leaves
// already-stored entries to be cleaned up as a stale generation
// later: a broken static cache must never go live.
func (m *Manager) Install(ctx context.Context, pair generation.Pair) error {
	m.setState(StateInstalling)

	manifest := m.manifest()
	m.logger.Info("installing",
		zap.String("generation", pair.Static),
		zap.Int("manifest_size", len(manifest)))

	for _, rawURL := range manifest {
		if err := m.precacheOne(ctx, pair, rawURL); err != nil {
			m.metrics.installFailures.Inc()
			m.setState(StateNew)
			return fmt.Errorf("install failed on %s: %w", rawURL, err)
		}
	}

	m.mu.Lock()
	m.state = StateWaiting
	m.waiting = &pair
	m.mu.Unlock()

	m.metrics.installs.Inc()
	m.logger.Info("install complete", zap.String("generation", pair.Static))
	return nil
}

func (m *Manager) precacheOne(ctx context.Context, pair generation.Pair, rawURL string) error {
	resp, body, err := m.opts.Upstream.Fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	m.opts.Backend.Store(cache.Key{
		Generation: pair.Static,
		URL:        m.canonicalKey(rawURL),
	}, cache.NewEntry(resp, body))
	return nil
}

// Activate promotes the waiting pair: every generation that belongs
// to neither its static nor its dynamic key is deleted, then the
// active pair is swapped so all subsequent fetches use the new
// version without a restart.
func (m *Manager) Activate() error {
	m.mu.Lock()
	if m.waiting == nil {
		m.mu.Unlock()
		return errors.New("no waiting version to activate")
	}
	pair := *m.waiting
	m.waiting = nil
	m.mu.Unlock()

	for _, name := range generation.Stale(m.opts.Backend.Generations(), pair) {
		n := m.opts.Backend.DeleteGeneration(name)
		m.logger.Info("deleted stale generation",
			zap.String("generation", name),
			zap.Int("entries", n))
	}

	m.active.Swap(pair)
	m.setState(StateActive)
	m.metrics.activations.Inc()
	m.logger.Info("activated", zap.String("generations", pair.String()))
	return nil
}

// Startup installs and activates the configured version. Used once at
// boot.
func (m *Manager) Startup(ctx context.Context) error {
	if err := m.Install(ctx, generation.NewPair(m.opts.Version)); err != nil {
		return err
	}
	return m.Activate()
}

// Update installs version as a new generation pair. With AutoActivate
// (the default) it is promoted immediately; otherwise it stays
// waiting until a skip-waiting message arrives. A failed install
// leaves the running version serving, untouched.
func (m *Manager) Update(ctx context.Context, version string) error {
	pair := generation.NewPair(version)
	if pair == m.active.Load() {
		return nil
	}
	if err := m.Install(ctx, pair); err != nil {
		// Previous version keeps serving.
		m.mu.Lock()
		m.state = StateActive
		m.mu.Unlock()
		return err
	}
	if *m.opts.AutoActivate {
		return m.Activate()
	}
	return nil
}

// HandleSync is the connectivity-restored entry point for the named
// sync task.
func (m *Manager) HandleSync(ctx context.Context) error {
	if m.opts.Syncer == nil {
		return errors.New("background sync not configured")
	}
	err := m.opts.Syncer.Flush(ctx)
	if err != nil {
		m.metrics.syncAttempts.WithLabelValues("failure").Inc()
		return err
	}
	m.metrics.syncAttempts.WithLabelValues("success").Inc()
	return nil
}

// HandlePush maps a push payload to a notification.
func (m *Manager) HandlePush(payload []byte) (notify.Notification, error) {
	if m.opts.Notifier == nil {
		return notify.Notification{}, errors.New("push not configured")
	}
	m.metrics.pushes.Inc()
	return m.opts.Notifier.HandlePush(payload), nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// manifest returns the precache list with the offline page appended
// (deduplicated).
func (m *Manager) manifest() []string {
	out := make([]string, 0, len(m.opts.Precache)+1)
	seen := make(map[string]struct{}, len(m.opts.Precache)+1)
	for _, u := range append(append([]string(nil), m.opts.Precache...), m.opts.OfflineURL) {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// canonicalKey normalizes a URL to its cache key: origin-form path
// (plus query) for same-origin resources, the absolute URL for
// everything else. "/index.html" fetched through the proxy and
// precached as "/index.html" must land on the same entry.
func (m *Manager) canonicalKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return m.canonicalKeyURL(u)
}

func (m *Manager) canonicalKeyURL(u *url.URL) string {
	if u.Host != "" && !strings.EqualFold(u.Host, m.opts.Upstream.Origin().Host) {
		c := *u
		c.Fragment = ""
		return c.String()
	}
	key := u.EscapedPath()
	if key == "" {
		key = "/"
	}
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}
