package coremain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nestalert/edgecache/elog"
	"github.com/nestalert/edgecache/pkg/cache"
	"github.com/nestalert/edgecache/pkg/cache/disk_cache"
	"github.com/nestalert/edgecache/pkg/cache/mem_cache"
	"github.com/nestalert/edgecache/pkg/cache/redis_cache"
	"github.com/nestalert/edgecache/pkg/formsync"
	"github.com/nestalert/edgecache/pkg/gateway"
	"github.com/nestalert/edgecache/pkg/generation"
	"github.com/nestalert/edgecache/pkg/notify"
	"github.com/nestalert/edgecache/pkg/policy"
	"github.com/nestalert/edgecache/pkg/safe_close"
	"github.com/nestalert/edgecache/pkg/upstream"
)

const startupTimeout = time.Minute

type Edgecache struct {
	logger *zap.Logger

	backend cache.Backend
	manager *gateway.Manager

	syncer   *formsync.Syncer
	notifier *notify.Notifier

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

func RunEdgecache(cfg *Config) error {
	lg, err := elog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	if len(cfg.Site.Origin) == 0 {
		return errors.New("site.origin is not configured")
	}
	if len(cfg.Site.Version) == 0 {
		return errors.New("site.version is not configured")
	}

	m := &Edgecache{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}

	m.backend, err = newBackend(&cfg.Cache, lg)
	if err != nil {
		return fmt.Errorf("failed to init cache backend: %w", err)
	}
	defer m.backend.Close()

	up, err := upstream.NewUpstream(upstream.Opts{Origin: cfg.Site.Origin})
	if err != nil {
		return fmt.Errorf("failed to init upstream: %w", err)
	}
	defer up.Close()

	routesCfg := cfg.Routes.Config
	if len(routesCfg.Origin) == 0 {
		routesCfg.Origin = cfg.Site.Origin
	}
	classifier := policy.NewClassifier(routesCfg)
	rules, err := policy.ParseRules(cfg.Routes.Rules, policy.BuiltinMatchers(classifier), classifier, lg)
	if err != nil {
		return fmt.Errorf("failed to parse routing rules: %w", err)
	}

	active := generation.NewActive(generation.NewPair(cfg.Site.Version))

	m.notifier = notify.NewNotifier(notify.Opts{
		Icon:   cfg.Site.NotifyIcon,
		Badge:  cfg.Site.NotifyBadge,
		Logger: lg,
	})

	if len(cfg.Site.SyncEndpoint) > 0 {
		m.syncer, err = formsync.NewSyncer(formsync.Opts{
			Backend:       m.backend,
			Active:        active,
			Endpoint:      cfg.Site.SyncEndpoint,
			ProbeInterval: cfg.Site.SyncProbeInterval,
			Logger:        lg,
		})
		if err != nil {
			return fmt.Errorf("failed to init background sync: %w", err)
		}
		m.sc.Attach(m.syncer.Run)
	}

	precache := cfg.Site.Precache
	if len(cfg.Site.PrecacheFile) > 0 {
		extra, err := loadPrecacheFile(cfg.Site.PrecacheFile)
		if err != nil {
			return fmt.Errorf("failed to load precache file: %w", err)
		}
		precache = append(precache, extra...)
	}

	m.manager, err = gateway.NewManager(gateway.Opts{
		Backend:      m.backend,
		Upstream:     up,
		Rules:        rules,
		Version:      cfg.Site.Version,
		Active:       active,
		Precache:     precache,
		OfflineURL:   cfg.Site.OfflineURL,
		SignupPath:   cfg.Site.SignupPath,
		Syncer:       m.syncer,
		Notifier:     m.notifier,
		AutoActivate: cfg.Site.AutoActivate,
		Logger:       lg,
		MetricsReg:   m.GetMetricsReg(),
	})
	if err != nil {
		return fmt.Errorf("failed to init gateway: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	err = m.manager.Startup(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to install the configured version: %w", err)
	}

	if len(cfg.Servers) == 0 {
		return errors.New("no server is configured")
	}
	for i := range cfg.Servers {
		if err := m.startServer(&cfg.Servers[i]); err != nil {
			return fmt.Errorf("failed to start server #%d, %w", i, err)
		}
	}

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	m.registerAPIHandlers()

	// Start http api server
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		apiHandler, err := newAPIGuard(m.httpAPIMux, cfg.API.Allow)
		if err != nil {
			return fmt.Errorf("failed to init api access control: %w", err)
		}
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: apiHandler,
		}
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	<-m.sc.ReceiveCloseSignal()
	m.sc.Done()
	m.sc.CloseWait()
	return m.sc.Err()
}

// newBackend builds the configured storage backend. The default is an
// in-process LRU.
func newBackend(cfg *CacheConfig, lg *zap.Logger) (cache.Backend, error) {
	switch cfg.Backend {
	case "", "mem":
		size := cfg.Size
		if size <= 0 {
			size = 4096
		}
		return mem_cache.NewMemCache(size, cfg.MaxAge, cfg.CleanerInterval), nil

	case "redis":
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opt)
		return redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:        client,
			ClientCloser:  client,
			ClientTimeout: cfg.Redis.Timeout,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			Logger:        lg,
		})

	case "disk":
		if len(cfg.Dir) == 0 {
			return nil, errors.New("disk backend needs cache.dir")
		}
		return disk_cache.NewDiskCache(cfg.Dir, lg)

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func (m *Edgecache) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func (m *Edgecache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("edgecache_", m.metricsReg)
}

func (m *Edgecache) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
