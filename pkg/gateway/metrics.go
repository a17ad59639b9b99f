package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	fetches         *prometheus.CounterVec
	hits            *prometheus.CounterVec
	misses          *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	installs        prometheus.Counter
	installFailures prometheus.Counter
	activations     prometheus.Counter
	syncAttempts    *prometheus.CounterVec
	pushes          prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_total",
			Help: "Intercepted fetches by route.",
		}, []string{"route"}),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hit_total",
			Help: "Cache hits by bucket.",
		}, []string{"bucket"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_miss_total",
			Help: "Cache misses by bucket.",
		}, []string{"bucket"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallback_total",
			Help: "Terminal fallbacks served by kind.",
		}, []string{"kind"}),
		installs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "install_total",
			Help: "Successful installs.",
		}),
		installFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "install_failure_total",
			Help: "Failed installs.",
		}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "activate_total",
			Help: "Activations.",
		}),
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_attempt_total",
			Help: "Background sync attempts by result.",
		}, []string{"result"}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_total",
			Help: "Push messages handled.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.fetches, m.hits, m.misses, m.fallbacks,
			m.installs, m.installFailures, m.activations,
			m.syncAttempts, m.pushes,
		)
	}
	return m
}
