package coremain

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nestalert/edgecache/elog"
	"github.com/nestalert/edgecache/pkg/policy"
)

type Config struct {
	Log     elog.LogConfig `yaml:"log"`
	Include []string       `yaml:"include"`

	Site    SiteConfig     `yaml:"site"`
	Cache   CacheConfig    `yaml:"cache"`
	Routes  RoutesConfig   `yaml:"routes"`
	Servers []ServerConfig `yaml:"servers"`
	API     APIConfig      `yaml:"api"`
}

// SiteConfig describes the site the gateway fronts and its cache
// version.
type SiteConfig struct {
	// Origin is the upstream base URL, e.g. "https://nestalert.example".
	Origin string `yaml:"origin"`

	// Version names the generation pair. Bumping it and restarting (or
	// posting an update through the api) rolls the caches over.
	Version string `yaml:"version"`

	// Precache lists URLs installed into the static generation.
	Precache []string `yaml:"precache"`

	// PrecacheFile points to a yaml file holding a URL list, merged
	// with Precache. Lets the asset manifest live next to the build
	// output instead of inside the main config.
	PrecacheFile string `yaml:"precache_file"`

	// OfflineURL is the offline fallback document. Default
	// "/offline.html".
	OfflineURL string `yaml:"offline_url"`

	// AutoActivate promotes a new version immediately after install.
	// Default true. Set to false to park updates until a SKIP_WAITING
	// message arrives.
	AutoActivate *bool `yaml:"auto_activate"`

	// SignupPath is the POST endpoint whose failed submissions are
	// parked for background sync. Default "/api/signup".
	SignupPath string `yaml:"signup_path"`

	// SyncEndpoint is the webhook pending submissions are re-POSTed
	// to. Empty disables background sync.
	SyncEndpoint string `yaml:"sync_endpoint"`

	// SyncProbeInterval is how often connectivity is probed while a
	// submission is pending. Default 30s.
	SyncProbeInterval time.Duration `yaml:"sync_probe_interval"`

	// NotifyIcon and NotifyBadge override the default notification
	// artwork.
	NotifyIcon  string `yaml:"notify_icon"`
	NotifyBadge string `yaml:"notify_badge"`
}

// CacheConfig selects and tunes the storage backend shared by all
// generations.
type CacheConfig struct {
	// Backend is one of "mem" (default), "redis", "disk".
	Backend string `yaml:"backend"`

	// Size is the entry limit of the mem backend. Default 4096.
	Size int `yaml:"size"`

	// MaxAge expires mem entries. Zero keeps entries until their
	// generation is deleted.
	MaxAge          time.Duration `yaml:"max_age"`
	CleanerInterval time.Duration `yaml:"cleaner_interval"`

	// Redis configures the redis backend, e.g.
	// "redis://localhost:6379/0".
	Redis RedisConfig `yaml:"redis"`

	// Dir is the root directory of the disk backend.
	Dir string `yaml:"dir"`
}

type RedisConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// RoutesConfig is the routing policy: recognized CDN hosts plus
// optional rule overrides evaluated before the built-in table.
type RoutesConfig struct {
	policy.Config `yaml:",squash"`

	Rules []policy.RuleConfig `yaml:"rules"`
}

type ServerConfig struct {
	// Protocol is one of "http" (default), "https", "h3".
	Protocol string `yaml:"protocol"`

	// Listen is the tcp (or udp, for h3) address to listen on.
	Listen string `yaml:"listen"`

	// Unix serves over a unix domain socket instead of Listen.
	Unix string `yaml:"unix"`

	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`

	// ProxyProtocol accepts a PROXY header so the real client address
	// survives a fronting load balancer.
	ProxyProtocol bool `yaml:"proxy_protocol"`

	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type APIConfig struct {
	// HTTP is the control api listen address. Empty disables the api.
	HTTP string `yaml:"http"`

	// Allow restricts api clients to the given CIDRs. Empty allows
	// everyone.
	Allow []string `yaml:"allow"`
}

// loadPrecacheFile reads a standalone yaml URL list. Accepts either a
// bare sequence or a document with a "precache" key, so the same file
// can be shared with build tooling.
func loadPrecacheFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var plain []string
	if err := yaml.Unmarshal(b, &plain); err == nil {
		return plain, nil
	}

	var doc struct {
		Precache []string `yaml:"precache"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse precache file %s: %w", path, err)
	}
	return doc.Precache, nil
}
