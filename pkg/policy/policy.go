package policy

import (
	"net/http"
	"net/url"
	"strings"
)

// Route is the fetch strategy for one request.
type Route uint8

const (
	// RoutePassThrough forwards the request untouched, no caching.
	RoutePassThrough Route = iota
	// RouteNetworkFirst tries the network and writes the response
	// back to the cache; the cache is only read on network failure.
	RouteNetworkFirst
	// RouteCacheFirst serves from cache when possible and only goes
	// to the network on a miss.
	RouteCacheFirst
	// RouteNetworkOnly never touches the cache.
	RouteNetworkOnly
)

func (r Route) String() string {
	switch r {
	case RoutePassThrough:
		return "pass_through"
	case RouteNetworkFirst:
		return "network_first"
	case RouteCacheFirst:
		return "cache_first"
	case RouteNetworkOnly:
		return "network_only"
	}
	return "unknown"
}

// Bucket selects the generation a route reads and writes.
type Bucket uint8

const (
	BucketStatic Bucket = iota
	BucketDynamic
)

func (b Bucket) String() string {
	if b == BucketStatic {
		return "static"
	}
	return "dynamic"
}

// Failure is the terminal fallback when both cache and network are
// exhausted.
type Failure uint8

const (
	// FailPropagate returns the network error to the client.
	FailPropagate Failure = iota
	// FailOffline serves the designated offline page.
	FailOffline
	// FailEmptyCSS returns a synthetic empty text/css response.
	FailEmptyCSS
	// FailUnavailable returns a synthetic 503.
	FailUnavailable
)

func (f Failure) String() string {
	switch f {
	case FailPropagate:
		return "propagate"
	case FailOffline:
		return "offline"
	case FailEmptyCSS:
		return "empty_css"
	case FailUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// Decision is a complete routing verdict. It is pure data; executing
// it is the gateway's job.
type Decision struct {
	Route   Route
	Bucket  Bucket
	Failure Failure
}

// Config declares the recognized origins. Hosts are matched by
// substring, mirroring how the precache manifest pins its CDNs.
type Config struct {
	// Origin is the site the gateway fronts, as a URL or a bare host.
	// Requests whose URL host equals it are same-origin. When empty,
	// same-origin falls back to comparing against the request's Host
	// header, which only works for clients that set it independently
	// of the target URL.
	Origin string `yaml:"origin"`

	// StyleHosts get cache-first treatment and, uniquely, degrade to
	// an empty stylesheet when both cache and network fail. A missing
	// decorative framework must not block rendering.
	StyleHosts []string `yaml:"style_hosts"`

	// FontHosts and IconHosts get cache-first treatment; their
	// failures propagate.
	FontHosts []string `yaml:"font_hosts"`
	IconHosts []string `yaml:"icon_hosts"`
}

func (c *Config) Init() {
	if len(c.StyleHosts) == 0 {
		c.StyleHosts = []string{"cdn.tailwindcss.com"}
	}
	if len(c.FontHosts) == 0 {
		c.FontHosts = []string{"fonts.googleapis.com", "fonts.gstatic.com"}
	}
	if len(c.IconHosts) == 0 {
		c.IconHosts = []string{"cdnjs.cloudflare.com"}
	}
}

// Classifier maps a request to a Decision. It is stateless and safe
// for concurrent use.
type Classifier struct {
	cfg        Config
	originHost string
}

func NewClassifier(cfg Config) *Classifier {
	cfg.Init()
	return &Classifier{
		cfg:        cfg,
		originHost: originHost(cfg.Origin),
	}
}

// originHost extracts the host(:port) from a URL or bare host string.
func originHost(origin string) string {
	if len(origin) == 0 {
		return ""
	}
	if strings.Contains(origin, "://") {
		if u, err := url.Parse(origin); err == nil {
			return u.Host
		}
	}
	return origin
}

// Classify implements the built-in routing table:
//
//	non-GET                -> pass through
//	same-origin            -> network-first, dynamic bucket, offline fallback
//	recognized style CDN   -> cache-first, static bucket, empty-css fallback
//	recognized font/icon   -> cache-first, static bucket, propagate
//	anything else          -> network-only, synthetic 503
func (c *Classifier) Classify(req *http.Request) Decision {
	if req.Method != http.MethodGet {
		return Decision{Route: RoutePassThrough}
	}

	if c.SameOrigin(req) {
		return Decision{Route: RouteNetworkFirst, Bucket: BucketDynamic, Failure: FailOffline}
	}

	host := req.URL.Hostname()
	switch {
	case hostMatches(host, c.cfg.StyleHosts):
		return Decision{Route: RouteCacheFirst, Bucket: BucketStatic, Failure: FailEmptyCSS}
	case hostMatches(host, c.cfg.FontHosts), hostMatches(host, c.cfg.IconHosts):
		return Decision{Route: RouteCacheFirst, Bucket: BucketStatic, Failure: FailPropagate}
	}

	return Decision{Route: RouteNetworkOnly, Failure: FailUnavailable}
}

// SameOrigin reports whether req targets the site itself. Requests in
// origin-form (no host in the URL) are the gateway's own traffic;
// absolute-form requests are same-origin when their host equals the
// configured site origin. Without a configured origin the Host header
// stands in, which cannot distinguish a well-formed absolute-form
// request from its own target.
func (c *Classifier) SameOrigin(req *http.Request) bool {
	if req.URL.Host == "" {
		return true
	}
	if c.originHost != "" {
		return strings.EqualFold(req.URL.Host, c.originHost) ||
			strings.EqualFold(req.URL.Hostname(), c.originHost)
	}
	return strings.EqualFold(req.URL.Hostname(), hostOnly(req.Host))
}

// RecognizedCDN reports whether host belongs to any recognized CDN
// class.
func (c *Classifier) RecognizedCDN(host string) bool {
	return hostMatches(host, c.cfg.StyleHosts) ||
		hostMatches(host, c.cfg.FontHosts) ||
		hostMatches(host, c.cfg.IconHosts)
}

func hostMatches(host string, substrings []string) bool {
	for _, s := range substrings {
		if len(s) > 0 && strings.Contains(host, s) {
			return true
		}
	}
	return false
}

func hostOnly(hostport string) string {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}
