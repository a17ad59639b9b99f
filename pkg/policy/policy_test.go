package policy

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_classify(t *testing.T) {
	c := NewClassifier(Config{Origin: "https://nestalert.example"})

	tests := []struct {
		name   string
		method string
		url    string
		want   Decision
	}{
		{
			name:   "non-GET passes through",
			method: "POST",
			url:    "/api/signup",
			want:   Decision{Route: RoutePassThrough},
		},
		{
			name:   "same-origin page is network-first",
			method: "GET",
			url:    "/index.html",
			want:   Decision{Route: RouteNetworkFirst, Bucket: BucketDynamic, Failure: FailOffline},
		},
		{
			name:   "style framework is cache-first with css fallback",
			method: "GET",
			url:    "https://cdn.tailwindcss.com/3.4.0",
			want:   Decision{Route: RouteCacheFirst, Bucket: BucketStatic, Failure: FailEmptyCSS},
		},
		{
			name:   "web fonts are cache-first, failures propagate",
			method: "GET",
			url:    "https://fonts.googleapis.com/css2?family=Inter",
			want:   Decision{Route: RouteCacheFirst, Bucket: BucketStatic, Failure: FailPropagate},
		},
		{
			name:   "icon font is cache-first, failures propagate",
			method: "GET",
			url:    "https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
			want:   Decision{Route: RouteCacheFirst, Bucket: BucketStatic, Failure: FailPropagate},
		},
		{
			name:   "unrecognized external host is network-only",
			method: "GET",
			url:    "https://analytics.example.net/beacon.js",
			want:   Decision{Route: RouteNetworkOnly, Failure: FailUnavailable},
		},
		{
			name:   "absolute-form request for the site itself is network-first",
			method: "GET",
			url:    "https://nestalert.example/deals",
			want:   Decision{Route: RouteNetworkFirst, Bucket: BucketDynamic, Failure: FailOffline},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.url, nil)
			require.Equal(t, tt.want, c.Classify(req))
		})
	}
}

func Test_sameOrigin_absoluteForm(t *testing.T) {
	c := NewClassifier(Config{Origin: "https://nestalert.example"})

	// A well-formed absolute-form request carries its target as the
	// Host header too; only the configured origin separates the site
	// from a CDN.
	req := httptest.NewRequest("GET", "https://nestalert.example/deals", nil)
	require.True(t, c.SameOrigin(req))

	req = httptest.NewRequest("GET", "https://cdn.tailwindcss.com/3.4.0", nil)
	require.False(t, c.SameOrigin(req))

	// Bare-host origins and origin-form URLs work the same way.
	c = NewClassifier(Config{Origin: "nestalert.example"})
	require.True(t, c.SameOrigin(httptest.NewRequest("GET", "https://nestalert.example/", nil)))
	require.True(t, c.SameOrigin(httptest.NewRequest("GET", "/index.html", nil)))

	// Without a configured origin the Host header is the only anchor.
	c = NewClassifier(Config{})
	req = httptest.NewRequest("GET", "https://other.example/x", nil)
	req.Host = "nestalert.example"
	require.False(t, c.SameOrigin(req))
}

func Test_rules_override(t *testing.T) {
	c := NewClassifier(Config{})
	cfgs := []RuleConfig{
		{
			If:      "same_origin && !navigation",
			Route:   "cache_first",
			Bucket:  "static",
			Failure: "propagate",
		},
	}

	rs, err := ParseRules(cfgs, BuiltinMatchers(c), c, nil)
	require.NoError(t, err)

	// Matches the rule: same-origin asset fetch without text/html accept.
	req := httptest.NewRequest("GET", "/script.js", nil)
	require.Equal(t,
		Decision{Route: RouteCacheFirst, Bucket: BucketStatic, Failure: FailPropagate},
		rs.Decide(req))

	// Navigation falls back to the built-in classification.
	nav := httptest.NewRequest("GET", "/", nil)
	nav.Header.Set("Accept", "text/html,application/xhtml+xml")
	require.Equal(t,
		Decision{Route: RouteNetworkFirst, Bucket: BucketDynamic, Failure: FailOffline},
		rs.Decide(nav))
}

func Test_rules_rejectBadConfig(t *testing.T) {
	c := NewClassifier(Config{})
	m := BuiltinMatchers(c)

	_, err := ParseRules([]RuleConfig{{If: "no_such_matcher", Route: "network_only"}}, m, c, nil)
	require.Error(t, err)

	_, err = ParseRules([]RuleConfig{{If: "same_origin &&", Route: "network_only"}}, m, c, nil)
	require.Error(t, err)

	_, err = ParseRules([]RuleConfig{{If: "same_origin", Route: "warp_speed"}}, m, c, nil)
	require.Error(t, err)
}
