package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

const defaultUserAgent = "edgecache/1.0"

const (
	defaultTimeout     = time.Second * 15
	defaultMaxBodySize = 16 << 20 // 16 MiB
)

type Opts struct {
	// Origin is the base URL origin-form requests are resolved
	// against, i.e. the site the gateway fronts. Cannot be empty.
	Origin string

	// Timeout bounds a whole fetch including body read. Default 15s.
	Timeout time.Duration

	// MaxBodySize limits how many body bytes Fetch reads. Responses
	// over the limit fail the fetch. Default 16 MiB.
	MaxBodySize int64

	// UserAgent overrides the outgoing User-Agent header.
	UserAgent string
}

func (opts *Opts) Init() error {
	if len(opts.Origin) == 0 {
		return errors.New("empty origin")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	if len(opts.UserAgent) == 0 {
		opts.UserAgent = defaultUserAgent
	}
	return nil
}

// Upstream fetches resources from the site origin and from external
// hosts over a shared HTTP/1.1+HTTP/2 transport.
type Upstream struct {
	opts      Opts
	origin    *url.URL
	transport *http.Transport
}

func NewUpstream(opts Opts) (*Upstream, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}

	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin url: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("invalid origin scheme %q", origin.Scheme)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Second * 5,
		}).DialContext,
		MaxIdleConns:        64,
		IdleConnTimeout:     time.Second * 90,
		TLSHandshakeTimeout: time.Second * 5,
		ForceAttemptHTTP2:   true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure h2 transport: %w", err)
	}

	return &Upstream{
		opts:      opts,
		origin:    origin,
		transport: transport,
	}, nil
}

// Origin returns the configured site origin.
func (u *Upstream) Origin() *url.URL {
	return u.origin
}

// Resolve rewrites an incoming request URL to its network target:
// origin-form URLs go to the site origin, absolute-form URLs stay as
// they are.
func (u *Upstream) Resolve(reqURL *url.URL) *url.URL {
	if reqURL.Host != "" {
		return reqURL
	}
	target := *reqURL
	target.Scheme = u.origin.Scheme
	target.Host = u.origin.Host
	return &target
}

// RoundTrip forwards req and returns the raw response with its body
// unread. The caller owns the body. Used by the pass-through route.
func (u *Upstream) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL = u.Resolve(req.URL)
	out.Host = out.URL.Host
	out.RequestURI = ""
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", u.opts.UserAgent)
	}
	return u.transport.RoundTrip(out)
}

// Fetch GETs rawURL and returns the response with its body fully
// read. A non-2xx status is returned to the caller, not turned into
// an error; err is non-nil only when the network or body read failed.
func (u *Upstream) Fetch(ctx context.Context, rawURL string) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.URL = u.Resolve(req.URL)
	req.Host = req.URL.Host
	req.Header.Set("User-Agent", u.opts.UserAgent)

	resp, err := u.transport.RoundTrip(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, u.opts.MaxBodySize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > u.opts.MaxBodySize {
		return nil, nil, fmt.Errorf("response exceeds maximum size of %d bytes", u.opts.MaxBodySize)
	}
	return resp, body, nil
}

// FetchRequest is like Fetch but preserves the incoming request's
// headers, so conditional and content-negotiation headers reach the
// network.
func (u *Upstream) FetchRequest(req *http.Request) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(req.Context(), u.opts.Timeout)
	defer cancel()

	out := req.Clone(ctx)
	out.URL = u.Resolve(req.URL)
	out.Host = out.URL.Host
	out.RequestURI = ""
	out.Body = nil
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", u.opts.UserAgent)
	}

	resp, err := u.transport.RoundTrip(out)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, u.opts.MaxBodySize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > u.opts.MaxBodySize {
		return nil, nil, fmt.Errorf("response exceeds maximum size of %d bytes", u.opts.MaxBodySize)
	}
	return resp, body, nil
}

func (u *Upstream) Close() error {
	u.transport.CloseIdleConnections()
	return nil
}
