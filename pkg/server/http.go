package server

import (
	"net"
	"net/http"
	"time"

	"github.com/pires/go-proxyproto"
)

const (
	// TLS handshake + HTTP headers (Slowloris protection)
	defaultReadHeaderTimeout = 3 * time.Second

	defaultIdleTimeout = 60 * time.Second

	defaultMaxHeaderBytes = 8 << 10
)

// ServeHTTP runs a plaintext HTTP listener until the listener or the
// Server is closed.
func (s *Server) ServeHTTP(l net.Listener) error {
	return s.serve(s.wrapListener(l))
}

// ServeHTTPS is ServeHTTP behind TLS. The certificate is watched and
// hot-reloaded, so a renewed certificate does not need a restart. The
// PROXY protocol header, when enabled, is read before the handshake.
func (s *Server) ServeHTTPS(l net.Listener) error {
	tlsConfig, err := s.newTLSConfig([]string{"h2", "http/1.1"})
	if err != nil {
		return err
	}
	return s.serve(newTLSListener(s.wrapListener(l), tlsConfig))
}

func (s *Server) serve(l net.Listener) error {
	if s.opts.Handler == nil {
		return errMissingHandler
	}

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultIdleTimeout
	}

	hs := &http.Server{
		Handler:           s.opts.Handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	if !s.trackCloser(hs, true) {
		l.Close()
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	err := hs.Serve(l)
	if s.Closed() {
		return ErrServerClosed
	}
	return err
}

func (s *Server) wrapListener(l net.Listener) net.Listener {
	if !s.opts.ProxyProtocol {
		return l
	}
	return &proxyproto.Listener{
		Listener:          l,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
}
