package coremain

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/nestalert/edgecache/pkg/server"
)

// startServer opens the listener for one server block and attaches its
// serve loop to the shutdown sequence.
func (m *Edgecache) startServer(cfg *ServerConfig) error {
	s := server.NewServer(server.ServerOpts{
		Logger:        m.logger,
		Handler:       m.manager,
		Cert:          cfg.Cert,
		Key:           cfg.Key,
		IdleTimeout:   cfg.IdleTimeout,
		ProxyProtocol: cfg.ProxyProtocol,
	})

	run, err := m.newServeFunc(s, cfg)
	if err != nil {
		return err
	}

	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			errChan <- run()
		}()
		select {
		case err := <-errChan:
			if err != nil && err != server.ErrServerClosed {
				m.sc.SendCloseSignal(fmt.Errorf("server exited: %w", err))
				return
			}
			m.sc.SendCloseSignal(nil)
		case <-closeSignal:
			s.Close()
			<-errChan
		}
	})
	return nil
}

func (m *Edgecache) newServeFunc(s *server.Server, cfg *ServerConfig) (func() error, error) {
	switch cfg.Protocol {
	case "", "http":
		l, err := m.listen(cfg)
		if err != nil {
			return nil, err
		}
		m.logger.Info("starting http server", zap.Stringer("addr", l.Addr()))
		return func() error { return s.ServeHTTP(l) }, nil

	case "https":
		l, err := m.listen(cfg)
		if err != nil {
			return nil, err
		}
		m.logger.Info("starting https server", zap.Stringer("addr", l.Addr()))
		return func() error { return s.ServeHTTPS(l) }, nil

	case "h3":
		if len(cfg.Listen) == 0 {
			return nil, fmt.Errorf("h3 server needs a listen address")
		}
		conn, err := net.ListenPacket("udp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
		}
		ql, err := s.CreateQUICListener(conn, []string{"h3"})
		if err != nil {
			conn.Close()
			return nil, err
		}
		m.logger.Info("starting h3 server", zap.Stringer("addr", ql.Addr()))
		return func() error { return s.ServeH3(ql) }, nil

	default:
		return nil, fmt.Errorf("unknown server protocol %q", cfg.Protocol)
	}
}

func (m *Edgecache) listen(cfg *ServerConfig) (net.Listener, error) {
	if len(cfg.Unix) > 0 {
		l, err := net.Listen("unix", cfg.Unix)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Unix, err)
		}
		return l, nil
	}
	if len(cfg.Listen) == 0 {
		return nil, fmt.Errorf("server needs a listen address or unix path")
	}
	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	return l, nil
}
