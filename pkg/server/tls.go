package server

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

var statelessResetKey *quic.StatelessResetKey
var tlsSessionTicketKey [32]byte

func init() {
	resetKey, sessionKey, err := loadOrCreateKeys()
	if err != nil {
		log.Printf("[WARN] Failed to load persistent keys: %v, using ephemeral keys", err)

		var tmpResetKey quic.StatelessResetKey
		if _, err := rand.Read(tmpResetKey[:]); err != nil {
			log.Fatalf("[FATAL] Failed to generate ephemeral reset key: %v", err)
		}
		statelessResetKey = &tmpResetKey

		if _, err := rand.Read(tlsSessionTicketKey[:]); err != nil {
			log.Fatalf("[FATAL] Failed to generate ephemeral session ticket key: %v", err)
		}
	} else {
		statelessResetKey = resetKey
		copy(tlsSessionTicketKey[:], sessionKey)
	}
}

func loadOrCreateKeys() (*quic.StatelessResetKey, []byte, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, nil, err
	}

	execDir := filepath.Dir(execPath)
	keyDir := filepath.Join(execDir, "key")
	resetKeyFile := filepath.Join(keyDir, ".edgecache_stateless_reset.key")
	sessionKeyFile := filepath.Join(keyDir, ".edgecache_session_ticket.key")

	resetKey, err := loadOrCreateSingleKey(resetKeyFile, keyDir, "stateless reset")
	if err != nil {
		return nil, nil, err
	}

	sessionKey, err := loadOrCreateSingleKey(sessionKeyFile, keyDir, "session ticket")
	if err != nil {
		return nil, nil, err
	}

	var quicResetKey quic.StatelessResetKey
	copy(quicResetKey[:], resetKey)

	return &quicResetKey, sessionKey, nil
}

func loadOrCreateSingleKey(keyFile string, keyDir string, keyType string) ([]byte, error) {
	if data, err := os.ReadFile(keyFile); err == nil && len(data) == 32 {
		log.Printf("[INFO] Loaded %s key from: %s", keyType, keyFile)
		return data, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}

	if err := os.WriteFile(keyFile, key, 0600); err != nil {
		return nil, err
	}

	log.Printf("[INFO] Created new %s key: %s", keyType, keyFile)
	return key, nil
}

type cert struct {
	ptr atomic.Pointer[tls.Certificate]
}

func (c *cert) get() *tls.Certificate {
	return c.ptr.Load()
}

func (c *cert) set(newCert *tls.Certificate) {
	c.ptr.Store(newCert)
}

// tryCreateWatchCert loads the key pair and keeps it fresh: writes,
// renames and removals of either file schedule a debounced reload.
func tryCreateWatchCert(certFile string, keyFile string, logger *zap.Logger) (*cert, error) {
	c, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	cc := &cert{}
	cc.set(&c)

	go func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Error("failed to create certificate watcher", zap.Error(err))
			return
		}
		defer watcher.Close()

		if err := watcher.Add(certFile); err != nil {
			logger.Warn("failed to watch certificate file", zap.String("file", certFile), zap.Error(err))
		}
		if err := watcher.Add(keyFile); err != nil {
			logger.Warn("failed to watch key file", zap.String("file", keyFile), zap.Error(err))
		}

		timer := time.NewTimer(0)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		reloadCert := func() {
			newCert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				logger.Error("failed to reload certificate", zap.String("file", certFile), zap.Error(err))
				return
			}
			cc.set(&newCert)
			logger.Info("certificate reloaded successfully", zap.String("file", certFile))
		}

		needReWatch := false

		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					timer.Stop()
					return
				}

				if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
					// Typical certbot deploys replace the files, which
					// drops the watch with them.
					needReWatch = true

					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(2 * time.Second)
					continue
				}

				if e.Has(fsnotify.Chmod) {
					continue
				}

				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(2 * time.Second)

			case <-timer.C:
				if needReWatch {
					needReWatch = false
					_ = watcher.Remove(certFile)
					_ = watcher.Remove(keyFile)
					if err := watcher.Add(certFile); err != nil {
						logger.Warn("failed to re-watch certificate file", zap.String("file", certFile), zap.Error(err))
					}
					if err := watcher.Add(keyFile); err != nil {
						logger.Warn("failed to re-watch key file", zap.String("file", keyFile), zap.Error(err))
					}
				}
				reloadCert()

			case err := <-watcher.Errors:
				if err != nil {
					logger.Error("certificate watcher error", zap.Error(err))
				}
			}
		}
	}()

	return cc, nil
}

func (s *Server) newTLSConfig(nextProtos []string) (*tls.Config, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}

	c, err := tryCreateWatchCert(s.opts.Cert, s.opts.Key, s.opts.Logger)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		NextProtos:       nextProtos,
		SessionTicketKey: tlsSessionTicketKey,

		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			return cert, nil
		},
	}, nil
}

func newTLSListener(l net.Listener, config *tls.Config) net.Listener {
	return tls.NewListener(l, config)
}

// CreateQUICListener opens an early QUIC listener on conn for the
// HTTP/3 server.
func (s *Server) CreateQUICListener(conn net.PacketConn, nextProtos []string) (*quic.EarlyListener, error) {
	tlsConfig, err := s.newTLSConfig(nextProtos)
	if err != nil {
		return nil, err
	}

	tr := &quic.Transport{
		Conn:              conn,
		StatelessResetKey: statelessResetKey,
	}

	return tr.ListenEarly(tlsConfig, &quic.Config{
		Allow0RTT:                      true,
		InitialStreamReceiveWindow:     16 * 1024,
		MaxStreamReceiveWindow:         512 * 1024,
		InitialConnectionReceiveWindow: 32 * 1024,
		MaxConnectionReceiveWindow:     1024 * 1024,
		MaxIncomingStreams:             1000,
	})
}
