package broker

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/pseudocoder/livesync/internal/certs"
)

// TLSConfig holds the certificate pair for wss://.
type TLSConfig struct {
	CertPath string
	KeyPath  string
}

// StartAsync starts serving in a goroutine. The returned channel receives
// nil once the listener is up, or the listen error.
func (s *Server) StartAsync() <-chan error {
	return s.start(nil)
}

// StartAsyncTLS is StartAsync with TLS; plaintext connections are refused.
func (s *Server) StartAsyncTLS(tlsCfg TLSConfig) <-chan error {
	return s.start(&tlsCfg)
}

func (s *Server) start(tlsCfg *TLSConfig) <-chan error {
	errCh := make(chan error, 1)
	fail := func(err error) <-chan error {
		errCh <- err
		close(errCh)
		return errCh
	}

	// Listen first so port conflicts surface immediately.
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fail(fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err))
	}

	if tlsCfg != nil {
		serverCfg, err := certs.ServerConfig(tlsCfg.CertPath, tlsCfg.KeyPath)
		if err != nil {
			ln.Close()
			return fail(err)
		}
		ln = tls.NewListener(ln, serverCfg)
	}

	srv := &http.Server{Handler: s.createMux()}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return fail(fmt.Errorf("broker already stopped"))
	}
	s.httpServer = srv
	s.listenAddr = ln.Addr().String()
	s.tlsEnabled = tlsCfg != nil
	s.mu.Unlock()

	s.startFlushLoop()

	go func() {
		log.Printf("broker: listening on %s (tls=%v)", ln.Addr(), tlsCfg != nil)
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("broker: serve error: %v", err)
		}
	}()
	return errCh
}

// Addr returns the bound listen address, or the configured one before start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listenAddr != "" {
		return s.listenAddr
	}
	return s.cfg.Addr
}

// TLSEnabled reports whether the broker serves wss://.
func (s *Server) TLSEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tlsEnabled
}

// Stop closes every connection and the listener. Stop is idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for c := range s.clients {
		c.closeSend()
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.stopFlushLoop()

	if srv != nil {
		return srv.Close()
	}
	return nil
}
