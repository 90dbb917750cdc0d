package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
)

// Run listens on the configured address and serves until the context is
// cancelled, then drains in-flight requests within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	shutdownErr := s.httpServer.Shutdown(shutdownCtx)
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return shutdownErr
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, err
	}
	if s.tlsCertFile == "" {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(s.tlsCertFile, s.tlsKeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := s.httpServer.TLSConfig.Clone()
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	s.httpServer.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

// BoundAddr reports the listener address once Run has bound it. Empty until
// then; useful when the configured address carries port zero.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}
