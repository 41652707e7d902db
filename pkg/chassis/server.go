// Package chassis runs the HTTP listener that carries both the REST API and
// the MCP streamable endpoint, together with the session janitor whose
// lifetime is tied to the listener.
//
// TLS is optional: when CertFile and KeyFile are set the listener serves
// HTTPS, otherwise plain HTTP (expected behind a terminating proxy).
package chassis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/horoswatch/pkg/session"
)

// Server is the HTTP chassis.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
	stopJan  context.CancelFunc
	janDone  chan struct{}
	ready    chan struct{}
}

// Config holds configuration for the chassis server.
type Config struct {
	Addr     string // TCP listen address (e.g. ":8080")
	CertFile string
	KeyFile  string
	Handler  http.Handler
	Logger   *slog.Logger

	// Sessions, when set, is swept every CleanupInterval for entries idle
	// longer than SessionTTL while the server runs.
	Sessions        *session.Registry
	SessionTTL      time.Duration
	CleanupInterval time.Duration
}

func New(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("chassis: nil handler")
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("chassis: cert_file and key_file must be set together")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sessions != nil && cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or "" before Ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener, launches the session janitor and serves until
// Stop is called. It returns nil after a graceful stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.cfg.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	if s.cfg.Sessions != nil {
		janCtx, cancel := context.WithCancel(ctx)
		s.stopJan = cancel
		s.janDone = make(chan struct{})
		go func() {
			defer close(s.janDone)
			s.cfg.Sessions.RunJanitor(janCtx, s.cfg.CleanupInterval, s.cfg.SessionTTL)
		}()
	}
	srv := s.httpSrv
	close(s.ready)
	s.mu.Unlock()

	tls := s.cfg.CertFile != ""
	s.logger.Info("chassis started",
		"addr", ln.Addr().String(),
		"tls", tls,
		"janitor", s.cfg.Sessions != nil,
	)

	if tls {
		err = srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		err = srv.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http: %w", err)
	}
	return nil
}

// Stop stops the janitor and gracefully shuts the listener down, waiting for
// in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("chassis stopping")

	if s.stopJan != nil {
		s.stopJan()
		<-s.janDone
		s.stopJan = nil
	}

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	s.logger.Info("chassis stopped")
	return err
}
