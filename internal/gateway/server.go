package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
)

// HTTPServer runs one HTTP listener in front of the dispatch handler.
type HTTPServer struct {
	cfg     config.Listener
	handler http.Handler
	logger  observability.Logger

	mu      sync.Mutex
	srv     *http.Server
	running bool
}

// HTTPServerOption configures an HTTPServer.
type HTTPServerOption func(*HTTPServer)

// WithHTTPServerLogger sets the logger.
func WithHTTPServerLogger(logger observability.Logger) HTTPServerOption {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewHTTPServer creates a server for one listener config.
func NewHTTPServer(cfg config.Listener, handler http.Handler, opts ...HTTPServerOption) *HTTPServer {
	s := &HTTPServer{
		cfg:     cfg,
		handler: handler,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and begins serving.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrGatewayRunning
	}

	lis, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout.Duration(),
		WriteTimeout: s.cfg.WriteTimeout.Duration(),
		IdleTimeout:  s.cfg.IdleTimeout.Duration(),
	}
	s.running = true

	s.logger.Info("http listener started",
		observability.String("listener", s.cfg.Name),
		observability.String("address", s.cfg.Address()),
	)

	go func() {
		if serveErr := s.srv.Serve(lis); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("http listener terminated",
				observability.String("listener", s.cfg.Name),
				observability.Error(serveErr),
			)
		}
	}()

	return nil
}

// Stop drains the server gracefully within the context deadline.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrGatewayNotRunning
	}
	s.running = false

	return s.srv.Shutdown(ctx)
}

// Address returns the configured bind address.
func (s *HTTPServer) Address() string {
	return s.cfg.Address()
}
