// Package admin serves the gateway status API: liveness, readiness,
// and introspection of routes, services, and breaker state. It binds
// its own listener so operational traffic never competes with dispatch
// traffic.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/gateway"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
)

// Server lifecycle errors.
var (
	ErrServerRunning    = errors.New("admin server is already running")
	ErrServerNotRunning = errors.New("admin server is not running")
)

// ginModeOnce guards the global gin mode switch.
var ginModeOnce sync.Once

// Server is the admin API server.
type Server struct {
	cfg     *config.AdminConfig
	gateway *gateway.Gateway
	logger  observability.Logger
	engine  *gin.Engine

	mu      sync.Mutex
	srv     *http.Server
	running bool
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates the admin server for the given gateway.
func New(cfg *config.AdminConfig, gw *gateway.Gateway, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		cfg:     cfg,
		gateway: gw,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/readyz", s.handleReadyz)

	gw := s.engine.Group("/gateway")
	gw.GET("/status", s.handleStatus)
	gw.GET("/services", s.handleServices)
	gw.GET("/breakers", s.handleBreakers)
	gw.GET("/routes", s.handleRoutes)
}

// Address returns the bind address.
func (s *Server) Address() string {
	bind := ""
	if s.cfg != nil {
		bind = s.cfg.Bind
	}
	if bind == "" {
		bind = "0.0.0.0"
	}
	return net.JoinHostPort(bind, strconv.Itoa(s.cfg.GetEffectivePort()))
}

// Start binds the admin listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrServerRunning
	}

	lis, err := net.Listen("tcp", s.Address())
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running = true

	s.logger.Info("admin server started",
		observability.String("address", lis.Addr().String()),
	)

	go func() {
		if serveErr := s.srv.Serve(lis); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("admin server terminated", observability.Error(serveErr))
		}
	}()

	return nil
}

// Stop drains the admin listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrServerNotRunning
	}
	s.running = false

	return s.srv.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadyz(c *gin.Context) {
	if !s.gateway.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// statusResponse is the /gateway/status payload.
type statusResponse struct {
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Provider      string    `json:"provider"`
	LastRefresh   time.Time `json:"last_refresh,omitempty"`
	Routes        int       `json:"routes"`
	Services      int       `json:"services"`
	Breakers      int       `json:"breakers"`
}

func (s *Server) handleStatus(c *gin.Context) {
	gw := s.gateway

	resp := statusResponse{
		Running:     gw.Running(),
		StartedAt:   gw.StartedAt(),
		Provider:    gw.Registry().Provider().Name(),
		LastRefresh: gw.Registry().LastRefreshedAt(),
		Routes:      gw.Table().Len(),
		Services:    len(gw.Registry().AllServices()),
	}
	if !resp.StartedAt.IsZero() {
		resp.UptimeSeconds = time.Since(resp.StartedAt).Seconds()
	}
	if br := gw.Breakers(); br != nil {
		resp.Breakers = br.Count()
	}

	c.JSON(http.StatusOK, resp)
}

// serviceInstance is one instance in the /gateway/services payload.
type serviceInstance struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Weight   int    `json:"weight"`
	Healthy  bool   `json:"healthy"`
	Inflight int64  `json:"inflight"`
}

// serviceEntry is one service in the /gateway/services payload.
type serviceEntry struct {
	Name      string            `json:"name"`
	Healthy   int               `json:"healthy"`
	Instances []serviceInstance `json:"instances"`
}

func (s *Server) handleServices(c *gin.Context) {
	entries := s.gateway.Registry().AllServices()

	out := make([]serviceEntry, 0, len(entries))
	for _, entry := range entries {
		se := serviceEntry{
			Name:    entry.Service,
			Healthy: entry.HealthyCount(),
		}
		for _, inst := range entry.Instances {
			se.Instances = append(se.Instances, serviceInstance{
				ID:       inst.ID,
				Address:  inst.Address,
				Weight:   inst.Weight,
				Healthy:  inst.Healthy(),
				Inflight: inst.Inflight(),
			})
		}
		out = append(out, se)
	}

	c.JSON(http.StatusOK, gin.H{"services": out})
}

func (s *Server) handleBreakers(c *gin.Context) {
	br := s.gateway.Breakers()
	if br == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":  true,
		"breakers": br.Stats(),
	})
}

// routeEntry is one route in the /gateway/routes payload.
type routeEntry struct {
	Name     string `json:"name"`
	Service  string `json:"service"`
	Protocol string `json:"protocol"`
	Priority int    `json:"priority"`
}

func (s *Server) handleRoutes(c *gin.Context) {
	routes := s.gateway.Table().Routes()

	out := make([]routeEntry, 0, len(routes))
	for _, cr := range routes {
		out = append(out, routeEntry{
			Name:     cr.Name,
			Service:  cr.Config.Service,
			Protocol: cr.Config.GetEffectiveProtocol(),
			Priority: cr.Priority,
		})
	}

	c.JSON(http.StatusOK, gin.H{"routes": out})
}
