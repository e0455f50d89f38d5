// Package api serves the corral HTTP API.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"corral/internal/instance"
	"corral/internal/manager"
	"corral/pkg/protocol"
)

// DefaultMaxBodyBytes bounds request bodies when Config.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 50 * 1024 * 1024

// Config configures the API server.
type Config struct {
	Addr string
	// PublicHost is the host placed in rdp_url and xpra_url.
	PublicHost   string
	MaxBodyBytes int64
	// AuditPath is read by GET /api/events. Empty disables the endpoint.
	AuditPath string
	// Metrics, when set, is served on GET /metrics.
	Metrics http.Handler
	Logger  *log.Logger
}

// Server exposes a Manager over HTTP.
type Server struct {
	manager *manager.Manager
	cfg     Config
	logger  *log.Logger
	handler http.Handler
	server  *http.Server
}

// New creates a server for mgr.
func New(mgr *manager.Manager, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		manager: mgr,
		cfg:     cfg,
		logger:  cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/instances", s.handleCreate)
	mux.HandleFunc("GET /api/instances", s.handleList)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/instances/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/instances/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /api/instances/{id}/logs/stream", s.handleLogStream)
	mux.HandleFunc("POST /api/instances/{id}/stop", s.handleAction(s.manager.Stop))
	mux.HandleFunc("POST /api/instances/{id}/start", s.handleAction(s.manager.Start))
	mux.HandleFunc("POST /api/instances/{id}/restart", s.handleAction(s.manager.Restart))

	mux.HandleFunc("GET /api/events", s.handleEvents)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	s.handler = withCORS(limitBody(cfg.MaxBodyBytes, s.logRequests(mux)))
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the complete handler chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("HTTP API listening on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) details(inst instance.Instance) protocol.InstanceDetails {
	return protocol.InstanceDetails{
		ID:          inst.ID,
		ContainerID: inst.ContainerID,
		RDPPort:     inst.Ports.RDP,
		ConsolePort: inst.Ports.Console,
		XpraPort:    inst.Ports.Xpra,
		RDPURL:      protocol.RDPURL(s.cfg.PublicHost, inst.Ports.RDP),
		XpraURL:     protocol.XpraURL(s.cfg.PublicHost, inst.Ports.Xpra),
		Status:      inst.Status.String(),
		CreatedAt:   inst.CreatedAt,
		Config: protocol.InstanceConfig{
			RDPPassword:    inst.Config.RDPPassword,
			WineDebugLevel: inst.Config.WineDebugLevel,
			CPULimit:       inst.Config.CPULimit,
		},
	}
}
