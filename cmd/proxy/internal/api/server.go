package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/logger"
)

// Status is the body served on /status.
type Status struct {
	Ready             bool   `json:"ready"`
	HandlerResolved   bool   `json:"handler_resolved"`
	ActiveConnections int64  `json:"active_connections"`
	TotalConnections  uint64 `json:"total_connections"`
}

// StatusFunc fills in the runtime part of Status.
type StatusFunc func() Status

type HealthServer struct {
	server *http.Server
	ready  atomic.Bool
	status atomic.Pointer[StatusFunc]
}

func NewHealthServer(addr string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}

	// Default to not ready until explicitly set
	hs.ready.Store(false)

	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/ready", hs.handleReady)
	mux.HandleFunc("/status", hs.handleStatus)

	return hs
}

// Run serves until Stop is called. It returns nil after a clean stop.
func (s *HealthServer) Run() error {
	logger.Info("Health server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HealthServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the routes, mainly for tests.
func (s *HealthServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HealthServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

// SetStatusFunc installs the callback used by /status.
func (s *HealthServer) SetStatusFunc(fn StatusFunc) {
	s.status.Store(&fn)
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}

func (s *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status Status
	if fn := s.status.Load(); fn != nil {
		status = (*fn)()
	}
	status.Ready = s.ready.Load()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logger.Error("Failed to write status", "error", err)
	}
}
