// Package admin serves the metrics and health endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/fosrl/wswatch/config"
	"github.com/fosrl/wswatch/internal/state"
	"github.com/fosrl/wswatch/logger"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the admin handler on a validated listen address.
type Server struct {
	server *http.Server
}

// Handler builds the admin mux. metrics may be nil when no Prometheus
// exporter is configured.
func Handler(metrics http.Handler, view *state.TelemetryView) http.Handler {
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		servers := []state.ServerStatus{}
		if view != nil {
			servers = view.Snapshot()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status  string               `json:"status"`
			Servers []state.ServerStatus `json:"servers"`
		}{"ok", servers})
	})
	return mux
}

// New creates a server on addr, which must be host:port or :port.
func New(addr string, handler http.Handler) (*Server, error) {
	if err := validation.Validate(addr, validation.Required, validation.By(config.ValidateListenAddr)); err != nil {
		return nil, fmt.Errorf("admin address %q: %w", addr, err)
	}

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}, nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Serve listens until ctx is done, then drains open requests for up to
// shutdownTimeout. A clean shutdown returns nil.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	logger.Info("Admin server listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
