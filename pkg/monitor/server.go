package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/shardctl/pkg/log"
	"github.com/cuemby/shardctl/pkg/metrics"
)

// Server exposes /metrics, /health and /ready
type Server struct {
	server *http.Server
	ln     net.Listener
}

// Listen binds addr. Serve must be called to accept connections.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{
		server: &http.Server{
			Handler:      metrics.Mux(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ln: ln,
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is done, then shuts down gracefully
func (s *Server) Serve(ctx context.Context) error {
	logger := log.WithComponent("monitor")
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.ln)
	}()
	logger.Info().Str("addr", s.Addr()).Msg("Serving metrics and health endpoints")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
