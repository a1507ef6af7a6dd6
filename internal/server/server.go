package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"dispatch-agent/internal/agent"
	"dispatch-agent/internal/websocket"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 5 * time.Second

// Status is what the status endpoint needs from the running agent.
type Status interface {
	Running(ctx context.Context) ([]agent.RunningTask, error)
	Online() bool
}

// Connection reports the control connection state.
type Connection interface {
	State() websocket.State
}

// Server is the local read-only status endpoint.
type Server struct {
	Engine *gin.Engine
	addr   string
	logger *slog.Logger
}

func NewServer(addr, name string, status Status, conn Connection, logger *slog.Logger) *Server {
	logger = logger.With("component", "status")
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))
	RegisterRoutes(r, name, status, conn)
	return &Server{Engine: r, addr: addr, logger: logger}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("status endpoint listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
