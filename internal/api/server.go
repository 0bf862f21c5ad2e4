// Package api wires the tracker handlers and middleware into an HTTP server.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ai-consumption-tracker/aict/internal/api/handlers/tracker"
	"github.com/ai-consumption-tracker/aict/internal/api/middleware"
	"github.com/ai-consumption-tracker/aict/internal/config"
)

const (
	// PortFileName records the bound port for local clients.
	PortFileName = ".agent_port"

	portAttempts    = 100
	maxFallbackPort = 65000
	minFallbackPort = 1024
	shutdownTimeout = 10 * time.Second
)

// Server is the tracker HTTP server.
type Server struct {
	cfg      *config.Config
	handler  http.Handler
	portFile string

	listener net.Listener
	port     int
}

// NewServer builds the gin engine for handler and wraps it with gzip compression.
//
// Parameters:
//   - cfg: Listen address, auth, remote access and refresh rate limit settings
//   - handler: The tracker API handlers
//   - portFile: Where the bound port is written; empty disables the file
//
// Returns:
//   - *Server: A server ready to Listen
func NewServer(cfg *config.Config, handler *tracker.Handler, portFile string) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestLogger(), middleware.LocalhostOnly(cfg.AllowRemote))

	limiter := middleware.NewRefreshLimiter(cfg.RefreshRateLimit.PerMinute, cfg.RefreshRateLimit.Burst)
	handler.RegisterRoutes(engine,
		middleware.BasicAuth(cfg.Auth.Username, cfg.Auth.Password),
		middleware.RateLimit(limiter))

	return &Server{
		cfg:      cfg,
		handler:  gzhttp.GzipHandler(engine),
		portFile: portFile,
	}
}

// Listen binds the configured port, falling back to the following ports when it is taken.
func (s *Server) Listen(ctx context.Context) (int, error) {
	ln, err := listen(ctx, s.cfg.Host, s.cfg.Port)
	if err != nil {
		return 0, err
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	if s.port != s.cfg.Port {
		log.WithFields(log.Fields{
			"configured": s.cfg.Port,
			"bound":      s.port,
		}).Warn("Configured port in use, using fallback")
	}

	if s.portFile != "" {
		if err := os.WriteFile(s.portFile, []byte(strconv.Itoa(s.port)), 0644); err != nil {
			log.WithError(err).WithField("path", s.portFile).Warn("Failed to write port file")
		}
	}
	return s.port, nil
}

// Serve handles requests until ctx is done, then shuts down gracefully.
// Listen must have been called first.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.listener.Addr().String()).Info("API server started")
		errCh <- srv.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	<-errCh

	if s.portFile != "" {
		_ = os.Remove(s.portFile)
	}
	log.Info("API server stopped")
	return nil
}

// Run is Listen followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// listen tries port and the next portAttempts ports, wrapping past maxFallbackPort to minFallbackPort.
func listen(ctx context.Context, host string, port int) (net.Listener, error) {
	var lc net.ListenConfig
	var lastErr error

	candidate := port
	for i := 0; i <= portAttempts; i++ {
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(candidate)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
		candidate = nextPort(candidate)
	}
	return nil, fmt.Errorf("no free port near %d: %w", port, lastErr)
}

func nextPort(port int) int {
	port++
	if port > maxFallbackPort {
		return minFallbackPort
	}
	return port
}
