// Package server exposes a local HTTP control surface next to the background sync worker:
// health and version endpoints, sync status, Prometheus metrics, a manual sync trigger and
// the change notification webhook of the cloud backend.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mdreader/mdsync/internal/version"
)

const (
	// HTTP server timeouts.
	readHeaderTimeout = 10 * time.Second // Timeout for reading request headers
	shutdownTimeout   = 30 * time.Second // Timeout for graceful shutdown

	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = "127.0.0.1:7420"
	// DefaultWebhookPath is the path of the change notification webhook.
	DefaultWebhookPath = "/webhooks/cloud"
)

// Config holds configuration for the control server.
type Config struct {
	Addr        string // Listen address (MDS_LISTEN)
	WebhookPath string // Change notification endpoint path
	Secret      string // Webhook secret for signature verification (MDS_WEBHOOK_SECRET, optional)
}

// Runner is a background loop started and stopped with the server.
type Runner interface {
	Start(ctx context.Context)
}

// Server is the control HTTP server.
type Server struct {
	httpServer *http.Server
	config     Config
	logger     *slog.Logger
	runner     Runner
	runnerDone chan struct{}
	cancelFunc context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a control server. If runner is not nil, it is started alongside the
// HTTP server and stopped before it shuts down.
func NewServer(cfg Config, handler *Handler, gatherer prometheus.Gatherer, runner Runner, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = DefaultWebhookPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handler.HandleHealth)
	mux.HandleFunc("/api/version", handler.HandleVersion)
	mux.HandleFunc("/api/status", handler.HandleStatus)
	mux.HandleFunc("/api/sync", handler.HandleSync)
	mux.HandleFunc(cfg.WebhookPath, handler.HandleWebhook)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return &Server{
		config: cfg,
		logger: logger,
		runner: runner,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           loggingMiddleware(mux, logger),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Start starts the HTTP server. This method blocks until ctx is canceled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "starting control server",
		"addr", listener.Addr().String(),
		"webhook_path", s.config.WebhookPath,
		"signed_webhooks", s.config.Secret != "",
		"version", version.Version,
		"commit", version.Commit)

	runnerCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	if s.runner != nil {
		s.runnerDone = make(chan struct{})
		go func() {
			defer close(s.runnerDone)
			s.runner.Start(runnerCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down control server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		cancel()
		return err
	}
}

// Shutdown stops the runner and then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	if s.runnerDone != nil {
		s.logger.InfoContext(ctx, "waiting for sync worker to finish")
		<-s.runnerDone
	}

	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server listens on, once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// loggingMiddleware logs all HTTP requests. Health checks are logged at debug level.
func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, req)

		level := slog.LevelInfo
		if req.URL.Path == "/health" || req.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		logger.Log(req.Context(), level, "http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", wrapped.statusCode,
			"remote_addr", req.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
