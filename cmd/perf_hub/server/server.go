package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/handlers"
)

type Server struct {
	httpServer    *http.Server
	port          int
	logger        *slog.Logger
	serviceConfig *config.Config
	storage       abstractions.Storage
	dispatcher    handlers.Dispatcher

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates the operational HTTP server of the engine. It serves the
// health and status endpoints and the Prometheus metrics; the task API is
// served by a separate layer.
//
// All routes are wrapped with the Prometheus metrics middleware and traced
// with otelhttp.
func NewServer(logger *slog.Logger,
	serviceConfig *config.Config,
	storage abstractions.Storage,
	dispatcher handlers.Dispatcher) (*Server, error) {

	if logger == nil {
		return nil, fmt.Errorf("logger is required for the server")
	}
	if (serviceConfig == nil) || (serviceConfig.Service == nil) {
		return nil, fmt.Errorf("service config is required for the server")
	}
	if storage == nil {
		return nil, fmt.Errorf("storage is required for the server")
	}

	return &Server{
		port:          serviceConfig.Service.Port,
		logger:        logger,
		serviceConfig: serviceConfig,
		storage:       storage,
		dispatcher:    dispatcher,
	}, nil
}

func (s *Server) GetPort() int {
	return s.port
}

// loggerWithRequest enhances the logger with the request id, taken from the
// X-Global-Transaction-Id header or generated, and the request line.
func (s *Server) loggerWithRequest(r *http.Request) (string, *slog.Logger) {
	requestID := r.Header.Get("X-Global-Transaction-Id")
	if requestID == "" {
		requestID = uuid.New().String() // generate a UUID if not present
	}

	enhancedLogger := s.logger.With("request_id", requestID)
	if r.Method != "" {
		enhancedLogger = enhancedLogger.With("method", r.Method)
	}
	uri := ""
	if r.URL != nil {
		uri = r.URL.Path
	}
	if uri == "" {
		uri = r.RequestURI
	}
	if uri != "" {
		enhancedLogger = enhancedLogger.With("uri", uri)
	}
	if r.RemoteAddr != "" {
		enhancedLogger = enhancedLogger.With("remote_addr", r.RemoteAddr)
	}
	if userAgent := r.Header.Get("User-Agent"); userAgent != "" {
		enhancedLogger = enhancedLogger.With("user_agent", userAgent)
	}
	return requestID, enhancedLogger
}

func (s *Server) setupRoutes() (http.Handler, error) {
	router := http.NewServeMux()

	handle := func(pattern string, handler func(*handlers.Handlers, http.ResponseWriter, *http.Request)) {
		router.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			requestID, logger := s.loggerWithRequest(r)
			r.Header.Set("X-Global-Transaction-Id", requestID)
			w.Header().Set("X-Global-Transaction-Id", requestID)
			logger.Debug("Request received")
			handler(handlers.New(logger, s.storage, s.dispatcher, s.serviceConfig), w, r)
		})
	}

	// Health and status endpoints
	handle("/api/v1/health", (*handlers.Handlers).HandleHealth)
	handle("/api/v1/status", (*handlers.Handlers).HandleStatus)

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Wrap with metrics middleware, then tracing outermost
	handler := Middleware(router)
	handler = otelhttp.NewHandler(handler, "perf-hub",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))

	return handler, nil
}

// SetupRoutes exposes the route setup for testing
func (s *Server) SetupRoutes() (http.Handler, error) {
	return s.setupRoutes()
}

// Addr is the address the server listens on once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Start() error {
	handler, err := s.setupRoutes()
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.listener = listener
	s.mu.Unlock()

	if s.serviceConfig.Service.ReadyFile != "" {
		s.logger.Info("Writing the server ready message", "file", s.serviceConfig.Service.ReadyFile)
		if err := SetReady(s.serviceConfig, s.logger); err != nil {
			_ = listener.Close()
			return err
		}
	}

	s.logger.Info("Server starting", "address", listener.Addr().String())
	err = httpServer.Serve(listener)
	if err == http.ErrServerClosed {
		return &ServerClosedError{}
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down server gracefully...")
	return httpServer.Shutdown(ctx)
}

// ServerClosedError is returned by Start after a graceful shutdown.
type ServerClosedError struct{}

func (e *ServerClosedError) Error() string {
	return "server closed"
}

func (e *ServerClosedError) Is(target error) bool {
	_, ok := target.(*ServerClosedError)
	return ok
}
