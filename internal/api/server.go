// Package api serves the printer state and service health over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/bambu-mqtt/internal/buildinfo"
	"github.com/nugget/bambu-mqtt/internal/connwatch"
	"github.com/nugget/bambu-mqtt/internal/metrics"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// DeviceSource is the printer state served under /v1/device.
// *printer.Device satisfies it.
type DeviceSource interface {
	Snapshot() map[string]any
	Get(key string) (any, bool)
	UpdatedAt() time.Time
	Updates() int64
}

// HealthSource reports service readiness. *connwatch.Manager satisfies it.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
	Ready() bool
}

// DeviceResponse is the body of GET /v1/device.
type DeviceResponse struct {
	Connected bool           `json:"connected"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
	Updates   int64          `json:"updates"`
	Fields    map[string]any `json:"fields"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                             `json:"status"`
	Uptime   string                             `json:"uptime"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

// Server is the HTTP status API.
type Server struct {
	address   string
	port      int
	device    DeviceSource
	connected func() bool
	health    HealthSource
	logger    *slog.Logger
	hub       *streamHub
	server    *http.Server
}

// NewServer creates a status API. connected reports the printer session
// state; health may be nil when no services are watched.
func NewServer(address string, port int, device DeviceSource, connected func() bool, health HealthSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if connected == nil {
		connected = func() bool { return false }
	}
	return &Server{
		address:   address,
		port:      port,
		device:    device,
		connected: connected,
		health:    health,
		logger:    logger,
		hub:       newStreamHub(),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/device", s.handleDevice)
	mux.HandleFunc("GET /v1/device/{key}", s.handleDeviceField)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.Handle("GET /metrics", metrics.Handler())

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called. It returns nil after a
// graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "healthy",
		Uptime: buildinfo.Uptime().Truncate(time.Second).String(),
	}
	code := http.StatusOK
	if s.health != nil {
		resp.Services = s.health.Status()
		if !s.health.Ready() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deviceResponse(), s.logger)
}

func (s *Server) deviceResponse() DeviceResponse {
	resp := DeviceResponse{
		Connected: s.connected(),
		Updates:   s.device.Updates(),
		Fields:    s.device.Snapshot(),
	}
	if t := s.device.UpdatedAt(); !t.IsZero() {
		resp.UpdatedAt = &t
	}
	return resp
}

func (s *Server) handleDeviceField(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, ok := s.device.Get(key)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown field: "+key)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
