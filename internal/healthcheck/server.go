package healthcheck

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
	"github.com/clinicdesk/wa-inbox-service/pkg/utils"
)

// CheckFunc probes one dependency. A nil error means ready.
type CheckFunc func(ctx context.Context) error

// Server is the internal liveness/readiness/metrics endpoint. It listens on
// the metrics port, away from the public API, so probes and scrapes never
// compete with webhook traffic.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	checks     map[string]CheckFunc
}

// HealthResponse is the response body for both probe endpoints.
type HealthResponse struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer creates the health server. Dependency checks are keyed by name
// and reported individually in the readiness response.
func NewServer(port string, checks map[string]CheckFunc) *Server {
	mux := http.NewServeMux()
	server := &Server{
		httpServer: &http.Server{
			Addr:    ":" + port,
			Handler: mux,
		},
		mux:    mux,
		checks: checks,
	}

	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)

	return server
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	logger.Log.Info("Registering /metrics endpoint")
	s.mux.Handle("/metrics", handler)
}

// Start begins the HTTP server
func (s *Server) Start() {
	go func() {
		logger.Log.Info("Starting health check server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Health check server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	logger.Log.Info("Stopping health check server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth answers liveness probes: the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSONResponse(w, http.StatusOK, HealthResponse{Status: "UP"})
}

// handleReady answers readiness probes by pinging every registered
// dependency. Any failing check takes the instance out of rotation.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	details := make(map[string]string, len(s.checks))
	ready := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			details[name] = err.Error()
			ready = false
			continue
		}
		details[name] = "ok"
	}

	resp := HealthResponse{Status: "READY", Details: details}
	status := http.StatusOK
	if !ready {
		resp.Status = "NOT_READY"
		status = http.StatusServiceUnavailable
	}
	utils.WriteJSONResponse(w, status, resp)
}
