// Package handler provides the agent's operational HTTP surface: Prometheus
// metrics plus liveness/readiness endpoints for container orchestration.
// It lives on its own listener so HAProxy traffic and scrapes never share a
// port.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/UnitedTraders/haproxy-grpc-agent/pkg/logger"
)

// OpsServer serves metrics and health endpoints on a dedicated port
type OpsServer struct {
	server    *http.Server
	logger    *logger.Logger
	startTime time.Time
	version   string
}

// NewOpsServer creates the operational HTTP server. metricsHandler is the
// Prometheus exposition handler and metricsPath its mount point.
func NewOpsServer(addr, metricsPath string, metricsHandler http.Handler, version string, log *logger.Logger) *OpsServer {
	ops := &OpsServer{
		logger:    log.ComponentLogger("ops"),
		startTime: time.Now(),
		version:   version,
	}

	router := mux.NewRouter()
	router.Handle(metricsPath, metricsHandler).Methods(http.MethodGet)
	router.HandleFunc("/healthz", ops.livenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/readyz", ops.readinessHandler).Methods(http.MethodGet)

	ops.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return ops
}

// Start serves until Shutdown; it returns http.ErrServerClosed on a clean stop
func (o *OpsServer) Start() error {
	o.logger.WithField("address", o.server.Addr).Info("Ops server listening")
	return o.server.ListenAndServe()
}

// Shutdown gracefully stops the ops server
func (o *OpsServer) Shutdown(ctx context.Context) error {
	return o.server.Shutdown(ctx)
}

// livenessHandler reports that the process is alive
func (o *OpsServer) livenessHandler(w http.ResponseWriter, r *http.Request) {
	o.writeStatus(w, "alive")
}

// readinessHandler reports that the agent is ready to answer checks.
// The agent has no warm-up phase: once the listener is bound it is ready.
func (o *OpsServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	o.writeStatus(w, "ready")
}

func (o *OpsServer) writeStatus(w http.ResponseWriter, status string) {
	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   o.version,
		"uptime":    time.Since(o.startTime).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
