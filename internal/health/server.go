// Package health serves the pull surfaces: /health with dependency
// statuses and /metrics with the Prometheus registry.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Statuses reported on /health.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Dependency is the probe result for one destination.
type Dependency struct {
	Status    string  `json:"status"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// Report is the /health response body.
type Report struct {
	Status        string                `json:"status"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	Dependencies  map[string]Dependency `json:"dependencies"`
	Quarantined   []string              `json:"quarantined,omitempty"`
}

// Reporter produces the current report; the pipeline implements it.
type Reporter interface {
	HealthReport(ctx context.Context) Report
}

// Server hosts /health and /metrics on one listener.
type Server struct {
	srv *http.Server
}

// NewServer builds the listener. Probes are bounded to a few seconds so
// a hung destination cannot wedge the health endpoint.
func NewServer(addr string, reporter Reporter) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report := reporter.HealthReport(ctx)

		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			log.WithError(err).Warn("encode health report")
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run serves until ctx is done, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	log.WithField("addr", s.srv.Addr).Info("health and metrics listener started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
