// Package dashboard serves a read-only JSON view of the running session
// plus the Prometheus scrape endpoint. It never mutates trading state.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Status is the session snapshot rendered at /api/status.
type Status struct {
	SessionDate   string                  `json:"session_date"`
	Phase         models.DayPhase         `json:"phase"`
	Direction     models.Direction        `json:"direction,omitempty"`
	CurrentStrike int                     `json:"current_strike,omitempty"`
	Expiry        string                  `json:"expiry,omitempty"`
	TradeTaken    bool                    `json:"trade_taken"`
	Active        *models.Position        `json:"active_position,omitempty"`
	Closed        []models.ClosedPosition `json:"closed_positions"`
	Cash          float64                 `json:"cash"`
	Broker        string                  `json:"broker"`
	Heartbeat     time.Time               `json:"heartbeat"`
}

// StatusSource supplies the snapshot under the runner's state mutex.
type StatusSource interface {
	Status() Status
}

// Server is the HTTP front end.
type Server struct {
	router *chi.Mux
	server *http.Server
	source StatusSource
	logger *logrus.Logger
	port   int
}

// NewServer builds the router. gatherer backs the /metrics endpoint.
func NewServer(port int, source StatusSource, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		source: source,
		logger: logger,
		port:   port,
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/trades", s.handleTrades)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return s
}

// Start blocks on ListenAndServe until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("port", s.port).Info("dashboard listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.source.Status()
	healthy := time.Since(status.Heartbeat) < 2*time.Minute
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"healthy":   healthy,
		"heartbeat": status.Heartbeat,
	}); err != nil {
		s.logger.WithError(err).Error("encoding health response")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Status()); err != nil {
		s.logger.WithError(err).Error("encoding status response")
	}
}

func (s *Server) handleTrades(w http.ResponseWriter, _ *http.Request) {
	status := s.source.Status()
	closed := status.Closed
	if closed == nil {
		closed = []models.ClosedPosition{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(closed); err != nil {
		s.logger.WithError(err).Error("encoding trades response")
	}
}
