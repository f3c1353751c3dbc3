package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/srg/blebridge/internal/groutine"
	"github.com/srg/blebridge/internal/session"
)

// Server ties the bridge endpoint, health, and metrics onto one listener
// and owns the session sweep loop.
type Server struct {
	manager *session.Manager
	handler *Handler
	metrics *Metrics
	logger  *logrus.Logger

	sweepInterval time.Duration
	httpServer    *http.Server
}

type ServerConfig struct {
	ListenAddr     string
	ConnectTimeout time.Duration
	SweepInterval  time.Duration
}

func NewServer(cfg ServerConfig, manager *session.Manager, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	metrics := NewMetrics(manager.Count)
	handler := NewHandler(manager, metrics, cfg.ConnectTimeout, logger)

	s := &Server{
		manager:       manager,
		handler:       handler,
		metrics:       metrics,
		logger:        logger,
		sweepInterval: cfg.SweepInterval,
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s
}

// Handler exposes the root handler for in-process test servers.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type healthResponse struct {
	Status       string `json:"status"`
	Connected    bool   `json:"connected"`
	DeviceName   string `json:"deviceName,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	LastActivity string `json:"lastActivity,omitempty"`
	Sessions     int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.SharedState().Get()
	resp := healthResponse{
		Status:     "ok",
		Connected:  snap.Connected,
		DeviceName: snap.DeviceName,
		SessionID:  snap.SessionID,
		Sessions:   s.manager.Count(),
	}
	if !snap.LastActivity.IsZero() {
		resp.LastActivity = snap.LastActivity.Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Debug("Health encode failed")
	}
}

// Run serves until ctx is cancelled, then drains: sessions first so every
// socket sees a shutdown close frame, then the listener.
func (s *Server) Run(ctx context.Context) error {
	sweepStop := make(chan struct{})
	if s.sweepInterval > 0 {
		groutine.Go(ctx, "session-sweep", func(context.Context) {
			s.manager.RunSweeper(s.sweepInterval, sweepStop)
		})
	}

	errCh := make(chan error, 1)
	groutine.Go(ctx, "http-listener", func(context.Context) {
		s.logger.WithField("addr", s.httpServer.Addr).Info("Bridge listening")
		errCh <- s.httpServer.ListenAndServe()
	})

	select {
	case err := <-errCh:
		close(sweepStop)
		s.manager.StopAll()
		return err
	case <-ctx.Done():
	}

	close(sweepStop)
	s.logger.Info("Shutting down")
	s.manager.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
