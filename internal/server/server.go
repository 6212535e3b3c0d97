package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/detect"
	"github.com/airsonde/airsonde/internal/middleware"
	"github.com/airsonde/airsonde/internal/store"
	"github.com/airsonde/airsonde/internal/training"
)

// Package server exposes the detection API over HTTP.
//
// Responsibilities:
//   - Score readings on demand through the detection orchestrator
//   - Serve model metadata, anomaly history and service statistics
//   - Queue out-of-band retraining
//   - Stream detection events to WebSocket subscribers
//
// The detect endpoint never writes anomaly rows. Persistence belongs to the
// consumer's dispatcher; this API only scores and reports.

// Config holds API server settings.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// AllowedOrigins lists origins permitted to open WebSocket connections.
	// Empty falls back to the development defaults; ["*"] allows any.
	AllowedOrigins []string

	// Ensemble mirrors the detection mode for metric labels.
	Ensemble bool

	// RateLimitPerMin caps API requests per client per minute.
	// Zero disables rate limiting.
	RateLimitPerMin int
}

// Store is the slice of the persistence layer the API reads from.
type Store interface {
	LatestReadings(ctx context.Context, limit int) ([]*store.ReadingRecord, error)
	RecentReadings(ctx context.Context, deviceID string, since time.Time, limit int) ([]*store.ReadingRecord, error)
	CountReadings(ctx context.Context) (int64, error)
	QueryAnomalies(ctx context.Context, q store.AnomalyQuery) ([]*store.AnomalyRecord, error)
	AnomalySummary(ctx context.Context, from, to time.Time) (map[string]int, error)
	CountAnomalies(ctx context.Context) (int64, error)
	ListModelMeta(ctx context.Context) ([]*store.ModelMetaRecord, error)
	Ping(ctx context.Context) error
}

// Server is the detection API server.
type Server struct {
	cfg       Config
	detector  detect.Orchestrator
	st        Store
	scheduler training.Scheduler
	hub       *Hub
	limiter   *middleware.RateLimiter
	log       *zap.Logger

	httpServer *http.Server
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewServer wires the API around its collaborators. The WebSocket hub starts
// immediately; HTTP serving waits for Start.
func NewServer(cfg Config, detector detect.Orchestrator, st Store,
	scheduler training.Scheduler, log *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		detector:  detector,
		st:        st,
		scheduler: scheduler,
		hub:       newHub(log),
		log:       log,
		startedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.RateLimitPerMin > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitPerMin)
	}
	go s.hub.run()
	return s
}

// routes builds the HTTP routing table. Middleware wraps only the API
// subrouter; the WebSocket endpoint needs the raw ResponseWriter to hijack
// the connection.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/anomalies", s.handleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.recoverPanics, s.logRequests)
	if s.limiter != nil {
		api.Use(s.limiter.Handler)
	}
	api.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	api.HandleFunc("/retrain", s.handleRetrain).Methods(http.MethodPost)
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	api.HandleFunc("/readings", s.handleReadings).Methods(http.MethodGet)
	api.HandleFunc("/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	return r
}

// Start begins serving HTTP on a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("api server listening", zap.Int("port", s.cfg.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server failed", zap.Error(err))
			s.cancel()
		}
	}()
	return nil
}

// Stop drains HTTP connections, then stops the hub and rate limiter.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("server not running")
	}
	s.running = false
	s.mu.Unlock()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown incomplete", zap.Error(err))
		}
	}

	s.hub.stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info("api server stopped")
	return nil
}

// Wait blocks until the server stops or its listener fails.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
