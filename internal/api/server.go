// Package api serves the emads REST API and the live alert stream.
//
// Routes:
//
//	GET  /healthz                                 store connectivity
//	GET  /metrics                                 Prometheus exposition
//	GET  /ws                                      WebSocket alert stream
//	GET  /api/v1/alerts                           list alerts (filters in query)
//	GET  /api/v1/alerts/{id}                      one alert
//	POST /api/v1/alerts/{id}/resolve              resolve an alert
//	POST /api/v1/checks                           run a check now
//	GET  /api/v1/checks/last                      most recent check report
//	GET  /api/v1/reports/weekly                   weekly consumption report
//	POST /api/v1/analyze                          score an uploaded batch
//	GET  /api/v1/inbox/{user}                     in-app inbox
//	POST /api/v1/inbox/{user}/{id}/read           mark an inbox entry read
//	GET  /api/v1/models/{kind}                    model lifecycle state
//	POST /api/v1/models/{kind}/invalidate         force a retrain
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/emads/emads/internal/alerting"
	"github.com/emads/emads/internal/analytics/anomaly"
	"github.com/emads/emads/internal/analytics/lifecycle"
	"github.com/emads/emads/internal/analytics/severity"
	"github.com/emads/emads/internal/db"
	"github.com/emads/emads/internal/notify"
	"github.com/emads/emads/internal/orchestrator"
)

// Config holds HTTP listener settings.
type Config struct {
	Host string
	Port int
	// AllowedOrigins applies to CORS and WebSocket upgrades.
	AllowedOrigins []string
	// RequestsPerMinute limits /api/v1 per client address; 0 disables it.
	RequestsPerMinute int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// Store is the persistence the API reads directly.
type Store interface {
	db.AlertStore
	Ping(ctx context.Context) error
}

// Deps are the components behind the routes. Optional components left nil
// make their routes answer 503.
type Deps struct {
	Store        Store
	Deduplicator *alerting.Deduplicator
	Dispatcher   *notify.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *orchestrator.Scheduler
	Models       *lifecycle.Manager
	Engine       *anomaly.Engine
	Classifier   *severity.Classifier
	Hub          *Hub
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

// Server is the emads HTTP server.
type Server struct {
	Deps
	config  Config
	limiter *RateLimiter

	httpServer *http.Server
	wg         sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewServer creates a server. Store is required.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("api: store is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Engine == nil {
		deps.Engine = anomaly.NewEngine(anomaly.DefaultConfig(), deps.Logger)
	}
	if deps.Classifier == nil {
		deps.Classifier = severity.NewClassifier(severity.DefaultConfig())
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// Manual checks run inside the request.
		cfg.WriteTimeout = 2 * time.Minute
	}

	s := &Server{Deps: deps, config: cfg}
	s.Logger = deps.Logger.Named("api")
	if cfg.RequestsPerMinute > 0 {
		s.limiter = NewRateLimiter(cfg.RequestsPerMinute)
	}
	return s, nil
}

// Handler returns the complete HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(correlation, instrument)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.Hub != nil {
		r.Handle("/ws", s.Hub).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		v1.Use(s.limiter.Middleware)
	}
	v1.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)
	v1.HandleFunc("/checks", s.handleRunCheck).Methods(http.MethodPost)
	v1.HandleFunc("/checks/last", s.handleLastCheck).Methods(http.MethodGet)
	v1.HandleFunc("/reports/weekly", s.handleWeeklyReport).Methods(http.MethodGet)
	v1.HandleFunc("/analyze", s.handleAnalyze).Methods(http.MethodPost)
	v1.HandleFunc("/inbox/{user}", s.handleInbox).Methods(http.MethodGet)
	v1.HandleFunc("/inbox/{user}/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	v1.HandleFunc("/models/{kind}", s.handleModelStatus).Methods(http.MethodGet)
	v1.HandleFunc("/models/{kind}/invalidate", s.handleModelInvalidate).Methods(http.MethodPost)

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", CorrelationHeader},
		ExposedHeaders:   []string{CorrelationHeader},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the server and disconnects stream clients.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			err = fmt.Errorf("shutdown HTTP server: %w", err)
		}
	}
	s.wg.Wait()
	s.Logger.Info("HTTP server stopped")
	return err
}
