// Package server provides the read-and-control HTTP surface: system
// status, account and position snapshots, audit queries, order inspection
// and the operational levers (resume, safe mode, work triggers). Position
// entries are never opened over HTTP; those only come from the scheduler
// through the rules engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/accounts"
	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/execution"
	"github.com/aristath/warden/internal/hedging"
	"github.com/aristath/warden/internal/marketdata"
	"github.com/aristath/warden/internal/orchestrator"
	"github.com/aristath/warden/internal/reliability"
)

// SystemSource is the orchestrator surface the server reads.
type SystemSource interface {
	Status() orchestrator.SystemStatus
	Posture() hedging.Posture
	Health() map[string]string
	Resume()
}

// AccountSource is the account surface the server reads and pokes.
type AccountSource interface {
	All() ([]*domain.Account, error)
	Get(id string) (*domain.Account, error)
	Performance(id string, riskFree float64) (accounts.Performance, error)
	EnterSafeMode(reason string) error
}

// PositionSource lists open positions.
type PositionSource interface {
	GetOpen() ([]*domain.Position, error)
}

// MarketSource exposes the market snapshot table.
type MarketSource interface {
	AllSnapshots() []marketdata.Snapshot
	ActiveFeed() string
}

// OrderSource inspects and cancels orders.
type OrderSource interface {
	Get(id string) (*execution.Order, error)
	Cancel(ctx context.Context, id string) error
}

// AuditSource queries the audit log.
type AuditSource interface {
	Query(filter audit.Filter) ([]audit.Record, error)
}

// WorkQueue triggers background work by type ID.
type WorkQueue interface {
	Enqueue(typeID string) error
}

// BackupSource lists backup archives.
type BackupSource interface {
	List() ([]reliability.Info, error)
}

// Config wires the server's dependencies. Nil optional fields disable the
// corresponding routes.
type Config struct {
	Log                 zerolog.Logger
	Port                int
	ConstitutionVersion string

	System    SystemSource
	Accounts  AccountSource
	Positions PositionSource
	Market    MarketSource
	Orders    OrderSource
	Audit     AuditSource
	Work      WorkQueue
	Backups   BackupSource
	Metrics   http.Handler
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New creates the server and mounts all routes.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/resume", s.handleResume)
			r.Post("/safe-mode", s.handleSafeMode)
		})
		r.Get("/accounts", s.handleAccounts)
		r.Get("/accounts/{id}", s.handleAccount)
		r.Get("/accounts/{id}/performance", s.handlePerformance)
		r.Get("/positions", s.handlePositions)
		r.Get("/market/snapshots", s.handleSnapshots)
		r.Get("/orders/{id}", s.handleOrder)
		r.Post("/orders/{id}/cancel", s.handleCancelOrder)
		r.Get("/audit", s.handleAuditQuery)
		r.Post("/work/{id}", s.handleWorkTrigger)
		r.Get("/backups", s.handleBackups)
	})
	if s.cfg.Metrics != nil {
		s.router.Handle("/metrics", s.cfg.Metrics)
	}
}

// Router returns the mux, for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
