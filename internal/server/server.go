// Package server provides the HTTP server and routing for the paper trading
// core: the Order API, read-only account/wallet views, the market event
// stream, and operability endpoints mirrored from the database layer.
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

	"github.com/papertrader/core/internal/broker"
	"github.com/papertrader/core/internal/config"
	"github.com/papertrader/core/internal/database"
	"github.com/papertrader/core/internal/execution"
	"github.com/papertrader/core/internal/instruments"
	"github.com/papertrader/core/internal/server/stream"
	"github.com/papertrader/core/internal/settings"
	"github.com/papertrader/core/internal/wallet"
	"github.com/papertrader/core/internal/watchlist"
)

// Config bundles everything the HTTP server needs to wire its routes.
type Config struct {
	Log           zerolog.Logger
	Cfg           *config.Config
	DB            *database.DB
	Execution     *execution.Service
	Wallet        *wallet.Store
	Instruments   *instruments.Store
	BrokerAdapter *broker.Adapter
	Stream        *stream.Hub
	Settings      *settings.Service
	Watchlist     *watchlist.Store
	DevMode       bool
}

// Server is the HTTP entrypoint for the paper trading core.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	cfg           *config.Config
	db            *database.DB
	execution     *execution.Service
	wallet        *wallet.Store
	instruments   *instruments.Store
	brokerAdapter *broker.Adapter
	stream        *stream.Hub
	settings      *settings.Service
	watchlist     *watchlist.Store
}

// New builds a Server and wires all routes. Call Start to begin listening.
func New(c Config) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		log:           c.Log.With().Str("component", "server").Logger(),
		cfg:           c.Cfg,
		db:            c.DB,
		execution:     c.Execution,
		wallet:        c.Wallet,
		instruments:   c.Instruments,
		brokerAdapter: c.BrokerAdapter,
		stream:        c.Stream,
		settings:      c.Settings,
		watchlist:     c.Watchlist,
	}

	s.setupMiddleware(c.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", c.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the event stream holds connections open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", s.handlePlaceOrder)
			r.Post("/{orderId}/cancel", s.handleCancelOrder)
		})

		r.Route("/account", func(r chi.Router) {
			r.Get("/{userId}/wallet", s.handleGetWallet)
			r.Get("/{userId}/positions", s.handleGetPositions)
			r.Post("/{userId}/reset", s.handleResetAccount)
		})

		r.Route("/stream", func(r chi.Router) {
			r.Get("/", s.stream.ServeHTTP)
			r.Post("/subscribe", s.handleSubscribe)
			r.Post("/unsubscribe", s.handleUnsubscribe)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/database/stats", s.handleDatabaseStats)
			r.Get("/database/health", s.handleDatabaseHealth)
			r.Get("/broker/status", s.handleBrokerStatus)
			r.Get("/stats", s.handleSystemStats)
		})

		r.Post("/instruments", s.handleLoadInstruments)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleGetSettings)
			r.Put("/{key}", s.handleSetSetting)
		})

		r.Route("/watchlist/{userId}", func(r chi.Router) {
			r.Get("/", s.handleGetWatchlist)
			r.Post("/", s.handleAddWatchlistItem)
			r.Delete("/{instrumentKey}", s.handleRemoveWatchlistItem)
		})
	})
}

// Start starts the HTTP server. Blocks until Shutdown is called or the
// server fails to accept connections.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests, including open SSE streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNHEALTHY", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
