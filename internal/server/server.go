package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Server is the HTTP front for the trading ledger. It is presentation
// glue only: every trade decision lives in the ledger package.
type Server struct {
	router *chi.Mux
	server *http.Server
	logger *zap.Logger
}

// New creates the HTTP server around the given handler set.
func New(port int, handler *Handler, logger *zap.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.Named("http-server"),
	}

	s.setupMiddleware()
	s.setupRoutes(handler)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes(h *Handler) {
	s.router.Get("/health", h.Health)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/signup", h.Signup)
		r.Get("/quote/{symbol}", h.Quote)
		r.Post("/trade/buy", h.Buy)
		r.Post("/trade/sell", h.Sell)
		r.Get("/portfolio/{owner}", h.Portfolio)
		r.Get("/sales/{owner}", h.Sales)
	})
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server...")
	return s.server.Shutdown(ctx)
}
