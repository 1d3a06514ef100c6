package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/sshbridge/internal/audit"
	"github.com/websoft9/sshbridge/internal/config"
	"github.com/websoft9/sshbridge/internal/server/handlers"
	"github.com/websoft9/sshbridge/internal/server/middleware"
	"github.com/websoft9/sshbridge/internal/wschannel"
)

type Server struct {
	cfg        *config.Config
	router     chi.Router
	httpServer *http.Server
}

func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{cfg: cfg}
	s.setupRouter(logger)
	return s, nil
}

func (s *Server) setupRouter(logger zerolog.Logger) {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks
	r.Get("/health", handlers.Health(s.cfg.Version))
	r.Get("/ready", handlers.Ready)

	// Bridge WebSocket. Sessions are long-lived, so no request timeout
	// middleware applies here.
	bridgeHandler := wschannel.NewHandler(wschannel.Options{
		Logger:      logger,
		Audit:       audit.NewRecorder(logger),
		WriteWindow: s.cfg.WriteWindow,
		Verbose:     s.cfg.Verbose,
	})
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg))
		r.Method(http.MethodGet, "/bridge", bridgeHandler)
	})

	s.router = r
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
		// No ReadTimeout/WriteTimeout: WebSocket sessions outlive any
		// sane request deadline.
		IdleTimeout: 60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
