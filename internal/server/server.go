// Package server is the embedded HTTP server exposing the session
// gateway to browsers and other network clients.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/vpsdeck/vpsdeck/internal/config"
	"github.com/vpsdeck/vpsdeck/internal/gateway"
	"github.com/vpsdeck/vpsdeck/internal/server/handlers"
	"github.com/vpsdeck/vpsdeck/internal/server/middleware"
)

type Server struct {
	cfg        *config.Config
	gw         *gateway.Gateway
	router     chi.Router
	httpServer *http.Server
}

func New(cfg *config.Config, gw *gateway.Gateway) *Server {
	s := &Server{cfg: cfg, gw: gw}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check, also the supervisor's readiness probe
	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready(s.gw))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg.APIToken))

		r.Route("/session", func(r chi.Router) {
			r.Get("/", handlers.Session(s.gw))
			r.Post("/connect", handlers.Connect(s.gw))
			r.Post("/disconnect", handlers.Disconnect(s.gw))
		})

		r.Get("/list", handlers.ListDir(s.gw))
		r.Get("/file", handlers.ReadFile(s.gw))
		r.Post("/file", handlers.WriteFile(s.gw))
		r.Post("/mkdir", handlers.Mkdir(s.gw))
		r.Post("/delete", handlers.Delete(s.gw))
		r.Post("/rename", handlers.Rename(s.gw))
		r.Post("/upload", handlers.Upload(s.gw))
		r.Post("/exec", handlers.Exec(s.gw))
	})

	// downloads and the streaming terminal sit outside /api so browsers
	// can open them directly; the token travels as a query parameter
	// since neither carries an Authorization header
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg.APIToken))
		r.Get("/download", handlers.Download(s.gw))
		r.Get("/terminal/stream", handlers.Stream(s.gw))
	})

	s.router = r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	log.Info().Int("port", port).Msg("embedded server listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down embedded server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
