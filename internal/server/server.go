// Package server provides the HTTP surface of the calculation core: the
// module APIs, system monitoring endpoints, and the outbound event stream.
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

	"github.com/seclend/imscore/internal/config"
	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/egress"
	"github.com/seclend/imscore/internal/ingress"
	"github.com/seclend/imscore/internal/queue"
)

// RouteRegistrar mounts a module's endpoints on the API router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Config holds everything the server needs.
type Config struct {
	Log     zerolog.Logger
	Cfg     *config.Config
	Stores  map[string]*database.DB
	Modules []RouteRegistrar

	Processor   *queue.Processor
	History     *queue.HistoryRepository
	DeadLetters *ingress.DeadLetterRepository
	Dispatcher  *ingress.Dispatcher
	Publisher   *egress.Publisher

	// Manual triggers for the scheduled jobs, keyed by job type.
	Jobs map[string]func(ctx context.Context) error
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    *config.Config

	system *SystemHandlers
	stream *EventStreamHandler
}

// New creates the HTTP server and wires all routes.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg.Cfg,
		system: NewSystemHandlers(cfg.Log, cfg.Cfg.DataDir, cfg.Stores, cfg.Processor,
			cfg.History, cfg.DeadLetters, cfg.Dispatcher, cfg.Publisher, cfg.Jobs),
		stream: NewEventStreamHandler(cfg.Publisher, cfg.Log),
	}

	s.setupMiddleware(cfg.Cfg.DevMode)
	s.setupRoutes(cfg.Modules)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes(modules []RouteRegistrar) {
	s.router.Get("/health", s.system.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// The stream endpoint upgrades to WebSocket, so the server-wide
		// write timeout must not apply to it.
		r.Get("/events/stream", s.stream.ServeHTTP)

		for _, module := range modules {
			module.RegisterRoutes(r)
		}

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.system.HandleSystemStatus)
			r.Get("/database/stats", s.system.HandleDatabaseStats)
			r.Get("/queues", s.system.HandleQueueDepths)

			r.Get("/jobs", s.system.HandleJobHistory)
			r.Post("/jobs/{jobType}/run", s.system.HandleJobTrigger)

			r.Route("/dead-letters", func(r chi.Router) {
				r.Get("/", s.system.HandleDeadLetters)
				r.Get("/{id}", s.system.HandleDeadLetter)
				r.Delete("/{id}", s.system.HandleDeadLetterDelete)
			})
		})
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
