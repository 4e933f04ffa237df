// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tmsync/internal/api/handlers"
	"github.com/autobrr/tmsync/internal/config"
)

//go:embed openapi.yaml
var openAPISpec []byte

type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	config   *config.AppConfig
	version  string
	sessions handlers.Sessions
}

type Dependencies struct {
	Config   *config.AppConfig
	Version  string
	Sessions handlers.Sessions
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:   log.Logger.With().Str("module", "api").Logger(),
		config:   deps.Config,
		version:  deps.Version,
		sessions: deps.Sessions,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msg("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: http://%s%s", host, s.baseURL())

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) baseURL() string {
	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		return "/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "If-None-Match"},
		ExposedHeaders:   []string{"ETag"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(s.version)
	serversHandler := handlers.NewServersHandler(s.sessions)
	torrentsHandler := handlers.NewTorrentsHandler(s.sessions)
	transferHandler := handlers.NewTransferHandler(s.sessions)

	apiRouter := chi.NewRouter()
	apiRouter.Group(func(r chi.Router) {
		r.Use(requestLogger(s.logger))

		r.Get("/status", serversHandler.Status)
		r.Put("/visibility", serversHandler.Visibility)

		r.Route("/servers", func(r chi.Router) {
			r.Get("/", serversHandler.List)
			r.Post("/select", serversHandler.Select)
		})

		r.Route("/torrents", func(r chi.Router) {
			r.Get("/", torrentsHandler.List)
			r.Post("/actions", torrentsHandler.BulkAction)
			r.Put("/tags", torrentsHandler.SetTags)
			r.Put("/category", torrentsHandler.SetCategory)
			r.Get("/{id}", torrentsHandler.Detail)
		})

		r.Route("/transfer", func(r chi.Router) {
			r.Get("/", transferHandler.Get)
			r.Patch("/", transferHandler.Update)
		})
	})
	apiRouter.Get("/openapi.yaml", serveOpenAPI)

	baseURL := s.baseURL()
	r.Get(baseURL+"health", healthHandler.Health)
	r.Mount(baseURL+"api", apiRouter)

	return r
}

func serveOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openAPISpec)
}

// requestLogger logs one line per request at debug level and failures at warn.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				event := logger.Debug()
				if ww.Status() >= http.StatusInternalServerError {
					event = logger.Warn()
				}
				event.
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("HTTP request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
