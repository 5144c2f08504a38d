package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Config holds the table-server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// DatabasePath is the SQLite file backing the tables. ":memory:"
	// keeps everything ephemeral.
	DatabasePath string `yaml:"database_path"`

	// SoftDelete switches deletes to tombstones so clients can observe
	// them during pulls.
	SoftDelete bool `yaml:"soft_delete"`

	// PageSize caps list responses; zero means the default of 100.
	PageSize int `yaml:"page_size"`
}

// Server is the HTTP table server.
type Server struct {
	cfg    Config
	store  *Store
	router *chi.Mux
	logger zerolog.Logger
	http   *http.Server
}

// New opens the store and builds the router.
func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	if cfg.DatabasePath == "" {
		return nil, errors.New("database path not configured")
	}
	store, err := OpenStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, store: store, logger: logger}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)
	NewTableHandler(store, logger, cfg.SoftDelete, cfg.PageSize).Mount(r)
	s.router = r
	return s, nil
}

// Handler exposes the router, mainly for tests with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store exposes the backing store for seeding in tests.
func (s *Server) Store() *Store {
	return s.store
}

// ListenAndServe blocks serving HTTP until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("table server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return s.store.Close()
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// requestLogger emits one structured line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
