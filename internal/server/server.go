// Package server exposes read-only operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"PortfolioAutopilot/internal/execlog"
	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/scheduler"
)

const defaultLimit = 50

// Source provides the data behind the endpoints.
type Source interface {
	Statistics() execlog.Statistics
	Jobs() []scheduler.JobStatus
	History(limit int) []model.ExecutionRecord
	Triggers(ctx context.Context) ([]model.Trigger, error)
	Portfolio(ctx context.Context, id string) (model.PortfolioSnapshot, error)
}

// Server is the read-only ops HTTP server.
type Server struct {
	router *mux.Router
	server *http.Server
	src    Source
}

// New builds the router. metrics may be nil.
func New(listen string, src Source, metrics http.Handler) *Server {
	s := &Server{router: mux.NewRouter(), src: src}
	s.setupRoutes(metrics)
	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.router.Use(requestLogging)

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentType)
	api.HandleFunc("/status", s.status).Methods(http.MethodGet)
	api.HandleFunc("/executions", s.executions).Methods(http.MethodGet)
	api.HandleFunc("/triggers", s.triggers).Methods(http.MethodGet)
	api.HandleFunc("/portfolios/{id}", s.portfolio).Methods(http.MethodGet)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
		errCh <- s.server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

type statusResponse struct {
	Statistics execlog.Statistics    `json:"statistics"`
	Jobs       []scheduler.JobStatus `json:"jobs"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Statistics: s.src.Statistics(), Jobs: s.src.Jobs()})
}

func (s *Server) executions(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.src.History(limit))
}

func (s *Server) triggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.src.Triggers(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("load triggers")
		writeError(w, http.StatusInternalServerError, "failed to load triggers")
		return
	}
	writeJSON(w, http.StatusOK, triggers)
}

func (s *Server) portfolio(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := s.src.Portfolio(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no snapshot for portfolio "+id)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("portfolio", id).Msg("load snapshot")
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().Str("request_id", requestID).Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).Dur("duration", time.Since(start)).Msg("http request")
	})
}
