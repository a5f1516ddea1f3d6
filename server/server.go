// Package server exposes read-only engine state over HTTP: per-pipeline
// epochs, frontiers and checkpoint positions.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Tabbuchauhan/pathway/engine"
	"github.com/Tabbuchauhan/pathway/internal/logger"
)

// StatusProvider is the view the server needs of a running engine.
type StatusProvider interface {
	Status() engine.Status
}

// Server serves pipeline status.
type Server struct {
	addr      string
	pipelines map[string]StatusProvider
	logger    zerolog.Logger
	http      *http.Server
}

// New builds a server over the named pipelines.
func New(addr string, pipelines map[string]StatusProvider) *Server {
	s := &Server{
		addr:      addr,
		pipelines: pipelines,
		logger:    logger.GetLogger("server"),
	}
	s.http = &http.Server{Addr: addr, Handler: s.Router()}
	return s
}

// Router builds the route tree; split out so tests can drive it directly.
func (s *Server) Router() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.Heartbeat("/health"))
	router.Use(middleware.CleanPath)
	router.Use(middleware.RequestID)

	router.Get("/status", s.handleStatus)
	router.Get("/status/{pipeline}", s.handlePipelineStatus)
	router.Get("/frontiers/{pipeline}", s.handleFrontiers)
	router.Get("/checkpoints/{pipeline}", s.handleCheckpoints)
	return router
}

// Run serves until the context is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("status server listening")
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]engine.Status, len(names))
	for _, name := range names {
		out[name] = s.pipelines[name].Status()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) pipeline(w http.ResponseWriter, r *http.Request) (StatusProvider, bool) {
	name := chi.URLParam(r, "pipeline")
	p, ok := s.pipelines[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown pipeline " + name})
		return nil, false
	}
	return p, true
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pipeline(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Status())
}

func (s *Server) handleFrontiers(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pipeline(w, r)
	if !ok {
		return
	}
	st := p.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"closed_epoch": st.ClosedEpoch,
		"frontiers":    st.Frontiers,
	})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pipeline(w, r)
	if !ok {
		return
	}
	st := p.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint_id":    st.CheckpointID,
		"checkpoint_epoch": st.CheckpointEpoch,
		"acked":            st.Acked,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.GetLogger("server")
		log.Error().Err(err).Msg("encode response")
	}
}
