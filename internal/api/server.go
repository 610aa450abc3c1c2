package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/usecase"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const maxAwait = 5 * time.Minute

type submitReq struct {
	Type       string         `json:"type"`
	Payload    domain.Payload `json:"payload"`
	MaxRetries *int           `json:"max_retries"`
	Topic      string         `json:"topic"`
	RunAt      *int64         `json:"run_at_ms"` // optional delayed
}

type Server struct {
	router *chi.Mux
	sub    usecase.Submitter
}

func NewServer(sub usecase.Submitter) *Server {
	s := &Server{router: chi.NewRouter(), sub: sub}

	s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.router.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Get("/", s.list)
		r.Get("/{id}", s.get)
		r.Get("/{id}/result", s.result)
		r.Delete("/{id}", s.cancel)
	})
	return s
}

// Handler returns the router wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		requestIDHandler,
		realIPHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/" }),
		corsHandler,
	)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	var opts []usecase.SubmitOption
	if req.MaxRetries != nil {
		opts = append(opts, usecase.Retries(*req.MaxRetries))
	}
	if req.Topic != "" {
		opts = append(opts, usecase.OnTopic(req.Topic))
	}
	if req.RunAt != nil {
		opts = append(opts, usecase.WithRunAt(time.UnixMilli(*req.RunAt)))
	}

	id, err := s.sub.Submit(r.Context(), req.Type, req.Payload, opts...)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	j, err := s.sub.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	status := domain.JobStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.StatusPending
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := s.sub.List(r.Context(), status, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "jobs": jobs})
}

// result waits for the job to finish. A failed or cancelled job is still a
// result; only running out of time is reported as an error.
func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		timeout = min(d, maxAwait)
	}

	j, err := s.sub.Await(r.Context(), chi.URLParam(r, "id"), timeout)
	var jerr *domain.JobError
	switch {
	case err == nil, errors.As(err, &jerr), errors.Is(err, domain.ErrCancelled):
		writeJSON(w, http.StatusOK, j)
	case errors.Is(err, domain.ErrTimedOut):
		writeJSON(w, http.StatusRequestTimeout, j)
	default:
		writeErr(w, r, err)
	}
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	j, err := s.sub.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrBrokerUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves on port until SIGINT or SIGTERM.
func (s *Server) Run(port int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx, port)
}

// Serve serves on port until ctx is done, then drains open requests.
func (s *Server) Serve(ctx context.Context, port int) error {
	httpServer := http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: maxAwait + 30*time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("server serving on port %d", port)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Server is shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}
