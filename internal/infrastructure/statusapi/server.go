package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultLimit = 20

type RunLister interface {
	List(limit int) ([]domain.Summary, error)
}

type ActiveRuns interface {
	Active() []domain.Summary
}

// Server exposes the watcher state over HTTP.
type Server struct {
	log      *zap.Logger
	history  RunLister
	active   ActiveRuns
	gatherer prometheus.Gatherer
}

func New(l *zap.Logger, history RunLister, active ActiveRuns, g prometheus.Gatherer) *Server {
	return &Server{log: l, history: history, active: active, gatherer: g}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Get("/{id}", s.getRun)
	})

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("status api listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type runsResponse struct {
	Active []domain.Summary `json:"active"`
	Recent []domain.Summary `json:"recent"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	resp := runsResponse{Active: []domain.Summary{}, Recent: []domain.Summary{}}
	if s.active != nil {
		resp.Active = append(resp.Active, s.active.Active()...)
	}
	if s.history != nil {
		recent, err := s.history.List(limit)
		if err != nil {
			s.log.Warn("list history", zap.Error(err))
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		resp.Recent = append(resp.Recent, recent...)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.active != nil {
		for _, a := range s.active.Active() {
			if a.ID == id {
				writeJSON(w, http.StatusOK, a)
				return
			}
		}
	}

	if s.history != nil {
		all, err := s.history.List(0)
		if err != nil {
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		for _, h := range all {
			if h.ID == id {
				writeJSON(w, http.StatusOK, h)
				return
			}
		}
	}

	http.Error(w, "run not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
