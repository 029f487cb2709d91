// Package statusapi exposes migration runs over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/your-org/mediamigrate/internal/asset"
	"github.com/your-org/mediamigrate/internal/migration"
	"github.com/your-org/mediamigrate/internal/outcome"
	"github.com/your-org/mediamigrate/internal/progress"
	"github.com/your-org/mediamigrate/internal/redact"
)

// Starter launches runs. *migration.Controller implements it.
type Starter interface {
	Start(ctx context.Context, descriptors []asset.Descriptor, opts migration.Options) (*migration.Run, error)
}

// HTTPHandler serves run status, error logs and stop requests.
type HTTPHandler struct {
	registry *migration.Registry
	starter  Starter
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	maxBody  int64
	router   chi.Router
}

type Params struct {
	Registry *migration.Registry
	// Starter enables POST /api/v1/runs; nil leaves it unrouted.
	Starter Starter
	// Gatherer backs /metrics; nil leaves it unrouted.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	// MaxBodyBytes bounds POST bodies; defaults to 32 MiB.
	MaxBodyBytes int64
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(p Params) *HTTPHandler {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.MaxBodyBytes <= 0 {
		p.MaxBodyBytes = 32 << 20
	}
	h := &HTTPHandler{
		registry: p.Registry,
		starter:  p.Starter,
		gatherer: p.Gatherer,
		logger:   p.Logger,
		maxBody:  p.MaxBodyBytes,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)
	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/runs", func(r chi.Router) {
		r.Get("/", h.handleList)
		if h.starter != nil {
			r.Post("/", h.handleStart)
		}
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Get("/errors", h.handleErrors)
			r.Post("/stop", h.handleStop)
		})
	})

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

type runView struct {
	ID        string         `json:"id"`
	StartedAt time.Time      `json:"startedAt"`
	State     progress.State `json:"state"`
	Outcome   *outcome.Batch `json:"outcome,omitempty"`
}

func view(run *migration.Run, withResults bool) runView {
	v := runView{ID: run.ID(), StartedAt: run.StartedAt(), State: run.Snapshot()}
	if b, ok := run.Outcome(); ok {
		if !withResults {
			b.Results = nil
		}
		v.Outcome = &b
	}
	return v
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	runs := h.registry.List()
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, view(run, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

type startRequest struct {
	Descriptors []asset.Descriptor `json:"descriptors"`
	Options     map[string]any     `json:"options"`
}

func (h *HTTPHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	opts, err := migration.ParseOptions(req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The run outlives the request.
	run, err := h.starter.Start(context.WithoutCancel(r.Context()), req.Descriptors, opts)
	if errors.Is(err, migration.ErrInvalidDescriptors) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("start run failed", redact.Error(err))
		writeError(w, http.StatusInternalServerError, "start failed")
		return
	}
	writeJSON(w, http.StatusAccepted, view(run, false))
}

func (h *HTTPHandler) run(w http.ResponseWriter, r *http.Request) (*migration.Run, bool) {
	run, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
	}
	return run, ok
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if run, ok := h.run(w, r); ok {
		writeJSON(w, http.StatusOK, view(run, r.URL.Query().Get("results") == "true"))
	}
}

func (h *HTTPHandler) handleErrors(w http.ResponseWriter, r *http.Request) {
	if run, ok := h.run(w, r); ok {
		writeJSON(w, http.StatusOK, run.ExportErrorLog())
	}
}

func (h *HTTPHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	run, ok := h.run(w, r)
	if !ok {
		return
	}
	if _, done := run.Outcome(); done {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	run.Stop()
	h.logger.Info("stop requested", zap.String("run_id", run.ID()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
