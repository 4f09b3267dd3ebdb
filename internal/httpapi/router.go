// Package httpapi exposes job and function management over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chronos/internal/domain"
	"chronos/internal/jobs"
	logx "chronos/pkg/logx"
)

const maxBody = 1 << 20

type JobService interface {
	Create(ctx context.Context, in jobs.JobInput) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
	Update(ctx context.Context, id string, in jobs.JobInput) (domain.Job, error)
	Delete(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) (domain.Job, error)
	Resume(ctx context.Context, id string) (domain.Job, error)
	Trigger(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, jobID string, skip, take int) ([]domain.Run, error)
}

type FunctionService interface {
	Create(ctx context.Context, in jobs.FunctionInput) (domain.Function, error)
	Get(ctx context.Context, id string) (domain.Function, error)
	Update(ctx context.Context, id string, in jobs.FunctionInput) (domain.Function, error)
	Delete(ctx context.Context, id string) error
}

// HealthFunc reports component status; a non-nil error answers 503.
type HealthFunc func(ctx context.Context) (map[string]any, error)

type RouterConfig struct {
	RequestTimeout time.Duration
	// Pprof mounts chi's profiler under /debug, guarded by PprofToken when set.
	Pprof      bool
	PprofToken string
}

type api struct {
	jobs      JobService
	functions FunctionService
	health    HealthFunc
	log       logx.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(js JobService, fs FunctionService, health HealthFunc, cfg RouterConfig, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	a := &api{jobs: js, functions: fs, health: health, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	if cfg.Pprof {
		r.Mount("/debug", withToken(cfg.PprofToken, middleware.Profiler()))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		r.Route("/chronos", func(r chi.Router) {
			r.Post("/", a.createJob)
			r.Get("/", a.listJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getJob)
				r.Patch("/", a.updateJob)
				r.Delete("/", a.deleteJob)
				r.Post("/pause", a.pauseJob)
				r.Post("/resume", a.resumeJob)
				r.Post("/trigger", a.triggerJob)
				r.Get("/runs", a.listRuns)
			})
		})
		r.Route("/functions", func(r chi.Router) {
			r.Post("/", a.createFunction)
			r.Get("/{id}", a.getFunction)
			r.Patch("/{id}", a.updateFunction)
			r.Delete("/{id}", a.deleteFunction)
		})
	})
	return r
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.health == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}
	details, err := a.health(r.Context())
	for k, v := range details {
		body[k] = v
	}
	if err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *api) createJob(w http.ResponseWriter, r *http.Request) {
	var in jobs.JobInput
	if !a.decode(w, r, &in) {
		return
	}
	job, err := a.jobs.Create(r.Context(), in)
	a.respond(w, r, http.StatusCreated, job, err)
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := a.jobs.List(r.Context())
	if list == nil {
		list = []domain.Job{}
	}
	a.respond(w, r, http.StatusOK, list, err)
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusOK, job, err)
}

func (a *api) updateJob(w http.ResponseWriter, r *http.Request) {
	var in jobs.JobInput
	if !a.decode(w, r, &in) {
		return
	}
	job, err := a.jobs.Update(r.Context(), chi.URLParam(r, "id"), in)
	a.respond(w, r, http.StatusOK, job, err)
}

func (a *api) deleteJob(w http.ResponseWriter, r *http.Request) {
	err := a.jobs.Delete(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusNoContent, nil, err)
}

func (a *api) pauseJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Pause(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusOK, job, err)
}

func (a *api) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Resume(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusOK, job, err)
}

func (a *api) triggerJob(w http.ResponseWriter, r *http.Request) {
	run, err := a.jobs.Trigger(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusAccepted, run, err)
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		a.respond(w, r, 0, nil, err)
		return
	}
	take, err := queryInt(r, "take", 20)
	if err != nil {
		a.respond(w, r, 0, nil, err)
		return
	}
	runs, err := a.jobs.ListRuns(r.Context(), chi.URLParam(r, "id"), skip, take)
	if runs == nil {
		runs = []domain.Run{}
	}
	a.respond(w, r, http.StatusOK, runs, err)
}

func (a *api) createFunction(w http.ResponseWriter, r *http.Request) {
	var in jobs.FunctionInput
	if !a.decode(w, r, &in) {
		return
	}
	fn, err := a.functions.Create(r.Context(), in)
	a.respond(w, r, http.StatusCreated, fn, err)
}

func (a *api) getFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := a.functions.Get(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusOK, fn, err)
}

func (a *api) updateFunction(w http.ResponseWriter, r *http.Request) {
	var in jobs.FunctionInput
	if !a.decode(w, r, &in) {
		return
	}
	fn, err := a.functions.Update(r.Context(), chi.URLParam(r, "id"), in)
	a.respond(w, r, http.StatusOK, fn, err)
}

func (a *api) deleteFunction(w http.ResponseWriter, r *http.Request) {
	err := a.functions.Delete(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusNoContent, nil, err)
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (a *api) respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err == nil {
		if status == http.StatusNoContent {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, status, v)
		return
	}
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Message, Field: ve.Field})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: notFoundMessage(err)})
	default:
		a.log.Error("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.String("req_id", middleware.GetReqID(r.Context())),
			logx.Err(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

// notFoundMessage turns "chrono <id> not found" into "Chrono not found".
func notFoundMessage(err error) string {
	kind, _, ok := strings.Cut(err.Error(), " ")
	if !ok || kind == "" {
		return "Not found"
	}
	return strings.ToUpper(kind[:1]) + kind[1:] + " not found"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Invalid(key, key+" must be an integer")
	}
	return n, nil
}
