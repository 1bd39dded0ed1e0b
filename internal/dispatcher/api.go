package dispatcher

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/httpapi"
	"github.com/hochfrequenz/coreci/internal/metrics"
	"github.com/hochfrequenz/coreci/internal/protocol"
	"github.com/hochfrequenz/coreci/internal/versionstore"
)

// EventQuery reads the job event log
type EventQuery interface {
	ForJob(jobID string) ([]domain.JobEvent, error)
	Recent(limit int) ([]domain.JobEvent, error)
}

// API serves the dispatcher's HTTP interface
type API struct {
	svc      *Service
	versions *versionstore.Store
	events   EventQuery

	recurring *Recurring
}

// NewAPI creates the HTTP API. events may be nil, in which case job
// event queries return an empty list.
func NewAPI(svc *Service, versions *versionstore.Store, events EventQuery) *API {
	return &API{svc: svc, versions: versions, events: events}
}

// SetRecurring exposes the recurring jobs under /recurring
func (a *API) SetRecurring(r *Recurring) {
	a.recurring = r
}

// Handler returns the routed handler with CORS applied
func (a *API) Handler() http.Handler {
	r := httpapi.NewRouter()

	r.Route("/versions", func(r chi.Router) {
		r.Post("/upload/{checksum}", a.handleUploadVersion)
		r.Get("/", a.handleListVersions)
		r.Get("/{name}", a.handleGetVersion)
		r.Get("/{name}/download", a.handleDownloadVersion)
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.handleSubmitJob)
		r.Get("/", a.handleListJobs)
		r.Get("/active", a.handleActiveJobs)
		r.Handle("/stream", a.svc.Feed())
		r.Get("/{id}", a.handleGetJob)
		r.Get("/{id}/events", a.handleJobEvents)
	})
	r.Get("/events", a.handleRecentEvents)
	r.Route("/runners", func(r chi.Router) {
		r.Post("/", a.handleAddRunner)
		r.Get("/", a.handleListRunners)
		r.Delete("/{id}", a.handleRemoveRunner)
	})
	r.Route("/recurring", func(r chi.Router) {
		r.Get("/", a.handleListRecurring)
		r.Post("/{name}/run", a.handleRunRecurring)
	})
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return httpapi.WithCORS(r)
}

func (a *API) handleUploadVersion(w http.ResponseWriter, r *http.Request) {
	checksum := chi.URLParam(r, "checksum")
	filename, data, err := httpapi.ReadUpload(r)
	if err != nil {
		metrics.RecordVersionUpload("rejected")
		httpapi.WriteError(w, err)
		return
	}

	v, err := a.versions.Upload(data, filename, checksum)
	if err != nil {
		log.WithField("file", filename).WithError(err).Warn("api: version upload rejected")
		metrics.RecordVersionUpload("rejected")
		httpapi.WriteError(w, err)
		return
	}
	metrics.RecordVersionUpload("stored")
	httpapi.WriteJSON(w, http.StatusCreated, v)
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.versions.List()
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, versions)
}

func (a *API) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	v, ok := a.versions.Get(name)
	if !ok {
		httpapi.WriteError(w, fmt.Errorf("%w: %s", domain.ErrVersionNotFound, name))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, v)
}

func (a *API) handleDownloadVersion(w http.ResponseWriter, r *http.Request) {
	f, v, err := a.versions.Open(chi.URLParam(r, "name"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", v.Filename()))
	w.Header().Set("X-Checksum", v.Checksum)
	if _, err := io.Copy(w, f); err != nil {
		log.WithField("version", v.Name).WithError(err).Debug("api: download interrupted")
	}
}

func (a *API) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitJobRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	job, err := a.svc.SubmitJob(req)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, job)
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status == "" {
		httpapi.WriteJSON(w, http.StatusOK, a.svc.Jobs().List())
		return
	}
	var statuses []domain.JobStatus
	for _, s := range strings.Split(status, ",") {
		statuses = append(statuses, domain.JobStatus(strings.TrimSpace(s)))
	}
	httpapi.WriteJSON(w, http.StatusOK, a.svc.Jobs().ListByStatus(statuses...))
}

func (a *API) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, a.svc.ActiveJobs())
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.svc.Jobs().Get(chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, job)
}

func (a *API) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.svc.Jobs().Get(id); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if a.events == nil {
		httpapi.WriteJSON(w, http.StatusOK, []domain.JobEvent{})
		return
	}
	events, err := a.events.ForJob(id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, events)
}

// handleRecentEvents lists the newest events of all jobs. limit defaults
// to the event log's own default.
func (a *API) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpapi.WriteError(w, fmt.Errorf("%w: limit %q", domain.ErrInvalidRequest, raw))
			return
		}
		limit = n
	}
	if a.events == nil {
		httpapi.WriteJSON(w, http.StatusOK, []domain.JobEvent{})
		return
	}
	events, err := a.events.Recent(limit)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, events)
}

func (a *API) handleAddRunner(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRunnerRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	h, err := a.svc.Runners().Add(domain.RunnerHandle{
		ID:          req.ID,
		BaseAddress: req.BaseAddress,
		OS:          req.OS,
	})
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, h)
}

func (a *API) handleListRunners(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, a.svc.Runners().List())
}

func (a *API) handleRemoveRunner(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Runners().Remove(chi.URLParam(r, "id")); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListRecurring(w http.ResponseWriter, r *http.Request) {
	if a.recurring == nil {
		httpapi.WriteJSON(w, http.StatusOK, []protocol.RecurringJobInfo{})
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, a.recurring.List())
}

func (a *API) handleRunRecurring(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if a.recurring == nil {
		httpapi.WriteError(w, fmt.Errorf("recurring job %s: %w", name, domain.ErrNotFound))
		return
	}
	job, err := a.recurring.Fire(name)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, job)
}
