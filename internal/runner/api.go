package runner

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/httpapi"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

// API serves the runner's HTTP interface
type API struct {
	id        string
	os        string
	exec      *Executor
	builds    *Builds
	hub       *Hub
	outputDir string
}

// NewAPI creates the runner API
func NewAPI(id, osName string, exec *Executor, builds *Builds, hub *Hub) *API {
	return &API{
		id:        id,
		os:        osName,
		exec:      exec,
		builds:    builds,
		hub:       hub,
		outputDir: exec.cfg.OutputDir,
	}
}

// Handler returns the routed handler
func (a *API) Handler() http.Handler {
	r := httpapi.NewRouter()

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	r.Get("/info", a.handleInfo)

	r.Post("/versions/upload/{checksum}", a.handleUploadVersion)
	r.Get("/versions", a.handleListVersions)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.handleSubmit)
		r.Post("/accept", a.handleAccept)
		r.Get("/current", a.handleCurrent)
		r.Post("/current/stop", a.handleStop)
		r.Get("/current/watch", a.hub.ServeWS)
		r.Get("/{id}", a.handleGetJob)
	})

	r.Get("/runs", a.handleRuns)
	r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(a.outputDir))))
	r.Handle("/metrics", promhttp.Handler())

	return httpapi.WithCORS(r)
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := protocol.InfoResponse{ID: a.id, OS: a.os}
	if id, ok := a.exec.admission.Current(); ok {
		info.CurrentJob = &id
	}
	httpapi.WriteJSON(w, http.StatusOK, info)
}

func (a *API) handleUploadVersion(w http.ResponseWriter, r *http.Request) {
	filename, data, err := httpapi.ReadUpload(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	v, err := a.builds.Upload(data, filename, chi.URLParam(r, "checksum"))
	if err != nil {
		log.WithField("file", filename).WithError(err).Warn("api: build upload rejected")
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, v)
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	names, err := a.builds.List()
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, names)
}

func (a *API) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req protocol.JobRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	resp := a.exec.Accept(req)
	if !resp.Accepted {
		log.WithField("job", req.ID).WithField("reason", resp.Error).Debug("api: offer declined")
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req protocol.JobRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	job, err := a.exec.Submit(req)
	if err != nil {
		httpapi.WriteJSON(w, httpapi.StatusFor(err), protocol.CreateJobResponse{Error: err.Error()})
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, protocol.CreateJobResponse{Created: true, Job: job})
}

func (a *API) handleCurrent(w http.ResponseWriter, r *http.Request) {
	job, ok := a.exec.Current()
	if !ok {
		httpapi.WriteError(w, fmt.Errorf("current job: %w", domain.ErrNotFound))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, job)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := a.exec.StopCurrent()
	if !ok {
		httpapi.WriteError(w, fmt.Errorf("current job: %w", domain.ErrNotFound))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, protocol.StopResponse{JobID: id, Stopping: true})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.exec.Get(chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, job)
}

func (a *API) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.exec.Runs()
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, runs)
}
