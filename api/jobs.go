//go:build server

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"playground/store"
)

// Status
//
//	Reports the load of the build queue.
func (a *HttpApi) Status(w http.ResponseWriter, r *http.Request) {
	pending, active := a.Queue.Len()
	a.handleJsonResponse(w, r, http.StatusOK, map[string]any{
		"pending":     pending,
		"active":      active,
		"connections": a.activeConnections.Load(),
	})
}

// RecentJobs
//
//	Lists the most recent build attempts. The optional `limit` query
//	parameter caps the result.
func (a *HttpApi) RecentJobs(w http.ResponseWriter, r *http.Request) {
	if a.Store == nil {
		a.handleError(w, r, http.StatusNotFound, "job history is disabled", errors.New("no store configured"))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			a.handleError(w, r, http.StatusBadRequest, "limit must be between 1 and 500", err)
			return
		}
		limit = n
	}

	jobs, err := a.Store.RecentJobs(r.Context(), limit)
	if err != nil {
		a.handleError(w, r, http.StatusInternalServerError, DefaultErrorMessage, err)
		return
	}

	a.handleJsonResponse(w, r, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob
//
//	Returns the history record of a successful job.
func (a *HttpApi) GetJob(w http.ResponseWriter, r *http.Request) {
	if a.Store == nil {
		a.handleError(w, r, http.StatusNotFound, "job history is disabled", errors.New("no store configured"))
		return
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, http.StatusBadRequest, "invalid job id", err)
		return
	}

	job, err := a.Store.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		a.handleError(w, r, http.StatusNotFound, "job not found", err)
		return
	}
	if err != nil {
		a.handleError(w, r, http.StatusInternalServerError, DefaultErrorMessage, err)
		return
	}

	a.handleJsonResponse(w, r, http.StatusOK, job)
}

// Artifacts
//
//	Serves the wasm-bindgen output of a successful job.
func (a *HttpApi) Artifacts(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, http.StatusBadRequest, "invalid job id", err)
		return
	}

	root := afero.NewBasePathFs(a.ArtifactFs, "/"+jobID.String())
	if ok, _ := afero.DirExists(root, "/"); !ok {
		a.handleError(w, r, http.StatusNotFound, "job not found", errors.New("artifact dir missing"))
		return
	}

	// serve relative to the job directory
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + chi.URLParam(r, "*")
	http.FileServer(afero.NewHttpFs(root).Dir("/")).ServeHTTP(w, r2)
}
