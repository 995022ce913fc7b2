package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"quicksim/core/models"
	"quicksim/core/repository"

	"github.com/gorilla/mux"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// JobHandler exposes job records for inspection
type JobHandler struct {
	jobRepo *repository.JobRepository
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobRepo *repository.JobRepository) *JobHandler {
	return &JobHandler{jobRepo: jobRepo}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if !validJobID(jobID) {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.jobRepo.GetJob(jobID)
	if errors.Is(err, repository.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}

	events, err := h.jobRepo.Events(jobID)
	if err != nil {
		// forgotten between the two reads
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":    job,
		"events": events,
	})
}

// ListJobs handles GET /api/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var status *models.JobStatus
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		s := models.JobStatus(statusParam)
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &s
	}

	limit := defaultListLimit
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs := h.jobRepo.ListJobs(status, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  jobs,
		"counts": h.jobRepo.Counts(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
