package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strings"
	"time"

	"quicksim/core/models"
	"quicksim/core/monitoring"
	"quicksim/core/repository"
	"quicksim/core/results"
	"quicksim/core/scheduler"
	"quicksim/core/spec"
	"quicksim/logging"
	"quicksim/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// profileField is the form field holding the submitted profile
const profileField = "input_content"

// formOverhead leaves room for field names and encoding around the profile
const formOverhead = 64 << 10

// runningSentinel is returned while a result is not available yet
const runningSentinel = "Simulation running"

// statusExpired is reported for jobs whose result retention already removed
const statusExpired models.JobStatus = "expired"

// Options controls how submissions are executed and polled
type Options struct {
	Mode            models.ExecutionMode
	MaxProfileBytes int
	PollInterval    time.Duration
}

// SimulationHandler handles simulation submission and result polling
type SimulationHandler struct {
	jobRepo   *repository.JobRepository
	artifacts *storage.ArtifactStore
	stager    *spec.Stager
	scheduler *scheduler.Scheduler
	metrics   *monitoring.MetricsExporter
	logger    *slog.Logger
	opts      Options
}

// NewSimulationHandler creates a new simulation handler
func NewSimulationHandler(
	jobRepo *repository.JobRepository,
	artifacts *storage.ArtifactStore,
	stager *spec.Stager,
	sched *scheduler.Scheduler,
	metrics *monitoring.MetricsExporter,
	logger *slog.Logger,
	opts Options,
) *SimulationHandler {
	if opts.Mode == "" {
		opts.Mode = models.ModeAsync
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &SimulationHandler{
		jobRepo:   jobRepo,
		artifacts: artifacts,
		stager:    stager,
		scheduler: sched,
		metrics:   metrics,
		logger:    logger.With("component", "http"),
		opts:      opts,
	}
}

// SimulationResponse is the blocking-mode submit response
type SimulationResponse struct {
	ID    string   `json:"id"`
	DPS   *float64 `json:"dps,omitempty"`
	Error string   `json:"error,omitempty"`
}

// SubmitResponse is returned for queued simulations to JSON clients
type SubmitResponse struct {
	ID        string           `json:"id"`
	Status    models.JobStatus `json:"status"`
	StatusURL string           `json:"status_url"`
	ResultURL string           `json:"result_url"`
}

// ResultResponse is the poll response
type ResultResponse struct {
	Status models.JobStatus `json:"status"`
	DPS    *float64         `json:"dps,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// SubmitSimulation handles POST /run_simulation
func (h *SimulationHandler) SubmitSimulation(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readProfile(w, r)
	if !ok {
		return
	}

	job, err := h.jobRepo.CreateJob(h.opts.Mode)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to create job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	ctx := logging.WithJobID(r.Context(), job.ID)
	h.metrics.RecordSubmitted(job.Mode)

	if job.Mode == models.ModeBlocking {
		h.runBlocking(ctx, w, job, raw)
		return
	}

	if _, err := h.stager.Stage(job.ID, raw); err != nil {
		h.stagingFailed(ctx, w, job.ID, err)
		return
	}

	if err := h.scheduler.Dispatch(job); err != nil {
		h.dispatchRejected(ctx, w, job, err)
		return
	}
	h.logger.InfoContext(ctx, "Simulation queued", "queue_depth", h.scheduler.QueueDepth())

	statusURL := "/quicksim/" + job.ID
	if wantsJSON(r) {
		writeJSON(w, http.StatusAccepted, SubmitResponse{
			ID:        job.ID,
			Status:    models.JobStatusPending,
			StatusURL: statusURL,
			ResultURL: statusURL + "/result",
		})
		return
	}
	http.Redirect(w, r, statusURL, http.StatusSeeOther)
}

func (h *SimulationHandler) runBlocking(ctx context.Context, w http.ResponseWriter, job *models.Job, raw string) {
	path, cleanup, err := h.stager.StageTemp(raw)
	if err != nil {
		h.stagingFailed(ctx, w, job.ID, err)
		return
	}
	defer cleanup()
	job.InputPath = path

	dps, err := h.scheduler.Run(job)
	if errors.Is(err, scheduler.ErrStopped) {
		h.dispatchRejected(ctx, w, job, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, SimulationResponse{ID: job.ID, Error: "Simulation failed: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, SimulationResponse{ID: job.ID, DPS: &dps})
}

// readProfile parses the form and validates the profile, writing the error
// response itself when it returns false
func (h *SimulationHandler) readProfile(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.opts.MaxProfileBytes)+formOverhead)

	var err error
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(int64(h.opts.MaxProfileBytes) + formOverhead)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "profile too large")
			return "", false
		}
		writeError(w, http.StatusBadRequest, "invalid form body")
		return "", false
	}

	values, present := r.PostForm[profileField]
	if !present || len(values) == 0 {
		writeError(w, http.StatusBadRequest, "missing "+profileField)
		return "", false
	}

	raw := values[0]
	switch err := spec.ValidateProfile(raw, h.opts.MaxProfileBytes); {
	case errors.Is(err, spec.ErrProfileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return "", false
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return raw, true
}

func (h *SimulationHandler) stagingFailed(ctx context.Context, w http.ResponseWriter, jobID string, err error) {
	h.metrics.RecordStagingFailure()
	h.logger.ErrorContext(ctx, "Failed to stage simulation input", "error", err)
	if ferr := h.jobRepo.FailJob(jobID, models.JobStatusPending, models.ReasonStagingFailed, err); ferr != nil {
		h.logger.ErrorContext(ctx, "Failed to update job status", "error", ferr)
	}
	writeJSON(w, http.StatusInternalServerError, SimulationResponse{ID: jobID, Error: "Failed to stage simulation input"})
}

func (h *SimulationHandler) dispatchRejected(ctx context.Context, w http.ResponseWriter, job *models.Job, err error) {
	h.logger.WarnContext(ctx, "Simulation rejected", "error", err)
	if ferr := h.jobRepo.FailJob(job.ID, models.JobStatusPending, models.ReasonDispatchRejected, err); ferr != nil {
		h.logger.ErrorContext(ctx, "Failed to update job status", "error", ferr)
	}
	if rerr := h.artifacts.Remove(job.InputPath); rerr != nil {
		h.logger.ErrorContext(ctx, "Failed to remove input artifact", "error", rerr)
	}
	writeJSON(w, http.StatusServiceUnavailable, SimulationResponse{ID: job.ID, Error: "server is shutting down"})
}

// PollResult handles GET /quicksim/{id}/result
func (h *SimulationHandler) PollResult(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if !validJobID(jobID) {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	status, code := h.result(r.Context(), jobID)
	writeJSON(w, code, status)
}

// result never waits on a running simulation
func (h *SimulationHandler) result(ctx context.Context, jobID string) (ResultResponse, int) {
	if job, err := h.jobRepo.GetJob(jobID); err == nil {
		switch job.Status {
		case models.JobStatusFailed:
			return ResultResponse{Status: models.JobStatusFailed, Error: "Simulation failed: " + job.Error}, http.StatusOK
		case models.JobStatusCompleted:
			if job.DPS != nil {
				return completed(*job.DPS), http.StatusOK
			}
		}
	}

	dps, err := results.Extract(h.jobRepo.OutputPath(jobID))
	if err != nil {
		if !results.IsPending(err) {
			h.logger.ErrorContext(ctx, "Failed to read result", "job_id", jobID, "error", err)
		}
		if h.jobRepo.Expired(jobID) {
			return ResultResponse{Status: statusExpired, Error: "result expired"}, http.StatusGone
		}
		return ResultResponse{Status: models.JobStatusRunning, Error: runningSentinel}, http.StatusAccepted
	}
	return completed(dps), http.StatusOK
}

func completed(dps float64) ResultResponse {
	rounded := math.Round(dps*10) / 10
	return ResultResponse{Status: models.JobStatusCompleted, DPS: &rounded}
}

// StatusPage handles GET /quicksim/{id}
func (h *SimulationHandler) StatusPage(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if !validJobID(jobID) {
		http.Error(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	res, code := h.result(r.Context(), jobID)
	page := statusPage{
		ID:         jobID,
		ResultURL:  "/quicksim/" + jobID + "/result",
		PollMillis: h.opts.PollInterval.Milliseconds(),
		Error:      res.Error,
		Done:       code != http.StatusAccepted,
	}
	if res.DPS != nil {
		page.DPS = int64(math.Round(*res.DPS))
	}
	if !page.Done {
		page.Error = ""
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := statusTemplate.Execute(w, page); err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to render status page", "error", err)
	}
}

// validJobID accepts only canonical UUIDs, since ids become file names
func validJobID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

func wantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == "application/json" {
			return true
		}
	}
	return false
}
