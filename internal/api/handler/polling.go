package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jobwatch/jobwatch/internal/api/middleware"
	"github.com/jobwatch/jobwatch/internal/api/models"
	"github.com/jobwatch/jobwatch/internal/api/response"
	"github.com/jobwatch/jobwatch/internal/gate"
	"github.com/jobwatch/jobwatch/internal/polling"
)

// PollingController is the subset of the scheduler used by the API.
type PollingController interface {
	StartJobPolling(jobID string, initialInterval time.Duration)
	StartBatchPolling(jobIDs []string, initialInterval time.Duration)
	StopJobPolling(jobID string)
	PauseAll()
	ResumeAll()
	IsActive(jobID string) bool
	GetPollingStatus() polling.Status
}

// GateReader reports the gate decision and signal values.
type GateReader interface {
	ShouldSchedule() bool
	Values() map[gate.Signal]bool
}

// SignalSetter accepts manual signal updates.
type SignalSetter interface {
	Set(value bool)
}

// PollingHandler handles the polling control endpoints.
type PollingHandler struct {
	scheduler PollingController
	gate      GateReader
	signals   map[gate.Signal]SignalSetter
	logger    zerolog.Logger
}

// NewPollingHandler creates a new PollingHandler. gate may be nil, in
// which case polling is always reported as schedulable.
func NewPollingHandler(scheduler PollingController, g GateReader, signals map[gate.Signal]SignalSetter, logger zerolog.Logger) *PollingHandler {
	return &PollingHandler{
		scheduler: scheduler,
		gate:      g,
		signals:   signals,
		logger:    logger,
	}
}

// GetStatus handles GET /v1/polling.
func (h *PollingHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.status())
}

// StartBatch handles POST /v1/polling/jobs.
func (h *PollingHandler) StartBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchStartRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		response.BadRequest(w, r, "validation failed", errs)
		return
	}

	h.scheduler.StartBatchPolling(req.JobIDs, req.Interval())
	h.logger.Info().
		Int("count", len(req.JobIDs)).
		Str("operator_id", middleware.GetOperatorID(r.Context())).
		Msg("batch polling started")

	response.Accepted(w, r, h.status())
}

// StartJob handles PUT /v1/polling/jobs/{jobId}. Starting a job that is
// already polled leaves its schedule unchanged.
func (h *PollingHandler) StartJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	// PUT with no body uses the policy minimum.
	var req models.StartJobRequest
	if r.ContentLength != 0 {
		if !response.DecodeJSON(w, r, &req) {
			return
		}
	}
	if errs := req.Validate(); len(errs) > 0 {
		response.BadRequest(w, r, "validation failed", errs)
		return
	}

	h.scheduler.StartJobPolling(jobID, req.Interval())
	h.logger.Info().
		Str("job_id", jobID).
		Str("operator_id", middleware.GetOperatorID(r.Context())).
		Msg("job polling started")

	job, ok := h.findJob(jobID)
	if !ok {
		// finished between the start and the lookup
		response.NoContent(w, r)
		return
	}
	response.Accepted(w, r, job)
}

// StopJob handles DELETE /v1/polling/jobs/{jobId}.
func (h *PollingHandler) StopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if !h.scheduler.IsActive(jobID) {
		response.NotFound(w, r, "job "+jobID+" is not being polled")
		return
	}

	h.scheduler.StopJobPolling(jobID)
	h.logger.Info().
		Str("job_id", jobID).
		Str("operator_id", middleware.GetOperatorID(r.Context())).
		Msg("job polling stopped")

	response.NoContent(w, r)
}

// Pause handles POST /v1/polling/pause. Each call must be balanced by a
// call to Resume.
func (h *PollingHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.scheduler.PauseAll()
	response.JSON(w, r, http.StatusOK, h.status())
}

// Resume handles POST /v1/polling/resume.
func (h *PollingHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.scheduler.ResumeAll()
	response.JSON(w, r, http.StatusOK, h.status())
}

// SetSignal handles PUT /v1/polling/signals/{signal}.
func (h *PollingHandler) SetSignal(w http.ResponseWriter, r *http.Request) {
	signal := gate.Signal(chi.URLParam(r, "signal"))
	setter, ok := h.signals[signal]
	if !ok {
		response.NotFound(w, r, "unknown signal "+string(signal))
		return
	}

	var req models.SignalRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		response.BadRequest(w, r, "validation failed", errs)
		return
	}

	setter.Set(*req.Value)
	h.logger.Info().
		Str("signal", string(signal)).
		Bool("value", *req.Value).
		Msg("signal updated")

	response.JSON(w, r, http.StatusOK, h.status())
}

func (h *PollingHandler) status() models.PollingStatus {
	status := h.scheduler.GetPollingStatus()

	out := models.PollingStatus{
		Paused:         status.Paused,
		PauseDepth:     status.PauseDepth,
		ShouldSchedule: true,
		Signals:        map[string]bool{},
		Jobs:           make([]models.JobState, 0, len(status.Jobs)),
	}
	if h.gate != nil {
		out.ShouldSchedule = h.gate.ShouldSchedule()
		for signal, value := range h.gate.Values() {
			out.Signals[string(signal)] = value
		}
	}
	for _, j := range status.Jobs {
		out.Jobs = append(out.Jobs, models.NewJobState(j))
	}
	return out
}

func (h *PollingHandler) findJob(jobID string) (models.JobState, bool) {
	for _, j := range h.scheduler.GetPollingStatus().Jobs {
		if j.JobID == jobID {
			return models.NewJobState(j), true
		}
	}
	return models.JobState{}, false
}
