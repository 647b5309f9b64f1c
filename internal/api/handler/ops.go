// Package handler provides HTTP handlers for the jobwatch API.
package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jobwatch/jobwatch/internal/api/models"
	"github.com/jobwatch/jobwatch/internal/api/response"
	"github.com/jobwatch/jobwatch/internal/polling"
	"github.com/jobwatch/jobwatch/internal/provider/resilience"
)

// readinessTimeout bounds dependency checks in ReadinessCheck.
const readinessTimeout = 2 * time.Second

// UpstreamReporter reports circuit breaker state of upstream clients.
type UpstreamReporter interface {
	Statuses() []resilience.UpstreamStatus
}

// PollingStatusReader reads the scheduler status.
type PollingStatusReader interface {
	GetPollingStatus() polling.Status
}

// PingFunc checks a dependency such as the database.
type PingFunc func(ctx context.Context) error

// OpsConfig holds dependencies for OpsHandler.
type OpsConfig struct {
	Version   string
	BuildTime string

	// Upstreams is optional.
	Upstreams UpstreamReporter

	// Scheduler is optional.
	Scheduler PollingStatusReader

	// Database is optional; nil means no database is configured.
	Database PingFunc

	// Clock is used for response timestamps. Default: real clock.
	Clock clockwork.Clock
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	cfg OpsConfig
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &OpsHandler{cfg: cfg}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.cfg.Clock.Now()),
		Details: map[string]string{
			"version":   h.cfg.Version,
			"buildTime": h.cfg.BuildTime,
		},
	})
}

// ReadinessCheck handles GET /v1/ops/ready. A failing database makes the
// service unready; open circuit breakers and a paused scheduler only
// degrade it.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	var subsystems []models.SubsystemStatus

	if h.cfg.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		err := h.cfg.Database(ctx)
		cancel()

		sub := models.SubsystemStatus{Name: "database", Status: models.HealthStatusOK}
		if err != nil {
			sub.Status = models.HealthStatusFail
			sub.Detail = err.Error()
		}
		subsystems = append(subsystems, sub)
	}

	if h.cfg.Scheduler != nil {
		status := h.cfg.Scheduler.GetPollingStatus()
		sub := models.SubsystemStatus{
			Name:   "scheduler",
			Status: models.HealthStatusOK,
			Detail: fmt.Sprintf("%d active jobs", len(status.Jobs)),
		}
		if status.Paused {
			sub.Status = models.HealthStatusDegraded
			sub.Detail = fmt.Sprintf("paused (depth %d), %d active jobs", status.PauseDepth, len(status.Jobs))
		}
		subsystems = append(subsystems, sub)
	}

	if h.cfg.Upstreams != nil {
		for _, up := range h.cfg.Upstreams.Statuses() {
			sub := models.SubsystemStatus{
				Name:   up.Name,
				Status: models.HealthStatusOK,
				Detail: "circuit " + up.State,
			}
			if !up.Available() {
				sub.Status = models.HealthStatusDegraded
			}
			subsystems = append(subsystems, sub)
		}
	}

	overall := models.HealthStatusOK
	for _, sub := range subsystems {
		if sub.Status == models.HealthStatusFail {
			overall = models.HealthStatusFail
			break
		}
		if sub.Status == models.HealthStatusDegraded {
			overall = models.HealthStatusDegraded
		}
	}

	status := http.StatusOK
	if overall == models.HealthStatusFail {
		status = http.StatusServiceUnavailable
	}

	if subsystems == nil {
		subsystems = []models.SubsystemStatus{}
	}
	response.JSON(w, r, status, models.Readiness{
		Status:     overall,
		Time:       models.Timestamp(h.cfg.Clock.Now()),
		Subsystems: subsystems,
	})
}
