package handlers

import (
	"context"
	"net/http"
	"time"

	"switchyard/internal/domain/execution"
	execsvc "switchyard/internal/services/execution"
	"switchyard/internal/workers"
)

// QueueReporter exposes queue depth and in-flight work
type QueueReporter interface {
	QueueStatus() execsvc.QueueStatus
}

// HealthReporter exposes background worker health
type HealthReporter interface {
	Health() map[string]workers.WorkerHealth
}

// StatsSource aggregates attempt history
type StatsSource interface {
	Summaries(ctx context.Context, since time.Time) ([]execution.ToolSummary, error)
}

// QueueHandler serves queue status and execution stats
type QueueHandler struct {
	queue     QueueReporter
	scheduler HealthReporter
	stats     StatsSource
}

// NewQueueHandler creates the handler; scheduler and stats may be nil
func NewQueueHandler(queue QueueReporter, scheduler HealthReporter, stats StatsSource) *QueueHandler {
	return &QueueHandler{queue: queue, scheduler: scheduler, stats: stats}
}

type queueStatusResponse struct {
	execsvc.QueueStatus
	Workers map[string]workers.WorkerHealth `json:"workers,omitempty"`
}

func (h *QueueHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := queueStatusResponse{QueueStatus: h.queue.QueueStatus()}
	if h.scheduler != nil {
		out.Workers = h.scheduler.Health()
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleStats returns per-tool attempt summaries. ?window=24h, default 1h.
func (h *QueueHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "execution analytics store is not configured")
		return
	}

	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_window", "window must be a positive duration")
			return
		}
		window = d
	}

	summaries, err := h.stats.Summaries(r.Context(), time.Now().Add(-window))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"window": window.String(), "tools": summaries})
}
