package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"switchyard/internal/domain/budget"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

// Budgets is the budget surface the API needs
type Budgets interface {
	GetAnalytics(toolID string) budget.Analytics
	SetBudget(ctx context.Context, toolID string, daily, monthly decimal.Decimal, alertTargets []string) error
	Snapshot() []budget.Analytics
}

// AlertHistory lists stored budget alerts, newest first
type AlertHistory interface {
	RecentAlerts(ctx context.Context, toolID string, limit int) ([]budget.Alert, error)
}

// BudgetHandler serves /v1/budgets
type BudgetHandler struct {
	budgets Budgets
	alerts  AlertHistory
	log     *logger.Logger
}

func NewBudgetHandler(budgets Budgets, log *logger.Logger) *BudgetHandler {
	return &BudgetHandler{budgets: budgets, log: log.With("component", "api_budgets")}
}

// WithAlertHistory enables GET /v1/budgets/{tool}/alerts
func (h *BudgetHandler) WithAlertHistory(alerts AlertHistory) *BudgetHandler {
	h.alerts = alerts
	return h
}

type setBudgetRequest struct {
	Daily        decimal.Decimal `json:"daily_budget"`
	Monthly      decimal.Decimal `json:"monthly_budget"`
	AlertTargets []string        `json:"alert_targets"`
}

// HandleList returns analytics for every tracked tool
func (h *BudgetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"budgets": h.budgets.Snapshot()})
}

func (h *BudgetHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.budgets.GetAnalytics(r.PathValue("tool")))
}

// HandleSet replaces a tool's limits. Zero means unlimited.
func (h *BudgetHandler) HandleSet(w http.ResponseWriter, r *http.Request) {
	toolID := r.PathValue("tool")

	var body setBudgetRequest
	if !decode(w, r, &body) {
		return
	}

	if err := h.budgets.SetBudget(r.Context(), toolID, body.Daily, body.Monthly, body.AlertTargets); err != nil {
		var vErr *errors.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		h.log.Errorw("Failed to set budget", "tool_id", toolID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store budget")
		return
	}

	writeJSON(w, http.StatusOK, h.budgets.GetAnalytics(toolID))
}

// HandleAlerts returns a tool's recent alerts. ?limit= defaults to 50.
func (h *BudgetHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "alert history is not stored")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	toolID := r.PathValue("tool")
	alerts, err := h.alerts.RecentAlerts(r.Context(), toolID, limit)
	if err != nil {
		h.log.Errorw("Failed to load alerts", "tool_id", toolID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load alerts")
		return
	}
	if alerts == nil {
		alerts = []budget.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool_id": toolID, "alerts": alerts})
}
