package budget

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Budget is the configured limit for a tool. A zero amount means no limit
// for that period.
type Budget struct {
	ToolID       string          `db:"tool_id" json:"tool_id"`
	Daily        decimal.Decimal `db:"daily_budget" json:"daily_budget"`
	Monthly      decimal.Decimal `db:"monthly_budget" json:"monthly_budget"`
	AlertTargets []string        `db:"-" json:"alert_targets"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// CostEntry is one recorded spend. (ExecutionID, Attempt) is unique.
type CostEntry struct {
	ToolID      string                     `json:"tool_id"`
	ExecutionID uuid.UUID                  `json:"execution_id"`
	Attempt     int                        `json:"attempt"`
	Amount      decimal.Decimal            `json:"amount"`
	Breakdown   map[string]decimal.Decimal `json:"breakdown,omitempty"`
	RecordedAt  time.Time                  `json:"recorded_at"`
}

// Analytics is a point-in-time view of a tool's spending
type Analytics struct {
	ToolID           string          `json:"tool_id"`
	Total            decimal.Decimal `json:"total"`
	Daily            decimal.Decimal `json:"daily"`
	Monthly          decimal.Decimal `json:"monthly"`
	DailyBudget      decimal.Decimal `json:"daily_budget"`
	MonthlyBudget    decimal.Decimal `json:"monthly_budget"`
	DailyRemaining   decimal.Decimal `json:"daily_remaining"`
	MonthlyRemaining decimal.Decimal `json:"monthly_remaining"`
	ProjectedMonthly decimal.Decimal `json:"projected_monthly"`
	DailyUnlimited   bool            `json:"daily_unlimited"`
	MonthlyUnlimited bool            `json:"monthly_unlimited"`
}

// CanAfford reports whether the daily budget covers amount
func (a Analytics) CanAfford(amount decimal.Decimal) bool {
	if a.DailyUnlimited {
		return true
	}
	return a.DailyRemaining.GreaterThanOrEqual(amount)
}

// AlertKind names a threshold crossing
type AlertKind string

const (
	AlertDailyWarning     AlertKind = "daily_warning"
	AlertDailyExceeded    AlertKind = "daily_exceeded"
	AlertMonthlyWarning   AlertKind = "monthly_warning"
	AlertMonthlyExceeded  AlertKind = "monthly_exceeded"
	AlertProjectedOverrun AlertKind = "projected_overrun"
)

// Severity maps the kind to warning or critical
func (k AlertKind) Severity() string {
	switch k {
	case AlertDailyExceeded, AlertMonthlyExceeded:
		return "critical"
	default:
		return "warning"
	}
}

// Alert is emitted once per threshold crossing per period
type Alert struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	ToolID    string          `db:"tool_id" json:"tool_id"`
	Kind      AlertKind       `db:"kind" json:"kind"`
	Spent     decimal.Decimal `db:"spent" json:"spent"`
	Limit     decimal.Decimal `db:"budget_limit" json:"limit"`
	Message   string          `db:"message" json:"message"`
	Targets   []string        `db:"-" json:"targets"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
