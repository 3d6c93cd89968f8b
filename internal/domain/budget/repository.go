package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository persists budgets, cost rows and alerts
type Repository interface {
	// SaveBudget upserts a tool's budget
	SaveBudget(ctx context.Context, b Budget) error

	// ListBudgets returns every configured budget
	ListBudgets(ctx context.Context) ([]Budget, error)

	// InsertCost stores a cost row. Returns false when the
	// (execution_id, attempt) pair was already recorded.
	InsertCost(ctx context.Context, e CostEntry) (bool, error)

	// SumSince returns per-tool spend recorded at or after since
	SumSince(ctx context.Context, since time.Time) (map[string]decimal.Decimal, error)

	// SumAll returns per-tool lifetime spend
	SumAll(ctx context.Context) (map[string]decimal.Decimal, error)

	// InsertAlert stores an emitted alert
	InsertAlert(ctx context.Context, a Alert) error
}

// AlertSink delivers alerts to humans or other systems. Implementations
// should not block for long; the guard calls them after releasing locks.
type AlertSink interface {
	Send(ctx context.Context, a Alert) error
}
