package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"switchyard/internal/domain/budget"
	"switchyard/pkg/errors"
)

var _ budget.Repository = (*BudgetRepository)(nil)

// BudgetRepository stores budgets, the cost ledger and emitted alerts
type BudgetRepository struct {
	db DBTX
}

func NewBudgetRepository(db DBTX) *BudgetRepository {
	return &BudgetRepository{db: db}
}

func (r *BudgetRepository) SaveBudget(ctx context.Context, b budget.Budget) (err error) {
	defer observe("budget_save", time.Now(), &err)

	query := `
		INSERT INTO tool_budgets (tool_id, daily_budget, monthly_budget, alert_targets, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tool_id) DO UPDATE SET
			daily_budget   = EXCLUDED.daily_budget,
			monthly_budget = EXCLUDED.monthly_budget,
			alert_targets  = EXCLUDED.alert_targets,
			updated_at     = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		b.ToolID, b.Daily, b.Monthly, pq.StringArray(nonNil(b.AlertTargets)), b.UpdatedAt,
	)
	return err
}

type budgetRow struct {
	budget.Budget
	Targets pq.StringArray `db:"alert_targets"`
}

func (r *BudgetRepository) ListBudgets(ctx context.Context) (out []budget.Budget, err error) {
	defer observe("budget_list", time.Now(), &err)

	var rows []budgetRow
	query := `SELECT tool_id, daily_budget, monthly_budget, alert_targets, updated_at FROM tool_budgets ORDER BY tool_id`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	out = make([]budget.Budget, 0, len(rows))
	for _, row := range rows {
		b := row.Budget
		b.AlertTargets = []string(row.Targets)
		out = append(out, b)
	}
	return out, nil
}

// InsertCost relies on the (execution_id, attempt) primary key for
// idempotence
func (r *BudgetRepository) InsertCost(ctx context.Context, e budget.CostEntry) (inserted bool, err error) {
	defer observe("cost_insert", time.Now(), &err)

	var breakdown interface{}
	if len(e.Breakdown) > 0 {
		raw, err := json.Marshal(e.Breakdown)
		if err != nil {
			return false, errors.Wrap(err, "marshal cost breakdown")
		}
		breakdown = string(raw)
	}

	query := `
		INSERT INTO cost_ledger (execution_id, attempt, tool_id, amount, breakdown, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id, attempt) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query, e.ExecutionID, e.Attempt, e.ToolID, e.Amount, breakdown, e.RecordedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type toolSum struct {
	ToolID string          `db:"tool_id"`
	Total  decimal.Decimal `db:"total"`
}

func (r *BudgetRepository) SumSince(ctx context.Context, since time.Time) (map[string]decimal.Decimal, error) {
	return r.sum(ctx, "cost_sum_since",
		`SELECT tool_id, SUM(amount) AS total FROM cost_ledger WHERE recorded_at >= $1 GROUP BY tool_id`, since)
}

func (r *BudgetRepository) SumAll(ctx context.Context) (map[string]decimal.Decimal, error) {
	return r.sum(ctx, "cost_sum_all",
		`SELECT tool_id, SUM(amount) AS total FROM cost_ledger GROUP BY tool_id`)
}

func (r *BudgetRepository) sum(ctx context.Context, operation, query string, args ...interface{}) (out map[string]decimal.Decimal, err error) {
	defer observe(operation, time.Now(), &err)

	var rows []toolSum
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out = make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.ToolID] = row.Total
	}
	return out, nil
}

func (r *BudgetRepository) InsertAlert(ctx context.Context, a budget.Alert) (err error) {
	defer observe("alert_insert", time.Now(), &err)

	query := `
		INSERT INTO budget_alerts (id, tool_id, kind, spent, budget_limit, message, targets, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.ToolID, a.Kind, a.Spent, a.Limit, a.Message, pq.StringArray(nonNil(a.Targets)), a.CreatedAt,
	)
	return err
}

// RecentAlerts returns the latest alerts for a tool, newest first
func (r *BudgetRepository) RecentAlerts(ctx context.Context, toolID string, limit int) (out []budget.Alert, err error) {
	defer observe("alert_recent", time.Now(), &err)

	type alertRow struct {
		budget.Alert
		TargetList pq.StringArray `db:"targets"`
	}
	var rows []alertRow
	query := `
		SELECT id, tool_id, kind, spent, budget_limit, message, targets, created_at
		FROM budget_alerts
		WHERE tool_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	if err := r.db.SelectContext(ctx, &rows, query, toolID, limit); err != nil {
		return nil, err
	}

	out = make([]budget.Alert, 0, len(rows))
	for _, row := range rows {
		a := row.Alert
		a.Targets = []string(row.TargetList)
		out = append(out, a)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
