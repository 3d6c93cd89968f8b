package budget

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"switchyard/internal/domain/budget"
	"switchyard/pkg/clock"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

var (
	warnRatio      = decimal.RequireFromString("0.8")
	projectedRatio = decimal.RequireFromString("1.2")
)

type costKey struct {
	executionID uuid.UUID
	attempt     int
}

type ledger struct {
	mu sync.Mutex

	total   decimal.Decimal
	daily   decimal.Decimal
	monthly decimal.Decimal
	budget  budget.Budget

	dayStart   time.Time
	monthStart time.Time

	// fired holds thresholds already alerted in the current period
	fired map[budget.AlertKind]bool
	seen  map[costKey]time.Time
}

// Guard tracks spend per tool against daily and monthly budgets.
//
// Alerts are edge-triggered: each threshold fires once per period and
// re-arms on rollover or when the budget changes.
type Guard struct {
	ledgers sync.Map // tool ID -> *ledger

	repo  budget.Repository
	sinks []budget.AlertSink
	clock clock.Clock
	log   *logger.Logger
}

// NewGuard creates a budget guard. repo may be nil for a purely in-memory
// guard.
func NewGuard(repo budget.Repository, clk clock.Clock, log *logger.Logger, sinks ...budget.AlertSink) *Guard {
	if clk == nil {
		clk = clock.Real()
	}
	return &Guard{
		repo:  repo,
		sinks: sinks,
		clock: clk,
		log:   log.With("component", "budget_guard"),
	}
}

// RecordCost adds a cost entry to the tool's ledger. Entries repeating an
// (execution, attempt) pair are ignored, both in memory and in storage.
func (g *Guard) RecordCost(ctx context.Context, entry budget.CostEntry) error {
	if entry.ToolID == "" {
		return errors.NewValidationError("tool_id", "is required", nil)
	}
	if entry.Amount.IsNegative() {
		return errors.NewValidationError("amount", "must not be negative", entry.Amount.String())
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = g.clock.Now()
	}

	l := g.ledger(entry.ToolID)
	key := costKey{executionID: entry.ExecutionID, attempt: entry.Attempt}

	// Reserve the key first so concurrent duplicates lose the race here.
	l.mu.Lock()
	if _, dup := l.seen[key]; dup {
		l.mu.Unlock()
		g.log.Debugw("Duplicate cost entry ignored",
			"tool_id", entry.ToolID,
			"execution_id", entry.ExecutionID,
			"attempt", entry.Attempt,
		)
		return nil
	}
	l.seen[key] = entry.RecordedAt
	l.mu.Unlock()

	var storeErr error
	if g.repo != nil {
		inserted, err := g.repo.InsertCost(ctx, entry)
		switch {
		case err != nil:
			storeErr = errors.Wrap(err, "persist cost entry")
		case !inserted:
			return nil
		}
	}

	l.mu.Lock()
	l.total = l.total.Add(entry.Amount)
	l.daily = l.daily.Add(entry.Amount)
	l.monthly = l.monthly.Add(entry.Amount)
	alerts := g.evaluate(entry.ToolID, l)
	l.mu.Unlock()

	g.emit(ctx, alerts)
	return storeErr
}

// GetAnalytics returns current spend and remaining budget for a tool
func (g *Guard) GetAnalytics(toolID string) budget.Analytics {
	l := g.ledger(toolID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return g.analyticsLocked(toolID, l)
}

// SetBudget replaces a tool's budget and re-arms its alerts
func (g *Guard) SetBudget(ctx context.Context, toolID string, daily, monthly decimal.Decimal, alertTargets []string) error {
	if toolID == "" {
		return errors.NewValidationError("tool_id", "is required", nil)
	}
	if daily.IsNegative() || monthly.IsNegative() {
		return errors.NewValidationError("budget", "must not be negative", nil)
	}

	b := budget.Budget{
		ToolID:       toolID,
		Daily:        daily,
		Monthly:      monthly,
		AlertTargets: append([]string(nil), alertTargets...),
		UpdatedAt:    g.clock.Now(),
	}

	l := g.ledger(toolID)
	l.mu.Lock()
	l.budget = b
	clear(l.fired)
	l.mu.Unlock()

	g.log.Infow("Budget updated",
		"tool_id", toolID,
		"daily", daily.StringFixed(2),
		"monthly", monthly.StringFixed(2),
		"alert_targets", len(alertTargets),
	)

	if g.repo != nil {
		if err := g.repo.SaveBudget(ctx, b); err != nil {
			return errors.Wrap(err, "persist budget")
		}
	}
	return nil
}

// Seed installs a budget only if the tool has none yet. Used for budgets
// from the policy file, which must not override ones set at runtime.
func (g *Guard) Seed(b budget.Budget) {
	l := g.ledger(b.ToolID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.budget.UpdatedAt.IsZero() || !l.budget.Daily.IsZero() || !l.budget.Monthly.IsZero() {
		return
	}
	b.UpdatedAt = g.clock.Now()
	l.budget = b
}

// Rollover resets daily totals after local midnight and monthly totals
// after the 1st. It is driven by a background worker and is a no-op when
// the period has not changed. Returns the number of ledgers reset.
func (g *Guard) Rollover(now time.Time) int {
	day := startOfDay(now)
	month := startOfMonth(now)
	reset := 0

	g.ledgers.Range(func(k, v any) bool {
		l := v.(*ledger)
		l.mu.Lock()
		changed := false
		if day.After(l.dayStart) {
			l.daily = decimal.Zero
			l.dayStart = day
			delete(l.fired, budget.AlertDailyWarning)
			delete(l.fired, budget.AlertDailyExceeded)
			delete(l.fired, budget.AlertProjectedOverrun)
			for key, at := range l.seen {
				if now.Sub(at) > 48*time.Hour {
					delete(l.seen, key)
				}
			}
			changed = true
		}
		if month.After(l.monthStart) {
			l.monthly = decimal.Zero
			l.monthStart = month
			delete(l.fired, budget.AlertMonthlyWarning)
			delete(l.fired, budget.AlertMonthlyExceeded)
			changed = true
		}
		l.mu.Unlock()

		if changed {
			reset++
			g.log.Debugw("Ledger rolled over", "tool_id", k, "day", day.Format(time.DateOnly))
		}
		return true
	})
	return reset
}

// Rebuild restores budgets and spend totals from storage
func (g *Guard) Rebuild(ctx context.Context) error {
	if g.repo == nil {
		return nil
	}
	now := g.clock.Now()

	budgets, err := g.repo.ListBudgets(ctx)
	if err != nil {
		return errors.Wrap(err, "load budgets")
	}
	totals, err := g.repo.SumAll(ctx)
	if err != nil {
		return errors.Wrap(err, "sum lifetime spend")
	}
	monthly, err := g.repo.SumSince(ctx, startOfMonth(now))
	if err != nil {
		return errors.Wrap(err, "sum monthly spend")
	}
	daily, err := g.repo.SumSince(ctx, startOfDay(now))
	if err != nil {
		return errors.Wrap(err, "sum daily spend")
	}

	for _, b := range budgets {
		l := g.ledger(b.ToolID)
		l.mu.Lock()
		l.budget = b
		l.mu.Unlock()
	}
	for tool, total := range totals {
		l := g.ledger(tool)
		l.mu.Lock()
		l.total = total
		l.monthly = monthly[tool]
		l.daily = daily[tool]
		// Thresholds already crossed before the restart stay quiet.
		g.evaluate(tool, l)
		l.mu.Unlock()
	}

	g.log.Infow("Budget ledgers rebuilt", "budgets", len(budgets), "tools_with_spend", len(totals))
	return nil
}

// Snapshot returns analytics for every known tool, sorted by tool ID
func (g *Guard) Snapshot() []budget.Analytics {
	var out []budget.Analytics
	g.ledgers.Range(func(k, v any) bool {
		l := v.(*ledger)
		l.mu.Lock()
		out = append(out, g.analyticsLocked(k.(string), l))
		l.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}

func (g *Guard) ledger(toolID string) *ledger {
	if v, ok := g.ledgers.Load(toolID); ok {
		return v.(*ledger)
	}
	now := g.clock.Now()
	v, _ := g.ledgers.LoadOrStore(toolID, &ledger{
		budget:     budget.Budget{ToolID: toolID},
		dayStart:   startOfDay(now),
		monthStart: startOfMonth(now),
		fired:      make(map[budget.AlertKind]bool),
		seen:       make(map[costKey]time.Time),
	})
	return v.(*ledger)
}

func (g *Guard) analyticsLocked(toolID string, l *ledger) budget.Analytics {
	a := budget.Analytics{
		ToolID:           toolID,
		Total:            l.total,
		Daily:            l.daily,
		Monthly:          l.monthly,
		DailyBudget:      l.budget.Daily,
		MonthlyBudget:    l.budget.Monthly,
		DailyUnlimited:   l.budget.Daily.IsZero(),
		MonthlyUnlimited: l.budget.Monthly.IsZero(),
		ProjectedMonthly: projectMonthly(l.daily, g.clock.Now()),
	}
	if !a.DailyUnlimited {
		a.DailyRemaining = decimal.Max(l.budget.Daily.Sub(l.daily), decimal.Zero)
	}
	if !a.MonthlyUnlimited {
		a.MonthlyRemaining = decimal.Max(l.budget.Monthly.Sub(l.monthly), decimal.Zero)
	}
	return a
}

// evaluate checks thresholds and returns alerts for newly crossed ones.
// Caller holds l.mu.
func (g *Guard) evaluate(toolID string, l *ledger) []budget.Alert {
	var alerts []budget.Alert
	now := g.clock.Now()

	check := func(spent, limit decimal.Decimal, warn, exceeded budget.AlertKind, period string) {
		if limit.IsZero() {
			return
		}
		switch {
		case spent.GreaterThan(limit) && !l.fired[exceeded]:
			l.fired[exceeded] = true
			l.fired[warn] = true
			alerts = append(alerts, g.newAlert(toolID, exceeded, spent, limit, now,
				fmt.Sprintf("%s %s budget exceeded: spent %s of %s", toolID, period, money(spent), money(limit))))
		case spent.GreaterThanOrEqual(limit.Mul(warnRatio)) && !l.fired[warn]:
			l.fired[warn] = true
			alerts = append(alerts, g.newAlert(toolID, warn, spent, limit, now,
				fmt.Sprintf("%s %s spend at %s%% of budget: %s of %s",
					toolID, period, percent(spent, limit), money(spent), money(limit))))
		}
	}

	check(l.daily, l.budget.Daily, budget.AlertDailyWarning, budget.AlertDailyExceeded, "daily")
	check(l.monthly, l.budget.Monthly, budget.AlertMonthlyWarning, budget.AlertMonthlyExceeded, "monthly")

	if !l.budget.Monthly.IsZero() && !l.fired[budget.AlertProjectedOverrun] {
		projected := projectMonthly(l.daily, now)
		limit := l.budget.Monthly.Mul(projectedRatio)
		if projected.GreaterThanOrEqual(limit) {
			l.fired[budget.AlertProjectedOverrun] = true
			alerts = append(alerts, g.newAlert(toolID, budget.AlertProjectedOverrun, projected, l.budget.Monthly, now,
				fmt.Sprintf("%s projected monthly spend %s is %s%% of the %s budget",
					toolID, money(projected), percent(projected, l.budget.Monthly), money(l.budget.Monthly))))
		}
	}

	for i := range alerts {
		alerts[i].Targets = append([]string(nil), l.budget.AlertTargets...)
	}
	return alerts
}

func (g *Guard) newAlert(toolID string, kind budget.AlertKind, spent, limit decimal.Decimal, now time.Time, msg string) budget.Alert {
	return budget.Alert{
		ID:        uuid.New(),
		ToolID:    toolID,
		Kind:      kind,
		Spent:     spent,
		Limit:     limit,
		Message:   msg,
		CreatedAt: now,
	}
}

func (g *Guard) emit(ctx context.Context, alerts []budget.Alert) {
	for _, a := range alerts {
		g.log.Warnw("Budget alert",
			"tool_id", a.ToolID,
			"kind", a.Kind,
			"severity", a.Kind.Severity(),
			"message", a.Message,
		)
		if g.repo != nil {
			if err := g.repo.InsertAlert(ctx, a); err != nil {
				g.log.Errorw("Failed to persist budget alert", "alert_id", a.ID, "error", err)
			}
		}
		for _, sink := range g.sinks {
			if err := sink.Send(ctx, a); err != nil {
				g.log.Warnw("Alert delivery failed", "alert_id", a.ID, "error", err)
			}
		}
	}
}

// projectMonthly extrapolates today's spend over the month:
// (daily / dayOfMonth) * daysInMonth
func projectMonthly(daily decimal.Decimal, now time.Time) decimal.Decimal {
	dayOfMonth := decimal.NewFromInt(int64(now.Day()))
	return daily.Div(dayOfMonth).Mul(decimal.NewFromInt(int64(daysInMonth(now))))
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func money(d decimal.Decimal) string {
	f, _ := d.Float64()
	return "$" + humanize.FormatFloat("#,###.##", f)
}

func percent(part, whole decimal.Decimal) string {
	if whole.IsZero() {
		return "0"
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100)).StringFixed(0)
}
