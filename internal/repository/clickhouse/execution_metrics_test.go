package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/domain/execution"
	"switchyard/internal/testsupport"
)

func TestExecutionMetricsRepository_StoreAndSummarize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	helper := testsupport.NewClickHouseTestHelper(t)
	ctx := context.Background()

	repo := NewExecutionMetricsRepository(helper.Client().Conn(), 100, time.Hour)
	require.NoError(t, repo.EnsureSchema(ctx))

	toolID := testsupport.UniqueToolID()
	helper.DeleteToolRowsAfter(t, "execution_metrics", toolID)

	now := time.Now().UTC().Truncate(time.Millisecond)
	row := execution.MetricRow{
		ExecutionID: uuid.NewString(),
		ToolID:      toolID,
		ActionID:    "synthesize",
		CallerID:    "agent-1",
		Priority:    string(execution.PriorityNormal),
		Attempt:     1,
		Success:     true,
		DurationMs:  120,
		Cost:        decimal.RequireFromString("0.25"),
		CreatedAt:   now,
	}
	require.NoError(t, repo.Store(ctx, row))

	failed := row
	failed.Attempt = 2
	failed.Success = false
	failed.DurationMs = 80
	failed.Cost = decimal.Zero
	failed.ErrorType = string(execution.KindTimeout)
	require.NoError(t, repo.Store(ctx, failed))

	cached := row
	cached.CacheHit = true
	cached.Cost = decimal.Zero
	cached.DurationMs = 0
	require.NoError(t, repo.Store(ctx, cached))

	require.NoError(t, repo.Flush(ctx))

	summaries, err := repo.Summaries(ctx, now.Add(-time.Minute))
	require.NoError(t, err)

	var got *execution.ToolSummary
	for i := range summaries {
		if summaries[i].ToolID == toolID {
			got = &summaries[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, uint64(3), got.Attempts)
	assert.Equal(t, uint64(2), got.Successes)
	assert.Equal(t, uint64(1), got.CacheHits)
	assert.Equal(t, "0.25", got.TotalCost.StringFixed(2))
}
