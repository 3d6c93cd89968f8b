package clickhouse

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"switchyard/internal/domain/execution"
	"switchyard/internal/metrics"
	"switchyard/pkg/clickhouse"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

var _ execution.MetricsRepository = (*ExecutionMetricsRepository)(nil)

const schema = `
	CREATE TABLE IF NOT EXISTS execution_metrics (
		execution_id String,
		tool_id      LowCardinality(String),
		action_id    LowCardinality(String),
		caller_id    String,
		priority     LowCardinality(String),
		attempt      UInt16,
		success      Bool,
		duration_ms  UInt32,
		cost         Decimal(18, 6),
		retry_count  UInt16,
		error_type   LowCardinality(String),
		error_code   String,
		cache_hit    Bool,
		created_at   DateTime64(3)
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(created_at)
	ORDER BY (tool_id, created_at)
	TTL toDateTime(created_at) + INTERVAL 90 DAY`

// ExecutionMetricsRepository buffers one row per attempt and inserts them
// in batches
type ExecutionMetricsRepository struct {
	conn   driver.Conn
	writer *clickhouse.BatchWriter[execution.MetricRow]
	log    *logger.Logger
}

// NewExecutionMetricsRepository creates the repository. Call Start to
// enable periodic flushing.
func NewExecutionMetricsRepository(conn driver.Conn, batchSize int, maxAge time.Duration) *ExecutionMetricsRepository {
	repo := &ExecutionMetricsRepository{
		conn: conn,
		log:  logger.Get().With("component", "execution_metrics"),
	}
	repo.writer = clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig[execution.MetricRow]{
		FlushFunc:    repo.flushBatch,
		Table:        "execution_metrics",
		MaxBatchSize: batchSize,
		MaxAge:       maxAge,
	})
	return repo
}

// EnsureSchema creates the table when missing
func (r *ExecutionMetricsRepository) EnsureSchema(ctx context.Context) error {
	return errors.Wrap(r.conn.Exec(ctx, schema), "create execution_metrics")
}

func (r *ExecutionMetricsRepository) Start(ctx context.Context) {
	r.writer.Start(ctx)
}

// Stop flushes whatever is buffered
func (r *ExecutionMetricsRepository) Stop(ctx context.Context) error {
	return r.writer.Stop(ctx)
}

// Store buffers the row; it is not visible to queries until the next flush
func (r *ExecutionMetricsRepository) Store(ctx context.Context, row execution.MetricRow) error {
	return r.writer.Add(ctx, row)
}

// Flush forces buffered rows out
func (r *ExecutionMetricsRepository) Flush(ctx context.Context) error {
	return r.writer.Flush(ctx)
}

func (r *ExecutionMetricsRepository) flushBatch(ctx context.Context, rows []execution.MetricRow) (err error) {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("clickhouse", "execution_metrics_insert", time.Since(start), err)
	}()

	batch, err := r.conn.PrepareBatch(ctx, `INSERT INTO execution_metrics`)
	if err != nil {
		return errors.Wrap(err, "prepare batch")
	}
	defer batch.Close()

	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			return errors.Wrap(err, "append row")
		}
	}
	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "send batch")
	}

	r.log.Debugw("Execution metrics flushed", "rows", len(rows), "duration", time.Since(start))
	return nil
}

// Summaries aggregates attempts per tool since the given instant
func (r *ExecutionMetricsRepository) Summaries(ctx context.Context, since time.Time) (out []execution.ToolSummary, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("clickhouse", "execution_metrics_summary", time.Since(start), err)
	}()

	query := `
		SELECT
			tool_id,
			count() AS attempts,
			countIf(success) AS successes,
			countIf(cache_hit) AS cache_hits,
			avg(duration_ms) AS avg_duration_ms,
			sum(cost) AS total_cost
		FROM execution_metrics
		WHERE created_at >= ?
		GROUP BY tool_id
		ORDER BY attempts DESC`

	err = r.conn.Select(ctx, &out, query, since)
	return out, err
}
