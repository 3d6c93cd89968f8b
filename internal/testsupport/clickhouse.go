package testsupport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"switchyard/internal/adapters/clickhouse"
)

// ClickHouseTestHelper gives integration tests a ClickHouse connection and
// cleanup hooks. ClickHouse has no transactions, so tests scope their rows
// by a unique tool ID and delete them afterwards.
type ClickHouseTestHelper struct {
	client *clickhouse.Client
}

// NewClickHouseTestHelper connects using the CLICKHOUSE_* environment
func NewClickHouseTestHelper(t *testing.T) *ClickHouseTestHelper {
	t.Helper()

	client, err := clickhouse.NewClient(ClickHouseConfig(t))
	if err != nil {
		t.Fatalf("failed to connect to clickhouse: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return &ClickHouseTestHelper{client: client}
}

// CreateTempTable creates a MergeTree table from a column list and drops it
// when the test ends
func (h *ClickHouseTestHelper) CreateTempTable(t *testing.T, columns string) string {
	t.Helper()

	table := UniqueName("tmp_test")
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree() ORDER BY tuple()", table, columns)
	if err := h.client.Conn().Exec(context.Background(), query); err != nil {
		t.Fatalf("failed to create clickhouse table: %v", err)
	}
	t.Cleanup(func() {
		_ = h.client.Conn().Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
	})
	return table
}

// DeleteToolRowsAfter removes a tool's rows from a shared table once the
// test ends
func (h *ClickHouseTestHelper) DeleteToolRowsAfter(t *testing.T, table, toolID string) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.client.Conn().Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE tool_id = ?", table), toolID)
	})
}

// Client exposes the raw ClickHouse client for queries
func (h *ClickHouseTestHelper) Client() *clickhouse.Client {
	return h.client
}
