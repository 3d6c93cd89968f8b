package testsupport

import (
	"context"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"

	"switchyard/internal/adapters/postgres"
	pgrepo "switchyard/internal/repository/postgres"
)

// PostgresTestHelper holds a migrated transaction that is rolled back when
// the test ends, so repositories can be exercised without leaving rows.
type PostgresTestHelper struct {
	client   *postgres.Client
	tx       *sqlx.Tx
	rollback sync.Once
}

// NewTestPostgres connects using the POSTGRES_* environment, begins a
// transaction and applies the schema inside it.
func NewTestPostgres(t *testing.T) *PostgresTestHelper {
	t.Helper()

	client, err := postgres.NewClient(PostgresConfig(t))
	if err != nil {
		t.Fatalf("failed to create postgres client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	tx, err := client.DB().BeginTxx(ctx, nil)
	if err != nil {
		t.Fatalf("failed to start transaction: %v", err)
	}

	h := &PostgresTestHelper{client: client, tx: tx}
	t.Cleanup(h.Rollback)

	if err := pgrepo.Migrate(ctx, tx); err != nil {
		t.Fatalf("failed to migrate inside transaction: %v", err)
	}
	return h
}

// Tx is the test's transaction; it satisfies the repositories' DBTX
func (h *PostgresTestHelper) Tx() *sqlx.Tx {
	return h.tx
}

// DB is a handle outside the transaction
func (h *PostgresTestHelper) DB() *sqlx.DB {
	return h.client.DB()
}

func (h *PostgresTestHelper) Rollback() {
	h.rollback.Do(func() { _ = h.tx.Rollback() })
}
