package testsupport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickHouseTempTableIsDropped(t *testing.T) {
	var table string
	ctx := context.Background()

	t.Run("fixture", func(t *testing.T) {
		helper := NewClickHouseTestHelper(t)
		table = helper.CreateTempTable(t, "tool_id String, attempts UInt32")
		require.NoError(t, helper.Client().Conn().Exec(ctx, "INSERT INTO "+table+" (tool_id, attempts) VALUES ('slack', 2)"))

		var count uint64
		require.NoError(t, helper.Client().Conn().QueryRow(ctx, "SELECT count() FROM "+table).Scan(&count))
		assert.Equal(t, uint64(1), count)
	})

	helper := NewClickHouseTestHelper(t)
	var exists uint8
	require.NoError(t, helper.Client().Conn().QueryRow(ctx, "EXISTS TABLE "+table).Scan(&exists))
	assert.Zero(t, exists)
}
