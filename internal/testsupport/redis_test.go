package testsupport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient_RemovesServiceKeysOnly(t *testing.T) {
	ctx := context.Background()
	outside := "itest:" + UniqueString()
	owned := "switchyard:result:" + UniqueString()

	t.Run("fixture", func(t *testing.T) {
		rdb := NewRedisClient(t)
		require.NoError(t, rdb.Set(ctx, owned, "cached", 0).Err())
		require.NoError(t, rdb.Set(ctx, outside, "kept", 0).Err())
		t.Cleanup(func() { _ = rdb.Del(context.Background(), outside).Err() })

		val, err := rdb.Get(ctx, owned).Result()
		require.NoError(t, err)
		assert.Equal(t, "cached", val)
	})

	rdb := NewRedisClient(t)
	n, err := rdb.Exists(ctx, owned).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "service keys are removed after each test")
}
