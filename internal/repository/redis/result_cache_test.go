package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisrepo "switchyard/internal/repository/redis"
	"switchyard/internal/services/cache"
	"switchyard/internal/testsupport"
)

func TestResultCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	client := testsupport.NewRedisClient(t)
	rc := redisrepo.NewResultCache(client)
	ctx := context.Background()

	_, found, err := rc.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	entry := cache.Entry{
		Data:        map[string]any{"channel": "#ops", "ts": 42},
		ExecutionID: uuid.New(),
		StoredAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, rc.Put(ctx, "fp-1", entry, time.Minute))

	got, found, err := rc.Get(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entry.ExecutionID, got.ExecutionID)
	assert.True(t, entry.StoredAt.Equal(got.StoredAt))
	assert.Equal(t, map[string]any{"channel": "#ops", "ts": float64(42)}, got.Data)

	ttl, err := client.TTL(ctx, "switchyard:result:fp-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, rc.Put(ctx, "fp-2", entry, 0))
	_, found, err = rc.Get(ctx, "fp-2")
	require.NoError(t, err)
	assert.False(t, found)
}
