package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	redisadapter "switchyard/internal/adapters/redis"
)

// RedisKeyPattern matches every key the service writes
const RedisKeyPattern = "switchyard:*"

// NewRedisClient connects using the REDIS_* environment and removes the
// service's keys before and after the test. Other keys in the database are
// left alone, so a shared development instance is safe to use.
func NewRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	client, err := redisadapter.NewClient(RedisConfig(t))
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	rdb := client.Client()

	if err := DeleteKeys(context.Background(), rdb, RedisKeyPattern); err != nil {
		t.Fatalf("failed to clear redis keys before test: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = DeleteKeys(ctx, rdb, RedisKeyPattern)
		_ = client.Close()
	})
	return rdb
}

// DeleteKeys removes every key matching pattern using SCAN
func DeleteKeys(ctx context.Context, rdb *redis.Client, pattern string) error {
	iter := rdb.Scan(ctx, 0, pattern, 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return rdb.Del(ctx, batch...).Err()
	}
	return nil
}
