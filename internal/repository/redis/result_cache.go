package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"switchyard/internal/metrics"
	"switchyard/internal/services/cache"
	"switchyard/pkg/errors"
)

var _ cache.Cache = (*ResultCache)(nil)

const resultKeyPrefix = "switchyard:result:"

// ResultCache stores successful results in Redis and relies on key expiry
// for the TTL. Data round-trips through JSON, so numbers come back as
// float64 and objects as map[string]any.
type ResultCache struct {
	client *redis.Client
}

func NewResultCache(client *redis.Client) *ResultCache {
	return &ResultCache{client: client}
}

func (c *ResultCache) Get(ctx context.Context, fingerprint string) (entry cache.Entry, found bool, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("redis", "result_get", time.Since(start), err) }()

	data, err := c.client.Get(ctx, key(fingerprint)).Bytes()
	if err == redis.Nil {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, errors.Wrapf(err, "get cached result %s", fingerprint)
	}

	if err := json.Unmarshal(data, &entry); err != nil {
		return cache.Entry{}, false, errors.Wrapf(err, "unmarshal cached result %s", fingerprint)
	}
	return entry, true, nil
}

// Put stores the entry. A non-positive ttl is ignored since the entry
// would already be expired.
func (c *ResultCache) Put(ctx context.Context, fingerprint string, entry cache.Entry, ttl time.Duration) (err error) {
	if ttl <= 0 {
		return nil
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("redis", "result_put", time.Since(start), err) }()

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "marshal cached result %s", fingerprint)
	}
	if err := c.client.Set(ctx, key(fingerprint), data, ttl).Err(); err != nil {
		return errors.Wrapf(err, "store cached result %s", fingerprint)
	}
	return nil
}

func key(fingerprint string) string {
	return resultKeyPrefix + fingerprint
}
