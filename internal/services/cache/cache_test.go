package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/pkg/clock"
)

func TestMemoryCache_GetPut(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryCache(clk)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "fp", Entry{Data: "hello"}, time.Minute))

	e, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", e.Data)
	assert.Equal(t, clk.Now(), e.StoredAt)
}

func TestMemoryCache_NeverReturnsExpired(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryCache(clk)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp", Entry{Data: 1}, time.Minute))

	clk.Advance(59 * time.Second)
	_, ok, _ := c.Get(ctx, "fp")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok, _ = c.Get(ctx, "fp")
	assert.False(t, ok, "entry expires exactly at TTL")
	assert.Equal(t, 1, c.Len(), "still stored until swept")

	assert.Equal(t, 1, c.Sweep(clk.Now()))
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_PutReplaces(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := NewMemoryCache(clk)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp", Entry{Data: "old"}, time.Minute))
	clk.Advance(30 * time.Second)
	require.NoError(t, c.Put(ctx, "fp", Entry{Data: "new"}, time.Minute))
	clk.Advance(45 * time.Second)

	e, ok, _ := c.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, "new", e.Data)
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_DefaultTTL(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := NewMemoryCache(clk)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp", Entry{Data: 1}, 0))
	clk.Advance(DefaultTTL - time.Second)
	_, ok, _ := c.Get(ctx, "fp")
	assert.True(t, ok)
	clk.Advance(time.Second)
	_, ok, _ = c.Get(ctx, "fp")
	assert.False(t, ok)
}

func TestMemoryCache_HitsDoNotShareData(t *testing.T) {
	c := NewMemoryCache(clock.NewFake(time.Now()))
	ctx := context.Background()

	stored := map[string]any{"forecast": "sunny", "hours": []any{"09:00", "12:00"}}
	require.NoError(t, c.Put(ctx, "fp", Entry{Data: stored}, time.Minute))
	stored["forecast"] = "changed after put"

	first, ok, _ := c.Get(ctx, "fp")
	require.True(t, ok)
	data := first.Data.(map[string]any)
	data["forecast"] = "changed by reader"
	data["hours"].([]any)[0] = "00:00"

	second, ok, _ := c.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"forecast": "sunny", "hours": []any{"09:00", "12:00"}}, second.Data)
}
