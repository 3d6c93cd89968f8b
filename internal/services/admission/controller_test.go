package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/pkg/logger"
)

func newTestController(l Limit) *Controller {
	return NewController(l, nil, logger.Nop())
}

func TestCheckAndAdmit_RejectsExactlyTheExtraRequest(t *testing.T) {
	const n = 5
	c := newTestController(Limit{MaxRequests: n, Window: time.Minute})
	key := Key{ToolID: "slack", CallerID: "user-1"}
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < n; i++ {
		d := c.CheckAndAdmit(key, start.Add(time.Duration(i)*time.Second))
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, n-i-1, d.Remaining)
	}

	d := c.CheckAndAdmit(key, start.Add(10*time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, start.Add(time.Minute), d.ResetAt)
}

func TestCheckAndAdmit_AdmitsAfterWindow(t *testing.T) {
	c := newTestController(Limit{MaxRequests: 2, Window: time.Minute})
	key := Key{ToolID: "slack", CallerID: "user-1"}
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.True(t, c.CheckAndAdmit(key, start).Allowed)
	require.True(t, c.CheckAndAdmit(key, start).Allowed)
	require.False(t, c.CheckAndAdmit(key, start.Add(30*time.Second)).Allowed)

	d := c.CheckAndAdmit(key, start.Add(time.Minute+time.Millisecond))
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestCheckAndAdmit_AdmitsAtReportedResetAt(t *testing.T) {
	c := newTestController(Limit{MaxRequests: 1, Window: time.Minute})
	key := Key{ToolID: "slack", CallerID: "user-1"}
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.True(t, c.CheckAndAdmit(key, start).Allowed)

	d := c.CheckAndAdmit(key, start.Add(time.Second))
	require.False(t, d.Allowed)
	require.Equal(t, start.Add(time.Minute), d.ResetAt)

	// A caller that waits exactly until ResetAt gets in.
	again := c.CheckAndAdmit(key, d.ResetAt)
	assert.True(t, again.Allowed)
	assert.Equal(t, 0, again.Remaining)
}

func TestCheckAndAdmit_KeysAreIndependent(t *testing.T) {
	c := newTestController(Limit{MaxRequests: 1, Window: time.Minute})
	now := time.Now()

	assert.True(t, c.CheckAndAdmit(Key{"slack", "a"}, now).Allowed)
	assert.True(t, c.CheckAndAdmit(Key{"slack", "b"}, now).Allowed)
	assert.True(t, c.CheckAndAdmit(Key{"webhook", "a"}, now).Allowed)
	assert.False(t, c.CheckAndAdmit(Key{"slack", "a"}, now).Allowed)
}

func TestCheckAndAdmit_PerToolLimits(t *testing.T) {
	c := NewController(Limit{MaxRequests: 1, Window: time.Minute},
		map[string]Limit{"webhook": {MaxRequests: 3, Window: time.Minute}}, logger.Nop())
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, c.CheckAndAdmit(Key{"webhook", "a"}, now).Allowed)
	}
	assert.False(t, c.CheckAndAdmit(Key{"webhook", "a"}, now).Allowed)
	assert.Equal(t, 3, c.LimitFor("webhook").MaxRequests)
	assert.Equal(t, 1, c.LimitFor("slack").MaxRequests)
}

func TestCheckAndAdmit_WindowNeverExceedsMax(t *testing.T) {
	const maxRequests = 10
	c := newTestController(Limit{MaxRequests: maxRequests, Window: time.Hour})
	key := Key{ToolID: "t", CallerID: "c"}
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.CheckAndAdmit(key, now).Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, maxRequests, admitted)
}

func TestSweep_RemovesIdleWindows(t *testing.T) {
	c := newTestController(Limit{MaxRequests: 5, Window: time.Minute})
	start := time.Now()

	c.CheckAndAdmit(Key{"t", "idle"}, start)
	c.CheckAndAdmit(Key{"t", "busy"}, start.Add(50*time.Second))
	require.Equal(t, 2, c.Size())

	removed := c.Sweep(start.Add(90 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Size())

	// A swept key starts over with a fresh window.
	d := c.CheckAndAdmit(Key{"t", "idle"}, start.Add(91*time.Second))
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
	assert.Equal(t, 2, c.Size())
}
