package execution

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/domain/budget"
	"switchyard/internal/domain/execution"
	"switchyard/internal/domain/tool"
	"switchyard/internal/services/admission"
	budgetsvc "switchyard/internal/services/budget"
	"switchyard/internal/services/cache"
	"switchyard/internal/services/queue"
	"switchyard/internal/services/retry"
	"switchyard/pkg/clock"
	"switchyard/pkg/logger"
)

type countingInvoker struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
	fn    func(ctx context.Context, call tool.Call) (tool.Outcome, error)
}

func newInvoker(fn func(ctx context.Context, call tool.Call) (tool.Outcome, error)) *countingInvoker {
	return &countingInvoker{calls: make(map[uuid.UUID]int), fn: fn}
}

func (c *countingInvoker) Invoke(ctx context.Context, call tool.Call) (tool.Outcome, error) {
	c.mu.Lock()
	c.calls[call.ExecutionID]++
	c.mu.Unlock()
	return c.fn(ctx, call)
}

func (c *countingInvoker) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

type recordingObserver struct {
	mu     sync.Mutex
	events []execution.Event
}

func (r *recordingObserver) Observe(_ context.Context, ev execution.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingObserver) types() []execution.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]execution.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	engine   *Engine
	queue    *queue.Queue
	guard    *budgetsvc.Guard
	cache    *cache.MemoryCache
	catalog  *tool.Catalog
	invoker  *countingInvoker
	observer *recordingObserver
	clock    *clock.Fake
}

func newHarness(t *testing.T, limit admission.Limit, fn func(ctx context.Context, call tool.Call) (tool.Outcome, error)) *harness {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	log := logger.Nop()
	h := &harness{
		queue:    queue.New(nil, clk, log),
		guard:    budgetsvc.NewGuard(nil, clk, log),
		cache:    cache.NewMemoryCache(clk),
		catalog:  tool.NewCatalog(),
		invoker:  newInvoker(fn),
		observer: &recordingObserver{},
		clock:    clk,
	}

	coordinator := retry.NewCoordinator(fastPolicy(3), nil).WithRandom(func() float64 { return 0 })
	engine, err := NewEngine(Config{}, Deps{
		Admission: admission.NewController(limit, nil, log),
		Budget:    h.guard,
		Cache:     h.cache,
		Retry:     coordinator,
		Queue:     h.queue,
		Catalog:   h.catalog,
		Invoker:   h.invoker,
		Observer:  h.observer,
		Clock:     clk,
	}, log)
	require.NoError(t, err)
	h.engine = engine
	return h
}

// fastPolicy retries without backoff so tests never wait on timers
func fastPolicy(attempts int) execution.RetryPolicy {
	p := execution.DefaultRetryPolicy()
	p.MaxAttempts = attempts
	p.Strategy = execution.StrategyFixed
	p.BaseDelay = 0
	p.MaxDelay = 0
	p.Jitter = false
	p.Timeout = 2 * time.Second
	return p
}

// drain processes queued work on the calling goroutine until nothing is
// left, advancing the clock past any retry delays
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		rec, ok := h.queue.Dequeue(ctx, "")
		if !ok {
			if h.queue.Stats().Delayed == 0 {
				return
			}
			h.clock.Advance(time.Minute)
			continue
		}
		terminal, err := h.engine.Process(ctx, rec)
		require.NoError(t, err)
		if terminal {
			require.NoError(t, h.queue.Complete(ctx, rec.ID))
		}
	}
}

func (h *harness) startWorkers(n int) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				rec, ok := h.queue.Dequeue(ctx, "")
				if !ok {
					time.Sleep(time.Millisecond)
					continue
				}
				if terminal, _ := h.engine.Process(ctx, rec); terminal {
					_ = h.queue.Complete(ctx, rec.ID)
				}
			}
		}()
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

func succeed(data any) func(context.Context, tool.Call) (tool.Outcome, error) {
	return func(context.Context, tool.Call) (tool.Outcome, error) {
		return tool.Outcome{Data: data}, nil
	}
}

func notifyRequest() execution.Request {
	return execution.Request{
		ToolID:   "notify",
		Action:   "send_message",
		Params:   map[string]any{"channel": "#ops", "text": "deploy finished"},
		CallerID: "agent-7",
	}
}

func TestEngine_ExecuteSuccess(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, succeed(map[string]any{"ts": "1710072000.0001"}))
	stop := h.startWorkers(1)
	defer stop()

	res := h.engine.Execute(context.Background(), notifyRequest(), nil)

	require.True(t, res.Success)
	assert.Nil(t, res.Error)
	assert.Equal(t, map[string]any{"ts": "1710072000.0001"}, res.Data)
	assert.Equal(t, 0, res.Metadata.RetryCount)
	require.NotNil(t, res.Metadata.RateLimitRemaining)
	assert.Equal(t, admission.DefaultLimit.MaxRequests-1, *res.Metadata.RateLimitRemaining)

	_, status, ok := h.engine.Result(res.Metadata.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, execution.StatusCompleted, status)

	assert.Equal(t, []execution.EventType{
		execution.EventQueued,
		execution.EventStarted,
		execution.EventCompleted,
	}, h.observer.types())
}

func TestEngine_BudgetRejectedBeforeInvocation(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, succeed("audio"))
	ctx := context.Background()

	require.NoError(t, h.guard.SetBudget(ctx, "elevenlabs", decimal.NewFromInt(10), decimal.Zero, nil))
	require.NoError(t, h.guard.RecordCost(ctx, budgetEntry("elevenlabs", "9.50")))

	req := execution.Request{
		ToolID:        "elevenlabs",
		Action:        "synthesize",
		Params:        map[string]any{"text": "hello"},
		EstimatedCost: decimal.RequireFromString("1.00"),
	}
	res := h.engine.Execute(ctx, req, nil)

	require.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, execution.KindBudgetExceeded, res.Error.Kind)
	assert.False(t, res.Error.Retryable)
	assert.Equal(t, 0, h.invoker.total())
	assert.Equal(t, 0, h.queue.Len())
}

func TestEngine_RateLimited(t *testing.T) {
	h := newHarness(t, admission.Limit{MaxRequests: 2, Window: time.Minute}, succeed("ok"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.engine.Submit(ctx, notifyRequest(), nil)
		require.NoError(t, err)
	}

	id, err := h.engine.Submit(ctx, notifyRequest(), nil)
	assert.Equal(t, uuid.Nil, id)
	require.Error(t, err)

	var execErr *execution.Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, execution.KindRateLimitExceeded, execErr.Kind)
	require.NotNil(t, execErr.ResetAt)
	assert.Equal(t, h.clock.Now().Add(time.Minute), *execErr.ResetAt)

	// A different caller has its own window.
	other := notifyRequest()
	other.CallerID = "agent-8"
	_, err = h.engine.Submit(ctx, other, nil)
	assert.NoError(t, err)
}

func TestEngine_CacheIdempotence(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, succeed("weather: sunny"))
	ctx := context.Background()

	req := execution.Request{
		ToolID:    "weather",
		Action:    "forecast",
		Params:    map[string]any{"city": "Lisbon", "days": 3},
		Cacheable: true,
	}

	first, err := h.engine.Submit(ctx, req, nil)
	require.NoError(t, err)
	h.drain(t)

	res1, status, ok := h.engine.Result(first)
	require.True(t, ok)
	require.Equal(t, execution.StatusCompleted, status)
	assert.False(t, res1.Metadata.CacheHit)

	// Same params in a different key order hit the cache.
	again := req
	again.Params = map[string]any{"days": 3, "city": "Lisbon"}
	second, err := h.engine.Submit(ctx, again, nil)
	require.NoError(t, err)

	res2, status, ok := h.engine.Result(second)
	require.True(t, ok)
	assert.Equal(t, execution.StatusCompleted, status)
	assert.True(t, res2.Metadata.CacheHit)
	assert.Equal(t, res1.Data, res2.Data)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, h.invoker.total())

	// Expired entries are not served.
	h.clock.Advance(cache.DefaultTTL)
	third, err := h.engine.Submit(ctx, req, nil)
	require.NoError(t, err)
	h.drain(t)
	res3, _, _ := h.engine.Result(third)
	assert.False(t, res3.Metadata.CacheHit)
	assert.Equal(t, 2, h.invoker.total())
}

func TestEngine_CatalogCacheableAction(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, succeed("rows"))
	require.NoError(t, h.catalog.Register(tool.Definition{
		ID:      "search",
		Actions: []tool.ActionSpec{{Name: "query", Required: []string{"q"}, Cacheable: true}},
	}))
	ctx := context.Background()
	req := execution.Request{ToolID: "search", Action: "query", Params: map[string]any{"q": "go"}}

	_, err := h.engine.Submit(ctx, req, nil)
	require.NoError(t, err)
	h.drain(t)

	id, err := h.engine.Submit(ctx, req, nil)
	require.NoError(t, err)
	res, _, _ := h.engine.Result(id)
	assert.True(t, res.Metadata.CacheHit)
	assert.Equal(t, 1, h.invoker.total())
}

func TestEngine_RetryExhaustion(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		return tool.Outcome{}, &execution.ProviderError{Status: http.StatusServiceUnavailable, Message: "upstream down"}
	})
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, notifyRequest(), nil)
	require.NoError(t, err)
	h.drain(t)

	res, status, ok := h.engine.Result(id)
	require.True(t, ok)
	assert.Equal(t, execution.StatusFailed, status)
	require.NotNil(t, res.Error)
	assert.Equal(t, execution.KindUpstream, res.Error.Kind)
	assert.Equal(t, 2, res.Metadata.RetryCount)
	assert.Equal(t, 3, h.invoker.total())

	retries := 0
	for _, typ := range h.observer.types() {
		if typ == execution.EventRetrying {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		if n.Add(1) == 1 {
			return tool.Outcome{}, &execution.ProviderError{Status: http.StatusTooManyRequests}
		}
		return tool.Outcome{Data: "sent"}, nil
	})

	id, err := h.engine.Submit(context.Background(), notifyRequest(), nil)
	require.NoError(t, err)
	h.drain(t)

	res, status, _ := h.engine.Result(id)
	assert.Equal(t, execution.StatusCompleted, status)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Metadata.RetryCount)
}

func TestEngine_NonRetryableFailsOnce(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		return tool.Outcome{}, &execution.ProviderError{Status: http.StatusBadRequest, Code: "invalid_channel"}
	})

	id, err := h.engine.Submit(context.Background(), notifyRequest(), nil)
	require.NoError(t, err)
	h.drain(t)

	res, status, _ := h.engine.Result(id)
	assert.Equal(t, execution.StatusFailed, status)
	assert.Equal(t, execution.KindValidation, res.Error.Kind)
	assert.Equal(t, "invalid_channel", res.Error.Code)
	assert.Equal(t, 0, res.Metadata.RetryCount)
	assert.Equal(t, 1, h.invoker.total())
}

func TestEngine_PolicyOverride(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		return tool.Outcome{}, &execution.ProviderError{Status: http.StatusBadGateway}
	})
	override := fastPolicy(1)

	id, err := h.engine.Submit(context.Background(), notifyRequest(), &override)
	require.NoError(t, err)
	h.drain(t)

	_, status, _ := h.engine.Result(id)
	assert.Equal(t, execution.StatusFailed, status)
	assert.Equal(t, 1, h.invoker.total())

	bad := fastPolicy(0)
	_, err = h.engine.Submit(context.Background(), notifyRequest(), &bad)
	var execErr *execution.Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, execution.KindValidation, execErr.Kind)
}

func TestEngine_TimeoutAbandonsCall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		<-release
		return tool.Outcome{Data: "late"}, nil
	})
	p := fastPolicy(1)
	p.Timeout = 20 * time.Millisecond

	id, err := h.engine.Submit(context.Background(), notifyRequest(), &p)
	require.NoError(t, err)
	h.drain(t)

	res, status, _ := h.engine.Result(id)
	assert.Equal(t, execution.StatusFailed, status)
	require.NotNil(t, res.Error)
	assert.Equal(t, execution.KindTimeout, res.Error.Kind)
	assert.True(t, res.Error.Abandoned)
}

func TestEngine_InvokerPanicIsContained(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		panic("nil map write")
	})
	p := fastPolicy(1)

	id, err := h.engine.Submit(context.Background(), notifyRequest(), &p)
	require.NoError(t, err)
	h.drain(t)

	res, status, _ := h.engine.Result(id)
	assert.Equal(t, execution.StatusFailed, status)
	assert.Equal(t, execution.KindUnknown, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "nil map write")
}

func TestEngine_SchemaValidationSkipsInvocation(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, succeed("ok"))
	require.NoError(t, h.catalog.Register(tool.Definition{
		ID:      "notify",
		Actions: []tool.ActionSpec{{Name: "send_message", Required: []string{"channel", "text"}}},
	}))

	req := notifyRequest()
	req.Params = map[string]any{"channel": "#ops"}
	id, err := h.engine.Submit(context.Background(), req, nil)
	require.NoError(t, err)
	h.drain(t)

	res, status, _ := h.engine.Result(id)
	assert.Equal(t, execution.StatusFailed, status)
	assert.Equal(t, execution.KindValidation, res.Error.Kind)
	assert.Equal(t, 0, h.invoker.total())
}

func TestEngine_InvalidRequestRejected(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, succeed("ok"))

	res := h.engine.Execute(context.Background(), execution.Request{Action: "send_message"}, nil)

	assert.False(t, res.Success)
	assert.Equal(t, execution.KindValidation, res.Error.Kind)
	assert.NotEqual(t, uuid.Nil, res.Metadata.ExecutionID)
}

func TestEngine_CostRecordedPerAttempt(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		cost := decimal.RequireFromString("0.25")
		if n.Add(1) == 1 {
			return tool.Outcome{Cost: cost}, &execution.ProviderError{Status: http.StatusInternalServerError}
		}
		return tool.Outcome{Data: "done", Cost: cost}, nil
	})

	id, err := h.engine.Submit(context.Background(), notifyRequest(), nil)
	require.NoError(t, err)
	h.drain(t)

	res, _, _ := h.engine.Result(id)
	assert.True(t, res.Success)
	assert.True(t, decimal.RequireFromString("0.50").Equal(res.Metadata.CostIncurred))
	assert.True(t, decimal.RequireFromString("0.50").Equal(h.guard.GetAnalytics("notify").Daily))
}

func TestEngine_CanceledWorkerKeepsRecord(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, func(ctx context.Context, _ tool.Call) (tool.Outcome, error) {
		<-ctx.Done()
		return tool.Outcome{}, ctx.Err()
	})

	id, err := h.engine.Submit(context.Background(), notifyRequest(), nil)
	require.NoError(t, err)
	rec, ok := h.queue.Dequeue(context.Background(), "")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	terminal, err := h.engine.Process(ctx, rec)

	assert.False(t, terminal)
	assert.ErrorIs(t, err, context.Canceled)
	_, status, _ := h.engine.Result(id)
	assert.Equal(t, execution.StatusQueued, status)
}

func TestEngine_ConcurrentWorkersProcessEachOnce(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		time.Sleep(2 * time.Millisecond)
		return tool.Outcome{Data: "ok"}, nil
	})
	ctx := context.Background()

	ids := make([]uuid.UUID, 0, 12)
	for i := 0; i < 12; i++ {
		req := notifyRequest()
		req.Priority = execution.Priorities[i%len(execution.Priorities)]
		id, err := h.engine.Submit(ctx, req, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	stop := h.startWorkers(5)
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if _, status, _ := h.engine.Result(id); !status.IsTerminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	stop()

	h.invoker.mu.Lock()
	defer h.invoker.mu.Unlock()
	assert.Len(t, h.invoker.calls, 12)
	for id, n := range h.invoker.calls {
		assert.Equal(t, 1, n, "execution %s invoked more than once", id)
	}
	assert.Equal(t, 0, h.engine.Running())
}

func TestEngine_StopReleasesWaiters(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, succeed("ok"))

	done := make(chan execution.Result, 1)
	go func() {
		done <- h.engine.Execute(context.Background(), notifyRequest(), nil)
	}()

	require.Eventually(t, func() bool { return h.queue.Len() == 1 }, time.Second, time.Millisecond)
	h.engine.Stop()

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.Equal(t, "engine_stopped", res.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after Stop")
	}

	res := h.engine.Execute(context.Background(), notifyRequest(), nil)
	assert.Equal(t, "engine_stopped", res.Error.Code)
}

func TestEngine_ExecuteContextCanceled(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, succeed("ok"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := h.engine.Execute(ctx, notifyRequest(), nil)

	assert.False(t, res.Success)
	assert.Equal(t, execution.KindCanceled, res.Error.Kind)

	// The execution itself survives and finishes when a worker picks it up.
	h.drain(t)
	_, status, ok := h.engine.Result(res.Metadata.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, execution.StatusCompleted, status)
}

func TestEngine_PruneResults(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, succeed("ok"))

	id, err := h.engine.Submit(context.Background(), notifyRequest(), nil)
	require.NoError(t, err)
	pending, err := h.engine.Submit(context.Background(), notifyRequest(), nil)
	require.NoError(t, err)

	rec, ok := h.queue.Dequeue(context.Background(), "")
	require.True(t, ok)
	require.Equal(t, id, rec.ID)
	_, err = h.engine.Process(context.Background(), rec)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, h.engine.PruneResults(h.clock.Now().Add(-h.engine.Retention())))

	_, _, ok = h.engine.Result(id)
	assert.False(t, ok)
	_, status, ok := h.engine.Result(pending)
	assert.True(t, ok)
	assert.Equal(t, execution.StatusQueued, status)

	st := h.engine.QueueStatus()
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Queue.Total)
}

func budgetEntry(toolID, amount string) budget.CostEntry {
	return budget.CostEntry{ToolID: toolID, ExecutionID: uuid.New(), Attempt: 1, Amount: decimal.RequireFromString(amount)}
}

// joiners counts callers waiting on another execution's result
func (h *harness) joiners() int {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	n := 0
	for _, t := range h.engine.tracked {
		n += len(t.joiners)
	}
	return n
}

func forecastRequest() execution.Request {
	return execution.Request{
		ToolID:    "weather",
		Action:    "forecast",
		Params:    map[string]any{"city": "Lisbon", "days": 3},
		CallerID:  "agent-7",
		Cacheable: true,
	}
}

func TestEngine_DuplicateInFlightRequestsShareOneCall(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		started <- struct{}{}
		<-release
		return tool.Outcome{Data: map[string]any{"summary": "sunny"}}, nil
	})
	stop := h.startWorkers(2)
	defer stop()
	ctx := context.Background()

	results := make(chan execution.Result, 2)
	go func() { results <- h.engine.Execute(ctx, forecastRequest(), nil) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first request never reached the invoker")
	}

	go func() { results <- h.engine.Execute(ctx, forecastRequest(), nil) }()
	require.Eventually(t, func() bool { return h.joiners() == 1 }, time.Second, time.Millisecond)
	close(release)

	var got []execution.Result
	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			got = append(got, res)
		case <-time.After(time.Second):
			t.Fatal("Execute did not return")
		}
	}

	assert.Equal(t, 1, h.invoker.total())
	joined := 0
	for _, res := range got {
		require.True(t, res.Success)
		assert.False(t, res.Metadata.CacheHit)
		assert.Equal(t, map[string]any{"summary": "sunny"}, res.Data)
		if res.Metadata.Joined {
			joined++
		}
	}
	assert.Equal(t, 1, joined)
	assert.Equal(t, got[0].Metadata.ExecutionID, got[1].Metadata.ExecutionID)

	// Once finished, the same request is served from the cache.
	res := h.engine.Execute(ctx, forecastRequest(), nil)
	assert.True(t, res.Metadata.CacheHit)
	assert.Equal(t, 1, h.invoker.total())
}

func TestEngine_SubmitJoinsQueuedDuplicate(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, succeed("sunny"))
	ctx := context.Background()

	first, err := h.engine.Submit(ctx, forecastRequest(), nil)
	require.NoError(t, err)
	second, err := h.engine.Submit(ctx, forecastRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.queue.Len())

	// Different params are a different request.
	other := forecastRequest()
	other.Params = map[string]any{"city": "Porto", "days": 3}
	third, err := h.engine.Submit(ctx, other, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	h.drain(t)
	assert.Equal(t, 2, h.invoker.total())
	_, status, _ := h.engine.Result(first)
	assert.Equal(t, execution.StatusCompleted, status)
}

func TestEngine_FailedLeaderReleasesFingerprint(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		if n.Add(1) == 1 {
			return tool.Outcome{}, &execution.ProviderError{Status: http.StatusBadRequest}
		}
		return tool.Outcome{Data: "sunny"}, nil
	})
	ctx := context.Background()

	first, err := h.engine.Submit(ctx, forecastRequest(), nil)
	require.NoError(t, err)
	h.drain(t)
	_, status, _ := h.engine.Result(first)
	require.Equal(t, execution.StatusFailed, status)

	second, err := h.engine.Submit(ctx, forecastRequest(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	h.drain(t)

	res, status, _ := h.engine.Result(second)
	assert.Equal(t, execution.StatusCompleted, status)
	assert.True(t, res.Success)
	assert.Equal(t, 2, h.invoker.total())
}

func TestEngine_TimeoutIsRetried(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	var n atomic.Int32
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		if n.Add(1) == 1 {
			<-release
			return tool.Outcome{Data: "late"}, nil
		}
		return tool.Outcome{Data: "sent"}, nil
	})
	p := fastPolicy(2)
	p.Timeout = 20 * time.Millisecond

	id, err := h.engine.Submit(context.Background(), notifyRequest(), &p)
	require.NoError(t, err)
	h.drain(t)

	res, status, _ := h.engine.Result(id)
	assert.Equal(t, execution.StatusCompleted, status)
	require.True(t, res.Success)
	assert.Equal(t, "sent", res.Data)
	assert.Equal(t, 1, res.Metadata.RetryCount)
	assert.Equal(t, 2, h.invoker.total())
	assert.Contains(t, h.observer.types(), execution.EventRetrying)
}

type recordingGuard struct {
	*budgetsvc.Guard
	mu      sync.Mutex
	entries []budget.CostEntry
}

func (g *recordingGuard) RecordCost(ctx context.Context, entry budget.CostEntry) error {
	g.mu.Lock()
	g.entries = append(g.entries, entry)
	g.mu.Unlock()
	return g.Guard.RecordCost(ctx, entry)
}

func TestEngine_CostBreakdownReachesLedger(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, func(context.Context, tool.Call) (tool.Outcome, error) {
		return tool.Outcome{
			Data: "audio.mp3",
			Cost: decimal.RequireFromString("0.30"),
			Breakdown: map[string]decimal.Decimal{
				"characters": decimal.RequireFromString("0.25"),
				"voice":      decimal.RequireFromString("0.05"),
			},
		}, nil
	})
	guard := &recordingGuard{Guard: h.guard}
	h.engine.deps.Budget = guard

	id, err := h.engine.Submit(context.Background(), execution.Request{
		ToolID: "elevenlabs",
		Action: "synthesize",
		Params: map[string]any{"text": "hello", "voice_id": "rachel"},
	}, nil)
	require.NoError(t, err)
	h.drain(t)

	guard.mu.Lock()
	defer guard.mu.Unlock()
	require.Len(t, guard.entries, 1)
	entry := guard.entries[0]
	assert.Equal(t, id, entry.ExecutionID)
	assert.Equal(t, 1, entry.Attempt)
	assert.True(t, decimal.RequireFromString("0.30").Equal(entry.Amount))
	require.Len(t, entry.Breakdown, 2)
	assert.True(t, decimal.RequireFromString("0.25").Equal(entry.Breakdown["characters"]))
	assert.True(t, decimal.RequireFromString("0.30").Equal(h.guard.GetAnalytics("elevenlabs").Daily))
}

func TestEngine_QueueStatusAccepting(t *testing.T) {
	h := newHarness(t, admission.DefaultLimit, succeed("ok"))

	_, err := h.engine.Submit(context.Background(), notifyRequest(), nil)
	require.NoError(t, err)

	st := h.engine.QueueStatus()
	assert.True(t, st.Accepting)
	assert.Equal(t, 1, st.RateWindows)
	assert.Equal(t, 1, st.Pending)

	h.engine.Stop()
	assert.False(t, h.engine.QueueStatus().Accepting)
}
