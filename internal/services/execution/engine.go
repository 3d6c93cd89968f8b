package execution

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"switchyard/internal/domain/budget"
	"switchyard/internal/domain/execution"
	"switchyard/internal/domain/tool"
	"switchyard/internal/metrics"
	"switchyard/internal/services/admission"
	"switchyard/internal/services/cache"
	"switchyard/internal/services/queue"
	"switchyard/pkg/clock"
	"switchyard/pkg/errors"
	"switchyard/pkg/fingerprint"
	"switchyard/pkg/logger"
)

// Admitter gates requests per (tool, caller)
type Admitter interface {
	CheckAndAdmit(key admission.Key, now time.Time) admission.Decision
}

// BudgetGuard reports remaining budget and records spend
type BudgetGuard interface {
	GetAnalytics(toolID string) budget.Analytics
	RecordCost(ctx context.Context, entry budget.CostEntry) error
}

// RetryPlanner resolves policies and decides retries
type RetryPlanner interface {
	Resolve(toolID string) execution.RetryPolicy
	ShouldRetry(err *execution.Error, policy execution.RetryPolicy, attempt int) bool
	NextDelay(attempt int, policy execution.RetryPolicy) time.Duration
}

// WorkQueue is the engine's view of the execution queue
type WorkQueue interface {
	Enqueue(ctx context.Context, rec *execution.Record, priority execution.Priority) error
	EnqueueAfter(ctx context.Context, rec *execution.Record, delay time.Duration) error
	Rehydrate(ctx context.Context) (int, error)
	Stats() queue.Stats
}

// Config tunes the engine
type Config struct {
	CacheTTL        time.Duration // default 5m
	ResultRetention time.Duration // default 1h
}

// Deps are the collaborators of the engine. Cache, Credentials, Metrics
// and Observer are optional.
type Deps struct {
	Admission   Admitter
	Budget      BudgetGuard
	Cache       cache.Cache
	Retry       RetryPlanner
	Queue       WorkQueue
	Catalog     *tool.Catalog
	Invoker     tool.Invoker
	Credentials tool.CredentialProvider
	Metrics     execution.MetricsRepository
	Observer    execution.Observer
	Clock       clock.Clock
}

// tracked is the engine's bookkeeping for one execution ID
type tracked struct {
	status      execution.Status
	result      *execution.Result
	remaining   *int
	doneAt      time.Time
	waiter      chan execution.Result
	fingerprint string // set while a cacheable execution is in flight
	joiners     []joiner
}

// joiner is a duplicate Execute call waiting on another caller's
// identical in-flight execution
type joiner struct {
	ch        chan execution.Result
	remaining *int
}

// QueueStatus summarizes engine load
type QueueStatus struct {
	Queue       queue.Stats `json:"queue"`
	Running     int         `json:"running"`
	Pending     int         `json:"pending"`
	Finished    int         `json:"finished"`
	Accepting   bool        `json:"accepting"`
	RateWindows int         `json:"rate_windows"`
}

// Engine runs tool requests through admission, budget, cache, queue,
// invocation and retry. Workers call Process; callers use Execute or
// Submit.
type Engine struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	tracked  map[uuid.UUID]*tracked
	inflight map[string]uuid.UUID // fingerprint -> leading execution

	running atomic.Int64
	stopped atomic.Bool

	clock  clock.Clock
	tracer trace.Tracer
	log    *logger.Logger
}

// NewEngine validates dependencies and creates an engine
func NewEngine(cfg Config, deps Deps, log *logger.Logger) (*Engine, error) {
	switch {
	case deps.Admission == nil:
		return nil, errors.Wrap(errors.ErrInvalidInput, "admission controller is required")
	case deps.Budget == nil:
		return nil, errors.Wrap(errors.ErrInvalidInput, "budget guard is required")
	case deps.Retry == nil:
		return nil, errors.Wrap(errors.ErrInvalidInput, "retry coordinator is required")
	case deps.Queue == nil:
		return nil, errors.Wrap(errors.ErrInvalidInput, "queue is required")
	case deps.Invoker == nil:
		return nil, errors.Wrap(errors.ErrInvalidInput, "tool invoker is required")
	}
	if deps.Catalog == nil {
		deps.Catalog = tool.NewCatalog()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = time.Hour
	}

	return &Engine{
		cfg:      cfg,
		deps:     deps,
		tracked:  make(map[uuid.UUID]*tracked),
		inflight: make(map[string]uuid.UUID),
		clock:    deps.Clock,
		tracer:   otel.Tracer("switchyard/execution"),
		log:      log.With("component", "execution_engine"),
	}, nil
}

// Execute runs a request and blocks until it completes, fails, or ctx
// ends. override replaces the tool's resolved retry policy when non-nil.
// The outcome is always a Result; failures are carried in Result.Error.
//
// If ctx ends first the execution keeps running and its outcome remains
// available from Result.
func (e *Engine) Execute(ctx context.Context, req execution.Request, override *execution.RetryPolicy) execution.Result {
	started := e.clock.Now()

	id, waiter, immediate := e.admit(ctx, req, override, true)
	if immediate != nil {
		return *immediate
	}

	select {
	case res := <-waiter:
		return res
	case <-ctx.Done():
		e.detach(id, waiter)
		return execution.Failure(id, execution.Canceled(ctx.Err()), started, e.clock.Now())
	}
}

// Submit admits and queues a request without waiting. Rejections are
// returned as *execution.Error. A cache hit completes immediately. A
// cacheable request identical to one already in flight returns the ID of
// that execution.
func (e *Engine) Submit(ctx context.Context, req execution.Request, override *execution.RetryPolicy) (uuid.UUID, error) {
	id, _, immediate := e.admit(ctx, req, override, false)
	if immediate != nil && !immediate.Success {
		return uuid.Nil, immediate.Error
	}
	return id, nil
}

// Result returns the current status of an execution and its outcome once
// terminal. ok is false for unknown or pruned IDs.
func (e *Engine) Result(id uuid.UUID) (res execution.Result, status execution.Status, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tracked[id]
	if !ok {
		return execution.Result{}, "", false
	}
	if t.result != nil {
		return *t.result, t.status, true
	}
	return execution.Result{Metadata: execution.Metadata{ExecutionID: id}}, t.status, true
}

// QueueStatus reports queue depth, in-flight work and whether new
// requests are accepted
func (e *Engine) QueueStatus() QueueStatus {
	s := QueueStatus{
		Queue:     e.deps.Queue.Stats(),
		Running:   int(e.running.Load()),
		Accepting: !e.stopped.Load(),
	}
	if w, ok := e.deps.Admission.(interface{ Size() int }); ok {
		s.RateWindows = w.Size()
	}

	e.mu.Lock()
	for _, t := range e.tracked {
		if t.status.IsTerminal() {
			s.Finished++
		} else {
			s.Pending++
		}
	}
	e.mu.Unlock()
	return s
}

// Running returns the number of attempts in flight
func (e *Engine) Running() int {
	return int(e.running.Load())
}

// Rehydrate restores mirrored work left by a previous process
func (e *Engine) Rehydrate(ctx context.Context) (int, error) {
	return e.deps.Queue.Rehydrate(ctx)
}

// PruneResults drops terminal results finished before cutoff. Returns the
// number removed.
func (e *Engine) PruneResults(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, t := range e.tracked {
		if t.status.IsTerminal() && t.doneAt.Before(cutoff) {
			delete(e.tracked, id)
			removed++
		}
	}
	return removed
}

// Retention is how long terminal results are kept for Result
func (e *Engine) Retention() time.Duration {
	return e.cfg.ResultRetention
}

// Stop rejects new requests and releases callers still waiting in
// Execute. Queued records stay mirrored for the next start.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.tracked {
		if t.status.IsTerminal() {
			continue
		}
		res := execution.Failure(id, stoppedError(), now, now)
		if t.waiter != nil {
			t.waiter <- res
			t.waiter = nil
		}
		for _, j := range t.joiners {
			j.ch <- res
		}
		t.joiners = nil
	}
}

// admit runs the pre-queue states: validation, admission, budget and
// cache. It returns a non-nil Result when the request ends there.
func (e *Engine) admit(ctx context.Context, req execution.Request, override *execution.RetryPolicy, wait bool) (uuid.UUID, chan execution.Result, *execution.Result) {
	now := e.clock.Now()
	id := uuid.New()

	if e.stopped.Load() {
		return e.reject(ctx, id, req, stoppedError(), now)
	}
	if err := req.Validate(); err != nil {
		return e.reject(ctx, id, req, execution.Validation(err.Error(), err), now)
	}
	req = req.Clone()

	policy := e.deps.Retry.Resolve(req.ToolID)
	if override != nil {
		if err := override.Validate(); err != nil {
			return e.reject(ctx, id, req, execution.Validation("invalid retry policy: "+err.Error(), err), now)
		}
		policy = override.Clone()
	}

	if spec, ok := e.deps.Catalog.Lookup(req.ToolID, req.Action); ok {
		req.Cacheable = req.Cacheable || spec.Cacheable
		if req.EstimatedCost.IsZero() {
			req.EstimatedCost = spec.EstimatedCost
		}
	}

	decision := e.deps.Admission.CheckAndAdmit(admission.Key{ToolID: req.ToolID, CallerID: req.CallerID}, now)
	if !decision.Allowed {
		metrics.AdmissionRejections.WithLabelValues(req.ToolID).Inc()
		return e.reject(ctx, id, req, execution.RateLimited(decision.ResetAt), now)
	}
	remaining := decision.Remaining

	analytics := e.deps.Budget.GetAnalytics(req.ToolID)
	if !analytics.CanAfford(req.EstimatedCost) {
		metrics.BudgetRejections.WithLabelValues(req.ToolID).Inc()
		msg := fmt.Sprintf("daily budget remaining %s cannot cover estimated cost %s",
			analytics.DailyRemaining.StringFixed(2), req.EstimatedCost.StringFixed(2))
		return e.reject(ctx, id, req, execution.BudgetExceeded(msg), now)
	}

	var fp string
	if req.Cacheable {
		fp = e.fingerprint(req)
		if res, hit := e.lookupCache(ctx, id, fp, req, now, &remaining); hit {
			e.track(id, &tracked{status: execution.StatusCompleted, result: &res, doneAt: now, remaining: &remaining})
			return id, nil, &res
		}
	}

	t := &tracked{status: execution.StatusQueued, remaining: &remaining, fingerprint: fp}
	if wait {
		t.waiter = make(chan execution.Result, 1)
	}
	waiter := t.waiter
	if leader, ch, joined := e.trackOrJoin(id, t); joined {
		metrics.Executions.WithLabelValues(req.ToolID, "joined").Inc()
		e.log.Debugw("Joined in-flight execution",
			"execution_id", leader,
			"tool_id", req.ToolID,
			"action", req.Action,
		)
		return leader, ch, nil
	}

	rec := execution.NewRecord(req, policy, now)
	rec.ID = id

	// Observed before the push so workers never report a start first.
	e.observe(ctx, execution.EventQueued, rec, nil, 0)
	if err := e.deps.Queue.Enqueue(ctx, rec, req.Priority); err != nil {
		execErr := execution.Unknown(err)
		if errors.Is(err, errors.ErrQueueClosed) {
			execErr = stoppedError()
		}
		_, _, res := e.reject(ctx, id, req, execErr, now)
		e.untrack(id, *res)
		return id, nil, res
	}

	e.log.Debugw("Execution queued",
		"execution_id", id,
		"tool_id", req.ToolID,
		"action", req.Action,
		"priority", req.Priority,
	)
	return id, waiter, nil
}

func (e *Engine) reject(ctx context.Context, id uuid.UUID, req execution.Request, err *execution.Error, now time.Time) (uuid.UUID, chan execution.Result, *execution.Result) {
	metrics.Executions.WithLabelValues(req.ToolID, "rejected").Inc()
	e.emit(ctx, execution.Event{
		Type:        execution.EventRejected,
		ExecutionID: id,
		ToolID:      req.ToolID,
		Action:      req.Action,
		CallerID:    req.CallerID,
		Priority:    req.Priority,
		Error:       err,
		At:          now,
	})
	res := execution.Failure(id, err, now, e.clock.Now())
	return id, nil, &res
}

// fingerprint keys both the result cache and in-flight deduplication.
// An empty string disables both for the request.
func (e *Engine) fingerprint(req execution.Request) string {
	fp, err := fingerprint.Of(req.ToolID, req.Action, req.Params, req.CallerID)
	if err != nil {
		e.log.Warnw("Request not fingerprintable, skipping cache", "tool_id", req.ToolID, "error", err)
		return ""
	}
	return fp
}

func (e *Engine) lookupCache(ctx context.Context, id uuid.UUID, fp string, req execution.Request, now time.Time, remaining *int) (execution.Result, bool) {
	if e.deps.Cache == nil || fp == "" {
		return execution.Result{}, false
	}

	entry, ok, err := e.deps.Cache.Get(ctx, fp)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		e.log.Warnw("Cache lookup failed", "tool_id", req.ToolID, "error", err)
		return execution.Result{}, false
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return execution.Result{}, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	metrics.Executions.WithLabelValues(req.ToolID, "cache_hit").Inc()

	e.storeMetric(ctx, execution.MetricRow{
		ExecutionID: id.String(),
		ToolID:      req.ToolID,
		ActionID:    req.Action,
		CallerID:    req.CallerID,
		Priority:    string(req.Priority),
		Success:     true,
		Cost:        decimal.Zero,
		CacheHit:    true,
		CreatedAt:   now,
	})
	e.emit(ctx, execution.Event{
		Type:        execution.EventCacheHit,
		ExecutionID: id,
		ToolID:      req.ToolID,
		Action:      req.Action,
		CallerID:    req.CallerID,
		Priority:    req.Priority,
		At:          now,
	})

	return execution.Result{
		Success: true,
		Data:    entry.Data,
		Metadata: execution.Metadata{
			ExecutionID:        id,
			DurationMs:         e.clock.Now().Sub(now).Milliseconds(),
			CostIncurred:       decimal.Zero,
			CacheHit:           true,
			RateLimitRemaining: remaining,
		},
	}, true
}

// Process runs one attempt of a dequeued record. It returns terminal=true
// when the record reached completed or failed and can be removed from the
// queue mirror. A retry re-enqueues the record and returns false.
func (e *Engine) Process(ctx context.Context, rec *execution.Record) (terminal bool, err error) {
	if rec == nil {
		return true, nil
	}
	e.running.Add(1)
	defer e.running.Add(-1)

	now := e.clock.Now()
	rec.Status = execution.StatusRunning
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	e.setStatus(rec.ID, execution.StatusRunning)
	e.observe(ctx, execution.EventStarted, rec, nil, 0)

	out, execErr, took := e.attempt(ctx, rec)
	e.recordCost(ctx, rec, out)
	e.recordAttempt(ctx, rec, execErr, took, out.Cost)

	if execErr == nil {
		e.succeed(ctx, rec, out)
		return true, nil
	}

	if execErr.Kind == execution.KindCanceled && ctx.Err() != nil {
		// The worker is shutting down. The mirror keeps the record.
		rec.Status = execution.StatusQueued
		e.setStatus(rec.ID, execution.StatusQueued)
		return false, ctx.Err()
	}

	rec.LastError = execErr
	if e.deps.Retry.ShouldRetry(execErr, rec.Policy, rec.Attempt) {
		delay := e.retryDelay(rec, execErr)
		metrics.Retries.WithLabelValues(rec.Request.ToolID, string(execErr.Kind)).Inc()
		e.log.Infow("Attempt failed, retrying",
			"execution_id", rec.ID,
			"tool_id", rec.Request.ToolID,
			"attempt", rec.Attempt,
			"kind", execErr.Kind,
			"delay", delay,
		)

		rec.Attempt++
		rec.RetryCount++
		e.observe(ctx, execution.EventRetrying, rec, execErr, delay)

		if err := e.deps.Queue.EnqueueAfter(ctx, rec, delay); err != nil {
			return false, errors.Wrap(err, "re-enqueue for retry")
		}
		e.setStatus(rec.ID, execution.StatusQueued)
		return false, nil
	}

	e.fail(ctx, rec, execErr)
	return true, nil
}

// retryDelay is the policy backoff, stretched to a provider-supplied reset
// time when that is later, never beyond MaxDelay
func (e *Engine) retryDelay(rec *execution.Record, execErr *execution.Error) time.Duration {
	delay := e.deps.Retry.NextDelay(rec.Attempt, rec.Policy)
	if execErr.ResetAt != nil {
		if untilReset := execErr.ResetAt.Sub(e.clock.Now()); untilReset > delay {
			delay = min(untilReset, rec.Policy.MaxDelay)
		}
	}
	return delay
}

type invokeResult struct {
	out tool.Outcome
	err error
}

// attempt validates, resolves credentials and invokes the tool under the
// policy timeout
func (e *Engine) attempt(ctx context.Context, rec *execution.Record) (tool.Outcome, *execution.Error, time.Duration) {
	req := rec.Request
	start := e.clock.Now()

	ctx, span := e.tracer.Start(ctx, "tool.attempt", trace.WithAttributes(
		attribute.String("execution.id", rec.ID.String()),
		attribute.String("tool.id", req.ToolID),
		attribute.String("tool.action", req.Action),
		attribute.Int("execution.attempt", rec.Attempt),
	))
	defer span.End()

	fail := func(err *execution.Error) (tool.Outcome, *execution.Error, time.Duration) {
		span.SetStatus(codes.Error, string(err.Kind))
		span.RecordError(err)
		return tool.Outcome{}, err, e.clock.Now().Sub(start)
	}

	if err := e.deps.Catalog.Validate(req.ToolID, req.Action, req.Params); err != nil {
		return fail(execution.Validation(err.Error(), err))
	}

	var creds tool.Credentials
	if e.deps.Credentials != nil {
		c, err := e.deps.Credentials.Resolve(ctx, req.ToolID, req.CallerID)
		if err != nil {
			return fail(execution.Classify(err, e.clock.Now()))
		}
		creds = c
	}

	call := tool.Call{
		ToolID:      req.ToolID,
		Action:      req.Action,
		Params:      req.Params,
		Credentials: creds,
		CallerID:    req.CallerID,
		ExecutionID: rec.ID,
		Attempt:     rec.Attempt,
	}

	callCtx, cancel := context.WithTimeout(ctx, rec.Policy.Timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Errorw("Tool invoker panicked",
					"tool_id", req.ToolID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- invokeResult{err: errors.Newf("tool invoker panicked: %v", r)}
			}
		}()
		out, err := e.deps.Invoker.Invoke(callCtx, call)
		done <- invokeResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		took := e.clock.Now().Sub(start)
		if r.err != nil {
			execErr := execution.Classify(r.err, e.clock.Now())
			span.SetStatus(codes.Error, string(execErr.Kind))
			span.RecordError(r.err)
			return r.out, execErr, took
		}
		span.SetStatus(codes.Ok, "")
		return r.out, nil, took

	case <-callCtx.Done():
		if ctx.Err() != nil {
			return fail(execution.Canceled(ctx.Err()))
		}
		// The call is abandoned; its goroutine finishes on its own.
		return fail(execution.Timeout(rec.Policy.Timeout))
	}
}

func (e *Engine) succeed(ctx context.Context, rec *execution.Record, out tool.Outcome) {
	if rec.Request.Cacheable && e.deps.Cache != nil {
		fp, err := fingerprint.Of(rec.Request.ToolID, rec.Request.Action, rec.Request.Params, rec.Request.CallerID)
		if err == nil {
			err = e.deps.Cache.Put(ctx, fp, cache.Entry{
				Data:        out.Data,
				ExecutionID: rec.ID,
				StoredAt:    e.clock.Now(),
			}, e.cfg.CacheTTL)
		}
		if err != nil {
			e.log.Warnw("Failed to cache result", "execution_id", rec.ID, "error", err)
		}
	}

	res := execution.Result{Success: true, Data: out.Data}
	e.finalize(ctx, rec, execution.StatusCompleted, res)
}

func (e *Engine) fail(ctx context.Context, rec *execution.Record, execErr *execution.Error) {
	e.log.Warnw("Execution failed",
		"execution_id", rec.ID,
		"tool_id", rec.Request.ToolID,
		"attempts", rec.Attempt,
		"kind", execErr.Kind,
		"error", execErr.Message,
	)
	e.finalize(ctx, rec, execution.StatusFailed, execution.Result{Success: false, Error: execErr})
}

func (e *Engine) finalize(ctx context.Context, rec *execution.Record, status execution.Status, res execution.Result) {
	now := e.clock.Now()
	rec.Status = status
	rec.CompletedAt = &now

	res.Metadata = execution.Metadata{
		ExecutionID:  rec.ID,
		DurationMs:   now.Sub(rec.CreatedAt).Milliseconds(),
		CostIncurred: rec.CostIncurred,
		RetryCount:   rec.RetryCount,
	}

	e.mu.Lock()
	t, ok := e.tracked[rec.ID]
	if !ok {
		t = &tracked{}
		e.tracked[rec.ID] = t
	}
	res.Metadata.RateLimitRemaining = t.remaining
	t.status = status
	t.result = &res
	t.doneAt = now
	waiter := t.waiter
	t.waiter = nil
	joiners := t.joiners
	t.joiners = nil
	e.releaseFingerprint(rec.ID, t)
	e.mu.Unlock()

	metrics.Executions.WithLabelValues(rec.Request.ToolID, string(status)).Inc()
	evType := execution.EventCompleted
	if status == execution.StatusFailed {
		evType = execution.EventFailed
	}
	e.observe(ctx, evType, rec, res.Error, 0)

	if waiter != nil {
		waiter <- res
	}
	for _, j := range joiners {
		shared := res
		shared.Data = execution.CloneData(res.Data)
		shared.Metadata.Joined = true
		shared.Metadata.RateLimitRemaining = j.remaining
		j.ch <- shared
	}
}

func (e *Engine) recordCost(ctx context.Context, rec *execution.Record, out tool.Outcome) {
	cost := out.Cost
	if !cost.IsPositive() {
		return
	}
	rec.CostIncurred = rec.CostIncurred.Add(cost)
	amount, _ := cost.Float64()
	metrics.BudgetSpend.WithLabelValues(rec.Request.ToolID).Add(amount)

	err := e.deps.Budget.RecordCost(ctx, budget.CostEntry{
		ToolID:      rec.Request.ToolID,
		ExecutionID: rec.ID,
		Attempt:     rec.Attempt,
		Amount:      cost,
		Breakdown:   out.Breakdown,
		RecordedAt:  e.clock.Now(),
	})
	if err != nil {
		e.log.Warnw("Failed to record cost", "execution_id", rec.ID, "amount", cost.String(), "error", err)
	}
}

func (e *Engine) recordAttempt(ctx context.Context, rec *execution.Record, execErr *execution.Error, took time.Duration, cost decimal.Decimal) {
	outcome := "success"
	row := execution.MetricRow{
		ExecutionID: rec.ID.String(),
		ToolID:      rec.Request.ToolID,
		ActionID:    rec.Request.Action,
		CallerID:    rec.Request.CallerID,
		Priority:    string(rec.Request.Priority),
		Attempt:     uint16(rec.Attempt),
		Success:     execErr == nil,
		DurationMs:  uint32(took.Milliseconds()),
		Cost:        cost,
		RetryCount:  uint16(rec.RetryCount),
		CreatedAt:   e.clock.Now(),
	}
	if execErr != nil {
		outcome = string(execErr.Kind)
		row.ErrorType = string(execErr.Kind)
		row.ErrorCode = execErr.Code
	}
	metrics.RecordAttempt(rec.Request.ToolID, outcome, took)
	e.storeMetric(ctx, row)
}

func (e *Engine) storeMetric(ctx context.Context, row execution.MetricRow) {
	if e.deps.Metrics == nil {
		return
	}
	if err := e.deps.Metrics.Store(ctx, row); err != nil {
		e.log.Warnw("Failed to store execution metric", "execution_id", row.ExecutionID, "error", err)
	}
}

func (e *Engine) observe(ctx context.Context, typ execution.EventType, rec *execution.Record, err *execution.Error, delay time.Duration) {
	e.emit(ctx, execution.Event{
		Type:        typ,
		ExecutionID: rec.ID,
		ToolID:      rec.Request.ToolID,
		Action:      rec.Request.Action,
		CallerID:    rec.Request.CallerID,
		Priority:    rec.Request.Priority,
		Attempt:     rec.Attempt,
		Error:       err,
		Delay:       delay,
		At:          e.clock.Now(),
	})
}

func (e *Engine) emit(ctx context.Context, ev execution.Event) {
	if e.deps.Observer != nil {
		e.deps.Observer.Observe(ctx, ev)
	}
}

func (e *Engine) track(id uuid.UUID, t *tracked) {
	e.mu.Lock()
	e.tracked[id] = t
	e.mu.Unlock()
}

// trackOrJoin registers t under id. When t carries the fingerprint of an
// execution still in flight, nothing is registered and the caller joins
// that execution instead: the leader's ID is returned with a channel that
// receives its result (nil when t has no waiter).
func (e *Engine) trackOrJoin(id uuid.UUID, t *tracked) (uuid.UUID, chan execution.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.fingerprint != "" {
		if leaderID, ok := e.inflight[t.fingerprint]; ok {
			if leader, ok := e.tracked[leaderID]; ok && !leader.status.IsTerminal() {
				var ch chan execution.Result
				if t.waiter != nil {
					ch = make(chan execution.Result, 1)
					leader.joiners = append(leader.joiners, joiner{ch: ch, remaining: t.remaining})
				}
				return leaderID, ch, true
			}
		}
		e.inflight[t.fingerprint] = id
	}
	e.tracked[id] = t
	return id, t.waiter, false
}

// untrack forgets an execution that never reached the queue and hands
// res to anyone who joined it
func (e *Engine) untrack(id uuid.UUID, res execution.Result) {
	e.mu.Lock()
	t, ok := e.tracked[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.tracked, id)
	e.releaseFingerprint(id, t)
	joiners := t.joiners
	t.joiners = nil
	e.mu.Unlock()

	for _, j := range joiners {
		j.ch <- res
	}
}

// releaseFingerprint ends in-flight deduplication for id. Callers hold e.mu.
func (e *Engine) releaseFingerprint(id uuid.UUID, t *tracked) {
	if t.fingerprint == "" {
		return
	}
	if e.inflight[t.fingerprint] == id {
		delete(e.inflight, t.fingerprint)
	}
	t.fingerprint = ""
}

// detach stops delivering the result of id to ch
func (e *Engine) detach(id uuid.UUID, ch chan execution.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tracked[id]
	if !ok {
		return
	}
	if t.waiter == ch {
		t.waiter = nil
		return
	}
	for i, j := range t.joiners {
		if j.ch == ch {
			t.joiners = append(t.joiners[:i], t.joiners[i+1:]...)
			return
		}
	}
}

func (e *Engine) setStatus(id uuid.UUID, s execution.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tracked[id]
	if !ok {
		// rehydrated from the mirror
		t = &tracked{}
		e.tracked[id] = t
	}
	if !t.status.IsTerminal() {
		t.status = s
	}
}

func stoppedError() *execution.Error {
	return &execution.Error{
		Kind:      execution.KindUnknown,
		Code:      "engine_stopped",
		Message:   errors.ErrEngineStopped.Error(),
		Retryable: true,
		Cause:     errors.ErrEngineStopped,
	}
}
