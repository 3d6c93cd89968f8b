package invoker

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"switchyard/internal/domain/tool"
	"switchyard/internal/metrics"
	"switchyard/pkg/errors"
)

var _ tool.Invoker = (*Router)(nil)

// Router dispatches calls to the adapter registered for the tool and paces
// outbound traffic per tool
type Router struct {
	mu       sync.RWMutex
	adapters map[string]tool.Invoker
	limiters map[string]*rate.Limiter
}

func NewRouter() *Router {
	return &Router{
		adapters: make(map[string]tool.Invoker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register binds an adapter to a tool id, replacing any earlier one
func (r *Router) Register(toolID string, inv tool.Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[toolID] = inv
}

// SetThrottle limits calls to a tool to rps with the given burst. A
// non-positive rps removes the throttle.
func (r *Router) SetThrottle(toolID string, rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rps <= 0 {
		delete(r.limiters, toolID)
		return
	}
	if burst < 1 {
		burst = 1
	}
	r.limiters[toolID] = rate.NewLimiter(rate.Limit(rps), burst)
}

// Tools lists registered tool ids
func (r *Router) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) Invoke(ctx context.Context, call tool.Call) (tool.Outcome, error) {
	r.mu.RLock()
	inv, ok := r.adapters[call.ToolID]
	limiter := r.limiters[call.ToolID]
	r.mu.RUnlock()

	if !ok {
		metrics.ToolInvocations.WithLabelValues(call.ToolID, "unknown").Inc()
		return tool.Outcome{}, errors.Wrapf(errors.ErrUnknownTool, "no adapter for %q", call.ToolID)
	}

	if limiter != nil {
		start := time.Now()
		err := limiter.Wait(ctx)
		metrics.ToolThrottleWait.WithLabelValues(call.ToolID).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ToolInvocations.WithLabelValues(call.ToolID, "throttled").Inc()
			if ctx.Err() != nil {
				return tool.Outcome{}, ctx.Err()
			}
			// the wait would outlast the deadline
			return tool.Outcome{}, errors.Wrapf(errors.ErrTimeout, "outbound throttle for %s", call.ToolID)
		}
	}

	out, err := inv.Invoke(ctx, call)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ToolInvocations.WithLabelValues(call.ToolID, status).Inc()
	return out, err
}
