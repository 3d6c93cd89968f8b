package admission

import (
	"sync"
	"sync/atomic"
	"time"

	"switchyard/pkg/logger"
)

// Limit is a sliding-window quota
type Limit struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window_size" json:"window_size"`
}

// DefaultLimit applies to tools without an override
var DefaultLimit = Limit{MaxRequests: 60, Window: time.Minute}

// Key identifies one rate window
type Key struct {
	ToolID   string
	CallerID string
}

// Decision is the outcome of CheckAndAdmit
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time // set when rejected
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time // ascending
	dead   bool        // removed by the sweeper
}

// Controller admits requests per (tool, caller) sliding window.
// Windows live in a sync.Map and each has its own mutex, so keys never
// contend with each other.
type Controller struct {
	windows sync.Map // Key -> *window
	size    atomic.Int64

	mu       sync.RWMutex
	limits   map[string]Limit
	fallback Limit

	log *logger.Logger
}

// NewController creates a controller with per-tool limits
func NewController(fallback Limit, perTool map[string]Limit, log *logger.Logger) *Controller {
	if fallback.MaxRequests <= 0 || fallback.Window <= 0 {
		fallback = DefaultLimit
	}
	c := &Controller{
		limits:   make(map[string]Limit, len(perTool)),
		fallback: fallback,
		log:      log.With("component", "admission"),
	}
	for tool, l := range perTool {
		c.SetLimit(tool, l)
	}
	return c
}

// SetLimit overrides the limit for a tool. Existing windows keep their
// timestamps and are judged against the new limit from the next call.
func (c *Controller) SetLimit(toolID string, l Limit) {
	if l.MaxRequests <= 0 || l.Window <= 0 {
		return
	}
	c.mu.Lock()
	c.limits[toolID] = l
	c.mu.Unlock()
}

// LimitFor returns the effective limit of a tool
func (c *Controller) LimitFor(toolID string) Limit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l, ok := c.limits[toolID]; ok {
		return l
	}
	return c.fallback
}

// CheckAndAdmit prunes the key's window and admits the request if the
// window has room, recording now.
func (c *Controller) CheckAndAdmit(key Key, now time.Time) Decision {
	limit := c.LimitFor(key.ToolID)

	for {
		w := c.load(key)

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}

		w.prune(now.Add(-limit.Window))

		if len(w.stamps) < limit.MaxRequests {
			w.stamps = append(w.stamps, now)
			remaining := limit.MaxRequests - len(w.stamps)
			w.mu.Unlock()
			return Decision{Allowed: true, Remaining: remaining}
		}

		resetAt := w.stamps[0].Add(limit.Window)
		w.mu.Unlock()

		c.log.Debugw("Request rejected",
			"tool_id", key.ToolID,
			"caller_id", key.CallerID,
			"reset_at", resetAt,
		)
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
}

// Sweep drops windows that hold no timestamps inside their window.
// Returns the number of windows removed.
func (c *Controller) Sweep(now time.Time) int {
	removed := 0
	c.windows.Range(func(k, v any) bool {
		key := k.(Key)
		w := v.(*window)
		limit := c.LimitFor(key.ToolID)

		w.mu.Lock()
		w.prune(now.Add(-limit.Window))
		if len(w.stamps) == 0 {
			w.dead = true
			c.windows.Delete(key)
			c.size.Add(-1)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Size returns the number of live windows
func (c *Controller) Size() int {
	return int(c.size.Load())
}

func (c *Controller) load(key Key) *window {
	if v, ok := c.windows.Load(key); ok {
		return v.(*window)
	}
	v, loaded := c.windows.LoadOrStore(key, &window{})
	if !loaded {
		c.size.Add(1)
	}
	return v.(*window)
}

// prune drops timestamps at or before cutoff, so a stamp leaves the
// window exactly window-size after it was taken and ResetAt is admissible
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
