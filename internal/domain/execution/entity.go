package execution

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"switchyard/pkg/errors"
)

// Priority is a coarse queue ordering class applied before FIFO ordering
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists tiers from most to least urgent
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Valid checks if priority is a known tier
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank returns 0 for the most urgent tier
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

func (p Priority) String() string {
	return string(p)
}

// Status of an execution record
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions can happen
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request is what a caller asks the engine to run. Treat as immutable once
// submitted; the engine stores a deep copy.
type Request struct {
	ToolID        string          `json:"tool_id"`
	Action        string          `json:"action"`
	Params        map[string]any  `json:"params,omitempty"`
	CallerID      string          `json:"caller_id"`
	Priority      Priority        `json:"priority,omitempty"`
	Cacheable     bool            `json:"cacheable,omitempty"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

// Validate checks the envelope fields. Parameter validation against the
// action catalog happens when the record runs.
func (r Request) Validate() error {
	if r.ToolID == "" {
		return errors.NewValidationError("tool_id", "is required", r.ToolID)
	}
	if r.Action == "" {
		return errors.NewValidationError("action", "is required", r.Action)
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return errors.NewValidationError("priority", "must be one of critical, high, normal, low", r.Priority)
	}
	if r.EstimatedCost.IsNegative() {
		return errors.NewValidationError("estimated_cost", "must not be negative", r.EstimatedCost.String())
	}
	return nil
}

// Clone returns a deep copy with the priority defaulted
func (r Request) Clone() Request {
	out := r
	if out.Priority == "" {
		out.Priority = PriorityNormal
	}
	if r.Params != nil {
		out.Params = cloneValue(r.Params).(map[string]any)
	}
	return out
}

// CloneData deep-copies JSON-shaped data (maps, slices, scalars)
func CloneData(v any) any {
	return cloneValue(v)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}

// Record tracks one request through the queue. It is owned by the engine
// and only mutated by the worker currently holding it.
type Record struct {
	ID           uuid.UUID       `json:"id"`
	Request      Request         `json:"request"`
	Policy       RetryPolicy     `json:"policy"`
	Status       Status          `json:"status"`
	Attempt      int             `json:"attempt"` // 1-based number of the next or current attempt
	RetryCount   int             `json:"retry_count"`
	CostIncurred decimal.Decimal `json:"cost_incurred"`
	LastError    *Error          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	AvailableAt  time.Time       `json:"available_at"` // not dequeued before this instant
}

// NewRecord wraps a request in a queued record
func NewRecord(req Request, policy RetryPolicy, now time.Time) *Record {
	return &Record{
		ID:           uuid.New(),
		Request:      req.Clone(),
		Policy:       policy,
		Status:       StatusQueued,
		Attempt:      1,
		CostIncurred: decimal.Zero,
		CreatedAt:    now,
		AvailableAt:  now,
	}
}

// Metadata accompanies every result
type Metadata struct {
	ExecutionID        uuid.UUID       `json:"execution_id"`
	DurationMs         int64           `json:"duration_ms"`
	CostIncurred       decimal.Decimal `json:"cost_incurred"`
	RetryCount         int             `json:"retry_count"`
	CacheHit           bool            `json:"cache_hit,omitempty"`
	Joined             bool            `json:"joined,omitempty"` // served by an identical in-flight execution
	RateLimitRemaining *int            `json:"rate_limit_remaining,omitempty"`
}

// Result is the terminal outcome surfaced to callers. Failures are carried
// in Error, never returned as Go errors from Execute.
type Result struct {
	Success  bool     `json:"success"`
	Data     any      `json:"data,omitempty"`
	Error    *Error   `json:"error,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// Failure builds an unsuccessful result
func Failure(id uuid.UUID, err *Error, started, now time.Time) Result {
	return Result{
		Success: false,
		Error:   err,
		Metadata: Metadata{
			ExecutionID:  id,
			DurationMs:   now.Sub(started).Milliseconds(),
			CostIncurred: decimal.Zero,
		},
	}
}

// MetricRow is written once per attempt, successful or not
type MetricRow struct {
	ExecutionID string          `ch:"execution_id"`
	ToolID      string          `ch:"tool_id"`
	ActionID    string          `ch:"action_id"`
	CallerID    string          `ch:"caller_id"`
	Priority    string          `ch:"priority"`
	Attempt     uint16          `ch:"attempt"`
	Success     bool            `ch:"success"`
	DurationMs  uint32          `ch:"duration_ms"`
	Cost        decimal.Decimal `ch:"cost"`
	RetryCount  uint16          `ch:"retry_count"`
	ErrorType   string          `ch:"error_type"`
	ErrorCode   string          `ch:"error_code"`
	CacheHit    bool            `ch:"cache_hit"`
	CreatedAt   time.Time       `ch:"created_at"`
}
