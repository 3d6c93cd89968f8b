package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QueueMirror persists queued records so pending work survives restarts
type QueueMirror interface {
	// Upsert writes the record keyed by ID, replacing an earlier attempt
	Upsert(ctx context.Context, rec *Record) error

	// Delete removes the record once it reached a terminal state
	Delete(ctx context.Context, id uuid.UUID) error

	// LoadPending returns all mirrored records ordered by creation time
	LoadPending(ctx context.Context) ([]*Record, error)
}

// MetricsRepository stores one row per attempt
type MetricsRepository interface {
	Store(ctx context.Context, row MetricRow) error
}

// EventType names a lifecycle transition
type EventType string

const (
	EventQueued    EventType = "execution.queued"
	EventStarted   EventType = "execution.started"
	EventRetrying  EventType = "execution.retrying"
	EventCompleted EventType = "execution.completed"
	EventFailed    EventType = "execution.failed"
	EventCacheHit  EventType = "execution.cache_hit"
	EventRejected  EventType = "execution.rejected"
)

// Event is emitted on every lifecycle transition
type Event struct {
	Type        EventType     `json:"type"`
	ExecutionID uuid.UUID     `json:"execution_id"`
	ToolID      string        `json:"tool_id"`
	Action      string        `json:"action"`
	CallerID    string        `json:"caller_id"`
	Priority    Priority      `json:"priority"`
	Attempt     int           `json:"attempt"`
	Error       *Error        `json:"error,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	At          time.Time     `json:"at"`
}

// Observer receives lifecycle events. Implementations must not block.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// Observers fans an event out to several observers
type Observers []Observer

func (o Observers) Observe(ctx context.Context, ev Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ctx, ev)
		}
	}
}

// ToolSummary aggregates attempt rows for one tool over a window
type ToolSummary struct {
	ToolID        string          `ch:"tool_id" json:"tool_id"`
	Attempts      uint64          `ch:"attempts" json:"attempts"`
	Successes     uint64          `ch:"successes" json:"successes"`
	CacheHits     uint64          `ch:"cache_hits" json:"cache_hits"`
	AvgDurationMs float64         `ch:"avg_duration_ms" json:"avg_duration_ms"`
	TotalCost     decimal.Decimal `ch:"total_cost" json:"total_cost"`
}
