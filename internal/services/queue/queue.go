package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/domain/execution"
	"switchyard/pkg/clock"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

type item struct {
	rec *execution.Record
	seq uint64
}

// tier holds one priority level, split into per-tool FIFO sub-queues
type tier struct {
	mu     sync.Mutex
	byTool map[string][]item
	size   int
}

func (t *tier) push(it item) {
	t.mu.Lock()
	t.byTool[it.rec.Request.ToolID] = append(t.byTool[it.rec.Request.ToolID], it)
	t.size++
	t.mu.Unlock()
}

// pop removes the oldest item, optionally restricted to one tool
func (t *tier) pop(toolFilter string) (*execution.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size == 0 {
		return nil, false
	}

	tool := toolFilter
	if tool == "" {
		var best uint64
		found := false
		for id, items := range t.byTool {
			if len(items) > 0 && (!found || items[0].seq < best) {
				best, tool, found = items[0].seq, id, true
			}
		}
		if !found {
			return nil, false
		}
	}

	items := t.byTool[tool]
	if len(items) == 0 {
		return nil, false
	}
	head := items[0]
	items[0] = item{}
	if len(items) == 1 {
		delete(t.byTool, tool)
	} else {
		t.byTool[tool] = items[1:]
	}
	t.size--
	return head.rec, true
}

func (t *tier) counts(byTool map[string]int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, items := range t.byTool {
		byTool[id] += len(items)
	}
	return t.size
}

// Stats is a point-in-time view of queue depth
type Stats struct {
	Total      int                        `json:"total"`
	Delayed    int                        `json:"delayed"`
	ByPriority map[execution.Priority]int `json:"by_priority"`
	ByTool     map[string]int             `json:"by_tool"`
}

// Queue is a four-tier priority queue, FIFO within a tier. Each tier has
// its own lock and a global sequence keeps enqueue order across tools.
// Every queued record is mirrored to durable storage until Complete.
type Queue struct {
	tiers   [4]*tier
	seq     atomic.Uint64
	delayed atomic.Int64
	closed  atomic.Bool

	mirror execution.QueueMirror
	clock  clock.Clock
	log    *logger.Logger

	// ready is signalled (non-blocking) on every push
	ready chan struct{}
}

// New creates a queue. mirror may be nil.
func New(mirror execution.QueueMirror, clk clock.Clock, log *logger.Logger) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	q := &Queue{
		mirror: mirror,
		clock:  clk,
		log:    log.With("component", "execution_queue"),
		ready:  make(chan struct{}, 1),
	}
	for i := range q.tiers {
		q.tiers[i] = &tier{byTool: make(map[string][]item)}
	}
	return q
}

// Enqueue mirrors the record and makes it available to workers.
// A failed mirror write is logged; the record still runs.
func (q *Queue) Enqueue(ctx context.Context, rec *execution.Record, priority execution.Priority) error {
	if q.closed.Load() {
		return errors.ErrQueueClosed
	}
	if !priority.Valid() {
		priority = execution.PriorityNormal
	}
	rec.Request.Priority = priority
	rec.Status = execution.StatusQueued

	q.persist(ctx, rec)
	q.push(rec)
	return nil
}

// EnqueueAfter mirrors the record now and queues it once delay has
// elapsed on the queue's clock.
func (q *Queue) EnqueueAfter(ctx context.Context, rec *execution.Record, delay time.Duration) error {
	if q.closed.Load() {
		return errors.ErrQueueClosed
	}
	if delay <= 0 {
		return q.Enqueue(ctx, rec, rec.Request.Priority)
	}

	rec.Status = execution.StatusQueued
	rec.AvailableAt = q.clock.Now().Add(delay)
	q.persist(ctx, rec)
	q.schedule(rec, delay)
	return nil
}

// Dequeue returns the oldest record of the most urgent non-empty tier.
// With a tool filter only that tool's sub-queues are considered.
func (q *Queue) Dequeue(_ context.Context, toolFilter string) (*execution.Record, bool) {
	for _, t := range q.tiers {
		if rec, ok := t.pop(toolFilter); ok {
			return rec, true
		}
	}
	return nil, false
}

// Complete removes a finished record from the durable mirror
func (q *Queue) Complete(ctx context.Context, id uuid.UUID) error {
	if q.mirror == nil {
		return nil
	}
	if err := q.mirror.Delete(ctx, id); err != nil {
		return errors.Wrapf(err, "delete mirror row %s", id)
	}
	return nil
}

// Rehydrate loads mirrored records left by a previous process. Records
// whose retry delay has not elapsed are scheduled, the rest are queued
// immediately. Returns the number of records restored.
func (q *Queue) Rehydrate(ctx context.Context) (int, error) {
	if q.mirror == nil {
		return 0, nil
	}
	recs, err := q.mirror.LoadPending(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load queue mirror")
	}

	now := q.clock.Now()
	for _, rec := range recs {
		// A record that was running when the process died runs again.
		rec.Status = execution.StatusQueued
		if !rec.Request.Priority.Valid() {
			rec.Request.Priority = execution.PriorityNormal
		}
		if wait := rec.AvailableAt.Sub(now); wait > 0 {
			q.schedule(rec, wait)
			continue
		}
		q.push(rec)
	}

	if len(recs) > 0 {
		q.log.Infow("Queue rehydrated from mirror", "records", len(recs))
	}
	return len(recs), nil
}

// Ready is signalled whenever work is pushed. Workers may select on it
// instead of sleeping for the full idle backoff.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of records ready to dequeue
func (q *Queue) Len() int {
	n := 0
	for _, t := range q.tiers {
		t.mu.Lock()
		n += t.size
		t.mu.Unlock()
	}
	return n
}

// Stats reports depth per tier and per tool
func (q *Queue) Stats() Stats {
	s := Stats{
		Delayed:    int(q.delayed.Load()),
		ByPriority: make(map[execution.Priority]int, len(execution.Priorities)),
		ByTool:     make(map[string]int),
	}
	for i, t := range q.tiers {
		n := t.counts(s.ByTool)
		s.ByPriority[execution.Priorities[i]] = n
		s.Total += n
	}
	return s
}

// Close stops accepting records. Pending delayed records stay in the
// mirror and return on the next Rehydrate.
func (q *Queue) Close() {
	q.closed.Store(true)
}

func (q *Queue) push(rec *execution.Record) {
	q.tiers[rec.Request.Priority.Rank()].push(item{rec: rec, seq: q.seq.Add(1)})
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) schedule(rec *execution.Record, delay time.Duration) {
	q.delayed.Add(1)
	q.clock.AfterFunc(delay, func() {
		q.delayed.Add(-1)
		if q.closed.Load() {
			return
		}
		q.push(rec)
	})
}

func (q *Queue) persist(ctx context.Context, rec *execution.Record) {
	if q.mirror == nil {
		return
	}
	if err := q.mirror.Upsert(ctx, rec); err != nil {
		q.log.Errorw("Failed to mirror queued record",
			"execution_id", rec.ID,
			"tool_id", rec.Request.ToolID,
			"error", err,
		)
	}
}
